package dsp

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"
)

func TestFFTImpulseHasFlatSpectrum(t *testing.T) {
	t.Parallel()

	x := make([]complex128, 64)
	x[0] = 1
	fft(x)

	for k, v := range x {
		if math.Abs(cmplx.Abs(v)-1) > 1e-12 {
			t.Fatalf("bin %d: |X| = %g, want 1", k, cmplx.Abs(v))
		}
	}
}

func TestFFTSinePeaksAtItsBin(t *testing.T) {
	t.Parallel()

	const n, bin = 128, 9
	x := make([]complex128, n)
	for i := range x {
		x[i] = complex(math.Sin(2*math.Pi*bin*float64(i)/n), 0)
	}
	fft(x)

	peak := cmplx.Abs(x[bin])
	if want := float64(n) / 2; math.Abs(peak-want) > 1e-9 {
		t.Errorf("peak magnitude = %g, want %g", peak, want)
	}
	for k := range x {
		if k == bin || k == n-bin {
			continue
		}
		if mag := cmplx.Abs(x[k]); mag > 1e-9 {
			t.Errorf("bin %d: leakage magnitude %g", k, mag)
		}
	}
}

func TestFFTRoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	orig := make([]complex128, 512)
	for i := range orig {
		orig[i] = complex(rng.Float64()*2-1, rng.Float64()*2-1)
	}

	x := make([]complex128, len(orig))
	copy(x, orig)
	fft(x)
	ifft(x)

	for i := range x {
		if cmplx.Abs(x[i]-orig[i]) > 1e-10 {
			t.Fatalf("sample %d: round trip drifted by %g", i, cmplx.Abs(x[i]-orig[i]))
		}
	}
}

func TestHannWindowShape(t *testing.T) {
	t.Parallel()

	w := hannWindow(512)
	if w[0] != 0 {
		t.Errorf("w[0] = %g, want 0", w[0])
	}
	if last := w[len(w)-1]; math.Abs(last) > 1e-12 {
		t.Errorf("w[n-1] = %g, want 0", last)
	}
	if mid := w[len(w)/2]; math.Abs(mid-1) > 1e-4 {
		t.Errorf("w[n/2] = %g, want ~1", mid)
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 256, 512, 4096} {
		if !isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = false, want true", n)
		}
	}
	for _, n := range []int{0, -2, 3, 500, 1000} {
		if isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = true, want false", n)
		}
	}
}
