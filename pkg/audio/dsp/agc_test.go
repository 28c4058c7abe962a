package dsp_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/MrWong99/duplexa/pkg/audio/dsp"
)

// squareWave returns n samples alternating between +amp and -amp, which
// keeps |s| constant so the envelope follower settles to exactly amp.
func squareWave(n int, amp float64) []float32 {
	s := make([]float32, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = float32(amp)
		} else {
			s[i] = float32(-amp)
		}
	}
	return s
}

func TestAutoGainConvergesToTargetLevel(t *testing.T) {
	t.Parallel()

	const rate = 8000
	g := dsp.NewAutoGain(rate)

	out := g.Process(squareWave(3*rate, 0.1))
	settled := out[len(out)-2000:]
	if level := rms(settled); math.Abs(level-0.3) > 0.02 {
		t.Errorf("settled output RMS = %.4f, want 0.3 +/- 0.02", level)
	}
}

func TestAutoGainAttenuatesLoudInput(t *testing.T) {
	t.Parallel()

	const rate = 8000
	g := dsp.NewAutoGain(rate)

	in := squareWave(3*rate, 0.9)
	out := g.Process(in)
	settled := out[len(out)-2000:]
	if level := rms(settled); math.Abs(level-0.3) > 0.02 {
		t.Errorf("settled output RMS = %.4f, want 0.3 +/- 0.02", level)
	}
	if rms(out) >= rms(in) {
		t.Errorf("output RMS %.4f not below input RMS %.4f", rms(out), rms(in))
	}
}

func TestAutoGainOutputBounded(t *testing.T) {
	t.Parallel()

	g := dsp.NewAutoGain(48000)
	rng := rand.New(rand.NewSource(9))

	// Amplitude bursts force the gain through its whole range.
	in := make([]float32, 20000)
	for i := range in {
		burst := 0.05
		if (i/1000)%2 == 1 {
			burst = 1.0
		}
		in[i] = float32((rng.Float64()*2 - 1) * burst)
	}

	for _, s := range g.Process(in) {
		if s > 1 || s < -1 {
			t.Fatalf("output sample %g outside [-1, 1]", s)
		}
	}
}

func TestAutoGainClampsGainForFaintInput(t *testing.T) {
	t.Parallel()

	const rate = 8000
	g := dsp.NewAutoGain(rate)

	out := g.Process(squareWave(2*rate, 0.0005))
	if gain := g.Gain(); gain != 10.0 {
		t.Errorf("gain = %g, want clamped at 10", gain)
	}
	last := out[len(out)-1]
	if want := float32(-0.005); math.Abs(float64(last-want)) > 1e-4 {
		t.Errorf("settled sample = %g, want %g", last, want)
	}
}

func TestAutoGainOptions(t *testing.T) {
	t.Parallel()

	const rate = 8000
	g := dsp.NewAutoGain(rate, dsp.WithTargetLevel(0.5), dsp.WithAttack(0.005), dsp.WithRelease(0.05))

	out := g.Process(squareWave(3*rate, 0.1))
	settled := out[len(out)-2000:]
	if level := rms(settled); math.Abs(level-0.5) > 0.03 {
		t.Errorf("settled output RMS = %.4f, want 0.5 +/- 0.03", level)
	}
}

func TestAutoGainResetRestoresUnityGain(t *testing.T) {
	t.Parallel()

	g := dsp.NewAutoGain(8000)
	g.Process(squareWave(8000, 0.9))
	if g.Gain() == 1.0 {
		t.Fatal("gain did not move during processing")
	}

	g.Reset()
	if g.Gain() != 1.0 {
		t.Errorf("gain after reset = %g, want 1", g.Gain())
	}
}
