package dsp

import (
	"log/slog"
	"math/cmplx"
	"sync"
	"time"
)

// NoiseSuppressor attenuates stationary background noise by spectral
// subtraction: a short-time Fourier transform of the signal, subtraction of
// an oversubtracted noise magnitude profile per bin, and resynthesis with
// the original phase.
//
// The profile comes from [NoiseSuppressor.EstimateNoise], fed with a stretch
// of audio containing only background noise. If Process runs before any
// estimate, the first frame seeds the profile implicitly, which suppresses
// that frame heavily and is logged once.
//
// Process and EstimateNoise may be called from different goroutines; the
// profile is guarded by a mutex held only for the duration of a call.
type NoiseSuppressor struct {
	sampleRate int
	fftSize    int
	hop        int
	alpha      float64 // over-subtraction factor
	beta       float64 // spectral floor fraction
	window     []float64

	mu         sync.Mutex
	profile    []float64 // len fftSize/2+1, nil until estimated
	calibrated bool

	implicitOnce sync.Once
}

// NoiseOption configures a [NoiseSuppressor].
type NoiseOption func(*NoiseSuppressor)

// WithOverSubtraction sets the factor the noise profile is scaled by before
// subtraction. Values above 1 trade musical-noise artifacts for deeper
// suppression. The default is 2.0.
func WithOverSubtraction(alpha float64) NoiseOption {
	return func(n *NoiseSuppressor) {
		if alpha > 0 {
			n.alpha = alpha
		}
	}
}

// WithSpectralFloor sets the minimum magnitude each bin keeps, as a fraction
// of its original magnitude. The floor masks the gaps subtraction tears into
// the spectrum. The default is 0.1.
func WithSpectralFloor(beta float64) NoiseOption {
	return func(n *NoiseSuppressor) {
		if beta > 0 {
			n.beta = beta
		}
	}
}

// WithFFTSize sets the transform size in samples; it must be a power of two.
// The hop is always half the transform. The default is 512.
func WithFFTSize(size int) NoiseOption {
	return func(n *NoiseSuppressor) {
		if isPowerOfTwo(size) {
			n.fftSize = size
		}
	}
}

// NewNoiseSuppressor creates a suppressor for the given sample rate with no
// noise profile.
func NewNoiseSuppressor(sampleRate int, opts ...NoiseOption) *NoiseSuppressor {
	n := &NoiseSuppressor{
		sampleRate: sampleRate,
		fftSize:    512,
		alpha:      2.0,
		beta:       0.1,
	}
	for _, o := range opts {
		o(n)
	}
	n.hop = n.fftSize / 2
	n.window = hannWindow(n.fftSize)
	return n
}

// Calibrated reports whether a noise profile has been estimated, explicitly
// or implicitly.
func (n *NoiseSuppressor) Calibrated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calibrated
}

// EstimateNoise builds the noise magnitude profile from signal, using at
// most duration worth of samples from its start. The signal should contain
// background noise only. A previous profile is replaced.
func (n *NoiseSuppressor) EstimateNoise(signal []float32, duration time.Duration) {
	limit := int(duration.Seconds() * float64(n.sampleRate))
	if limit > len(signal) || limit <= 0 {
		limit = len(signal)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.estimateLocked(signal[:limit])
}

func (n *NoiseSuppressor) estimateLocked(signal []float32) {
	x := n.padded(signal)
	bins := n.fftSize/2 + 1
	profile := make([]float64, bins)
	buf := make([]complex128, n.fftSize)

	frames := 0
	for start := 0; start+n.fftSize <= len(x); start += n.hop {
		for i := 0; i < n.fftSize; i++ {
			buf[i] = complex(x[start+i]*n.window[i], 0)
		}
		fft(buf)
		for k := 0; k < bins; k++ {
			profile[k] += cmplx.Abs(buf[k])
		}
		frames++
	}
	if frames > 0 {
		for k := range profile {
			profile[k] /= float64(frames)
		}
	}

	n.profile = profile
	n.calibrated = true
}

// Process suppresses noise in signal and returns a slice of the same
// length; the input is not modified. The signal is analyzed in half
// overlapped Hann-windowed frames and resynthesized by overlap-add, so a
// frame shorter than the transform size is padded and trimmed transparently.
func (n *NoiseSuppressor) Process(signal []float32) []float32 {
	if len(signal) == 0 {
		return signal
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.calibrated {
		n.implicitOnce.Do(func() {
			slog.Warn("noise suppressor calibrating implicitly from first frame",
				"samples", len(signal))
		})
		n.estimateLocked(signal)
	}

	x := n.padded(signal)
	out := make([]float64, len(x))
	weight := make([]float64, len(x))
	buf := make([]complex128, n.fftSize)
	bins := n.fftSize / 2

	for start := 0; start+n.fftSize <= len(x); start += n.hop {
		for i := 0; i < n.fftSize; i++ {
			buf[i] = complex(x[start+i]*n.window[i], 0)
		}
		fft(buf)

		// Subtract the scaled profile per bin, keep the phase, and
		// mirror the upper half so the inverse transform stays real.
		for k := 0; k <= bins; k++ {
			mag := cmplx.Abs(buf[k])
			phase := cmplx.Phase(buf[k])
			clean := mag - n.alpha*n.profile[k]
			if floor := n.beta * mag; clean < floor {
				clean = floor
			}
			c := cmplx.Rect(clean, phase)
			buf[k] = c
			if k > 0 && k < bins {
				buf[n.fftSize-k] = cmplx.Conj(c)
			}
		}

		ifft(buf)
		for i := 0; i < n.fftSize; i++ {
			out[start+i] += real(buf[i])
			weight[start+i] += n.window[i]
		}
	}

	// Dividing by the accumulated window sum undoes the analysis window,
	// so unmodified spectra reconstruct the input exactly.
	result := make([]float32, len(signal))
	for i := range result {
		if weight[i] > 1e-9 {
			result[i] = float32(out[i] / weight[i])
		} else {
			result[i] = signal[i]
		}
	}
	return result
}

// Reset discards the noise profile; the next Process call recalibrates
// implicitly unless EstimateNoise runs first.
func (n *NoiseSuppressor) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.profile = nil
	n.calibrated = false
}

// padded widens signal with zeros so the frame grid covers every input
// sample: at least one transform length, rounded up to a whole number of
// hops. Converts to float64 for the transform.
func (n *NoiseSuppressor) padded(signal []float32) []float64 {
	size := n.fftSize
	if extra := len(signal) - n.fftSize; extra > 0 {
		hops := (extra + n.hop - 1) / n.hop
		size += hops * n.hop
	}
	x := make([]float64, size)
	for i, s := range signal {
		x[i] = float64(s)
	}
	return x
}
