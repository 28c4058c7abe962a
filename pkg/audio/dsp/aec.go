// Package dsp implements the adaptive signal-processing stages of the
// pipeline: NLMS echo cancellation, spectral-subtraction noise suppression,
// and envelope-follower automatic gain control.
//
// All three units operate on float32 frames in [-1, 1], keep their mutable
// state internal (reset without reallocation via Reset), and are independent
// of one another. They are stateful and not safe for concurrent use of the
// same instance unless noted otherwise.
package dsp

// nlmsEpsilon keeps the NLMS normalization denominator away from zero when
// the reference history is silent.
const nlmsEpsilon = 1e-10

// EchoCanceller removes the playback signal from the captured signal using a
// normalized least-mean-squares adaptive filter. The reference is the frame
// just written to the speaker; the filter learns the acoustic path from
// speaker to microphone and subtracts its estimate from the input.
type EchoCanceller struct {
	filterLength int
	stepSize     float64

	weights []float64
	history []float64 // circular reference history, next write at pos
	pos     int
	filled  int
	energy  float64 // running dot(history, history)
}

// EchoOption configures an [EchoCanceller].
type EchoOption func(*EchoCanceller)

// WithFilterLength sets the adaptive filter length in samples. Longer filters
// model longer echo paths at higher cost. The default is 512.
func WithFilterLength(n int) EchoOption {
	return func(e *EchoCanceller) {
		if n > 0 {
			e.filterLength = n
		}
	}
}

// WithStepSize sets the NLMS adaptation step. Larger values converge faster
// but are less stable. The default is 0.5.
func WithStepSize(mu float64) EchoOption {
	return func(e *EchoCanceller) {
		if mu > 0 {
			e.stepSize = mu
		}
	}
}

// NewEchoCanceller creates an echo canceller with zeroed weights and an
// empty reference history.
func NewEchoCanceller(opts ...EchoOption) *EchoCanceller {
	e := &EchoCanceller{
		filterLength: 512,
		stepSize:     0.5,
	}
	for _, o := range opts {
		o(e)
	}
	e.weights = make([]float64, e.filterLength)
	e.history = make([]float64, e.filterLength)
	return e
}

// FilterLength returns the configured filter length in samples.
func (e *EchoCanceller) FilterLength() int { return e.filterLength }

// Process cancels the reference signal from input and returns the residual.
// The two frames are consumed pairwise per sample; when their lengths differ
// the shorter one wins. Until the reference history has filled once, input
// passes through unmodified while the history accumulates.
func (e *EchoCanceller) Process(input, reference []float32) []float32 {
	n := len(input)
	if len(reference) < n {
		n = len(reference)
	}
	out := make([]float32, n)

	for i := 0; i < n; i++ {
		ref := float64(reference[i])

		old := e.history[e.pos]
		e.energy += ref*ref - old*old
		if e.energy < 0 {
			e.energy = 0
		}
		e.history[e.pos] = ref
		e.pos++
		if e.pos == e.filterLength {
			e.pos = 0
		}

		if e.filled < e.filterLength {
			e.filled++
			out[i] = input[i]
			continue
		}

		// Estimate the echo as the dot product of the weights with the
		// history, newest sample first.
		est := 0.0
		idx := e.pos - 1
		for j := 0; j < e.filterLength; j++ {
			if idx < 0 {
				idx = e.filterLength - 1
			}
			est += e.weights[j] * e.history[idx]
			idx--
		}

		errSample := float64(input[i]) - est
		out[i] = float32(errSample)

		// Normalized update: scale the step by the reference energy so
		// loud reference passages do not destabilize the weights.
		scale := e.stepSize * errSample / (e.energy + nlmsEpsilon)
		idx = e.pos - 1
		for j := 0; j < e.filterLength; j++ {
			if idx < 0 {
				idx = e.filterLength - 1
			}
			e.weights[j] += scale * e.history[idx]
			idx--
		}
	}
	return out
}

// Reset zeroes the weights and clears the reference history. Call it when
// the acoustic environment changes materially, e.g. after a device switch.
func (e *EchoCanceller) Reset() {
	for i := range e.weights {
		e.weights[i] = 0
	}
	for i := range e.history {
		e.history[i] = 0
	}
	e.pos = 0
	e.filled = 0
	e.energy = 0
}
