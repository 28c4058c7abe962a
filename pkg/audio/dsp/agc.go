package dsp

import "math"

// AutoGain keeps the output level near a target by following the input
// envelope and smoothly steering a gain toward target/envelope. Attack and
// release act asymmetrically: rising levels are tracked fast so peaks are
// tamed quickly, falling levels recover slowly to avoid pumping.
type AutoGain struct {
	targetLevel  float64
	attackCoeff  float64
	releaseCoeff float64

	envelope float64
	gain     float64
}

// Gain smoothing bounds.
const (
	minGain = 0.1
	maxGain = 10.0
)

// GainOption configures an [AutoGain].
type GainOption func(*agcConfig)

type agcConfig struct {
	target  float64
	attack  float64
	release float64
}

// WithTargetLevel sets the desired output envelope level in [0, 1].
// The default is 0.3.
func WithTargetLevel(level float64) GainOption {
	return func(c *agcConfig) {
		if level > 0 {
			c.target = level
		}
	}
}

// WithAttack sets the attack time constant in seconds, applied while the
// level rises. The default is 10ms.
func WithAttack(seconds float64) GainOption {
	return func(c *agcConfig) {
		if seconds > 0 {
			c.attack = seconds
		}
	}
}

// WithRelease sets the release time constant in seconds, applied while the
// level falls. The default is 100ms.
func WithRelease(seconds float64) GainOption {
	return func(c *agcConfig) {
		if seconds > 0 {
			c.release = seconds
		}
	}
}

// NewAutoGain creates a gain controller for the given sample rate. The time
// constants are converted to per-sample smoothing coefficients, so the same
// settings behave identically at any rate.
func NewAutoGain(sampleRate int, opts ...GainOption) *AutoGain {
	cfg := agcConfig{
		target:  0.3,
		attack:  0.01,
		release: 0.1,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &AutoGain{
		targetLevel:  cfg.target,
		attackCoeff:  smoothingCoeff(cfg.attack, sampleRate),
		releaseCoeff: smoothingCoeff(cfg.release, sampleRate),
		gain:         1.0,
	}
}

// smoothingCoeff converts a time constant to a one-pole filter coefficient:
// after tau seconds the smoothed value has covered ~63% of a step.
func smoothingCoeff(tau float64, sampleRate int) float64 {
	return 1 - math.Exp(-1/(tau*float64(sampleRate)))
}

// Process applies gain control and returns a new slice; the input is not
// modified. Output samples are clamped to [-1, 1].
func (g *AutoGain) Process(samples []float32) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		level := math.Abs(float64(s))

		// Envelope follower: attack upward, release downward.
		if level > g.envelope {
			g.envelope += g.attackCoeff * (level - g.envelope)
		} else {
			g.envelope += g.releaseCoeff * (level - g.envelope)
		}

		desired := g.gain
		if g.envelope > 1e-6 {
			desired = g.targetLevel / g.envelope
		}

		// The gain moves fast when it must come down (loud input) and
		// slowly when it may come back up, mirroring the envelope.
		if desired < g.gain {
			g.gain += g.attackCoeff * (desired - g.gain)
		} else {
			g.gain += g.releaseCoeff * (desired - g.gain)
		}
		if g.gain < minGain {
			g.gain = minGain
		} else if g.gain > maxGain {
			g.gain = maxGain
		}

		v := float64(s) * g.gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = float32(v)
	}
	return out
}

// Gain returns the current smoothed gain factor.
func (g *AutoGain) Gain() float64 { return g.gain }

// Reset returns the controller to its initial state: unity gain and an
// empty envelope.
func (g *AutoGain) Reset() {
	g.envelope = 0
	g.gain = 1.0
}
