package trial

import "math/rand"

// StaircaseConfig carries the adaptive estimator's tuning and stop criteria.
// The estimator itself is an external collaborator; the runtime only passes
// this through Init.
type StaircaseConfig struct {
	// StartOffset is the initial signed deviation from the reference.
	StartOffset float64
	// StepSizes are the per-reversal step sizes, coarsest first.
	StepSizes []float64
	// MaxTrials stops the staircase after this many trials (0 = unlimited).
	MaxTrials int
	// MaxReversals stops the staircase after this many reversals (0 = unlimited).
	MaxReversals int
}

// Spec describes one trial configuration. Immutable per trial sequence.
type Spec struct {
	Name              string
	MinValue          float64
	MaxValue          float64
	ReferenceStimulus float64
	Staircase         StaircaseConfig
}

// Clamp restricts a stimulus value to the spec's [MinValue, MaxValue] range.
func (s Spec) Clamp(v float64) float64 {
	if s.MaxValue > s.MinValue {
		if v < s.MinValue {
			return s.MinValue
		}
		if v > s.MaxValue {
			return s.MaxValue
		}
	}
	return v
}

// Staircase is the opaque adaptive threshold estimator collaborator.
type Staircase interface {
	// Init prepares the estimator for a new spec.
	Init(spec Spec)
	// NextStimulus returns the next offset to test.
	NextStimulus() float64
	// TrialFinished reports the (transformed) detection outcome.
	TrialFinished(detected bool)
	// IsFinished reports whether the staircase has met its stop criteria.
	IsFinished() bool
	// Threshold returns the converged threshold estimate.
	Threshold() float64
}

// Surface is the deformable-surface collaborator, consumed only through its
// set-height contract.
type Surface interface {
	SetHeight(value float64)
}

// Pacer is the pacing-animation collaborator. Completion callbacks must be
// invoked on the control loop's timeline, never from another context.
type Pacer interface {
	Blink(times int, onComplete func())
	MoveToEnd(onComplete func())
	ResetToStart(onComplete func())
}

// Result is the flattened outcome of one trial, handed to the sink.
type Result struct {
	SpecName          string
	TrialIndex        int
	ReferenceStimulus float64
	TestStimulus      float64
	Offset            float64
	ReferenceFirst    bool
	DetectedRaw       bool
	DetectedReported  bool
}

// Sink receives trial outcomes and converged thresholds. Implementations
// must not block the control loop for long; errors are logged, never fatal.
type Sink interface {
	RecordTrial(r Result) error
	RecordThreshold(specName string, threshold float64, trials int) error
}

// ShuffleOrder returns a uniformly random permutation of [0..n) drawn with a
// Fisher-Yates shuffle.
func ShuffleOrder(n int, rng *rand.Rand) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	return order
}
