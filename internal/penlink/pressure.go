package penlink

import "github.com/percept-lab/hapticbench/internal/monitoring"

// PressureState classifies how hard the pen tip is being pressed.
type PressureState int32

const (
	PressureLow PressureState = iota
	PressureMedium
	PressureHigh
)

func (s PressureState) String() string {
	switch s {
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ClassifyPressure maps a pressure reading onto a PressureState given two
// thresholds low < high: Low below the first, High above the second, Medium
// between them (inclusive at both ends).
func ClassifyPressure(p, low, high float64) PressureState {
	switch {
	case p < low:
		return PressureLow
	case p > high:
		return PressureHigh
	default:
		return PressureMedium
	}
}

// PressureClassifier wraps ClassifyPressure with the configured thresholds and
// remembers the previous classification so transitions can be logged. It has
// no other state.
type PressureClassifier struct {
	low, high float64
	last      PressureState
}

// NewPressureClassifier builds a classifier for the given thresholds.
func NewPressureClassifier(low, high float64) *PressureClassifier {
	return &PressureClassifier{low: low, high: high, last: PressureLow}
}

// Classify returns the state for pressure p, logging on transition.
func (c *PressureClassifier) Classify(p float64) PressureState {
	state := ClassifyPressure(p, c.low, c.high)
	if state != c.last {
		monitoring.Logf("pressure: %s -> %s (p=%.3f)", c.last, state, p)
		c.last = state
	}
	return state
}

// Last returns the most recent classification.
func (c *PressureClassifier) Last() PressureState {
	return c.last
}
