package penlink

import (
	"strconv"
	"strings"

	"github.com/percept-lab/hapticbench/internal/monitoring"
)

// TelemetrySample is one decoded device frame. Samples are immutable once
// produced; the reader goroutine is the sole producer and publishes each new
// sample by pointer swap.
type TelemetrySample struct {
	Pressure          float32
	EncoderCount      int64
	RealDistance      float32
	ButtonPressed     bool
	HomeButtonPressed bool
}

// TelemetryParser decodes pipe-delimited tag frames of the form
// `P<float>|E<int>|D<float>|B<0|1>|H<0|1>`. Tags may appear in any subset and
// order. Fields absent from a frame retain the value from earlier frames, so
// the parser carries the running sample across calls.
type TelemetryParser struct {
	current TelemetrySample
}

// Current returns the running sample as of the last successfully parsed line.
func (p *TelemetryParser) Current() TelemetrySample {
	return p.current
}

// ParseLine decodes one line and returns the updated sample. A malformed
// field is skipped without affecting the other fields; a line that yields no
// usable field at all is logged and discarded, leaving the sample unchanged
// (ok=false).
func (p *TelemetryParser) ParseLine(line string) (TelemetrySample, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return p.current, false
	}

	next := p.current
	parsed := 0

	for _, field := range strings.Split(line, "|") {
		field = strings.TrimSpace(field)
		if len(field) < 2 {
			continue
		}
		tag, value := field[0], field[1:]

		switch tag {
		case 'P':
			v, err := strconv.ParseFloat(value, 32)
			if err != nil {
				continue
			}
			next.Pressure = float32(v)
		case 'E':
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			next.EncoderCount = v
		case 'D':
			v, err := strconv.ParseFloat(value, 32)
			if err != nil {
				continue
			}
			next.RealDistance = float32(v)
		case 'B':
			v, ok := parseFlag(value)
			if !ok {
				continue
			}
			next.ButtonPressed = v
		case 'H':
			v, ok := parseFlag(value)
			if !ok {
				continue
			}
			next.HomeButtonPressed = v
		default:
			continue
		}
		parsed++
	}

	if parsed == 0 {
		monitoring.Logf("telemetry: discarding unparsable line %q", line)
		return p.current, false
	}

	p.current = next
	return next, true
}

func parseFlag(s string) (bool, bool) {
	switch s {
	case "0":
		return false, true
	case "1":
		return true, true
	default:
		return false, false
	}
}
