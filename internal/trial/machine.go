package trial

import (
	"math/rand"
	"time"

	"github.com/percept-lab/hapticbench/internal/config"
	"github.com/percept-lab/hapticbench/internal/monitoring"
)

// State is the 2AFC controller state. Transitions are strictly sequential:
// ShowingFirst → [PacingAnimation] → DelayBetween → ShowingSecond →
// [PacingAnimation] → WaitingForResponse → (Idle | next ShowingFirst). Idle
// only brackets the whole session.
type State int32

const (
	Idle State = iota
	ShowingFirst
	PacingAnimation
	DelayBetween
	ShowingSecond
	WaitingForResponse
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ShowingFirst:
		return "showing_first"
	case PacingAnimation:
		return "pacing_animation"
	case DelayBetween:
		return "delay_between"
	case ShowingSecond:
		return "showing_second"
	case WaitingForResponse:
		return "waiting_for_response"
	default:
		return "unknown"
	}
}

// Record is the live trial: created at trial start, consumed at response
// time, then discarded. Exactly one is live at a time.
type Record struct {
	TestStimulus      float64
	ReferenceStimulus float64
	ReferenceFirst    bool
	Offset            float64
}

// Config holds the machine's timing and mode parameters.
type Config struct {
	// FastMode skips the pacing sub-sequence entirely without changing the
	// outer state ordering, and broadens the response accept window.
	FastMode bool
	// DelayBetween separates the two presentations (surface flattened).
	DelayBetween time.Duration
	// BlinkCount is the number of cue blinks at presentation start.
	BlinkCount int
	// PacingHold is how long to hold at the pacing end marker.
	PacingHold time.Duration
	// FallbackPacingDelay substitutes for a missing pacing collaborator.
	FallbackPacingDelay time.Duration
	// FastPresentation is the presentation window used in fast mode.
	FastPresentation time.Duration
	// FlatHeight is the surface height between presentations.
	FlatHeight float64
}

// ConfigFromTuning builds a machine Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		FastMode:            cfg.GetFastMode(),
		DelayBetween:        cfg.GetDelayBetween(),
		BlinkCount:          cfg.GetBlinkCount(),
		PacingHold:          cfg.GetPacingHold(),
		FallbackPacingDelay: cfg.GetFallbackPacingDelay(),
		FastPresentation:    250 * time.Millisecond,
	}
}

type scheduled struct {
	at    time.Time
	epoch uint64
	fn    func()
}

// Machine sequences 2AFC adaptive threshold trials. It is driven exclusively
// from the control loop: Update once per tick plus the Respond/Start/Stop
// entry points. It owns no goroutines; deferred phase changes are epoch-keyed
// scheduled actions so that abandoning a trial silently invalidates anything
// still in flight.
type Machine struct {
	cfg       Config
	staircase Staircase
	surface   Surface
	pacer     Pacer
	sink      Sink
	rng       *rand.Rand

	specs   []Spec
	order   []int
	specPos int

	state      State
	record     *Record
	trialIndex int
	thresholds map[string]float64

	epoch   uint64
	now     time.Time
	pending []scheduled
}

// NewMachine wires a trial machine. pacer and sink may be nil: a nil pacer
// degrades to the fixed-delay fallback, a nil sink discards results.
func NewMachine(cfg Config, staircase Staircase, surface Surface, pacer Pacer, sink Sink, rng *rand.Rand) *Machine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Machine{
		cfg:        cfg,
		staircase:  staircase,
		surface:    surface,
		pacer:      pacer,
		sink:       sink,
		rng:        rng,
		state:      Idle,
		thresholds: make(map[string]float64),
	}
}

// State returns the current trial state.
func (m *Machine) State() State { return m.state }

// TrialIndex returns the number of trials started this session.
func (m *Machine) TrialIndex() int { return m.trialIndex }

// SpecIndex returns the position within the shuffled spec order.
func (m *Machine) SpecIndex() int { return m.specPos }

// CurrentSpec returns the spec under test, or a zero Spec when idle.
func (m *Machine) CurrentSpec() Spec {
	if m.specPos >= len(m.order) {
		return Spec{}
	}
	return m.specs[m.order[m.specPos]]
}

// Thresholds returns the converged thresholds recorded so far, by spec name.
func (m *Machine) Thresholds() map[string]float64 {
	out := make(map[string]float64, len(m.thresholds))
	for k, v := range m.thresholds {
		out[k] = v
	}
	return out
}

// StartSequence begins a session over the given specs, presented in a
// Fisher-Yates shuffled order. An empty list is a logged no-op.
func (m *Machine) StartSequence(now time.Time, specs []Spec) {
	if len(specs) == 0 {
		monitoring.Logf("trial: refusing to start sequence with no specs")
		return
	}
	if m.state != Idle {
		m.StopSequence(now)
	}

	m.now = now
	m.specs = specs
	m.order = ShuffleOrder(len(specs), m.rng)
	m.specPos = 0
	m.trialIndex = 0
	m.thresholds = make(map[string]float64)

	m.staircase.Init(m.CurrentSpec())
	m.startTrial()
}

// StopSequence abandons any in-flight trial and returns to Idle. Pending
// pacing callbacks are invalidated by the epoch bump.
func (m *Machine) StopSequence(now time.Time) {
	m.now = now
	m.epoch++
	m.pending = m.pending[:0]
	m.record = nil
	m.state = Idle
	m.setHeight(m.cfg.FlatHeight)
}

// Update advances the machine's timeline; call once per control tick.
func (m *Machine) Update(now time.Time) {
	m.now = now
	for i := 0; i < len(m.pending); {
		s := m.pending[i]
		if s.epoch != m.epoch {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			continue
		}
		if now.Before(s.at) {
			i++
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		s.fn()
		i = 0 // fn may have rescheduled or invalidated entries
	}
}

// Respond feeds the participant's binary judgment into the live trial.
// Responses outside the accept window are ignored; a response with no live
// trial (estimator already finished, or idle) is a logged no-op.
func (m *Machine) Respond(detected bool) {
	accepting := m.state == WaitingForResponse ||
		(m.cfg.FastMode && m.state == ShowingSecond)
	if !accepting {
		monitoring.Logf("trial: ignoring response in state %s", m.state)
		return
	}
	rec := m.record
	if rec == nil {
		monitoring.Logf("trial: response with no live trial, ignoring")
		return
	}
	m.record = nil

	// Remap the raw judgment so the estimator always receives "move the
	// offset toward zero" semantics regardless of the offset's sign.
	var reported bool
	if detected {
		reported = rec.Offset > 0
	} else {
		reported = rec.Offset <= 0
	}

	if m.sink != nil {
		if err := m.sink.RecordTrial(Result{
			SpecName:          m.CurrentSpec().Name,
			TrialIndex:        m.trialIndex - 1,
			ReferenceStimulus: rec.ReferenceStimulus,
			TestStimulus:      rec.TestStimulus,
			Offset:            rec.Offset,
			ReferenceFirst:    rec.ReferenceFirst,
			DetectedRaw:       detected,
			DetectedReported:  reported,
		}); err != nil {
			monitoring.Logf("trial: failed to record trial: %v", err)
		}
	}

	m.staircase.TrialFinished(reported)

	if !m.staircase.IsFinished() {
		m.startTrial()
		return
	}

	spec := m.CurrentSpec()
	threshold := m.staircase.Threshold()
	m.thresholds[spec.Name] = threshold
	monitoring.Logf("trial: spec %q converged at threshold %.5f", spec.Name, threshold)
	if m.sink != nil {
		if err := m.sink.RecordThreshold(spec.Name, threshold, m.trialIndex); err != nil {
			monitoring.Logf("trial: failed to record threshold: %v", err)
		}
	}

	m.specPos++
	if m.specPos >= len(m.order) {
		m.StopSequence(m.now)
		return
	}
	m.staircase.Init(m.CurrentSpec())
	m.startTrial()
}

// startTrial creates the next TrialRecord and enters ShowingFirst.
func (m *Machine) startTrial() {
	m.epoch++
	m.pending = m.pending[:0]

	spec := m.CurrentSpec()
	offset := m.staircase.NextStimulus()
	m.record = &Record{
		TestStimulus:      spec.Clamp(spec.ReferenceStimulus + offset),
		ReferenceStimulus: spec.ReferenceStimulus,
		ReferenceFirst:    m.rng.Intn(2) == 0,
		Offset:            offset,
	}
	m.trialIndex++

	m.state = ShowingFirst
	m.setHeight(m.firstStimulus())
	m.runPacing(func() { m.betweenPresentations() })
}

func (m *Machine) firstStimulus() float64 {
	if m.record.ReferenceFirst {
		return m.record.ReferenceStimulus
	}
	return m.record.TestStimulus
}

func (m *Machine) secondStimulus() float64 {
	if m.record.ReferenceFirst {
		return m.record.TestStimulus
	}
	return m.record.ReferenceStimulus
}

func (m *Machine) betweenPresentations() {
	m.state = DelayBetween
	m.setHeight(m.cfg.FlatHeight)
	m.schedule(m.cfg.DelayBetween, func() { m.showSecond() })
}

func (m *Machine) showSecond() {
	m.state = ShowingSecond
	m.setHeight(m.secondStimulus())
	m.runPacing(func() { m.state = WaitingForResponse })
}

// runPacing drives the presentation window: the full blink/move/hold/return
// cue chain when a pacer is wired, a fixed delay otherwise, and a short fixed
// window in fast mode. All completions are epoch-guarded so an abandoned
// trial cannot advance a newer one.
func (m *Machine) runPacing(done func()) {
	if m.cfg.FastMode {
		m.schedule(m.cfg.FastPresentation, done)
		return
	}
	if m.pacer == nil {
		m.schedule(m.cfg.FallbackPacingDelay, done)
		return
	}

	prev := m.state
	m.state = PacingAnimation
	epoch := m.epoch
	m.pacer.Blink(m.cfg.BlinkCount, func() {
		if epoch != m.epoch {
			return
		}
		m.pacer.MoveToEnd(func() {
			if epoch != m.epoch {
				return
			}
			m.schedule(m.cfg.PacingHold, func() {
				m.pacer.ResetToStart(func() {
					if epoch != m.epoch {
						return
					}
					m.state = prev
					done()
				})
			})
		})
	})
}

func (m *Machine) schedule(d time.Duration, fn func()) {
	m.pending = append(m.pending, scheduled{at: m.now.Add(d), epoch: m.epoch, fn: fn})
}

func (m *Machine) setHeight(v float64) {
	if m.surface != nil {
		m.surface.SetHeight(v)
	}
}
