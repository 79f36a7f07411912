// Package session owns one measurement session end to end: it wires the pen
// link, distance engine and trial machine together and exposes the small
// surface the host application drives (height control, sequence start/stop,
// per-frame Tick, status for display).
package session

import (
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/percept-lab/hapticbench/internal/config"
	"github.com/percept-lab/hapticbench/internal/haptics"
	"github.com/percept-lab/hapticbench/internal/penlink"
	"github.com/percept-lab/hapticbench/internal/trial"
)

// Status is a display snapshot of the rig.
type Status struct {
	SessionID        string  `json:"session_id"`
	Connected        bool    `json:"connected"`
	TrialState       string  `json:"trial_state"`
	TrialIndex       int     `json:"trial_index"`
	SpecIndex        int     `json:"spec_index"`
	SpecName         string  `json:"spec_name"`
	SmoothedDistance float64 `json:"smoothed_distance"`
	Pressure         string  `json:"pressure"`
	PressureOffset   float64 `json:"pressure_offset"`
	CurrentHeight    float64 `json:"current_height"`
}

// Options collects the collaborators resolved once at session construction.
// There is no runtime discovery: anything not injected here stays absent for
// the life of the session.
type Options struct {
	// SessionID overrides the generated session identifier, so callers can
	// key external stores to the same session before building the rig.
	SessionID string

	Tuning          *config.TuningConfig
	Link            *penlink.PenLink
	Query           haptics.SpatialQuerier
	Staircase       trial.Staircase
	Surface         trial.Surface
	Pacer           trial.Pacer
	Sink            trial.Sink
	Publisher       *StatusPublisher
	Rand            *rand.Rand
	SurfaceCollider string
}

// Rig is the explicitly owned session object. All control-loop operations go
// through it; nothing in this package touches process-wide state.
type Rig struct {
	id        string
	cfg       *config.TuningConfig
	link      *penlink.PenLink
	engine    *haptics.DistanceEngine
	machine   *trial.Machine
	surface   *trackingSurface
	publisher *StatusPublisher

	lastTick    time.Time
	lastPublish time.Time
}

// New constructs a Rig from the injected collaborators.
func New(opts Options) *Rig {
	cfg := opts.Tuning
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}

	surface := &trackingSurface{inner: opts.Surface}
	machine := trial.NewMachine(trial.ConfigFromTuning(cfg), opts.Staircase, surface,
		opts.Pacer, opts.Sink, opts.Rand)
	engine := haptics.NewDistanceEngine(
		haptics.EngineConfigFromTuning(cfg, opts.SurfaceCollider), opts.Query)

	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	return &Rig{
		id:        id,
		cfg:       cfg,
		link:      opts.Link,
		engine:    engine,
		machine:   machine,
		surface:   surface,
		publisher: opts.Publisher,
	}
}

// ID returns the session identifier.
func (r *Rig) ID() string { return r.id }

// SetHeight drives the surface collaborator directly, outside any trial.
func (r *Rig) SetHeight(v float64) { r.surface.SetHeight(v) }

// CurrentHeight returns the last commanded surface height.
func (r *Rig) CurrentHeight() float64 { return r.surface.Height() }

// StartSequence begins a trial sequence over specs.
func (r *Rig) StartSequence(now time.Time, specs []trial.Spec) {
	r.machine.StartSequence(now, specs)
}

// StopSequence abandons any in-flight trial and idles the machine.
func (r *Rig) StopSequence(now time.Time) {
	r.machine.StopSequence(now)
}

// Respond feeds a participant judgment into the live trial.
func (r *Rig) Respond(detected bool) {
	r.machine.Respond(detected)
}

// TrialState returns the trial machine state for display.
func (r *Rig) TrialState() trial.State { return r.machine.State() }

// TrialIndex returns the session-wide trial counter for display.
func (r *Rig) TrialIndex() int { return r.machine.TrialIndex() }

// Reconnect reopens the pen link and clears the pressure-derived offset, as
// the device protocol requires after a channel reset.
func (r *Rig) Reconnect() error {
	if r.link == nil {
		return nil
	}
	err := r.link.Reconnect()
	r.engine.ResetPressureOffset()
	return err
}

// Tick runs one control-loop frame: sense, smooth, advance the trial
// timeline, command the pen, publish status. The distance feed stays
// continuous across all trial phases. Must be called from a single goroutine.
func (r *Rig) Tick(now time.Time, ray haptics.Ray) haptics.DistanceSample {
	dt := 0.0
	if !r.lastTick.IsZero() {
		dt = now.Sub(r.lastTick).Seconds()
	}
	r.lastTick = now

	pressure := penlink.PressureLow
	if r.link != nil {
		pressure = r.link.Pressure()
	}

	sample := r.engine.Tick(ray, pressure, dt)
	r.machine.Update(now)

	if r.link != nil {
		r.link.SendDistance(now, sample.SmoothedDistance)
	}

	if r.publisher != nil && now.Sub(r.lastPublish) >= r.publisher.Interval() {
		r.lastPublish = now
		r.publisher.Publish(r.Status())
	}

	return sample
}

// Status assembles a display snapshot.
func (r *Rig) Status() Status {
	connected := false
	pressure := penlink.PressureLow
	if r.link != nil {
		connected = r.link.Connected()
		pressure = r.link.Pressure()
	}
	sample := r.engine.Sample()
	return Status{
		SessionID:        r.id,
		Connected:        connected,
		TrialState:       r.machine.State().String(),
		TrialIndex:       r.machine.TrialIndex(),
		SpecIndex:        r.machine.SpecIndex(),
		SpecName:         r.machine.CurrentSpec().Name,
		SmoothedDistance: sample.SmoothedDistance,
		Pressure:         pressure.String(),
		PressureOffset:   sample.PressureOffset,
		CurrentHeight:    r.surface.Height(),
	}
}

// trackingSurface forwards set-height calls to the external collaborator
// while remembering the last commanded value so the rig can report it.
type trackingSurface struct {
	inner  trial.Surface
	height float64
}

func (s *trackingSurface) SetHeight(v float64) {
	s.height = v
	if s.inner != nil {
		s.inner.SetHeight(v)
	}
}

func (s *trackingSurface) Height() float64 { return s.height }
