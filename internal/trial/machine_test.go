package trial

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStaircase struct {
	offsets       []float64
	pos           int
	finishedAfter int
	finishedCalls int
	reports       []bool
	threshold     float64
	inits         []Spec
}

func (f *fakeStaircase) Init(s Spec) {
	f.inits = append(f.inits, s)
	f.pos = 0
	f.finishedCalls = 0
}

func (f *fakeStaircase) NextStimulus() float64 {
	if f.pos >= len(f.offsets) {
		return f.offsets[len(f.offsets)-1]
	}
	o := f.offsets[f.pos]
	f.pos++
	return o
}

func (f *fakeStaircase) TrialFinished(detected bool) {
	f.reports = append(f.reports, detected)
	f.finishedCalls++
}

func (f *fakeStaircase) IsFinished() bool   { return f.finishedCalls >= f.finishedAfter }
func (f *fakeStaircase) Threshold() float64 { return f.threshold }

type fakeSurface struct {
	heights []float64
}

func (s *fakeSurface) SetHeight(v float64) { s.heights = append(s.heights, v) }

type fakePacer struct {
	blinks       []int
	moves        int
	resets       int
	deferBlink   bool
	pendingBlink func()
}

func (p *fakePacer) Blink(n int, done func()) {
	p.blinks = append(p.blinks, n)
	if p.deferBlink {
		p.pendingBlink = done
		return
	}
	done()
}
func (p *fakePacer) MoveToEnd(done func())    { p.moves++; done() }
func (p *fakePacer) ResetToStart(done func()) { p.resets++; done() }

type fakeSink struct {
	results    []Result
	thresholds map[string]float64
}

func newFakeSink() *fakeSink { return &fakeSink{thresholds: make(map[string]float64)} }

func (s *fakeSink) RecordTrial(r Result) error { s.results = append(s.results, r); return nil }
func (s *fakeSink) RecordThreshold(name string, threshold float64, trials int) error {
	s.thresholds[name] = threshold
	return nil
}

func fastConfig() Config {
	return Config{
		FastMode:            true,
		DelayBetween:        100 * time.Millisecond,
		BlinkCount:          3,
		PacingHold:          200 * time.Millisecond,
		FallbackPacingDelay: 300 * time.Millisecond,
		FastPresentation:    50 * time.Millisecond,
	}
}

func oneSpec(offset float64) []Spec {
	return []Spec{{
		Name:              "bump-height",
		MinValue:          -1,
		MaxValue:          1,
		ReferenceStimulus: 0.05,
		Staircase:         StaircaseConfig{StartOffset: offset},
	}}
}

// driveToResponse walks a fast-mode machine from sequence start to the
// response window and returns the time reached.
func driveToResponse(t *testing.T, m *Machine, start time.Time) time.Time {
	t.Helper()

	now := start.Add(50 * time.Millisecond)
	m.Update(now)
	require.Equal(t, DelayBetween, m.State())

	now = now.Add(100 * time.Millisecond)
	m.Update(now)
	require.Equal(t, ShowingSecond, m.State())

	now = now.Add(50 * time.Millisecond)
	m.Update(now)
	require.Equal(t, WaitingForResponse, m.State())
	return now
}

func TestFastModeStateOrdering(t *testing.T) {
	t.Parallel()

	stair := &fakeStaircase{offsets: []float64{0.01}, finishedAfter: 1}
	surface := &fakeSurface{}
	m := NewMachine(fastConfig(), stair, surface, nil, nil, rand.New(rand.NewSource(1)))

	t0 := time.Unix(0, 0)
	m.StartSequence(t0, oneSpec(0.01))
	require.Equal(t, ShowingFirst, m.State())
	assert.Equal(t, 1, m.TrialIndex())

	driveToResponse(t, m, t0)

	// Heights: first stimulus, flattened, second stimulus. The pair of
	// presented heights is {reference, reference+offset} in some order.
	require.Len(t, surface.heights, 3)
	assert.Equal(t, 0.0, surface.heights[1], "surface flattened between presentations")
	presented := []float64{surface.heights[0], surface.heights[2]}
	assert.ElementsMatch(t, []float64{0.05, 0.06}, presented)
}

func TestResponseTransform(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		offset   float64
		detected bool
		want     bool
	}{
		{"positive offset detected", 0.01, true, true},
		{"negative offset detected", -0.01, true, false},
		{"negative offset not detected", -0.01, false, true},
		{"zero offset not detected", 0, false, true},
		{"positive offset not detected", 0.01, false, false},
		{"zero offset detected", 0, true, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			stair := &fakeStaircase{offsets: []float64{tc.offset}, finishedAfter: 1}
			sink := newFakeSink()
			m := NewMachine(fastConfig(), stair, &fakeSurface{}, nil, sink, rand.New(rand.NewSource(1)))

			t0 := time.Unix(0, 0)
			m.StartSequence(t0, oneSpec(tc.offset))
			driveToResponse(t, m, t0)

			m.Respond(tc.detected)

			require.Len(t, stair.reports, 1)
			assert.Equal(t, tc.want, stair.reports[0], "estimator must see the transformed judgment")
			require.Len(t, sink.results, 1)
			assert.Equal(t, tc.detected, sink.results[0].DetectedRaw)
			assert.Equal(t, tc.want, sink.results[0].DetectedReported)
		})
	}
}

func TestResponseIgnoredOutsideWindow(t *testing.T) {
	t.Parallel()

	stair := &fakeStaircase{offsets: []float64{0.01}, finishedAfter: 1}
	m := NewMachine(fastConfig(), stair, &fakeSurface{}, nil, nil, rand.New(rand.NewSource(1)))

	// Idle: no live trial.
	m.Respond(true)
	assert.Empty(t, stair.reports)

	t0 := time.Unix(0, 0)
	m.StartSequence(t0, oneSpec(0.01))
	require.Equal(t, ShowingFirst, m.State())

	// First presentation is outside the window even in fast mode.
	m.Respond(true)
	assert.Empty(t, stair.reports)
}

func TestFastModeBroadenedAcceptWindow(t *testing.T) {
	t.Parallel()

	stair := &fakeStaircase{offsets: []float64{0.01}, finishedAfter: 1}
	m := NewMachine(fastConfig(), stair, &fakeSurface{}, nil, nil, rand.New(rand.NewSource(1)))

	t0 := time.Unix(0, 0)
	m.StartSequence(t0, oneSpec(0.01))
	now := t0.Add(50 * time.Millisecond)
	m.Update(now)
	now = now.Add(100 * time.Millisecond)
	m.Update(now)
	require.Equal(t, ShowingSecond, m.State())

	// Fast mode accepts the response as soon as the second stimulus shows.
	m.Respond(true)
	assert.Len(t, stair.reports, 1)
}

func TestSessionNeverReentersResponseWithoutNewTrial(t *testing.T) {
	t.Parallel()

	stair := &fakeStaircase{offsets: []float64{0.01, 0.005, 0.002}, finishedAfter: 3}
	m := NewMachine(fastConfig(), stair, &fakeSurface{}, nil, nil, rand.New(rand.NewSource(7)))

	t0 := time.Unix(0, 0)
	m.StartSequence(t0, oneSpec(0.01))
	now := t0

	for trial := 0; trial < 3; trial++ {
		require.Equal(t, ShowingFirst, m.State())
		now = driveToResponse(t, m, now)
		m.Respond(true)
		// After every response the machine is either on the next trial's
		// first presentation or back at Idle, never still accepting.
		require.Contains(t, []State{ShowingFirst, Idle}, m.State())
	}
	assert.Equal(t, Idle, m.State())
	assert.Equal(t, 3, m.TrialIndex())
}

func TestMultiSpecSequenceRecordsThresholds(t *testing.T) {
	t.Parallel()

	stair := &fakeStaircase{offsets: []float64{0.01}, finishedAfter: 1, threshold: 0.004}
	sink := newFakeSink()
	m := NewMachine(fastConfig(), stair, &fakeSurface{}, nil, sink, rand.New(rand.NewSource(3)))

	specs := []Spec{
		{Name: "bump-a", MinValue: -1, MaxValue: 1, ReferenceStimulus: 0.04},
		{Name: "bump-b", MinValue: -1, MaxValue: 1, ReferenceStimulus: 0.08},
	}

	t0 := time.Unix(0, 0)
	m.StartSequence(t0, specs)
	require.Len(t, stair.inits, 1)

	now := driveToResponse(t, m, t0)
	m.Respond(true)

	// First spec converged; the second was initialised and a new trial began.
	require.Len(t, stair.inits, 2)
	require.Equal(t, ShowingFirst, m.State())
	assert.Len(t, sink.thresholds, 1)

	driveToResponse(t, m, now)
	m.Respond(false)

	assert.Equal(t, Idle, m.State())
	assert.Len(t, sink.thresholds, 2)
	assert.InDelta(t, 0.004, sink.thresholds["bump-a"], 1e-9)
	assert.InDelta(t, 0.004, sink.thresholds["bump-b"], 1e-9)
	assert.Len(t, m.Thresholds(), 2)

	// Both spec names were visited exactly once in some shuffled order.
	names := []string{stair.inits[0].Name, stair.inits[1].Name}
	assert.ElementsMatch(t, []string{"bump-a", "bump-b"}, names)
}

func TestPacerChain(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.FastMode = false
	stair := &fakeStaircase{offsets: []float64{0.01}, finishedAfter: 1}
	pacer := &fakePacer{}
	m := NewMachine(cfg, stair, &fakeSurface{}, pacer, nil, rand.New(rand.NewSource(1)))

	t0 := time.Unix(0, 0)
	m.StartSequence(t0, oneSpec(0.01))

	// Blink and move complete synchronously; the hold keeps us pacing.
	require.Equal(t, PacingAnimation, m.State())
	require.Equal(t, []int{3}, pacer.blinks)
	require.Equal(t, 1, pacer.moves)
	require.Equal(t, 0, pacer.resets)

	// Hold elapses: reset runs and the first presentation completes into the
	// between-presentation delay.
	now := t0.Add(200 * time.Millisecond)
	m.Update(now)
	require.Equal(t, 1, pacer.resets)
	require.Equal(t, DelayBetween, m.State())

	now = now.Add(100 * time.Millisecond)
	m.Update(now)
	require.Equal(t, PacingAnimation, m.State())

	now = now.Add(200 * time.Millisecond)
	m.Update(now)
	assert.Equal(t, WaitingForResponse, m.State())
	assert.Equal(t, []int{3, 3}, pacer.blinks)
}

func TestStalePacingCallbackNoOps(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.FastMode = false
	stair := &fakeStaircase{offsets: []float64{0.01}, finishedAfter: 1}
	pacer := &fakePacer{deferBlink: true}
	m := NewMachine(cfg, stair, &fakeSurface{}, pacer, nil, rand.New(rand.NewSource(1)))

	t0 := time.Unix(0, 0)
	m.StartSequence(t0, oneSpec(0.01))
	require.Equal(t, PacingAnimation, m.State())
	require.NotNil(t, pacer.pendingBlink)
	stale := pacer.pendingBlink

	// Abandon the trial, then let the stale completion land.
	m.StopSequence(t0.Add(time.Second))
	require.Equal(t, Idle, m.State())

	stale()
	assert.Equal(t, Idle, m.State(), "stale pacing completion must not advance anything")
	assert.Equal(t, 0, pacer.moves)
}

func TestMissingPacerFallsBackToFixedDelay(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.FastMode = false
	stair := &fakeStaircase{offsets: []float64{0.01}, finishedAfter: 1}
	m := NewMachine(cfg, stair, &fakeSurface{}, nil, nil, rand.New(rand.NewSource(1)))

	t0 := time.Unix(0, 0)
	m.StartSequence(t0, oneSpec(0.01))
	require.Equal(t, ShowingFirst, m.State())

	// Before the fallback delay nothing advances.
	m.Update(t0.Add(250 * time.Millisecond))
	require.Equal(t, ShowingFirst, m.State())

	m.Update(t0.Add(300 * time.Millisecond))
	assert.Equal(t, DelayBetween, m.State())
}

func TestStartSequenceEmptyIsNoOp(t *testing.T) {
	t.Parallel()

	stair := &fakeStaircase{offsets: []float64{0.01}, finishedAfter: 1}
	m := NewMachine(fastConfig(), stair, &fakeSurface{}, nil, nil, rand.New(rand.NewSource(1)))

	m.StartSequence(time.Unix(0, 0), nil)
	assert.Equal(t, Idle, m.State())
	assert.Empty(t, stair.inits)
}

func TestStopSequenceAbandonsTrial(t *testing.T) {
	t.Parallel()

	stair := &fakeStaircase{offsets: []float64{0.01}, finishedAfter: 1}
	surface := &fakeSurface{}
	m := NewMachine(fastConfig(), stair, surface, nil, nil, rand.New(rand.NewSource(1)))

	t0 := time.Unix(0, 0)
	m.StartSequence(t0, oneSpec(0.01))
	m.StopSequence(t0.Add(10 * time.Millisecond))
	require.Equal(t, Idle, m.State())

	// The scheduled presentation advance was invalidated.
	m.Update(t0.Add(time.Second))
	assert.Equal(t, Idle, m.State())

	// Responding after abandonment is a no-op.
	m.Respond(true)
	assert.Empty(t, stair.reports)
}

func TestTestStimulusClampedToSpecRange(t *testing.T) {
	t.Parallel()

	stair := &fakeStaircase{offsets: []float64{0.5}, finishedAfter: 1}
	surface := &fakeSurface{}
	m := NewMachine(fastConfig(), stair, surface, nil, nil, rand.New(rand.NewSource(1)))

	specs := []Spec{{
		Name:              "clamped",
		MinValue:          0,
		MaxValue:          0.1,
		ReferenceStimulus: 0.05,
	}}
	t0 := time.Unix(0, 0)
	m.StartSequence(t0, specs)
	driveToResponse(t, m, t0)

	// 0.05 + 0.5 exceeds MaxValue; the presented test stimulus is clamped.
	assert.Contains(t, surface.heights, 0.1)
	assert.NotContains(t, surface.heights, 0.55)
}
