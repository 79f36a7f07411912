package session

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percept-lab/hapticbench/internal/config"
	"github.com/percept-lab/hapticbench/internal/haptics"
	"github.com/percept-lab/hapticbench/internal/penlink"
	"github.com/percept-lab/hapticbench/internal/trial"
)

type fixedQuery struct {
	hits []haptics.RayHit
}

func (q *fixedQuery) RaycastAll(haptics.Ray, float64, uint32) []haptics.RayHit { return q.hits }
func (q *fixedQuery) IsGrasped(string) bool { return false }

type loopStaircase struct {
	offset   float64
	finished bool
}

func (s *loopStaircase) Init(trial.Spec)       { s.finished = false }
func (s *loopStaircase) NextStimulus() float64 { return s.offset }
func (s *loopStaircase) TrialFinished(bool)    { s.finished = true }
func (s *loopStaircase) IsFinished() bool      { return s.finished }
func (s *loopStaircase) Threshold() float64    { return s.offset }

func testRig(t *testing.T, query haptics.SpatialQuerier) (*Rig, *penlink.TestableSerialPort) {
	t.Helper()

	port := penlink.NewTestableSerialPort()
	link := penlink.NewPenLink(func() (penlink.SerialPorter, error) { return port, nil },
		50*time.Millisecond, 0.1, 0.5)
	require.NoError(t, link.Connect())
	t.Cleanup(func() { link.Close() })

	rig := New(Options{
		Tuning:          config.EmptyTuningConfig(),
		Link:            link,
		Query:           query,
		Staircase:       &loopStaircase{offset: 0.01},
		Rand:            rand.New(rand.NewSource(1)),
		SurfaceCollider: "bench-surface",
	})
	return rig, port
}

func TestTickSendsRateLimitedCommands(t *testing.T) {
	t.Parallel()

	rig, port := testRig(t, &fixedQuery{hits: []haptics.RayHit{
		{Distance: 0.05, Collider: "bench-surface"},
	}})
	port.WriteBuffer.Reset()

	// 60Hz frames for one second: far more ticks than the 50ms send window
	// allows commands.
	now := time.Unix(10, 0)
	ticks := 60
	for i := 0; i < ticks; i++ {
		now = now.Add(16 * time.Millisecond)
		rig.Tick(now, haptics.Ray{})
	}

	lines := strings.Split(strings.TrimSpace(string(port.GetWrittenData())), "\n")
	assert.Greater(t, len(lines), 5)
	assert.Less(t, len(lines), ticks/2, "sends must be rate-limited below frame rate")
	for _, line := range lines {
		assert.Regexp(t, `^M\d+\.\d$`, line)
	}
}

func TestTickSmoothedDistanceConverges(t *testing.T) {
	t.Parallel()

	rig, _ := testRig(t, &fixedQuery{hits: []haptics.RayHit{
		{Distance: 0.05, Collider: "bench-surface"},
	}})

	now := time.Unix(10, 0)
	var sample haptics.DistanceSample
	for i := 0; i < 200; i++ {
		now = now.Add(16 * time.Millisecond)
		sample = rig.Tick(now, haptics.Ray{})
	}
	assert.InDelta(t, 0.05, sample.SmoothedDistance, 1e-3)
}

func TestReconnectResetsPressureOffset(t *testing.T) {
	t.Parallel()

	rig, _ := testRig(t, &fixedQuery{hits: []haptics.RayHit{
		{Distance: 0.05, Collider: "bench-surface"},
	}})

	now := time.Unix(10, 0)
	rig.Tick(now, haptics.Ray{})

	require.NoError(t, rig.Reconnect())
	assert.Zero(t, rig.Status().PressureOffset)
	assert.True(t, rig.Status().Connected)
}

func TestHeightPassThrough(t *testing.T) {
	t.Parallel()

	rig, _ := testRig(t, &fixedQuery{})
	rig.SetHeight(0.042)
	assert.InDelta(t, 0.042, rig.CurrentHeight(), 1e-9)
	assert.InDelta(t, 0.042, rig.Status().CurrentHeight, 1e-9)
}

func TestSequenceLifecycleThroughRig(t *testing.T) {
	t.Parallel()

	rig, _ := testRig(t, &fixedQuery{})
	now := time.Unix(10, 0)

	specs := []trial.Spec{{
		Name:              "bump",
		MinValue:          -1,
		MaxValue:          1,
		ReferenceStimulus: 0.05,
	}}
	rig.StartSequence(now, specs)
	assert.Equal(t, trial.ShowingFirst, rig.TrialState())
	assert.Equal(t, 1, rig.TrialIndex())
	assert.Equal(t, "bump", rig.Status().SpecName)

	rig.StopSequence(now.Add(time.Second))
	assert.Equal(t, trial.Idle, rig.TrialState())
}

func TestDeviceQuerier(t *testing.T) {
	t.Parallel()

	port := penlink.NewTestableSerialPort()
	link := penlink.NewPenLink(func() (penlink.SerialPorter, error) { return port, nil },
		50*time.Millisecond, 0.1, 0.5)
	require.NoError(t, link.Connect())
	defer link.Close()

	q := NewDeviceQuerier(link, "bench-surface")

	// No telemetry yet: real distance is zero, so no hit.
	assert.Empty(t, q.RaycastAll(haptics.Ray{}, 0.2, 0))
	assert.False(t, q.IsGrasped("anything"))
}
