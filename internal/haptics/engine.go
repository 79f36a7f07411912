package haptics

import (
	"math"
	"time"

	"github.com/percept-lab/hapticbench/internal/config"
	"github.com/percept-lab/hapticbench/internal/penlink"
)

// DistanceSample is the per-tick output of the distance engine. The engine is
// its sole writer; SmoothVelocity persists across ticks for filter
// continuity.
type DistanceSample struct {
	SurfaceDistance    float64
	ObjectDistance     float64
	CalculatedDistance float64
	PressureOffset     float64
	SmoothedDistance   float64
	SmoothVelocity     float64
	SurfaceFound       bool
	ObjectFound        bool
}

// EngineConfig holds the distance engine parameters.
type EngineConfig struct {
	// MaxDistance is the sensing range in metres; with no hits the engine
	// degrades to max-range semantics rather than erroring.
	MaxDistance float64
	// SurfaceOffset and ObjectOffset are added to the closest hit of each
	// partition (and to the max-range default).
	SurfaceOffset float64
	ObjectOffset  float64
	// ShorteningAmount is the fixed distance-shortening offset applied while
	// pressure is High.
	ShorteningAmount float64
	// SettlingTime is the smoothing filter time constant.
	SettlingTime time.Duration
	// SurfaceCollider identifies the designated reference surface; every
	// other collider counts as an object.
	SurfaceCollider string
	// LayerMask is passed through to the spatial query.
	LayerMask uint32
}

// EngineConfigFromTuning builds an EngineConfig from a loaded TuningConfig.
func EngineConfigFromTuning(cfg *config.TuningConfig, surfaceCollider string) EngineConfig {
	return EngineConfig{
		MaxDistance:      cfg.GetMaxDistance(),
		SurfaceOffset:    cfg.GetSurfaceHitOffset(),
		ObjectOffset:     cfg.GetObjectHitOffset(),
		ShorteningAmount: cfg.GetDistanceShorteningAmount(),
		SettlingTime:     cfg.GetSmoothSettlingTime(),
		SurfaceCollider:  surfaceCollider,
	}
}

// DistanceEngine computes the commanded pen distance each control tick: it
// partitions ray hits into reference-surface and object hits (grasped objects
// excluded), combines the two distances, applies the pressure-driven
// shortening offset and smooths the result with a critically damped filter.
type DistanceEngine struct {
	cfg    EngineConfig
	query  SpatialQuerier
	damper CriticalDamper
	offset float64
	sample DistanceSample
}

// NewDistanceEngine builds an engine sensing through query.
func NewDistanceEngine(cfg EngineConfig, query SpatialQuerier) *DistanceEngine {
	return &DistanceEngine{
		cfg:   cfg,
		query: query,
		damper: CriticalDamper{
			Value:        cfg.MaxDistance,
			SettlingTime: cfg.SettlingTime.Seconds(),
		},
	}
}

// Sample returns the most recent tick output.
func (e *DistanceEngine) Sample() DistanceSample {
	return e.sample
}

// PressureOffset returns the current pressure-derived shortening offset.
func (e *DistanceEngine) PressureOffset() float64 {
	return e.offset
}

// ResetPressureOffset clears the shortening offset. Called on link reconnect.
func (e *DistanceEngine) ResetPressureOffset() {
	e.offset = 0
}

// Tick runs one control-loop step: cast, partition, combine, offset, smooth.
// dt is the elapsed frame time in seconds.
func (e *DistanceEngine) Tick(ray Ray, pressure penlink.PressureState, dt float64) DistanceSample {
	var hits []RayHit
	if e.query != nil {
		hits = e.query.RaycastAll(ray, e.cfg.MaxDistance, e.cfg.LayerMask)
	}

	surface, surfaceFound := e.closest(hits, true)
	object, objectFound := e.closest(hits, false)

	surfaceDist := e.cfg.MaxDistance + e.cfg.SurfaceOffset
	if surfaceFound {
		surfaceDist = surface + e.cfg.SurfaceOffset
	}
	objectDist := e.cfg.MaxDistance + e.cfg.ObjectOffset
	if objectFound {
		objectDist = object + e.cfg.ObjectOffset
	}

	calculated := combineDistances(surfaceDist, objectDist)

	// High pressure pins the offset to the shortening amount, Low releases
	// it, Medium holds whatever was last applied.
	switch pressure {
	case penlink.PressureHigh:
		e.offset = e.cfg.ShorteningAmount
	case penlink.PressureLow:
		e.offset = 0
	}

	raw := math.Max(0, calculated-e.offset)
	smoothed := math.Max(0, e.damper.Update(raw, dt))

	e.sample = DistanceSample{
		SurfaceDistance:    surfaceDist,
		ObjectDistance:     objectDist,
		CalculatedDistance: calculated,
		PressureOffset:     e.offset,
		SmoothedDistance:   smoothed,
		SmoothVelocity:     e.damper.Velocity,
		SurfaceFound:       surfaceFound,
		ObjectFound:        objectFound,
	}
	return e.sample
}

// closest returns the nearest hit in the requested partition. Colliders that
// belong to a grasped object are excluded from both partitions; a spatial
// query that reports the grasped object anyway is filtered here rather than
// treated as an error.
func (e *DistanceEngine) closest(hits []RayHit, wantSurface bool) (float64, bool) {
	best := math.Inf(1)
	found := false
	for _, hit := range hits {
		if e.query != nil && e.query.IsGrasped(hit.Collider) {
			continue
		}
		isSurface := hit.Collider == e.cfg.SurfaceCollider
		if isSurface != wantSurface {
			continue
		}
		if hit.Distance < best {
			best = hit.Distance
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return best, true
}

// combineDistances arbitrates between the surface and object distances. When
// an object sits in front of the surface the pen is shortened to the gap
// between them (diff) as long as the surface is at least that far away;
// otherwise the surface distance wins. The boundary rule is intentionally
// asymmetric and its derivative is discontinuous as the object crosses the
// surface; it is kept exactly as the instrument has always behaved, pending
// experimental review.
func combineDistances(surface, object float64) float64 {
	if object < surface {
		diff := surface - object
		if surface >= diff {
			return diff
		}
	}
	return surface
}
