package haptics

import "gonum.org/v1/gonum/spatial/r3"

// Ray is a sensing ray cast along the pen tip's forward axis.
type Ray struct {
	Origin    r3.Vec
	Direction r3.Vec
}

// At returns the point at distance d along the normalised direction.
func (r Ray) At(d float64) r3.Vec {
	return r3.Add(r.Origin, r3.Scale(d, r3.Unit(r.Direction)))
}

// RayHit is one collider intersection reported by the spatial query.
type RayHit struct {
	// Distance from the ray origin to the intersection, metres.
	Distance float64
	// Collider identifies the intersected collider.
	Collider string
}

// SpatialQuerier is the external scene collaborator the distance engine
// senses through. Implementations must support asking whether a collider
// belongs to an object currently held by grasp logic so the engine can
// exclude it.
type SpatialQuerier interface {
	// RaycastAll returns all intersections within maxDistance along ray,
	// filtered by layerMask. Order is not guaranteed.
	RaycastAll(ray Ray, maxDistance float64, layerMask uint32) []RayHit

	// IsGrasped reports whether the collider is part of a grasped object.
	IsGrasped(collider string) bool
}
