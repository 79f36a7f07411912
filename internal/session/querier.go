package session

import (
	"github.com/percept-lab/hapticbench/internal/haptics"
	"github.com/percept-lab/hapticbench/internal/penlink"
)

// DeviceQuerier synthesizes spatial-query results from the pen's own
// distance sensor. It stands in for a host scene when the rig runs
// standalone: the reported real distance becomes a single reference-surface
// hit. Nothing is ever grasped in this mode.
type DeviceQuerier struct {
	link     *penlink.PenLink
	collider string
}

// NewDeviceQuerier builds a querier reporting hits against collider.
func NewDeviceQuerier(link *penlink.PenLink, collider string) *DeviceQuerier {
	return &DeviceQuerier{link: link, collider: collider}
}

func (q *DeviceQuerier) RaycastAll(_ haptics.Ray, maxDistance float64, _ uint32) []haptics.RayHit {
	d := float64(q.link.Telemetry().RealDistance)
	if d <= 0 || d > maxDistance {
		return nil
	}
	return []haptics.RayHit{{Distance: d, Collider: q.collider}}
}

func (q *DeviceQuerier) IsGrasped(string) bool { return false }
