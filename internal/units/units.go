// Package units provides shared constants and conversion for length units.
// The device protocol speaks millimetres; everything else in the runtime is
// metres.
package units

// Unit constants
const (
	Metres      = "m"
	Centimetres = "cm"
	Millimetres = "mm"
)

// ValidUnits contains all valid display unit values
var ValidUnits = []string{Metres, Centimetres, Millimetres}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// MetresToMillimetres converts a length in metres to millimetres, the unit
// the pen's length commands are expressed in.
func MetresToMillimetres(m float64) float64 {
	return m * 1000
}

// MillimetresToMetres converts a device-reported millimetre length back to
// metres.
func MillimetresToMetres(mm float64) float64 {
	return mm / 1000
}

// Convert converts a length in metres to the target display units. Unknown
// units pass through as metres.
func Convert(metres float64, targetUnits string) float64 {
	switch targetUnits {
	case Millimetres:
		return metres * 1000
	case Centimetres:
		return metres * 100
	default:
		return metres
	}
}
