package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		assert.True(t, IsValid(u), u)
	}
	assert.False(t, IsValid("inches"))
	assert.False(t, IsValid(""))
}

func TestConversionRoundTrip(t *testing.T) {
	assert.InDelta(t, 52.3, MetresToMillimetres(0.0523), 1e-9)
	assert.InDelta(t, 0.0523, MillimetresToMetres(52.3), 1e-9)
}

func TestConvert(t *testing.T) {
	assert.InDelta(t, 100, Convert(0.1, Millimetres), 1e-9)
	assert.InDelta(t, 10, Convert(0.1, Centimetres), 1e-9)
	assert.InDelta(t, 0.1, Convert(0.1, Metres), 1e-9)
	assert.InDelta(t, 0.1, Convert(0.1, "furlongs"), 1e-9)
}
