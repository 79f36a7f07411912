package haptics

// SmoothDamp advances a critically damped second-order filter from current
// toward target over one time step and returns the new value and velocity.
// settlingTime is the characteristic time constant in seconds and must be
// derived independently of the tick duration; dt is the elapsed step in
// seconds. The filter never overshoots the target and is stable for any
// positive dt.
func SmoothDamp(current, target, velocity, settlingTime, dt float64) (float64, float64) {
	if settlingTime <= 0 {
		return target, 0
	}
	if dt <= 0 {
		return current, velocity
	}

	omega := 2 / settlingTime
	x := omega * dt
	// Pade-style approximation of e^-x, accurate and stable for large steps.
	exp := 1 / (1 + x + 0.48*x*x + 0.235*x*x*x)

	change := current - target
	temp := (velocity + omega*change) * dt
	velocity = (velocity - omega*temp) * exp
	value := target + (change+temp)*exp

	// Clamp if the step carried past the target.
	if (target-current > 0) == (value > target) {
		value = target
		velocity = 0
	}

	return value, velocity
}

// CriticalDamper carries the filter state across ticks.
type CriticalDamper struct {
	Value    float64
	Velocity float64
	// SettlingTime is the filter time constant, seconds.
	SettlingTime float64
}

// Update advances the filter toward target by dt seconds and returns the new
// value.
func (c *CriticalDamper) Update(target, dt float64) float64 {
	c.Value, c.Velocity = SmoothDamp(c.Value, target, c.Velocity, c.SettlingTime, dt)
	return c.Value
}

// Reset snaps the filter to value with zero velocity.
func (c *CriticalDamper) Reset(value float64) {
	c.Value = value
	c.Velocity = 0
}
