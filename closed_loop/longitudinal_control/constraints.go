package control

import "math"

// Bounds is a closed interval [Lower, Upper].
type Bounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Contains reports whether v lies inside the interval.
func (b Bounds) Contains(v float64) bool {
	return v >= b.Lower && v <= b.Upper
}

// Clamp projects v onto the interval.
func (b Bounds) Clamp(v float64) float64 {
	return ClampFloat(v, b.Lower, b.Upper)
}

// ConstraintSet holds per-step bounds on velocity and control, and an
// optional limit on the control change between consecutive steps.
type ConstraintSet struct {
	Velocity Bounds `json:"velocity"`
	Control  Bounds `json:"control"`

	// RateLimit is the max |u[k] − u[k−1]| per step; 0 disables it. The
	// first step is measured from the previously applied control.
	RateLimit float64 `json:"rate_limit"`
}

// DefaultConstraintSet allows 0..40 m/s and a normalized control in [-1, 1].
func DefaultConstraintSet() ConstraintSet {
	return ConstraintSet{
		Velocity: Bounds{Lower: 0, Upper: 40},
		Control:  Bounds{Lower: -1, Upper: 1},
	}
}

// Validate checks that every bound is finite and ordered.
func (c ConstraintSet) Validate() error {
	if !isFinite(c.Velocity.Lower) || !isFinite(c.Velocity.Upper) || c.Velocity.Lower > c.Velocity.Upper {
		return configErrorf("constraints.velocity", "need finite lower <= upper, got [%g, %g]", c.Velocity.Lower, c.Velocity.Upper)
	}
	if !isFinite(c.Control.Lower) || !isFinite(c.Control.Upper) || c.Control.Lower > c.Control.Upper {
		return configErrorf("constraints.control", "need finite lower <= upper, got [%g, %g]", c.Control.Lower, c.Control.Upper)
	}
	if !isFinite(c.RateLimit) || c.RateLimit < 0 {
		return configErrorf("constraints.rate_limit", "must be >= 0, got %g", c.RateLimit)
	}
	return nil
}

// HasRateLimit reports whether the rate constraint is active.
func (c ConstraintSet) HasRateLimit() bool {
	return c.RateLimit > 0
}

// NumInequalities is the number of g ≤ 0 rows for a horizon of n steps.
func (c ConstraintSet) NumInequalities(n int) int {
	rows := 4 * n
	if c.HasRateLimit() {
		rows += 2 * n
	}
	return rows
}

// Inequalities returns every constraint in g ≤ 0 form: velocity bounds on
// states[1..N], control bounds, then rate bounds when enabled.
func (c ConstraintSet) Inequalities(states []VehicleState, controls []float64, prevControl float64) []float64 {
	g := make([]float64, 0, c.NumInequalities(len(controls)))
	for _, s := range states[1:] {
		g = append(g, s.Velocity-c.Velocity.Upper, c.Velocity.Lower-s.Velocity)
	}
	for _, u := range controls {
		g = append(g, u-c.Control.Upper, c.Control.Lower-u)
	}
	if c.HasRateLimit() {
		prev := prevControl
		for _, u := range controls {
			du := u - prev
			g = append(g, du-c.RateLimit, -c.RateLimit-du)
			prev = u
		}
	}
	return g
}

// MaxViolation returns the largest positive inequality residual.
func (c ConstraintSet) MaxViolation(states []VehicleState, controls []float64, prevControl float64) float64 {
	worst := 0.0
	for _, g := range c.Inequalities(states, controls, prevControl) {
		worst = math.Max(worst, g)
	}
	return worst
}

// VelocityViolation returns the largest velocity bound excess over states[1..N].
func (c ConstraintSet) VelocityViolation(states []VehicleState) float64 {
	worst := 0.0
	for _, s := range states[1:] {
		worst = math.Max(worst, math.Max(s.Velocity-c.Velocity.Upper, c.Velocity.Lower-s.Velocity))
	}
	return worst
}

// Project returns the control sequence clipped step by step onto the
// control bounds intersected with the rate window around the previous value.
func (c ConstraintSet) Project(controls []float64, prevControl float64) []float64 {
	out := make([]float64, len(controls))
	prev := prevControl
	for k, u := range controls {
		out[k] = c.projectStep(u, prev)
		prev = out[k]
	}
	return out
}

func (c ConstraintSet) projectStep(u, prev float64) float64 {
	if !c.HasRateLimit() {
		return c.Control.Clamp(u)
	}
	lo := math.Max(c.Control.Lower, prev-c.RateLimit)
	hi := math.Min(c.Control.Upper, prev+c.RateLimit)
	if lo > hi {
		// prev sits outside the box by more than one rate step
		if prev > c.Control.Upper {
			return c.Control.Upper
		}
		return c.Control.Lower
	}
	return ClampFloat(u, lo, hi)
}
