package control

// CostWeights are the non-negative objective weights.
type CostWeights struct {
	Tracking float64 `json:"tracking"`
	Effort   float64 `json:"effort"`
	Rate     float64 `json:"rate"`
}

// CostFunction is a weighted sum of squared tracking error, control effort
// and control rate over the horizon. Every term touches at most two
// consecutive decision variables.
type CostFunction struct {
	w        CostWeights
	warnings []string
}

// NewCostFunction validates the weights.
func NewCostFunction(w CostWeights) (*CostFunction, error) {
	for name, v := range map[string]float64{
		"weights.tracking": w.Tracking,
		"weights.effort":   w.Effort,
		"weights.rate":     w.Rate,
	} {
		if !isFinite(v) || v < 0 {
			return nil, configErrorf(name, "must be >= 0, got %g", v)
		}
	}
	cf := &CostFunction{w: w}
	if w.Tracking == 0 {
		cf.warnings = append(cf.warnings, "weights.tracking is 0: the problem does not track the reference")
	}
	return cf, nil
}

// Weights returns the configured weights.
func (c *CostFunction) Weights() CostWeights {
	return c.w
}

// Warnings lists non-fatal configuration issues.
func (c *CostFunction) Warnings() []string {
	return append([]string(nil), c.warnings...)
}

// Evaluate returns the objective. states has N+1 entries, controls and
// reference N; reference[k] is the target for states[k+1].
func (c *CostFunction) Evaluate(states []VehicleState, controls, reference []float64, prevControl float64) float64 {
	var j float64
	for k, r := range reference {
		e := states[k+1].Velocity - r
		j += c.w.Tracking * e * e
	}
	prev := prevControl
	for _, u := range controls {
		du := u - prev
		j += c.w.Effort*u*u + c.w.Rate*du*du
		prev = u
	}
	return j
}

// Gradient writes ∂J/∂v into gv (N+1 entries, gv[0] is always 0 since
// state[0] is fixed) and ∂J/∂u into gu (N entries).
func (c *CostFunction) Gradient(states []VehicleState, controls, reference []float64, prevControl float64, gv, gu []float64) {
	gv[0] = 0
	for k, r := range reference {
		gv[k+1] = 2 * c.w.Tracking * (states[k+1].Velocity - r)
	}
	prev := prevControl
	for k, u := range controls {
		gu[k] = 2*c.w.Effort*u + 2*c.w.Rate*(u-prev)
		if k+1 < len(controls) {
			gu[k] -= 2 * c.w.Rate * (controls[k+1] - u)
		}
		prev = u
	}
}
