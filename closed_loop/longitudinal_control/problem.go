package control

// WarmStart seeds the decision variables of the next solve.
type WarmStart struct {
	States   []VehicleState
	Controls []float64
}

// ShiftSolution turns a solution into the next cycle's warm start.
func ShiftSolution(sol *Solution) *WarmStart {
	if sol == nil {
		return nil
	}
	return (&WarmStart{States: sol.States, Controls: sol.Controls}).Shift()
}

// Shift drops the first step and repeats the last one, so the trajectory
// lines up with the next cycle's horizon. It returns nil for malformed input.
func (w *WarmStart) Shift() *WarmStart {
	if w == nil || len(w.Controls) == 0 || len(w.States) != len(w.Controls)+1 {
		return nil
	}
	n := len(w.Controls)
	ws := &WarmStart{
		States:   make([]VehicleState, n+1),
		Controls: make([]float64, n),
	}
	copy(ws.States, w.States[1:])
	ws.States[n] = w.States[n]
	copy(ws.Controls, w.Controls[1:])
	ws.Controls[n-1] = w.Controls[n-1]
	return ws
}

func (w *WarmStart) fits(n int) bool {
	return w != nil && len(w.Controls) == n && len(w.States) == n+1
}

// OptimizationProblem is one cycle's finite-horizon problem: N+1 velocity
// states and N controls, with state[0] pinned to the measurement,
// dynamics equalities, bound inequalities and a scalar objective.
type OptimizationProblem struct {
	Horizon     int
	Dt          float64
	Initial     VehicleState
	PrevControl float64
	Reference   []float64

	// Variable bounds. StateLower[0] == StateUpper[0] == Initial.Velocity.
	StateLower   []float64
	StateUpper   []float64
	ControlLower []float64
	ControlUpper []float64
	RateLimit    float64

	Seed        WarmStart
	WarmStarted bool

	model       *VehicleModel
	cost        *CostFunction
	constraints ConstraintSet
}

// Model returns the dynamics used by the equality constraints.
func (p *OptimizationProblem) Model() *VehicleModel { return p.model }

// Cost returns the objective.
func (p *OptimizationProblem) Cost() *CostFunction { return p.cost }

// Constraints returns the inequality set.
func (p *OptimizationProblem) Constraints() ConstraintSet { return p.constraints }

// NumEqualities counts the initial-state row plus N dynamics rows.
func (p *OptimizationProblem) NumEqualities() int { return p.Horizon + 1 }

// NumInequalities counts the g ≤ 0 rows.
func (p *OptimizationProblem) NumInequalities() int {
	return p.constraints.NumInequalities(p.Horizon)
}

// EqualityResiduals returns state[0]−measured followed by
// state[k+1] − step(state[k], control[k]) for k = 0..N−1.
func (p *OptimizationProblem) EqualityResiduals(states []VehicleState, controls []float64) []float64 {
	h := make([]float64, 0, p.NumEqualities())
	h = append(h, states[0].Velocity-p.Initial.Velocity)
	for k, u := range controls {
		next := p.model.Step(states[k], u, p.Dt)
		h = append(h, states[k+1].Velocity-next.Velocity)
	}
	return h
}

// InequalityResiduals returns every bound constraint in g ≤ 0 form.
func (p *OptimizationProblem) InequalityResiduals(states []VehicleState, controls []float64) []float64 {
	return p.constraints.Inequalities(states, controls, p.PrevControl)
}

// Objective evaluates the cost against the problem's reference window.
func (p *OptimizationProblem) Objective(states []VehicleState, controls []float64) float64 {
	return p.cost.Evaluate(states, controls, p.Reference, p.PrevControl)
}

// Rollout returns the states that exactly satisfy the equalities for controls.
func (p *OptimizationProblem) Rollout(controls []float64) []VehicleState {
	return p.model.Rollout(p.Initial, controls, p.Dt)
}

// ProblemBuilder assembles one OptimizationProblem per cycle. It holds only
// immutable configuration, so Build is a pure function of its arguments.
type ProblemBuilder struct {
	horizon     int
	dt          float64
	model       *VehicleModel
	cost        *CostFunction
	constraints ConstraintSet
}

// NewProblemBuilder validates the horizon and the constraint set.
func NewProblemBuilder(horizon int, dt float64, model *VehicleModel, cost *CostFunction, constraints ConstraintSet) (*ProblemBuilder, error) {
	if horizon <= 0 {
		return nil, configErrorf("horizon", "must be > 0, got %d", horizon)
	}
	if !isFinite(dt) || dt <= 0 {
		return nil, configErrorf("time_step_s", "must be > 0, got %g", dt)
	}
	if model == nil || cost == nil {
		return nil, configErrorf("builder", "model and cost are required")
	}
	if err := constraints.Validate(); err != nil {
		return nil, err
	}
	return &ProblemBuilder{
		horizon:     horizon,
		dt:          dt,
		model:       model,
		cost:        cost,
		constraints: constraints,
	}, nil
}

// Horizon returns N.
func (b *ProblemBuilder) Horizon() int { return b.horizon }

// Dt returns the step duration in seconds.
func (b *ProblemBuilder) Dt() float64 { return b.dt }

// Build assembles the problem for the measured state. warm may be nil, in
// which case the seed holds the current state and previous control.
func (b *ProblemBuilder) Build(current VehicleState, reference []float64, warm *WarmStart, prevControl float64) (*OptimizationProblem, error) {
	if len(reference) != b.horizon {
		return nil, configErrorf("reference", "window has %d points, horizon is %d", len(reference), b.horizon)
	}
	for i, r := range reference {
		if !isFinite(r) {
			return nil, configErrorf("reference", "point %d is not finite", i)
		}
	}
	if err := b.constraints.Validate(); err != nil {
		return nil, err
	}
	if !current.IsValid() || !isFinite(prevControl) {
		return nil, ErrInvalidState
	}

	n := b.horizon
	p := &OptimizationProblem{
		Horizon:      n,
		Dt:           b.dt,
		Initial:      current,
		PrevControl:  prevControl,
		Reference:    append([]float64(nil), reference...),
		StateLower:   make([]float64, n+1),
		StateUpper:   make([]float64, n+1),
		ControlLower: make([]float64, n),
		ControlUpper: make([]float64, n),
		RateLimit:    b.constraints.RateLimit,
		model:        b.model,
		cost:         b.cost,
		constraints:  b.constraints,
	}

	p.StateLower[0], p.StateUpper[0] = current.Velocity, current.Velocity
	for k := 1; k <= n; k++ {
		p.StateLower[k] = b.constraints.Velocity.Lower
		p.StateUpper[k] = b.constraints.Velocity.Upper
	}
	for k := 0; k < n; k++ {
		p.ControlLower[k] = b.constraints.Control.Lower
		p.ControlUpper[k] = b.constraints.Control.Upper
	}

	p.Seed = WarmStart{States: make([]VehicleState, n+1)}
	if warm.fits(n) {
		copy(p.Seed.States, warm.States)
		p.Seed.Controls = b.constraints.Project(warm.Controls, prevControl)
		p.WarmStarted = true
	} else {
		hold := make([]float64, n)
		for k := range hold {
			hold[k] = prevControl
		}
		for k := range p.Seed.States {
			p.Seed.States[k] = current
		}
		p.Seed.Controls = b.constraints.Project(hold, prevControl)
	}
	p.Seed.States[0] = current

	return p, nil
}
