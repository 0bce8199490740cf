package control

import (
	"context"
	"errors"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Methods understood by GonumOptimizer.
const (
	MethodLBFGS           = "lbfgs"
	MethodBFGS            = "bfgs"
	MethodGradientDescent = "gradient_descent"
)

// DefaultPenaltyWeight scales the exterior quadratic penalty on inequalities.
const DefaultPenaltyWeight = 1e4

var errLineSearchStalled = errors.New("control: line search stalled above the seed objective")

// GonumOptimizer solves the problem with gonum's unconstrained quasi-Newton
// methods. States are eliminated by rolling the model forward from the
// measured state, so the dynamics and initial-state equalities hold exactly;
// bounds enter as a quadratic penalty, and the returned controls are
// projected back onto the control and rate bounds.
type GonumOptimizer struct {
	Method        string  `json:"method"`
	PenaltyWeight float64 `json:"penalty_weight"`
}

// NewGonumOptimizer validates the method name and penalty weight.
func NewGonumOptimizer(method string, penaltyWeight float64) (*GonumOptimizer, error) {
	switch method {
	case "":
		method = MethodLBFGS
	case MethodLBFGS, MethodBFGS, MethodGradientDescent:
	default:
		return nil, configErrorf("optimizer.method", "unknown method %q", method)
	}
	if penaltyWeight == 0 {
		penaltyWeight = DefaultPenaltyWeight
	}
	if !isFinite(penaltyWeight) || penaltyWeight < 0 {
		return nil, configErrorf("optimizer.penalty_weight", "must be > 0, got %g", penaltyWeight)
	}
	return &GonumOptimizer{Method: method, PenaltyWeight: penaltyWeight}, nil
}

func (g *GonumOptimizer) method() optimize.Method {
	switch g.Method {
	case MethodBFGS:
		return &optimize.BFGS{}
	case MethodGradientDescent:
		return &optimize.GradientDescent{}
	default:
		return &optimize.LBFGS{}
	}
}

// Solve implements Optimizer.
func (g *GonumOptimizer) Solve(ctx context.Context, p *OptimizationProblem, opts SolverOptions) (*Solution, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	if limit := opts.TimeLimit(); limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, &SolverFailure{Reason: StatusTimeout, Err: err}
	}

	obj := newPenalizedObjective(p, g.PenaltyWeight)
	settings := &optimize.Settings{
		GradientThreshold: opts.Tolerance,
		MajorIterations:   opts.MaxIterations,
		Runtime:           opts.TimeLimit(),
		Converger: &optimize.FunctionConverge{
			Absolute:   opts.Tolerance * 1e-3,
			Relative:   1e-10,
			Iterations: 25,
		},
	}
	problem := optimize.Problem{
		Func: obj.value,
		Grad: obj.gradient,
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.RuntimeLimit, err
			}
			return optimize.NotTerminated, nil
		},
	}

	x0 := append([]float64(nil), p.Seed.Controls...)
	res, err := optimize.Minimize(problem, x0, settings, g.method())
	elapsed := time.Since(start)

	if res == nil || len(res.X) != p.Horizon || floats.HasNaN(res.X) || !isFinite(res.F) {
		if err == nil {
			err = errors.New("control: solver returned no finite point")
		}
		return nil, &SolverFailure{Reason: StatusNumericalError, Err: err}
	}
	sol := g.finish(p, res.X, res.MajorIterations, elapsed)

	switch {
	case ctx.Err() != nil || res.Status == optimize.RuntimeLimit:
		sol.Status = StatusTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return sol, &SolverFailure{Reason: StatusTimeout, Partial: sol, Err: err}
	case sol.MaxViolation > opts.FeasibilityTolerance:
		sol.Status = StatusInfeasible
		return sol, &SolverFailure{Reason: StatusInfeasible, Partial: sol, Err: err}
	case res.Status == optimize.IterationLimit ||
		res.Status == optimize.FunctionEvaluationLimit ||
		res.Status == optimize.GradientEvaluationLimit:
		sol.Status = StatusIterationLimit
		return sol, &SolverFailure{Reason: StatusIterationLimit, Partial: sol, Err: err}
	case err != nil:
		// A stalled line search next to the optimum is not a failure as long
		// as it still improved on the seed.
		seedStates := p.Rollout(p.Seed.Controls)
		if !isFinite(sol.Objective) || sol.Objective > p.Objective(seedStates, p.Seed.Controls)+opts.Tolerance {
			return nil, &SolverFailure{Reason: StatusNumericalError, Err: errors.Join(errLineSearchStalled, err)}
		}
	}
	sol.Status = StatusSuccess
	return sol, nil
}

// finish projects the raw controls, rolls the states forward and scores them
// without the penalty.
func (g *GonumOptimizer) finish(p *OptimizationProblem, x []float64, iterations int, elapsed time.Duration) *Solution {
	controls := p.constraints.Project(x, p.PrevControl)
	states := p.Rollout(controls)
	return &Solution{
		States:       states,
		Controls:     controls,
		Objective:    p.Objective(states, controls),
		Iterations:   iterations,
		Elapsed:      elapsed,
		MaxViolation: p.constraints.MaxViolation(states, controls, p.PrevControl),
	}
}

// penalizedObjective is the condensed objective J(u) + ρ·Σ max(0, g(u))².
type penalizedObjective struct {
	p   *OptimizationProblem
	rho float64
	gv  []float64
	gu  []float64
}

func newPenalizedObjective(p *OptimizationProblem, rho float64) *penalizedObjective {
	return &penalizedObjective{
		p:   p,
		rho: rho,
		gv:  make([]float64, p.Horizon+1),
		gu:  make([]float64, p.Horizon),
	}
}

func (o *penalizedObjective) value(x []float64) float64 {
	states := o.p.Rollout(x)
	j := o.p.Objective(states, x)
	for _, g := range o.p.InequalityResiduals(states, x) {
		if g > 0 {
			j += o.rho * g * g
		}
	}
	return j
}

// gradient back-propagates ∂J/∂v through the model Jacobians (adjoint
// method) and adds the direct ∂J/∂u terms.
func (o *penalizedObjective) gradient(grad, x []float64) {
	p := o.p
	states := p.Rollout(x)
	p.cost.Gradient(states, x, p.Reference, p.PrevControl, o.gv, o.gu)
	o.addPenaltyGradient(states, x)

	n := p.Horizon
	lambda := o.gv[n]
	for k := n - 1; k >= 0; k-- {
		dv, du := p.model.Jacobian(states[k], x[k], p.Dt)
		grad[k] = o.gu[k] + lambda*du
		lambda = o.gv[k] + lambda*dv
	}
}

func (o *penalizedObjective) addPenaltyGradient(states []VehicleState, x []float64) {
	c := o.p.constraints
	two := 2 * o.rho
	for k := 1; k < len(states); k++ {
		v := states[k].Velocity
		if e := v - c.Velocity.Upper; e > 0 {
			o.gv[k] += two * e
		}
		if e := c.Velocity.Lower - v; e > 0 {
			o.gv[k] -= two * e
		}
	}
	for k, u := range x {
		if e := u - c.Control.Upper; e > 0 {
			o.gu[k] += two * e
		}
		if e := c.Control.Lower - u; e > 0 {
			o.gu[k] -= two * e
		}
	}
	if !c.HasRateLimit() {
		return
	}
	prev := o.p.PrevControl
	for k, u := range x {
		du := u - prev
		if e := du - c.RateLimit; e > 0 {
			o.gu[k] += two * e
			if k > 0 {
				o.gu[k-1] -= two * e
			}
		}
		if e := -c.RateLimit - du; e > 0 {
			o.gu[k] -= two * e
			if k > 0 {
				o.gu[k-1] += two * e
			}
		}
		prev = u
	}
}
