package control

import (
	"context"
	"time"
)

// Status is the outcome of a solve.
type Status int

const (
	StatusSuccess Status = iota
	StatusInfeasible
	StatusIterationLimit
	StatusNumericalError
	StatusTimeout
	// StatusNotSolved marks cycles whose problem could not be built.
	StatusNotSolved
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInfeasible:
		return "infeasible"
	case StatusIterationLimit:
		return "iteration_limit"
	case StatusNumericalError:
		return "numerical_error"
	case StatusTimeout:
		return "timeout"
	case StatusNotSolved:
		return "not_solved"
	default:
		return "unknown"
	}
}

// SolverOptions bound the work a single solve may do.
type SolverOptions struct {
	MaxIterations        int     `json:"max_iterations"`
	Tolerance            float64 `json:"tolerance"`
	FeasibilityTolerance float64 `json:"feasibility_tolerance"`
	TimeLimitMS          int     `json:"time_limit_ms"`
}

// DefaultSolverOptions returns options suitable for a 20-step horizon at 10 Hz.
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		MaxIterations:        200,
		Tolerance:            1e-4,
		FeasibilityTolerance: 1e-2,
		TimeLimitMS:          80,
	}
}

// TimeLimit returns the wall-clock budget; zero means unbounded.
func (o SolverOptions) TimeLimit() time.Duration {
	return time.Duration(o.TimeLimitMS) * time.Millisecond
}

func (o SolverOptions) validate() error {
	if o.MaxIterations <= 0 {
		return configErrorf("solver.max_iterations", "must be > 0, got %d", o.MaxIterations)
	}
	if !isFinite(o.Tolerance) || o.Tolerance <= 0 {
		return configErrorf("solver.tolerance", "must be > 0, got %g", o.Tolerance)
	}
	if !isFinite(o.FeasibilityTolerance) || o.FeasibilityTolerance < 0 {
		return configErrorf("solver.feasibility_tolerance", "must be >= 0, got %g", o.FeasibilityTolerance)
	}
	if o.TimeLimitMS < 0 {
		return configErrorf("solver.time_limit_ms", "must be >= 0, got %d", o.TimeLimitMS)
	}
	return nil
}

// Solution is the optimizer's answer for one problem.
type Solution struct {
	States       []VehicleState
	Controls     []float64
	Status       Status
	Objective    float64
	Iterations   int
	Elapsed      time.Duration
	MaxViolation float64
}

// Optimizer is the boundary to the numerical solver. On failure it returns
// a *SolverFailure, optionally carrying a partial solution.
type Optimizer interface {
	Solve(ctx context.Context, p *OptimizationProblem, opts SolverOptions) (*Solution, error)
}

// OptimizerFunc adapts a function to the Optimizer interface.
type OptimizerFunc func(ctx context.Context, p *OptimizationProblem, opts SolverOptions) (*Solution, error)

func (f OptimizerFunc) Solve(ctx context.Context, p *OptimizationProblem, opts SolverOptions) (*Solution, error) {
	return f(ctx, p, opts)
}
