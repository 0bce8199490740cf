package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ControllerState is the MPC cycle state.
type ControllerState int

const (
	StateIdle ControllerState = iota
	StateBuilding
	StateSolving
	StateApplying
	StateDegraded
	StateStopped
)

func (s ControllerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBuilding:
		return "BUILDING"
	case StateSolving:
		return "SOLVING"
	case StateApplying:
		return "APPLYING"
	case StateDegraded:
		return "DEGRADED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// CycleReport is what one cycle exposes for logging and plotting.
type CycleReport struct {
	Cycle     int
	TimeS     float64
	Measured  VehicleState
	Reference float64

	Control float64
	Output  ControlOutput

	Status      Status
	Objective   float64
	Iterations  int
	SolveTime   time.Duration
	WarmStarted bool

	// Fallback is set when the held control was applied instead of a fresh one.
	Fallback            bool
	Suboptimal          bool
	ConsecutiveFailures int
	// Persistent distinguishes repeated failure from a single bad cycle.
	Persistent bool

	State     ControllerState
	Predicted []float64
	Err       error
}

// Controller runs the receding-horizon cycle. Only the warm start, the last
// applied control and the failure counter change between cycles.
type Controller struct {
	cfg       MPCConfig
	model     *VehicleModel
	cost      *CostFunction
	builder   *ProblemBuilder
	optimizer Optimizer

	mu           sync.Mutex
	state        ControllerState
	warm         *WarmStart
	lastControl  float64
	failures     int
	cycle        int
	onTransition func(from, to ControllerState)
}

// NewController validates cfg and wires the model, cost, constraints and
// builder around the given optimizer. The controller starts in IDLE.
func NewController(cfg MPCConfig, optimizer Optimizer) (*Controller, error) {
	if optimizer == nil {
		return nil, configErrorf("optimizer", "is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model, err := NewVehicleModel(cfg.Vehicle)
	if err != nil {
		return nil, err
	}
	cost, err := NewCostFunction(cfg.Weights)
	if err != nil {
		return nil, err
	}
	builder, err := NewProblemBuilder(cfg.PredictionHorizon, cfg.TimeStep, model, cost, cfg.Constraints)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:         cfg,
		model:       model,
		cost:        cost,
		builder:     builder,
		optimizer:   optimizer,
		state:       StateIdle,
		lastControl: cfg.InitialControl,
	}, nil
}

// Config returns the configuration the controller was built with.
func (c *Controller) Config() MPCConfig { return c.cfg }

// Model returns the prediction model.
func (c *Controller) Model() *VehicleModel { return c.model }

// Horizon returns N.
func (c *Controller) Horizon() int { return c.cfg.PredictionHorizon }

// TimeStep returns dt in seconds.
func (c *Controller) TimeStep() float64 { return c.cfg.TimeStep }

// Warnings lists non-fatal configuration issues found at construction.
func (c *Controller) Warnings() []string { return c.cost.Warnings() }

// OnTransition registers a hook called on every state change. It runs with
// the controller locked and must not call back into the controller.
func (c *Controller) OnTransition(fn func(from, to ControllerState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

// State returns the current state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastControl returns the most recently applied control.
func (c *Controller) LastControl() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastControl
}

// HasWarmStart reports whether the next cycle will be warm-started.
func (c *Controller) HasWarmStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warm != nil
}

// Shutdown moves the controller to STOPPED.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopped {
		c.transition(StateStopped)
	}
}

func (c *Controller) transition(to ControllerState) {
	from := c.state
	c.state = to
	if c.onTransition != nil {
		c.onTransition(from, to)
	}
}

// Step runs one build-solve-apply cycle for the measured state and the
// reference window (N targets for state[1..N]). The returned report always
// carries the control to actuate. A transient solver failure is reported in
// the CycleReport only; configuration errors and the failure threshold are
// also returned as errors.
func (c *Controller) Step(ctx context.Context, measured VehicleState, reference []float64) (CycleReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := CycleReport{
		Cycle:    c.cycle,
		TimeS:    float64(c.cycle) * c.cfg.TimeStep,
		Measured: measured,
	}
	if c.state == StateStopped {
		report.Control = c.lastControl
		report.Output = ToControlOutput(c.lastControl, c.cfg.MaxTorqueNm)
		report.Fallback = true
		report.State = StateStopped
		report.Status = StatusNotSolved
		report.Err = ErrControllerStopped
		return report, ErrControllerStopped
	}
	c.cycle++

	c.transition(StateBuilding)
	ref := reference
	if c.cfg.ReferenceTauS > 0 && measured.IsValid() {
		ref = ShapeWindow(reference, measured.Velocity, c.cfg.TimeStep, c.cfg.ReferenceTauS)
	}
	if len(ref) > 0 {
		report.Reference = ref[0]
	}

	problem, err := c.builder.Build(measured, ref, c.warm, c.lastControl)
	if err != nil {
		report.Status = StatusNotSolved
		return c.degrade(report, err)
	}
	report.WarmStarted = problem.WarmStarted

	c.transition(StateSolving)
	sol, err := c.optimizer.Solve(ctx, problem, c.cfg.Solver)
	if err == nil && c.usable(sol) {
		report.Status = StatusSuccess
		return c.apply(report, sol), nil
	}

	failure, ok := AsSolverFailure(err)
	if !ok {
		if IsConfigError(err) {
			report.Status = StatusNotSolved
			return c.degrade(report, err)
		}
		if err == nil {
			err = errors.New("control: optimizer returned an unusable solution")
		}
		failure = &SolverFailure{Reason: StatusNumericalError, Err: err}
	}
	if failure.Partial != nil {
		sol = failure.Partial
	}
	report.Status = failure.Reason
	if sol != nil {
		report.Objective = sol.Objective
		report.Iterations = sol.Iterations
		report.SolveTime = sol.Elapsed
	}

	limited := failure.Reason == StatusIterationLimit || failure.Reason == StatusTimeout
	if limited && c.cfg.ApplySuboptimal && c.usable(sol) && sol.MaxViolation <= c.cfg.Solver.FeasibilityTolerance {
		report.Suboptimal = true
		return c.apply(report, sol), nil
	}

	switch failure.Reason {
	case StatusIterationLimit, StatusTimeout:
		if c.usable(sol) {
			c.warm = ShiftSolution(sol)
		} else {
			c.warm = c.warm.Shift()
		}
	default:
		// an infeasible or numerically broken trajectory is a poor seed
		c.warm = nil
	}
	return c.degrade(report, failure)
}

func (c *Controller) usable(sol *Solution) bool {
	if sol == nil || len(sol.Controls) != c.cfg.PredictionHorizon || len(sol.States) != c.cfg.PredictionHorizon+1 {
		return false
	}
	return isFinite(sol.Controls[0])
}

// apply actuates control[0] of sol and keeps the shifted trajectory as the
// next warm start. The applied value always satisfies the box and rate
// constraints against the previous control, whatever the optimizer returned.
func (c *Controller) apply(report CycleReport, sol *Solution) CycleReport {
	c.transition(StateApplying)

	u := c.cfg.Constraints.Project(sol.Controls[:1], c.lastControl)[0]
	c.lastControl = u
	c.warm = ShiftSolution(sol)
	c.failures = 0

	report.Control = u
	report.Output = ToControlOutput(u, c.cfg.MaxTorqueNm)
	report.Objective = sol.Objective
	report.Iterations = sol.Iterations
	report.SolveTime = sol.Elapsed
	report.Predicted = predictedVelocities(sol.States)

	c.transition(StateIdle)
	report.State = StateIdle
	return report
}

// degrade holds the previous control. Past the failure threshold the
// controller stops.
func (c *Controller) degrade(report CycleReport, cause error) (CycleReport, error) {
	c.transition(StateDegraded)
	c.failures++

	held := c.cfg.Constraints.Control.Clamp(c.lastControl)
	c.lastControl = held

	report.Control = held
	report.Output = ToControlOutput(held, c.cfg.MaxTorqueNm)
	report.Fallback = true
	report.ConsecutiveFailures = c.failures
	report.Persistent = c.failures > 1
	report.Err = cause

	if c.failures > c.cfg.MaxConsecutiveFailures {
		c.transition(StateStopped)
		report.State = StateStopped
		return report, fmt.Errorf("%w (%d in a row): %w", ErrFailureThreshold, c.failures, cause)
	}

	c.transition(StateIdle)
	report.State = StateIdle
	if IsConfigError(cause) {
		return report, cause
	}
	return report, nil
}

func predictedVelocities(states []VehicleState) []float64 {
	if len(states) < 2 {
		return nil
	}
	out := make([]float64, len(states)-1)
	for i, s := range states[1:] {
		out[i] = s.Velocity
	}
	return out
}
