package control

// OverrunPolicy decides what happens when a sampling tick arrives while a
// solve is still in flight.
type OverrunPolicy string

const (
	// OverrunSkip re-applies the last command on the late tick and lets the
	// in-flight solve finish.
	OverrunSkip OverrunPolicy = "skip"
	// OverrunCancel bounds each cycle by the sampling period; a solve that
	// overruns is cancelled and reported as a timeout.
	OverrunCancel OverrunPolicy = "cancel"
)

// OptimizerConfig selects the gonum method backing GonumOptimizer.
type OptimizerConfig struct {
	Method        string  `json:"method"`
	PenaltyWeight float64 `json:"penalty_weight"`
}

// MPCConfig holds MPC controller parameters
type MPCConfig struct {
	PredictionHorizon int     `json:"prediction_horizon"`
	TimeStep          float64 `json:"time_step"`

	Vehicle     VehicleParams   `json:"vehicle"`
	Weights     CostWeights     `json:"weights"`
	Constraints ConstraintSet   `json:"constraints"`
	Solver      SolverOptions   `json:"solver"`
	Optimizer   OptimizerConfig `json:"optimizer"`

	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	ApplySuboptimal        bool          `json:"apply_suboptimal"`
	OverrunPolicy          OverrunPolicy `json:"overrun_policy"`

	// ReferenceTauS > 0 shapes each reference window into a first-order
	// approach from the measured velocity.
	ReferenceTauS float64 `json:"reference_tau_s"`

	InitialControl float64 `json:"initial_control"`
	MaxTorqueNm    float64 `json:"max_torque_nm"`
}

// DefaultMPCConfig returns a 20-step, 100 ms horizon for the default vehicle.
func DefaultMPCConfig() MPCConfig {
	return MPCConfig{
		PredictionHorizon: 20,
		TimeStep:          0.1,
		Vehicle:           DefaultVehicleParams(),
		Weights: CostWeights{
			Tracking: 1.0,
			Effort:   0.01,
			Rate:     0.1,
		},
		Constraints: DefaultConstraintSet(),
		Solver:      DefaultSolverOptions(),
		Optimizer: OptimizerConfig{
			Method:        MethodLBFGS,
			PenaltyWeight: DefaultPenaltyWeight,
		},
		MaxConsecutiveFailures: 5,
		OverrunPolicy:          OverrunSkip,
		MaxTorqueNm:            2000,
	}
}

// Validate checks the fields that are not covered by the component
// constructors.
func (c MPCConfig) Validate() error {
	if c.PredictionHorizon <= 0 {
		return configErrorf("prediction_horizon", "must be > 0, got %d", c.PredictionHorizon)
	}
	if !isFinite(c.TimeStep) || c.TimeStep <= 0 {
		return configErrorf("time_step", "must be > 0, got %g", c.TimeStep)
	}
	if c.MaxConsecutiveFailures < 0 {
		return configErrorf("max_consecutive_failures", "must be >= 0, got %d", c.MaxConsecutiveFailures)
	}
	switch c.OverrunPolicy {
	case OverrunSkip, OverrunCancel:
	case "":
		return configErrorf("overrun_policy", "must be set to %q or %q", OverrunSkip, OverrunCancel)
	default:
		return configErrorf("overrun_policy", "unknown policy %q", c.OverrunPolicy)
	}
	if !isFinite(c.ReferenceTauS) || c.ReferenceTauS < 0 {
		return configErrorf("reference_tau_s", "must be >= 0, got %g", c.ReferenceTauS)
	}
	if err := c.Constraints.Validate(); err != nil {
		return err
	}
	if !c.Constraints.Control.Contains(c.InitialControl) {
		return configErrorf("initial_control", "%g outside control bounds [%g, %g]",
			c.InitialControl, c.Constraints.Control.Lower, c.Constraints.Control.Upper)
	}
	if !isFinite(c.MaxTorqueNm) || c.MaxTorqueNm < 0 {
		return configErrorf("max_torque_nm", "must be >= 0, got %g", c.MaxTorqueNm)
	}
	return c.Solver.validate()
}
