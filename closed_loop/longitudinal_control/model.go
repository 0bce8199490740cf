package control

import "fmt"

// Integrator names accepted by VehicleParams.
const (
	IntegratorEuler = "euler"
	IntegratorRK4   = "rk4"
)

// VehicleParams holds the physical parameters of the longitudinal model
//
//	m·dv/dt = F·u − b·v − c·v² − R
//	dp/dt   = v
type VehicleParams struct {
	MassKg            float64 `json:"mass_kg"`
	LinearDrag        float64 `json:"linear_drag_n_per_mps"`
	AeroDrag          float64 `json:"aero_drag_n_per_mps2"`
	RollingResistance float64 `json:"rolling_resistance_n"`
	MaxForceN         float64 `json:"max_force_n"`
	Integrator        string  `json:"integrator,omitempty"`
}

// DefaultVehicleParams returns a 500 kg car with 50 N/(m/s) drag and a
// 4000 N force gain: the steady-state speed is 80·u m/s.
func DefaultVehicleParams() VehicleParams {
	return VehicleParams{
		MassKg:     500.0,
		LinearDrag: 50.0,
		MaxForceN:  0.8 * 50.0 * 100.0,
		Integrator: IntegratorRK4,
	}
}

// VehicleModel is the discretized vehicle dynamics. It is immutable after
// construction and safe to share between cycles.
type VehicleModel struct {
	p VehicleParams
}

// NewVehicleModel validates params and builds the model.
func NewVehicleModel(p VehicleParams) (*VehicleModel, error) {
	if !isFinite(p.MassKg) || p.MassKg <= 0 {
		return nil, configErrorf("vehicle.mass_kg", "must be > 0, got %g", p.MassKg)
	}
	if !isFinite(p.MaxForceN) || p.MaxForceN <= 0 {
		return nil, configErrorf("vehicle.max_force_n", "must be > 0, got %g", p.MaxForceN)
	}
	for name, v := range map[string]float64{
		"vehicle.linear_drag_n_per_mps": p.LinearDrag,
		"vehicle.aero_drag_n_per_mps2":  p.AeroDrag,
		"vehicle.rolling_resistance_n":  p.RollingResistance,
	} {
		if !isFinite(v) || v < 0 {
			return nil, configErrorf(name, "must be >= 0, got %g", v)
		}
	}
	switch p.Integrator {
	case "":
		p.Integrator = IntegratorRK4
	case IntegratorEuler, IntegratorRK4:
	default:
		return nil, configErrorf("vehicle.integrator", "unknown integrator %q", p.Integrator)
	}
	return &VehicleModel{p: p}, nil
}

// Params returns a copy of the model parameters.
func (m *VehicleModel) Params() VehicleParams {
	return m.p
}

// Accel is the continuous-time acceleration dv/dt.
func (m *VehicleModel) Accel(v, u float64) float64 {
	force := m.p.MaxForceN*u - m.p.LinearDrag*v - m.p.AeroDrag*v*v - m.p.RollingResistance
	return force / m.p.MassKg
}

// partials of Accel with respect to v and u.
func (m *VehicleModel) accelPartials(v float64) (dv, du float64) {
	dv = -(m.p.LinearDrag + 2*m.p.AeroDrag*v) / m.p.MassKg
	du = m.p.MaxForceN / m.p.MassKg
	return dv, du
}

// SteadyStateControl returns the control that holds velocity v constant.
func (m *VehicleModel) SteadyStateControl(v float64) float64 {
	return (m.p.LinearDrag*v + m.p.AeroDrag*v*v + m.p.RollingResistance) / m.p.MaxForceN
}

// Step advances the state by dt holding the control constant.
func (m *VehicleModel) Step(s VehicleState, u, dt float64) VehicleState {
	next, _, _ := m.step(s.Velocity, u, dt)
	return VehicleState{
		Velocity: next,
		Position: s.Position + 0.5*dt*(s.Velocity+next),
	}
}

// Jacobian returns ∂v⁺/∂v and ∂v⁺/∂u of the discrete velocity update.
func (m *VehicleModel) Jacobian(s VehicleState, u, dt float64) (dv, du float64) {
	_, dv, du = m.step(s.Velocity, u, dt)
	return dv, du
}

// step returns the next velocity and its partials, propagated through the
// integrator stages by the chain rule.
func (m *VehicleModel) step(v, u, dt float64) (next, dNextDv, dNextDu float64) {
	if m.p.Integrator == IntegratorEuler {
		fv, fu := m.accelPartials(v)
		return v + dt*m.Accel(v, u), 1 + dt*fv, dt * fu
	}

	k1 := m.Accel(v, u)
	f1v, fu := m.accelPartials(v)
	k1v, k1u := f1v, fu

	v2 := v + 0.5*dt*k1
	k2 := m.Accel(v2, u)
	f2v, _ := m.accelPartials(v2)
	k2v := f2v * (1 + 0.5*dt*k1v)
	k2u := fu + f2v*0.5*dt*k1u

	v3 := v + 0.5*dt*k2
	k3 := m.Accel(v3, u)
	f3v, _ := m.accelPartials(v3)
	k3v := f3v * (1 + 0.5*dt*k2v)
	k3u := fu + f3v*0.5*dt*k2u

	v4 := v + dt*k3
	k4 := m.Accel(v4, u)
	f4v, _ := m.accelPartials(v4)
	k4v := f4v * (1 + dt*k3v)
	k4u := fu + f4v*dt*k3u

	next = v + dt/6*(k1+2*k2+2*k3+k4)
	dNextDv = 1 + dt/6*(k1v+2*k2v+2*k3v+k4v)
	dNextDu = dt / 6 * (k1u + 2*k2u + 2*k3u + k4u)
	return next, dNextDv, dNextDu
}

// Rollout simulates the control sequence from s0 and returns N+1 states.
func (m *VehicleModel) Rollout(s0 VehicleState, controls []float64, dt float64) []VehicleState {
	states := make([]VehicleState, len(controls)+1)
	states[0] = s0
	for k, u := range controls {
		states[k+1] = m.Step(states[k], u, dt)
	}
	return states
}

func (p VehicleParams) String() string {
	return fmt.Sprintf("m=%.0fkg b=%.2f c=%.3f R=%.1fN F=%.0fN %s",
		p.MassKg, p.LinearDrag, p.AeroDrag, p.RollingResistance, p.MaxForceN, p.Integrator)
}
