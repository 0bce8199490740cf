package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func TestNewVehicleModelRejectsInvalidParams(t *testing.T) {
	t.Parallel()

	cases := map[string]func(p *VehicleParams){
		"zero mass":          func(p *VehicleParams) { p.MassKg = 0 },
		"negative mass":      func(p *VehicleParams) { p.MassKg = -500 },
		"zero force gain":    func(p *VehicleParams) { p.MaxForceN = 0 },
		"negative drag":      func(p *VehicleParams) { p.LinearDrag = -1 },
		"negative aero drag": func(p *VehicleParams) { p.AeroDrag = -0.1 },
		"negative rolling":   func(p *VehicleParams) { p.RollingResistance = -10 },
		"unknown integrator": func(p *VehicleParams) { p.Integrator = "midpoint" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := DefaultVehicleParams()
			mutate(&p)
			_, err := NewVehicleModel(p)
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "expected ConfigError, got %v", err)
		})
	}
}

func TestVehicleModelDefaultsIntegrator(t *testing.T) {
	p := DefaultVehicleParams()
	p.Integrator = ""
	m, err := NewVehicleModel(p)
	require.NoError(t, err)
	assert.Equal(t, IntegratorRK4, m.Params().Integrator)
}

func TestVehicleModelHoldsSteadyState(t *testing.T) {
	for _, integ := range []string{IntegratorEuler, IntegratorRK4} {
		t.Run(integ, func(t *testing.T) {
			p := DefaultVehicleParams()
			p.Integrator = integ
			m, err := NewVehicleModel(p)
			require.NoError(t, err)

			u := m.SteadyStateControl(20)
			assert.InDelta(t, 0.25, u, 1e-12)

			next := m.Step(VehicleState{Velocity: 20, Position: 100}, u, 0.1)
			assert.InDelta(t, 20.0, next.Velocity, 1e-9)
			assert.InDelta(t, 102.0, next.Position, 1e-9)
		})
	}
}

func TestVehicleModelAcceleratesUnderFullThrottle(t *testing.T) {
	m, err := NewVehicleModel(DefaultVehicleParams())
	require.NoError(t, err)

	states := m.Rollout(VehicleState{}, []float64{1, 1, 1, 1, 1}, 0.1)
	require.Len(t, states, 6)
	for k := 1; k < len(states); k++ {
		assert.Greater(t, states[k].Velocity, states[k-1].Velocity)
		assert.Greater(t, states[k].Position, states[k-1].Position)
	}
	// dv/dt = 8 − 0.1·v, so the first step gains just under 0.8 m/s
	assert.InDelta(t, 0.796, states[1].Velocity, 1e-3)
}

func TestVehicleModelJacobianMatchesFiniteDifference(t *testing.T) {
	for _, integ := range []string{IntegratorEuler, IntegratorRK4} {
		t.Run(integ, func(t *testing.T) {
			p := DefaultVehicleParams()
			p.Integrator = integ
			p.AeroDrag = 0.4
			p.RollingResistance = 150
			m, err := NewVehicleModel(p)
			require.NoError(t, err)

			const dt = 0.1
			settings := &fd.Settings{Formula: fd.Central}
			for _, tc := range []struct{ v, u float64 }{
				{0, 1}, {12.5, 0.3}, {27, -0.6}, {35, 1},
			} {
				dv, du := m.Jacobian(VehicleState{Velocity: tc.v}, tc.u, dt)

				wantDv := fd.Derivative(func(v float64) float64 {
					return m.Step(VehicleState{Velocity: v}, tc.u, dt).Velocity
				}, tc.v, settings)
				wantDu := fd.Derivative(func(u float64) float64 {
					return m.Step(VehicleState{Velocity: tc.v}, u, dt).Velocity
				}, tc.u, settings)

				assert.InDelta(t, wantDv, dv, 1e-6, "dv at v=%g u=%g", tc.v, tc.u)
				assert.InDelta(t, wantDu, du, 1e-6, "du at v=%g u=%g", tc.v, tc.u)
			}
		})
	}
}
