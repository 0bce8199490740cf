package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	control "cruise-mpc/closed_loop/longitudinal_control"
)

func TestShippedScenariosLoad(t *testing.T) {
	paths, err := filepath.Glob("scenarios/*.json")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		t.Run(filepath.Base(p), func(t *testing.T) {
			scen, err := LoadScenario(p)
			require.NoError(t, err)
			assert.NotEmpty(t, scen.Meta.Name)
			assert.Positive(t, scen.Cycles())

			_, err = newRunner(RunnerConfig{Mode: ModeSim}, scen, discardLogger())
			require.NoError(t, err)
		})
	}
}

func TestScenarioOverlaysDefaults(t *testing.T) {
	scen, err := LoadScenario("scenarios/hold_25mps_mismatch.json")
	require.NoError(t, err)

	def := control.DefaultMPCConfig()
	assert.Equal(t, def.Weights, scen.MPC.Weights)
	assert.Equal(t, def.PredictionHorizon, scen.MPC.PredictionHorizon)
	assert.Equal(t, def.Vehicle, scen.MPC.Vehicle)
	assert.True(t, scen.MPC.ApplySuboptimal)
	assert.Equal(t, control.OverrunCancel, scen.MPC.OverrunPolicy)
	assert.Equal(t, 0.05, scen.MPC.Constraints.RateLimit)

	// plant fields not given fall back to the model
	assert.Equal(t, 650.0, scen.Plant.Vehicle.MassKg)
	assert.Equal(t, 150.0, scen.Plant.Vehicle.RollingResistance)
	assert.Equal(t, def.Vehicle.LinearDrag, scen.Plant.Vehicle.LinearDrag)
	assert.Equal(t, def.Vehicle.MaxForceN, scen.Plant.Vehicle.MaxForceN)
	assert.Equal(t, 25.0, scen.Plant.Initial.Velocity)

	assert.Equal(t, 200, scen.Cycles())
	assert.Equal(t, 10, scen.LogEvery())
}

func TestScenarioTiming(t *testing.T) {
	scen, err := ParseScenario(strings.NewReader(`{"timing": {"duration_s": 2.5}}`))
	require.NoError(t, err)
	assert.Equal(t, 0.1, scen.Timing.DtS, "dt_s defaults to the MPC time step")
	assert.Equal(t, 25, scen.Cycles())
	assert.Equal(t, 0, scen.LogEvery())

	scen, err = ParseScenario(strings.NewReader(`{"timing": {"duration_s": 1, "log_hz": 100}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, scen.LogEvery())

	ref, err := scen.ReferenceTrajectory()
	require.NoError(t, err)
	assert.Equal(t, 0.0, ref.At(3))
}

func TestParseScenarioRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		json string
		want string
	}{
		{"no duration", `{}`, "duration_s"},
		{"negative log rate", `{"timing": {"duration_s": 1, "log_hz": -1}}`, "log_hz"},
		{"dt mismatch", `{"timing": {"duration_s": 1, "dt_s": 0.05}}`, "differs"},
		{"unknown field", `{"timing": {"duration_s": 1}, "pid_config": {}}`, "unknown field"},
		{"overrun policy", `{"timing": {"duration_s": 1}, "mpc_config": {"overrun_policy": "drop"}}`, "overrun_policy"},
		{"plant mass", `{"timing": {"duration_s": 1}, "plant": {"vehicle": {"mass_kg": -1}}}`, "mass_kg"},
		{"segment order", `{"timing": {"duration_s": 1}, "reference": {"segments": [{"t0": 5, "t1": 2, "velocity_mps": 1}]}}`, "segment 0"},
		{"bad json", `{"timing": `, "unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseScenario(strings.NewReader(tt.json))
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
