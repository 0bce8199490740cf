package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	control "cruise-mpc/closed_loop/longitudinal_control"
	"cruise-mpc/utils"
)

func discardLogger() *utils.Logger {
	return utils.NewLogger(io.Discard, utils.CRITICAL)
}

// stepScenario is the shipped step scenario without the wall-clock solve
// budget, so results do not depend on machine load.
func stepScenario(t *testing.T, durationS float64) Scenario {
	t.Helper()
	scen, err := LoadScenario("scenarios/step_20mps.json")
	require.NoError(t, err)
	scen.Timing.DurationS = durationS
	scen.Reference.Segments = []control.ReferenceSegment{{T0: 0, T1: -1, VelocityMPS: 20}}
	scen.MPC.Solver.TimeLimitMS = 0
	scen.MPC.Solver.MaxIterations = 500
	return scen
}

func newSimRunner(t *testing.T, cfg RunnerConfig, scen Scenario, log *utils.Logger) *Runner {
	t.Helper()
	cfg.Mode = ModeSim
	r, err := newRunner(cfg, scen, log)
	require.NoError(t, err)
	require.NoError(t, r.attachPlant())
	t.Cleanup(r.Close)
	return r
}

func TestNewRunnerRejectsBadInputs(t *testing.T) {
	ctx := context.Background()

	_, err := NewRunner(ctx, RunnerConfig{Mode: ModeSim, ScenarioPath: "scenarios/missing.json"}, discardLogger())
	assert.ErrorContains(t, err, "load scenario")

	_, err = NewRunner(ctx, RunnerConfig{Mode: "hil", ScenarioPath: "scenarios/step_20mps.json"}, discardLogger())
	assert.ErrorContains(t, err, "unknown mode")

	scen := stepScenario(t, 1)
	scen.MPC.Optimizer.Method = "newton"
	_, err = newRunner(RunnerConfig{}, scen, discardLogger())
	assert.ErrorContains(t, err, "optimizer")
}

func TestRunnerSimStepResponse(t *testing.T) {
	dir := t.TempDir()
	cfg := RunnerConfig{
		PlotPath:  filepath.Join(dir, "run.png"),
		ChartPath: filepath.Join(dir, "run.html"),
	}
	var logs bytes.Buffer
	r := newSimRunner(t, cfg, stepScenario(t, 15), utils.NewLogger(&logs, utils.INFO))

	rec, err := utils.OpenRecorder(filepath.Join(dir, "runs.db"), nil)
	require.NoError(t, err)
	r.rec = rec

	require.NoError(t, r.Run(context.Background()))

	s := r.Stats()
	assert.Equal(t, 150, s.Cycles)
	assert.Equal(t, 0, s.Fallbacks)
	assert.InDelta(t, 20.0, s.FinalVelocity, 0.3)
	assert.Equal(t, control.StateStopped, s.FinalState, "the controller is shut down after the run")
	assert.Positive(t, s.RMSTracking)
	assert.GreaterOrEqual(t, s.MaxSolveMS, s.MeanSolveMS)
	assert.Equal(t, 150, r.plant.Steps())
	assert.Equal(t, 150, r.Trace().Len())

	sum, err := rec.Run(r.RunID())
	require.NoError(t, err)
	assert.Equal(t, "step_20mps", sum.Scenario)
	assert.Equal(t, ModeSim, sum.Mode)
	assert.Equal(t, 150, sum.Cycles)
	assert.Equal(t, OutcomeCompleted, sum.Outcome.String)

	cycles, err := rec.Cycles(r.RunID())
	require.NoError(t, err)
	require.Len(t, cycles, 150)
	assert.Equal(t, "success", cycles[0].Status)
	assert.InDelta(t, 1.0, cycles[0].Control, 1e-3, "full throttle from rest")
	assert.InDelta(t, 2000.0, cycles[0].TorqueNm, 2)

	for _, p := range []string{cfg.PlotPath, cfg.ChartPath} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	out := logs.String()
	assert.Contains(t, out, "Starting run: scenario=step_20mps mode=sim")
	assert.Contains(t, out, "Completed run: outcome=completed cycles=150 fallbacks=0")
	// log_hz=2 at dt=0.1 logs every fifth cycle
	assert.Equal(t, 30, strings.Count(out, "status=success iters="))
}

func TestRunnerStopsOnPersistentFailure(t *testing.T) {
	scen := stepScenario(t, 5)
	scen.MPC.MaxConsecutiveFailures = 2

	var logs bytes.Buffer
	r := newSimRunner(t, RunnerConfig{}, scen, utils.NewLogger(&logs, utils.WARN))

	failing := control.OptimizerFunc(func(context.Context, *control.OptimizationProblem, control.SolverOptions) (*control.Solution, error) {
		return nil, &control.SolverFailure{Reason: control.StatusNumericalError}
	})
	ctrl, err := control.NewController(scen.MPC, failing)
	require.NoError(t, err)
	r.ctrl = ctrl

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, control.IsTerminal(err))

	s := r.Stats()
	assert.Equal(t, 3, s.Cycles)
	assert.Equal(t, 3, s.Fallbacks)
	assert.Equal(t, control.StateStopped, s.FinalState)
	assert.Equal(t, 0.0, r.plant.AppliedControl(), "the final command is disabled")

	out := logs.String()
	assert.Contains(t, out, "[WARN] Cycle 0: numerical_error")
	assert.Contains(t, out, "[ERROR] Cycle 1: numerical_error, 2 consecutive failures")
	assert.Contains(t, out, "actuators disabled")
	assert.Contains(t, out, "[CRITICAL] MPC stopped")
	assert.Contains(t, out, "[WARN] Completed run: outcome=stopped cycles=3 fallbacks=3")
}

func TestRunnerTracksAgainstCurrentSetpoint(t *testing.T) {
	scen := stepScenario(t, 1)
	scen.Reference.Segments = []control.ReferenceSegment{
		{T0: 0, T1: 0.5, VelocityMPS: 10},
		{T0: 0.5, T1: -1, VelocityMPS: 20},
	}
	r := newSimRunner(t, RunnerConfig{}, scen, discardLogger())

	// cycle 4 measures at t=0.4 while its horizon already starts on the step
	r.onReport(control.CycleReport{
		Cycle:     4,
		TimeS:     0.4,
		Measured:  control.VehicleState{Velocity: 10},
		Reference: 20,
	})
	r.onReport(control.CycleReport{
		Cycle:     5,
		TimeS:     0.5,
		Measured:  control.VehicleState{Velocity: 20},
		Reference: 20,
	})

	s := r.Stats()
	assert.Equal(t, 2, s.Cycles)
	assert.Zero(t, s.RMSTracking)
}

func TestRunnerCANMode(t *testing.T) {
	m := loadRunnerMap(t)

	scen := stepScenario(t, 0.3)
	scen.Reference.Segments = nil
	scen.Reference.DefaultMPS = 10

	r, err := newRunner(RunnerConfig{Mode: ModeCAN, FrameName: "MPC_CMD_1", StateFrame: "VEHICLE_STATE_1"}, scen, discardLogger())
	require.NoError(t, err)

	reader := newChanReader(4)
	writer := &captureWriter{}
	require.NoError(t, r.attachCAN(m, reader, writer))
	t.Cleanup(r.Close)
	assert.Equal(t, 100*time.Millisecond, r.period())

	reader.frames <- stateFrame(t, m, 10, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	frames := writer.sent()
	require.GreaterOrEqual(t, len(frames), 4, "three cycles and the disable frame")

	first, err := m.DecodeEinrideFrame(frames[0])
	require.NoError(t, err)
	assert.Equal(t, 1.0, first[sigSystemEnable])
	assert.Equal(t, 0.0, first[sigCycleCounter])

	last, err := m.DecodeEinrideFrame(frames[len(frames)-1])
	require.NoError(t, err)
	assert.Equal(t, 0.0, last[sigSystemEnable])
	assert.Equal(t, 0.0, last[sigTorque])
	assert.Equal(t, 5.0, last[sigSolverStatus])

	s := r.Stats()
	assert.Equal(t, 3, s.Cycles)
	assert.Equal(t, 0, s.Fallbacks)
	assert.InDelta(t, 10.0, s.FinalVelocity, 1e-9)
}
