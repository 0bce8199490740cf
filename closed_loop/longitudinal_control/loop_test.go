package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// modelPlant integrates the controller's own model with the last command.
type modelPlant struct {
	model *VehicleModel
	dt    float64
	state VehicleState
	u     float64
}

func (p *modelPlant) ReadState(context.Context) (VehicleState, error) {
	p.state = p.model.Step(p.state, p.u, p.dt)
	return p.state, nil
}

type recordingActuator struct {
	mu       sync.Mutex
	commands []Command
	plant    *modelPlant
}

func (a *recordingActuator) Apply(_ context.Context, cmd Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, cmd)
	if a.plant != nil && !cmd.Repeated {
		a.plant.u = cmd.Control
	}
	return nil
}

func (a *recordingActuator) snapshot() []Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Command(nil), a.commands...)
}

type failingSensor struct{}

func (failingSensor) ReadState(context.Context) (VehicleState, error) {
	return VehicleState{}, errors.New("bus off")
}

func TestLoopRunStepped(t *testing.T) {
	cfg := testConfig()
	c, err := NewController(cfg, holdOptimizer(0.5))
	require.NoError(t, err)

	plant := &modelPlant{model: c.Model(), dt: cfg.TimeStep}
	act := &recordingActuator{plant: plant}
	loop := NewLoop(c, ConstantReference(cfg.TimeStep, 10), plant, act, 0)

	var reports []CycleReport
	loop.OnReport(func(r CycleReport) { reports = append(reports, r) })

	require.NoError(t, loop.Run(context.Background(), 10))

	cmds := act.snapshot()
	require.Len(t, cmds, 10)
	require.Len(t, reports, 10)
	for i, cmd := range cmds {
		assert.Equal(t, i, cmd.Cycle)
		assert.Equal(t, 0.5, cmd.Control)
		assert.True(t, cmd.Enabled)
		assert.False(t, cmd.Repeated)
	}
	assert.Greater(t, plant.state.Velocity, 0.0)
}

func TestLoopStopsOnFailureThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 1
	c, err := NewController(cfg, &scriptedOptimizer{outcomes: []Status{StatusInfeasible}})
	require.NoError(t, err)

	plant := &modelPlant{model: c.Model(), dt: cfg.TimeStep}
	act := &recordingActuator{plant: plant}
	loop := NewLoop(c, ConstantReference(cfg.TimeStep, 10), plant, act, 0)

	err = loop.Run(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))

	cmds := act.snapshot()
	require.Len(t, cmds, 2)
	assert.True(t, cmds[0].Enabled)
	assert.True(t, cmds[0].Fallback)
	assert.False(t, cmds[1].Enabled, "the stopping cycle disables the actuator")
}

func TestLoopSensorError(t *testing.T) {
	c, err := NewController(testConfig(), holdOptimizer(0))
	require.NoError(t, err)
	loop := NewLoop(c, ConstantReference(0.1, 1), failingSensor{}, &recordingActuator{}, 0)

	err = loop.Run(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus off")
	assert.False(t, IsTerminal(err))
}

func TestLoopRunTickedSkipRepeatsLastCommand(t *testing.T) {
	cfg := testConfig()
	cfg.InitialControl = 0.2
	cfg.OverrunPolicy = OverrunSkip

	release := make(chan struct{})
	slow := OptimizerFunc(func(ctx context.Context, p *OptimizationProblem, opts SolverOptions) (*Solution, error) {
		<-release
		return holdOptimizer(0.7).Solve(ctx, p, opts)
	})
	c, err := NewController(cfg, slow)
	require.NoError(t, err)

	plant := &modelPlant{model: c.Model(), dt: cfg.TimeStep}
	act := &recordingActuator{plant: plant}
	loop := NewLoop(c, ConstantReference(cfg.TimeStep, 10), plant, act, 5*time.Millisecond)

	overruns := 0
	loop.OnOverrun(func(_ int, policy OverrunPolicy) {
		assert.Equal(t, OverrunSkip, policy)
		overruns++
		if overruns == 2 {
			close(release)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx, 1))

	cmds := act.snapshot()
	require.GreaterOrEqual(t, len(cmds), 3)
	last := cmds[len(cmds)-1]
	assert.False(t, last.Repeated)
	assert.Equal(t, 0.7, last.Control)
	for _, cmd := range cmds[:len(cmds)-1] {
		assert.True(t, cmd.Repeated)
		assert.Equal(t, 0.2, cmd.Control)
	}
}

func TestLoopRunTickedCancelBoundsTheSolve(t *testing.T) {
	cfg := testConfig()
	cfg.OverrunPolicy = OverrunCancel
	cfg.InitialControl = 0.1

	blocking := OptimizerFunc(func(ctx context.Context, _ *OptimizationProblem, _ SolverOptions) (*Solution, error) {
		<-ctx.Done()
		return nil, &SolverFailure{Reason: StatusTimeout, Err: ctx.Err()}
	})
	c, err := NewController(cfg, blocking)
	require.NoError(t, err)

	plant := &modelPlant{model: c.Model(), dt: cfg.TimeStep}
	act := &recordingActuator{plant: plant}
	loop := NewLoop(c, ConstantReference(cfg.TimeStep, 10), plant, act, 10*time.Millisecond)

	var reports []CycleReport
	loop.OnReport(func(r CycleReport) { reports = append(reports, r) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx, 2))

	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, StatusTimeout, r.Status)
		assert.True(t, r.Fallback)
		assert.Equal(t, 0.1, r.Control)
	}
	for _, cmd := range act.snapshot() {
		assert.False(t, cmd.Repeated, "cancel policy never re-sends")
	}
	assert.Equal(t, StateIdle, c.State())
}

func TestLoopRunTickedHonoursContext(t *testing.T) {
	cfg := testConfig()
	c, err := NewController(cfg, holdOptimizer(0))
	require.NoError(t, err)

	plant := &modelPlant{model: c.Model(), dt: cfg.TimeStep}
	loop := NewLoop(c, ConstantReference(cfg.TimeStep, 0), plant, &recordingActuator{}, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = loop.Run(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
