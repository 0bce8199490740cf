package control

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T, horizon int, constraints ConstraintSet) *ProblemBuilder {
	t.Helper()
	model, err := NewVehicleModel(DefaultVehicleParams())
	require.NoError(t, err)
	cost, err := NewCostFunction(CostWeights{Tracking: 1, Effort: 0.01, Rate: 0.1})
	require.NoError(t, err)
	b, err := NewProblemBuilder(horizon, 0.1, model, cost, constraints)
	require.NoError(t, err)
	return b
}

func constantWindow(n int, v float64) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = v
	}
	return w
}

func TestNewProblemBuilderValidates(t *testing.T) {
	model, err := NewVehicleModel(DefaultVehicleParams())
	require.NoError(t, err)
	cost, err := NewCostFunction(CostWeights{Tracking: 1})
	require.NoError(t, err)

	_, err = NewProblemBuilder(0, 0.1, model, cost, DefaultConstraintSet())
	assert.True(t, IsConfigError(err))

	_, err = NewProblemBuilder(10, -0.1, model, cost, DefaultConstraintSet())
	assert.True(t, IsConfigError(err))

	_, err = NewProblemBuilder(10, 0.1, nil, cost, DefaultConstraintSet())
	assert.True(t, IsConfigError(err))

	bad := DefaultConstraintSet()
	bad.Control = Bounds{Lower: 1, Upper: -1}
	_, err = NewProblemBuilder(10, 0.1, model, cost, bad)
	assert.True(t, IsConfigError(err))
}

func TestProblemBuilderBuildRejectsBadInput(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(t, 5, DefaultConstraintSet())

	t.Run("short reference", func(t *testing.T) {
		t.Parallel()
		_, err := b.Build(VehicleState{Velocity: 3}, constantWindow(4, 10), nil, 0)
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
	})

	t.Run("non-finite reference", func(t *testing.T) {
		t.Parallel()
		ref := constantWindow(5, 10)
		ref[2] = math.NaN()
		_, err := b.Build(VehicleState{Velocity: 3}, ref, nil, 0)
		assert.True(t, IsConfigError(err))
	})

	t.Run("invalid measurement", func(t *testing.T) {
		t.Parallel()
		_, err := b.Build(VehicleState{Velocity: math.Inf(1)}, constantWindow(5, 10), nil, 0)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestProblemBuilderColdStart(t *testing.T) {
	c := DefaultConstraintSet()
	c.RateLimit = 0.3
	b := newTestBuilder(t, 4, c)

	current := VehicleState{Velocity: 7.5, Position: 12}
	p, err := b.Build(current, constantWindow(4, 10), nil, 0.2)
	require.NoError(t, err)

	assert.False(t, p.WarmStarted)
	assert.Equal(t, 4, p.Horizon)
	assert.Equal(t, 5, p.NumEqualities())
	assert.Equal(t, 24, p.NumInequalities())
	assert.Equal(t, 0.3, p.RateLimit)

	assert.Equal(t, 7.5, p.StateLower[0])
	assert.Equal(t, 7.5, p.StateUpper[0])
	assert.Equal(t, []float64{7.5, 0, 0, 0, 0}, p.StateLower)
	assert.Equal(t, []float64{7.5, 40, 40, 40, 40}, p.StateUpper)
	assert.Equal(t, []float64{-1, -1, -1, -1}, p.ControlLower)

	assert.Equal(t, []float64{0.2, 0.2, 0.2, 0.2}, p.Seed.Controls)
	for _, s := range p.Seed.States {
		assert.Equal(t, current, s)
	}

	states := p.Rollout(p.Seed.Controls)
	for i, h := range p.EqualityResiduals(states, p.Seed.Controls) {
		assert.Zero(t, h, "equality %d", i)
	}
	assert.Len(t, p.InequalityResiduals(states, p.Seed.Controls), p.NumInequalities())
}

func TestProblemBuilderWarmStart(t *testing.T) {
	c := DefaultConstraintSet()
	c.RateLimit = 0.1
	b := newTestBuilder(t, 3, c)

	warm := &WarmStart{
		States:   []VehicleState{{Velocity: 1}, {Velocity: 2}, {Velocity: 3}, {Velocity: 4}},
		Controls: []float64{0.5, 0.5, 0.5},
	}
	current := VehicleState{Velocity: 1.2}
	p, err := b.Build(current, constantWindow(3, 5), warm, 0.3)
	require.NoError(t, err)

	assert.True(t, p.WarmStarted)
	assert.Equal(t, current, p.Seed.States[0])
	assert.Equal(t, 2.0, p.Seed.States[1].Velocity)
	// projected onto the rate window around the previous control
	if diff := cmp.Diff([]float64{0.4, 0.5, 0.5}, p.Seed.Controls); diff != "" {
		t.Errorf("seed controls mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1.0, warm.States[0].Velocity, "warm start must not be modified")

	t.Run("mismatched horizon falls back to cold seed", func(t *testing.T) {
		short := &WarmStart{States: warm.States[:3], Controls: warm.Controls[:2]}
		p, err := b.Build(current, constantWindow(3, 5), short, 0.3)
		require.NoError(t, err)
		assert.False(t, p.WarmStarted)
		assert.Equal(t, []float64{0.3, 0.3, 0.3}, p.Seed.Controls)
	})
}

func TestWarmStartShift(t *testing.T) {
	sol := &Solution{
		States:   []VehicleState{{Velocity: 0}, {Velocity: 1}, {Velocity: 2}, {Velocity: 3}},
		Controls: []float64{0.1, 0.2, 0.3},
	}
	ws := ShiftSolution(sol)
	require.NotNil(t, ws)
	assert.Equal(t, []float64{0.2, 0.3, 0.3}, ws.Controls)
	assert.Equal(t, []VehicleState{{Velocity: 1}, {Velocity: 2}, {Velocity: 3}, {Velocity: 3}}, ws.States)
	assert.Equal(t, 0.1, sol.Controls[0], "source must not be modified")

	assert.Nil(t, ShiftSolution(nil))
	var nilWarm *WarmStart
	assert.Nil(t, nilWarm.Shift())
	assert.Nil(t, (&WarmStart{Controls: []float64{1}}).Shift())
}
