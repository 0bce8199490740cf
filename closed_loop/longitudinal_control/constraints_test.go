package control

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstraintSetValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		set     ConstraintSet
		wantErr bool
	}{
		{"defaults", DefaultConstraintSet(), false},
		{"degenerate but ordered", ConstraintSet{Velocity: Bounds{5, 5}, Control: Bounds{0, 0}}, false},
		{"velocity inverted", ConstraintSet{Velocity: Bounds{10, 0}, Control: Bounds{-1, 1}}, true},
		{"control inverted", ConstraintSet{Velocity: Bounds{0, 10}, Control: Bounds{1, -1}}, true},
		{"nan bound", ConstraintSet{Velocity: Bounds{math.NaN(), 10}, Control: Bounds{-1, 1}}, true},
		{"negative rate limit", ConstraintSet{Velocity: Bounds{0, 10}, Control: Bounds{-1, 1}, RateLimit: -0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.set.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigError(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConstraintSetProject(t *testing.T) {
	t.Parallel()

	approx := cmpopts.EquateApprox(0, 1e-12)

	t.Run("box only", func(t *testing.T) {
		t.Parallel()
		c := DefaultConstraintSet()
		got := c.Project([]float64{1.4, -3, 0.2}, 0)
		if diff := cmp.Diff([]float64{1, -1, 0.2}, got, approx); diff != "" {
			t.Errorf("Project mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("rate limit measured from previous control", func(t *testing.T) {
		t.Parallel()
		c := DefaultConstraintSet()
		c.RateLimit = 0.2
		got := c.Project([]float64{1, 1, 1, -1}, 0)
		if diff := cmp.Diff([]float64{0.2, 0.4, 0.6, 0.4}, got, approx); diff != "" {
			t.Errorf("Project mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("previous control far outside box", func(t *testing.T) {
		t.Parallel()
		c := ConstraintSet{Velocity: Bounds{0, 40}, Control: Bounds{0, 0.5}, RateLimit: 0.1}
		got := c.Project([]float64{0.3}, 0.9)
		assert.Equal(t, []float64{0.5}, got)
	})
}

func TestConstraintSetInequalities(t *testing.T) {
	c := DefaultConstraintSet()
	c.RateLimit = 0.5

	states := []VehicleState{{Velocity: 100}, {Velocity: 10}, {Velocity: 41}}
	controls := []float64{0.2, 0.6}

	g := c.Inequalities(states, controls, 0)
	require.Len(t, g, c.NumInequalities(len(controls)))

	// state[0] is measured and never bounded
	assert.InDelta(t, 1.0, c.VelocityViolation(states), 1e-12)
	assert.InDelta(t, 1.0, c.MaxViolation(states, controls, 0), 1e-12)

	states[2].Velocity = 39
	assert.Zero(t, c.VelocityViolation(states))
	assert.Zero(t, c.MaxViolation(states, controls, 0))

	// a jump of 0.7 exceeds the 0.5 rate limit
	controls[1] = 0.9
	assert.InDelta(t, 0.2, c.MaxViolation(states, controls, 0), 1e-12)

	// the first step is measured from the previous control
	assert.InDelta(t, 0.3, c.MaxViolation(states, []float64{0.2, 0.2}, 1.0), 1e-12)
}
