package main

import (
	"context"
	"fmt"
	"sync"

	control "cruise-mpc/closed_loop/longitudinal_control"
)

// SimulatedPlant stands in for the vehicle in sim mode. Every applied
// command advances it by one sample period; a disabled command coasts.
type SimulatedPlant struct {
	model *control.VehicleModel
	dt    float64

	mu      sync.Mutex
	state   control.VehicleState
	steps   int
	applied float64
}

func NewSimulatedPlant(p control.VehicleParams, initial control.VehicleState, dt float64) (*SimulatedPlant, error) {
	model, err := control.NewVehicleModel(p)
	if err != nil {
		return nil, err
	}
	if dt <= 0 {
		return nil, fmt.Errorf("plant dt must be > 0, got %g", dt)
	}
	if !initial.IsValid() {
		return nil, fmt.Errorf("plant initial state is not finite: %+v", initial)
	}
	return &SimulatedPlant{model: model, dt: dt, state: initial}, nil
}

// ReadState implements control.StateSource.
func (p *SimulatedPlant) ReadState(ctx context.Context) (control.VehicleState, error) {
	if err := ctx.Err(); err != nil {
		return control.VehicleState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

// Apply implements control.Actuator.
func (p *SimulatedPlant) Apply(_ context.Context, cmd control.Command) error {
	u := cmd.Control
	if !cmd.Enabled {
		u = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = p.model.Step(p.state, u, p.dt)
	p.steps++
	p.applied = u
	return nil
}

// State returns the current plant state.
func (p *SimulatedPlant) State() control.VehicleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Steps is the number of samples simulated so far.
func (p *SimulatedPlant) Steps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steps
}

// AppliedControl is the control the plant integrated on its last step.
func (p *SimulatedPlant) AppliedControl() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}
