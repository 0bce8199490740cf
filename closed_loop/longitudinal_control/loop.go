package control

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StateSource supplies the measured vehicle state once per cycle.
type StateSource interface {
	ReadState(ctx context.Context) (VehicleState, error)
}

// Actuator receives one command per cycle (and per skipped tick).
type Actuator interface {
	Apply(ctx context.Context, cmd Command) error
}

// Command is the actuation handed to the Actuator.
type Command struct {
	Cycle    int
	Control  float64
	Output   ControlOutput
	Enabled  bool
	Fallback bool
	Status   Status
	// Repeated marks a re-sent command on a tick that overran the solve.
	Repeated bool
}

// CommandFromReport converts a cycle report into an actuator command.
func CommandFromReport(r CycleReport) Command {
	return Command{
		Cycle:    r.Cycle,
		Control:  r.Control,
		Output:   r.Output,
		Enabled:  r.State != StateStopped,
		Fallback: r.Fallback,
		Status:   r.Status,
	}
}

// Loop drives a Controller from a sensor to an actuator, one cycle per
// sampling period. At most one cycle is in flight; the next build starts
// only after the previous command has been applied.
type Loop struct {
	ctrl     *Controller
	ref      *ReferenceTrajectory
	sensor   StateSource
	actuator Actuator
	period   time.Duration
	policy   OverrunPolicy

	observe   func(CycleReport)
	onOverrun func(tick int, policy OverrunPolicy)
}

// NewLoop wires the loop. A zero period runs cycles back to back, which is
// how offline simulations advance.
func NewLoop(ctrl *Controller, ref *ReferenceTrajectory, sensor StateSource, actuator Actuator, period time.Duration) *Loop {
	return &Loop{
		ctrl:     ctrl,
		ref:      ref,
		sensor:   sensor,
		actuator: actuator,
		period:   period,
		policy:   ctrl.Config().OverrunPolicy,
	}
}

// OnReport registers the per-cycle observer.
func (l *Loop) OnReport(fn func(CycleReport)) { l.observe = fn }

// OnOverrun registers a callback for ticks that arrive mid-solve.
func (l *Loop) OnOverrun(fn func(tick int, policy OverrunPolicy)) { l.onOverrun = fn }

// Run executes cycles until ctx is done, maxCycles cycles completed
// (maxCycles <= 0 means no limit), or the controller stops. It returns nil
// when the cycle budget is exhausted.
func (l *Loop) Run(ctx context.Context, maxCycles int) error {
	if l.period <= 0 {
		return l.runStepped(ctx, maxCycles)
	}
	return l.runTicked(ctx, maxCycles)
}

func (l *Loop) runStepped(ctx context.Context, maxCycles int) error {
	for k := 0; maxCycles <= 0 || k < maxCycles; k++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := l.sensor.ReadState(ctx)
		if err != nil {
			return fmt.Errorf("read state: %w", err)
		}
		report, stepErr := l.ctrl.Step(ctx, state, l.ref.Window(k, l.ctrl.Horizon()))
		if err := l.finish(ctx, report); err != nil {
			return err
		}
		if stepErr != nil {
			return stepErr
		}
	}
	return nil
}

type cycleResult struct {
	report CycleReport
	err    error
}

func (l *Loop) runTicked(ctx context.Context, maxCycles int) error {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	done := make(chan cycleResult, 1)
	cancelCycle := context.CancelFunc(func() {})
	defer func() { cancelCycle() }()

	inflight := false
	completed := 0
	tick := 0
	u0 := l.ctrl.LastControl()
	last := Command{
		Control: u0,
		Output:  ToControlOutput(u0, l.ctrl.Config().MaxTorqueNm),
		Enabled: true,
		Status:  StatusNotSolved,
	}

	start := func() error {
		state, err := l.sensor.ReadState(ctx)
		if err != nil {
			return fmt.Errorf("read state: %w", err)
		}
		var cycleCtx context.Context
		if l.policy == OverrunCancel {
			cycleCtx, cancelCycle = context.WithTimeout(ctx, l.period)
		} else {
			cycleCtx, cancelCycle = context.WithCancel(ctx)
		}
		window := l.ref.Window(tick, l.ctrl.Horizon())
		inflight = true
		go func() {
			report, err := l.ctrl.Step(cycleCtx, state, window)
			done <- cycleResult{report: report, err: err}
		}()
		return nil
	}

	if err := start(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-done:
			inflight = false
			cancelCycle()
			if err := l.finish(ctx, res.report); err != nil {
				return err
			}
			last = CommandFromReport(res.report)
			completed++
			if res.err != nil {
				return res.err
			}
			if maxCycles > 0 && completed >= maxCycles {
				return nil
			}

		case <-ticker.C:
			tick++
			if !inflight {
				if err := start(); err != nil {
					return err
				}
				continue
			}
			if l.onOverrun != nil {
				l.onOverrun(tick, l.policy)
			}
			switch l.policy {
			case OverrunCancel:
				cancelCycle()
			default:
				repeat := last
				repeat.Repeated = true
				if err := l.actuator.Apply(ctx, repeat); err != nil {
					return fmt.Errorf("apply: %w", err)
				}
			}
		}
	}
}

// finish actuates the report's command and hands the report to the observer.
func (l *Loop) finish(ctx context.Context, report CycleReport) error {
	if err := l.actuator.Apply(ctx, CommandFromReport(report)); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if l.observe != nil {
		l.observe(report)
	}
	return nil
}

// IsTerminal reports whether err from Run means the controller stopped.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrFailureThreshold) || errors.Is(err, ErrControllerStopped)
}
