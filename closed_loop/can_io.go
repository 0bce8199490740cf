package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	control "cruise-mpc/closed_loop/longitudinal_control"
	"cruise-mpc/utils"
)

// Signals the runner expects in its CAN frames.
const (
	sigVehicleSpeed = "vehicle_speed_mps"
	sigPosition     = "position_m"

	sigSystemEnable = "system_enable"
	sigSolverStatus = "solver_status"
	sigFallback     = "fallback"
	sigRepeated     = "repeated"
	sigControl      = "control_cmd"
	sigTorque       = "drive_torque_cmd_nm"
	sigBrake        = "brake_cmd_pct"
	sigCycleCounter = "cycle_counter"
)

// defaultStaleAfter is how old the last state frame may get before
// ReadState warns.
const defaultStaleAfter = 500 * time.Millisecond

// CANStateSource decodes state frames received on the bus. A background
// loop keeps the latest sample; ReadState blocks only until the first one
// arrives.
type CANStateSource struct {
	reader utils.CANReader
	cmap   *utils.CANMap
	frame  *utils.FrameDef
	log    *utils.Logger

	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	latest   control.VehicleState
	latestAt time.Time
	received uint64
	err      error

	first     chan struct{}
	firstOnce sync.Once
	stopped   chan struct{}
}

func NewCANStateSource(reader utils.CANReader, cmap *utils.CANMap, frameName string, log *utils.Logger) (*CANStateSource, error) {
	fd, err := cmap.FrameByName(frameName)
	if err != nil {
		return nil, fmt.Errorf("state frame: %w", err)
	}
	if fd.Direction != utils.DirectionRX {
		return nil, fmt.Errorf("state frame %s must be rx, got %s", fd.Name, fd.Direction)
	}
	if _, ok := fd.Signal(sigVehicleSpeed); !ok {
		return nil, fmt.Errorf("state frame %s has no %s signal", fd.Name, sigVehicleSpeed)
	}
	return &CANStateSource{
		reader:     reader,
		cmap:       cmap,
		frame:      fd,
		log:        log,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		first:      make(chan struct{}),
		stopped:    make(chan struct{}),
	}, nil
}

// Start launches the receive loop. It ends when ctx is done or the reader
// fails.
func (s *CANStateSource) Start(ctx context.Context) {
	go s.receiveLoop(ctx)
}

func (s *CANStateSource) receiveLoop(ctx context.Context) {
	s.log.Debug("RX loop started")
	defer s.log.Debug("RX loop stopped")
	defer close(s.stopped)

	for {
		frame, err := s.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setErr(ctx.Err())
				return
			}
			if !errors.Is(err, utils.ErrReaderClosed) {
				s.log.Error("RX error: %v", err)
			}
			s.setErr(err)
			return
		}
		if frame.ID != s.frame.ID {
			continue
		}

		values, err := s.cmap.DecodeEinrideFrame(frame)
		if err != nil {
			s.log.Warn("RX decode %s failed: %v", s.frame.Name, err)
			continue
		}
		state := control.VehicleState{
			Velocity: values[sigVehicleSpeed],
			Position: values[sigPosition],
		}

		s.mu.Lock()
		s.latest = state
		s.latestAt = s.now()
		s.received++
		s.mu.Unlock()
		s.firstOnce.Do(func() { close(s.first) })

		s.log.Trace("RX id=0x%X len=%d data=% X v=%.3f x=%.2f",
			frame.ID, frame.Length, frame.Data[:frame.Length], state.Velocity, state.Position)
	}
}

func (s *CANStateSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// ReadState implements control.StateSource.
func (s *CANStateSource) ReadState(ctx context.Context) (control.VehicleState, error) {
	select {
	case <-s.first:
	case <-ctx.Done():
		return control.VehicleState{}, ctx.Err()
	case <-s.stopped:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.received == 0 {
		return control.VehicleState{}, fmt.Errorf("no %s frame received: %w", s.frame.Name, s.err)
	}
	if age := s.now().Sub(s.latestAt); age > s.staleAfter {
		s.log.Warn("No state feedback for %.1f ms", float64(age.Microseconds())/1000)
	}
	return s.latest, nil
}

// Received returns the number of decoded state frames.
func (s *CANStateSource) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// CANActuator encodes each command into the command frame and transmits it.
type CANActuator struct {
	sender *utils.FrameSender
	frame  *utils.FrameDef
	log    *utils.Logger
}

func NewCANActuator(writer utils.CANWriter, cmap *utils.CANMap, frameName string, log *utils.Logger) (*CANActuator, error) {
	fd, err := cmap.FrameByName(frameName)
	if err != nil {
		return nil, fmt.Errorf("command frame: %w", err)
	}
	if fd.Direction != utils.DirectionTX {
		return nil, fmt.Errorf("command frame %s must be tx, got %s", fd.Name, fd.Direction)
	}
	if fd.CycleMS <= 0 {
		return nil, fmt.Errorf("frame %s has invalid cycle_ms %d", fd.Name, fd.CycleMS)
	}
	if _, ok := fd.Signal(sigSystemEnable); !ok {
		return nil, fmt.Errorf("command frame %s has no %s signal", fd.Name, sigSystemEnable)
	}
	return &CANActuator{sender: utils.NewFrameSender(writer, cmap), frame: fd, log: log}, nil
}

// values maps a command onto the frame's signals. Signals the frame does
// not carry are left out.
func (a *CANActuator) values(cmd control.Command) map[string]float64 {
	all := map[string]float64{
		sigSystemEnable: control.BoolToFloat(cmd.Enabled),
		sigSolverStatus: float64(cmd.Status),
		sigFallback:     control.BoolToFloat(cmd.Fallback),
		sigRepeated:     control.BoolToFloat(cmd.Repeated),
		sigCycleCounter: float64(cmd.Cycle & 0xFF),
	}
	if cmd.Enabled {
		all[sigControl] = cmd.Control
		all[sigTorque] = cmd.Output.TorqueNm
		all[sigBrake] = cmd.Output.BrakePct
	} else {
		all[sigControl] = 0
		all[sigTorque] = 0
		all[sigBrake] = 0
	}

	out := make(map[string]float64, len(all))
	for name, v := range all {
		if _, ok := a.frame.Signal(name); ok {
			out[name] = v
		}
	}
	return out
}

// Apply implements control.Actuator.
func (a *CANActuator) Apply(ctx context.Context, cmd control.Command) error {
	frame, err := a.sender.Send(ctx, a.frame.Name, a.values(cmd))
	if err != nil {
		return fmt.Errorf("cycle %d: %w", cmd.Cycle, err)
	}
	a.log.Trace("TX cycle=%d id=0x%X len=%d data=% X enable=%v u=%.4f torque=%.1f brake=%.1f repeated=%v",
		cmd.Cycle, frame.ID, frame.Length, frame.Data[:frame.Length],
		cmd.Enabled, cmd.Control, cmd.Output.TorqueNm, cmd.Output.BrakePct, cmd.Repeated)
	return nil
}

// Sent returns the number of transmitted frames.
func (a *CANActuator) Sent() uint64 {
	return a.sender.Sent(a.frame.Name)
}
