package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	control "cruise-mpc/closed_loop/longitudinal_control"
	"cruise-mpc/utils"
)

// Runner modes.
const (
	ModeSim = "sim"
	ModeCAN = "can"
)

// Run outcomes stored with a recorded run.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// disableTimeout bounds the final disabled frame sent after the loop ends.
const disableTimeout = 200 * time.Millisecond

type RunnerConfig struct {
	Mode         string
	Interface    string
	MapPath      string
	ScenarioPath string
	FrameName    string
	StateFrame   string
	RecordPath   string
	PlotPath     string
	ChartPath    string
}

// RunStats summarises a finished run.
type RunStats struct {
	Cycles        int
	Fallbacks     int
	Suboptimal    int
	MeanSolveMS   float64
	MaxSolveMS    float64
	RMSTracking   float64
	FinalVelocity float64
	FinalState    control.ControllerState
}

type Runner struct {
	cfg  RunnerConfig
	log  *utils.Logger
	scen Scenario

	ctrl *control.Controller
	ref  *control.ReferenceTrajectory

	source   control.StateSource
	actuator control.Actuator

	plant   *SimulatedPlant
	stateRx *CANStateSource
	txAct   *CANActuator
	reader  utils.CANReader
	writer  utils.CANWriter

	rec      *utils.Recorder
	runID    string
	recFails int

	trace *Trace

	logEvery     int
	lastCycle    int
	solveMS      []float64
	trackSq      []float64
	fallbacks    int
	suboptimal   int
	lastVelocity float64
}

// NewRunner loads the scenario and wires the controller to a simulated
// plant or to the CAN bus.
func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	scen, err := LoadScenario(cfg.ScenarioPath)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}

	r, err := newRunner(cfg, scen, log)
	if err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case ModeSim:
		err = r.attachPlant()
	case ModeCAN:
		err = r.dialCAN(ctx)
	default:
		err = fmt.Errorf("unknown mode %q (want %s or %s)", cfg.Mode, ModeSim, ModeCAN)
	}
	if err != nil {
		r.Close()
		return nil, err
	}

	if cfg.RecordPath != "" {
		rec, err := utils.OpenRecorder(cfg.RecordPath, log)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open recorder: %w", err)
		}
		r.rec = rec
	}
	return r, nil
}

// newRunner builds the controller side; the caller attaches the I/O.
func newRunner(cfg RunnerConfig, scen Scenario, log *utils.Logger) (*Runner, error) {
	opt, err := control.NewGonumOptimizer(scen.MPC.Optimizer.Method, scen.MPC.Optimizer.PenaltyWeight)
	if err != nil {
		return nil, fmt.Errorf("optimizer: %w", err)
	}
	ctrl, err := control.NewController(scen.MPC, opt)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	ref, err := scen.ReferenceTrajectory()
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}

	title := scen.Meta.Name
	if title == "" {
		title = "cruise control"
	}
	return &Runner{
		cfg:      cfg,
		log:      log,
		scen:     scen,
		ctrl:     ctrl,
		ref:      ref,
		trace:    NewTrace(title),
		logEvery: scen.LogEvery(),
	}, nil
}

func (r *Runner) attachPlant() error {
	plant, err := NewSimulatedPlant(r.scen.Plant.Vehicle, r.scen.Plant.Initial, r.scen.Timing.DtS)
	if err != nil {
		return fmt.Errorf("plant: %w", err)
	}
	r.plant = plant
	r.source = plant
	r.actuator = plant
	return nil
}

func (r *Runner) dialCAN(ctx context.Context) error {
	cmap, err := utils.LoadCANMap(r.cfg.MapPath)
	if err != nil {
		return fmt.Errorf("load can map: %w", err)
	}
	writer, err := utils.NewSocketCANWriter(ctx, r.cfg.Interface)
	if err != nil {
		return err
	}
	reader, err := utils.NewSocketCANReader(ctx, r.cfg.Interface)
	if err != nil {
		_ = writer.Close()
		return err
	}
	return r.attachCAN(cmap, reader, writer)
}

// attachCAN takes ownership of reader and writer.
func (r *Runner) attachCAN(cmap *utils.CANMap, reader utils.CANReader, writer utils.CANWriter) error {
	r.reader = reader
	r.writer = writer

	rx, err := NewCANStateSource(reader, cmap, r.cfg.StateFrame, r.log)
	if err != nil {
		return err
	}
	tx, err := NewCANActuator(writer, cmap, r.cfg.FrameName, r.log)
	if err != nil {
		return err
	}
	period := time.Duration(r.scen.Timing.DtS * float64(time.Second))
	if frameCycle := time.Duration(tx.frame.CycleMS) * time.Millisecond; frameCycle != period {
		r.log.Warn("Frame %s cycle_ms=%d differs from the control period %s", tx.frame.Name, tx.frame.CycleMS, period)
	}
	r.stateRx = rx
	r.txAct = tx
	r.source = rx
	r.actuator = tx
	return nil
}

func (r *Runner) Close() {
	if r.reader != nil {
		_ = r.reader.Close()
	}
	if r.writer != nil {
		_ = r.writer.Close()
	}
	if r.rec != nil {
		_ = r.rec.Close()
	}
}

// period is zero for offline simulation so cycles run back to back.
func (r *Runner) period() time.Duration {
	if r.plant != nil && !r.scen.Timing.RealTimeMode {
		return 0
	}
	return time.Duration(r.scen.Timing.DtS * float64(time.Second))
}

func (r *Runner) Run(ctx context.Context) error {
	mpc := r.scen.MPC
	r.log.Info("Starting run: scenario=%s mode=%s horizon=%d dt=%.3fs duration=%.2fs cycles=%d optimizer=%s overrun=%s",
		r.scen.Meta.Name, r.cfg.Mode, mpc.PredictionHorizon, mpc.TimeStep, r.scen.Timing.DurationS,
		r.scen.Cycles(), mpc.Optimizer.Method, mpc.OverrunPolicy)
	r.log.Debug("Model: %s", mpc.Vehicle)
	if r.plant != nil && r.scen.Plant.Vehicle != mpc.Vehicle {
		r.log.Info("Plant differs from model: %s", r.scen.Plant.Vehicle)
	}
	for _, w := range r.ctrl.Warnings() {
		r.log.Warn("MPC config: %s", w)
	}

	if r.rec != nil {
		id, err := r.rec.BeginRun(r.scen.Meta.Name, r.cfg.Mode, r.scen)
		if err != nil {
			return fmt.Errorf("begin recorded run: %w", err)
		}
		r.runID = id
		r.log.Info("Recording run %s to %s", id, r.cfg.RecordPath)
	}
	if r.stateRx != nil {
		r.stateRx.Start(ctx)
	}

	r.ctrl.OnTransition(func(from, to control.ControllerState) {
		r.log.Trace("MPC %s -> %s", from, to)
	})
	loop := control.NewLoop(r.ctrl, r.ref, r.source, r.actuator, r.period())
	loop.OnReport(r.onReport)
	loop.OnOverrun(func(tick int, policy control.OverrunPolicy) {
		r.log.Warn("Tick %d arrived mid-solve (overrun_policy=%s)", tick, policy)
	})

	err := loop.Run(ctx, r.scen.Cycles())

	outcome := OutcomeCompleted
	switch {
	case err == nil:
	case control.IsTerminal(err):
		outcome = OutcomeStopped
		r.log.Critical("MPC stopped: %v", err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeCancelled
		r.log.Warn("Context canceled; stopping")
	default:
		outcome = OutcomeFailed
		r.log.Error("Run failed: %v", err)
	}
	r.ctrl.Shutdown()
	r.disable()
	r.finish(outcome)
	return err
}

// disable releases the actuators on the bus. Sim runs end without one so
// the plant's final state is the last controlled one.
func (r *Runner) disable() {
	if r.txAct == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disableTimeout)
	defer cancel()
	cmd := control.Command{Cycle: r.lastCycle + 1, Enabled: false, Status: control.StatusNotSolved}
	if err := r.txAct.Apply(ctx, cmd); err != nil {
		r.log.Error("Disable frame failed: %v", err)
		return
	}
	r.log.Info("Sent disabled %s frame", r.txAct.frame.Name)
}

func (r *Runner) onReport(rep control.CycleReport) {
	r.lastCycle = rep.Cycle
	r.lastVelocity = rep.Measured.Velocity
	r.trace.Add(rep)

	solveMS := float64(rep.SolveTime.Microseconds()) / 1000
	r.solveMS = append(r.solveMS, solveMS)
	if rep.Measured.IsValid() {
		// rep.Reference is the first horizon target, one step ahead of the
		// measurement
		e := rep.Measured.Velocity - r.ref.At(rep.TimeS)
		r.trackSq = append(r.trackSq, e*e)
	}
	if rep.Fallback {
		r.fallbacks++
	}
	if rep.Suboptimal {
		r.suboptimal++
	}

	switch {
	case rep.State == control.StateStopped:
		r.log.Error("Cycle %d: %s after %d consecutive failures; actuators disabled",
			rep.Cycle, rep.Status, rep.ConsecutiveFailures)
	case rep.Persistent:
		r.log.Error("Cycle %d: %s, %d consecutive failures, holding u=%.3f: %v",
			rep.Cycle, rep.Status, rep.ConsecutiveFailures, rep.Control, rep.Err)
	case rep.Fallback:
		r.log.Warn("Cycle %d: %s, holding u=%.3f: %v", rep.Cycle, rep.Status, rep.Control, rep.Err)
	case rep.Suboptimal:
		r.log.Debug("Cycle %d: applying %s iterate u=%.3f", rep.Cycle, rep.Status, rep.Control)
	}

	if r.logEvery > 0 && rep.Cycle%r.logEvery == 0 {
		r.log.Info("t=%6.2fs v=%6.2f ref=%6.2f u=%+.3f (%s torque=%.0fNm brake=%.0f%%) status=%s iters=%d solve=%.2fms",
			rep.TimeS, rep.Measured.Velocity, rep.Reference, rep.Control,
			control.GetControlModeStr(rep.Output), rep.Output.TorqueNm, rep.Output.BrakePct,
			rep.Status, rep.Iterations, solveMS)
	}
	if r.log.Enabled(utils.TRACE) && len(rep.Predicted) > 0 {
		r.log.Trace("Cycle %d prediction: v[1]=%.3f v[N]=%.3f warm=%v obj=%.4g",
			rep.Cycle, rep.Predicted[0], rep.Predicted[len(rep.Predicted)-1], rep.WarmStarted, rep.Objective)
	}

	r.record(rep)
}

func (r *Runner) record(rep control.CycleReport) {
	if r.rec == nil || r.runID == "" {
		return
	}
	err := r.rec.RecordCycle(utils.CycleRecord{
		Cycle:        rep.Cycle,
		TimeS:        rep.TimeS,
		VelocityMPS:  rep.Measured.Velocity,
		PositionM:    rep.Measured.Position,
		ReferenceMPS: rep.Reference,
		Control:      rep.Control,
		TorqueNm:     rep.Output.TorqueNm,
		BrakePct:     rep.Output.BrakePct,
		Status:       rep.Status.String(),
		Objective:    rep.Objective,
		Iterations:   rep.Iterations,
		SolveTime:    rep.SolveTime,
		WarmStarted:  rep.WarmStarted,
		Fallback:     rep.Fallback,
		Suboptimal:   rep.Suboptimal,
		Failures:     rep.ConsecutiveFailures,
		State:        rep.State.String(),
	})
	if err != nil {
		r.recFails++
		if r.recFails == 1 {
			r.log.Error("Recording cycle %d failed: %v", rep.Cycle, err)
		}
	}
}

// finish closes the recorded run, writes the plots and logs the summary.
func (r *Runner) finish(outcome string) {
	if r.rec != nil && r.runID != "" {
		if err := r.rec.EndRun(outcome); err != nil {
			r.log.Error("End recorded run: %v", err)
		}
		if r.recFails > 0 {
			r.log.Warn("%d cycles were not recorded", r.recFails)
		}
	}

	if r.trace.Len() > 0 {
		if r.cfg.PlotPath != "" {
			if err := r.trace.SavePNG(r.cfg.PlotPath); err != nil {
				r.log.Error("Plot: %v", err)
			} else {
				r.log.Info("Wrote %s", r.cfg.PlotPath)
			}
		}
		if r.cfg.ChartPath != "" {
			if err := r.trace.SaveHTML(r.cfg.ChartPath); err != nil {
				r.log.Error("Chart: %v", err)
			} else {
				r.log.Info("Wrote %s", r.cfg.ChartPath)
			}
		}
	}

	s := r.Stats()
	summary := r.log.Info
	if outcome != OutcomeCompleted {
		summary = r.log.Warn
	}
	summary("Completed run: outcome=%s cycles=%d fallbacks=%d suboptimal=%d solve_mean=%.2fms solve_max=%.2fms rms_err=%.3f v_final=%.2f state=%s",
		outcome, s.Cycles, s.Fallbacks, s.Suboptimal, s.MeanSolveMS, s.MaxSolveMS, s.RMSTracking, s.FinalVelocity, s.FinalState)
	if r.txAct != nil {
		r.log.Info("CAN frames: sent=%d received=%d", r.txAct.Sent(), r.stateRx.Received())
	}
}

// Stats summarises the cycles observed so far.
func (r *Runner) Stats() RunStats {
	s := RunStats{
		Cycles:        len(r.solveMS),
		Fallbacks:     r.fallbacks,
		Suboptimal:    r.suboptimal,
		FinalVelocity: r.lastVelocity,
		FinalState:    r.ctrl.State(),
	}
	if len(r.solveMS) > 0 {
		s.MeanSolveMS = stat.Mean(r.solveMS, nil)
		s.MaxSolveMS = floats.Max(r.solveMS)
	}
	if len(r.trackSq) > 0 {
		s.RMSTracking = math.Sqrt(stat.Mean(r.trackSq, nil))
	}
	return s
}

// Trace returns the recorded cycle trace.
func (r *Runner) Trace() *Trace { return r.trace }

// RunID is the recorder's id for the current run, empty when not recording.
func (r *Runner) RunID() string { return r.runID }
