package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	control "cruise-mpc/closed_loop/longitudinal_control"
	"cruise-mpc/utils"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitStopped = 2
)

func main() {
	var (
		mode       = flag.String("mode", ModeSim, "sim|can")
		iface      = flag.String("iface", "vcan0", "SocketCAN interface name")
		mapPath    = flag.String("map", "config/can/can_map.csv", "Path to can_map.csv")
		scenPath   = flag.String("scenario", "closed_loop/scenarios/step_20mps.json", "Scenario JSON file")
		frameName  = flag.String("frame", "MPC_CMD_1", "Command frame to transmit (can mode)")
		stateFrame = flag.String("state-frame", "VEHICLE_STATE_1", "State frame to receive (can mode)")
		logLevel   = flag.String("log", "info", "trace|debug|info|warn|error|critical")
		logPath    = flag.String("logfile", "closed_loop.log", "Log file path")
		record     = flag.String("record", "", "Record every cycle to this sqlite file")
		plotPath   = flag.String("plot", "", "Write a PNG plot of the run")
		chartPath  = flag.String("chart", "", "Write an HTML chart of the run")
	)
	flag.Parse()

	level, err := utils.ParseLevel(*logLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("WARN: " + err.Error() + ", using info\n")
	}

	log, err := utils.NewFileLogger(*logPath, level, true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + *logPath + ": " + err.Error() + "\n")
		os.Exit(exitFailure)
	}

	cfg := RunnerConfig{
		Mode:         *mode,
		Interface:    *iface,
		MapPath:      *mapPath,
		ScenarioPath: *scenPath,
		FrameName:    *frameName,
		StateFrame:   *stateFrame,
		RecordPath:   *record,
		PlotPath:     *plotPath,
		ChartPath:    *chartPath,
	}

	os.Exit(run(cfg, log))
}

func run(cfg RunnerConfig, log *utils.Logger) int {
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		return exitFailure
	}
	defer runner.Close()

	err = runner.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case control.IsTerminal(err):
		return exitStopped
	default:
		return exitFailure
	}
}
