package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	control "cruise-mpc/closed_loop/longitudinal_control"
)

// Scenario defines a complete closed-loop run
type Scenario struct {
	Meta      ScenarioMeta      `json:"meta"`
	Timing    ScenarioTiming    `json:"timing"`
	Reference ScenarioReference `json:"reference"`
	MPC       control.MPCConfig `json:"mpc_config"`
	Plant     PlantConfig       `json:"plant"`
}

// ScenarioMeta contains scenario metadata
type ScenarioMeta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// ScenarioTiming defines timing parameters
type ScenarioTiming struct {
	DtS          float64 `json:"dt_s"`
	DurationS    float64 `json:"duration_s"`
	LogHz        float64 `json:"log_hz"`
	RealTimeMode bool    `json:"real_time_mode"`
}

// ScenarioReference is the setpoint profile. DefaultMPS applies outside
// every segment.
type ScenarioReference struct {
	DefaultMPS float64                    `json:"default_mps"`
	Segments   []control.ReferenceSegment `json:"segments"`
}

// PlantConfig describes the simulated vehicle. Vehicle fields that are
// present override the controller's model, so a partial block models a
// parameter mismatch.
type PlantConfig struct {
	VehicleJSON json.RawMessage      `json:"vehicle,omitempty"`
	Initial     control.VehicleState `json:"initial"`

	Vehicle control.VehicleParams `json:"-"`
}

// LoadScenario loads a scenario from JSON file
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read file: %w", err)
	}
	return ParseScenario(bytes.NewReader(data))
}

// ParseScenario decodes a scenario over the default MPC configuration and
// validates it.
func ParseScenario(src io.Reader) (Scenario, error) {
	scen := Scenario{MPC: control.DefaultMPCConfig()}
	dec := json.NewDecoder(src)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&scen); err != nil {
		return Scenario{}, fmt.Errorf("unmarshal: %w", err)
	}

	scen.Plant.Vehicle = scen.MPC.Vehicle
	if len(scen.Plant.VehicleJSON) > 0 {
		if err := json.Unmarshal(scen.Plant.VehicleJSON, &scen.Plant.Vehicle); err != nil {
			return Scenario{}, fmt.Errorf("plant.vehicle: %w", err)
		}
	}

	if err := scen.validate(); err != nil {
		return Scenario{}, err
	}
	return scen, nil
}

func (s *Scenario) validate() error {
	if s.Timing.DurationS <= 0 || math.IsNaN(s.Timing.DurationS) {
		return fmt.Errorf("invalid duration_s: %f", s.Timing.DurationS)
	}
	if s.Timing.LogHz < 0 {
		return fmt.Errorf("invalid log_hz: %f", s.Timing.LogHz)
	}
	if err := s.MPC.Validate(); err != nil {
		return fmt.Errorf("mpc_config: %w", err)
	}
	switch {
	case s.Timing.DtS == 0:
		s.Timing.DtS = s.MPC.TimeStep
	case math.Abs(s.Timing.DtS-s.MPC.TimeStep) > 1e-9:
		return fmt.Errorf("timing.dt_s %g differs from mpc_config.time_step %g", s.Timing.DtS, s.MPC.TimeStep)
	}
	if _, err := control.NewVehicleModel(s.Plant.Vehicle); err != nil {
		return fmt.Errorf("plant: %w", err)
	}
	if !s.Plant.Initial.IsValid() {
		return fmt.Errorf("plant.initial is not finite: %+v", s.Plant.Initial)
	}
	if _, err := s.ReferenceTrajectory(); err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	return nil
}

// ReferenceTrajectory builds the setpoint profile sampled at the scenario dt.
func (s *Scenario) ReferenceTrajectory() (*control.ReferenceTrajectory, error) {
	return control.NewReferenceTrajectory(s.Timing.DtS, s.Reference.DefaultMPS, s.Reference.Segments)
}

// Cycles is the number of controller cycles the scenario runs for.
func (s *Scenario) Cycles() int {
	return int(math.Round(s.Timing.DurationS / s.Timing.DtS))
}

// LogEvery returns how many cycles separate two INFO progress lines.
func (s *Scenario) LogEvery() int {
	if s.Timing.LogHz <= 0 {
		return 0
	}
	n := int(math.Round(1.0 / (s.Timing.LogHz * s.Timing.DtS)))
	return max(n, 1)
}
