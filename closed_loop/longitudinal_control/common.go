package control

import (
	"math"
)

// VehicleState is the longitudinal state consumed by the controller.
type VehicleState struct {
	Velocity float64 `json:"velocity_mps"`
	Position float64 `json:"position_m"`
}

// IsValid reports whether both components are finite.
func (s VehicleState) IsValid() bool {
	return isFinite(s.Velocity) && isFinite(s.Position)
}

// ControlOutput contains both throttle and brake commands derived from a
// normalized control in [-1, 1].
type ControlOutput struct {
	Control  float64
	TorqueNm float64
	BrakePct float64
	IsAccel  bool
	IsBrake  bool
}

// ToControlOutput splits a normalized command into drive torque and brake.
// Positive commands map onto [0, maxTorqueNm], negative onto [0, 100] % brake.
func ToControlOutput(u, maxTorqueNm float64) ControlOutput {
	u = ClampFloat(u, -1, 1)
	out := ControlOutput{Control: u}
	switch {
	case u > 0:
		out.TorqueNm = u * maxTorqueNm
		out.IsAccel = true
	case u < 0:
		out.BrakePct = -u * 100.0
		out.IsBrake = true
	}
	return out
}

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// BoolToFloat converts bool to float64 (for CAN encoding)
func BoolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// BoolToInt converts bool to int (for CSV logging)
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetControlModeStr returns a string describing the control mode
func GetControlModeStr(output ControlOutput) string {
	if output.IsAccel {
		return "[ACCEL]"
	} else if output.IsBrake {
		return "[BRAKE]"
	}
	return "[COAST]"
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
