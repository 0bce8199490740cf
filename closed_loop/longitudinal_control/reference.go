package control

import (
	"math"
	"sync"
)

// ReferenceSegment holds a constant setpoint over [T0, T1). A negative T1
// leaves the segment open-ended.
type ReferenceSegment struct {
	T0          float64 `json:"t0"`
	T1          float64 `json:"t1"`
	VelocityMPS float64 `json:"velocity_mps"`
	Comment     string  `json:"comment,omitempty"`
}

// ReferenceTrajectory is the desired speed profile. Segments may be
// replaced between cycles by an external writer.
type ReferenceTrajectory struct {
	mu       sync.RWMutex
	dt       float64
	fallback float64
	segments []ReferenceSegment
}

// NewReferenceTrajectory builds a profile sampled at dt. defaultMPS applies
// wherever no segment is active.
func NewReferenceTrajectory(dt, defaultMPS float64, segments []ReferenceSegment) (*ReferenceTrajectory, error) {
	if !isFinite(dt) || dt <= 0 {
		return nil, configErrorf("reference.dt", "must be > 0, got %g", dt)
	}
	r := &ReferenceTrajectory{dt: dt, fallback: defaultMPS}
	if err := r.Update(segments); err != nil {
		return nil, err
	}
	return r, nil
}

// ConstantReference returns a profile holding v forever.
func ConstantReference(dt, v float64) *ReferenceTrajectory {
	return &ReferenceTrajectory{dt: dt, fallback: v}
}

// Update replaces the segments.
func (r *ReferenceTrajectory) Update(segments []ReferenceSegment) error {
	for i, s := range segments {
		if !isFinite(s.VelocityMPS) || !isFinite(s.T0) || !isFinite(s.T1) {
			return configErrorf("reference.segments", "segment %d has non-finite values", i)
		}
		if s.T1 >= 0 && s.T1 < s.T0 {
			return configErrorf("reference.segments", "segment %d ends (%g) before it starts (%g)", i, s.T1, s.T0)
		}
	}
	cp := make([]ReferenceSegment, len(segments))
	copy(cp, segments)

	r.mu.Lock()
	r.segments = cp
	r.mu.Unlock()
	return nil
}

// At returns the setpoint at time t. The first matching segment wins.
func (r *ReferenceTrajectory) At(t float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.segments {
		if t >= s.T0 && (s.T1 < 0 || t < s.T1) {
			return s.VelocityMPS
		}
	}
	return r.fallback
}

// Window returns the n targets for state[1..n] of the given cycle, sampled
// at t = (cycle+j+1)·dt.
func (r *ReferenceTrajectory) Window(cycle, n int) []float64 {
	out := make([]float64, n)
	for j := range out {
		out[j] = r.At(float64(cycle+j+1) * r.dt)
	}
	return out
}

// ShapeWindow bends a window into a first-order approach from the current
// velocity v0 with time constant tau. tau <= 0 returns the window unchanged.
func ShapeWindow(window []float64, v0, dt, tau float64) []float64 {
	out := make([]float64, len(window))
	copy(out, window)
	if tau <= 0 {
		return out
	}
	for j, target := range window {
		decay := math.Exp(-float64(j+1) * dt / tau)
		out[j] = target + (v0-target)*decay
	}
	return out
}
