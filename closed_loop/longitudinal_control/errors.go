package control

import (
	"errors"
	"fmt"
)

var (
	// ErrControllerStopped is returned by Step once the controller reached STOPPED.
	ErrControllerStopped = errors.New("control: controller stopped")

	// ErrFailureThreshold indicates that consecutive failures exceeded the configured limit.
	ErrFailureThreshold = errors.New("control: consecutive failure threshold exceeded")

	// ErrInvalidState indicates a measured state with NaN or Inf components.
	ErrInvalidState = errors.New("control: invalid vehicle state (NaN or Inf detected)")
)

// ConfigError reports invalid configuration: weights, bounds, horizon or
// reference lengths. It is never recovered silently.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("control: invalid config %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// SolverFailure is returned by an Optimizer when it could not produce an
// optimal solution. Partial holds the best trajectory found, if any.
type SolverFailure struct {
	Reason  Status
	Partial *Solution
	Err     error
}

func (f *SolverFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("control: solver failure (%s): %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("control: solver failure (%s)", f.Reason)
}

func (f *SolverFailure) Unwrap() error {
	return f.Err
}

// AsSolverFailure extracts a *SolverFailure from err.
func AsSolverFailure(err error) (*SolverFailure, bool) {
	var sf *SolverFailure
	if errors.As(err, &sf) {
		return sf, true
	}
	return nil, false
}
