package models

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid grid, resolution, bound or region.
// It is always surfaced before any solver run starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError with a formatted reason
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StabilityError reports a time step above the Courant limit. Fatal, never retried.
type StabilityError struct {
	Dt    float64
	Limit float64
}

func (e *StabilityError) Error() string {
	return fmt.Sprintf("stability error: time step %.6g exceeds Courant limit %.6g", e.Dt, e.Limit)
}

// DimensionMismatch reports a vector whose length does not match the design grid
type DimensionMismatch struct {
	What string
	Got  int
	Want int
}

func (e *DimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: %s has length %d, want %d", e.What, e.Got, e.Want)
}

// DomainError reports a source or monitor volume outside the grid extents
type DomainError struct {
	Object string
	Reason string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("domain error: %s: %s", e.Object, e.Reason)
}

// ConvergenceWarning is attached to a run result when the decay threshold
// was not reached within the step budget. It is not returned as an error.
type ConvergenceWarning struct {
	Steps     int
	MaxSteps  int
	Decay     float64
	Threshold float64
}

func (w *ConvergenceWarning) Error() string {
	return fmt.Sprintf("convergence warning: fields decayed to %.3g of peak after %d steps (threshold %.3g, budget %d)",
		w.Decay, w.Steps, w.Threshold, w.MaxSteps)
}

// IsConfigurationError reports whether err wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsStabilityError reports whether err wraps a StabilityError
func IsStabilityError(err error) bool {
	var se *StabilityError
	return errors.As(err, &se)
}

// IsDimensionMismatch reports whether err wraps a DimensionMismatch
func IsDimensionMismatch(err error) bool {
	var dm *DimensionMismatch
	return errors.As(err, &dm)
}

// IsDomainError reports whether err wraps a DomainError
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}
