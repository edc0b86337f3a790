// Package ierr defines the typed error taxonomy surfaced across the
// orchestration core, grounded on the teacher's providers.StatusError
// pattern: errors carry enough structure for callers to errors.As against
// them instead of parsing strings.
package ierr

import (
	"errors"
	"fmt"
)

// Sentinel errors with no associated payload.
var (
	ErrAllServersDown          = errors.New("all servers down")
	ErrContextKindMismatch     = errors.New("context kind mismatch")
	ErrBadParam                = errors.New("bad parameter")
	ErrBusy                    = errors.New("server busy")
	ErrDeterministicUnavailable = errors.New("deterministic validator unavailable")
	ErrCancelled               = errors.New("cancelled")
	ErrEngineUnavailable       = errors.New("engine unavailable")
	ErrPromptTooLong           = errors.New("prompt too long")
)

// Phase names used by ErrTimeout.
const (
	PhasePrefill = "prefill"
	PhaseDecode  = "decode"
	PhaseHealth  = "health"
	PhasePipeline = "pipeline"
)

// PrefillFailedError reports a non-2xx response from a prefill server.
type PrefillFailedError struct {
	Status int
	Body   string
}

func (e *PrefillFailedError) Error() string {
	return fmt.Sprintf("prefill failed: status=%d body=%s", e.Status, e.Body)
}

// DecodeFailedError reports a non-2xx response from a decode server.
type DecodeFailedError struct {
	Status int
	Body   string
}

func (e *DecodeFailedError) Error() string {
	return fmt.Sprintf("decode failed: status=%d body=%s", e.Status, e.Body)
}

// TimeoutError reports a budget exceeded for a named phase.
type TimeoutError struct {
	Phase string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: phase=%s", e.Phase)
}

// As helpers so callers can write `var pf *ierr.PrefillFailedError; errors.As(err, &pf)`.

// NewPrefillFailed constructs a PrefillFailedError.
func NewPrefillFailed(status int, body string) error {
	return &PrefillFailedError{Status: status, Body: body}
}

// NewDecodeFailed constructs a DecodeFailedError.
func NewDecodeFailed(status int, body string) error {
	return &DecodeFailedError{Status: status, Body: body}
}

// NewTimeout constructs a TimeoutError for the given phase.
func NewTimeout(phase string) error {
	return &TimeoutError{Phase: phase}
}
