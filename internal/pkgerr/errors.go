// Package pkgerr defines the pipeline's error vocabulary: a closed set of
// codes (no stack traces) that callers switch on to decide propagation,
// per spec §7.
package pkgerr

import "errors"

// Code is one of the closed error kinds from spec §7.
type Code string

const (
	CodeRedisUnavailable       Code = "redis_unavailable"
	CodeLockContention         Code = "lock_contention"
	CodeDrainAtomicityViolated Code = "drain_atomicity_violation"
	CodeSeparationFailed       Code = "separation_failed"
	CodeValidationRejected     Code = "validation_rejected"
	CodeStageTransient         Code = "stage_transient"
	CodeStagePermanent         Code = "stage_permanent"
	CodeLoadTransient          Code = "load_transient"
	CodeLoadSchema             Code = "load_schema"
	CodeLoadQuota              Code = "load_quota"
	CodeSpoolIO                Code = "spool_io"
	CodeSpoolCorruption        Code = "spool_corruption"
	CodeSpoolBudgetExhausted   Code = "spool_budget_exhausted"
	CodeConfigInvalid          Code = "config_invalid"
	CodeCancelled              Code = "cancelled"
)

// Error is a typed, code-bearing error. Err carries the underlying cause
// for logging and Unwrap(), Code is what callers should switch on.
type Error struct {
	Code Code
	Err  error
}

func New(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is(err, pkgerr.New(CodeStageTransient, nil)) match any
// *Error with the same code, regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func CodeOf(err error) (Code, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

// Transient reports whether the error represents a condition the caller
// may retry without giving up permanently.
func Transient(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case CodeRedisUnavailable, CodeLockContention, CodeStageTransient,
		CodeLoadTransient, CodeLoadQuota, CodeSpoolIO:
		return true
	default:
		return false
	}
}

// Generic sentinels for conditions that don't need a Code, mirroring the
// teacher's small sentinel-error block.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)
