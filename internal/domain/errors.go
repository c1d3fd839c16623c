package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrValidation         = errors.New("validation error")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrNotExecutable      = errors.New("not executable")
	ErrDispatchFailure    = errors.New("dispatch failure")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrConfig             = errors.New("configuration error")
	ErrForbidden          = errors.New("forbidden")
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IllegalTransitionError leaves the action untouched.
type IllegalTransitionError struct {
	ActionID string
	From     State
	To       State
	Reason   string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition %s -> %s for action %s", e.From, e.To, e.ActionID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// NotExecutableError is returned when an approved action declared can_execute=false.
type NotExecutableError struct {
	ActionID string
}

func (e *NotExecutableError) Error() string {
	return fmt.Sprintf("action %s is informational only and cannot be dispatched", e.ActionID)
}

func (e *NotExecutableError) Is(target error) bool { return target == ErrNotExecutable }

// DispatchFailureError wraps a collaborator failure after retries were exhausted.
type DispatchFailureError struct {
	ActionID   string
	Kind       string
	Attempts   int
	Effect     Effect
	RolledBack bool
	Err        error
}

func (e *DispatchFailureError) Error() string {
	return fmt.Sprintf("dispatch %s (%s) failed after %d attempt(s), effect=%s rolled_back=%t: %v",
		e.ActionID, e.Kind, e.Attempts, e.Effect, e.RolledBack, e.Err)
}

func (e *DispatchFailureError) Unwrap() error { return e.Err }

func (e *DispatchFailureError) Is(target error) bool { return target == ErrDispatchFailure }

// IntegrityProblem is one ledger/state mismatch found by verification.
type IntegrityProblem struct {
	Seq      int64  `json:"seq,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Problem  string `json:"problem"`
}

// IntegrityViolationError is fatal to the consistency checker and never auto-repaired.
type IntegrityViolationError struct {
	Problems []IntegrityProblem
}

func (e *IntegrityViolationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for i, p := range e.Problems {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Problems)-3))
			break
		}
		parts = append(parts, p.Problem)
	}
	return "ledger integrity violation: " + strings.Join(parts, "; ")
}

func (e *IntegrityViolationError) Is(target error) bool { return target == ErrIntegrityViolation }

// ConfigError marks a fatal configuration problem such as an unregistered kind.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ForbiddenError indicates the actor's role cannot perform the operation.
type ForbiddenError struct {
	Operation string
	Have      Role
	Need      []Role
}

func (e *ForbiddenError) Error() string {
	need := make([]string, len(e.Need))
	for i, r := range e.Need {
		need[i] = string(r)
	}
	return fmt.Sprintf("%s requires role %s (have %q)", e.Operation, strings.Join(need, "|"), e.Have)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }
