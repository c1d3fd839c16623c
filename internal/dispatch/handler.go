package dispatch

import (
	"context"
	"errors"

	"actionqueue/internal/domain"
)

// Result is what a collaborator reports for a successful execution.
type Result struct {
	Output map[string]any
	// RollbackData is the machine payload that reverses the effect.
	RollbackData map[string]any
}

// Handler executes actions of one kind against an external collaborator.
type Handler interface {
	Execute(ctx context.Context, a domain.Action) (Result, error)
	Rollback(ctx context.Context, a domain.Action, rollbackData map[string]any) error
}

// HandlerFuncs adapts plain functions to Handler. A nil RollbackFunc makes
// rollback fail, which surfaces as failed_rollback_required.
type HandlerFuncs struct {
	ExecuteFunc  func(ctx context.Context, a domain.Action) (Result, error)
	RollbackFunc func(ctx context.Context, a domain.Action, rollbackData map[string]any) error
}

func (h HandlerFuncs) Execute(ctx context.Context, a domain.Action) (Result, error) {
	return h.ExecuteFunc(ctx, a)
}

func (h HandlerFuncs) Rollback(ctx context.Context, a domain.Action, data map[string]any) error {
	if h.RollbackFunc == nil {
		return errors.New("handler has no rollback")
	}
	return h.RollbackFunc(ctx, a, data)
}

// Failure is the typed error a handler returns to describe what it left behind.
type Failure struct {
	Effect    domain.Effect
	Transient bool
	// RollbackData, when known, is passed to Rollback for a partial effect.
	RollbackData map[string]any
	Err          error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "collaborator failure (" + string(f.Effect) + ")"
	}
	return f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Temporary() bool { return f.Transient }

// Transient marks err as safe to retry: the collaborator made no change.
func Transient(err error) error {
	return &Failure{Effect: domain.EffectNone, Transient: true, Err: err}
}

// Partial reports a failure that left some change behind.
func Partial(err error, rollbackData map[string]any) error {
	return &Failure{Effect: domain.EffectPartial, RollbackData: rollbackData, Err: err}
}

// Ambiguous reports a failure whose effect is unknown.
func Ambiguous(err error) error {
	return &Failure{Effect: domain.EffectAmbiguous, Err: err}
}

// effectOf classifies an error returned by Execute. Errors that are not a
// *Failure, timeouts included, are taken to have left no effect.
func effectOf(err error) (domain.Effect, map[string]any) {
	var f *Failure
	if errors.As(err, &f) {
		effect := f.Effect
		if effect == "" {
			effect = domain.EffectNone
		}
		return effect, f.RollbackData
	}
	return domain.EffectNone, nil
}
