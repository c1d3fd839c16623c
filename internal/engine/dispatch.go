package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"actionqueue/internal/domain"
	"actionqueue/internal/engine/auth"
	"actionqueue/internal/ledger"
)

// Dispatch-side events. They never change state, only dispatch_status.
const (
	EventDispatchClaimed    = "dispatch.claimed"
	EventDispatchFailed     = "dispatch.failed"
	EventRetryAuthorized    = "dispatch.retry_authorized"
	EventReconcileRequired  = "dispatch.reconcile_required"
	EventDispatchReconciled = "dispatch.reconciled"
)

func requireDispatch(a domain.Action, statuses ...domain.DispatchStatus) error {
	if a.State != domain.StateApproved {
		return &domain.IllegalTransitionError{ActionID: a.ID, From: a.State, To: domain.StateApplied, Reason: "only approved actions are dispatched"}
	}
	if !a.CanExecute {
		return &domain.NotExecutableError{ActionID: a.ID}
	}
	if len(statuses) > 0 && !slices.Contains(statuses, a.DispatchStatus) {
		return &domain.IllegalTransitionError{ActionID: a.ID, From: a.State, To: a.State,
			Reason: fmt.Sprintf("dispatch status is %s", a.DispatchStatus)}
	}
	return nil
}

// CheckDispatchable reports why id cannot be claimed right now, if it cannot.
func (e Engine) CheckDispatchable(ctx context.Context, id string) (domain.Action, error) {
	a, err := e.Repo.GetAction(ctx, nil, id)
	if err != nil {
		return a, err
	}
	return a, requireDispatch(a, domain.DispatchNotAttempted, domain.DispatchRetryAuthorized)
}

// ClaimDispatch marks id in flight with a compare-and-set and records the
// claim before any collaborator is called. Of two racing claimers exactly one
// succeeds; the other gets an IllegalTransitionError.
func (e Engine) ClaimDispatch(ctx context.Context, id string, actor domain.Actor) (domain.Action, error) {
	if err := auth.Check(auth.OpDispatch, actor); err != nil {
		return domain.Action{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	before, err := e.Repo.GetAction(ctx, tx, id)
	if err != nil {
		return domain.Action{}, err
	}
	if err := requireDispatch(before, domain.DispatchNotAttempted, domain.DispatchRetryAuthorized); err != nil {
		return before, err
	}
	ok, err := e.Repo.ClaimDispatch(ctx, tx, id, domain.FormatTime(e.now()))
	if err != nil {
		return before, fmt.Errorf("claim dispatch: %w", err)
	}
	if !ok {
		return before, &domain.IllegalTransitionError{ActionID: id, From: before.State, To: before.State, Reason: "dispatch already claimed"}
	}
	after, err := e.Repo.GetAction(ctx, tx, id)
	if err != nil {
		return before, err
	}
	if _, err := e.writer().Append(ctx, tx, ledger.Entry{
		Type:     EventDispatchClaimed,
		ActionID: id,
		Actor:    actor,
		Before:   &before,
		After:    &after,
		Payload:  ledger.Payload{"attempt": after.DispatchAttempts, "kind": after.Kind},
	}); err != nil {
		return before, err
	}
	if err := tx.Commit(); err != nil {
		return before, err
	}
	e.Metrics.Transition(ctx, EventDispatchClaimed)
	return after, nil
}

// CompleteDispatch records a collaborator success: approved -> applied with
// the rollback payload, then applied -> audited. The two moves commit
// separately; the reconciler finishes an action left applied.
func (e Engine) CompleteDispatch(ctx context.Context, id string, actor domain.Actor, result, rollbackData map[string]any) (domain.Action, error) {
	a, _, err := e.Apply(ctx, Change{
		Op:           auth.OpApply,
		ActionID:     id,
		Actor:        actor,
		To:           domain.StateApplied,
		Event:        domain.TransitionApply,
		RollbackData: rollbackData,
		Payload:      ledger.Payload{"result": result},
		Require: func(a domain.Action) error {
			if !a.CanExecute {
				return &domain.NotExecutableError{ActionID: a.ID}
			}
			if a.DispatchStatus != domain.DispatchInFlight {
				return &domain.IllegalTransitionError{ActionID: a.ID, From: a.State, To: domain.StateApplied,
					Reason: fmt.Sprintf("dispatch status is %s", a.DispatchStatus)}
			}
			return nil
		},
		Mutate: func(ctx context.Context, tx *sql.Tx, a *domain.Action) error {
			a.DispatchStatus = domain.DispatchSucceeded
			a.ExecutionResult = result
			a.RollbackData = rollbackData
			a.LastDispatchError = ""
			return e.Repo.RecordExecution(ctx, tx, a.Producer, a.Kind, true, domain.FormatTime(e.now()))
		},
	})
	if err != nil {
		return a, err
	}
	audited, err := e.Audit(ctx, id, actor)
	if errors.Is(err, domain.ErrIllegalTransition) {
		// the reconciler may have audited it first
		if cur, gerr := e.Repo.GetAction(ctx, nil, id); gerr == nil && cur.State == domain.StateAudited {
			return cur, nil
		}
	}
	return audited, err
}

// Audit closes an applied action once its execution is durably recorded.
func (e Engine) Audit(ctx context.Context, id string, actor domain.Actor) (domain.Action, error) {
	a, _, err := e.Apply(ctx, Change{
		Op:       auth.OpAudit,
		ActionID: id,
		Actor:    actor,
		To:       domain.StateAudited,
		Event:    domain.TransitionAudit,
	})
	return a, err
}

// Failure describes a collaborator failure after retries were exhausted.
type Failure struct {
	Err           error
	Attempts      int
	Effect        domain.Effect
	RolledBack    bool
	RollbackError error
}

func (f Failure) status() domain.DispatchStatus {
	switch {
	case f.Effect == domain.EffectNone || f.Effect == "":
		return domain.DispatchFailed
	case f.RolledBack:
		return domain.DispatchFailedRolledBack
	default:
		return domain.DispatchFailedRollbackRequired
	}
}

// FailDispatch leaves the action approved and appends exactly one
// dispatch.failed event. It returns the resulting *domain.DispatchFailureError.
func (e Engine) FailDispatch(ctx context.Context, id string, actor domain.Actor, f Failure) (domain.Action, error) {
	effect := f.Effect
	if effect == "" {
		effect = domain.EffectNone
	}
	payload := ledger.Payload{
		"error":       errString(f.Err),
		"attempts":    f.Attempts,
		"effect":      string(effect),
		"rolled_back": f.RolledBack,
	}
	if f.RollbackError != nil {
		payload["rollback_error"] = f.RollbackError.Error()
	}
	a, _, err := e.Apply(ctx, Change{
		Op:       auth.OpDispatch,
		ActionID: id,
		Actor:    actor,
		Event:    EventDispatchFailed,
		Payload:  payload,
		Require: func(a domain.Action) error {
			return requireDispatch(a, domain.DispatchInFlight)
		},
		Mutate: func(ctx context.Context, tx *sql.Tx, a *domain.Action) error {
			a.DispatchStatus = f.status()
			a.LastDispatchError = errString(f.Err)
			a.DispatchClaimedAt = ""
			return e.Repo.RecordExecution(ctx, tx, a.Producer, a.Kind, false, domain.FormatTime(e.now()))
		},
	})
	if err != nil {
		return a, err
	}
	e.logger().WarnContext(ctx, "dispatch failed", "action_id", id, "kind", a.Kind, "status", a.DispatchStatus,
		"attempts", f.Attempts, "error", f.Err)
	return a, &domain.DispatchFailureError{ActionID: id, Kind: a.Kind, Attempts: f.Attempts, Effect: effect,
		RolledBack: f.RolledBack, Err: f.Err}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RetryDispatch lets an operator authorize one more dispatch of a failed
// action. An action whose rollback is still required is not retryable.
func (e Engine) RetryDispatch(ctx context.Context, opts TransitionOptions) (domain.Action, error) {
	a, _, err := e.Apply(ctx, Change{
		Op:         auth.OpRetry,
		ActionID:   opts.ID,
		Actor:      opts.Actor,
		Event:      EventRetryAuthorized,
		RequestKey: opts.RequestKey,
		Payload:    notePayload(opts.Note),
		Require: func(a domain.Action) error {
			return requireDispatch(a, domain.DispatchFailed, domain.DispatchFailedRolledBack)
		},
		Mutate: func(_ context.Context, _ *sql.Tx, a *domain.Action) error {
			a.DispatchStatus = domain.DispatchRetryAuthorized
			return nil
		},
	})
	return a, err
}

// MarkReconcile flags an in-flight claim whose outcome was never recorded.
// Such an action is never dispatched again without an operator decision.
// An empty reason records an expired claim.
func (e Engine) MarkReconcile(ctx context.Context, id string, actor domain.Actor, reason string) (domain.Action, error) {
	if reason == "" {
		reason = "claim expired before an outcome was recorded"
	}
	a, _, err := e.Apply(ctx, Change{
		Op:       auth.OpDispatch,
		ActionID: id,
		Actor:    actor,
		Event:    EventReconcileRequired,
		Payload:  ledger.Payload{"reason": reason},
		Require: func(a domain.Action) error {
			return requireDispatch(a, domain.DispatchInFlight)
		},
		Mutate: func(_ context.Context, _ *sql.Tx, a *domain.Action) error {
			a.DispatchStatus = domain.DispatchReconcileRequired
			a.LastDispatchError = reason
			return nil
		},
	})
	return a, err
}

type ReconcileOptions struct {
	ID         string
	Actor      domain.Actor
	Succeeded  bool
	Result     map[string]any
	Note       string
	RequestKey string
}

// ResolveReconciliation records an operator's finding about an ambiguous
// claim. A confirmed success is completed by system as applied then audited;
// a failure becomes retryable.
func (e Engine) ResolveReconciliation(ctx context.Context, opts ReconcileOptions, system domain.Actor) (domain.Action, error) {
	payload := ledger.Payload{"succeeded": opts.Succeeded}
	if opts.Note != "" {
		payload["note"] = opts.Note
	}
	a, _, err := e.Apply(ctx, Change{
		Op:         auth.OpReconcile,
		ActionID:   opts.ID,
		Actor:      opts.Actor,
		Event:      EventDispatchReconciled,
		RequestKey: opts.RequestKey,
		Payload:    payload,
		Require: func(a domain.Action) error {
			return requireDispatch(a, domain.DispatchReconcileRequired)
		},
		Mutate: func(_ context.Context, _ *sql.Tx, a *domain.Action) error {
			if opts.Succeeded {
				a.DispatchStatus = domain.DispatchInFlight
				return nil
			}
			a.DispatchStatus = domain.DispatchFailed
			a.LastDispatchError = "operator reconciled claim as failed"
			a.DispatchClaimedAt = ""
			return nil
		},
	})
	if err != nil || !opts.Succeeded {
		return a, err
	}
	cur, err := e.Repo.GetAction(ctx, nil, opts.ID)
	if err != nil {
		return a, err
	}
	if cur.State != domain.StateApproved {
		// a replayed request whose completion already ran
		return cur, nil
	}
	return e.CompleteDispatch(ctx, opts.ID, system, opts.Result, nil)
}
