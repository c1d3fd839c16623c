// Package dispatch executes approved actions against their registered
// collaborators at most once, and reconciles claims whose outcome was lost.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"actionqueue/internal/domain"
	"actionqueue/internal/engine"
	"actionqueue/internal/repo"
	"actionqueue/internal/retry"
	"actionqueue/internal/telemetry"
)

type Dispatcher struct {
	Engine   engine.Engine
	Registry *Registry
	Retry    retry.Config
	// Timeout bounds one collaborator call unless the kind sets its own.
	Timeout      time.Duration
	ClaimTTL     time.Duration
	Workers      int
	PollInterval time.Duration
	// Auto makes Run dispatch approved actions without an explicit request.
	Auto bool
	// Actor records applied, audited and failed outcomes.
	Actor   domain.Actor
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Log     *slog.Logger
}

// New builds a dispatcher from the engine's dispatch config.
func New(e engine.Engine, reg *Registry) *Dispatcher {
	c := e.Config.Dispatch
	return &Dispatcher{
		Engine:       e,
		Registry:     reg,
		Retry:        retry.Config{MaxAttempts: c.MaxAttempts, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay},
		Timeout:      c.Timeout,
		ClaimTTL:     c.ClaimTTL,
		Workers:      c.Workers,
		PollInterval: c.PollInterval,
		Auto:         c.Auto,
		Actor:        domain.SystemActor("dispatcher"),
		Metrics:      e.Metrics,
		Log:          slog.Default().With("component", "dispatch"),
	}
}

func (d *Dispatcher) tracer() trace.Tracer {
	if d.Tracer != nil {
		return d.Tracer
	}
	return otel.Tracer("actionqueue/dispatch")
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d *Dispatcher) actor() domain.Actor {
	if d.Actor.ID == "" {
		return domain.SystemActor("dispatcher")
	}
	return d.Actor
}

// Dispatch executes one approved action on behalf of by. The claim is
// committed before the collaborator is called; a collaborator failure leaves
// the action approved and returns *domain.DispatchFailureError.
func (d *Dispatcher) Dispatch(ctx context.Context, id string, by domain.Actor) (domain.Action, error) {
	a, err := d.Engine.CheckDispatchable(ctx, id)
	if err != nil {
		return a, err
	}
	ent, err := d.Registry.lookup(a.Kind)
	if err != nil {
		return a, err
	}
	ctx, span := d.tracer().Start(ctx, "dispatch "+a.Kind, trace.WithAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.kind", a.Kind),
		attribute.String("action.producer", a.Producer),
	))
	defer span.End()

	claimed, err := d.Engine.ClaimDispatch(ctx, id, by)
	if err != nil {
		span.RecordError(err)
		return claimed, err
	}
	span.SetAttributes(attribute.Int("dispatch.attempt", claimed.DispatchAttempts))
	start := time.Now()
	res, attempts, interrupted, execErr := d.execute(ctx, ent, claimed)
	// Outcomes are recorded even if the caller has gone away.
	rctx := context.WithoutCancel(ctx)
	if interrupted {
		// The collaborator may have acted before the cancellation reached it.
		out, err := d.Engine.MarkReconcile(rctx, id, d.actor(), "dispatch interrupted during collaborator call: "+execErr.Error())
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		d.Metrics.Dispatch(ctx, a.Kind, string(domain.DispatchReconcileRequired), time.Since(start))
		if err != nil {
			return out, err
		}
		d.logger().WarnContext(ctx, "dispatch interrupted, reconciliation required", "action_id", id, "kind", a.Kind, "error", execErr)
		return out, &domain.DispatchFailureError{ActionID: id, Kind: a.Kind, Attempts: attempts,
			Effect: domain.EffectAmbiguous, Err: execErr}
	}
	if execErr == nil {
		out, err := d.Engine.CompleteDispatch(rctx, id, d.actor(), res.Output, res.RollbackData)
		d.Metrics.Dispatch(ctx, a.Kind, string(domain.DispatchSucceeded), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}

	f := engine.Failure{Err: execErr, Attempts: attempts}
	var rollbackData map[string]any
	f.Effect, rollbackData = effectOf(execErr)
	if f.Effect != domain.EffectNone {
		rbCtx, cancel := context.WithTimeout(rctx, d.timeoutFor(ent))
		f.RollbackError = ent.handler.Rollback(rbCtx, claimed, rollbackData)
		cancel()
		f.RolledBack = f.RollbackError == nil
		if f.RollbackError != nil {
			d.logger().ErrorContext(ctx, "rollback failed", "action_id", id, "kind", a.Kind, "error", f.RollbackError)
		}
	}
	out, err := d.Engine.FailDispatch(rctx, id, d.actor(), f)
	span.RecordError(execErr)
	span.SetStatus(codes.Error, execErr.Error())
	d.Metrics.Dispatch(ctx, a.Kind, string(out.DispatchStatus), time.Since(start))
	return out, err
}

func (d *Dispatcher) timeoutFor(ent *entry) time.Duration {
	if ent.timeout > 0 {
		return ent.timeout
	}
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 30 * time.Second
}

// execute calls the collaborator under a per-attempt timeout, retrying
// transient failures with backoff. interrupted reports that ctx ended while a
// call was in flight and the handler did not say what it left behind.
func (d *Dispatcher) execute(ctx context.Context, ent *entry, a domain.Action) (res Result, attempts int, interrupted bool, err error) {
	attempts, err = retry.Do(ctx, d.Retry, retry.IsRetryable, func(attempt int) error {
		if ent.limiter != nil {
			if err := ent.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, d.timeoutFor(ent))
		defer cancel()
		r, err := ent.handler.Execute(callCtx, a)
		if err != nil {
			var f *Failure
			if ctx.Err() != nil && !errors.As(err, &f) {
				interrupted = true
			}
			d.logger().DebugContext(ctx, "collaborator call failed", "action_id", a.ID, "attempt", attempt, "error", err)
			return err
		}
		res = r
		return nil
	})
	return res, attempts, interrupted, err
}

// ReconcileReport lists what one reconciliation pass changed.
type ReconcileReport struct {
	Flagged []string `json:"flagged"`
	Audited []string `json:"audited"`
}

// Reconcile flags claims older than ClaimTTL as reconcile_required and
// finishes actions that were applied but never audited. Flagged actions are
// never dispatched again without an operator decision.
func (d *Dispatcher) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	ttl := d.ClaimTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := time.Now()
	if d.Engine.Now != nil {
		now = d.Engine.Now()
	}
	cutoff := domain.FormatTime(now.Add(-ttl))
	stale, err := d.Engine.Repo.StaleClaims(ctx, cutoff)
	if err != nil {
		return rep, err
	}
	for _, a := range stale {
		if _, err := d.Engine.MarkReconcile(ctx, a.ID, d.actor(), ""); err != nil {
			if errors.Is(err, domain.ErrIllegalTransition) {
				continue
			}
			return rep, err
		}
		d.logger().WarnContext(ctx, "stale dispatch claim needs reconciliation", "action_id", a.ID, "claimed_at", a.DispatchClaimedAt)
		rep.Flagged = append(rep.Flagged, a.ID)
	}
	applied, err := d.Engine.Repo.ListActions(ctx, repo.ActionFilter{State: domain.StateApplied})
	if err != nil {
		return rep, err
	}
	for _, a := range applied {
		if _, err := d.Engine.Audit(ctx, a.ID, d.actor()); err != nil {
			if errors.Is(err, domain.ErrIllegalTransition) {
				continue
			}
			return rep, err
		}
		rep.Audited = append(rep.Audited, a.ID)
	}
	return rep, nil
}

// Run reconciles on every tick and, when Auto is set, feeds claimable
// approved actions to a pool of workers until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	workers := d.Workers
	if workers < 1 {
		workers = 1
	}
	ids := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for id := range ids {
				d.runOne(gctx, id)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(ids)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := d.Reconcile(gctx); err != nil && gctx.Err() == nil {
				d.logger().ErrorContext(gctx, "reconcile pass failed", "error", err)
			}
			if d.Auto {
				if err := d.feed(gctx, ids); err != nil {
					return nil
				}
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) feed(ctx context.Context, ids chan<- string) error {
	ready, err := d.Engine.Repo.ListActions(ctx, repo.ActionFilter{
		State:    domain.StateApproved,
		Dispatch: []domain.DispatchStatus{domain.DispatchNotAttempted, domain.DispatchRetryAuthorized},
		Sort:     "created_at",
	})
	if err != nil {
		if ctx.Err() == nil {
			d.logger().ErrorContext(ctx, "list dispatchable actions", "error", err)
		}
		return ctx.Err()
	}
	for _, a := range ready {
		if !a.CanExecute {
			continue
		}
		select {
		case ids <- a.ID:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) runOne(ctx context.Context, id string) {
	_, err := d.Dispatch(ctx, id, d.actor())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConfig):
		// An executable kind without a handler is a deployment error.
		d.logger().ErrorContext(ctx, "cannot dispatch action", "action_id", id, "error", err)
	case errors.Is(err, domain.ErrIllegalTransition):
		d.logger().DebugContext(ctx, "action no longer claimable", "action_id", id, "error", err)
	case errors.Is(err, domain.ErrDispatchFailure):
	default:
		d.logger().ErrorContext(ctx, "dispatch error", "action_id", id, "error", err)
	}
}
