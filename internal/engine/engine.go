package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"actionqueue/internal/config"
	"actionqueue/internal/db"
	"actionqueue/internal/domain"
	"actionqueue/internal/engine/auth"
	"actionqueue/internal/ledger"
	"actionqueue/internal/ranking"
	"actionqueue/internal/repo"
	"actionqueue/internal/telemetry"
)

// PayloadValidator checks a draft payload against the schema registered for kind.
type PayloadValidator interface {
	ValidatePayload(kind string, payload map[string]any) error
}

type Engine struct {
	DB        *sql.DB
	Dialect   db.Dialect
	Repo      repo.Repo
	Ledger    ledger.Writer
	Store     ledger.Store
	Ranking   *ranking.Registry
	Validator PayloadValidator
	Config    *config.Config
	Metrics   *telemetry.Metrics
	Log       *slog.Logger
	Now       func() time.Time
}

func New(conn *sql.DB, d db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:      conn,
		Dialect: d,
		Repo:    repo.Repo{DB: conn, Dialect: d},
		Store:   ledger.Store{DB: conn, Dialect: d},
		Ranking: ranking.NewRegistry(),
		Config:  cfg,
		Log:     slog.Default().With("component", "engine"),
		Now:     time.Now,
	}
	e.Ledger = ledger.Writer{Dialect: d, Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) writer() ledger.Writer {
	w := e.Ledger
	if w.Now == nil {
		w.Now = e.now
	}
	if w.Dialect == "" {
		w.Dialect = e.Dialect
	}
	return w
}

// Change describes one audited mutation of a single action.
type Change struct {
	Op       string
	ActionID string
	Actor    domain.Actor
	// To is the target state; empty keeps the state and skips the edge check.
	To         domain.State
	Event      string
	RequestKey string
	Payload    ledger.Payload
	// Require runs against the freshly read action before any write.
	Require func(a domain.Action) error
	// Mutate edits the action (and may write related rows) inside the transaction.
	Mutate       func(ctx context.Context, tx *sql.Tx, a *domain.Action) error
	RollbackData map[string]any
}

// Apply runs c in one transaction: read, check, compare-and-set write, one
// ledger event, commit. A duplicate request key returns the action as it was
// recorded by the first request and writes nothing.
func (e Engine) Apply(ctx context.Context, c Change) (domain.Action, domain.AuditEvent, error) {
	if err := auth.Check(c.Op, c.Actor); err != nil {
		return domain.Action{}, domain.AuditEvent{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, domain.AuditEvent{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAction(ctx, tx, c.ActionID)
	if err != nil {
		return domain.Action{}, domain.AuditEvent{}, err
	}
	if c.RequestKey != "" {
		seq, err := e.Repo.LookupRequest(ctx, tx, a.ID, c.Event, c.RequestKey)
		if err == nil {
			tx.Rollback()
			return e.recorded(ctx, a, seq)
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Action{}, domain.AuditEvent{}, err
		}
	}
	before := a
	if c.To != "" {
		if err := domain.EnsureTransition(a.ID, a.State, c.To); err != nil {
			return before, domain.AuditEvent{}, err
		}
	}
	if c.Require != nil {
		if err := c.Require(a); err != nil {
			return before, domain.AuditEvent{}, err
		}
	}
	now := domain.FormatTime(e.now())
	if c.To != "" {
		a.State = c.To
		a.TransitionedAt = now
	}
	if c.Mutate != nil {
		if err := c.Mutate(ctx, tx, &a); err != nil {
			return before, domain.AuditEvent{}, err
		}
	}
	if err := e.Repo.UpdateAction(ctx, tx, a, before.State, before.Revision); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return before, domain.AuditEvent{}, &domain.IllegalTransitionError{ActionID: a.ID, From: before.State, To: c.To,
				Reason: "action was modified concurrently"}
		}
		return before, domain.AuditEvent{}, fmt.Errorf("update action: %w", err)
	}
	a.Revision = before.Revision + 1
	entry := ledger.Entry{
		Type:         c.Event,
		ActionID:     a.ID,
		Actor:        c.Actor,
		Before:       &before,
		After:        &a,
		RollbackData: c.RollbackData,
		Payload:      c.Payload,
	}
	if c.To != "" {
		entry.From, entry.To = before.State, c.To
	}
	ev, err := e.writer().Append(ctx, tx, entry)
	if err != nil {
		return before, domain.AuditEvent{}, err
	}
	if c.RequestKey != "" {
		if err := e.Repo.RecordRequest(ctx, tx, a.ID, c.Event, c.RequestKey, ev.Seq, now); err != nil {
			return before, domain.AuditEvent{}, fmt.Errorf("record request key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return before, domain.AuditEvent{}, err
	}
	e.Metrics.Transition(ctx, c.Event)
	e.logger().InfoContext(ctx, "action changed", "action_id", a.ID, "event", c.Event,
		"from", before.State, "to", a.State, "actor", c.Actor.ID)
	return a, ev, nil
}

func (e Engine) recorded(ctx context.Context, current domain.Action, seq int64) (domain.Action, domain.AuditEvent, error) {
	ev, err := e.Store.Event(ctx, seq)
	if err != nil {
		return current, domain.AuditEvent{}, fmt.Errorf("load recorded request: %w", err)
	}
	if ev.After != nil {
		return *ev.After, ev, nil
	}
	return current, ev, nil
}

// history reads producer stats through q, windowed to the last 28 days.
type history struct {
	e Engine
	q db.Querier
}

const roiWindow = 28 * 24 * time.Hour

func (h history) ProducerStats(ctx context.Context, producer, kind string) (domain.ProducerStats, error) {
	since := domain.FormatTime(h.e.now().Add(-roiWindow))
	return h.e.Repo.ProducerStats(ctx, h.q, producer, kind, since)
}

// History exposes producer stats to ranking callers outside a transaction.
func (e Engine) History() ranking.History {
	return history{e: e}
}
