// Package audit runs the continuous ledger consistency check.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"actionqueue/internal/domain"
	"actionqueue/internal/ledger"
	"actionqueue/internal/telemetry"
)

const (
	OutcomeValid     = "valid"
	OutcomeViolation = "violation"
	OutcomeError     = "error"
)

// maxLoggedProblems caps how many problems one violation log line carries.
const maxLoggedProblems = 10

type Verifier interface {
	Verify(ctx context.Context) (ledger.Report, error)
}

// Auditor verifies the ledger on a fixed interval. Violations are logged at
// error level and counted; nothing is repaired.
type Auditor struct {
	Verifier Verifier
	Interval time.Duration
	Metrics  *telemetry.Metrics
	Log      *slog.Logger
}

func (a *Auditor) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// Tick verifies once and reports the outcome.
func (a *Auditor) Tick(ctx context.Context) (ledger.Report, string, error) {
	rep, err := a.Verifier.Verify(ctx)
	var iv *domain.IntegrityViolationError
	switch {
	case err == nil:
		a.Metrics.Verification(ctx, OutcomeValid, 0)
		return rep, OutcomeValid, nil
	case errors.As(err, &iv):
		a.Metrics.Verification(ctx, OutcomeViolation, len(iv.Problems))
		shown := iv.Problems
		if len(shown) > maxLoggedProblems {
			shown = shown[:maxLoggedProblems]
		}
		a.logger().ErrorContext(ctx, "ledger integrity violation",
			"problems", len(iv.Problems), "head_hash", rep.HeadHash,
			"events_checked", rep.EventsChecked, "sample", shown)
		return rep, OutcomeViolation, err
	default:
		if ctx.Err() != nil {
			return rep, OutcomeError, err
		}
		a.Metrics.Verification(ctx, OutcomeError, 0)
		a.logger().ErrorContext(ctx, "ledger verification failed", "error", err)
		return rep, OutcomeError, err
	}
}

// Run verifies immediately and then every Interval until ctx is done.
func (a *Auditor) Run(ctx context.Context) error {
	interval := a.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if rep, outcome, _ := a.Tick(ctx); outcome == OutcomeValid {
			a.logger().DebugContext(ctx, "ledger verified", "events_checked", rep.EventsChecked,
				"actions_checked", rep.ActionsChecked, "head_hash", rep.HeadHash)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
