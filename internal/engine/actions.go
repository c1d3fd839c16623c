package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"actionqueue/internal/domain"
	"actionqueue/internal/engine/auth"
	"actionqueue/internal/ledger"
	"actionqueue/internal/ranking"
	"actionqueue/internal/repo"
)

// Proposal is what a producer submits.
type Proposal struct {
	Producer       string                `json:"producer"`
	Kind           string                `json:"kind"`
	Target         string                `json:"target"`
	DraftPayload   map[string]any        `json:"draft_payload"`
	Evidence       []string              `json:"evidence,omitempty"`
	ExpectedImpact domain.ExpectedImpact `json:"expected_impact"`
	Confidence     float64               `json:"confidence"`
	Ease           domain.Ease           `json:"ease"`
	RiskTier       domain.RiskTier       `json:"risk_tier"`
	FreshnessLabel string                `json:"freshness_label,omitempty"`
	CanExecute     bool                  `json:"can_execute"`
	RollbackPlan   string                `json:"rollback_plan,omitempty"`
}

func (p Proposal) validate() error {
	switch {
	case strings.TrimSpace(p.Producer) == "":
		return domain.Invalid("producer", "is required")
	case strings.TrimSpace(p.Kind) == "":
		return domain.Invalid("kind", "is required")
	case strings.TrimSpace(p.Target) == "":
		return domain.Invalid("target", "is required")
	case len(p.DraftPayload) == 0:
		return domain.Invalid("draft_payload", "must be a non-empty object")
	}
	if err := validateConfidence(p.Confidence); err != nil {
		return err
	}
	if err := validateImpact(p.ExpectedImpact); err != nil {
		return err
	}
	if !p.Ease.Valid() {
		return domain.Invalid("ease", fmt.Sprintf("%q is not one of simple, medium, hard", p.Ease))
	}
	if !p.RiskTier.Valid() {
		return domain.Invalid("risk_tier", fmt.Sprintf("%q is not one of none, perf, safety, policy", p.RiskTier))
	}
	return nil
}

func validateConfidence(c float64) error {
	if c < 0 || c > 1 || c != c {
		return domain.Invalid("confidence", "must be within [0,1]")
	}
	return nil
}

func validateImpact(i domain.ExpectedImpact) error {
	if !finite(i.Delta) {
		return domain.Invalid("expected_impact.delta", "must be a finite number")
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

type SubmitOptions struct {
	Proposal Proposal
	Actor    domain.Actor
	// RequestKey makes the submission idempotent per producer.
	RequestKey string
}

var submitNamespace = uuid.MustParse("6f1c3a52-8d0e-4a8e-9a3b-0b7e6f2d9c41")

// Submit validates a proposal, stores it as pending_review with its initial
// score and appends the created event in one transaction.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Action, error) {
	if err := auth.Check(auth.OpSubmit, opts.Actor); err != nil {
		return domain.Action{}, err
	}
	p := opts.Proposal
	if p.Producer == "" {
		p.Producer = opts.Actor.ID
	}
	if err := p.validate(); err != nil {
		return domain.Action{}, err
	}
	if e.Validator != nil {
		if err := e.Validator.ValidatePayload(p.Kind, p.DraftPayload); err != nil {
			return domain.Action{}, err
		}
	}
	id := uuid.NewString()
	if opts.RequestKey != "" {
		id = uuid.NewSHA1(submitNamespace, []byte(p.Producer+"|"+opts.RequestKey)).String()
		if existing, err := e.Repo.GetAction(ctx, nil, id); err == nil {
			return existing, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Action{}, err
		}
	}
	now := domain.FormatTime(e.now())
	a := domain.Action{
		ID:             id,
		Producer:       p.Producer,
		Kind:           p.Kind,
		Target:         p.Target,
		DraftPayload:   p.DraftPayload,
		Evidence:       p.Evidence,
		ExpectedImpact: p.ExpectedImpact,
		Confidence:     p.Confidence,
		Ease:           p.Ease,
		RiskTier:       p.RiskTier,
		FreshnessLabel: p.FreshnessLabel,
		CanExecute:     p.CanExecute,
		RollbackPlan:   p.RollbackPlan,
		State:          domain.StatePendingReview,
		DispatchStatus: domain.DispatchNotAttempted,
		Revision:       1,
		CreatedAt:      now,
		TransitionedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	if err := e.score(ctx, tx, &a); err != nil {
		return domain.Action{}, err
	}
	if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
		if opts.RequestKey != "" {
			// A concurrent duplicate committed first.
			tx.Rollback()
			if existing, gerr := e.Repo.GetAction(ctx, nil, id); gerr == nil {
				return existing, nil
			}
		}
		return domain.Action{}, fmt.Errorf("insert action: %w", err)
	}
	if _, err := e.writer().Append(ctx, tx, ledger.Entry{
		Type:     domain.TransitionSubmit,
		ActionID: a.ID,
		Actor:    opts.Actor,
		From:     domain.StateDraft,
		To:       domain.StatePendingReview,
		After:    &a,
		Payload:  ledger.Payload{"score": a.Score, "score_version": a.ScoreVersion},
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	e.Metrics.Transition(ctx, domain.TransitionSubmit)
	e.logger().InfoContext(ctx, "proposal submitted", "action_id", a.ID, "producer", a.Producer, "kind", a.Kind, "score", a.Score)
	return a, nil
}

// score recomputes a's score with the production version, reading history through q.
func (e Engine) score(ctx context.Context, q *sql.Tx, a *domain.Action) error {
	version, err := e.ProductionVersion(ctx, q)
	if err != nil {
		return err
	}
	s, err := e.Ranking.Get(version)
	if err != nil {
		return err
	}
	res, err := s.Score(ctx, *a, history{e: e, q: q})
	if err != nil {
		return err
	}
	a.Score = res.Score
	a.ScoreVersion = res.Version
	a.ScoredAt = domain.FormatTime(e.now())
	return nil
}

// Get returns the stored action with a live factor breakdown under the
// production version.
func (e Engine) Get(ctx context.Context, id string) (domain.Action, error) {
	a, err := e.Repo.GetAction(ctx, nil, id)
	if err != nil {
		return a, err
	}
	version, err := e.ProductionVersion(ctx, nil)
	if err != nil {
		return a, err
	}
	s, err := e.Ranking.Get(version)
	if err != nil {
		return a, err
	}
	res, err := s.Score(ctx, a, e.History())
	if err != nil {
		return a, err
	}
	a.Ranking = &res
	return a, nil
}

type ListOptions = repo.ActionFilter

func (e Engine) List(ctx context.Context, opts ListOptions) ([]domain.Action, error) {
	if opts.State != "" && !opts.State.Valid() {
		return nil, domain.Invalid("state", fmt.Sprintf("unknown state %q", opts.State))
	}
	if opts.RiskTier != "" && !opts.RiskTier.Valid() {
		return nil, domain.Invalid("risk_tier", fmt.Sprintf("unknown risk tier %q", opts.RiskTier))
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, domain.Invalid("limit", "limit and offset must not be negative")
	}
	return e.Repo.ListActions(ctx, opts)
}

type TopOptions struct {
	N        int
	Producer string
	Kind     string
	// Version overrides the production version for a read-only preview.
	Version string
}

// Top returns the N highest ranked pending actions. Scores are recomputed on
// read and never written.
func (e Engine) Top(ctx context.Context, opts TopOptions) ([]domain.Action, error) {
	if opts.N <= 0 {
		opts.N = 10
	}
	version := opts.Version
	if version == "" {
		var err error
		if version, err = e.ProductionVersion(ctx, nil); err != nil {
			return nil, err
		}
	}
	s, err := e.Ranking.Get(version)
	if err != nil {
		return nil, err
	}
	pending, err := e.Repo.ListActions(ctx, repo.ActionFilter{State: domain.StatePendingReview, Producer: opts.Producer, Kind: opts.Kind})
	if err != nil {
		return nil, err
	}
	ranked, err := ranking.ScoreAll(ctx, s, e.History(), pending)
	if err != nil {
		return nil, err
	}
	if len(ranked) > opts.N {
		ranked = ranked[:opts.N]
	}
	return ranked, nil
}

type TransitionOptions struct {
	ID         string
	Actor      domain.Actor
	RequestKey string
	Note       string
}

func notePayload(note string) ledger.Payload {
	if note == "" {
		return nil
	}
	return ledger.Payload{"note": note}
}

func (e Engine) Approve(ctx context.Context, opts TransitionOptions) (domain.Action, error) {
	a, _, err := e.Apply(ctx, Change{
		Op:         auth.OpApprove,
		ActionID:   opts.ID,
		Actor:      opts.Actor,
		To:         domain.StateApproved,
		Event:      domain.TransitionApprove,
		RequestKey: opts.RequestKey,
		Payload:    notePayload(opts.Note),
	})
	return a, err
}

type RejectOptions struct {
	ID         string
	Actor      domain.Actor
	Reason     string
	RequestKey string
}

func (e Engine) Reject(ctx context.Context, opts RejectOptions) (domain.Action, error) {
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		return domain.Action{}, domain.Invalid("reason", "is required to reject")
	}
	a, _, err := e.Apply(ctx, Change{
		Op:         auth.OpReject,
		ActionID:   opts.ID,
		Actor:      opts.Actor,
		To:         domain.StateRejected,
		Event:      domain.TransitionReject,
		RequestKey: opts.RequestKey,
		Payload:    ledger.Payload{"reason": reason},
		Mutate: func(_ context.Context, _ *sql.Tx, a *domain.Action) error {
			a.RejectReason = reason
			return nil
		},
	})
	return a, err
}

// Patch holds the fields an operator may edit. Nil fields are left alone.
type Patch struct {
	DraftPayload   map[string]any         `json:"draft_payload,omitempty"`
	Evidence       *[]string              `json:"evidence,omitempty"`
	ExpectedImpact *domain.ExpectedImpact `json:"expected_impact,omitempty"`
	Confidence     *float64               `json:"confidence,omitempty"`
	RollbackPlan   *string                `json:"rollback_plan,omitempty"`
}

func (p Patch) empty() bool {
	return p.DraftPayload == nil && p.Evidence == nil && p.ExpectedImpact == nil && p.Confidence == nil && p.RollbackPlan == nil
}

func (p Patch) fields() []string {
	var out []string
	if p.DraftPayload != nil {
		out = append(out, "draft_payload")
	}
	if p.Evidence != nil {
		out = append(out, "evidence")
	}
	if p.ExpectedImpact != nil {
		out = append(out, "expected_impact")
	}
	if p.Confidence != nil {
		out = append(out, "confidence")
	}
	if p.RollbackPlan != nil {
		out = append(out, "rollback_plan")
	}
	return out
}

type EditOptions struct {
	ID         string
	Actor      domain.Actor
	Patch      Patch
	RequestKey string
}

// Edit changes editable fields of a pending action and re-scores it.
func (e Engine) Edit(ctx context.Context, opts EditOptions) (domain.Action, error) {
	p := opts.Patch
	if p.empty() {
		return domain.Action{}, domain.Invalid("patch", "no editable fields given; allowed: "+strings.Join(domain.EditableFields, ", "))
	}
	if p.DraftPayload != nil && len(p.DraftPayload) == 0 {
		return domain.Action{}, domain.Invalid("draft_payload", "must be a non-empty object")
	}
	if p.Confidence != nil {
		if err := validateConfidence(*p.Confidence); err != nil {
			return domain.Action{}, err
		}
	}
	if p.ExpectedImpact != nil {
		if err := validateImpact(*p.ExpectedImpact); err != nil {
			return domain.Action{}, err
		}
	}
	a, _, err := e.Apply(ctx, Change{
		Op:         auth.OpEdit,
		ActionID:   opts.ID,
		Actor:      opts.Actor,
		To:         domain.StatePendingReview,
		Event:      domain.TransitionEdit,
		RequestKey: opts.RequestKey,
		Payload:    ledger.Payload{"fields": p.fields()},
		Require: func(a domain.Action) error {
			if p.DraftPayload != nil && e.Validator != nil {
				return e.Validator.ValidatePayload(a.Kind, p.DraftPayload)
			}
			return nil
		},
		Mutate: func(ctx context.Context, tx *sql.Tx, a *domain.Action) error {
			if p.DraftPayload != nil {
				a.DraftPayload = p.DraftPayload
			}
			if p.Evidence != nil {
				a.Evidence = *p.Evidence
			}
			if p.ExpectedImpact != nil {
				a.ExpectedImpact = *p.ExpectedImpact
			}
			if p.Confidence != nil {
				a.Confidence = *p.Confidence
			}
			if p.RollbackPlan != nil {
				a.RollbackPlan = *p.RollbackPlan
			}
			return e.score(ctx, tx, a)
		},
	})
	return a, err
}

type OutcomeOptions struct {
	ID          string
	Actor       domain.Actor
	Success     bool
	RealizedROI float64
	Notes       string
	RequestKey  string
}

// RecordOutcome folds a realized outcome into producer stats and moves the
// action from audited to learned.
func (e Engine) RecordOutcome(ctx context.Context, opts OutcomeOptions) (domain.Action, error) {
	if !finite(opts.RealizedROI) {
		return domain.Action{}, domain.Invalid("realized_roi", "must be a finite number")
	}
	a, _, err := e.Apply(ctx, Change{
		Op:         auth.OpLearn,
		ActionID:   opts.ID,
		Actor:      opts.Actor,
		To:         domain.StateLearned,
		Event:      domain.TransitionLearn,
		RequestKey: opts.RequestKey,
		Payload:    ledger.Payload{"success": opts.Success, "realized_roi": opts.RealizedROI},
		Mutate: func(ctx context.Context, tx *sql.Tx, a *domain.Action) error {
			return e.Repo.InsertOutcome(ctx, tx, domain.Outcome{
				ActionID:    a.ID,
				Producer:    a.Producer,
				Kind:        a.Kind,
				Success:     opts.Success,
				RealizedROI: opts.RealizedROI,
				Notes:       opts.Notes,
				RecordedAt:  domain.FormatTime(e.now()),
			})
		},
	})
	return a, err
}
