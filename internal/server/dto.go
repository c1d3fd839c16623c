package server

import (
	"actionqueue/internal/domain"
	"actionqueue/internal/engine"
)

// Request payloads

type ImpactRequest struct {
	Metric string  `json:"metric"`
	Delta  float64 `json:"delta"`
	Unit   string  `json:"unit,omitempty"`
}

type SubmitRequest struct {
	// Producer defaults to the authenticated actor.
	Producer       string          `json:"producer,omitempty"`
	Kind           string          `json:"kind" minLength:"1" example:"inventory_reorder"`
	Target         string          `json:"target" minLength:"1" example:"sku-123"`
	DraftPayload   map[string]any  `json:"draft_payload"`
	Evidence       []string        `json:"evidence,omitempty"`
	ExpectedImpact ImpactRequest   `json:"expected_impact"`
	Confidence     float64         `json:"confidence" minimum:"0" maximum:"1"`
	Ease           domain.Ease     `json:"ease" enum:"simple,medium,hard"`
	RiskTier       domain.RiskTier `json:"risk_tier" enum:"none,perf,safety,policy"`
	FreshnessLabel string          `json:"freshness_label,omitempty" example:"real-time"`
	CanExecute     bool            `json:"can_execute,omitempty"`
	RollbackPlan   string          `json:"rollback_plan,omitempty"`
}

func (r SubmitRequest) proposal() engine.Proposal {
	return engine.Proposal{
		Producer:       r.Producer,
		Kind:           r.Kind,
		Target:         r.Target,
		DraftPayload:   r.DraftPayload,
		Evidence:       r.Evidence,
		ExpectedImpact: domain.ExpectedImpact{Metric: r.ExpectedImpact.Metric, Delta: r.ExpectedImpact.Delta, Unit: r.ExpectedImpact.Unit},
		Confidence:     r.Confidence,
		Ease:           r.Ease,
		RiskTier:       r.RiskTier,
		FreshnessLabel: r.FreshnessLabel,
		CanExecute:     r.CanExecute,
		RollbackPlan:   r.RollbackPlan,
	}
}

type NoteRequest struct {
	Note string `json:"note,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type ReconcileRequest struct {
	Succeeded bool           `json:"succeeded"`
	Result    map[string]any `json:"result,omitempty"`
	Note      string         `json:"note,omitempty"`
}

type OutcomeRequest struct {
	Success     bool    `json:"success"`
	RealizedROI float64 `json:"realized_roi"`
	Notes       string  `json:"notes,omitempty"`
}

type RankingVersionRequest struct {
	Version string `json:"version" example:"v2_hybrid"`
}

type DevLoginRequest struct {
	ActorID string        `json:"actor_id"`
	Roles   []domain.Role `json:"roles"`
}

// Response payloads

// ActionResponse adds review hints to the stored action. The dispatch status
// alone tells not_attempted, failed_rolled_back and failed_rollback_required apart.
type ActionResponse struct {
	domain.Action
	Retryable        bool `json:"retryable"`
	RollbackRequired bool `json:"rollback_required"`
	NeedsReconcile   bool `json:"needs_reconcile"`
}

type ActionList struct {
	Items []ActionResponse `json:"items"`
	Count int              `json:"count"`
}

type EventList struct {
	Items []domain.AuditEvent `json:"items"`
}

type WhoAmIResponse struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
	Source  string      `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func actionResponse(a domain.Action) ActionResponse {
	retryable := a.State == domain.StateApproved && a.CanExecute &&
		(a.DispatchStatus == domain.DispatchFailed || a.DispatchStatus == domain.DispatchFailedRolledBack)
	return ActionResponse{
		Action:           a,
		Retryable:        retryable,
		RollbackRequired: a.DispatchStatus == domain.DispatchFailedRollbackRequired,
		NeedsReconcile:   a.DispatchStatus == domain.DispatchReconcileRequired,
	}
}

func actionList(items []domain.Action) ActionList {
	out := ActionList{Items: make([]ActionResponse, 0, len(items)), Count: len(items)}
	for _, a := range items {
		out.Items = append(out.Items, actionResponse(a))
	}
	return out
}

func eventList(items []domain.AuditEvent) EventList {
	if items == nil {
		items = []domain.AuditEvent{}
	}
	return EventList{Items: items}
}
