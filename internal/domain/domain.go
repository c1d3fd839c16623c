package domain

import "time"

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime (or RFC3339).
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type State string

const (
	StateDraft         State = "draft"
	StatePendingReview State = "pending_review"
	StateApproved      State = "approved"
	StateRejected      State = "rejected"
	StateApplied       State = "applied"
	StateAudited       State = "audited"
	StateLearned       State = "learned"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateLearned
}

func (s State) Valid() bool {
	switch s {
	case StateDraft, StatePendingReview, StateApproved, StateRejected, StateApplied, StateAudited, StateLearned:
		return true
	}
	return false
}

type Ease string

const (
	EaseSimple Ease = "simple"
	EaseMedium Ease = "medium"
	EaseHard   Ease = "hard"
)

func (e Ease) Valid() bool {
	return e == EaseSimple || e == EaseMedium || e == EaseHard
}

type RiskTier string

const (
	RiskNone   RiskTier = "none"
	RiskPerf   RiskTier = "perf"
	RiskSafety RiskTier = "safety"
	RiskPolicy RiskTier = "policy"
)

func (r RiskTier) Valid() bool {
	switch r {
	case RiskNone, RiskPerf, RiskSafety, RiskPolicy:
		return true
	}
	return false
}

// Role is the kind of actor allowed to drive a transition.
type Role string

const (
	RoleOperator Role = "operator"
	RoleSystem   Role = "system"
	RoleProducer Role = "producer"
)

func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleSystem || r == RoleProducer
}

// Actor identifies who performed an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used by background workers.
func SystemActor(id string) Actor {
	if id == "" {
		id = "system"
	}
	return Actor{ID: id, Role: RoleSystem}
}

// DispatchStatus tracks the execution side of an approved action.
type DispatchStatus string

const (
	DispatchNotAttempted           DispatchStatus = "not_attempted"
	DispatchInFlight               DispatchStatus = "in_flight"
	DispatchSucceeded              DispatchStatus = "succeeded"
	DispatchFailed                 DispatchStatus = "failed"
	DispatchFailedRolledBack       DispatchStatus = "failed_rolled_back"
	DispatchFailedRollbackRequired DispatchStatus = "failed_rollback_required"
	DispatchReconcileRequired      DispatchStatus = "reconcile_required"
	DispatchRetryAuthorized        DispatchStatus = "retry_authorized"
)

// Claimable reports whether a dispatcher may claim an action in this status.
func (d DispatchStatus) Claimable() bool {
	return d == DispatchNotAttempted || d == DispatchRetryAuthorized
}

// Effect describes what a failed collaborator call left behind.
type Effect string

const (
	EffectNone      Effect = "none"
	EffectPartial   Effect = "partial"
	EffectAmbiguous Effect = "ambiguous"
)

type ExpectedImpact struct {
	Metric string  `json:"metric"`
	Delta  float64 `json:"delta"`
	Unit   string  `json:"unit"`
}

type Action struct {
	ID                string         `json:"id"`
	Producer          string         `json:"producer"`
	Kind              string         `json:"kind"`
	Target            string         `json:"target"`
	DraftPayload      map[string]any `json:"draft_payload"`
	Evidence          []string       `json:"evidence"`
	ExpectedImpact    ExpectedImpact `json:"expected_impact"`
	Confidence        float64        `json:"confidence"`
	Ease              Ease           `json:"ease" enum:"simple,medium,hard"`
	RiskTier          RiskTier       `json:"risk_tier" enum:"none,perf,safety,policy"`
	FreshnessLabel    string         `json:"freshness_label"`
	CanExecute        bool           `json:"can_execute"`
	RollbackPlan      string         `json:"rollback_plan"`
	RollbackData      map[string]any `json:"rollback_data,omitempty"`
	State             State          `json:"state" enum:"draft,pending_review,approved,rejected,applied,audited,learned"`
	Score             float64        `json:"score"`
	ScoreVersion      string         `json:"score_version"`
	DispatchStatus    DispatchStatus `json:"dispatch_status"`
	DispatchAttempts  int            `json:"dispatch_attempts"`
	LastDispatchError string         `json:"last_dispatch_error,omitempty"`
	ExecutionResult   map[string]any `json:"execution_result,omitempty"`
	RejectReason      string         `json:"reject_reason,omitempty"`
	Revision          int64          `json:"revision"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	ScoredAt          string         `json:"scored_at" format:"date-time"`
	TransitionedAt    string         `json:"transitioned_at" format:"date-time"`
	DispatchClaimedAt string         `json:"dispatch_claimed_at,omitempty" format:"date-time"`
	Ranking           *RankingResult `json:"ranking,omitempty"`
}

// AuditEvent is one immutable ledger row.
type AuditEvent struct {
	Seq          int64          `json:"seq"`
	TS           string         `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	EntityKind   string         `json:"entity_kind"`
	ActionID     string         `json:"action_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	ActorRole    Role           `json:"actor_role"`
	FromState    State          `json:"from_state,omitempty"`
	ToState      State          `json:"to_state,omitempty"`
	Before       *Action        `json:"before,omitempty"`
	After        *Action        `json:"after,omitempty"`
	RollbackData map[string]any `json:"rollback_data,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	PrevHash     string         `json:"prev_hash"`
	Hash         string         `json:"hash"`
}

// RankingResult is recomputable and never authoritative.
type RankingResult struct {
	ActionID string             `json:"action_id"`
	Score    float64            `json:"score"`
	Version  string             `json:"version"`
	Factors  map[string]float64 `json:"factors"`
}

type ProducerStats struct {
	Producer       string  `json:"producer"`
	Kind           string  `json:"kind"`
	ExecutionCount int     `json:"execution_count"`
	SuccessCount   int     `json:"success_count"`
	OutcomeCount   int     `json:"outcome_count"`
	TotalROI       float64 `json:"total_roi"`
	ROI28d         float64 `json:"roi_28d"`
	Outcomes28d    int     `json:"outcomes_28d"`
	UpdatedAt      string  `json:"updated_at,omitempty" format:"date-time"`
}

// AvgROI is the mean realized ROI over all recorded outcomes.
func (s ProducerStats) AvgROI() float64 {
	if s.OutcomeCount == 0 {
		return 0
	}
	return s.TotalROI / float64(s.OutcomeCount)
}

type Outcome struct {
	ActionID    string  `json:"action_id"`
	Producer    string  `json:"producer"`
	Kind        string  `json:"kind"`
	Success     bool    `json:"success"`
	RealizedROI float64 `json:"realized_roi"`
	Notes       string  `json:"notes,omitempty"`
	RecordedAt  string  `json:"recorded_at" format:"date-time"`
}

// QueueStats summarizes the queue for the review surface.
type QueueStats struct {
	Total      int                    `json:"total"`
	ByState    map[State]int          `json:"by_state"`
	ByDispatch map[DispatchStatus]int `json:"by_dispatch"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoleGrant struct {
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	GrantedBy string `json:"granted_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
