package domain

// Transition names used for idempotency keys and audit event types.
const (
	TransitionSubmit   = "created"
	TransitionApprove  = "approved"
	TransitionReject   = "rejected"
	TransitionEdit     = "edited"
	TransitionApply    = "applied"
	TransitionAudit    = "audited"
	TransitionLearn    = "learned"
	TransitionDispatch = "dispatch"
)

// Edge is one legal move in the approval state machine.
type Edge struct {
	From State
	To   State
	Role Role
}

var edges = []Edge{
	{From: StateDraft, To: StatePendingReview, Role: RoleProducer},
	{From: StatePendingReview, To: StateApproved, Role: RoleOperator},
	{From: StatePendingReview, To: StateRejected, Role: RoleOperator},
	{From: StatePendingReview, To: StatePendingReview, Role: RoleOperator},
	{From: StateApproved, To: StateApplied, Role: RoleSystem},
	{From: StateApplied, To: StateAudited, Role: RoleSystem},
	{From: StateAudited, To: StateLearned, Role: RoleSystem},
}

// Edges returns a copy of the transition table.
func Edges() []Edge {
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// EdgeFor returns the edge from -> to, if legal.
func EdgeFor(from, to State) (Edge, bool) {
	for _, e := range edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// EnsureTransition validates from -> to for action id.
func EnsureTransition(id string, from, to State) error {
	if _, ok := EdgeFor(from, to); ok {
		return nil
	}
	reason := ""
	switch {
	case from.Terminal():
		reason = "action is in a terminal state"
	case from == StatePendingReview && to == StateApplied:
		reason = "approval required"
	case to == StateLearned:
		reason = "outcome can only be folded after audit"
	}
	return &IllegalTransitionError{ActionID: id, From: from, To: to, Reason: reason}
}

// EditableFields lists what an operator edit may change.
var EditableFields = []string{"draft_payload", "evidence", "expected_impact", "confidence", "rollback_plan"}
