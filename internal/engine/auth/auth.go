package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"actionqueue/internal/domain"
	"actionqueue/internal/repo"
)

// Operations checked against the actor's role.
const (
	OpSubmit         = "actions.submit"
	OpApprove        = "actions.approve"
	OpReject         = "actions.reject"
	OpEdit           = "actions.edit"
	OpApply          = "actions.apply"
	OpAudit          = "actions.audit"
	OpLearn          = "actions.learn"
	OpDispatch       = "actions.dispatch"
	OpRetry          = "actions.retry"
	OpReconcile      = "actions.reconcile"
	OpRankingVersion = "ranking.version"
	OpRerank         = "ranking.rerank"
	OpGrant          = "roles.grant"
)

var policy = map[string][]domain.Role{
	OpSubmit:         {domain.RoleProducer},
	OpApprove:        {domain.RoleOperator},
	OpReject:         {domain.RoleOperator},
	OpEdit:           {domain.RoleOperator},
	OpApply:          {domain.RoleSystem},
	OpAudit:          {domain.RoleSystem},
	OpLearn:          {domain.RoleSystem},
	OpDispatch:       {domain.RoleSystem, domain.RoleOperator},
	OpRetry:          {domain.RoleOperator},
	OpReconcile:      {domain.RoleOperator},
	OpRankingVersion: {domain.RoleOperator},
	OpRerank:         {domain.RoleSystem, domain.RoleOperator},
	OpGrant:          {domain.RoleOperator},
}

// Roles returns the roles allowed to perform op.
func Roles(op string) []domain.Role {
	return slices.Clone(policy[op])
}

// Check returns *domain.ForbiddenError unless actor's role may perform op.
func Check(op string, actor domain.Actor) error {
	allowed, ok := policy[op]
	if !ok {
		return fmt.Errorf("unknown operation %s", op)
	}
	if actor.ID == "" {
		return &domain.ForbiddenError{Operation: op, Have: actor.Role, Need: allowed}
	}
	if slices.Contains(allowed, actor.Role) {
		return nil
	}
	return &domain.ForbiddenError{Operation: op, Have: actor.Role, Need: allowed}
}

// Service resolves which role an authenticated actor acts under.
type Service struct {
	Repo repo.Repo
}

// Resolve picks the actor's role. A requested role must have been granted;
// with no request the actor's single grant is used.
func (s Service) Resolve(ctx context.Context, actorID string, requested domain.Role) (domain.Actor, error) {
	if actorID == "" {
		return domain.Actor{}, errors.New("actor_id required")
	}
	roles, err := s.Repo.ActorRoles(ctx, actorID)
	if err != nil {
		return domain.Actor{}, err
	}
	if requested != "" {
		if !requested.Valid() {
			return domain.Actor{}, domain.Invalid("role", fmt.Sprintf("unknown role %q", requested))
		}
		if !slices.Contains(roles, requested) {
			return domain.Actor{}, &domain.ForbiddenError{Operation: "act as " + string(requested), Have: "", Need: []domain.Role{requested}}
		}
		return domain.Actor{ID: actorID, Role: requested}, nil
	}
	switch len(roles) {
	case 0:
		return domain.Actor{}, &domain.ForbiddenError{Operation: "authenticate", Need: []domain.Role{domain.RoleOperator, domain.RoleSystem, domain.RoleProducer}}
	case 1:
		return domain.Actor{ID: actorID, Role: roles[0]}, nil
	}
	return domain.Actor{}, domain.Invalid("role", fmt.Sprintf("actor %s holds several roles; choose one", actorID))
}
