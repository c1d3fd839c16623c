package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"actionqueue/internal/domain"
	"actionqueue/internal/engine/auth"
	"actionqueue/internal/ledger"
	"actionqueue/internal/repo"
)

type Stats struct {
	Queue     domain.QueueStats      `json:"queue"`
	Pending   int                    `json:"pending"`
	Producers []domain.ProducerStats `json:"producers"`
	Ranking   RankingStatus          `json:"ranking"`
}

// Stats summarizes the queue, producer history and ranking freshness.
func (e Engine) Stats(ctx context.Context) (Stats, error) {
	var (
		st  Stats
		err error
	)
	if st.Queue, err = e.Repo.QueueStats(ctx); err != nil {
		return st, err
	}
	st.Pending = st.Queue.ByState[domain.StatePendingReview]
	since := domain.FormatTime(e.now().Add(-roiWindow))
	if st.Producers, err = e.Repo.ListProducerStats(ctx, since); err != nil {
		return st, err
	}
	if st.Ranking, err = e.RankingStatus(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// Events lists the ledger. A non-empty opts.ActionID must name an existing action.
func (e Engine) Events(ctx context.Context, opts ledger.ListOptions) ([]domain.AuditEvent, error) {
	if opts.ActionID != "" {
		if _, err := e.Repo.GetAction(ctx, nil, opts.ActionID); err != nil {
			return nil, err
		}
	}
	return e.Store.Events(ctx, opts)
}

// CreatedKey carries the plaintext key, which is shown once and never stored.
type CreatedKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// CreateAPIKey issues a key for actorID acting as role.
func (e Engine) CreateAPIKey(ctx context.Context, actorID string, role domain.Role, name string) (CreatedKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return CreatedKey{}, domain.Invalid("actor_id", "is required")
	}
	if !role.Valid() {
		return CreatedKey{}, domain.Invalid("role", "must be operator, system or producer")
	}
	plain := "aq_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Role:      role,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return CreatedKey{}, err
	}
	return CreatedKey{APIKey: key, Key: plain}, nil
}

// GrantRole lets actorID act as role. Grants are recorded in the ledger.
func (e Engine) GrantRole(ctx context.Context, by domain.Actor, actorID string, role domain.Role) error {
	if err := auth.Check(auth.OpGrant, by); err != nil {
		return err
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.Invalid("actor_id", "is required")
	}
	if !role.Valid() {
		return domain.Invalid("role", "must be operator, system or producer")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := domain.FormatTime(e.now())
	if err := e.Repo.GrantRole(ctx, tx, domain.RoleGrant{ActorID: actorID, Role: role, GrantedBy: by.ID, CreatedAt: now}); err != nil {
		return err
	}
	if _, err := e.writer().Append(ctx, tx, ledger.Entry{
		Type:       "config.role_granted",
		EntityKind: "config",
		Actor:      by,
		Payload:    ledger.Payload{"actor_id": actorID, "role": string(role)},
	}); err != nil {
		return err
	}
	return tx.Commit()
}
