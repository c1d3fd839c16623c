package repo

import (
	"context"
	"database/sql"

	"actionqueue/internal/db"
)

// Setting is a persisted runtime value changed through an audited operation.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"`
	UpdatedBy string `json:"updated_by"`
}

const (
	SettingRankingVersion = "ranking.production_version"
	SettingLastRerank     = "ranking.last_rerank_at"
)

func (r Repo) GetSetting(ctx context.Context, q db.Querier, key string) (Setting, error) {
	s := Setting{Key: key}
	err := r.querier(q).QueryRowContext(ctx, r.q(`SELECT value, updated_at, updated_by FROM settings WHERE key=?`), key).
		Scan(&s.Value, &s.UpdatedAt, &s.UpdatedBy)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) PutSetting(ctx context.Context, q db.Querier, s Setting) error {
	_, err := r.querier(q).ExecContext(ctx, r.q(`INSERT INTO settings(key,value,updated_at,updated_by) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at, updated_by=excluded.updated_by`),
		s.Key, s.Value, s.UpdatedAt, s.UpdatedBy)
	return err
}

// LookupRequest returns the ledger seq recorded for an idempotent request.
func (r Repo) LookupRequest(ctx context.Context, q db.Querier, actionID, transition, key string) (int64, error) {
	var seq int64
	err := r.querier(q).QueryRowContext(ctx, r.q(`SELECT event_seq FROM transition_requests WHERE action_id=? AND transition=? AND request_key=?`),
		actionID, transition, key).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return seq, err
}

func (r Repo) RecordRequest(ctx context.Context, q db.Querier, actionID, transition, key string, seq int64, now string) error {
	_, err := r.querier(q).ExecContext(ctx, r.q(`INSERT INTO transition_requests(action_id,transition,request_key,event_seq,created_at) VALUES (?,?,?,?,?)`),
		actionID, transition, key, seq, now)
	return err
}
