package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"actionqueue/internal/db"
	"actionqueue/internal/domain"
)

// Genesis is the prev_hash of the first event in the chain.
const Genesis = "GENESIS"

type Payload map[string]any

// Entry is what a caller hands to Append; the writer fills in ts, seq and hashes.
type Entry struct {
	Type         string
	EntityKind   string
	ActionID     string
	Actor        domain.Actor
	From         domain.State
	To           domain.State
	Before       *domain.Action
	After        *domain.Action
	RollbackData map[string]any
	Payload      Payload
}

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

// record is the hashed form of an event. Raw JSON fields are hashed exactly as stored.
type record struct {
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	ActionID   string          `json:"action_id"`
	ActorID    string          `json:"actor_id"`
	ActorRole  string          `json:"actor_role"`
	FromState  string          `json:"from_state"`
	ToState    string          `json:"to_state"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	Rollback   json.RawMessage `json:"rollback_data"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prev_hash"`
}

func (r record) digest() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Append writes one event inside tx, chained to the current head. The caller
// commits the event together with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.AuditEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.Type == "" {
		return domain.AuditEvent{}, errors.New("event type required")
	}
	if e.EntityKind == "" {
		e.EntityKind = "action"
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	if err := w.Dialect.LockLedger(ctx, tx); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("lock ledger: %w", err)
	}
	prev, err := headHash(ctx, tx)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	rec := record{
		TS:         domain.FormatTime(w.Now()),
		Type:       e.Type,
		EntityKind: e.EntityKind,
		ActionID:   e.ActionID,
		ActorID:    e.Actor.ID,
		ActorRole:  string(e.Actor.Role),
		FromState:  string(e.From),
		ToState:    string(e.To),
		PrevHash:   prev,
	}
	if rec.Before, err = marshalAction(e.Before); err != nil {
		return domain.AuditEvent{}, err
	}
	if rec.After, err = marshalAction(e.After); err != nil {
		return domain.AuditEvent{}, err
	}
	if rec.Rollback, err = marshalMap(e.RollbackData); err != nil {
		return domain.AuditEvent{}, err
	}
	if rec.Payload, err = json.Marshal(e.Payload); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	hash, err := rec.digest()
	if err != nil {
		return domain.AuditEvent{}, err
	}
	var seq int64
	err = tx.QueryRowContext(ctx, w.Dialect.Rebind(`INSERT INTO audit_events(ts,type,entity_kind,action_id,actor_id,actor_role,from_state,to_state,before_json,after_json,rollback_json,payload_json,prev_hash,hash)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING seq`),
		rec.TS, rec.Type, rec.EntityKind, nullable(rec.ActionID), rec.ActorID, rec.ActorRole,
		nullable(rec.FromState), nullable(rec.ToState), nullableRaw(rec.Before), nullableRaw(rec.After),
		nullableRaw(rec.Rollback), string(rec.Payload), rec.PrevHash, hash).Scan(&seq)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("append audit event: %w", err)
	}
	return domain.AuditEvent{
		Seq:          seq,
		TS:           rec.TS,
		Type:         rec.Type,
		EntityKind:   rec.EntityKind,
		ActionID:     rec.ActionID,
		ActorID:      rec.ActorID,
		ActorRole:    e.Actor.Role,
		FromState:    e.From,
		ToState:      e.To,
		Before:       e.Before,
		After:        e.After,
		RollbackData: e.RollbackData,
		Payload:      e.Payload,
		PrevHash:     prev,
		Hash:         hash,
	}, nil
}

func headHash(ctx context.Context, q db.Querier) (string, error) {
	var hash string
	err := q.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("read ledger head: %w", err)
	}
	return hash, nil
}

func marshalAction(a *domain.Action) (json.RawMessage, error) {
	if a == nil {
		return nil, nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func marshalMap(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal rollback data: %w", err)
	}
	return data, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
