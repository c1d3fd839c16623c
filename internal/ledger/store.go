package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"actionqueue/internal/db"
	"actionqueue/internal/domain"
)

// Store is the read side of the ledger.
type Store struct {
	DB      *sql.DB
	Dialect db.Dialect
}

type ListOptions struct {
	ActionID string
	Type     string
	AfterSeq int64
	Limit    int
	Desc     bool
}

type storedEvent struct {
	Event domain.AuditEvent
	rec   record
	hash  string
}

const eventColumns = `seq,ts,type,entity_kind,COALESCE(action_id,''),actor_id,actor_role,COALESCE(from_state,''),COALESCE(to_state,''),before_json,after_json,rollback_json,payload_json,prev_hash,hash`

func scanStored(rows *sql.Rows) (storedEvent, error) {
	var (
		se                      storedEvent
		before, after, rollback sql.NullString
		payload, role, from, to string
	)
	ev := &se.Event
	if err := rows.Scan(&ev.Seq, &ev.TS, &ev.Type, &ev.EntityKind, &ev.ActionID, &ev.ActorID, &role,
		&from, &to, &before, &after, &rollback, &payload, &ev.PrevHash, &ev.Hash); err != nil {
		return se, err
	}
	ev.ActorRole = domain.Role(role)
	ev.FromState = domain.State(from)
	ev.ToState = domain.State(to)
	se.rec = record{
		TS:         ev.TS,
		Type:       ev.Type,
		EntityKind: ev.EntityKind,
		ActionID:   ev.ActionID,
		ActorID:    ev.ActorID,
		ActorRole:  role,
		FromState:  from,
		ToState:    to,
		Before:     rawOrNil(before),
		After:      rawOrNil(after),
		Rollback:   rawOrNil(rollback),
		Payload:    json.RawMessage(payload),
		PrevHash:   ev.PrevHash,
	}
	se.hash = ev.Hash
	if before.Valid {
		ev.Before = &domain.Action{}
		if err := json.Unmarshal([]byte(before.String), ev.Before); err != nil {
			return se, fmt.Errorf("decode before snapshot seq %d: %w", ev.Seq, err)
		}
	}
	if after.Valid {
		ev.After = &domain.Action{}
		if err := json.Unmarshal([]byte(after.String), ev.After); err != nil {
			return se, fmt.Errorf("decode after snapshot seq %d: %w", ev.Seq, err)
		}
	}
	if rollback.Valid {
		if err := json.Unmarshal([]byte(rollback.String), &ev.RollbackData); err != nil {
			return se, fmt.Errorf("decode rollback data seq %d: %w", ev.Seq, err)
		}
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return se, fmt.Errorf("decode payload seq %d: %w", ev.Seq, err)
		}
	}
	return se, nil
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}

// Events lists events, oldest first unless Desc is set.
func (s Store) Events(ctx context.Context, opts ListOptions) ([]domain.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if opts.ActionID != "" {
		where = append(where, "action_id=?")
		args = append(args, opts.ActionID)
	}
	if opts.Type != "" {
		where = append(where, "type=?")
		args = append(args, opts.Type)
	}
	if opts.AfterSeq > 0 {
		if opts.Desc {
			where = append(where, "seq<?")
		} else {
			where = append(where, "seq>?")
		}
		args = append(args, opts.AfterSeq)
	}
	query := `SELECT ` + eventColumns + ` FROM audit_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if opts.Desc {
		query += ` ORDER BY seq DESC`
	} else {
		query += ` ORDER BY seq ASC`
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		se, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se.Event)
	}
	return out, rows.Err()
}

// Event returns the event at seq.
func (s Store) Event(ctx context.Context, seq int64) (domain.AuditEvent, error) {
	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(`SELECT `+eventColumns+` FROM audit_events WHERE seq=?`), seq)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.AuditEvent{}, err
		}
		return domain.AuditEvent{}, fmt.Errorf("audit event %d: %w", seq, sql.ErrNoRows)
	}
	se, err := scanStored(rows)
	return se.Event, err
}

// Head returns the latest sequence number and hash.
func (s Store) Head(ctx context.Context) (int64, string, error) {
	var (
		seq  int64
		hash string
	)
	err := s.DB.QueryRowContext(ctx, `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, Genesis, nil
	}
	return seq, hash, err
}

func (s Store) each(ctx context.Context, fn func(storedEvent) error) error {
	return s.eachIn(ctx, s.DB, fn)
}

func (s Store) eachIn(ctx context.Context, q db.Querier, fn func(storedEvent) error) error {
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		se, err := scanStored(rows)
		if err != nil {
			return err
		}
		if err := fn(se); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Summary is the compliance view of the ledger.
type Summary struct {
	TotalEvents int            `json:"total_events"`
	ByType      map[string]int `json:"by_type"`
	ByActor     map[string]int `json:"by_actor"`
	FirstTS     string         `json:"first_ts,omitempty"`
	LastTS      string         `json:"last_ts,omitempty"`
	HeadSeq     int64          `json:"head_seq"`
	HeadHash    string         `json:"head_hash"`
}

func (s Store) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{ByType: map[string]int{}, ByActor: map[string]int{}}
	if err := s.groupCount(ctx, "type", sum.ByType); err != nil {
		return sum, err
	}
	if err := s.groupCount(ctx, "actor_id", sum.ByActor); err != nil {
		return sum, err
	}
	for _, n := range sum.ByType {
		sum.TotalEvents += n
	}
	var first, last sql.NullString
	if err := s.DB.QueryRowContext(ctx, `SELECT MIN(ts), MAX(ts) FROM audit_events`).Scan(&first, &last); err != nil {
		return sum, err
	}
	sum.FirstTS, sum.LastTS = first.String, last.String
	seq, hash, err := s.Head(ctx)
	if err != nil {
		return sum, err
	}
	sum.HeadSeq, sum.HeadHash = seq, hash
	return sum, nil
}

func (s Store) groupCount(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s, COUNT(*) FROM audit_events GROUP BY %s`, column, column))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// ExportJSONL writes every event as one JSON line and returns the count.
func (s Store) ExportJSONL(ctx context.Context, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := s.each(ctx, func(se storedEvent) error {
		n++
		return enc.Encode(se.Event)
	})
	return n, err
}
