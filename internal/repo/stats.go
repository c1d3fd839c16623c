package repo

import (
	"context"
	"database/sql"
	"errors"

	"actionqueue/internal/db"
	"actionqueue/internal/domain"
)

// ProducerStats returns counters for (producer, kind) together with the
// realized ROI of outcomes recorded at or after since. Missing rows yield zeros.
func (r Repo) ProducerStats(ctx context.Context, q db.Querier, producer, kind, since string) (domain.ProducerStats, error) {
	q = r.querier(q)
	st := domain.ProducerStats{Producer: producer, Kind: kind}
	err := q.QueryRowContext(ctx, r.q(`SELECT execution_count, success_count, outcome_count, total_roi, updated_at FROM producer_stats WHERE producer=? AND kind=?`),
		producer, kind).Scan(&st.ExecutionCount, &st.SuccessCount, &st.OutcomeCount, &st.TotalROI, &st.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, err
	}
	var roi sql.NullFloat64
	err = q.QueryRowContext(ctx, r.q(`SELECT COUNT(*), SUM(realized_roi) FROM outcomes WHERE producer=? AND kind=? AND recorded_at >= ?`),
		producer, kind, since).Scan(&st.Outcomes28d, &roi)
	if err != nil {
		return st, err
	}
	st.ROI28d = roi.Float64
	return st, nil
}

func (r Repo) ListProducerStats(ctx context.Context, since string) ([]domain.ProducerStats, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT producer, kind FROM producer_stats ORDER BY producer, kind`)
	if err != nil {
		return nil, err
	}
	var keys [][2]string
	for rows.Next() {
		var k [2]string
		if err := rows.Scan(&k[0], &k[1]); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.ProducerStats, 0, len(keys))
	for _, k := range keys {
		st, err := r.ProducerStats(ctx, nil, k[0], k[1], since)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// RecordExecution bumps execution counters after a dispatch finished.
func (r Repo) RecordExecution(ctx context.Context, q db.Querier, producer, kind string, success bool, now string) error {
	succ := 0
	if success {
		succ = 1
	}
	_, err := r.querier(q).ExecContext(ctx, r.q(`INSERT INTO producer_stats(producer,kind,execution_count,success_count,outcome_count,total_roi,updated_at) VALUES (?,?,1,?,0,0,?)
ON CONFLICT(producer,kind) DO UPDATE SET execution_count=producer_stats.execution_count+1, success_count=producer_stats.success_count+excluded.success_count, updated_at=excluded.updated_at`),
		producer, kind, succ, now)
	return err
}

// InsertOutcome stores the realized outcome and folds it into producer stats.
func (r Repo) InsertOutcome(ctx context.Context, q db.Querier, o domain.Outcome) error {
	q = r.querier(q)
	if _, err := q.ExecContext(ctx, r.q(`INSERT INTO outcomes(action_id,producer,kind,success,realized_roi,notes,recorded_at) VALUES (?,?,?,?,?,?,?)`),
		o.ActionID, o.Producer, o.Kind, o.Success, o.RealizedROI, nullable(o.Notes), o.RecordedAt); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO producer_stats(producer,kind,execution_count,success_count,outcome_count,total_roi,updated_at) VALUES (?,?,0,0,1,?,?)
ON CONFLICT(producer,kind) DO UPDATE SET outcome_count=producer_stats.outcome_count+1, total_roi=producer_stats.total_roi+excluded.total_roi, updated_at=excluded.updated_at`),
		o.Producer, o.Kind, o.RealizedROI, o.RecordedAt)
	return err
}

func (r Repo) GetOutcome(ctx context.Context, actionID string) (domain.Outcome, error) {
	var (
		o     domain.Outcome
		notes sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT action_id,producer,kind,success,realized_roi,notes,recorded_at FROM outcomes WHERE action_id=?`), actionID).
		Scan(&o.ActionID, &o.Producer, &o.Kind, &o.Success, &o.RealizedROI, &notes, &o.RecordedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	o.Notes = notes.String
	return o, err
}
