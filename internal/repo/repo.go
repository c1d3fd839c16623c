package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"actionqueue/internal/db"
	"actionqueue/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set update matched no row.
	ErrConflict = errors.New("concurrent modification")
)

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

func (r Repo) querier(q db.Querier) db.Querier {
	if q == nil {
		return r.DB
	}
	return q
}

const actionColumns = `id,producer,kind,target,draft_payload_json,evidence_json,impact_metric,impact_delta,impact_unit,confidence,ease,risk_tier,freshness_label,can_execute,rollback_plan,rollback_data_json,state,score,score_version,dispatch_status,dispatch_attempts,COALESCE(dispatch_claimed_at,''),COALESCE(last_dispatch_error,''),execution_result_json,COALESCE(reject_reason,''),revision,created_at,scored_at,transitioned_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(row scanner) (domain.Action, error) {
	var (
		a                             domain.Action
		payload, evidence             string
		ease, risk, state, dispatch   string
		rollbackData, executionResult sql.NullString
	)
	err := row.Scan(&a.ID, &a.Producer, &a.Kind, &a.Target, &payload, &evidence, &a.ExpectedImpact.Metric,
		&a.ExpectedImpact.Delta, &a.ExpectedImpact.Unit, &a.Confidence, &ease, &risk, &a.FreshnessLabel,
		&a.CanExecute, &a.RollbackPlan, &rollbackData, &state, &a.Score, &a.ScoreVersion, &dispatch,
		&a.DispatchAttempts, &a.DispatchClaimedAt, &a.LastDispatchError, &executionResult, &a.RejectReason,
		&a.Revision, &a.CreatedAt, &a.ScoredAt, &a.TransitionedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Ease = domain.Ease(ease)
	a.RiskTier = domain.RiskTier(risk)
	a.State = domain.State(state)
	a.DispatchStatus = domain.DispatchStatus(dispatch)
	if err := json.Unmarshal([]byte(payload), &a.DraftPayload); err != nil {
		return a, fmt.Errorf("decode draft payload for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(evidence), &a.Evidence); err != nil {
		return a, fmt.Errorf("decode evidence for %s: %w", a.ID, err)
	}
	if rollbackData.Valid {
		if err := json.Unmarshal([]byte(rollbackData.String), &a.RollbackData); err != nil {
			return a, fmt.Errorf("decode rollback data for %s: %w", a.ID, err)
		}
	}
	if executionResult.Valid {
		if err := json.Unmarshal([]byte(executionResult.String), &a.ExecutionResult); err != nil {
			return a, fmt.Errorf("decode execution result for %s: %w", a.ID, err)
		}
	}
	return a, nil
}

type encodedAction struct {
	payload, evidence             string
	rollbackData, executionResult any
}

func encodeAction(a domain.Action) (encodedAction, error) {
	var enc encodedAction
	payload, err := json.Marshal(a.DraftPayload)
	if err != nil {
		return enc, fmt.Errorf("encode draft payload: %w", err)
	}
	evidence := a.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	ev, err := json.Marshal(evidence)
	if err != nil {
		return enc, fmt.Errorf("encode evidence: %w", err)
	}
	enc.payload, enc.evidence = string(payload), string(ev)
	if enc.rollbackData, err = nullableJSON(a.RollbackData); err != nil {
		return enc, err
	}
	if enc.executionResult, err = nullableJSON(a.ExecutionResult); err != nil {
		return enc, err
	}
	return enc, nil
}

func (r Repo) InsertAction(ctx context.Context, q db.Querier, a domain.Action) error {
	enc, err := encodeAction(a)
	if err != nil {
		return err
	}
	_, err = r.querier(q).ExecContext(ctx, r.q(`INSERT INTO actions(id,producer,kind,target,draft_payload_json,evidence_json,impact_metric,impact_delta,impact_unit,confidence,ease,risk_tier,freshness_label,can_execute,rollback_plan,state,score,score_version,dispatch_status,dispatch_attempts,revision,created_at,scored_at,transitioned_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		a.ID, a.Producer, a.Kind, a.Target, enc.payload, enc.evidence, a.ExpectedImpact.Metric, a.ExpectedImpact.Delta,
		a.ExpectedImpact.Unit, a.Confidence, string(a.Ease), string(a.RiskTier), a.FreshnessLabel, a.CanExecute,
		a.RollbackPlan, string(a.State), a.Score, a.ScoreVersion, string(a.DispatchStatus), a.DispatchAttempts,
		a.Revision, a.CreatedAt, a.ScoredAt, a.TransitionedAt)
	return err
}

func (r Repo) GetAction(ctx context.Context, q db.Querier, id string) (domain.Action, error) {
	return scanAction(r.querier(q).QueryRowContext(ctx, r.q(`SELECT `+actionColumns+` FROM actions WHERE id=?`), id))
}

// UpdateAction writes every mutable column of a, guarded by the state and
// revision the caller read. On success the stored revision is expectRevision+1.
func (r Repo) UpdateAction(ctx context.Context, q db.Querier, a domain.Action, expectState domain.State, expectRevision int64) error {
	enc, err := encodeAction(a)
	if err != nil {
		return err
	}
	res, err := r.querier(q).ExecContext(ctx, r.q(`UPDATE actions SET draft_payload_json=?, evidence_json=?, impact_metric=?, impact_delta=?, impact_unit=?,
confidence=?, rollback_plan=?, rollback_data_json=?, state=?, score=?, score_version=?, dispatch_status=?, dispatch_attempts=?,
dispatch_claimed_at=?, last_dispatch_error=?, execution_result_json=?, reject_reason=?, revision=?, scored_at=?, transitioned_at=?
WHERE id=? AND state=? AND revision=?`),
		enc.payload, enc.evidence, a.ExpectedImpact.Metric, a.ExpectedImpact.Delta, a.ExpectedImpact.Unit,
		a.Confidence, a.RollbackPlan, enc.rollbackData, string(a.State), a.Score, a.ScoreVersion, string(a.DispatchStatus),
		a.DispatchAttempts, nullable(a.DispatchClaimedAt), nullable(a.LastDispatchError), enc.executionResult,
		nullable(a.RejectReason), expectRevision+1, a.ScoredAt, a.TransitionedAt,
		a.ID, string(expectState), expectRevision)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// UpdateScore stores a recomputed score only if the action is still pending
// at the revision the score was computed from. A stale score is discarded.
func (r Repo) UpdateScore(ctx context.Context, q db.Querier, id string, score float64, version, scoredAt string, revision int64) (bool, error) {
	res, err := r.querier(q).ExecContext(ctx, r.q(`UPDATE actions SET score=?, score_version=?, scored_at=? WHERE id=? AND state=? AND revision=?`),
		score, version, scoredAt, id, string(domain.StatePendingReview), revision)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimDispatch atomically moves an approved, claimable action to in_flight.
func (r Repo) ClaimDispatch(ctx context.Context, q db.Querier, id, claimedAt string) (bool, error) {
	res, err := r.querier(q).ExecContext(ctx, r.q(`UPDATE actions SET dispatch_status=?, dispatch_claimed_at=?, dispatch_attempts=dispatch_attempts+1, revision=revision+1
WHERE id=? AND state=? AND can_execute=? AND dispatch_status IN (?,?)`),
		string(domain.DispatchInFlight), claimedAt, id, string(domain.StateApproved), true,
		string(domain.DispatchNotAttempted), string(domain.DispatchRetryAuthorized))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type ActionFilter struct {
	State    domain.State
	States   []domain.State
	Producer string
	Kind     string
	RiskTier domain.RiskTier
	Dispatch []domain.DispatchStatus
	// Sort is "score" (default) or "created_at".
	Sort   string
	Limit  int
	Offset int
}

func (f ActionFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if len(f.States) > 0 {
		clauses = append(clauses, "state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if f.Producer != "" {
		clauses = append(clauses, "producer=?")
		args = append(args, f.Producer)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.RiskTier != "" {
		clauses = append(clauses, "risk_tier=?")
		args = append(args, string(f.RiskTier))
	}
	if len(f.Dispatch) > 0 {
		clauses = append(clauses, "dispatch_status IN ("+placeholders(len(f.Dispatch))+")")
		for _, s := range f.Dispatch {
			args = append(args, string(s))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r Repo) ListActions(ctx context.Context, f ActionFilter) ([]domain.Action, error) {
	where, args := f.where()
	query := `SELECT ` + actionColumns + ` FROM actions` + where
	switch f.Sort {
	case "created_at":
		query += ` ORDER BY created_at ASC, id ASC`
	case "", "score":
		query += ` ORDER BY score DESC, created_at ASC, id ASC`
	default:
		return nil, domain.Invalid("sort", fmt.Sprintf("unknown sort %q", f.Sort))
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountActions(ctx context.Context, f ActionFilter) (int, error) {
	where, args := f.where()
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM actions`+where), args...).Scan(&n)
	return n, err
}

// StaleClaims lists in-flight actions claimed before cutoff.
func (r Repo) StaleClaims(ctx context.Context, cutoff string) ([]domain.Action, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+actionColumns+` FROM actions WHERE dispatch_status=? AND dispatch_claimed_at < ? ORDER BY dispatch_claimed_at ASC`),
		string(domain.DispatchInFlight), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	st := domain.QueueStats{ByState: map[domain.State]int{}, ByDispatch: map[domain.DispatchStatus]int{}}
	rows, err := r.DB.QueryContext(ctx, `SELECT state, dispatch_status, COUNT(*) FROM actions GROUP BY state, dispatch_status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state, dispatch string
			n               int
		)
		if err := rows.Scan(&state, &dispatch, &n); err != nil {
			return st, err
		}
		st.Total += n
		st.ByState[domain.State(state)] += n
		st.ByDispatch[domain.DispatchStatus(dispatch)] += n
	}
	return st, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
