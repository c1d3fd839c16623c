package repo_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionqueue/internal/db"
	"actionqueue/internal/domain"
	"actionqueue/internal/migrate"
	"actionqueue/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, d, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Dialect: d}
}

func newAction(id string, score float64, created string) domain.Action {
	return domain.Action{
		ID: id, Producer: "inventory", Kind: "inventory_reorder", Target: "sku-" + id,
		DraftPayload: map[string]any{"qty": 3.0}, Evidence: []string{"stock below threshold"},
		ExpectedImpact: domain.ExpectedImpact{Metric: "revenue", Delta: 120, Unit: "usd"},
		Confidence: 0.7, Ease: domain.EaseSimple, RiskTier: domain.RiskNone, CanExecute: true,
		State: domain.StatePendingReview, Score: score, ScoreVersion: "v1_basic",
		DispatchStatus: domain.DispatchNotAttempted, Revision: 1,
		CreatedAt: created, ScoredAt: created, TransitionedAt: created,
	}
}

func TestInsertAndGetAction(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := newAction("a1", 50, "2024-01-01T00:00:00.000000000Z")
	require.NoError(t, r.InsertAction(ctx, nil, a))

	got, err := r.GetAction(ctx, nil, "a1")
	require.NoError(t, err)
	assert.Equal(t, a.DraftPayload, got.DraftPayload)
	assert.Equal(t, a.Evidence, got.Evidence)
	assert.Equal(t, a.ExpectedImpact, got.ExpectedImpact)
	assert.True(t, got.CanExecute)
	assert.Equal(t, domain.DispatchNotAttempted, got.DispatchStatus)

	_, err = r.GetAction(ctx, nil, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateActionIsCompareAndSet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := newAction("a1", 50, "2024-01-01T00:00:00.000000000Z")
	require.NoError(t, r.InsertAction(ctx, nil, a))

	next := a
	next.State = domain.StateApproved
	require.NoError(t, r.UpdateAction(ctx, nil, next, domain.StatePendingReview, 1))

	again := a
	again.State = domain.StateRejected
	err := r.UpdateAction(ctx, nil, again, domain.StatePendingReview, 1)
	assert.True(t, errors.Is(err, repo.ErrConflict))

	got, err := r.GetAction(ctx, nil, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, got.State)
	assert.Equal(t, int64(2), got.Revision)
}

func TestUpdateScoreDiscardsStaleRevision(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := newAction("a1", 50, "2024-01-01T00:00:00.000000000Z")
	require.NoError(t, r.InsertAction(ctx, nil, a))

	ok, err := r.UpdateScore(ctx, nil, "a1", 70, "v2_hybrid", "2024-01-01T00:01:00.000000000Z", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	edited := a
	edited.Confidence = 0.9
	require.NoError(t, r.UpdateAction(ctx, nil, edited, domain.StatePendingReview, 1))

	ok, err = r.UpdateScore(ctx, nil, "a1", 10, "v2_hybrid", "2024-01-01T00:02:00.000000000Z", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListActionsFiltersAndOrders(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	low := newAction("low", 10, "2024-01-01T00:00:00.000000000Z")
	high := newAction("high", 90, "2024-01-02T00:00:00.000000000Z")
	tie := newAction("tie", 90, "2024-01-03T00:00:00.000000000Z")
	other := newAction("other", 99, "2024-01-01T00:00:00.000000000Z")
	other.Producer = "seo"
	other.RiskTier = domain.RiskPolicy
	for _, a := range []domain.Action{low, high, tie, other} {
		require.NoError(t, r.InsertAction(ctx, nil, a))
	}

	got, err := r.ListActions(ctx, repo.ActionFilter{State: domain.StatePendingReview, Producer: "inventory"})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, a := range got {
		ids[i] = a.ID
	}
	assert.Equal(t, []string{"high", "tie", "low"}, ids)

	got, err = r.ListActions(ctx, repo.ActionFilter{Sort: "created_at", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "other", got[0].ID)

	n, err := r.CountActions(ctx, repo.ActionFilter{RiskTier: domain.RiskPolicy})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.ListActions(ctx, repo.ActionFilter{Sort: "random"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestProducerStatsWindow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	old := newAction("old", 1, "2023-11-01T00:00:00.000000000Z")
	recent := newAction("recent", 1, "2024-01-01T00:00:00.000000000Z")
	require.NoError(t, r.InsertAction(ctx, nil, old))
	require.NoError(t, r.InsertAction(ctx, nil, recent))
	require.NoError(t, r.RecordExecution(ctx, nil, "inventory", "inventory_reorder", true, "2024-01-01T00:00:00.000000000Z"))
	require.NoError(t, r.RecordExecution(ctx, nil, "inventory", "inventory_reorder", false, "2024-01-01T00:00:00.000000000Z"))
	require.NoError(t, r.InsertOutcome(ctx, nil, domain.Outcome{ActionID: "old", Producer: "inventory", Kind: "inventory_reorder",
		Success: true, RealizedROI: 40, RecordedAt: "2023-11-02T00:00:00.000000000Z"}))
	require.NoError(t, r.InsertOutcome(ctx, nil, domain.Outcome{ActionID: "recent", Producer: "inventory", Kind: "inventory_reorder",
		Success: true, RealizedROI: 60, RecordedAt: "2024-01-01T00:00:00.000000000Z"}))

	st, err := r.ProducerStats(ctx, nil, "inventory", "inventory_reorder", "2023-12-04T00:00:00.000000000Z")
	require.NoError(t, err)
	assert.Equal(t, 2, st.ExecutionCount)
	assert.Equal(t, 1, st.SuccessCount)
	assert.Equal(t, 2, st.OutcomeCount)
	assert.InDelta(t, 50, st.AvgROI(), 1e-9)
	assert.Equal(t, 1, st.Outcomes28d)
	assert.InDelta(t, 60, st.ROI28d, 1e-9)

	empty, err := r.ProducerStats(ctx, nil, "nobody", "none", "2023-12-04T00:00:00.000000000Z")
	require.NoError(t, err)
	assert.Zero(t, empty.ExecutionCount)
	assert.Zero(t, empty.ROI28d)
}

func TestIdempotencyRecords(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertAction(ctx, nil, newAction("a1", 1, "2024-01-01T00:00:00.000000000Z")))

	_, err := r.LookupRequest(ctx, nil, "a1", domain.TransitionApprove, "k1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, r.RecordRequest(ctx, nil, "a1", domain.TransitionApprove, "k1", 7, "2024-01-01T00:00:00.000000000Z"))
	seq, err := r.LookupRequest(ctx, nil, "a1", domain.TransitionApprove, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
	assert.Error(t, r.RecordRequest(ctx, nil, "a1", domain.TransitionApprove, "k1", 8, "2024-01-01T00:00:00.000000000Z"))
}

func TestAPIKeysAndRoleGrants(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "ops-bot", Role: domain.RoleSystem, KeyHash: repo.HashAPIKey("secret"),
		CreatedAt: "2024-01-01T00:00:00.000000000Z"}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSystem, got.Role)

	bad := key
	bad.ID, bad.Role = "k2", "admin"
	assert.ErrorIs(t, r.InsertAPIKey(ctx, nil, bad), domain.ErrValidation)

	require.NoError(t, r.GrantRole(ctx, nil, domain.RoleGrant{ActorID: "alice", Role: domain.RoleOperator, GrantedBy: "root", CreatedAt: "x"}))
	require.NoError(t, r.GrantRole(ctx, nil, domain.RoleGrant{ActorID: "alice", Role: domain.RoleOperator, GrantedBy: "root", CreatedAt: "y"}))
	roles, err := r.ActorRoles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []domain.Role{domain.RoleOperator}, roles)
	require.NoError(t, r.RevokeRole(ctx, nil, "alice", domain.RoleOperator))
	assert.ErrorIs(t, r.RevokeRole(ctx, nil, "alice", domain.RoleOperator), repo.ErrNotFound)
}

func TestClaimDispatchPostgresStatement(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.Repo{DB: conn, Dialect: db.Postgres}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE actions SET dispatch_status=$1, dispatch_claimed_at=$2, dispatch_attempts=dispatch_attempts+1, revision=revision+1
WHERE id=$3 AND state=$4 AND can_execute=$5 AND dispatch_status IN ($6,$7)`)).
		WithArgs("in_flight", "2024-01-01T00:00:00.000000000Z", "a1", "approved", true, "not_attempted", "retry_authorized").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE actions SET dispatch_status=$1`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := r.ClaimDispatch(context.Background(), nil, "a1", "2024-01-01T00:00:00.000000000Z")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.ClaimDispatch(context.Background(), nil, "a1", "2024-01-01T00:00:00.000000000Z")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
