package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionqueue/internal/config"
	"actionqueue/internal/db"
	"actionqueue/internal/domain"
	"actionqueue/internal/engine"
	"actionqueue/internal/ledger"
	"actionqueue/internal/migrate"
	"actionqueue/internal/ranking"
)

var (
	operator = domain.Actor{ID: "ops-alice", Role: domain.RoleOperator}
	system   = domain.SystemActor("dispatcher")
	producer = domain.Actor{ID: "inventory", Role: domain.RoleProducer}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, d, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, d, config.Default())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := testEnv{Ctx: context.Background(), now: &now}
	eng.Now = func() time.Time { return *env.now }
	eng.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	env.Engine = eng
	return env
}

func (env testEnv) advance(d time.Duration) { *env.now = env.now.Add(d) }

func proposal(mods ...func(*engine.Proposal)) engine.Proposal {
	p := engine.Proposal{
		Producer:       "inventory",
		Kind:           "inventory_reorder",
		Target:         "sku-123",
		DraftPayload:   map[string]any{"qty": 40.0, "supplier": "acme"},
		Evidence:       []string{"telemetry:stockout-7d"},
		ExpectedImpact: domain.ExpectedImpact{Metric: "revenue", Delta: 1000, Unit: "usd"},
		Confidence:     0.8,
		Ease:           domain.EaseSimple,
		RiskTier:       domain.RiskNone,
		FreshnessLabel: "fresh",
		CanExecute:     true,
		RollbackPlan:   "cancel the purchase order",
	}
	for _, m := range mods {
		m(&p)
	}
	return p
}

func (env testEnv) submit(t *testing.T, p engine.Proposal) domain.Action {
	t.Helper()
	a, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Proposal: p, Actor: producer})
	require.NoError(t, err)
	return a
}

func (env testEnv) events(t *testing.T, id string) []domain.AuditEvent {
	t.Helper()
	evs, err := env.Engine.Events(env.Ctx, ledger.ListOptions{ActionID: id})
	require.NoError(t, err)
	return evs
}

func eventTypes(evs []domain.AuditEvent) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func (env testEnv) verify(t *testing.T) {
	t.Helper()
	rep, err := env.Engine.Store.Verify(env.Ctx)
	require.NoError(t, err, "ledger problems: %+v", rep.Problems)
	require.True(t, rep.Valid)
}

func TestSubmitValidatesProposal(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]func(*engine.Proposal){
		"empty kind":         func(p *engine.Proposal) { p.Kind = " " },
		"empty target":       func(p *engine.Proposal) { p.Target = "" },
		"empty payload":      func(p *engine.Proposal) { p.DraftPayload = map[string]any{} },
		"confidence too big": func(p *engine.Proposal) { p.Confidence = 1.5 },
		"negative conf":      func(p *engine.Proposal) { p.Confidence = -0.1 },
		"unknown ease":       func(p *engine.Proposal) { p.Ease = "trivial" },
		"unknown risk":       func(p *engine.Proposal) { p.RiskTier = "legal" },
		"infinite delta":     func(p *engine.Proposal) { p.ExpectedImpact.Delta = math.Inf(1) },
		"nan delta":          func(p *engine.Proposal) { p.ExpectedImpact.Delta = math.NaN() },
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Proposal: proposal(mod), Actor: producer})
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
	evs, err := env.Engine.Events(env.Ctx, ledger.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestSubmitScoresAndRecordsCreatedEvent(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())

	assert.Equal(t, domain.StatePendingReview, a.State)
	assert.Equal(t, ranking.V1Basic, a.ScoreVersion)
	assert.Equal(t, 1000*0.8*1.0+10, a.Score)
	assert.Equal(t, domain.DispatchNotAttempted, a.DispatchStatus)

	evs := env.events(t, a.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.TransitionSubmit, evs[0].Type)
	assert.Equal(t, domain.StateDraft, evs[0].FromState)
	assert.Equal(t, domain.StatePendingReview, evs[0].ToState)
	assert.Equal(t, producer.ID, evs[0].ActorID)
	env.verify(t)
}

func TestSubmitRequiresProducerRole(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Proposal: proposal(), Actor: operator})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSubmitWithRequestKeyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.SubmitOptions{Proposal: proposal(), Actor: producer, RequestKey: "reorder-sku-123-2024w1"}
	first, err := env.Engine.Submit(env.Ctx, opts)
	require.NoError(t, err)
	second, err := env.Engine.Submit(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, env.events(t, first.ID), 1)
}

func TestConcurrentDuplicateSubmitsReturnOneAction(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.SubmitOptions{Proposal: proposal(), Actor: producer, RequestKey: "reorder-sku-123-2024w2"}
	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			a, err := env.Engine.Submit(env.Ctx, opts)
			ids[i], errs[i] = a.ID, err
		}()
	}
	close(start)
	wg.Wait()
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Len(t, env.events(t, ids[0]), 1)
	env.verify(t)
}

func TestDecisionsFollowTheTransitionTable(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())

	approved, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, approved.State)
	assert.Equal(t, a.Revision+1, approved.Revision)

	_, err = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	_, err = env.Engine.Reject(env.Ctx, engine.RejectOptions{ID: a.ID, Actor: operator, Reason: "changed my mind"})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	got, err := env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, got.State)
	assert.Equal(t, []string{"created", "approved"}, eventTypes(env.events(t, a.ID)))
	env.verify(t)
}

func TestOperatorOnlyDecisions(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	_, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: system})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: producer})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: "missing", Actor: operator})
	assert.Error(t, err)
}

func TestConcurrentApproveHasExactlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())

	const racers = 4
	var (
		wg   sync.WaitGroup
		errs = make([]error, racers)
	)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
		}()
	}
	wg.Wait()

	wins, illegal := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrIllegalTransition):
			illegal++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, illegal)
	assert.Equal(t, []string{"created", "approved"}, eventTypes(env.events(t, a.ID)))
}

func TestApproveAndRejectRaceHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	var (
		wg                    sync.WaitGroup
		approveErr, rejectErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, approveErr = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	}()
	go func() {
		defer wg.Done()
		_, rejectErr = env.Engine.Reject(env.Ctx, engine.RejectOptions{ID: a.ID, Actor: operator, Reason: "duplicate order"})
	}()
	wg.Wait()
	assert.True(t, (approveErr == nil) != (rejectErr == nil), "approve=%v reject=%v", approveErr, rejectErr)
	assert.Len(t, env.events(t, a.ID), 2)
	env.verify(t)
}

func TestRejectWithEmptyReasonWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	_, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{ID: a.ID, Actor: operator, Reason: "   "})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Len(t, env.events(t, a.ID), 1)

	got, err := env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingReview, got.State)

	rejected, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{ID: a.ID, Actor: operator, Reason: "supplier blacklisted"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, rejected.State)
	assert.Equal(t, "supplier blacklisted", rejected.RejectReason)
}

func TestRequestKeyReturnsRecordedResult(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	opts := engine.TransitionOptions{ID: a.ID, Actor: operator, RequestKey: "click-1"}

	first, err := env.Engine.Approve(env.Ctx, opts)
	require.NoError(t, err)
	again, err := env.Engine.Approve(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, first.State, again.State)
	assert.Equal(t, first.Revision, again.Revision)
	assert.Equal(t, []string{"created", "approved"}, eventTypes(env.events(t, a.ID)))

	// a different key is a new request and fails on the state machine
	_, err = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator, RequestKey: "click-2"})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func ptr[T any](v T) *T { return &v }

func TestEditRescoresAndEditBackRestoresScore(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	original := a.Score

	edited, err := env.Engine.Edit(env.Ctx, engine.EditOptions{ID: a.ID, Actor: operator,
		Patch: engine.Patch{Confidence: ptr(0.4), RollbackPlan: ptr("call supplier")}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingReview, edited.State)
	assert.Equal(t, 1000*0.4+10, edited.Score)
	assert.Equal(t, "call supplier", edited.RollbackPlan)

	back, err := env.Engine.Edit(env.Ctx, engine.EditOptions{ID: a.ID, Actor: operator,
		Patch: engine.Patch{Confidence: ptr(0.8)}})
	require.NoError(t, err)
	assert.Equal(t, original, back.Score)

	evs := env.events(t, a.ID)
	assert.Equal(t, []string{"created", "edited", "edited"}, eventTypes(evs))
	assert.Equal(t, []any{"confidence", "rollback_plan"}, evs[1].Payload["fields"])
	env.verify(t)
}

func TestEditRules(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())

	_, err := env.Engine.Edit(env.Ctx, engine.EditOptions{ID: a.ID, Actor: operator})
	assert.ErrorIs(t, err, domain.ErrValidation, "empty patch")
	_, err = env.Engine.Edit(env.Ctx, engine.EditOptions{ID: a.ID, Actor: operator, Patch: engine.Patch{Confidence: ptr(2.0)}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.Edit(env.Ctx, engine.EditOptions{ID: a.ID, Actor: operator,
		Patch: engine.Patch{ExpectedImpact: &domain.ExpectedImpact{Metric: "revenue", Delta: math.Inf(-1)}}})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expected_impact.delta", verr.Field)

	_, err = env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	require.NoError(t, err)
	_, err = env.Engine.Edit(env.Ctx, engine.EditOptions{ID: a.ID, Actor: operator, Patch: engine.Patch{Confidence: ptr(0.5)}})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestInformationalActionNeverReachesApplied(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal(func(p *engine.Proposal) { p.CanExecute = false }))
	_, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	require.NoError(t, err)

	_, err = env.Engine.ClaimDispatch(env.Ctx, a.ID, system)
	assert.ErrorIs(t, err, domain.ErrNotExecutable)
	_, err = env.Engine.CompleteDispatch(env.Ctx, a.ID, system, map[string]any{"ok": true}, nil)
	assert.ErrorIs(t, err, domain.ErrNotExecutable)

	got, err := env.Engine.Get(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, got.State)
	assert.Equal(t, domain.DispatchNotAttempted, got.DispatchStatus)
}

func TestDispatchLifecycleAndOutcomeFeedback(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	_, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	require.NoError(t, err)

	claimed, err := env.Engine.ClaimDispatch(env.Ctx, a.ID, system)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchInFlight, claimed.DispatchStatus)
	assert.Equal(t, 1, claimed.DispatchAttempts)
	_, err = env.Engine.ClaimDispatch(env.Ctx, a.ID, system)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition, "second claim")

	done, err := env.Engine.CompleteDispatch(env.Ctx, a.ID, system,
		map[string]any{"po": "PO-9"}, map[string]any{"cancel_po": "PO-9"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateAudited, done.State)
	assert.Equal(t, domain.DispatchSucceeded, done.DispatchStatus)
	assert.Equal(t, "PO-9", done.ExecutionResult["po"])

	learned, err := env.Engine.RecordOutcome(env.Ctx, engine.OutcomeOptions{ID: a.ID, Actor: system, Success: true, RealizedROI: 120})
	require.NoError(t, err)
	assert.Equal(t, domain.StateLearned, learned.State)

	evs := env.events(t, a.ID)
	assert.Equal(t, []string{"created", "approved", "dispatch.claimed", "applied", "audited", "learned"}, eventTypes(evs))
	assert.Equal(t, "PO-9", evs[3].RollbackData["cancel_po"])

	st, err := env.Engine.Stats(env.Ctx)
	require.NoError(t, err)
	require.Len(t, st.Producers, 1)
	assert.Equal(t, 1, st.Producers[0].ExecutionCount)
	assert.Equal(t, 1, st.Producers[0].SuccessCount)
	assert.Equal(t, 120.0, st.Producers[0].ROI28d)
	assert.Equal(t, 1, st.Queue.ByState[domain.StateLearned])
	env.verify(t)

	// later proposals from the same producer/kind blend in the realized ROI under v2
	_, err = env.Engine.SetRankingVersion(env.Ctx, operator, "v2")
	require.NoError(t, err)
	next := env.submit(t, proposal())
	assert.Equal(t, ranking.V2Hybrid, next.ScoreVersion)
	assert.InDelta(t, 0.7*800+0.3*120+10, next.Score, 1e-9)
}

func TestFailureLeavesActionApprovedWithOneEvent(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	_, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	require.NoError(t, err)
	_, err = env.Engine.ClaimDispatch(env.Ctx, a.ID, system)
	require.NoError(t, err)

	failed, err := env.Engine.FailDispatch(env.Ctx, a.ID, system, engine.Failure{
		Err: context.DeadlineExceeded, Attempts: 3, Effect: domain.EffectPartial, RolledBack: false,
	})
	var dfe *domain.DispatchFailureError
	require.ErrorAs(t, err, &dfe)
	assert.Equal(t, 3, dfe.Attempts)
	assert.Equal(t, domain.StateApproved, failed.State)
	assert.Equal(t, domain.DispatchFailedRollbackRequired, failed.DispatchStatus)

	_, err = env.Engine.RetryDispatch(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition, "rollback still required")

	failedEvents := 0
	for _, ev := range env.events(t, a.ID) {
		if ev.Type == engine.EventDispatchFailed {
			failedEvents++
			assert.Equal(t, "partial", ev.Payload["effect"])
		}
	}
	assert.Equal(t, 1, failedEvents)
	env.verify(t)
}

func TestRetryAfterCleanFailure(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	_, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	require.NoError(t, err)
	_, err = env.Engine.ClaimDispatch(env.Ctx, a.ID, system)
	require.NoError(t, err)
	_, err = env.Engine.FailDispatch(env.Ctx, a.ID, system, engine.Failure{Err: errors.New("422 invalid sku"), Attempts: 1})
	require.ErrorIs(t, err, domain.ErrDispatchFailure)

	_, err = env.Engine.RetryDispatch(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: system})
	assert.ErrorIs(t, err, domain.ErrForbidden, "retry is operator-initiated")
	retried, err := env.Engine.RetryDispatch(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchRetryAuthorized, retried.DispatchStatus)

	claimed, err := env.Engine.ClaimDispatch(env.Ctx, a.ID, system)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.DispatchAttempts)
}

func TestReconciliationOfAmbiguousClaim(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	_, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: a.ID, Actor: operator})
	require.NoError(t, err)
	_, err = env.Engine.ClaimDispatch(env.Ctx, a.ID, system)
	require.NoError(t, err)

	flagged, err := env.Engine.MarkReconcile(env.Ctx, a.ID, system, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchReconcileRequired, flagged.DispatchStatus)
	_, err = env.Engine.ClaimDispatch(env.Ctx, a.ID, system)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition, "never silently re-dispatched")

	done, err := env.Engine.ResolveReconciliation(env.Ctx, engine.ReconcileOptions{ID: a.ID, Actor: operator,
		Succeeded: true, Result: map[string]any{"po": "PO-1"}, Note: "confirmed in supplier portal"}, system)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAudited, done.State)
	env.verify(t)
}

func TestSetRankingVersionIsAudited(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetRankingVersion(env.Ctx, system, "v3")
	assert.ErrorIs(t, err, domain.ErrForbidden, "background jobs never switch versions")
	_, err = env.Engine.SetRankingVersion(env.Ctx, operator, "v9")
	assert.ErrorIs(t, err, domain.ErrValidation)

	st, err := env.Engine.SetRankingVersion(env.Ctx, operator, "v3")
	require.NoError(t, err)
	assert.Equal(t, ranking.V3ML, st.ProductionVersion)
	assert.Equal(t, operator.ID, st.UpdatedBy)

	// setting the same version again records nothing
	_, err = env.Engine.SetRankingVersion(env.Ctx, operator, ranking.V3ML)
	require.NoError(t, err)
	evs, err := env.Engine.Events(env.Ctx, ledger.ListOptions{Type: "config.ranking_version"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "v1_basic", evs[0].Payload["from"])
	assert.Equal(t, "v3_ml", evs[0].Payload["to"])
}

func TestRerankRescoresPendingAndTracksStaleness(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, proposal())
	b := env.submit(t, proposal(func(p *engine.Proposal) { p.Target = "sku-9" }))
	_, err := env.Engine.Approve(env.Ctx, engine.TransitionOptions{ID: b.ID, Actor: operator})
	require.NoError(t, err)

	st, err := env.Engine.RankingStatus(env.Ctx)
	require.NoError(t, err)
	assert.True(t, st.Stale, "no rerank yet")

	_, err = env.Engine.SetRankingVersion(env.Ctx, operator, "v3")
	require.NoError(t, err)
	res, err := env.Engine.Rerank(env.Ctx, system)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scored, "only pending actions are rescored")
	assert.Equal(t, 1, res.Updated)

	got, err := env.Engine.Repo.GetAction(env.Ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ranking.V3ML, got.ScoreVersion)
	assert.Equal(t, 800*0.5+10, got.Score)
	assert.Equal(t, a.Revision, got.Revision, "scoring never bumps the revision")

	st, err = env.Engine.RankingStatus(env.Ctx)
	require.NoError(t, err)
	assert.False(t, st.Stale)
	env.advance(env.Engine.Config.Ranking.MaxStaleness + time.Second)
	st, err = env.Engine.RankingStatus(env.Ctx)
	require.NoError(t, err)
	assert.True(t, st.Stale)
}

func TestTopRanksPendingByScoreThenAge(t *testing.T) {
	env := newTestEnv(t)
	low := env.submit(t, proposal(func(p *engine.Proposal) { p.RiskTier = domain.RiskPolicy }))
	env.advance(time.Second)
	high := env.submit(t, proposal())
	env.advance(time.Second)
	tie := env.submit(t, proposal())

	top, err := env.Engine.Top(env.Ctx, engine.TopOptions{N: 2})
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, high.ID, top[0].ID, "oldest wins a tie")
	assert.Equal(t, tie.ID, top[1].ID)
	assert.Greater(t, high.Score, low.Score)
	require.NotNil(t, top[0].Ranking)
	assert.Equal(t, 10.0, top[0].Ranking.Factors["freshness_bonus"])

	list, err := env.Engine.List(env.Ctx, engine.ListOptions{State: domain.StatePendingReview, RiskTier: domain.RiskPolicy})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, low.ID, list[0].ID)

	_, err = env.Engine.List(env.Ctx, engine.ListOptions{State: "bogus"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCompareReportsRecommendation(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, proposal())
	cmp, err := env.Engine.Compare(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp.Actions)
	assert.Equal(t, ranking.V1Basic, cmp.Recommendation, "v3 halves unproven producers")
}

func TestGrantRoleAndAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	require.ErrorIs(t, env.Engine.GrantRole(env.Ctx, producer, "bob", domain.RoleOperator), domain.ErrForbidden)
	require.NoError(t, env.Engine.GrantRole(env.Ctx, operator, "bob", domain.RoleOperator))
	evs, err := env.Engine.Events(env.Ctx, ledger.ListOptions{Type: "config.role_granted"})
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	key, err := env.Engine.CreateAPIKey(env.Ctx, "inventory", domain.RoleProducer, "ci")
	require.NoError(t, err)
	assert.NotEmpty(t, key.Key)
	assert.NotEqual(t, key.Key, key.KeyHash)
	_, err = env.Engine.CreateAPIKey(env.Ctx, "inventory", "admin", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	env.verify(t)
}
