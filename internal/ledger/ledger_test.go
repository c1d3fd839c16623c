package ledger_test

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionqueue/internal/db"
	"actionqueue/internal/domain"
	"actionqueue/internal/ledger"
	"actionqueue/internal/migrate"
)

type testLedger struct {
	DB     *sql.DB
	Writer ledger.Writer
	Store  ledger.Store
	Ctx    context.Context
}

func newTestLedger(t *testing.T) testLedger {
	t.Helper()
	conn, d, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, d))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return testLedger{
		DB: conn,
		Writer: ledger.Writer{Dialect: d, Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}},
		Store: ledger.Store{DB: conn, Dialect: d},
		Ctx:   context.Background(),
	}
}

func (l testLedger) insertAction(t *testing.T, id string, state domain.State) {
	t.Helper()
	_, err := l.DB.Exec(`INSERT INTO actions(id,producer,kind,target,draft_payload_json,confidence,ease,risk_tier,state,score_version,created_at,scored_at,transitioned_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, id, "inventory", "inventory_reorder", "sku-1", `{"qty":5}`, 0.8, "simple", "none", string(state), "v1_basic",
		"2024-01-01T00:00:00.000000000Z", "2024-01-01T00:00:00.000000000Z", "2024-01-01T00:00:00.000000000Z")
	require.NoError(t, err)
}

func (l testLedger) setState(t *testing.T, id string, state domain.State) {
	t.Helper()
	_, err := l.DB.Exec(`UPDATE actions SET state=? WHERE id=?`, string(state), id)
	require.NoError(t, err)
}

func (l testLedger) append(t *testing.T, e ledger.Entry) domain.AuditEvent {
	t.Helper()
	tx, err := l.DB.BeginTx(l.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	ev, err := l.Writer.Append(l.Ctx, tx, e)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return ev
}

func snapshot(id string, state domain.State) *domain.Action {
	return &domain.Action{ID: id, Kind: "inventory_reorder", State: state, CanExecute: true, Confidence: 0.8,
		DraftPayload: map[string]any{"qty": 5.0}}
}

func transition(id, typ string, from, to domain.State) ledger.Entry {
	return ledger.Entry{
		Type:     typ,
		ActionID: id,
		Actor:    domain.Actor{ID: "op-1", Role: domain.RoleOperator},
		From:     from,
		To:       to,
		Before:   snapshot(id, from),
		After:    snapshot(id, to),
		Payload:  ledger.Payload{"note": "test"},
	}
}

func TestAppendChainsHashes(t *testing.T) {
	l := newTestLedger(t)
	l.insertAction(t, "a-1", domain.StateApproved)

	first := l.append(t, transition("a-1", domain.TransitionSubmit, domain.StateDraft, domain.StatePendingReview))
	second := l.append(t, transition("a-1", domain.TransitionApprove, domain.StatePendingReview, domain.StateApproved))
	third := l.append(t, ledger.Entry{Type: "dispatch.claimed", ActionID: "a-1", Actor: domain.SystemActor("")})

	assert.Equal(t, ledger.Genesis, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, second.Hash, third.PrevHash)
	assert.Less(t, first.Seq, second.Seq)

	rep, err := l.Store.Verify(l.Ctx)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 3, rep.EventsChecked)
	assert.Equal(t, 1, rep.ActionsChecked)
	assert.Equal(t, third.Hash, rep.HeadHash)
}

func TestEventsRoundTripSnapshots(t *testing.T) {
	l := newTestLedger(t)
	l.insertAction(t, "a-1", domain.StatePendingReview)
	l.append(t, transition("a-1", domain.TransitionSubmit, domain.StateDraft, domain.StatePendingReview))

	events, err := l.Store.Events(l.Ctx, ledger.ListOptions{ActionID: "a-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, domain.RoleOperator, ev.ActorRole)
	assert.Equal(t, domain.StatePendingReview, ev.ToState)
	require.NotNil(t, ev.After)
	assert.Equal(t, 5.0, ev.After.DraftPayload["qty"])
	assert.Equal(t, "test", ev.Payload["note"])
}

func TestVerifyDetectsStateMismatch(t *testing.T) {
	l := newTestLedger(t)
	l.insertAction(t, "a-1", domain.StatePendingReview)
	l.append(t, transition("a-1", domain.TransitionSubmit, domain.StateDraft, domain.StatePendingReview))
	l.append(t, transition("a-1", domain.TransitionApprove, domain.StatePendingReview, domain.StateApproved))
	l.setState(t, "a-1", domain.StateApplied)

	rep, err := l.Store.Verify(l.Ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIntegrityViolation))
	var iv *domain.IntegrityViolationError
	require.True(t, errors.As(err, &iv))
	assert.False(t, rep.Valid)
	require.Len(t, rep.Problems, 1)
	assert.Contains(t, rep.Problems[0].Problem, "replays to approved")
}

func TestVerifyIgnoresTransitionsCommittedDuringTheWalk(t *testing.T) {
	l := newTestLedger(t)
	const n = 50
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("a-%03d", i)
		l.insertAction(t, ids[i], domain.StatePendingReview)
		l.append(t, transition(ids[i], domain.TransitionSubmit, domain.StateDraft, domain.StatePendingReview))
	}

	done := make(chan error, 1)
	go func() {
		for _, id := range ids {
			tx, err := l.DB.BeginTx(l.Ctx, nil)
			if err != nil {
				done <- err
				return
			}
			if _, err := tx.ExecContext(l.Ctx, `UPDATE actions SET state=? WHERE id=?`, string(domain.StateApproved), id); err != nil {
				tx.Rollback()
				done <- err
				return
			}
			if _, err := l.Writer.Append(l.Ctx, tx, transition(id, domain.TransitionApprove, domain.StatePendingReview, domain.StateApproved)); err != nil {
				tx.Rollback()
				done <- err
				return
			}
			if err := tx.Commit(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	runs := 0
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			rep, err := l.Store.Verify(l.Ctx)
			require.NoError(t, err)
			assert.Equal(t, 2*n, rep.EventsChecked)
			t.Logf("verified %d times while approving", runs)
			return
		default:
		}
		rep, err := l.Store.Verify(l.Ctx)
		require.NoError(t, err, "run %d", runs)
		assert.GreaterOrEqual(t, rep.EventsChecked, n)
		runs++
	}
}

func TestVerifyDetectsIllegalEdge(t *testing.T) {
	l := newTestLedger(t)
	l.insertAction(t, "a-1", domain.StateApplied)
	l.append(t, transition("a-1", domain.TransitionSubmit, domain.StateDraft, domain.StatePendingReview))
	l.append(t, transition("a-1", domain.TransitionApply, domain.StatePendingReview, domain.StateApplied))

	rep, err := l.Store.Verify(l.Ctx)
	require.ErrorIs(t, err, domain.ErrIntegrityViolation)
	require.NotEmpty(t, rep.Problems)
	assert.Contains(t, rep.Problems[0].Problem, "illegal edge pending_review -> applied")
}

func TestVerifyDetectsMissingHistory(t *testing.T) {
	l := newTestLedger(t)
	l.insertAction(t, "orphan", domain.StatePendingReview)

	rep, err := l.Store.Verify(l.Ctx)
	require.ErrorIs(t, err, domain.ErrIntegrityViolation)
	assert.Contains(t, rep.Problems[0].Problem, "no ledger history")
}

func TestAuditEventsAppendOnly(t *testing.T) {
	l := newTestLedger(t)
	l.insertAction(t, "a-1", domain.StatePendingReview)
	ev := l.append(t, transition("a-1", domain.TransitionSubmit, domain.StateDraft, domain.StatePendingReview))

	_, err := l.DB.Exec(`UPDATE audit_events SET payload_json='{}' WHERE seq=?`, ev.Seq)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = l.DB.Exec(`DELETE FROM audit_events WHERE seq=?`, ev.Seq)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestVerifyDetectsTamperedContent(t *testing.T) {
	l := newTestLedger(t)
	l.insertAction(t, "a-1", domain.StatePendingReview)
	ev := l.append(t, transition("a-1", domain.TransitionSubmit, domain.StateDraft, domain.StatePendingReview))

	_, err := l.DB.Exec(`DROP TRIGGER audit_events_no_update`)
	require.NoError(t, err)
	_, err = l.DB.Exec(`UPDATE audit_events SET payload_json='{"note":"forged"}' WHERE seq=?`, ev.Seq)
	require.NoError(t, err)

	rep, err := l.Store.Verify(l.Ctx)
	require.ErrorIs(t, err, domain.ErrIntegrityViolation)
	assert.Contains(t, rep.Problems[0].Problem, "content hash mismatch")
}

func TestSummaryCountsByTypeAndActor(t *testing.T) {
	l := newTestLedger(t)
	l.insertAction(t, "a-1", domain.StateApproved)
	l.append(t, transition("a-1", domain.TransitionSubmit, domain.StateDraft, domain.StatePendingReview))
	l.append(t, transition("a-1", domain.TransitionApprove, domain.StatePendingReview, domain.StateApproved))
	l.append(t, ledger.Entry{Type: "config.ranking_version", EntityKind: "config", Actor: domain.Actor{ID: "admin", Role: domain.RoleOperator}})

	sum, err := l.Store.Summary(l.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalEvents)
	assert.Equal(t, 1, sum.ByType[domain.TransitionApprove])
	assert.Equal(t, 2, sum.ByActor["op-1"])
	assert.Equal(t, int64(3), sum.HeadSeq)
	assert.NotEmpty(t, sum.FirstTS)
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3ExportUploadsJSONL(t *testing.T) {
	l := newTestLedger(t)
	l.insertAction(t, "a-1", domain.StateApproved)
	l.append(t, transition("a-1", domain.TransitionSubmit, domain.StateDraft, domain.StatePendingReview))
	last := l.append(t, transition("a-1", domain.TransitionApprove, domain.StatePendingReview, domain.StateApproved))

	putter := &fakePutter{}
	x := &ledger.S3Exporter{Client: putter, Bucket: "audit", Prefix: "ledger/",
		Now: func() time.Time { return time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC) }}
	res, err := x.Export(l.Ctx, l.Store)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Events)
	assert.Equal(t, last.Hash, res.HeadHash)
	assert.True(t, strings.HasPrefix(res.Key, "ledger/audit-20240203-"))
	assert.Equal(t, "audit", *putter.input.Bucket)
	assert.Equal(t, last.Hash, putter.input.Metadata["head-hash"])

	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(putter.body))
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
}
