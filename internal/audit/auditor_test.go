package audit_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"actionqueue/internal/audit"
	"actionqueue/internal/domain"
	"actionqueue/internal/ledger"
	"actionqueue/internal/telemetry"
)

type stubVerifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubVerifier) Verify(context.Context) (ledger.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return ledger.Report{Valid: s.err == nil, EventsChecked: 4, HeadHash: "abc"}, s.err
}

func (s *stubVerifier) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newMetrics(t *testing.T) (*telemetry.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	return m, reader
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestTickLogsAndCountsViolations(t *testing.T) {
	var buf bytes.Buffer
	metrics, reader := newMetrics(t)
	v := &stubVerifier{err: &domain.IntegrityViolationError{Problems: []domain.IntegrityProblem{
		{ActionID: "a-1", Problem: "action a-1 stored state applied, ledger replays to approved"},
		{Seq: 7, Problem: "seq 7: content hash mismatch"},
	}}}
	a := &audit.Auditor{Verifier: v, Metrics: metrics, Log: slog.New(slog.NewJSONHandler(&buf, nil))}

	_, outcome, err := a.Tick(context.Background())
	assert.Equal(t, audit.OutcomeViolation, outcome)
	var iv *domain.IntegrityViolationError
	require.ErrorAs(t, err, &iv)

	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), "ledger integrity violation")
	assert.Equal(t, int64(2), counter(t, reader, "actionqueue.ledger.integrity_problems"))
	assert.Equal(t, int64(1), counter(t, reader, "actionqueue.ledger.verifications"))
}

func TestTickReportsValidLedgerQuietly(t *testing.T) {
	var buf bytes.Buffer
	metrics, reader := newMetrics(t)
	a := &audit.Auditor{Verifier: &stubVerifier{}, Metrics: metrics, Log: slog.New(slog.NewJSONHandler(&buf, nil))}

	rep, outcome, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeValid, outcome)
	assert.Equal(t, 4, rep.EventsChecked)
	assert.Empty(t, buf.String())
	assert.Equal(t, int64(0), counter(t, reader, "actionqueue.ledger.integrity_problems"))
}

func TestTickLogsVerificationErrors(t *testing.T) {
	var buf bytes.Buffer
	a := &audit.Auditor{Verifier: &stubVerifier{err: errors.New("db down")}, Log: slog.New(slog.NewJSONHandler(&buf, nil))}
	_, outcome, err := a.Tick(context.Background())
	assert.Error(t, err)
	assert.Equal(t, audit.OutcomeError, outcome)
	assert.Contains(t, buf.String(), "ledger verification failed")
}

func TestRunVerifiesEveryIntervalUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	v := &stubVerifier{}
	a := &audit.Auditor{Verifier: v, Interval: 10 * time.Millisecond}
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return v.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
