package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionqueue/internal/config"
	"actionqueue/internal/domain"
	"actionqueue/internal/lock"
	"actionqueue/internal/server"
)

func TestOpenWiresSQLiteWorkspace(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Dispatch.Kinds = map[string]config.KindConfig{
		"price_change": {Handler: "webhook", Webhook: config.WebhookConfig{URL: "http://127.0.0.1:1/execute"}},
	}
	a, err := Open(ctx, t.TempDir(), cfg, nil, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.NotNil(t, a.Engine.Metrics)
	assert.Same(t, a.Registry, a.Engine.Validator)
	assert.Equal(t, []string{"price_change"}, a.Registry.Kinds())
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.IntakeSource())
	assert.IsType(t, &lock.Local{}, a.Locker())

	s := a.Scheduler()
	assert.Equal(t, defaultLockKey, s.Key)
	assert.Equal(t, cfg.Ranking.RerankInterval, s.Interval)

	aud := a.Auditor()
	assert.Equal(t, cfg.Ledger.VerifyInterval, aud.Interval)
	_, outcome, err := aud.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, "valid", outcome)

	st, err := a.Engine.RankingStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Ranking.ProductionVersion, st.ProductionVersion)
}

func TestOpenRejectsUnknownHandler(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.Kinds = map[string]config.KindConfig{"refund": {Handler: "carrier-pigeon"}}
	_, err := Open(context.Background(), t.TempDir(), cfg, nil, false)
	var cerr *domain.ConfigError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "dispatch.kinds.refund.handler", cerr.Key)
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", "json")
	log.Info("dropped")
	log.Warn("kept", "action_id", "a1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "a1", line["action_id"])

	buf.Reset()
	NewLogger(&buf, "bogus", "text").Info("fallback")
	assert.Contains(t, buf.String(), "msg=fallback")
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	a, err := Open(context.Background(), t.TempDir(), config.Default(), nil, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = a.Serve(ctx, ServeOptions{Addr: "127.0.0.1:0", Auth: server.AuthConfig{JWTSecret: "s"}})
	assert.NoError(t, err)
}
