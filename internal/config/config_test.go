package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "v1_basic", cfg.Ranking.ProductionVersion)
	assert.Greater(t, cfg.Dispatch.ClaimTTL, cfg.Dispatch.WorstCase())
	assert.Equal(t, 10*time.Minute, cfg.Ledger.VerifyInterval)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("ranking:\n  production_version: v3_ml\n"))
	require.NoError(t, err)
	assert.Equal(t, "v3_ml", cfg.Ranking.ProductionVersion)
	assert.Equal(t, Default().Dispatch.Timeout, cfg.Dispatch.Timeout)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"driver":        {"storage:\n  driver: mysql\n", "storage.driver"},
		"postgres dsn":  {"storage:\n  driver: postgres\n", "storage.dsn"},
		"version":       {"ranking:\n  production_version: v9\n", "production_version"},
		"staleness":     {"ranking:\n  rerank_interval: 10m\n  max_staleness: 1m\n", "max_staleness"},
		"claim ttl":     {"dispatch:\n  timeout: 1m\n  claim_ttl: 1m\n", "claim_ttl"},
		"webhook url":   {"dispatch:\n  kinds:\n    refund:\n      handler: webhook\n", "webhook.url"},
		"empty kind":    {"dispatch:\n  kinds:\n    \"\":\n      handler: custom\n", "empty kind"},
		"log format":    {"log:\n  format: xml\n", "log.format"},
		"sample rate":   {"telemetry:\n  sample_rate: 2\n", "sample_rate"},
		"workers":       {"dispatch:\n  workers: 0\n", "workers"},
		"attempts":      {"dispatch:\n  max_attempts: 0\n", "max_attempts"},
		"negative rate": {"dispatch:\n  kinds:\n    refund:\n      rate_per_second: -1\n", "rate_per_second"},
		"verify":        {"ledger:\n  verify_interval: 0s\n", "verify_interval"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWorstCaseUsesSlowestKind(t *testing.T) {
	d := DispatchConfig{
		Timeout:     time.Second,
		MaxAttempts: 3,
		MaxDelay:    2 * time.Second,
		Kinds:       map[string]KindConfig{"refund": {Timeout: 5 * time.Second}},
	}
	assert.Equal(t, 3*5*time.Second+2*2*time.Second+5*time.Second, d.WorstCase())
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "aq init"))

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "actionqueue.yml"), []byte("log:\n  level: debug\n  format: json\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
}
