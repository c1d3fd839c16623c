package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models actionqueue.yml.
type Config struct {
	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`
	Ranking struct {
		ProductionVersion string        `yaml:"production_version"`
		RerankInterval    time.Duration `yaml:"rerank_interval"`
		MaxStaleness      time.Duration `yaml:"max_staleness"`
		LockTTL           time.Duration `yaml:"lock_ttl"`
	} `yaml:"ranking"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Ledger   struct {
		VerifyInterval time.Duration `yaml:"verify_interval"`
	} `yaml:"ledger"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		DevLogin               bool   `yaml:"dev_login"`
	} `yaml:"server"`
	Redis struct {
		URL          string `yaml:"url"`
		IntakeStream string `yaml:"intake_stream"`
		IntakeGroup  string `yaml:"intake_group"`
		LockKey      string `yaml:"lock_key"`
	} `yaml:"redis"`
	Telemetry struct {
		Enabled     bool    `yaml:"enabled"`
		Endpoint    string  `yaml:"endpoint"`
		Insecure    bool    `yaml:"insecure"`
		ServiceName string  `yaml:"service_name"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"telemetry"`
	Export struct {
		Bucket   string `yaml:"bucket"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"export"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DispatchConfig bounds collaborator calls and the dispatcher's worker pool.
type DispatchConfig struct {
	Timeout       time.Duration         `yaml:"timeout"`
	MaxAttempts   int                   `yaml:"max_attempts"`
	BaseDelay     time.Duration         `yaml:"base_delay"`
	MaxDelay      time.Duration         `yaml:"max_delay"`
	ClaimTTL      time.Duration         `yaml:"claim_ttl"`
	Auto          bool                  `yaml:"auto"`
	Workers       int                   `yaml:"workers"`
	PollInterval  time.Duration         `yaml:"poll_interval"`
	RatePerSecond float64               `yaml:"rate_per_second"`
	Burst         int                   `yaml:"burst"`
	Kinds         map[string]KindConfig `yaml:"kinds"`
}

// WorstCase is the longest a single dispatch can take with every attempt
// timing out and every backoff at its cap.
func (d DispatchConfig) WorstCase() time.Duration {
	timeout := d.Timeout
	for _, k := range d.Kinds {
		if k.Timeout > timeout {
			timeout = k.Timeout
		}
	}
	attempts := max(d.MaxAttempts, 1)
	return time.Duration(attempts)*timeout + time.Duration(attempts-1)*d.MaxDelay + timeout
}

// KindConfig configures one registered action kind.
type KindConfig struct {
	Handler       string        `yaml:"handler"`
	Schema        string        `yaml:"schema"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Webhook       WebhookConfig `yaml:"webhook"`
}

// WebhookConfig points a kind at a generic HTTP collaborator.
type WebhookConfig struct {
	URL         string `yaml:"url"`
	RollbackURL string `yaml:"rollback_url"`
	Secret      string `yaml:"secret"`
}

var rankingVersions = map[string]bool{"v1_basic": true, "v2_hybrid": true, "v3_ml": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with aq init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or postgres")
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("config.storage.dsn is required for postgres")
	}
	if !rankingVersions[c.Ranking.ProductionVersion] {
		return fmt.Errorf("config.ranking.production_version %q is not a known ranking version", c.Ranking.ProductionVersion)
	}
	if c.Ranking.RerankInterval <= 0 {
		return fmt.Errorf("config.ranking.rerank_interval must be positive")
	}
	if c.Ranking.MaxStaleness < c.Ranking.RerankInterval {
		return fmt.Errorf("config.ranking.max_staleness must be >= rerank_interval")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("config.dispatch.timeout must be positive")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("config.dispatch.max_attempts must be >= 1")
	}
	if c.Dispatch.ClaimTTL <= c.Dispatch.WorstCase() {
		return fmt.Errorf("config.dispatch.claim_ttl must exceed the longest dispatch (%s)", c.Dispatch.WorstCase())
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("config.dispatch.workers must be >= 1")
	}
	for kind, kc := range c.Dispatch.Kinds {
		if strings.TrimSpace(kind) == "" {
			return fmt.Errorf("config.dispatch.kinds contains empty kind")
		}
		if kc.Handler == "webhook" && kc.Webhook.URL == "" {
			return fmt.Errorf("kind %s uses webhook handler without webhook.url", kind)
		}
		if kc.RatePerSecond < 0 {
			return fmt.Errorf("kind %s has negative rate_per_second", kind)
		}
	}
	if c.Ledger.VerifyInterval <= 0 {
		return fmt.Errorf("config.ledger.verify_interval must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("config.telemetry.sample_rate must be within [0,1]")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "actionqueue.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// data keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `storage:
  driver: sqlite
  dsn: ""

ranking:
  production_version: v1_basic
  rerank_interval: 5m
  max_staleness: 15m
  lock_ttl: 1m

dispatch:
  timeout: 30s
  max_attempts: 3
  base_delay: 500ms
  max_delay: 5s
  claim_ttl: 10m
  auto: false
  workers: 2
  poll_interval: 10s
  rate_per_second: 5
  burst: 5
  kinds: {}

ledger:
  verify_interval: 10m

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_legacy_actor_header: false
  dev_login: false

redis:
  url: ""
  intake_stream: action_proposals
  intake_group: actionqueue_intake
  lock_key: actionqueue:rerank

telemetry:
  enabled: false
  endpoint: localhost:4317
  insecure: true
  service_name: actionqueue
  sample_rate: 1.0

export:
  bucket: ""
  region: us-east-1
  endpoint: ""
  prefix: ledger/

log:
  level: info
  format: text
`
