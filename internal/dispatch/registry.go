package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"actionqueue/internal/config"
	"actionqueue/internal/domain"
)

type entry struct {
	handler Handler
	schema  *jsonschema.Schema
	timeout time.Duration
	limiter *rate.Limiter
}

// Registry maps action kinds to handlers. It is populated at startup; a kind
// with no handler is a configuration error at dispatch time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}, schemas: map[string]*jsonschema.Schema{}}
}

type Option func(*entry)

// WithTimeout bounds one Execute call for the kind.
func WithTimeout(d time.Duration) Option {
	return func(e *entry) { e.timeout = d }
}

// WithRate limits how often the kind's collaborator is called.
func WithRate(perSecond float64, burst int) Option {
	return func(e *entry) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Register binds h to kind.
func (r *Registry) Register(kind string, h Handler, opts ...Option) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return &domain.ConfigError{Key: "dispatch.kinds", Reason: "empty kind"}
	}
	if h == nil {
		return &domain.ConfigError{Key: "dispatch.kinds." + kind, Reason: "nil handler"}
	}
	e := &entry{handler: h}
	for _, opt := range opts {
		opt(e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[kind]; dup {
		return &domain.ConfigError{Key: "dispatch.kinds." + kind, Reason: "handler registered twice"}
	}
	e.schema = r.schemas[kind]
	r.entries[kind] = e
	return nil
}

// RegisterSchema compiles a JSON schema (draft 2020-12) that every draft
// payload of kind must satisfy, whether or not the kind is executable.
func (r *Registry) RegisterSchema(kind, source string) error {
	url := "https://actionqueue.local/schemas/" + kind + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return &domain.ConfigError{Key: "dispatch.kinds." + kind + ".schema", Reason: err.Error()}
	}
	schema, err := c.Compile(url)
	if err != nil {
		return &domain.ConfigError{Key: "dispatch.kinds." + kind + ".schema", Reason: err.Error()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = schema
	if e, ok := r.entries[kind]; ok {
		e.schema = schema
	}
	return nil
}

func (r *Registry) lookup(kind string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok {
		return nil, &domain.ConfigError{Key: "dispatch.kinds." + kind, Reason: "no handler registered for kind " + kind}
	}
	return e, nil
}

// Kinds lists the kinds with a handler.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidatePayload checks payload against kind's schema, if one is registered.
func (r *Registry) ValidatePayload(kind string, payload map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[kind]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Invalid("draft_payload", err.Error())
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Invalid("draft_payload", err.Error())
	}
	if err := schema.Validate(doc); err != nil {
		return domain.Invalid("draft_payload", fmt.Sprintf("does not match schema for %s: %v", kind, err))
	}
	return nil
}

// FromConfig registers schemas and built-in handlers for the configured
// kinds. Kinds whose handler is "custom" must be registered by the caller.
func FromConfig(c config.DispatchConfig, client *http.Client) (*Registry, error) {
	reg := NewRegistry()
	names := make([]string, 0, len(c.Kinds))
	for k := range c.Kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, kind := range names {
		kc := c.Kinds[kind]
		if kc.Schema != "" {
			src, err := schemaSource(kc.Schema)
			if err != nil {
				return nil, &domain.ConfigError{Key: "dispatch.kinds." + kind + ".schema", Reason: err.Error()}
			}
			if err := reg.RegisterSchema(kind, src); err != nil {
				return nil, err
			}
		}
		perSecond, burst := kc.RatePerSecond, kc.Burst
		if perSecond == 0 {
			perSecond, burst = c.RatePerSecond, c.Burst
		}
		opts := []Option{WithTimeout(kc.Timeout), WithRate(perSecond, burst)}
		switch kc.Handler {
		case "", "custom":
		case "webhook":
			if err := reg.Register(kind, NewWebhook(kc.Webhook, client), opts...); err != nil {
				return nil, err
			}
		default:
			return nil, &domain.ConfigError{Key: "dispatch.kinds." + kind + ".handler", Reason: fmt.Sprintf("unknown handler %q", kc.Handler)}
		}
	}
	return reg, nil
}

// schemaSource accepts inline JSON or a path to a schema file.
func schemaSource(s string) (string, error) {
	if strings.HasPrefix(strings.TrimSpace(s), "{") {
		return s, nil
	}
	data, err := os.ReadFile(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
