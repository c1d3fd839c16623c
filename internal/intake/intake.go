// Package intake consumes proposals that producers publish to a Redis stream.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"actionqueue/internal/domain"
	"actionqueue/internal/engine"
	"actionqueue/internal/telemetry"
)

// Message is one stream entry. Proposal holds the JSON-encoded engine.Proposal.
type Message struct {
	ID         string
	Producer   string
	RequestKey string
	Proposal   string
}

// Source reads and acknowledges stream entries.
type Source interface {
	Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error)
	// Reclaim takes over entries left unacknowledged for at least minIdle,
	// including this consumer's own retries.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error)
	Ack(ctx context.Context, ids ...string) error
	// Reject parks a message that can never be accepted.
	Reject(ctx context.Context, m Message, reason string) error
}

type Submitter interface {
	Submit(ctx context.Context, opts engine.SubmitOptions) (domain.Action, error)
}

// RedisSource is a consumer-group reader over one stream.
type RedisSource struct {
	Client redis.UniversalClient
	Stream string
	Group  string
}

// Ensure creates the consumer group, and the stream if missing.
func (s RedisSource) Ensure(ctx context.Context) error {
	err := s.Client.XGroupCreateMkStream(ctx, s.Stream, s.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", s.Group, s.Stream, err)
	}
	return nil
}

func (s RedisSource) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	streams, err := s.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.Group,
		Consumer: consumer,
		Streams:  []string{s.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Stream, err)
	}
	var out []Message
	for _, st := range streams {
		out = appendMessages(out, st.Messages)
	}
	return out, nil
}

func (s RedisSource) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	var out []Message
	start := "0-0"
	for int64(len(out)) < count {
		msgs, next, err := s.Client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.Stream,
			Group:    s.Group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count - int64(len(out)),
		}).Result()
		if err != nil {
			return out, fmt.Errorf("reclaim %s: %w", s.Stream, err)
		}
		out = appendMessages(out, msgs)
		if next == "0-0" || next == "" {
			break
		}
		start = next
	}
	return out, nil
}

func appendMessages(out []Message, msgs []redis.XMessage) []Message {
	for _, m := range msgs {
		out = append(out, Message{
			ID:         m.ID,
			Producer:   field(m.Values, "producer"),
			RequestKey: field(m.Values, "request_key"),
			Proposal:   field(m.Values, "proposal"),
		})
	}
	return out
}

func (s RedisSource) Ack(ctx context.Context, ids ...string) error {
	return s.Client.XAck(ctx, s.Stream, s.Group, ids...).Err()
}

func (s RedisSource) Reject(ctx context.Context, m Message, reason string) error {
	pipe := s.Client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.Stream + ":rejected",
		Values: map[string]any{
			"source_id":   m.ID,
			"producer":    m.Producer,
			"request_key": m.RequestKey,
			"proposal":    m.Proposal,
			"reason":      reason,
		},
	})
	pipe.XAck(ctx, s.Stream, s.Group, m.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Publish appends a proposal to the stream; producers and tests use it.
func (s RedisSource) Publish(ctx context.Context, producer, requestKey string, p engine.Proposal) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return s.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.Stream,
		Values: map[string]any{"producer": producer, "request_key": requestKey, "proposal": string(raw)},
	}).Result()
}

func field(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}

// Consumer submits stream proposals through the engine. Malformed or
// unauthorized proposals are rejected and acknowledged; other failures leave
// the message pending for redelivery.
type Consumer struct {
	Source      Source
	Submitter   Submitter
	Name        string
	Batch       int64
	Block       time.Duration
	// ReclaimIdle is how long an unacknowledged entry waits before it is
	// delivered again.
	ReclaimIdle time.Duration
	Metrics     *telemetry.Metrics
	Log         *slog.Logger
}

func (c *Consumer) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Outcome labels for one handled message.
const (
	Accepted = "accepted"
	Rejected = "rejected"
	Retry    = "retry"
)

// Handle processes one message and reports what happened to it.
func (c *Consumer) Handle(ctx context.Context, m Message) (string, error) {
	var p engine.Proposal
	if err := json.Unmarshal([]byte(m.Proposal), &p); err != nil {
		return c.reject(ctx, m, "invalid proposal json: "+err.Error())
	}
	producer := strings.TrimSpace(m.Producer)
	if producer == "" {
		producer = p.Producer
	}
	if p.Producer != "" && p.Producer != producer {
		return c.reject(ctx, m, fmt.Sprintf("proposal producer %q does not match message producer %q", p.Producer, producer))
	}
	p.Producer = producer
	a, err := c.Submitter.Submit(ctx, engine.SubmitOptions{
		Proposal:   p,
		Actor:      domain.Actor{ID: producer, Role: domain.RoleProducer},
		RequestKey: m.RequestKey,
	})
	switch {
	case err == nil:
		if err := c.Source.Ack(ctx, m.ID); err != nil {
			return Retry, err
		}
		c.Metrics.Intake(ctx, Accepted)
		c.logger().DebugContext(ctx, "proposal accepted", "message_id", m.ID, "action_id", a.ID)
		return Accepted, nil
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrForbidden):
		return c.reject(ctx, m, err.Error())
	default:
		c.Metrics.Intake(ctx, Retry)
		return Retry, err
	}
}

func (c *Consumer) reject(ctx context.Context, m Message, reason string) (string, error) {
	if err := c.Source.Reject(ctx, m, reason); err != nil {
		return Retry, err
	}
	c.Metrics.Intake(ctx, Rejected)
	c.logger().WarnContext(ctx, "proposal rejected", "message_id", m.ID, "producer", m.Producer, "reason", reason)
	return Rejected, nil
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	batch, block := c.Batch, c.Block
	if batch <= 0 {
		batch = 16
	}
	if block <= 0 {
		block = 5 * time.Second
	}
	name := c.Name
	if name == "" {
		name = "actionqueue"
	}
	idle := c.ReclaimIdle
	if idle <= 0 {
		idle = 30 * time.Second
	}
	var lastReclaim time.Time
	for ctx.Err() == nil {
		if time.Since(lastReclaim) >= idle {
			lastReclaim = time.Now()
			c.reclaim(ctx, name, idle, batch)
		}
		msgs, err := c.Source.Read(ctx, name, batch, block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger().ErrorContext(ctx, "read intake stream", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			if _, err := c.Handle(ctx, m); err != nil {
				c.logger().ErrorContext(ctx, "handle proposal", "message_id", m.ID, "error", err)
			}
		}
	}
	return nil
}

// reclaim redelivers entries whose earlier handling was left pending.
func (c *Consumer) reclaim(ctx context.Context, name string, idle time.Duration, batch int64) {
	msgs, err := c.Source.Reclaim(ctx, name, idle, batch)
	if err != nil && ctx.Err() == nil {
		c.logger().ErrorContext(ctx, "reclaim pending proposals", "error", err)
	}
	for _, m := range msgs {
		c.logger().InfoContext(ctx, "redelivering pending proposal", "message_id", m.ID)
		if _, err := c.Handle(ctx, m); err != nil {
			c.logger().ErrorContext(ctx, "handle proposal", "message_id", m.ID, "error", err)
		}
	}
}
