// Package rerank runs the periodic rescoring of pending actions.
package rerank

import (
	"context"
	"log/slog"
	"time"

	"actionqueue/internal/domain"
	"actionqueue/internal/engine"
	"actionqueue/internal/lock"
)

type Reranker interface {
	Rerank(ctx context.Context, actor domain.Actor) (engine.RerankResult, error)
}

// Scheduler reranks on a fixed interval. Replicas share Locker so one tick
// runs per interval across the deployment.
type Scheduler struct {
	Reranker Reranker
	Locker   lock.Locker
	Key      string
	Interval time.Duration
	LockTTL  time.Duration
	Actor    domain.Actor
	Log      *slog.Logger
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Tick reranks once if the lock is free. ran is false when another holder
// has the lock.
func (s *Scheduler) Tick(ctx context.Context) (res engine.RerankResult, ran bool, err error) {
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	lease, ok, err := s.Locker.TryAcquire(ctx, s.Key, ttl)
	if err != nil || !ok {
		return res, false, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger().WarnContext(ctx, "release rerank lock", "error", rerr)
		}
	}()
	actor := s.Actor
	if actor.ID == "" {
		actor = domain.SystemActor("rerank")
	}
	res, err = s.Reranker.Rerank(ctx, actor)
	return res, true, err
}

// Run ticks immediately and then every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, ran, err := s.Tick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger().ErrorContext(ctx, "rerank failed", "error", err)
		case ran:
			s.logger().InfoContext(ctx, "reranked pending actions", "version", res.Version,
				"updated", res.Updated, "discarded", res.Discarded)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
