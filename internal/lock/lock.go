// Package lock provides leader locks so a periodic job runs on one replica.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing a lock that expired or moved on.
var ErrNotHeld = errors.New("lock not held")

// Lease is a held lock. Release is safe to call once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases. TryAcquire never blocks waiting for a holder.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// Local is an in-process Locker for single-node deployments and tests.
type Local struct {
	Now func() time.Time

	mu   sync.Mutex
	held map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Local) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]localEntry{}
	}
	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{l: l, key: key, token: token}, true, nil
}

type localLease struct {
	l     *Local
	key   string
	token string
}

func (s *localLease) Release(context.Context) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	cur, ok := s.l.held[s.key]
	if !ok || cur.token != s.token {
		return ErrNotHeld
	}
	delete(s.l.held, s.key)
	return nil
}

// Redis is a Locker backed by SET NX PX with a token-checked release.
type Redis struct {
	Client redis.UniversalClient
}

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return redisLease{client: r.Client, key: key, token: token}, true, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (s redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key}, s.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", s.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Connect parses a redis:// URL into a client.
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
