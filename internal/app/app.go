// Package app assembles the queue's components from config for the CLI and
// the API server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"actionqueue/internal/audit"
	"actionqueue/internal/config"
	"actionqueue/internal/db"
	"actionqueue/internal/dispatch"
	"actionqueue/internal/domain"
	"actionqueue/internal/engine"
	"actionqueue/internal/intake"
	"actionqueue/internal/ledger"
	"actionqueue/internal/lock"
	"actionqueue/internal/migrate"
	"actionqueue/internal/rerank"
	"actionqueue/internal/server"
	"actionqueue/internal/telemetry"
)

const defaultLockKey = "actionqueue:rerank"

// App holds the opened components of one workspace.
type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Engine     engine.Engine
	Registry   *dispatch.Registry
	Dispatcher *dispatch.Dispatcher
	Telemetry  *telemetry.Provider
	// Redis is nil unless redis.url is configured.
	Redis *redis.Client
	Log   *slog.Logger
}

// NewLogger builds the process logger from the log section of the config.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Open connects storage, applies migrations and wires the engine, the
// executor registry and the dispatcher. Telemetry is started only when
// withTelemetry is set.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *slog.Logger, withTelemetry bool) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Storage.Driver != string(db.Postgres) {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
	}
	conn, d, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Log: log}
	if err := a.init(ctx, d, withTelemetry); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, d db.Dialect, withTelemetry bool) error {
	if err := migrate.Migrate(a.DB, d); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	cfg := a.Config
	e := engine.New(a.DB, d, cfg)
	e.Log = a.Log.With("component", "engine")

	if withTelemetry {
		tp, err := telemetry.New(ctx, telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRate:  cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return err
		}
		a.Telemetry = tp
		m, err := telemetry.NewMetrics(tp.MeterProvider())
		if err != nil {
			return err
		}
		if err := m.ObserveStaleness(e.Staleness); err != nil {
			return err
		}
		e.Metrics = m
	}

	reg, err := dispatch.FromConfig(cfg.Dispatch, &http.Client{})
	if err != nil {
		return err
	}
	e.Validator = reg
	a.Engine = e
	a.Registry = reg

	a.Dispatcher = dispatch.New(e, reg)
	a.Dispatcher.Log = a.Log.With("component", "dispatch")
	if a.Telemetry != nil {
		a.Dispatcher.Tracer = a.Telemetry.Tracer()
	}

	if cfg.Redis.URL != "" {
		client, err := lock.Connect(cfg.Redis.URL)
		if err != nil {
			return &domain.ConfigError{Key: "redis.url", Reason: err.Error()}
		}
		a.Redis = client
	}
	return nil
}

// Close releases storage, Redis and telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// Locker is shared by rerank replicas. Without Redis the lock only spans
// this process.
func (a *App) Locker() lock.Locker {
	if a.Redis != nil {
		return lock.Redis{Client: a.Redis}
	}
	return &lock.Local{}
}

func (a *App) Scheduler() *rerank.Scheduler {
	key := a.Config.Redis.LockKey
	if key == "" {
		key = defaultLockKey
	}
	return &rerank.Scheduler{
		Reranker: a.Engine,
		Locker:   a.Locker(),
		Key:      key,
		Interval: a.Config.Ranking.RerankInterval,
		LockTTL:  a.Config.Ranking.LockTTL,
		Actor:    domain.SystemActor("rerank"),
		Log:      a.Log.With("component", "rerank"),
	}
}

// Auditor verifies the ledger every ledger.verify_interval.
func (a *App) Auditor() *audit.Auditor {
	return &audit.Auditor{
		Verifier: a.Engine.Store,
		Interval: a.Config.Ledger.VerifyInterval,
		Metrics:  a.Engine.Metrics,
		Log:      a.Log.With("component", "audit"),
	}
}

// IntakeSource is nil when Redis or an intake stream is not configured.
func (a *App) IntakeSource() *intake.RedisSource {
	if a.Redis == nil || a.Config.Redis.IntakeStream == "" {
		return nil
	}
	group := a.Config.Redis.IntakeGroup
	if group == "" {
		group = "actionqueue"
	}
	return &intake.RedisSource{Client: a.Redis, Stream: a.Config.Redis.IntakeStream, Group: group}
}

// Exporter builds the S3 ledger exporter from the export section.
func (a *App) Exporter(ctx context.Context) (*ledger.S3Exporter, error) {
	c := a.Config.Export
	x, err := ledger.NewS3Exporter(ctx, ledger.S3Config{Bucket: c.Bucket, Region: c.Region, Endpoint: c.Endpoint, Prefix: c.Prefix})
	if err != nil {
		return nil, &domain.ConfigError{Key: "export.bucket", Reason: err.Error()}
	}
	return x, nil
}

// ServeOptions configures Serve.
type ServeOptions struct {
	Addr     string
	BasePath string
	Auth     server.AuthConfig
	// Background runs the dispatcher loop, the rerank scheduler, the ledger
	// auditor and stream intake next to the HTTP server.
	Background bool
}

// Serve runs the API until ctx is done, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	if opts.Auth.Log == nil {
		opts.Auth.Log = a.Log.With("component", "auth")
	}
	handler, err := server.New(server.Config{
		Engine:     a.Engine,
		Dispatcher: a.Dispatcher,
		BasePath:   opts.BasePath,
		Auth:       opts.Auth,
		Log:        a.Log.With("component", "server"),
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: opts.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if opts.Background {
		g.Go(func() error { return a.Dispatcher.Run(gctx) })
		g.Go(func() error { return a.Scheduler().Run(gctx) })
		g.Go(func() error { return a.Auditor().Run(gctx) })
		if src := a.IntakeSource(); src != nil {
			if err := src.Ensure(gctx); err != nil {
				return fmt.Errorf("intake stream: %w", err)
			}
			consumer := &intake.Consumer{
				Source:    src,
				Submitter: a.Engine,
				Name:      "actionqueue",
				Metrics:   a.Engine.Metrics,
				Log:       a.Log.With("component", "intake"),
			}
			g.Go(func() error { return consumer.Run(gctx) })
		}
	}
	a.Log.InfoContext(ctx, "serving action queue API", "addr", opts.Addr, "base_path", opts.BasePath, "background", opts.Background)
	return g.Wait()
}
