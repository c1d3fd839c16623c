package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const defaultDBName = "actionqueue.db"

// Dialect selects placeholder style and a few engine-specific statements.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Config struct {
	Workspace string
	Driver    string
	DSN       string
}

func (c Config) dialect() Dialect {
	if c.Driver == string(Postgres) {
		return Postgres
	}
	return SQLite
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".actionqueue", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".actionqueue")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite runs in WAL mode with immediate
// write transactions so concurrent writers serialize instead of failing.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	d := cfg.dialect()
	if d == Postgres {
		conn, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, d, fmt.Errorf("open postgres: %w", err)
		}
		return conn, d, nil
	}
	path := cfg.DSN
	if path == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, d, err
		}
		path = dbPath(cfg.Workspace)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, d, err
	}
	return conn, d, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LockLedger serializes ledger appends inside tx. SQLite write transactions
// are already exclusive.
func (d Dialect) LockLedger(ctx context.Context, tx *sql.Tx) error {
	if d != Postgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(734019)`)
	return err
}

// ReadSnapshot begins a read-only transaction whose queries all observe one
// consistent snapshot. SQLite takes a deferred WAL snapshot on first read.
func (d Dialect) ReadSnapshot(ctx context.Context, conn *sql.DB) (*sql.Tx, error) {
	opts := &sql.TxOptions{ReadOnly: true}
	if d == Postgres {
		opts.Isolation = sql.LevelRepeatableRead
	}
	return conn.BeginTx(ctx, opts)
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
