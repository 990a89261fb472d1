// Package persistence owns the four denormalized stores behind the lifecycle
// engine: the canonical agent record table, the owner index, the external
// identity mapping, and the task mapping. The tables deliberately share no
// foreign keys and every mutation is an independent per-table call, so a
// partial failure leaves divergent stores for the reconciliation sweeps to
// converge rather than aborting the whole operation.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "herder-v1-2026-08-20-lifecycle-stores"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// TaskStatus is the last known orchestrator state for an agent's task.
type TaskStatus string

const (
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusStopped TaskStatus = "STOPPED"
)

// AgentRecord is a row in the agents table: the canonical record. Records are
// never deleted; Removed flips false→true exactly once.
type AgentRecord struct {
	AgentID          string         `json:"agentId"`
	Owner            string         `json:"owner"`
	ExternalIdentity string         `json:"externalIdentity,omitempty"`
	CharacterFile    string         `json:"characterFile,omitempty"`
	ContractAddress  string         `json:"contractAddress,omitempty"`
	Credentials      string         `json:"credentials,omitempty"` // JSON blob; redacted before any read leaves the engine
	Attrs            map[string]any `json:"attrs,omitempty"`
	Removed          bool           `json:"removed"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// OwnerEntry is a row in the owner_index table. Exists iff the agent is
// claimed by the owner and not yet removed.
type OwnerEntry struct {
	Owner   string `json:"owner"`
	AgentID string `json:"agentId"`
}

// IdentityEntry maps an external identity (e.g. a social handle) to the one
// live agent backing it.
type IdentityEntry struct {
	Identity  string    `json:"identity"`
	AgentID   string    `json:"agentId"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskEntry is a row in the task_map table: the last known orchestrator state
// for an agent. May be stale between reconciliation passes.
type TaskEntry struct {
	AgentID   string     `json:"agentId"`
	TaskRef   string     `json:"taskRef"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".herder", "herder.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&n); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// The four lifecycle stores. No foreign keys between them: each is an
	// independent store that can diverge and be reconciled later.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			external_identity TEXT NOT NULL DEFAULT '',
			character_file TEXT NOT NULL DEFAULT '',
			contract_address TEXT NOT NULL DEFAULT '',
			credentials TEXT NOT NULL DEFAULT '',
			attrs TEXT NOT NULL DEFAULT '{}',
			removed INTEGER NOT NULL DEFAULT 0 CHECK(removed IN (0, 1)),
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS owner_index (
			owner TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			PRIMARY KEY (owner, agent_id)
		);`,
		`CREATE TABLE IF NOT EXISTS identity_map (
			identity TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_map (
			agent_id TEXT PRIMARY KEY,
			task_ref TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('RUNNING', 'STOPPED')),
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			op TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Secondary indexes backing the sweep and event-sync query paths.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_agents_removed_created ON agents(removed, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_map_status ON task_map(status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_map_ref ON task_map(task_ref);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
