// Package store implements the Persistent Store (C1): a connection pool,
// scoped handles offering fetch_one/fetch_all/execute/transaction, an
// idempotent bootstrap migration that never blocks startup, and a
// 60-second TTL character→project cache. Grounded on the teacher's
// pkg/database/client.go, with entgo.io/ent's generated client and query
// builder dropped (see DESIGN.md) in favor of hand-written SQL directly
// over the jackc/pgx/v5 stdlib driver — a closer match for this contract
// anyway.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps the shared *sql.DB, the character→project cache, and the
// last migration error (if any), surfaced via Health for the operator
// surface rather than failing startup.
type Store struct {
	db               *sql.DB
	cache            *charProjectCache
	lastMigrationErr error
}

// DB returns the underlying connection pool, for health checks and for
// components (testcontainers-backed tests) that need direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Open connects to Postgres, configures the pool per cfg, and runs the
// bootstrap migration. Migration failure is logged (by the caller, via the
// returned error being non-nil only for connection failures) but does not
// prevent the Store from being usable — it's recorded in lastMigrationErr
// and surfaced via Health, per spec §4.1.
func Open(ctx context.Context, cfg config.DatabaseConfig, password string) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{
		db:    db,
		cache: newCharProjectCache(cfg.CacheTTL),
	}

	if err := s.runMigrations(cfg.Name); err != nil {
		// Non-fatal by design: the service must start and surface the
		// error via health, not refuse to boot.
		s.lastMigrationErr = err
	}

	return s, nil
}

// runMigrations applies the embedded, idempotent bootstrap migration.
// Each statement in the migration files is written CREATE ... IF NOT
// EXISTS / ADD COLUMN IF NOT EXISTS so re-running is always safe.
func (s *Store) runMigrations(dbName string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}

	// Do not call m.Close(): that would close s.db through the shared
	// postgres driver. Only the source driver needs closing here.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health reports database reachability and migration status.
type Health struct {
	Reachable      bool   `json:"reachable"`
	MigrationError string `json:"migration_error,omitempty"`
}

// Health performs a lightweight ping and reports migration status.
func (s *Store) Health(ctx context.Context) Health {
	h := Health{}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.Reachable = s.db.PingContext(ctx) == nil
	if s.lastMigrationErr != nil {
		h.MigrationError = s.lastMigrationErr.Error()
	}
	return h
}

// DBTX is the scoped database access point spec §4.1 calls for:
// fetch_one is QueryRowContext, fetch_all is QueryContext, execute is
// ExecContext. Both *sql.DB and *sql.Tx satisfy this directly, so the pool
// itself and a transaction are interchangeable to every repository
// function — exactly the "acquire() returning a scoped handle" contract.
type DBTX interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Acquire returns a DBTX bound to the shared pool. Every call reuses the
// same *sql.DB — pgx's pool already multiplexes connections, so "acquire"
// here is conceptual rather than a literal checkout.
func (s *Store) Acquire() DBTX {
	return s.db
}

// Transaction runs fn inside a single all-or-nothing transaction. Nested
// transactions are not supported, matching spec §4.1 ("nested transactions
// not required").
func (s *Store) Transaction(ctx context.Context, fn func(h DBTX) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
