// Package pgstore reads organization retry policies from PostgreSQL, where
// the organization platform owns them.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bianca-health/wellcall/internal/retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements retry.PolicySource using PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, logger: logger.With("subsystem", "pgstore")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("postgresql policy store opened")
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS wellcall_schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM wellcall_schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO wellcall_schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}

// RetryPolicy returns the organization's JSON policy or
// retry.ErrPolicyNotFound.
func (s *Store) RetryPolicy(ctx context.Context, organizationID string) ([]byte, error) {
	var policy string
	err := s.db.QueryRowContext(ctx,
		`SELECT policy::text FROM organization_retry_policies WHERE organization_id = $1`,
		organizationID,
	).Scan(&policy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retry.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying retry policy for %s: %w", organizationID, err)
	}
	return []byte(policy), nil
}

// Healthy reports whether PostgreSQL answers within ctx.
func (s *Store) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
