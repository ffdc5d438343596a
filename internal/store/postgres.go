package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fourlexboehm/faasta/internal/domain"
)

// PostgresStore is the durable ModuleStore backed by pgx. Each record
// is a single row, so the upsert in Put is atomic from a reader's
// perspective and the version bump is monotonic.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS modules (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			hash TEXT NOT NULL,
			limits JSONB NOT NULL,
			module BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_modules_owner ON modules(owner)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (*domain.ModuleRecord, error) {
	rec := &domain.ModuleRecord{Name: name}
	err := s.pool.QueryRow(ctx, `
		SELECT owner, version, hash, limits, module, created_at, updated_at
		FROM modules
		WHERE name = $1
	`, name).Scan(&rec.Owner, &rec.Version, &rec.Hash, &rec.Limits, &rec.Module, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrFunctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get module %s: %w", name, errors.Join(domain.ErrStoreUnavailable, err))
	}
	rec.Limits.Normalize()
	return rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *domain.ModuleRecord) (int64, error) {
	now := time.Now()
	var version int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO modules (name, owner, version, hash, limits, module, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $6)
		ON CONFLICT (name) DO UPDATE SET
			owner = EXCLUDED.owner,
			version = modules.version + 1,
			hash = EXCLUDED.hash,
			limits = EXCLUDED.limits,
			module = EXCLUDED.module,
			updated_at = EXCLUDED.updated_at
		RETURNING version
	`, rec.Name, rec.Owner, rec.Hash, rec.Limits, rec.Module, now).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("put module %s: %w", rec.Name, errors.Join(domain.ErrStoreUnavailable, err))
	}
	return version, nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM modules WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete module %s: %w", name, errors.Join(domain.ErrStoreUnavailable, err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFunctionNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, owner string) ([]*domain.ModuleRecord, error) {
	query := `
		SELECT name, owner, version, hash, limits, created_at, updated_at
		FROM modules`
	args := []any{}
	if owner != "" {
		query += ` WHERE owner = $1`
		args = append(args, owner)
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", errors.Join(domain.ErrStoreUnavailable, err))
	}
	defer rows.Close()

	var out []*domain.ModuleRecord
	for rows.Next() {
		rec := &domain.ModuleRecord{}
		if err := rows.Scan(&rec.Name, &rec.Owner, &rec.Version, &rec.Hash, &rec.Limits, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		rec.Limits.Normalize()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list modules: %w", errors.Join(domain.ErrStoreUnavailable, err))
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
