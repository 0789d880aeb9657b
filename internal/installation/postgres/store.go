// Package postgres implements the installation store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mend/internal/faults"
	"mend/internal/installation"
	"mend/internal/logging"
	"mend/internal/task"
)

const table = "installations"

// Store is a Postgres-backed installation.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Postgres-backed installation store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: logging.NewComponentLogger("InstallationPostgresStore")}
}

// EnsureSchema creates the installations table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("installation store not initialized")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    provider TEXT NOT NULL,
    organization_id TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    access_token_ref TEXT NOT NULL DEFAULT '',
    refresh_token_ref TEXT NOT NULL DEFAULT '',
    scopes TEXT[] NOT NULL DEFAULT '{}',
    webhook_secret BYTEA,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (provider, organization_id)
);
`, table)
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *Store) Upsert(ctx context.Context, inst *installation.Installation) error {
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	query := fmt.Sprintf(`
INSERT INTO %s (provider, organization_id, display_name, access_token_ref, refresh_token_ref,
    scopes, webhook_secret, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (provider, organization_id) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    access_token_ref = EXCLUDED.access_token_ref,
    refresh_token_ref = EXCLUDED.refresh_token_ref,
    scopes = EXCLUDED.scopes,
    webhook_secret = EXCLUDED.webhook_secret,
    updated_at = EXCLUDED.updated_at
`, table)
	_, err := s.pool.Exec(ctx, query,
		inst.Provider, inst.OrganizationID, inst.DisplayName, inst.AccessTokenRef,
		inst.RefreshTokenRef, inst.Scopes, inst.WebhookSecret, inst.CreatedAt, inst.UpdatedAt)
	return err
}

func (s *Store) Get(ctx context.Context, provider task.Provider, organizationID string) (*installation.Installation, error) {
	query := fmt.Sprintf(`
SELECT provider, organization_id, display_name, access_token_ref, refresh_token_ref,
    scopes, webhook_secret, created_at, updated_at
FROM %s WHERE provider = $1 AND organization_id = $2
`, table)
	var inst installation.Installation
	err := s.pool.QueryRow(ctx, query, provider, organizationID).Scan(
		&inst.Provider, &inst.OrganizationID, &inst.DisplayName, &inst.AccessTokenRef,
		&inst.RefreshTokenRef, &inst.Scopes, &inst.WebhookSecret, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.New(faults.KindNotFound, "installation %s/%s", provider, organizationID)
		}
		return nil, err
	}
	return &inst, nil
}

func (s *Store) List(ctx context.Context, provider task.Provider) ([]*installation.Installation, error) {
	query := fmt.Sprintf(`
SELECT provider, organization_id, display_name, access_token_ref, refresh_token_ref,
    scopes, webhook_secret, created_at, updated_at
FROM %s`, table)
	args := []any{}
	if provider != "" {
		query += ` WHERE provider = $1`
		args = append(args, provider)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*installation.Installation
	for rows.Next() {
		var inst installation.Installation
		if err := rows.Scan(&inst.Provider, &inst.OrganizationID, &inst.DisplayName,
			&inst.AccessTokenRef, &inst.RefreshTokenRef, &inst.Scopes, &inst.WebhookSecret,
			&inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, provider task.Provider, organizationID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE provider = $1 AND organization_id = $2`, table),
		provider, organizationID)
	return err
}

var _ installation.Store = (*Store)(nil)
