// Package pgstore backs the durable contracts with PostgreSQL: the
// variable snapshot, the mutation history, the project directory, and
// the per-project settings flags.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cloudvars/server/internal/policy"
	"cloudvars/server/internal/store"
)

// Schema is the DDL for every table this package touches. EnsureSchema
// applies it idempotently at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         BIGINT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	visibility TEXT NOT NULL DEFAULT 'private'
);

CREATE TABLE IF NOT EXISTS project_settings (
	project_id BIGINT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (project_id, key)
);

CREATE TABLE IF NOT EXISTS cloud_snapshots (
	owner_id   TEXT NOT NULL,
	project_id BIGINT NOT NULL,
	variables  JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_id, project_id)
);

CREATE TABLE IF NOT EXISTS cloud_history (
	id         BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL,
	method     TEXT NOT NULL,
	name       TEXT NOT NULL,
	value      TEXT,
	actor_id   TEXT,
	actor_name TEXT NOT NULL,
	origin     TEXT NOT NULL,
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS cloud_history_project_at ON cloud_history (project_id, at);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Snapshots implements store.SnapshotStore: one JSONB row per owner and
// project, overwritten wholesale on each mutation.
type Snapshots struct {
	pool *pgxpool.Pool
}

func NewSnapshots(pool *pgxpool.Pool) *Snapshots {
	return &Snapshots{pool: pool}
}

func (s *Snapshots) Get(ctx context.Context, owner, resourceID string) (map[string]string, bool, error) {
	var vars map[string]string
	err := s.pool.QueryRow(ctx,
		`SELECT variables FROM cloud_snapshots WHERE owner_id = $1 AND project_id = $2`,
		owner, resourceID,
	).Scan(&vars)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading snapshot %s/%s: %w", owner, resourceID, err)
	}
	return vars, true, nil
}

func (s *Snapshots) Put(ctx context.Context, owner, resourceID string, vars map[string]string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cloud_snapshots (owner_id, project_id, variables, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (owner_id, project_id)
		 DO UPDATE SET variables = EXCLUDED.variables, updated_at = now()`,
		owner, resourceID, vars,
	)
	if err != nil {
		return fmt.Errorf("writing snapshot %s/%s: %w", owner, resourceID, err)
	}
	return nil
}

// History implements store.HistorySink as an append-only table.
type History struct {
	pool *pgxpool.Pool
}

func NewHistory(pool *pgxpool.Pool) *History {
	return &History{pool: pool}
}

func (h *History) Append(ctx context.Context, e store.Entry) error {
	_, err := h.pool.Exec(ctx,
		`INSERT INTO cloud_history (project_id, method, name, value, actor_id, actor_name, origin, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ResourceID, e.Method, e.Name, e.Value, e.ActorID, e.ActorName, e.Origin, e.At,
	)
	if err != nil {
		return fmt.Errorf("appending history for %s: %w", e.ResourceID, err)
	}
	return nil
}

// Projects implements the resource lookup contract over the projects
// table.
type Projects struct {
	pool *pgxpool.Pool
}

func NewProjects(pool *pgxpool.Pool) *Projects {
	return &Projects{pool: pool}
}

func (p *Projects) Lookup(ctx context.Context, resourceID string) (policy.Resource, bool, error) {
	var owner, visibility string
	err := p.pool.QueryRow(ctx,
		`SELECT owner_id, visibility FROM projects WHERE id = $1`, resourceID,
	).Scan(&owner, &visibility)
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Resource{}, false, nil
	}
	if err != nil {
		return policy.Resource{}, false, fmt.Errorf("looking up project %s: %w", resourceID, err)
	}
	res := policy.Resource{ID: resourceID, Owner: owner, Visibility: policy.Visibility(visibility)}
	return res, true, nil
}

// Settings implements the per-project flag contract. Anything other
// than a literal true reads as false, including a missing row.
type Settings struct {
	pool *pgxpool.Pool
}

func NewSettings(pool *pgxpool.Pool) *Settings {
	return &Settings{pool: pool}
}

func (s *Settings) Flag(ctx context.Context, resourceID, flagKey string) (bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM project_settings WHERE project_id = $1 AND key = $2`,
		resourceID, flagKey,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading flag %s for %s: %w", flagKey, resourceID, err)
	}
	return strings.EqualFold(strings.TrimSpace(value), "true"), nil
}
