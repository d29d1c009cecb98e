// Package postgres implements crew.StateStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	crew "github.com/nevindra/crew"
)

// Store implements crew.StateStore backed by PostgreSQL. Workflow state
// lives in a JSONB column keyed by plan id.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithTable sets the table name (default "workflow_states"). Use this
// when several deployments share one database.
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

var _ crew.StateStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns
// the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, table: "workflow_states"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the workflow state table. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		plan_id TEXT PRIMARY KEY,
		state JSONB NOT NULL,
		saved_at BIGINT NOT NULL
	)`, s.table))
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// SaveWorkflow upserts the state keyed by plan id.
func (s *Store) SaveWorkflow(ctx context.Context, state *crew.WorkflowState) error {
	if state == nil || state.Plan == nil {
		return fmt.Errorf("save workflow: nil state")
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode workflow state: %w", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (plan_id, state, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (plan_id) DO UPDATE SET state = EXCLUDED.state, saved_at = EXCLUDED.saved_at`, s.table),
		state.Plan.ID, blob, state.SavedAt)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// LoadWorkflow returns the stored state, or nil when absent.
func (s *Store) LoadWorkflow(ctx context.Context, planID string) (*crew.WorkflowState, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT state FROM %s WHERE plan_id = $1`, s.table), planID).Scan(&blob)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	var state crew.WorkflowState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("decode workflow state: %w", err)
	}
	return &state, nil
}

// ListWorkflows returns the ids of all stored plans, most recent first.
func (s *Store) ListWorkflows(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT plan_id FROM %s ORDER BY saved_at DESC`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteWorkflow removes the stored state. Deleting an absent workflow
// is not an error.
func (s *Store) DeleteWorkflow(ctx context.Context, planID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE plan_id = $1`, s.table), planID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error { return nil }
