// Package sqlite implements crew.StateStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	crew "github.com/nevindra/crew"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation including timing. If not
// set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements crew.StateStore backed by a local SQLite file.
// Workflow state is stored as a JSON blob keyed by plan id.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ crew.StateStore = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the workflow_states table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS workflow_states (
		plan_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// SaveWorkflow upserts the state keyed by plan id.
func (s *Store) SaveWorkflow(ctx context.Context, state *crew.WorkflowState) error {
	start := time.Now()
	if state == nil || state.Plan == nil {
		return fmt.Errorf("save workflow: nil state")
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode workflow state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflow_states (plan_id, state, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET state = excluded.state, saved_at = excluded.saved_at`,
		state.Plan.ID, string(blob), state.SavedAt)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	s.logger.Debug("sqlite: workflow saved", "plan_id", state.Plan.ID, "bytes", len(blob), "took", time.Since(start))
	return nil
}

// LoadWorkflow returns the stored state, or nil when absent.
func (s *Store) LoadWorkflow(ctx context.Context, planID string) (*crew.WorkflowState, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM workflow_states WHERE plan_id = ?`, planID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	var state crew.WorkflowState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("decode workflow state: %w", err)
	}
	return &state, nil
}

// ListWorkflows returns the ids of all stored plans, most recent first.
func (s *Store) ListWorkflows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan_id FROM workflow_states ORDER BY saved_at DESC`)
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_states WHERE plan_id = ?`, planID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
