package crew

import "context"

// WorkflowState is everything needed to resume a plan after a process
// restart. Steps that were running when the state was captured are
// marked pending on load and will re-run.
type WorkflowState struct {
	Plan            *Plan        `json:"plan"`
	Checkpoints     []Checkpoint `json:"checkpoints,omitempty"`
	CurrentStepID   string       `json:"current_step_id,omitempty"`
	Paused          bool         `json:"paused"`
	CancelRequested bool         `json:"cancel_requested"`
	SavedAt         int64        `json:"saved_at"`
}

// StateStore persists workflow state. Implementations live in
// store/sqlite and store/postgres.
type StateStore interface {
	// SaveWorkflow upserts the state keyed by plan id.
	SaveWorkflow(ctx context.Context, state *WorkflowState) error
	// LoadWorkflow returns the stored state, or nil when absent.
	LoadWorkflow(ctx context.Context, planID string) (*WorkflowState, error)
	// ListWorkflows returns the ids of all stored plans.
	ListWorkflows(ctx context.Context) ([]string, error)
	// DeleteWorkflow removes the stored state. Deleting an absent
	// workflow is not an error.
	DeleteWorkflow(ctx context.Context, planID string) error
	// Close releases the underlying connection.
	Close() error
}
