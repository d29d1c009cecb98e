package crew

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ProgressKind identifies a workflow progress notification.
type ProgressKind string

const (
	ProgressCheckpointCreated ProgressKind = "checkpoint_created"
	ProgressStepStarted       ProgressKind = "step_started"
	ProgressStepCompleted     ProgressKind = "step_completed"
	ProgressStepFailed        ProgressKind = "step_failed"
	ProgressStepRetried       ProgressKind = "step_retried"
	ProgressPlanCompleted     ProgressKind = "plan_completed"
	ProgressPlanFailed        ProgressKind = "plan_failed"
	ProgressRollbackStarted   ProgressKind = "rollback_started"
	ProgressRollbackCompleted ProgressKind = "rollback_completed"
)

// ProgressEvent is one workflow progress notification.
type ProgressEvent struct {
	PlanID string       `json:"plan_id"`
	StepID string       `json:"step_id,omitempty"`
	Event  ProgressKind `json:"event"`
	At     int64        `json:"at"`
}

// ExecutionSummary condenses a run for display and logging.
type ExecutionSummary struct {
	PlanID    string     `json:"plan_id"`
	PlanName  string     `json:"plan_name"`
	Status    PlanStatus `json:"status"`
	Total     int        `json:"total_steps"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Progress  float64    `json:"progress"`
}

// Engine executes approved plans step by step: checkpoints before
// mutating steps, bounded retries with back-off, rollback on failure,
// pause/resume/cancel at step boundaries. One plan runs at a time.
type Engine struct {
	tools       *ToolRegistry
	agentExists func(id string) bool
	progress    func(ProgressEvent)
	store       StateStore
	logger      *slog.Logger
	tracer      Tracer
	workDir     string
	maxAttempts int
	retryDelay  time.Duration

	mu          sync.Mutex
	plan        *Plan
	running     bool
	paused      bool
	cancelled   bool
	current     string
	checkpoints []Checkpoint
	execLog     []ProgressEvent
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAgentCatalogue supplies the agent-existence check used by plan
// validation. Without it, agent ids are not checked.
func WithAgentCatalogue(exists func(id string) bool) EngineOption {
	return func(e *Engine) { e.agentExists = exists }
}

// WithProgress registers a callback for progress events. The callback
// runs on the executing goroutine and must not block.
func WithProgress(fn func(ProgressEvent)) EngineOption {
	return func(e *Engine) { e.progress = fn }
}

// WithStateStore enables workflow state persistence.
func WithStateStore(s StateStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineTracer sets the engine's tracer.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithWorkDir sets the directory relative step paths resolve against.
// Defaults to the process working directory.
func WithWorkDir(dir string) EngineOption {
	return func(e *Engine) { e.workDir = dir }
}

// WithMaxAttempts overrides the per-step attempt budget (default 3).
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryDelay overrides the base retry back-off (default 500ms).
// The n-th retry waits n times the base delay.
func WithRetryDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.retryDelay = d }
}

// NewEngine creates a workflow engine executing tools from the registry.
func NewEngine(tools *ToolRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		tools:       tools,
		maxAttempts: 3,
		retryDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// Execute runs the plan to completion. It returns ok=false with a
// human-readable message for precondition failures, step failures
// (after rollback), and cancellation. Validation failures and unknown
// tools are not retried; step failures are retried up to the attempt
// budget before triggering rollback.
func (e *Engine) Execute(ctx context.Context, plan *Plan) (bool, string) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return false, "another plan is already running"
	}
	e.running = true
	e.plan = plan
	e.paused = false
	e.cancelled = false
	e.checkpoints = nil
	e.current = ""
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if !plan.Approved {
		return false, "plan not approved"
	}
	if problems := plan.Validate(e.agentExists); len(problems) > 0 {
		return false, "validation failed: " + strings.Join(problems, "; ")
	}
	order, err := plan.ExecutionOrder()
	if err != nil {
		return false, "validation failed: " + err.Error()
	}

	ctx, span := e.startSpan(ctx, "workflow.execute",
		StringAttr("plan.id", plan.ID),
		IntAttr("plan.steps", len(order)))
	defer span.End()

	plan.Status = PlanRunning
	e.logger.Info("workflow started", "plan_id", plan.ID, "name", plan.Name, "steps", len(order))

	for i, step := range order {
		if e.cancelRequested() || ctx.Err() != nil {
			for _, rest := range order[i:] {
				rest.Status = StepSkipped
			}
			e.rollback(plan, PlanCancelled)
			return false, "cancelled"
		}
		if !e.waitWhilePaused(ctx) {
			for _, rest := range order[i:] {
				rest.Status = StepSkipped
			}
			e.rollback(plan, PlanCancelled)
			return false, "cancelled"
		}

		e.setCurrent(step.ID)
		if step.Tool.Mutating() {
			cp := takeCheckpoint(plan, step, e.resolvePath)
			e.mu.Lock()
			e.checkpoints = append(e.checkpoints, cp)
			e.mu.Unlock()
			e.emit(plan.ID, step.ID, ProgressCheckpointCreated)
		}
		e.persist(ctx)

		if ok := e.runStep(ctx, plan, step); !ok {
			plan.Status = PlanFailed
			e.emit(plan.ID, step.ID, ProgressStepFailed)
			e.rollback(plan, PlanFailed)
			return false, fmt.Sprintf("step %q failed after %d attempts", step.Description, step.Attempts)
		}
		e.emit(plan.ID, step.ID, ProgressStepCompleted)
		e.persist(ctx)
	}

	plan.Status = PlanCompleted
	e.mu.Lock()
	e.checkpoints = nil
	e.mu.Unlock()
	e.emit(plan.ID, "", ProgressPlanCompleted)
	if e.store != nil {
		if err := e.store.DeleteWorkflow(ctx, plan.ID); err != nil {
			e.logger.Warn("delete workflow state", "plan_id", plan.ID, "error", err)
		}
	}
	e.logger.Info("workflow completed", "plan_id", plan.ID)
	return true, "plan completed"
}

// runStep attempts one step up to the attempt budget. Retries reuse the
// checkpoint taken before the first attempt.
func (e *Engine) runStep(ctx context.Context, plan *Plan, step *PlanStep) bool {
	step.Status = StepRunning
	step.StartedAt = NowUnix()
	e.emit(plan.ID, step.ID, ProgressStepStarted)

	args := e.canonicalArgs(step.Arguments)
	for {
		step.Attempts++
		res := e.tools.Execute(ctx, step.Tool, args)
		step.Result = &res
		if res.Success {
			step.Status = StepCompleted
			step.FinishedAt = NowUnix()
			return true
		}
		e.logger.Warn("step attempt failed",
			"plan_id", plan.ID, "step_id", step.ID,
			"attempt", step.Attempts, "error", res.Error)
		if step.Attempts >= e.maxAttempts {
			step.Status = StepFailed
			step.FinishedAt = NowUnix()
			return false
		}
		e.emit(plan.ID, step.ID, ProgressStepRetried)
		select {
		case <-ctx.Done():
			step.Status = StepFailed
			step.FinishedAt = NowUnix()
			return false
		case <-time.After(time.Duration(step.Attempts) * e.retryDelay):
		}
	}
}

// rollback restores checkpoints newest-first. Restore failures are
// logged and do not stop the sweep.
func (e *Engine) rollback(plan *Plan, cause PlanStatus) {
	e.mu.Lock()
	cps := make([]Checkpoint, len(e.checkpoints))
	copy(cps, e.checkpoints)
	e.checkpoints = nil
	e.mu.Unlock()

	e.emit(plan.ID, "", ProgressRollbackStarted)
	for i := len(cps) - 1; i >= 0; i-- {
		if err := cps[i].Restore(); err != nil {
			e.logger.Error("checkpoint restore failed",
				"plan_id", plan.ID, "step_id", cps[i].StepID, "error", err)
		}
	}
	plan.Status = cause
	e.emit(plan.ID, "", ProgressRollbackCompleted)
	if cause == PlanFailed {
		e.emit(plan.ID, "", ProgressPlanFailed)
	}
}

// Pause stops execution before the next step. The running step is not
// interrupted.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume continues a paused run.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Cancel requests cancellation. The running step completes; remaining
// steps are skipped and completed work is rolled back.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.paused = false
	e.mu.Unlock()
}

// Running reports whether a plan is currently executing.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) cancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// waitWhilePaused blocks at a step boundary until resumed. Returns
// false when cancelled or the context ends.
func (e *Engine) waitWhilePaused(ctx context.Context) bool {
	for {
		e.mu.Lock()
		paused, cancelled := e.paused, e.cancelled
		e.mu.Unlock()
		if cancelled {
			return false
		}
		if !paused {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (e *Engine) setCurrent(stepID string) {
	e.mu.Lock()
	e.current = stepID
	e.mu.Unlock()
}

// canonicalArgs copies args with path-like values resolved to canonical
// absolute paths.
func (e *Engine) canonicalArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, key := range []string{"path", "script_path", "directory", "working_dir"} {
		if p, ok := StringArg(out, key); ok && p != "" {
			out[key] = e.resolvePath(p)
		}
	}
	return out
}

func (e *Engine) resolvePath(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.workDir, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

func (e *Engine) emit(planID, stepID string, kind ProgressKind) {
	ev := ProgressEvent{PlanID: planID, StepID: stepID, Event: kind, At: NowUnix()}
	e.mu.Lock()
	e.execLog = append(e.execLog, ev)
	fn := e.progress
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Events returns a copy of the execution log.
func (e *Engine) Events() []ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ProgressEvent, len(e.execLog))
	copy(out, e.execLog)
	return out
}

// Summary condenses the last executed plan. Returns a zero summary
// when nothing has run.
func (e *Engine) Summary() ExecutionSummary {
	e.mu.Lock()
	plan := e.plan
	e.mu.Unlock()
	if plan == nil {
		return ExecutionSummary{}
	}
	s := ExecutionSummary{
		PlanID:   plan.ID,
		PlanName: plan.Name,
		Status:   plan.Status,
		Total:    len(plan.Steps),
		Progress: plan.Progress(),
	}
	for _, st := range plan.Steps {
		switch st.Status {
		case StepCompleted:
			s.Completed++
		case StepFailed:
			s.Failed++
		case StepSkipped:
			s.Skipped++
		}
	}
	return s
}

// persist saves the current workflow state when a store is configured.
func (e *Engine) persist(ctx context.Context) {
	if e.store == nil {
		return
	}
	state := e.captureState()
	if err := e.store.SaveWorkflow(ctx, state); err != nil {
		e.logger.Warn("save workflow state", "plan_id", state.Plan.ID, "error", err)
	}
}

func (e *Engine) captureState() *WorkflowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cps := make([]Checkpoint, len(e.checkpoints))
	copy(cps, e.checkpoints)
	return &WorkflowState{
		Plan:            e.plan,
		Checkpoints:     cps,
		CurrentStepID:   e.current,
		Paused:          e.paused,
		CancelRequested: e.cancelled,
		SavedAt:         NowUnix(),
	}
}

// SaveState persists the current workflow state on demand.
func (e *Engine) SaveState(ctx context.Context) error {
	if e.store == nil {
		return fmt.Errorf("no state store configured")
	}
	state := e.captureState()
	if state.Plan == nil {
		return fmt.Errorf("no plan loaded")
	}
	return e.store.SaveWorkflow(ctx, state)
}

// LoadState restores a persisted workflow. Steps that were running are
// marked pending so they re-run on the next Execute.
func (e *Engine) LoadState(ctx context.Context, planID string) (*Plan, error) {
	if e.store == nil {
		return nil, fmt.Errorf("no state store configured")
	}
	state, err := e.store.LoadWorkflow(ctx, planID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("workflow %s: no saved state", planID)
	}
	for _, s := range state.Plan.Steps {
		if s.Status == StepRunning {
			s.Status = StepPending
		}
	}
	e.mu.Lock()
	e.plan = state.Plan
	e.checkpoints = state.Checkpoints
	e.current = state.CurrentStepID
	e.paused = state.Paused
	e.cancelled = state.CancelRequested
	e.mu.Unlock()
	return state.Plan, nil
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if e.tracer == nil {
		return ctx, nopSpan{}
	}
	return e.tracer.Start(ctx, name, attrs...)
}

// nopSpan is used when no tracer is configured.
type nopSpan struct{}

func (nopSpan) SetAttr(...SpanAttr)       {}
func (nopSpan) Event(string, ...SpanAttr) {}
func (nopSpan) Error(error)               {}
func (nopSpan) End()                      {}
