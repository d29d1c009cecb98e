package crew

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Orchestrator is the facade the CLI loop drives: it routes user lines
// to the main agent, screens them through the injection guard, turns
// [PLAN] sections from the main agent into draft plans awaiting
// approval, and runs approved plans on the workflow engine.
type Orchestrator struct {
	mgr    *Manager
	engine *Engine
	guard  *InjectionGuard
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	drafts map[string]*Plan
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithGuard screens user input through an injection guard. Without it,
// input is forwarded unchecked.
func WithGuard(g *InjectionGuard) OrchestratorOption {
	return func(o *Orchestrator) { o.guard = g }
}

// WithOrchestratorSink sets the sink for orchestrator-level notices
// (blocked input, plan submissions). Usually the same sink the agents
// use.
func WithOrchestratorSink(s Sink) OrchestratorOption {
	return func(o *Orchestrator) { o.sink = s }
}

// WithOrchestratorLogger sets the orchestrator's logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator wires the manager and engine together and registers
// the main agent. The main agent's [PLAN] sections arrive here as
// draft plans.
func NewOrchestrator(mgr *Manager, engine *Engine, opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		mgr:    mgr,
		engine: engine,
		drafts: make(map[string]*Plan),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = NopSink()
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	if _, err := mgr.SpawnMain(o.handlePlanText); err != nil {
		return nil, err
	}
	return o, nil
}

// HandleUserLine routes one line of user input: guard check,
// keyword-triggered auto-spawn, then a main-agent turn. Blocked input
// is reported through the sink and does not reach the model.
func (o *Orchestrator) HandleUserLine(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if o.guard != nil {
		if blocked, layer := o.guard.Check(text); blocked {
			o.notice(fmt.Sprintf("input blocked by injection guard (layer %d)", layer))
			return nil
		}
	}
	if spawned := o.mgr.CheckAndAutoSpawn(ctx, text); len(spawned) > 0 {
		o.notice(fmt.Sprintf("auto-spawned %d agent(s): %s", len(spawned), strings.Join(spawned, ", ")))
	}
	main := o.mgr.MainAgent()
	if main == nil {
		return fmt.Errorf("no main agent")
	}
	return main.SendUserTurn(ctx, text)
}

// Spawn creates a sub-agent by role name. Unknown role names are a
// configuration error.
func (o *Orchestrator) Spawn(ctx context.Context, roleName, task string) (string, error) {
	role, ok := ParseRole(roleName)
	if !ok {
		return "", &ErrConfig{Reason: fmt.Sprintf("unknown role %q", roleName)}
	}
	return o.mgr.Spawn(ctx, role, task, MainAgentID)
}

// Terminate terminates the agent with the given id.
func (o *Orchestrator) Terminate(id string) error {
	return o.mgr.Terminate(id)
}

// ListAgents lists the live agents.
func (o *Orchestrator) ListAgents() []AgentInfo {
	return o.mgr.List(false)
}

// RouteDirect sends text straight to a specific agent.
func (o *Orchestrator) RouteDirect(ctx context.Context, toID, text string) error {
	return o.mgr.RouteDirect(ctx, toID, text)
}

// handlePlanText receives the body of a [PLAN] section from the main
// agent's stream.
func (o *Orchestrator) handlePlanText(planText string) {
	plan := ParsePlan(planText)
	if plan == nil {
		o.notice("plan could not be parsed; ask the model to restate it")
		return
	}
	o.SubmitPlan(plan)
}

// SubmitPlan registers a draft plan awaiting approval and announces it.
func (o *Orchestrator) SubmitPlan(plan *Plan) {
	o.mu.Lock()
	o.drafts[plan.ID] = plan
	o.mu.Unlock()
	o.logger.Info("plan submitted", "plan_id", plan.ID, "name", plan.Name, "steps", len(plan.Steps))
	o.notice(fmt.Sprintf("plan %q submitted (%d steps, ~%ds, ~$%.2f) — approve to run [id %s]",
		plan.Name, len(plan.Steps), plan.TotalEstimatedSeconds(), plan.EstimatedCost(nil), plan.ID))
}

// Plans returns the draft plans awaiting approval.
func (o *Orchestrator) Plans() []*Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Plan, 0, len(o.drafts))
	for _, p := range o.drafts {
		out = append(out, p)
	}
	return out
}

// Approve marks the draft approved and executes it on the workflow
// engine. The call returns when the run finishes; progress arrives
// through the engine's progress callback. err is non-nil only for an
// unknown plan id — run failures come back as ok=false with a message.
func (o *Orchestrator) Approve(ctx context.Context, planID string) (ok bool, msg string, err error) {
	o.mu.Lock()
	plan := o.drafts[planID]
	delete(o.drafts, planID)
	o.mu.Unlock()
	if plan == nil {
		return false, "", fmt.Errorf("unknown plan %s", planID)
	}
	plan.Approved = true
	plan.Status = PlanApproved
	ok, msg = o.engine.Execute(ctx, plan)
	o.notice(fmt.Sprintf("workflow %s: %s", plan.ID, msg))
	return ok, msg, nil
}

// Reject discards a draft plan.
func (o *Orchestrator) Reject(planID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	plan, ok := o.drafts[planID]
	if !ok {
		return fmt.Errorf("unknown plan %s", planID)
	}
	plan.Status = PlanCancelled
	delete(o.drafts, planID)
	return nil
}

// PauseWorkflow pauses the running workflow at the next step boundary.
func (o *Orchestrator) PauseWorkflow() { o.engine.Pause() }

// ResumeWorkflow resumes a paused workflow.
func (o *Orchestrator) ResumeWorkflow() { o.engine.Resume() }

// CancelWorkflow cancels the running workflow; the current step
// completes, the rest are skipped and rolled back.
func (o *Orchestrator) CancelWorkflow() { o.engine.Cancel() }

// OrchestratorStats combines registry and workflow views.
type OrchestratorStats struct {
	Agents   ManagerStats     `json:"agents"`
	Workflow ExecutionSummary `json:"workflow"`
	Drafts   int              `json:"draft_plans"`
}

// Stats reports the current session state.
func (o *Orchestrator) Stats() OrchestratorStats {
	o.mu.Lock()
	drafts := len(o.drafts)
	o.mu.Unlock()
	return OrchestratorStats{
		Agents:   o.mgr.Stats(),
		Workflow: o.engine.Summary(),
		Drafts:   drafts,
	}
}

// Shutdown terminates all agents and waits for their goroutines.
func (o *Orchestrator) Shutdown() {
	o.mgr.Shutdown()
}

func (o *Orchestrator) notice(text string) {
	o.sink.Emit(OutputEvent{
		AgentID: "orchestrator",
		Kind:    OutputStatus,
		Text:    text,
		At:      NowUnix(),
	})
}
