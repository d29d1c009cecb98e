package crew

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func approvedPlan(steps ...*PlanStep) *Plan {
	p := NewPlan("test plan")
	p.Steps = steps
	p.Approved = true
	p.Status = PlanApproved
	return p
}

func bashStep(id string, deps ...string) *PlanStep {
	return &PlanStep{
		ID:           id,
		Description:  "run " + id,
		AgentID:      MainAgentID,
		Tool:         ToolExecuteBash,
		Arguments:    map[string]any{"command": "echo " + id},
		Dependencies: deps,
	}
}

func writeStep(id, path, content string, deps ...string) *PlanStep {
	return &PlanStep{
		ID:           id,
		Description:  "write " + id,
		AgentID:      MainAgentID,
		Tool:         ToolWriteFile,
		Arguments:    map[string]any{"path": path, "content": content, "overwrite": true},
		Dependencies: deps,
	}
}

func newTestEngine(tool Tool, opts ...EngineOption) *Engine {
	base := []EngineOption{
		WithAgentCatalogue(func(id string) bool { return id == MainAgentID }),
		WithRetryDelay(time.Millisecond),
	}
	return NewEngine(NewToolRegistry(tool), append(base, opts...)...)
}

func TestExecuteRequiresApproval(t *testing.T) {
	e := newTestEngine(newFakeTool())
	plan := NewPlan("unapproved")
	plan.Steps = []*PlanStep{bashStep("s1")}
	ok, msg := e.Execute(context.Background(), plan)
	if ok || msg != "plan not approved" {
		t.Errorf("got ok=%v msg=%q", ok, msg)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	tool := newFakeTool()
	e := newTestEngine(tool)
	a := bashStep("a", "b")
	b := bashStep("b", "a")
	plan := approvedPlan(a, b)
	ok, msg := e.Execute(context.Background(), plan)
	if ok {
		t.Fatal("cyclic plan executed")
	}
	if !strings.HasPrefix(msg, "validation failed: ") {
		t.Errorf("msg = %q", msg)
	}
	if !strings.Contains(msg, "cycle") {
		t.Errorf("msg = %q", msg)
	}
	if len(tool.executions()) != 0 {
		t.Error("steps executed despite validation failure")
	}
}

func TestExecuteRunsInDependencyOrder(t *testing.T) {
	tool := newFakeTool()
	e := newTestEngine(tool)
	// c depends on b depends on a; registration order is scrambled
	plan := approvedPlan(
		bashStep("c", "b"),
		bashStep("a"),
		bashStep("b", "a"),
	)
	ok, msg := e.Execute(context.Background(), plan)
	if !ok {
		t.Fatalf("execute failed: %s", msg)
	}
	if msg != "plan completed" {
		t.Errorf("msg = %q", msg)
	}
	if plan.Status != PlanCompleted {
		t.Errorf("status = %s", plan.Status)
	}
	for _, s := range plan.Steps {
		if s.Status != StepCompleted {
			t.Errorf("step %s status = %s", s.ID, s.Status)
		}
	}
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	tool := newFakeTool()
	tool.failuresFor(ToolExecuteBash, "", 2)
	e := newTestEngine(tool)
	plan := approvedPlan(bashStep("s1"))
	ok, msg := e.Execute(context.Background(), plan)
	if !ok {
		t.Fatalf("execute failed: %s", msg)
	}
	if plan.Steps[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", plan.Steps[0].Attempts)
	}
	var retried int
	for _, ev := range e.Events() {
		if ev.Event == ProgressStepRetried {
			retried++
		}
	}
	if retried != 2 {
		t.Errorf("retry events = %d, want 2", retried)
	}
}

func TestStepFailureRollsBackCheckpoints(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := newFakeTool()
	e := newTestEngine(tool, WithWorkDir(dir))
	fail := bashStep("s2", "s1")
	tool.failuresFor(ToolExecuteBash, "", 100) // never succeeds
	plan := approvedPlan(writeStep("s1", target, "overwritten"), fail)

	ok, msg := e.Execute(context.Background(), plan)
	if ok {
		t.Fatal("failing plan succeeded")
	}
	if !strings.Contains(msg, `failed after 3 attempts`) {
		t.Errorf("msg = %q", msg)
	}
	if plan.Status != PlanFailed {
		t.Errorf("status = %s", plan.Status)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Errorf("file = %q, want rollback to %q", data, "original")
	}

	var kinds []ProgressKind
	for _, ev := range e.Events() {
		kinds = append(kinds, ev.Event)
	}
	for _, want := range []ProgressKind{ProgressCheckpointCreated, ProgressRollbackStarted, ProgressRollbackCompleted, ProgressPlanFailed} {
		found := false
		for _, k := range kinds {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing %s in %v", want, kinds)
		}
	}
}

func TestRollbackRemovesCreatedFiles(t *testing.T) {
	dir := t.TempDir()
	created := filepath.Join(dir, "new.txt")

	tool := newFakeTool()
	tool.failuresFor(ToolExecuteBash, "", 100)
	e := newTestEngine(tool, WithWorkDir(dir))
	plan := approvedPlan(writeStep("s1", created, "fresh"), bashStep("s2", "s1"))

	if ok, _ := e.Execute(context.Background(), plan); ok {
		t.Fatal("failing plan succeeded")
	}
	if _, err := os.Stat(created); !os.IsNotExist(err) {
		t.Errorf("file created by rolled-back step still exists")
	}
}

func TestCheckpointsDiscardedOnSuccess(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	tool := newFakeTool()
	e := newTestEngine(tool, WithWorkDir(dir), WithStateStore(store))
	plan := approvedPlan(writeStep("s1", filepath.Join(dir, "a.txt"), "x"))

	ok, _ := e.Execute(context.Background(), plan)
	if !ok {
		t.Fatal("execute failed")
	}
	if cps := e.captureState().Checkpoints; len(cps) != 0 {
		t.Errorf("checkpoints after success = %d", len(cps))
	}
	if got, _ := store.LoadWorkflow(context.Background(), plan.ID); got != nil {
		t.Error("workflow state not deleted after completion")
	}
}

func TestCancelSkipsRemainingSteps(t *testing.T) {
	tool := newFakeTool()
	var e *Engine
	e = newTestEngine(tool, WithProgress(func(ev ProgressEvent) {
		if ev.Event == ProgressStepCompleted {
			e.Cancel()
		}
	}))
	plan := approvedPlan(bashStep("a"), bashStep("b", "a"), bashStep("c", "b"))

	ok, msg := e.Execute(context.Background(), plan)
	if ok || msg != "cancelled" {
		t.Fatalf("got ok=%v msg=%q", ok, msg)
	}
	if plan.Status != PlanCancelled {
		t.Errorf("status = %s", plan.Status)
	}
	if got := len(tool.executions()); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
	skipped := 0
	for _, s := range plan.Steps {
		if s.Status == StepSkipped {
			skipped++
		}
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
}

func TestPauseHoldsStepBoundary(t *testing.T) {
	tool := newFakeTool()
	var e *Engine
	e = newTestEngine(tool, WithProgress(func(ev ProgressEvent) {
		if ev.Event == ProgressStepCompleted && ev.StepID == "a" {
			e.Pause()
		}
	}))
	plan := approvedPlan(bashStep("a"), bashStep("b", "a"))

	go func() {
		time.Sleep(150 * time.Millisecond)
		e.Resume()
	}()
	start := time.Now()
	ok, msg := e.Execute(context.Background(), plan)
	if !ok {
		t.Fatalf("execute failed: %s", msg)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("execution did not wait for resume")
	}
}

func TestSingleRunGuard(t *testing.T) {
	tool := newFakeTool()
	tool.slow = make(chan struct{})
	e := newTestEngine(tool)
	first := approvedPlan(bashStep("a"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(context.Background(), first)
	}()
	for !e.Running() {
		time.Sleep(time.Millisecond)
	}
	ok, msg := e.Execute(context.Background(), approvedPlan(bashStep("b")))
	if ok || msg != "another plan is already running" {
		t.Errorf("got ok=%v msg=%q", ok, msg)
	}
	close(tool.slow)
	<-done
}

func TestSummaryCounts(t *testing.T) {
	tool := newFakeTool()
	e := newTestEngine(tool)
	plan := approvedPlan(bashStep("a"), bashStep("b", "a"))
	if ok, msg := e.Execute(context.Background(), plan); !ok {
		t.Fatalf("execute failed: %s", msg)
	}
	s := e.Summary()
	if s.Total != 2 || s.Completed != 2 || s.Failed != 0 {
		t.Errorf("summary = %+v", s)
	}
	if s.Status != PlanCompleted || s.Progress != 1.0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestSaveAndLoadState(t *testing.T) {
	store := newMemStore()
	tool := newFakeTool()
	e := newTestEngine(tool, WithStateStore(store))

	plan := approvedPlan(bashStep("a"), bashStep("b", "a"))
	plan.Steps[0].Status = StepCompleted
	plan.Steps[1].Status = StepRunning
	e.mu.Lock()
	e.plan = plan
	e.current = "b"
	e.mu.Unlock()

	if err := e.SaveState(context.Background()); err != nil {
		t.Fatal(err)
	}

	e2 := newTestEngine(newFakeTool(), WithStateStore(store))
	loaded, err := e2.LoadState(context.Background(), plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Steps[0].Status != StepCompleted {
		t.Errorf("completed step = %s", loaded.Steps[0].Status)
	}
	// running steps re-run after a restart
	if loaded.Steps[1].Status != StepPending {
		t.Errorf("running step = %s, want pending", loaded.Steps[1].Status)
	}
}

func TestLoadStateUnknownPlan(t *testing.T) {
	e := newTestEngine(newFakeTool(), WithStateStore(newMemStore()))
	if _, err := e.LoadState(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown plan")
	}
}
