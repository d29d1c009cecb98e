package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	crew "github.com/nevindra/crew"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "crew.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func sampleState(planID string) *crew.WorkflowState {
	plan := crew.NewPlan("test workflow")
	plan.ID = planID
	plan.Steps = []*crew.PlanStep{
		{ID: "s1", OrderHint: 1, AgentID: "implementer", Tool: crew.ToolWriteFile, Status: crew.StepCompleted},
		{ID: "s2", OrderHint: 2, AgentID: "tester", Tool: crew.ToolExecuteBash, Status: crew.StepRunning, Dependencies: []string{"s1"}},
	}
	return &crew.WorkflowState{
		Plan:          plan,
		CurrentStepID: "s2",
		Checkpoints: []crew.Checkpoint{{
			ID:     "cp1",
			PlanID: planID,
			StepID: "s1",
			Snapshots: map[string]crew.FileSnapshot{
				"/tmp/a.txt": {Exists: true, Content: []byte("old")},
				"/tmp/b.txt": {Exists: false},
			},
		}},
		SavedAt: crew.NowUnix(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	want := sampleState("plan-1")
	if err := s.SaveWorkflow(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadWorkflow(ctx, "plan-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("loaded nil")
	}
	if got.Plan.Name != "test workflow" || len(got.Plan.Steps) != 2 {
		t.Errorf("plan = %+v", got.Plan)
	}
	if got.CurrentStepID != "s2" {
		t.Errorf("current step = %q", got.CurrentStepID)
	}
	if len(got.Checkpoints) != 1 {
		t.Fatalf("checkpoints = %d", len(got.Checkpoints))
	}
	snap := got.Checkpoints[0].Snapshots["/tmp/a.txt"]
	if !snap.Exists || string(snap.Content) != "old" {
		t.Errorf("snapshot = %+v", snap)
	}
	if got.Checkpoints[0].Snapshots["/tmp/b.txt"].Exists {
		t.Error("absent-file snapshot marked existing")
	}
}

func TestSaveUpserts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	state := sampleState("plan-1")
	if err := s.SaveWorkflow(ctx, state); err != nil {
		t.Fatal(err)
	}
	state.CurrentStepID = "s1"
	state.Paused = true
	if err := s.SaveWorkflow(ctx, state); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadWorkflow(ctx, "plan-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Paused || got.CurrentStepID != "s1" {
		t.Errorf("got %+v", got)
	}
	ids, err := s.ListWorkflows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("ids = %v", ids)
	}
}

func TestLoadAbsentReturnsNil(t *testing.T) {
	s := newStore(t)
	got, err := s.LoadWorkflow(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestDeleteWorkflow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.SaveWorkflow(ctx, sampleState("plan-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteWorkflow(ctx, "plan-1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadWorkflow(ctx, "plan-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("workflow survived delete")
	}
	// Deleting again is not an error.
	if err := s.DeleteWorkflow(ctx, "plan-1"); err != nil {
		t.Fatal(err)
	}
}

func TestListOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	older := sampleState("plan-old")
	older.SavedAt = 100
	newer := sampleState("plan-new")
	newer.SavedAt = 200
	for _, st := range []*crew.WorkflowState{older, newer} {
		if err := s.SaveWorkflow(ctx, st); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.ListWorkflows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "plan-new" || ids[1] != "plan-old" {
		t.Errorf("ids = %v", ids)
	}
}
