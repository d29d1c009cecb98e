package crew

import (
	"math"
	"strings"
	"testing"
)

func testStep(id string, hint int, deps ...string) *PlanStep {
	return &PlanStep{
		ID:           id,
		OrderHint:    hint,
		Description:  "step " + id,
		AgentID:      MainAgentID,
		Tool:         ToolListFiles,
		Arguments:    map[string]any{"directory": "."},
		Dependencies: deps,
		Status:       StepPending,
	}
}

func anyAgent(string) bool { return true }

func TestPlanValidateOK(t *testing.T) {
	p := NewPlan("demo")
	p.Steps = []*PlanStep{testStep("a", 1), testStep("b", 2, "a")}
	if problems := p.Validate(anyAgent); len(problems) != 0 {
		t.Fatalf("problems = %v", problems)
	}
}

func TestPlanValidateMissingDependency(t *testing.T) {
	p := NewPlan("demo")
	p.Steps = []*PlanStep{testStep("a", 1, "ghost")}
	problems := p.Validate(anyAgent)
	if len(problems) != 1 {
		t.Fatalf("problems = %v", problems)
	}
	if want := "step a depends on unknown step ghost"; problems[0] != want {
		t.Errorf("got %q, want %q", problems[0], want)
	}
}

func TestPlanValidateCycle(t *testing.T) {
	p := NewPlan("demo")
	p.Steps = []*PlanStep{testStep("a", 1, "b"), testStep("b", 2, "a")}
	problems := p.Validate(anyAgent)
	if len(problems) == 0 {
		t.Fatal("cycle not reported")
	}
	var found bool
	for _, pr := range problems {
		if strings.Contains(pr, "cycle") {
			found = true
		}
	}
	if !found {
		t.Errorf("no cycle problem in %v", problems)
	}
}

func TestPlanValidateUnknownToolAndAgent(t *testing.T) {
	p := NewPlan("demo")
	s := testStep("a", 1)
	s.Tool = "launch_rocket"
	s.AgentID = "nobody"
	p.Steps = []*PlanStep{s}
	problems := p.Validate(func(id string) bool { return id == MainAgentID })
	if len(problems) != 2 {
		t.Fatalf("problems = %v", problems)
	}
}

func TestExecutionOrderRespectsDependencies(t *testing.T) {
	p := NewPlan("demo")
	p.Steps = []*PlanStep{
		testStep("c", 3, "b"),
		testStep("a", 1),
		testStep("b", 2, "a"),
	}
	order, err := p.ExecutionOrder()
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(order))
	for i, s := range order {
		got[i] = s.ID
	}
	if strings.Join(got, "") != "abc" {
		t.Errorf("order = %v", got)
	}
}

func TestExecutionOrderTieBreakByHint(t *testing.T) {
	p := NewPlan("demo")
	p.Steps = []*PlanStep{testStep("z", 9), testStep("a", 1), testStep("m", 5)}
	order, _ := p.ExecutionOrder()
	got := []string{order[0].ID, order[1].ID, order[2].ID}
	if got[0] != "a" || got[1] != "m" || got[2] != "z" {
		t.Errorf("order = %v", got)
	}
}

func TestExecutionOrderCycleFails(t *testing.T) {
	p := NewPlan("demo")
	p.Steps = []*PlanStep{testStep("a", 1, "b"), testStep("b", 2, "a")}
	if _, err := p.ExecutionOrder(); err == nil {
		t.Fatal("expected error for cyclic plan")
	}
}

func TestPlanProgress(t *testing.T) {
	p := NewPlan("demo")
	p.Steps = []*PlanStep{testStep("a", 1), testStep("b", 2), testStep("c", 3), testStep("d", 4)}
	p.Steps[0].Status = StepCompleted
	p.Steps[1].Status = StepCompleted
	if got := p.Progress(); got != 0.5 {
		t.Errorf("progress = %v", got)
	}
}

func TestPlanCostAndTimeRollups(t *testing.T) {
	p := NewPlan("demo")
	a := testStep("a", 1)
	a.EstimatedSeconds = 30
	b := testStep("b", 2)
	b.AgentID = "researcher-1"
	b.EstimatedSeconds = 90
	p.Steps = []*PlanStep{a, b}
	if got := p.TotalEstimatedSeconds(); got != 120 {
		t.Errorf("total seconds = %d", got)
	}
	// main default 0.10, sub default 0.02
	if got := p.EstimatedCost(nil); math.Abs(got-0.12) > 1e-9 {
		t.Errorf("cost = %v", got)
	}
	if got := p.EstimatedCost(map[string]float64{"researcher-1": 0.40}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("cost with rates = %v", got)
	}
}

func TestPlanPortableRoundTrip(t *testing.T) {
	p := NewPlan("demo")
	p.Description = "round trip"
	p.Approved = true
	p.Status = PlanApproved
	s := testStep("a", 1)
	s.Attempts = 2
	s.Status = StepFailed
	s.Result = &ToolResult{Success: false, Error: "boom", ReturnCode: 1}
	p.Steps = []*PlanStep{s, testStep("b", 2, "a")}

	data, err := p.ToPortable()
	if err != nil {
		t.Fatal(err)
	}
	got, err := PlanFromPortable(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID || got.Name != p.Name || !got.Approved || got.Status != PlanApproved {
		t.Errorf("plan header mismatch: %+v", got)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("steps = %d", len(got.Steps))
	}
	g := got.Steps[0]
	if g.ID != "a" || g.Attempts != 2 || g.Status != StepFailed || g.Result == nil || g.Result.Error != "boom" {
		t.Errorf("step mismatch: %+v", g)
	}
	if got.Steps[1].Dependencies[0] != "a" {
		t.Errorf("dependencies lost: %+v", got.Steps[1])
	}
}

func TestPlanFromPortableRejectsGarbage(t *testing.T) {
	if _, err := PlanFromPortable([]byte(`{"name":"no id"}`)); err == nil {
		t.Fatal("expected error for plan without id")
	}
	if _, err := PlanFromPortable([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
