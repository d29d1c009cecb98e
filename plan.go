package crew

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanApproved  PlanStatus = "approved"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// PlanStep binds an agent to one tool invocation inside a plan.
type PlanStep struct {
	ID               string         `json:"id"`
	OrderHint        int            `json:"order_hint"`
	Description      string         `json:"description"`
	AgentID          string         `json:"agent_id"`
	Tool             ToolSpec       `json:"tool"`
	Arguments        map[string]any `json:"arguments"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	EstimatedSeconds int            `json:"estimated_seconds"`
	Status           StepStatus     `json:"status"`
	Attempts         int            `json:"attempts"`
	Result           *ToolResult    `json:"result,omitempty"`
	StartedAt        int64          `json:"started_at,omitempty"`
	FinishedAt       int64          `json:"finished_at,omitempty"`
}

// Plan is a validated acyclic sequence of steps.
type Plan struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Steps       []*PlanStep `json:"steps"`
	Approved    bool        `json:"approved"`
	Status      PlanStatus  `json:"status"`
	CreatedAt   int64       `json:"created_at"`
}

// NewPlan creates an empty draft plan.
func NewPlan(name string) *Plan {
	return &Plan{
		ID:        NewID(),
		Name:      name,
		Status:    PlanDraft,
		CreatedAt: NowUnix(),
	}
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *PlanStep {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Validate checks the plan's internal consistency: every dependency
// must name a step in the plan, the dependency graph must be acyclic,
// every tool must be a member of the closed tool set, and every agent
// must exist in the runtime catalogue. Returns an empty slice for a
// valid plan.
func (p *Plan) Validate(agentExists func(id string) bool) []string {
	var problems []string
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if ids[s.ID] {
			problems = append(problems, fmt.Sprintf("duplicate step id %s", s.ID))
		}
		ids[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				problems = append(problems, fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep))
			}
		}
		if !KnownTool(s.Tool) {
			problems = append(problems, fmt.Sprintf("step %s names unknown tool %q", s.ID, s.Tool))
		}
		if agentExists != nil && !agentExists(s.AgentID) {
			problems = append(problems, fmt.Sprintf("step %s names unknown agent %q", s.ID, s.AgentID))
		}
	}
	if cycle := p.findCycle(); cycle != "" {
		problems = append(problems, "cycle detected in step dependencies involving step "+cycle)
	}
	return problems
}

// findCycle runs a DFS with back-edge detection and returns the id of a
// step on a cycle, or "".
func (p *Plan) findCycle() string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(p.Steps))
	var visit func(s *PlanStep) string
	visit = func(s *PlanStep) string {
		state[s.ID] = inStack
		for _, dep := range s.Dependencies {
			next := p.Step(dep)
			if next == nil {
				continue // missing deps are reported separately
			}
			switch state[dep] {
			case inStack:
				return dep
			case unvisited:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		state[s.ID] = done
		return ""
	}
	for _, s := range p.Steps {
		if state[s.ID] == unvisited {
			if hit := visit(s); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// ExecutionOrder returns the steps in a dependency-respecting linear
// order (Kahn's algorithm), ties broken by OrderHint ascending. Fails
// if the graph has a cycle or a missing dependency.
func (p *Plan) ExecutionOrder() ([]*PlanStep, error) {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]*PlanStep, len(p.Steps))
	for _, s := range p.Steps {
		indegree[s.ID] += 0
		for _, dep := range s.Dependencies {
			if p.Step(dep) == nil {
				return nil, fmt.Errorf("plan %s: step %s depends on unknown step %s", p.ID, s.ID, dep)
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s)
		}
	}
	var ready []*PlanStep
	for _, s := range p.Steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s)
		}
	}
	order := make([]*PlanStep, 0, len(p.Steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].OrderHint < ready[j].OrderHint })
		s := ready[0]
		ready = ready[1:]
		order = append(order, s)
		for _, d := range dependents[s.ID] {
			indegree[d.ID]--
			if indegree[d.ID] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(order) != len(p.Steps) {
		return nil, fmt.Errorf("plan %s: cycle detected in step dependencies", p.ID)
	}
	return order, nil
}

// Progress returns completed steps over total steps in [0,1].
func (p *Plan) Progress() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	var completed int
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(p.Steps))
}

// TotalEstimatedSeconds sums the per-step time estimates.
func (p *Plan) TotalEstimatedSeconds() int {
	var total int
	for _, s := range p.Steps {
		total += s.EstimatedSeconds
	}
	return total
}

// Default per-step cost in dollars when the agent has no configured
// rate. The main agent runs a larger model.
const (
	defaultStepCost     = 0.02
	defaultMainStepCost = 0.10
)

// EstimatedCost sums per-step cost estimates in dollars. rates maps
// agent id to a per-step rate; agents without a rate use a default.
func (p *Plan) EstimatedCost(rates map[string]float64) float64 {
	var total float64
	for _, s := range p.Steps {
		if r, ok := rates[s.AgentID]; ok {
			total += r
			continue
		}
		if s.AgentID == MainAgentID {
			total += defaultMainStepCost
		} else {
			total += defaultStepCost
		}
	}
	return total
}

// ToPortable serialises the plan to its stable portable form. Step ids,
// dependencies, statuses, and attempt counts are preserved.
func (p *Plan) ToPortable() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// PlanFromPortable reconstructs a plan from its portable form.
func PlanFromPortable(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("decode plan: missing id")
	}
	for _, s := range p.Steps {
		if s.Status == "" {
			s.Status = StepPending
		}
	}
	return &p, nil
}
