package crew

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// AgentInfo is the manager's view of one registered agent.
type AgentInfo struct {
	ID        string      `json:"id"`
	Role      AgentRole   `json:"role"`
	Model     string      `json:"model"`
	Provider  string      `json:"provider"`
	Status    AgentStatus `json:"status"`
	ParentID  string      `json:"parent_id,omitempty"`
	Task      string      `json:"task,omitempty"`
	IsMain    bool        `json:"is_main"`
	StartedAt int64       `json:"started_at"`
}

// ManagerStats summarises the registry.
type ManagerStats struct {
	Total       int            `json:"total_agents"`
	Active      int            `json:"active_agents"`
	MainAgentID string         `json:"main_agent_id,omitempty"`
	ByRole      map[string]int `json:"agents_by_role"`
	Summaries   int            `json:"summaries_delivered"`
}

// ProviderFactory builds a Provider for a profile. The manager calls
// it once per spawned agent.
type ProviderFactory func(profile AgentProfile) (Provider, error)

// Manager is the process-wide agent registry: it spawns and terminates
// agents, enforces the concurrency cap, routes sub-agent summaries back
// to parents, and optionally auto-spawns roles from user-input
// keywords. The registry is guarded by a mutex; each agent's
// conversation runs on its own goroutine.
type Manager struct {
	profiles      map[AgentRole]AgentProfile
	newProvider   ProviderFactory
	maxConcurrent int
	autoSpawn     bool
	planMode      bool
	overwriteWarn bool
	tools         *ToolRegistry
	sink          Sink
	logger        *slog.Logger
	tracer        Tracer
	onSpawn       func(role AgentRole)

	mu        sync.Mutex
	agents    map[string]*StreamAgent
	order     []string // registration order, for stable listings
	mainID    string
	delivered int

	wg sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProfiles supplies the per-role agent profiles.
func WithProfiles(profiles map[AgentRole]AgentProfile) ManagerOption {
	return func(m *Manager) { m.profiles = profiles }
}

// WithProviderFactory supplies the provider constructor.
func WithProviderFactory(f ProviderFactory) ManagerOption {
	return func(m *Manager) { m.newProvider = f }
}

// WithMaxConcurrent caps the number of simultaneously active agents
// (default 5).
func WithMaxConcurrent(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 1 {
			m.maxConcurrent = n
		}
	}
}

// WithAutoSpawn enables keyword-triggered spawning from user input.
func WithAutoSpawn(on bool) ManagerOption {
	return func(m *Manager) { m.autoSpawn = on }
}

// WithManagerPlanMode makes the main agent queue direct file
// operations as suggestions instead of executing them.
func WithManagerPlanMode(on bool) ManagerOption {
	return func(m *Manager) { m.planMode = on }
}

// WithManagerOverwriteWarning controls whether model-emitted writes to
// existing files are refused (on by default). See WithOverwriteWarning.
func WithManagerOverwriteWarning(on bool) ManagerOption {
	return func(m *Manager) { m.overwriteWarn = on }
}

// WithSpawnHook registers a callback invoked after each successful
// sub-agent spawn, e.g. to count spawns in metrics.
func WithSpawnHook(fn func(role AgentRole)) ManagerOption {
	return func(m *Manager) { m.onSpawn = fn }
}

// WithManagerTools supplies the tool registry handed to every agent.
func WithManagerTools(reg *ToolRegistry) ManagerOption {
	return func(m *Manager) { m.tools = reg }
}

// WithManagerSink sets the output sink handed to every agent.
func WithManagerSink(s Sink) ManagerOption {
	return func(m *Manager) { m.sink = s }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerTracer sets the tracer handed to every agent.
func WithManagerTracer(t Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// NewManager creates an empty registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		agents:        make(map[string]*StreamAgent),
		profiles:      make(map[AgentRole]AgentProfile),
		maxConcurrent: 5,
		overwriteWarn: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil {
		m.sink = NopSink()
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// SpawnMain constructs and registers the main agent. planHandler
// receives the body of any [PLAN] section the main agent emits.
func (m *Manager) SpawnMain(planHandler func(planText string)) (*StreamAgent, error) {
	profile, ok := m.profiles[RoleMain]
	if !ok {
		return nil, &ErrConfig{Reason: "no profile for role main"}
	}
	provider, err := m.newProvider(profile)
	if err != nil {
		return nil, err
	}
	agent := NewStreamAgent(MainAgentID, profile, provider,
		WithTools(m.tools),
		WithSink(m.sink),
		WithLogger(m.logger),
		WithTracer(m.tracer),
		WithOverwriteWarning(m.overwriteWarn),
		WithPersistent(true),
		WithPlanMode(m.planMode),
		WithPlanHandler(planHandler),
	)
	m.mu.Lock()
	m.agents[MainAgentID] = agent
	m.order = append(m.order, MainAgentID)
	m.mainID = MainAgentID
	m.mu.Unlock()
	m.logger.Info("main agent registered", "model", profile.ModelID, "provider", profile.Provider)
	return agent, nil
}

// Spawn creates a sub-agent for role, seeds it with the task, and
// starts its first turn on a new goroutine. When the turn finishes the
// agent's summary (or error) is delivered to the parent. Fails with
// *ErrCapacity at the concurrency cap and *ErrConfig for unknown
// roles.
func (m *Manager) Spawn(ctx context.Context, role AgentRole, task, parentID string) (string, error) {
	profile, ok := m.profiles[role]
	if !ok {
		return "", &ErrConfig{Reason: fmt.Sprintf("no profile for role %s", role)}
	}
	if parentID == "" {
		parentID = MainAgentID
	}

	provider, err := m.newProvider(profile)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("%s-%s", role, NewID())
	agent := NewStreamAgent(id, profile, provider,
		WithTools(m.tools),
		WithSink(m.sink),
		WithLogger(m.logger),
		WithTracer(m.tracer),
		WithOverwriteWarning(m.overwriteWarn),
		WithParent(parentID),
		WithTask(task),
	)

	// Capacity check and registration share one critical section:
	// concurrent spawns must not both take the last slot.
	m.mu.Lock()
	if active := m.activeLocked(); active >= m.maxConcurrent {
		max := m.maxConcurrent
		m.mu.Unlock()
		return "", &ErrCapacity{Active: active, Max: max}
	}
	m.agents[id] = agent
	m.order = append(m.order, id)
	m.mu.Unlock()
	m.logger.Info("agent spawned", "agent_id", id, "role", role, "parent", parentID)
	if m.onSpawn != nil {
		m.onSpawn(role)
	}

	m.wg.Add(1)
	go m.runSubAgent(ctx, agent, task)
	return id, nil
}

// runSubAgent drives a sub-agent's single turn and hands its outcome
// back to the parent.
func (m *Manager) runSubAgent(ctx context.Context, agent *StreamAgent, task string) {
	defer m.wg.Done()
	if err := agent.SendUserTurn(ctx, task); err != nil {
		m.logger.Warn("sub-agent failed", "agent_id", agent.ID(), "error", err)
		if parent := m.Agent(agent.ParentID()); parent != nil {
			parent.appendUser(fmt.Sprintf("[ERROR from %s] %v", agent.Role(), err))
		}
		return
	}
	m.DeliverSummary(agent.ID())
}

// Agent returns the registered agent, or nil.
func (m *Manager) Agent(id string) *StreamAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[id]
}

// MainAgent returns the main agent, or nil before SpawnMain.
func (m *Manager) MainAgent() *StreamAgent {
	m.mu.Lock()
	id := m.mainID
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	return m.Agent(id)
}

// Has reports whether id is registered. The workflow engine uses this
// as its agent catalogue.
func (m *Manager) Has(id string) bool {
	return m.Agent(id) != nil
}

// List returns agent infos in registration order. Terminated agents
// are included only when asked for.
func (m *Manager) List(includeTerminated bool) []AgentInfo {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	var out []AgentInfo
	for _, id := range ids {
		a := m.Agent(id)
		if a == nil {
			continue
		}
		status := a.Status()
		if status == StatusTerminated && !includeTerminated {
			continue
		}
		out = append(out, AgentInfo{
			ID:        a.ID(),
			Role:      a.Role(),
			Model:     a.Profile().ModelID,
			Provider:  a.Profile().Provider,
			Status:    status,
			ParentID:  a.ParentID(),
			Task:      a.Task(),
			IsMain:    a.ID() == MainAgentID,
			StartedAt: a.SpawnTime(),
		})
	}
	return out
}

// SubAgents returns the infos of parentID's children.
func (m *Manager) SubAgents(parentID string) []AgentInfo {
	var out []AgentInfo
	for _, info := range m.List(true) {
		if info.ParentID == parentID {
			out = append(out, info)
		}
	}
	return out
}

// Terminate cancels the agent's in-flight stream and marks it
// terminated. The entry stays in the registry for history access.
func (m *Manager) Terminate(id string) error {
	a := m.Agent(id)
	if a == nil {
		return fmt.Errorf("unknown agent %s", id)
	}
	a.Terminate()
	return nil
}

// TerminateChildren terminates every child of parentID.
func (m *Manager) TerminateChildren(parentID string) {
	for _, info := range m.SubAgents(parentID) {
		if a := m.Agent(info.ID); a != nil {
			a.Terminate()
		}
	}
}

// DeliverSummary takes fromID's pending summary and appends it to the
// parent's history as a single "[SUMMARY from <role>]" user turn.
// Without a pending summary this is a no-op.
func (m *Manager) DeliverSummary(fromID string) {
	agent := m.Agent(fromID)
	if agent == nil {
		return
	}
	summary := agent.TakeSummary()
	if summary == nil {
		return
	}
	parentID := agent.ParentID()
	if parentID == "" {
		parentID = MainAgentID
	}
	parent := m.Agent(parentID)
	if parent == nil {
		return
	}
	parent.appendUser(fmt.Sprintf("[SUMMARY from %s] %s", agent.Role(), summary.Text))
	m.mu.Lock()
	m.delivered++
	m.mu.Unlock()
	m.logger.Info("summary delivered", "from", fromID, "to", parentID)
}

// RouteDirect sends text as a user turn to a specific agent (the
// "@agent_id" CLI syntax).
func (m *Manager) RouteDirect(ctx context.Context, toID, text string) error {
	a := m.Agent(toID)
	if a == nil {
		return fmt.Errorf("unknown agent %s", toID)
	}
	return a.SendUserTurn(ctx, text)
}

// CheckAndAutoSpawn scans user input for role spawn keywords and
// spawns the first matching role per profile. Returns the spawned
// agent ids. Capacity failures stop the scan; other roles would fail
// the same way.
func (m *Manager) CheckAndAutoSpawn(ctx context.Context, userText string) []string {
	if !m.autoSpawn {
		return nil
	}
	lower := strings.ToLower(userText)
	var spawned []string
	for _, role := range Roles() {
		profile, ok := m.profiles[role]
		if !ok || role == RoleMain {
			continue
		}
		for _, kw := range profile.SpawnKeywords {
			if kw == "" || !strings.Contains(lower, strings.ToLower(kw)) {
				continue
			}
			id, err := m.Spawn(ctx, role, userText, MainAgentID)
			if err != nil {
				m.logger.Warn("auto-spawn failed", "role", role, "error", err)
				return spawned
			}
			spawned = append(spawned, id)
			break
		}
	}
	return spawned
}

// Stats summarises the registry.
func (m *Manager) Stats() ManagerStats {
	infos := m.List(true)
	m.mu.Lock()
	delivered := m.delivered
	mainID := m.mainID
	m.mu.Unlock()

	stats := ManagerStats{
		MainAgentID: mainID,
		ByRole:      make(map[string]int),
		Summaries:   delivered,
	}
	for _, info := range infos {
		stats.Total++
		if info.Status != StatusTerminated && info.Status != StatusCompleted && info.Status != StatusError {
			stats.Active++
		}
		stats.ByRole[string(info.Role)]++
	}
	return stats
}

// activeLocked counts agents that still hold a concurrency slot.
// Callers hold m.mu.
func (m *Manager) activeLocked() int {
	var n int
	for _, a := range m.agents {
		switch a.Status() {
		case StatusTerminated, StatusCompleted, StatusError:
		default:
			n++
		}
	}
	return n
}

// Shutdown terminates every agent and waits for their goroutines.
func (m *Manager) Shutdown() {
	for _, info := range m.List(true) {
		if a := m.Agent(info.ID); a != nil {
			a.Terminate()
		}
	}
	m.wg.Wait()
}
