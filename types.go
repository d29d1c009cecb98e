package crew

// --- Agent identity ---

// MainAgentID is the reserved identifier of the primary agent.
const MainAgentID = "main"

// AgentRole is an enumerated specialisation. A role is configuration-only:
// a (prompt, model, temperature, token cap) tuple plus spawn keywords.
type AgentRole string

const (
	RoleMain        AgentRole = "main"
	RoleReviewer    AgentRole = "reviewer"
	RoleResearcher  AgentRole = "researcher"
	RoleImplementer AgentRole = "implementer"
	RoleTester      AgentRole = "tester"
	RoleOptimizer   AgentRole = "optimizer"
)

// Roles lists every recognised role.
func Roles() []AgentRole {
	return []AgentRole{RoleMain, RoleReviewer, RoleResearcher, RoleImplementer, RoleTester, RoleOptimizer}
}

// ParseRole returns the role matching s, or "" and false for unknown names.
func ParseRole(s string) (AgentRole, bool) {
	for _, r := range Roles() {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	StatusInitializing AgentStatus = "initializing"
	StatusIdle         AgentStatus = "idle"
	StatusWorking      AgentStatus = "working"
	StatusCompleted    AgentStatus = "completed"
	StatusError        AgentStatus = "error"
	StatusTerminated   AgentStatus = "terminated"
)

// statusNext encodes the legal forward transitions. Terminated is
// reachable from any state and is absorbing.
var statusNext = map[AgentStatus][]AgentStatus{
	StatusInitializing: {StatusIdle, StatusWorking},
	StatusIdle:         {StatusWorking},
	StatusWorking:      {StatusIdle, StatusCompleted, StatusError},
	StatusCompleted:    {},
	StatusError:        {},
	StatusTerminated:   {},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to AgentStatus) bool {
	if to == StatusTerminated {
		return from != StatusTerminated
	}
	for _, n := range statusNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// AgentProfile is the immutable per-role configuration an agent is built from.
type AgentProfile struct {
	Provider        string    `json:"provider"`
	BaseURL         string    `json:"base_url"`
	ModelID         string    `json:"model_id"`
	APIKey          string    `json:"-"`
	Role            AgentRole `json:"role"`
	Temperature     float64   `json:"temperature"`
	MaxTokens       int       `json:"max_tokens"`
	StreamEnabled   bool      `json:"stream_enabled"`
	SystemPrompt    string    `json:"system_prompt"`
	SpawnKeywords   []string  `json:"spawn_keywords,omitempty"`
	CostPer1KTokens float64   `json:"cost_per_1k_tokens,omitempty"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// --- Summaries ---

// StructuredSummary is the text a sub-agent emitted between [SUMMARY]
// markers, delivered back to its parent as a single user-role turn.
type StructuredSummary struct {
	SourceAgentID string `json:"source_agent_id"`
	Task          string `json:"task,omitempty"`
	Text          string `json:"text"`
	CreatedAt     int64  `json:"created_at"`
}
