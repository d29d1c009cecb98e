package crew

// OutputKind identifies the kind of output event delivered to the sink.
type OutputKind string

const (
	// OutputThinking carries an incremental chunk of [THINKING] text.
	OutputThinking OutputKind = "thinking"
	// OutputResponse carries an incremental chunk of response text.
	OutputResponse OutputKind = "response"
	// OutputSummary carries a completed sub-agent summary.
	OutputSummary OutputKind = "summary"
	// OutputToolResult carries a rendered tool result.
	OutputToolResult OutputKind = "tool-result"
	// OutputStatus carries agent status changes and turn statistics.
	OutputStatus OutputKind = "status"
	// OutputProgress carries workflow progress notifications.
	OutputProgress OutputKind = "progress"
)

// OutputEvent is one unit of multiplexed output. The renderer decides
// presentation; the runtime only guarantees per-agent ordering.
type OutputEvent struct {
	AgentID string     `json:"agent_id"`
	Role    AgentRole  `json:"role"`
	Kind    OutputKind `json:"kind"`
	Text    string     `json:"text"`
	At      int64      `json:"at"`
}

// Sink receives output events. Implementations must be safe for use by
// multiple agent goroutines and should consume promptly; slow sinks
// block the producing agent.
type Sink interface {
	Emit(ev OutputEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev OutputEvent)

func (f SinkFunc) Emit(ev OutputEvent) { f(ev) }

// NopSink discards all events. Used when no sink is configured.
func NopSink() Sink { return SinkFunc(func(OutputEvent) {}) }
