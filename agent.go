package crew

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// StreamAgent owns one conversation with the model: it holds the
// history, runs streaming completion turns through the tag parser,
// forwards text to the output sink, and dispatches embedded file
// operations through the tool registry (the "tool loop"). History is
// owned by the agent's goroutine; other goroutines interact through
// the manager.
type StreamAgent struct {
	id       string
	profile  AgentProfile
	provider Provider
	tools    *ToolRegistry
	sink     Sink
	logger   *slog.Logger
	tracer   Tracer
	parentID string

	persistent    bool
	planMode      bool
	overwriteWarn bool
	onPlan        func(planText string)
	maxToolIt     int

	mu             sync.Mutex
	status         AgentStatus
	history        []ChatMessage
	pendingSummary *StructuredSummary
	suggestions    []FileOp
	task           string
	spawnTime      int64
	cancel         context.CancelFunc
}

// AgentOption configures a StreamAgent.
type AgentOption func(*StreamAgent)

// WithTools gives the agent a tool registry for dispatching embedded
// file operations. Without it, file operations are ignored.
func WithTools(reg *ToolRegistry) AgentOption {
	return func(a *StreamAgent) { a.tools = reg }
}

// WithSink sets the output sink. Defaults to a discarding sink.
func WithSink(s Sink) AgentOption {
	return func(a *StreamAgent) { a.sink = s }
}

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *StreamAgent) { a.logger = l }
}

// WithTracer sets the agent's tracer.
func WithTracer(t Tracer) AgentOption {
	return func(a *StreamAgent) { a.tracer = t }
}

// WithParent records the spawning agent's id.
func WithParent(id string) AgentOption {
	return func(a *StreamAgent) { a.parentID = id }
}

// WithPersistent controls the status the agent settles into when a
// stream closes cleanly: persistent agents go idle and accept further
// turns, one-shot agents complete. Main is persistent, sub-agents are
// one-shot by default.
func WithPersistent(p bool) AgentOption {
	return func(a *StreamAgent) { a.persistent = p }
}

// WithPlanMode queues the main agent's direct file operations as
// suggestions instead of executing them; mutations must come through
// an approved plan.
func WithPlanMode(on bool) AgentOption {
	return func(a *StreamAgent) { a.planMode = on }
}

// WithOverwriteWarning controls writes to existing files (on by
// default): when enabled, a model-emitted [FILE_WRITE] to an existing
// path is dispatched without the overwrite flag, so the write tool
// refuses it and the refusal surfaces as a tool result the model can
// react to. Disable to overwrite silently.
func WithOverwriteWarning(on bool) AgentOption {
	return func(a *StreamAgent) { a.overwriteWarn = on }
}

// WithPlanHandler registers the callback invoked with the body of a
// [PLAN] section after the producing stream closes.
func WithPlanHandler(fn func(planText string)) AgentOption {
	return func(a *StreamAgent) { a.onPlan = fn }
}

// WithTask records the task description the agent was spawned for.
func WithTask(task string) AgentOption {
	return func(a *StreamAgent) { a.task = task }
}

// NewStreamAgent creates an agent in the initializing state. The
// history is seeded with the profile's system prompt.
func NewStreamAgent(id string, profile AgentProfile, provider Provider, opts ...AgentOption) *StreamAgent {
	a := &StreamAgent{
		id:            id,
		profile:       profile,
		provider:      provider,
		status:        StatusInitializing,
		overwriteWarn: true,
		maxToolIt:     5,
		spawnTime:     NowUnix(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sink == nil {
		a.sink = NopSink()
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	if profile.SystemPrompt != "" {
		a.history = append(a.history, SystemMessage(profile.SystemPrompt))
	}
	return a
}

func (a *StreamAgent) ID() string            { return a.id }
func (a *StreamAgent) Role() AgentRole       { return a.profile.Role }
func (a *StreamAgent) Profile() AgentProfile { return a.profile }
func (a *StreamAgent) ParentID() string      { return a.parentID }
func (a *StreamAgent) Task() string          { return a.task }
func (a *StreamAgent) SpawnTime() int64      { return a.spawnTime }

// Status returns the agent's current lifecycle state.
func (a *StreamAgent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// setStatus applies a transition if it is legal; illegal transitions
// are dropped (terminated in particular is absorbing).
func (a *StreamAgent) setStatus(to AgentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !CanTransition(a.status, to) {
		return
	}
	a.logger.Debug("agent status", "agent_id", a.id, "from", a.status, "to", to)
	a.status = to
}

// History returns a copy of the conversation history.
func (a *StreamAgent) History() []ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ChatMessage, len(a.history))
	copy(out, a.history)
	return out
}

// ResetHistory clears the conversation, keeping the system prompt.
func (a *StreamAgent) ResetHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = a.history[:0]
	if a.profile.SystemPrompt != "" {
		a.history = append(a.history, SystemMessage(a.profile.SystemPrompt))
	}
}

func (a *StreamAgent) appendUser(text string) {
	a.mu.Lock()
	a.history = append(a.history, UserMessage(text))
	a.mu.Unlock()
}

func (a *StreamAgent) appendAssistant(text string) {
	a.mu.Lock()
	a.history = append(a.history, AssistantMessage(text))
	a.mu.Unlock()
}

// ReceiveMessage appends an inter-agent message as a user turn. It
// does not trigger a completion.
func (a *StreamAgent) ReceiveMessage(fromID, text string) {
	a.appendUser(fmt.Sprintf("[FROM %s] %s", fromID, text))
}

// TakeSummary atomically removes and returns the pending summary, or
// nil. The manager calls this once per completed stream.
func (a *StreamAgent) TakeSummary() *StructuredSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.pendingSummary
	a.pendingSummary = nil
	return s
}

// Suggestions removes and returns file operations queued under plan
// mode.
func (a *StreamAgent) Suggestions() []FileOp {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.suggestions
	a.suggestions = nil
	return out
}

// Terminate cancels any in-flight stream and marks the agent
// terminated. Safe to call from any goroutine.
func (a *StreamAgent) Terminate() {
	a.mu.Lock()
	cancel := a.cancel
	if CanTransition(a.status, StatusTerminated) {
		a.status = StatusTerminated
	}
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.logger.Info("agent terminated", "agent_id", a.id)
}

// turnState collects what one completion turn produced.
type turnState struct {
	content  strings.Builder
	planText string
	fileOps  []*FileOp
	summary  *StructuredSummary
}

// SendUserTurn appends the user text and runs completion turns until
// the model stops emitting file operations (or the iteration cap is
// hit). It returns when the final response stream has closed.
func (a *StreamAgent) SendUserTurn(ctx context.Context, text string) error {
	if a.Status() == StatusTerminated {
		return fmt.Errorf("agent %s: terminated", a.id)
	}
	a.appendUser(text)
	a.setStatus(StatusWorking)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
	}()

	ctx, span := a.startSpan(ctx, "agent.turn",
		StringAttr("agent.id", a.id),
		StringAttr("agent.role", string(a.profile.Role)))
	defer span.End()

	for iteration := 0; iteration < a.maxToolIt; iteration++ {
		turn, err := a.completeOnce(ctx)
		if err != nil {
			span.Error(err)
			a.setStatus(StatusError)
			a.emitEvent(OutputStatus, "error: "+err.Error())
			return fmt.Errorf("agent %s: %w", a.id, err)
		}

		a.appendAssistant(turn.content.String())
		if turn.summary != nil {
			a.mu.Lock()
			a.pendingSummary = turn.summary
			a.mu.Unlock()
		}
		if turn.planText != "" && a.onPlan != nil {
			a.onPlan(turn.planText)
		}

		if len(turn.fileOps) == 0 {
			break
		}
		if a.planMode && a.profile.Role == RoleMain {
			a.mu.Lock()
			for _, op := range turn.fileOps {
				a.suggestions = append(a.suggestions, *op)
			}
			a.mu.Unlock()
			a.emitEvent(OutputStatus,
				fmt.Sprintf("queued %d file operation(s) for plan approval", len(turn.fileOps)))
			break
		}
		if a.tools == nil {
			break
		}
		for _, op := range turn.fileOps {
			args := op.Args()
			if op.Kind == FileOpWrite {
				args["overwrite"] = !a.overwriteWarn
			}
			res := a.tools.Execute(ctx, op.Tool(), args)
			rendered := renderToolResult(op, res)
			a.emitEvent(OutputToolResult, rendered)
			a.appendUser("[TOOL RESULT] " + rendered)
		}
		// loop: let the model react to the tool results
	}

	if a.persistent {
		a.setStatus(StatusIdle)
	} else {
		a.setStatus(StatusCompleted)
	}
	return nil
}

// completeOnce runs a single completion request, feeding the token
// stream through the tag parser.
func (a *StreamAgent) completeOnce(ctx context.Context) (*turnState, error) {
	req := ChatRequest{
		Messages:    a.History(),
		Temperature: a.profile.Temperature,
		MaxTokens:   a.profile.MaxTokens,
	}

	turn := &turnState{}
	parser := NewTagParser(func(ev TagEvent) {
		switch ev.Kind {
		case TagText:
			kind := OutputResponse
			if ev.Role == TextThinking {
				kind = OutputThinking
			}
			a.emitEvent(kind, ev.Text)
		case TagSummary:
			turn.summary = &StructuredSummary{
				SourceAgentID: a.id,
				Task:          a.task,
				Text:          ev.Text,
				CreatedAt:     NowUnix(),
			}
			a.emitEvent(OutputSummary, ev.Text)
		case TagPlan:
			turn.planText = ev.Text
		case TagFileOp:
			turn.fileOps = append(turn.fileOps, ev.Op)
		}
	})

	start := time.Now()
	var (
		resp ChatResponse
		err  error
	)
	if a.profile.StreamEnabled {
		ch := make(chan string, streamBuffer)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for tok := range ch {
				turn.content.WriteString(tok)
				parser.Feed(tok)
			}
		}()
		resp, err = a.provider.ChatStream(ctx, req, ch)
		close(ch)
		<-done
	} else {
		resp, err = a.provider.Chat(ctx, req)
		if err == nil {
			turn.content.WriteString(resp.Content)
			parser.Feed(resp.Content)
		}
	}
	if err != nil {
		return nil, err
	}
	parser.Close()

	elapsed := time.Since(start)
	tokens := resp.Usage.OutputTokens
	if tokens > 0 && elapsed > 0 {
		a.emitEvent(OutputStatus, fmt.Sprintf("[%d tokens | %.1fs | %.1f tok/s]",
			tokens, elapsed.Seconds(), float64(tokens)/elapsed.Seconds()))
	}
	return turn, nil
}

// streamBuffer bounds in-flight deltas before the producer blocks.
const streamBuffer = 1024

func (a *StreamAgent) emitEvent(kind OutputKind, text string) {
	a.sink.Emit(OutputEvent{
		AgentID: a.id,
		Role:    a.profile.Role,
		Kind:    kind,
		Text:    text,
		At:      NowUnix(),
	})
}

func (a *StreamAgent) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if a.tracer == nil {
		return ctx, nopSpan{}
	}
	return a.tracer.Start(ctx, name, attrs...)
}

// renderToolResult formats a tool outcome for the conversation and the
// sink. Output is truncated so a chatty command cannot flood history.
func renderToolResult(op *FileOp, res ToolResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: ", op.Tool(), op.Path)
	if res.Success {
		b.WriteString("ok")
		if res.Stdout != "" {
			b.WriteString("\n")
			b.WriteString(truncateStr(res.Stdout, 2000))
		}
	} else {
		b.WriteString("failed: ")
		b.WriteString(res.Error)
	}
	return b.String()
}

// truncateStr shortens s to at most max bytes with an ellipsis marker,
// cutting on a rune boundary so multi-byte sequences stay intact.
func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
