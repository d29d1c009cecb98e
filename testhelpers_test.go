package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// scriptedProvider replays canned responses, one per completion call.
// When streaming, the content is fed to ch in small chunks to exercise
// the incremental parser path.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	requests  []ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) next(req ChatRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if idx < len(p.errs) && p.errs[idx] != nil {
		return "", p.errs[idx]
	}
	if idx >= len(p.responses) {
		return "", fmt.Errorf("scripted provider: no response for call %d", idx+1)
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	content, err := p.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{Content: content, Usage: Usage{OutputTokens: len(content) / 4}}, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	content, err := p.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	for i := 0; i < len(content); i += 7 {
		end := min(i+7, len(content))
		select {
		case ch <- content[i:end]:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return ChatResponse{Content: content, Usage: Usage{OutputTokens: len(content) / 4}}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordingSink collects emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []OutputEvent
}

func (s *recordingSink) Emit(ev OutputEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) byKind(kind OutputKind) []OutputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutputEvent
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// fakeTool serves every tool spec. failures[stepKey] makes the first N
// executions for that key fail; writes go to the real filesystem so
// checkpoint and rollback paths are exercised.
type fakeTool struct {
	mu       sync.Mutex
	executed []ToolSpec
	paths    []string
	failLeft map[string]int
	slow     chan struct{} // when set, Execute blocks until closed
}

func newFakeTool() *fakeTool {
	return &fakeTool{failLeft: map[string]int{}}
}

func (f *fakeTool) Tools() []ToolSpec {
	return []ToolSpec{ToolExecuteBash, ToolExecutePython, ToolReadFile, ToolWriteFile, ToolEditFile, ToolListFiles}
}

func (f *fakeTool) Execute(ctx context.Context, name ToolSpec, args map[string]any) ToolResult {
	if f.slow != nil {
		<-f.slow
	}
	path, _ := StringArg(args, "path")
	f.mu.Lock()
	f.executed = append(f.executed, name)
	f.paths = append(f.paths, path)
	key := string(name) + "|" + path
	if n := f.failLeft[key]; n > 0 {
		f.failLeft[key] = n - 1
		f.mu.Unlock()
		return Failure("transient failure")
	}
	f.mu.Unlock()

	if name == ToolWriteFile && path != "" {
		if ow, _ := BoolArg(args, "overwrite"); !ow {
			if _, err := os.Stat(path); err == nil {
				return Failure("file already exists")
			}
		}
		content, _ := StringArg(args, "content")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return Failure("write: %v", err)
		}
	}
	return ToolResult{Success: true, Stdout: "ok"}
}

// failuresFor makes the first n executions of tool at path fail.
func (f *fakeTool) failuresFor(tool ToolSpec, path string, n int) {
	f.mu.Lock()
	f.failLeft[string(tool)+"|"+path] = n
	f.mu.Unlock()
}

func (f *fakeTool) executions() []ToolSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ToolSpec, len(f.executed))
	copy(out, f.executed)
	return out
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu      sync.Mutex
	states  map[string][]byte
	deletes []string
}

func newMemStore() *memStore {
	return &memStore{states: map[string][]byte{}}
}

func (s *memStore) SaveWorkflow(ctx context.Context, state *WorkflowState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.states[state.Plan.ID] = blob
	s.mu.Unlock()
	return nil
}

func (s *memStore) LoadWorkflow(ctx context.Context, planID string) (*WorkflowState, error) {
	s.mu.Lock()
	blob, ok := s.states[planID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var state WorkflowState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *memStore) ListWorkflows(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) DeleteWorkflow(ctx context.Context, planID string) error {
	s.mu.Lock()
	delete(s.states, planID)
	s.deletes = append(s.deletes, planID)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }
