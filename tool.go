package crew

import (
	"context"
	"fmt"
)

// ToolSpec names one of the six predefined operations an agent may
// invoke on the local system. The set is closed.
type ToolSpec string

const (
	ToolExecuteBash   ToolSpec = "execute_bash"
	ToolExecutePython ToolSpec = "execute_python_script"
	ToolReadFile      ToolSpec = "read_file_tool"
	ToolWriteFile     ToolSpec = "write_file_tool"
	ToolEditFile      ToolSpec = "edit_file_tool"
	ToolListFiles     ToolSpec = "list_files_tool"
)

// KnownTool reports whether name is a member of the closed tool set.
func KnownTool(name ToolSpec) bool {
	switch name {
	case ToolExecuteBash, ToolExecutePython, ToolReadFile, ToolWriteFile, ToolEditFile, ToolListFiles:
		return true
	}
	return false
}

// Mutating reports whether the tool can change state outside the
// conversation. Mutating steps are checkpointed by the workflow engine.
func (t ToolSpec) Mutating() bool {
	switch t {
	case ToolExecuteBash, ToolExecutePython, ToolWriteFile, ToolEditFile:
		return true
	}
	return false
}

// ToolResult is the structured outcome of a tool invocation. Failures
// are values, never Go errors: callers branch on Success.
type ToolResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode int    `json:"return_code"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Failure builds a failed result with the given error text.
func Failure(format string, args ...any) ToolResult {
	return ToolResult{Success: false, ReturnCode: -1, Error: fmt.Sprintf(format, args...)}
}

// Tool executes one or more named operations. Implementations live in
// tools/shell and tools/file; each declares which ToolSpec members it
// serves via Tools().
type Tool interface {
	// Tools lists the operations this implementation serves.
	Tools() []ToolSpec
	// Execute runs the named operation with the given arguments.
	// Unknown argument keys are ignored; missing required arguments
	// yield a failed ToolResult.
	Execute(ctx context.Context, name ToolSpec, args map[string]any) ToolResult
}

// ToolRegistry routes tool invocations by name.
type ToolRegistry struct {
	byName map[ToolSpec]Tool
}

// NewToolRegistry creates a registry serving the given tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{byName: make(map[ToolSpec]Tool)}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers every operation of t, replacing prior registrations.
func (r *ToolRegistry) Add(t Tool) {
	for _, name := range t.Tools() {
		r.byName[name] = t
	}
}

// Has reports whether an implementation is registered for name.
func (r *ToolRegistry) Has(name ToolSpec) bool {
	_, ok := r.byName[name]
	return ok
}

// Execute routes to the implementation registered for name. Unknown or
// unregistered tools yield a failed result, not an error.
func (r *ToolRegistry) Execute(ctx context.Context, name ToolSpec, args map[string]any) ToolResult {
	t, ok := r.byName[name]
	if !ok {
		return Failure("unknown tool: %s", name)
	}
	return t.Execute(ctx, name, args)
}

// StringArg extracts a string argument by key, with ok=false when the
// key is absent or not a string.
func StringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

// IntArg extracts an integer argument by key. JSON numbers arrive as
// float64; both forms are accepted.
func IntArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// BoolArg extracts a boolean argument by key.
func BoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key].(bool)
	return v, ok
}
