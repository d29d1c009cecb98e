// Package shell implements the sandboxed command tools: execute_bash
// and execute_python_script. Commands are tokenised without shell
// interpretation, checked against the safe/denied command sets, and
// run as a child process group with an enforced timeout.
package shell

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	crew "github.com/nevindra/crew"
	"github.com/nevindra/crew/internal/pathguard"
)

// defaultSafeCommands is the out-of-the-box allow list. The first
// token of a command must be a member.
var defaultSafeCommands = []string{
	"ls", "pwd", "echo", "cat", "grep", "find", "head", "tail",
	"wc", "sort", "date", "whoami", "which", "diff", "true", "false",
	"python", "python3", "pip", "git", "go", "make",
}

// defaultDeniedCommands reject the command when they appear as any
// token, even if the first token is safe.
var defaultDeniedCommands = []string{
	"rm", "sudo", "su", "chmod", "chown", "mkfs", "dd",
	"shutdown", "reboot", "kill", "killall", "mv",
}

// metachars cause rejection unless the leading command is explicitly
// whitelisted as pipeline-bearing.
const metachars = ";|&><`$()"

// Tool serves execute_bash and execute_python_script.
type Tool struct {
	guard          *pathguard.Guard
	safe           map[string]bool
	denied         map[string]bool
	allowPipelines map[string]bool
	defaultTimeout int
	maxOutput      int
	pythonBin      string
	logger         *slog.Logger
}

// Option configures the shell tool.
type Option func(*Tool)

// WithSafeCommands replaces the allow list.
func WithSafeCommands(cmds []string) Option {
	return func(t *Tool) { t.safe = toSet(cmds) }
}

// WithDeniedCommands replaces the deny list.
func WithDeniedCommands(cmds []string) Option {
	return func(t *Tool) { t.denied = toSet(cmds) }
}

// WithAllowPipelines whitelists leading commands that may carry shell
// metacharacters; those commands run through "sh -c". Empty by
// default.
func WithAllowPipelines(cmds []string) Option {
	return func(t *Tool) { t.allowPipelines = toSet(cmds) }
}

// WithDefaultTimeout sets the timeout in seconds applied when the
// arguments carry none (default 30, clamped to 300).
func WithDefaultTimeout(seconds int) Option {
	return func(t *Tool) {
		if seconds > 0 {
			t.defaultTimeout = seconds
		}
	}
}

// WithMaxOutput caps captured stdout/stderr bytes (default 16384).
func WithMaxOutput(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxOutput = n
		}
	}
}

// WithPython sets the interpreter binary for execute_python_script
// (default "python3").
func WithPython(bin string) Option {
	return func(t *Tool) { t.pythonBin = bin }
}

// WithLogger sets the tool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates the shell tool. Working directories and script paths
// resolve through guard.
func New(guard *pathguard.Guard, opts ...Option) *Tool {
	t := &Tool{
		guard:          guard,
		safe:           toSet(defaultSafeCommands),
		denied:         toSet(defaultDeniedCommands),
		allowPipelines: map[string]bool{},
		defaultTimeout: 30,
		maxOutput:      16384,
		pythonBin:      "python3",
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}
	return t
}

var _ crew.Tool = (*Tool)(nil)

func (t *Tool) Tools() []crew.ToolSpec {
	return []crew.ToolSpec{crew.ToolExecuteBash, crew.ToolExecutePython}
}

func (t *Tool) Execute(ctx context.Context, name crew.ToolSpec, args map[string]any) crew.ToolResult {
	start := time.Now()
	var res crew.ToolResult
	switch name {
	case crew.ToolExecuteBash:
		res = t.executeBash(ctx, args)
	case crew.ToolExecutePython:
		res = t.executePython(ctx, args)
	default:
		res = crew.Failure("unknown tool: %s", name)
	}
	res.DurationMS = time.Since(start).Milliseconds()
	if !res.Success {
		t.logger.Debug("shell tool failed", "tool", name, "error", res.Error)
	}
	return res
}

func (t *Tool) executeBash(ctx context.Context, args map[string]any) crew.ToolResult {
	command, ok := crew.StringArg(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return crew.Failure("command is required")
	}
	tokens := strings.Fields(command)
	first := tokens[0]
	for _, tok := range tokens {
		if t.denied[tok] {
			return crew.Failure("command not permitted")
		}
	}
	if !t.safe[first] {
		return crew.Failure("command not permitted")
	}
	viaShell := false
	if strings.ContainsAny(command, metachars) {
		if !t.allowPipelines[first] {
			return crew.Failure("command not permitted")
		}
		viaShell = true
	}

	workDir := t.guard.Cwd()
	if wd, ok := crew.StringArg(args, "working_dir"); ok && wd != "" {
		abs, err := t.guard.Resolve(wd)
		if err != nil {
			return crew.Failure("%s", err)
		}
		workDir = abs
	}

	var cmdArgs []string
	bin := first
	if viaShell {
		bin = "sh"
		cmdArgs = []string{"-c", command}
	} else {
		cmdArgs = tokens[1:]
	}
	return t.run(ctx, bin, cmdArgs, workDir, t.timeoutFrom(args))
}

func (t *Tool) executePython(ctx context.Context, args map[string]any) crew.ToolResult {
	scriptPath, ok := crew.StringArg(args, "script_path")
	if !ok || scriptPath == "" {
		return crew.Failure("script_path is required")
	}
	abs, err := t.guard.Resolve(scriptPath)
	if err != nil {
		return crew.Failure("%s", err)
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return crew.Failure("file does not exist")
		}
		return crew.Failure("stat: %v", err)
	}
	cmdArgs := []string{abs}
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				cmdArgs = append(cmdArgs, s)
			}
		}
	}
	return t.run(ctx, t.pythonBin, cmdArgs, t.guard.Cwd(), t.timeoutFrom(args))
}

// timeoutFrom reads timeout_seconds, applies the default, and clamps
// to 300s.
func (t *Tool) timeoutFrom(args map[string]any) int {
	timeout := t.defaultTimeout
	if secs, ok := crew.IntArg(args, "timeout_seconds"); ok && secs > 0 {
		timeout = secs
	}
	if timeout > 300 {
		timeout = 300
	}
	return timeout
}

// run spawns the child in its own process group so a timeout kills the
// whole tree, and captures bounded output.
func (t *Tool) run(ctx context.Context, bin string, args []string, workDir string, timeoutSecs int) crew.ToolResult {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, bin, args...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := crew.ToolResult{
		Stdout: truncate(stdout.String(), t.maxOutput),
		Stderr: truncate(stderr.String(), t.maxOutput),
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		res.ReturnCode = -1
		res.Error = "timed out after " + strconv.Itoa(timeoutSecs) + "s"
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ReturnCode = exitErr.ExitCode()
			res.Error = err.Error()
			return res
		}
		res.ReturnCode = -1
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.ReturnCode = 0
	return res
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
