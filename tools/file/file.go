// Package file implements the sandboxed file tools: read_file_tool,
// write_file_tool, edit_file_tool, and list_files_tool. Every path is
// validated against the allowed directories before any I/O, writes are
// atomic (temp-then-rename), and edits can keep a .backup sibling.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	crew "github.com/nevindra/crew"
	"github.com/nevindra/crew/internal/pathguard"
)

// Tool serves the four file operations behind a shared policy.
type Tool struct {
	guard            *pathguard.Guard
	maxFileSizeKB    int
	allowRead        bool
	allowWrite       bool
	allowEdit        bool
	backupBeforeEdit bool
	logger           *slog.Logger
}

// Option configures the file tool.
type Option func(*Tool)

// WithMaxFileSize caps readable file and writable content size in KB
// (default 1024).
func WithMaxFileSize(kb int) Option {
	return func(t *Tool) {
		if kb > 0 {
			t.maxFileSizeKB = kb
		}
	}
}

// WithPermissions enables or disables the read, write, and edit
// operations individually. All three default to enabled; list is
// always available.
func WithPermissions(read, write, edit bool) Option {
	return func(t *Tool) {
		t.allowRead, t.allowWrite, t.allowEdit = read, write, edit
	}
}

// WithBackup keeps a <path>.backup copy of the original before each
// edit (default on).
func WithBackup(on bool) Option {
	return func(t *Tool) { t.backupBeforeEdit = on }
}

// WithLogger sets the tool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates the file tool. Paths resolve against guard's working
// directory and must stay inside its allowed roots.
func New(guard *pathguard.Guard, opts ...Option) *Tool {
	t := &Tool{
		guard:            guard,
		maxFileSizeKB:    1024,
		allowRead:        true,
		allowWrite:       true,
		allowEdit:        true,
		backupBeforeEdit: true,
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
	return []crew.ToolSpec{crew.ToolReadFile, crew.ToolWriteFile, crew.ToolEditFile, crew.ToolListFiles}
}

func (t *Tool) Execute(ctx context.Context, name crew.ToolSpec, args map[string]any) crew.ToolResult {
	start := time.Now()
	var res crew.ToolResult
	switch name {
	case crew.ToolReadFile:
		res = t.read(args)
	case crew.ToolWriteFile:
		res = t.write(args)
	case crew.ToolEditFile:
		res = t.edit(args)
	case crew.ToolListFiles:
		res = t.list(args)
	default:
		res = crew.Failure("unknown tool: %s", name)
	}
	res.DurationMS = time.Since(start).Milliseconds()
	if !res.Success {
		t.logger.Debug("file tool failed", "tool", name, "error", res.Error)
	}
	return res
}

func (t *Tool) read(args map[string]any) crew.ToolResult {
	if !t.allowRead {
		return crew.Failure("read operations disabled")
	}
	path, ok := crew.StringArg(args, "path")
	if !ok || path == "" {
		return crew.Failure("path is required")
	}
	abs, err := t.guard.Resolve(path)
	if err != nil {
		return crew.Failure("%s", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return crew.Failure("file does not exist")
		}
		return crew.Failure("stat: %v", err)
	}
	if info.IsDir() {
		return crew.Failure("%s is a directory", path)
	}
	if info.Size() > int64(t.maxFileSizeKB)*1024 {
		return crew.Failure("file too large")
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return crew.Failure("read: %v", err)
	}
	return crew.ToolResult{Success: true, Stdout: string(data)}
}

func (t *Tool) write(args map[string]any) crew.ToolResult {
	if !t.allowWrite {
		return crew.Failure("write operations disabled")
	}
	path, ok := crew.StringArg(args, "path")
	if !ok || path == "" {
		return crew.Failure("path is required")
	}
	content, ok := crew.StringArg(args, "content")
	if !ok {
		return crew.Failure("content is required")
	}
	overwrite, _ := crew.BoolArg(args, "overwrite")

	abs, err := t.guard.Resolve(path)
	if err != nil {
		return crew.Failure("%s", err)
	}
	if len(content) > t.maxFileSizeKB*1024 {
		return crew.Failure("file too large")
	}
	if _, err := os.Stat(abs); err == nil && !overwrite {
		return crew.Failure("file already exists")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return crew.Failure("mkdir: %v", err)
	}
	if err := atomicWrite(abs, []byte(content)); err != nil {
		return crew.Failure("write: %v", err)
	}
	return crew.ToolResult{Success: true, Stdout: fmt.Sprintf("Written %d bytes to %s", len(content), path)}
}

func (t *Tool) edit(args map[string]any) crew.ToolResult {
	if !t.allowEdit {
		return crew.Failure("edit operations disabled")
	}
	path, ok := crew.StringArg(args, "path")
	if !ok || path == "" {
		return crew.Failure("path is required")
	}
	find, ok := crew.StringArg(args, "find")
	if !ok || find == "" {
		return crew.Failure("find is required")
	}
	replace, _ := crew.StringArg(args, "replace")

	abs, err := t.guard.Resolve(path)
	if err != nil {
		return crew.Failure("%s", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return crew.Failure("file does not exist")
		}
		return crew.Failure("read: %v", err)
	}
	text := string(data)
	count := strings.Count(text, find)
	if count == 0 {
		return crew.Failure("find text not present")
	}
	if t.backupBeforeEdit {
		if err := atomicWrite(abs+".backup", data); err != nil {
			return crew.Failure("backup: %v", err)
		}
	}
	if err := atomicWrite(abs, []byte(strings.ReplaceAll(text, find, replace))); err != nil {
		return crew.Failure("write: %v", err)
	}
	return crew.ToolResult{Success: true, Stdout: fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path)}
}

// listEntry is one row of list_files_tool output.
type listEntry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	IsFile bool   `json:"is_file"`
	IsDir  bool   `json:"is_dir"`
	Size   int64  `json:"size"`
}

func (t *Tool) list(args map[string]any) crew.ToolResult {
	dir, ok := crew.StringArg(args, "directory")
	if !ok || dir == "" {
		return crew.Failure("directory is required")
	}
	pattern, _ := crew.StringArg(args, "pattern")

	abs, err := t.guard.Resolve(dir)
	if err != nil {
		return crew.Failure("%s", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return crew.Failure("file does not exist")
		}
		return crew.Failure("read dir: %v", err)
	}
	out := make([]listEntry, 0, len(entries))
	for _, e := range entries {
		if pattern != "" {
			match, err := filepath.Match(pattern, e.Name())
			if err != nil {
				return crew.Failure("bad pattern: %v", err)
			}
			if !match {
				continue
			}
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, listEntry{
			Name:   e.Name(),
			Path:   filepath.Join(abs, e.Name()),
			IsFile: !e.IsDir(),
			IsDir:  e.IsDir(),
			Size:   info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return crew.Failure("encode: %v", err)
	}
	return crew.ToolResult{Success: true, Stdout: string(data)}
}

// atomicWrite writes via a temp file in the target directory and
// renames into place.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
