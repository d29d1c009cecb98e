package crew

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSnapshot records one file's content before a mutating step.
// Exists=false marks a file that was absent; rollback removes it.
type FileSnapshot struct {
	Exists  bool   `json:"exists"`
	Content []byte `json:"content,omitempty"`
}

// Checkpoint is a snapshot of the files a mutating step is about to
// touch. Created before the step starts, consulted in reverse order on
// rollback, and discarded when the plan completes.
type Checkpoint struct {
	ID        string                  `json:"id"`
	PlanID    string                  `json:"plan_id"`
	StepID    string                  `json:"step_id"`
	CreatedAt int64                   `json:"created_at"`
	Snapshots map[string]FileSnapshot `json:"file_snapshots"`
}

// snapshotPaths lists the file paths a step declares it will touch.
// Only argument keys that name files are considered; directories are
// not snapshotted.
func snapshotPaths(step *PlanStep) []string {
	var paths []string
	for _, key := range []string{"path", "script_path"} {
		if p, ok := StringArg(step.Arguments, key); ok && p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// takeCheckpoint snapshots the current bytes of every path the step
// declares. resolve canonicalises each declared path first.
func takeCheckpoint(plan *Plan, step *PlanStep, resolve func(string) string) Checkpoint {
	cp := Checkpoint{
		ID:        NewID(),
		PlanID:    plan.ID,
		StepID:    step.ID,
		CreatedAt: NowUnix(),
		Snapshots: make(map[string]FileSnapshot),
	}
	for _, p := range snapshotPaths(step) {
		abs := resolve(p)
		data, err := os.ReadFile(abs)
		if err != nil {
			cp.Snapshots[abs] = FileSnapshot{Exists: false}
			continue
		}
		cp.Snapshots[abs] = FileSnapshot{Exists: true, Content: data}
	}
	return cp
}

// Restore writes every snapshot back: saved bytes overwrite the current
// file, and files that did not exist at checkpoint time are removed.
// Restoration continues past individual failures; the first error is
// returned.
func (c Checkpoint) Restore() error {
	var firstErr error
	for path, snap := range c.Snapshots {
		var err error
		if snap.Exists {
			if err = os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
				err = os.WriteFile(path, snap.Content, 0o644)
			}
		} else {
			err = os.Remove(path)
			if os.IsNotExist(err) {
				err = nil
			}
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restore %s: %w", path, err)
		}
	}
	return firstErr
}
