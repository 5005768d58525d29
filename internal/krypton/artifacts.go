package krypton

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/paths"
)

// artifacts writes the on-disk trail for one session: meta.json at claim
// time, an appended log.txt, and per-iteration output.raw/result.json.
// Failures are logged to the trail itself or dropped; artifact writes
// never fail a task.
type artifacts struct {
	dir string
}

func newArtifacts(repoRoot, taskID, sessionID string) (*artifacts, error) {
	rel, err := paths.SessionDir(taskID, sessionID)
	if err != nil {
		return nil, err
	}
	dir, err := paths.SafeJoin(repoRoot, rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &artifacts{dir: dir}, nil
}

func (a *artifacts) writeMeta(sess *api.Session, task *api.Task) {
	b, err := json.MarshalIndent(map[string]any{
		"session_id": sess.SessionID,
		"task_id":    task.TaskID,
		"state":      sess.State,
		"started_at": sess.StartedAt,
	}, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(a.dir, "meta.json"), b, 0o644)
}

// logf appends one timestamped line to the session log.
func (a *artifacts) logf(format string, args ...any) {
	f, err := os.OpenFile(filepath.Join(a.dir, "log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	line := fmt.Sprintf(format, args...)
	_, _ = fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
}

// writeIteration preserves the exchange byte-exact alongside its parsed
// record.
func (a *artifacts) writeIteration(it *api.Iteration) {
	idir := filepath.Join(a.dir, "iterations", fmt.Sprintf("%d", it.ID))
	if err := os.MkdirAll(idir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(idir, "output.raw"), []byte(it.RawOutput), 0o644)
	if b, err := json.MarshalIndent(it, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(idir, "result.json"), b, 0o644)
	}
}
