// Package score asks a secondary model to grade one agent response. The
// scorer is advisory: any failure to obtain a grade produces the
// Unavailable result, never an error that stops the task.
package score

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os/exec"
	"time"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/config"
)

// Request is what the scorer command reads on stdin.
type Request struct {
	TaskDescription string `json:"task_description"`
	Prompt          string `json:"prompt"`
	Output          string `json:"output"`
	OutcomeKind     string `json:"outcome_kind"`
}

// Grade is the scorer's verdict. Unavailable means no usable grade was
// obtained; Score is meaningless in that case.
type Grade struct {
	Score       int
	Reasons     []string
	Unavailable bool
}

// Unavailable is returned whenever the scorer could not produce a grade.
var Unavailable = Grade{Unavailable: true}

// response is the wire shape the scorer command must print on stdout.
type response struct {
	Score   *int     `json:"score"`
	Reasons []string `json:"reasons"`
}

type Runner struct {
	cfg config.ScorerConfig
}

func NewRunner(cfg config.ScorerConfig) *Runner {
	return &Runner{cfg: cfg}
}

// Grade runs the configured scorer command with the request on stdin and
// parses {"score":N,"reasons":[...]} from stdout. Disabled scorer, exec
// failure, timeout, malformed output and out-of-range scores all degrade
// to Unavailable.
func (r *Runner) Grade(ctx context.Context, task api.Task, it api.Iteration) Grade {
	if r.cfg.Disabled || len(r.cfg.Command) == 0 {
		return Unavailable
	}

	timeout := time.Duration(r.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := Request{
		TaskDescription: task.Description,
		Prompt:          it.Prompt,
		Output:          it.RawOutput,
		OutcomeKind:     string(it.OutcomeKind),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Unavailable
	}

	argv := r.cfg.Command
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Printf("scorer command failed for task %s: %v (stderr: %s)", task.TaskID, err, truncate(stderr.String(), 512))
		return Unavailable
	}

	grade, ok := parse(stdout.Bytes())
	if !ok {
		log.Printf("scorer output unusable for task %s: %s", task.TaskID, truncate(stdout.String(), 512))
		return Unavailable
	}
	return grade
}

// parse accepts the grade object either alone on stdout or as the last
// parseable line, mirroring how model CLIs interleave progress noise with
// the final JSON.
func parse(out []byte) (Grade, bool) {
	if g, ok := parseLine(out); ok {
		return g, true
	}
	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if g, ok := parseLine(lines[i]); ok {
			return g, true
		}
	}
	return Grade{}, false
}

func parseLine(b []byte) (Grade, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return Grade{}, false
	}
	var resp response
	if err := json.Unmarshal(b, &resp); err != nil || resp.Score == nil {
		return Grade{}, false
	}
	if *resp.Score < 0 || *resp.Score > 100 {
		return Grade{}, false
	}
	return Grade{Score: *resp.Score, Reasons: resp.Reasons}, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
