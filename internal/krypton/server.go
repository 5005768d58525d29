package krypton

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/paths"
	"github.com/throw-if-null/covalent/internal/store"
)

// maximum number of bytes we'll allow reading for a session log
const maxLogBytes = 5 << 20 // 5 MiB

// Store is the slice of the persistence layer the HTTP surface needs.
type Store interface {
	CreateTask(r *api.CreateTaskRequest, defMaxRetries, defMaxTurns int) (*api.Task, bool, error)
	GetTask(taskID string) (*api.Task, error)
	ListTasks(limit int) ([]*api.Task, error)
	CancelTask(taskID string) (bool, error)
	ListIterations(taskID string, limit int) ([]*api.Iteration, error)
	ListDecisions(taskID string, limit int) ([]*api.Decision, error)
	LatestDecision(taskID string) (*api.Decision, error)
	LatestSession(taskID string) (*api.Session, error)
	OpenBreakpoint(taskID string) (*api.Breakpoint, error)
	ResolveBreakpoint(breakpointID string, directive api.Directive, note string) (bool, error)
}

type Server struct {
	store      Store
	cancellers *Cancellers
	repoRoot   string
	maxRetries int
	maxTurns   int
}

func NewServer(st Store, cancellers *Cancellers, repoRoot string, maxRetries, maxTurns int) *Server {
	if cancellers == nil {
		cancellers = NewCancellers()
	}
	return &Server{store: st, cancellers: cancellers, repoRoot: repoRoot, maxRetries: maxRetries, maxTurns: maxTurns}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("POST /v1/tasks/{task_id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/respond", s.handleRespond)
	mux.HandleFunc("GET /v1/tasks/{task_id}/iterations", s.handleListIterations)
	mux.HandleFunc("GET /v1/tasks/{task_id}/decisions", s.handleListDecisions)
	mux.HandleFunc("GET /v1/tasks/{task_id}/logs", s.handleGetTaskLogs)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.Description == "" {
		http.Error(w, "task_id and description are required", http.StatusBadRequest)
		return
	}
	if err := paths.ValidateTaskID(req.TaskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	task, existed, err := s.store.CreateTask(&req, s.maxRetries, s.maxTurns)
	if err != nil {
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if existed {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	task, err := s.store.GetTask(taskID)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}

	// the audit trail answers "why is my task parked": every escalated or
	// aborted task carries the decision that put it there
	if d, derr := s.store.LatestDecision(taskID); derr == nil {
		task.LatestDecision = d
		if task.FailureReason == "" && (task.Status == api.TaskEscalated || task.Status == api.TaskAborted) {
			task.FailureReason = d.Reason
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

func (s *Server) handleListIterations(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetTask(taskID); isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}

	its, err := s.store.ListIterations(taskID, parseLimit(r))
	if err != nil {
		http.Error(w, "failed to list iterations", http.StatusInternalServerError)
		return
	}
	if its == nil {
		its = []*api.Iteration{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(its)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetTask(taskID); isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}

	decs, err := s.store.ListDecisions(taskID, parseLimit(r))
	if err != nil {
		http.Error(w, "failed to list decisions", http.StatusInternalServerError)
		return
	}
	if decs == nil {
		decs = []*api.Decision{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decs)
}

func parseLimit(r *http.Request) int {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		limit = x
	}
	return limit
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(parseLimit(r))
	if err != nil {
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tasks)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}
	changed, err := s.store.CancelTask(taskID)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to cancel task", http.StatusInternalServerError)
		return
	}
	// signal the running loop so the in-flight exchange is interrupted
	_ = s.cancellers.Cancel(taskID)
	if changed {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cancelled"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("no-op"))
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}
	var req api.RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !api.ValidDirective(req.Directive) {
		http.Error(w, "directive must be approve, modify or abort", http.StatusBadRequest)
		return
	}

	bp, err := s.store.OpenBreakpoint(taskID)
	if isNotFound(err) {
		http.Error(w, "no open breakpoint", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read breakpoints", http.StatusInternalServerError)
		return
	}

	resolved, err := s.store.ResolveBreakpoint(bp.BreakpointID, req.Directive, req.Note)
	if err != nil {
		http.Error(w, "failed to resolve breakpoint", http.StatusInternalServerError)
		return
	}
	if !resolved {
		http.Error(w, "breakpoint already resolved", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"breakpoint_id": bp.BreakpointID,
		"directive":     string(req.Directive),
	})
}

func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetTask(taskID); isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if sessionID == "" {
		sess, err := s.store.LatestSession(taskID)
		if isNotFound(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "failed to read sessions", http.StatusInternalServerError)
			return
		}
		sessionID = sess.SessionID
	}

	rel, err := paths.SessionDir(taskID, sessionID)
	if err != nil {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}
	dir, err := paths.SafeJoin(s.repoRoot, rel)
	if err != nil {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}
	logPath := filepath.Join(dir, "log.txt")
	// hard cap: avoid reading extremely large logs into memory
	if fi, serr := os.Stat(logPath); serr == nil {
		if fi.Size() > maxLogBytes {
			http.Error(w, "log too large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	b, err := os.ReadFile(logPath)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read log", http.StatusInternalServerError)
		return
	}

	logText := string(b)
	if tailStr := q.Get("tail"); tailStr != "" {
		n, perr := strconv.Atoi(tailStr)
		if perr != nil || n < 0 {
			http.Error(w, "invalid tail", http.StatusBadRequest)
			return
		}
		logText = tailLines(logText, n)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Covalent-Session-Id", sessionID)
	_, _ = w.Write([]byte(logText))
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

func tailLines(s string, n int) string {
	if n == 0 {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	// a trailing newline leaves an empty final element after Split
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if n >= len(lines) {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
