package krypton_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/config"
	"github.com/throw-if-null/covalent/internal/krypton"
	"github.com/throw-if-null/covalent/internal/session"
	"github.com/throw-if-null/covalent/internal/store"
)

// fakeBackend scripts the agent's behavior per Send call.
type fakeBackend struct {
	mu     sync.Mutex
	calls  []sendCall
	reply  func(call int, sess *session.Session, prompt string, c session.Constraints) (*api.Iteration, error)
	resume func(token string) (*session.Session, error)
}

type sendCall struct {
	sessionID string
	token     string
	prompt    string
	maxTurns  int
}

func (f *fakeBackend) Start(ctx context.Context) (*session.Session, error) {
	return &session.Session{ID: uuid.NewString(), State: api.SessionReady, StartedAt: time.Now().UTC()}, nil
}

func (f *fakeBackend) Resume(ctx context.Context, token string) (*session.Session, error) {
	if f.resume != nil {
		return f.resume(token)
	}
	return &session.Session{ID: uuid.NewString(), Token: token, State: api.SessionReady, StartedAt: time.Now().UTC()}, nil
}

func (f *fakeBackend) Send(ctx context.Context, sess *session.Session, prompt string, c session.Constraints) (*api.Iteration, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, sendCall{sessionID: sess.ID, token: sess.Token, prompt: prompt, maxTurns: c.MaxTurns})
	f.mu.Unlock()
	return f.reply(n, sess, prompt, c)
}

func (f *fakeBackend) Terminate(ctx context.Context, sess *session.Session) error {
	sess.State = api.SessionTerminated
	return nil
}

func (f *fakeBackend) sentCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func successIteration() *api.Iteration {
	return &api.Iteration{
		RawOutput:   `{"type":"result","subtype":"success","result":"done"}`,
		OutcomeKind: api.OutcomeSuccess,
		TurnsUsed:   3,
		Usage:       api.TokenUsage{Input: 100, Output: 50},
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.PollIntervalMS = 10
	cfg.Escalation.PollIntervalMS = 10
	cfg.Escalation.Headless = true
	// scorer disabled: confidence rides on history alone, capped at 60
	cfg.Scorer.Disabled = true
	cfg.Decision.ProceedThreshold = 50
	cfg.Decision.RetryThreshold = 30
	cfg.Agent.TimeoutSeconds = 5
	return cfg
}

func startOrchestrator(t *testing.T, s *store.Store, cfg config.Config, backend session.Backend, root string) *krypton.Cancellers {
	t.Helper()
	cancellers := krypton.NewCancellers()
	o := krypton.NewOrchestrator(s, cfg, backend, root, cancellers)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.Run(ctx)
	return cancellers
}

func createTask(t *testing.T, s *store.Store, id string, maxRetries int) {
	t.Helper()
	if _, _, err := s.CreateTask(&api.CreateTaskRequest{TaskID: id, Description: "implement the widget"}, maxRetries, 20); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func waitForTerminal(t *testing.T, s *store.Store, taskID string) *api.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	task, _ := s.GetTask(taskID)
	t.Fatalf("task %s never reached a terminal status (last: %+v)", taskID, task)
	return nil
}

func TestRunTask_SuccessCompletes(t *testing.T) {
	s, root := setupTestStore(t)
	fb := &fakeBackend{reply: func(int, *session.Session, string, session.Constraints) (*api.Iteration, error) {
		return successIteration(), nil
	}}
	startOrchestrator(t, s, testConfig(), fb, root)
	createTask(t, s, "task-1", 3)

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskCompleted {
		t.Fatalf("status: %s (%s)", task.Status, task.FailureReason)
	}
	if task.ActiveSessionID != nil {
		t.Fatalf("session claim not released: %v", *task.ActiveSessionID)
	}

	decs, err := s.ListDecisions("task-1", 0)
	if err != nil || len(decs) != 1 {
		t.Fatalf("decisions: %v %v", decs, err)
	}
	if decs[0].Outcome != api.DecisionProceed {
		t.Fatalf("decision: %+v", decs[0])
	}

	its, err := s.ListIterations("task-1", 0)
	if err != nil || len(its) != 1 {
		t.Fatalf("iterations: %v %v", its, err)
	}
	if its[0].RawOutput == "" || !its[0].QualityUnavailable {
		t.Fatalf("iteration record: %+v", its[0])
	}

	sess, err := s.LatestSession("task-1")
	if err != nil {
		t.Fatalf("latest session: %v", err)
	}
	if sess.State != api.SessionTerminated {
		t.Fatalf("session state: %s", sess.State)
	}

	// artifacts trail
	dir := filepath.Join(root, ".covalent", "runs", "task-1", "sessions", sess.SessionID)
	for _, name := range []string{"meta.json", "log.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}
	raw, err := os.ReadFile(filepath.Join(dir, "iterations", fmt.Sprintf("%d", its[0].ID), "output.raw"))
	if err != nil || string(raw) != its[0].RawOutput {
		t.Fatalf("output.raw: %v %q", err, raw)
	}
}

func TestRunTask_CrashRetriesOnFreshSession(t *testing.T) {
	s, root := setupTestStore(t)
	fb := &fakeBackend{reply: func(call int, sess *session.Session, _ string, _ session.Constraints) (*api.Iteration, error) {
		if call == 0 {
			sess.State = api.SessionError
			return &api.Iteration{RawOutput: "partial", OutcomeKind: api.OutcomeCrashed}, session.ErrProcessCrashed
		}
		return successIteration(), nil
	}}
	startOrchestrator(t, s, testConfig(), fb, root)
	createTask(t, s, "task-1", 3)

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskCompleted {
		t.Fatalf("status: %s (%s)", task.Status, task.FailureReason)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry count: %d", task.RetryCount)
	}

	calls := fb.sentCalls()
	if len(calls) != 2 {
		t.Fatalf("sends: %d", len(calls))
	}
	if calls[0].sessionID == calls[1].sessionID {
		t.Fatal("crash retry must use a brand-new session")
	}
	if calls[1].token != "" {
		t.Fatal("crash retry must not resume the dead conversation")
	}

	first, err := s.GetSession(calls[0].sessionID)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	if first.State != api.SessionError {
		t.Fatalf("crashed session state: %s", first.State)
	}

	decs, _ := s.ListDecisions("task-1", 0)
	if len(decs) != 2 || decs[0].Outcome != api.DecisionRetry || decs[1].Outcome != api.DecisionProceed {
		t.Fatalf("decisions: %+v", decs)
	}
}

func TestRunTask_MaxTurnsDoublesBudget(t *testing.T) {
	s, root := setupTestStore(t)
	fb := &fakeBackend{reply: func(call int, _ *session.Session, _ string, _ session.Constraints) (*api.Iteration, error) {
		if call == 0 {
			it := successIteration()
			it.OutcomeKind = api.OutcomeMaxTurns
			it.TurnsUsed = 20
			return it, nil
		}
		return successIteration(), nil
	}}
	startOrchestrator(t, s, testConfig(), fb, root)
	createTask(t, s, "task-1", 3)

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskCompleted {
		t.Fatalf("status: %s (%s)", task.Status, task.FailureReason)
	}

	calls := fb.sentCalls()
	if len(calls) != 2 {
		t.Fatalf("sends: %d", len(calls))
	}
	if calls[0].maxTurns != 20 || calls[1].maxTurns != 40 {
		t.Fatalf("turn budgets: %d then %d", calls[0].maxTurns, calls[1].maxTurns)
	}

	decs, _ := s.ListDecisions("task-1", 0)
	if len(decs) != 2 || decs[0].Outcome != api.DecisionRetry {
		t.Fatalf("max-turns must never proceed directly: %+v", decs)
	}
}

func TestRunTask_BudgetRotationForcesNewSession(t *testing.T) {
	s, root := setupTestStore(t)
	cfg := testConfig()
	cfg.Agent.ContextWindow = 1000
	fb := &fakeBackend{reply: func(call int, _ *session.Session, _ string, _ session.Constraints) (*api.Iteration, error) {
		it := successIteration()
		if call == 0 {
			it.Usage = api.TokenUsage{Input: 900}
		} else {
			it.Usage = api.TokenUsage{Input: 10}
		}
		return it, nil
	}}
	startOrchestrator(t, s, cfg, fb, root)
	createTask(t, s, "task-1", 3)

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskCompleted {
		t.Fatalf("status: %s (%s)", task.Status, task.FailureReason)
	}
	if task.RetryCount != 0 {
		t.Fatalf("rotation must not consume the retry budget: %d", task.RetryCount)
	}

	calls := fb.sentCalls()
	if len(calls) != 2 {
		t.Fatalf("sends: %d", len(calls))
	}
	if calls[0].sessionID == calls[1].sessionID {
		t.Fatal("rotation must attach a fresh session")
	}
	if !strings.Contains(calls[1].prompt, "continuing earlier work") {
		t.Fatalf("rotated prompt missing checkpoint note: %q", calls[1].prompt)
	}

	decs, _ := s.ListDecisions("task-1", 0)
	if len(decs) != 2 || decs[0].Outcome != api.DecisionRotate || decs[1].Outcome != api.DecisionProceed {
		t.Fatalf("decisions: %+v", decs)
	}

	cp, err := s.LatestCheckpoint("task-1")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.SessionID != calls[0].sessionID {
		t.Fatalf("checkpoint session: %s", cp.SessionID)
	}
}

func TestRunTask_ValidationFailureRetriesThenHeadlessAbort(t *testing.T) {
	s, root := setupTestStore(t)
	fb := &fakeBackend{reply: func(int, *session.Session, string, session.Constraints) (*api.Iteration, error) {
		// success-shaped but empty: structurally invalid
		return &api.Iteration{RawOutput: "", OutcomeKind: api.OutcomeSuccess}, nil
	}}
	startOrchestrator(t, s, testConfig(), fb, root)
	createTask(t, s, "task-1", 2)

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskAborted {
		t.Fatalf("headless escalation must abort: %s (%s)", task.Status, task.FailureReason)
	}
	if task.RetryCount != 2 {
		t.Fatalf("retry count: %d", task.RetryCount)
	}

	calls := fb.sentCalls()
	if len(calls) != 3 {
		t.Fatalf("sends: %d", len(calls))
	}
	if !strings.Contains(calls[1].prompt, "empty response body") {
		t.Fatalf("retry prompt missing validation feedback: %q", calls[1].prompt)
	}

	decs, _ := s.ListDecisions("task-1", 0)
	if len(decs) != 3 {
		t.Fatalf("decisions: %+v", decs)
	}
	for i := 0; i < 2; i++ {
		if decs[i].Outcome != api.DecisionRetry {
			t.Fatalf("decision %d: %+v", i, decs[i])
		}
	}
	if decs[2].Outcome != api.DecisionEscalate {
		t.Fatalf("final decision: %+v", decs[2])
	}
	if decs[2].Confidence != 0 {
		t.Fatalf("failed validation must zero confidence: %+v", decs[2])
	}
}

func TestRunTask_EscalateModifyResumes(t *testing.T) {
	s, root := setupTestStore(t)

	scorer := filepath.Join(t.TempDir(), "scorer.sh")
	script := `#!/bin/sh
req=$(cat)
case "$req" in
*"operator guidance"*) echo '{"score":95,"reasons":[]}' ;;
*) echo '{"score":30,"reasons":["widget is incomplete"]}' ;;
esac
`
	if err := os.WriteFile(scorer, []byte(script), 0o755); err != nil {
		t.Fatalf("write scorer: %v", err)
	}

	cfg := testConfig()
	cfg.Escalation.Headless = false
	cfg.Scorer.Disabled = false
	cfg.Scorer.Command = []string{scorer}
	cfg.Scorer.TimeoutSeconds = 5
	cfg.Decision.ProceedThreshold = 80
	cfg.Decision.RetryThreshold = 40

	fb := &fakeBackend{reply: func(int, *session.Session, string, session.Constraints) (*api.Iteration, error) {
		return successIteration(), nil
	}}
	startOrchestrator(t, s, cfg, fb, root)
	// no retries: the mediocre first score goes straight to escalation
	createTask(t, s, "task-1", 0)

	// wait for the breakpoint, then answer it
	var bpID string
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if bp, err := s.OpenBreakpoint("task-1"); err == nil {
			bpID = bp.BreakpointID
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if bpID == "" {
		t.Fatal("no breakpoint was raised")
	}
	if task, err := s.GetTask("task-1"); err != nil || task.Status != api.TaskEscalated {
		t.Fatalf("task not parked: %+v %v", task, err)
	}
	if _, err := s.ResolveBreakpoint(bpID, api.DirectiveModify, "make the widget configurable"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskCompleted {
		t.Fatalf("status: %s (%s)", task.Status, task.FailureReason)
	}

	calls := fb.sentCalls()
	if len(calls) != 2 {
		t.Fatalf("sends: %d", len(calls))
	}
	if !strings.Contains(calls[1].prompt, "make the widget configurable") {
		t.Fatalf("resumed prompt missing operator note: %q", calls[1].prompt)
	}
}

// crashedSession plants what a dead daemon leaves behind: a claimed busy
// session with a recorded agent token, then runs the startup sweep over it.
func crashedSession(t *testing.T, s *store.Store, taskID, sessID, token string) {
	t.Helper()
	if err := s.CreateSession(&api.Session{SessionID: sessID, TaskID: taskID, AgentToken: token, State: api.SessionBusy}); err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := s.UpdateTaskStatus(taskID, api.TaskRunning); err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, err := s.ReconcileInFlight(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestRunTask_RestartResumesConversation(t *testing.T) {
	s, root := setupTestStore(t)
	fb := &fakeBackend{reply: func(int, *session.Session, string, session.Constraints) (*api.Iteration, error) {
		return successIteration(), nil
	}}
	createTask(t, s, "task-1", 3)
	crashedSession(t, s, "task-1", "old-sess", "tok-9")
	startOrchestrator(t, s, testConfig(), fb, root)

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskCompleted {
		t.Fatalf("status: %s (%s)", task.Status, task.FailureReason)
	}

	calls := fb.sentCalls()
	if len(calls) != 1 {
		t.Fatalf("sends: %d", len(calls))
	}
	if calls[0].token != "tok-9" {
		t.Fatalf("restart must reattach the recorded conversation, got token %q", calls[0].token)
	}
	if calls[0].sessionID == "old-sess" {
		t.Fatal("resume must still mint a new supervisor session")
	}

	resumed, err := s.GetSession(calls[0].sessionID)
	if err != nil {
		t.Fatalf("resumed session: %v", err)
	}
	if resumed.AgentToken != "tok-9" {
		t.Fatalf("token not persisted on the resumed session: %q", resumed.AgentToken)
	}
}

func TestRunTask_RefusedResumeStartsFresh(t *testing.T) {
	s, root := setupTestStore(t)
	fb := &fakeBackend{
		reply: func(int, *session.Session, string, session.Constraints) (*api.Iteration, error) {
			return successIteration(), nil
		},
		resume: func(string) (*session.Session, error) {
			return nil, fmt.Errorf("%w: token expired", session.ErrResumeFailed)
		},
	}
	createTask(t, s, "task-1", 3)
	crashedSession(t, s, "task-1", "old-sess", "tok-9")
	startOrchestrator(t, s, testConfig(), fb, root)

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskCompleted {
		t.Fatalf("status: %s (%s)", task.Status, task.FailureReason)
	}

	calls := fb.sentCalls()
	if len(calls) != 1 {
		t.Fatalf("sends: %d", len(calls))
	}
	if calls[0].token != "" {
		t.Fatalf("refused resume must fall back to an empty conversation, got token %q", calls[0].token)
	}
}

func TestRunTask_MonitorThresholdCheckpoints(t *testing.T) {
	s, root := setupTestStore(t)
	cfg := testConfig()
	cfg.Agent.ContextWindow = 1000
	fb := &fakeBackend{reply: func(int, *session.Session, string, session.Constraints) (*api.Iteration, error) {
		it := successIteration()
		// past the monitor threshold, short of mandatory rotation
		it.Usage = api.TokenUsage{Input: 750}
		return it, nil
	}}
	startOrchestrator(t, s, cfg, fb, root)
	createTask(t, s, "task-1", 3)

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskCompleted {
		t.Fatalf("status: %s (%s)", task.Status, task.FailureReason)
	}

	calls := fb.sentCalls()
	if len(calls) != 1 {
		t.Fatalf("sends: %d", len(calls))
	}
	decs, _ := s.ListDecisions("task-1", 0)
	if len(decs) != 1 || decs[0].Outcome != api.DecisionProceed {
		t.Fatalf("monitor threshold must not rotate: %+v", decs)
	}

	cp, err := s.LatestCheckpoint("task-1")
	if err != nil {
		t.Fatalf("no checkpoint below the rotation threshold: %v", err)
	}
	if cp.SessionID != calls[0].sessionID {
		t.Fatalf("checkpoint session: %s", cp.SessionID)
	}
	if !strings.Contains(cp.Budget, `"input_tokens":750`) {
		t.Fatalf("checkpoint budget snapshot: %q", cp.Budget)
	}
}

func TestRunTask_CancelInterruptsExchange(t *testing.T) {
	s, root := setupTestStore(t)
	started := make(chan struct{})
	fb := &fakeBackend{reply: func(call int, sess *session.Session, _ string, _ session.Constraints) (*api.Iteration, error) {
		if call == 0 {
			close(started)
			// block like a long exchange until the loop is cancelled
			<-timeoutOrDone()
		}
		return successIteration(), nil
	}}
	cancellers := startOrchestrator(t, s, testConfig(), fb, root)
	createTask(t, s, "task-1", 3)

	<-started
	if _, err := s.CancelTask("task-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancellers.Cancel("task-1")

	task := waitForTerminal(t, s, "task-1")
	if task.Status != api.TaskCancelled {
		t.Fatalf("status: %s", task.Status)
	}
	if task.ActiveSessionID != nil {
		t.Fatal("cancelled task must release its session claim")
	}
}

func timeoutOrDone() <-chan time.Time {
	return time.After(500 * time.Millisecond)
}
