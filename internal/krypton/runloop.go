package krypton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/budget"
	"github.com/throw-if-null/covalent/internal/confidence"
	"github.com/throw-if-null/covalent/internal/config"
	"github.com/throw-if-null/covalent/internal/decide"
	"github.com/throw-if-null/covalent/internal/escalate"
	"github.com/throw-if-null/covalent/internal/score"
	"github.com/throw-if-null/covalent/internal/session"
	"github.com/throw-if-null/covalent/internal/store"
	"github.com/throw-if-null/covalent/internal/task"
	"github.com/throw-if-null/covalent/internal/validate"
)

// Orchestrator drives one supervision loop per task. Tasks run as
// independent goroutines, each owning exactly one session at a time; the
// semaphore caps how many external agent processes exist at once.
type Orchestrator struct {
	store      *store.Store
	cfg        config.Config
	backend    session.Backend
	scorer     *score.Runner
	tracker    *budget.Tracker
	esc        *escalate.Manager
	cancellers *Cancellers
	repoRoot   string
	sem        *semaphore.Weighted
}

func NewOrchestrator(st *store.Store, cfg config.Config, backend session.Backend, repoRoot string, cancellers *Cancellers) *Orchestrator {
	if cancellers == nil {
		cancellers = NewCancellers()
	}
	maxConc := int64(cfg.Server.MaxConcurrent)
	if maxConc <= 0 {
		maxConc = 4
	}
	return &Orchestrator{
		store:      st,
		cfg:        cfg,
		backend:    backend,
		scorer:     score.NewRunner(cfg.Scorer),
		tracker:    budget.NewTracker(st, cfg.Agent.ContextWindow, cfg.Budget.MonitorRatio, cfg.Budget.RotateRatio),
		esc:        escalate.NewManager(st, cfg.Escalation),
		cancellers: cancellers,
		repoRoot:   repoRoot,
		sem:        semaphore.NewWeighted(maxConc),
	}
}

// Run polls for runnable tasks until ctx ends. Pending tasks get a loop
// goroutine; escalated tasks whose breakpoint was resolved while no loop
// was attached (daemon restart) are folded back in.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := time.Duration(o.cfg.Server.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.dispatchPending(ctx)
			o.reapResolvedEscalations()
		}
	}
}

func (o *Orchestrator) dispatchPending(ctx context.Context) {
	tasks, err := o.store.ListTasksByStatus(api.TaskPending)
	if err != nil {
		log.Printf("list pending tasks: %v", err)
		return
	}
	for _, t := range tasks {
		if !o.sem.TryAcquire(1) {
			return
		}
		if err := o.store.UpdateTaskStatus(t.TaskID, api.TaskRunning); err != nil {
			o.sem.Release(1)
			continue
		}
		go func(taskID string) {
			defer o.sem.Release(1)
			o.runTask(ctx, taskID)
		}(t.TaskID)
	}
}

// reapResolvedEscalations applies directives recorded while the daemon was
// down. A live loop consumes its own directive through Await; this path
// only sees escalated tasks with no attached loop.
func (o *Orchestrator) reapResolvedEscalations() {
	tasks, err := o.store.ListTasksByStatus(api.TaskEscalated)
	if err != nil {
		return
	}
	for _, t := range tasks {
		if t.ActiveSessionID != nil {
			continue // a loop is attached and will consume the directive
		}
		bp, err := o.store.LatestBreakpoint(t.TaskID)
		if err != nil || bp.Directive == nil {
			continue
		}
		switch *bp.Directive {
		case api.DirectiveApprove:
			_ = o.store.FinishTask(t.TaskID, api.TaskCompleted, "")
		case api.DirectiveAbort:
			_ = o.store.FinishTask(t.TaskID, api.TaskAborted, "operator directive: abort")
		case api.DirectiveModify:
			_ = o.store.UpdateTaskStatus(t.TaskID, api.TaskPending)
		}
	}
}

// runTask is one full supervision loop: claim a session, iterate
// prompt/evaluate/decide until a terminal decision, release everything on
// every exit path.
func (o *Orchestrator) runTask(ctx context.Context, taskID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancellers.Register(taskID, cancel)
	defer o.cancellers.Unregister(taskID)

	t, err := o.store.GetTask(taskID)
	if err != nil {
		log.Printf("load task %s: %v", taskID, err)
		return
	}

	ctx, span := task.StartRun(ctx, t)
	status, runErr := o.run(ctx, span, t)
	task.EndRun(span, status, runErr)
}

func (o *Orchestrator) run(ctx context.Context, span trace.Span, t *api.Task) (api.TaskStatus, error) {
	maxTurns := t.MaxTurns
	if maxTurns <= 0 {
		maxTurns = o.cfg.Agent.MaxTurns
	}
	turnCeiling := o.cfg.Agent.TurnCeiling
	policy := decide.Policy{Decision: o.cfg.Decision, Budget: o.cfg.Budget}
	timeout := time.Duration(o.cfg.Agent.TimeoutSeconds) * time.Second

	// A restart resumes from the latest checkpoint note, if any.
	checkpointNote := ""
	if cp, err := o.store.LatestCheckpoint(t.TaskID); err == nil {
		checkpointNote = cp.Reason
	}
	feedback := ""
	if bp, err := o.store.LatestBreakpoint(t.TaskID); err == nil && bp.Directive != nil && *bp.Directive == api.DirectiveModify {
		feedback = bp.Note
	}

	sess, art, err := o.resumeOrClaim(ctx, t)
	if err != nil {
		if errors.Is(err, store.ErrSessionActive) {
			// another loop holds the claim; leave the task alone
			return t.Status, nil
		}
		_ = o.store.FinishTask(t.TaskID, api.TaskFailed, fmt.Sprintf("session start: %v", err))
		return api.TaskFailed, err
	}
	defer func() {
		state := api.SessionTerminated
		if sess.State == api.SessionError {
			state = api.SessionError
		}
		termCtx, termCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer termCancel()
		_ = o.backend.Terminate(termCtx, sess)
		_ = o.store.ReleaseSession(t.TaskID, sess.ID, state)
	}()

	checkpointedSession := ""
	for n := 1; ; n++ {
		if cancelled, _ := o.store.IsTaskCancelled(t.TaskID); cancelled {
			_ = o.recordDecision(t, nil, decide.Action{Outcome: api.DecisionAbort, Reason: "task cancelled by operator"}, 0, 0, policy)
			art.logf("task cancelled")
			return api.TaskCancelled, nil
		}
		if ctx.Err() != nil {
			// daemon shutdown: leave the task running for startup
			// reconciliation, do not invent a decision
			art.logf("shutdown mid-task")
			return t.Status, ctx.Err()
		}

		prompt := composePrompt(t.Description, checkpointNote, feedback)

		// preflight: a prompt that would push the session past the
		// rotation threshold forces rotation before it is sent
		if est := budget.EstimatePromptTokens(prompt); n > 1 {
			if over, berr := o.tracker.WouldExceed(sess.ID, est); berr == nil && over {
				ratio, _ := o.tracker.UsageRatio(sess.ID)
				action := decide.Action{
					Outcome:    api.DecisionRotate,
					Reason:     fmt.Sprintf("next prompt (~%d tokens) would cross the rotation threshold", est),
					NewSession: true,
				}
				if derr := o.recordDecision(t, nil, action, 0, ratio, policy); derr != nil {
					_ = o.store.FinishTask(t.TaskID, api.TaskFailed, derr.Error())
					return api.TaskFailed, derr
				}
				sess, art, checkpointNote, err = o.rotate(ctx, t, sess, art, n-1, "preflight rotation")
				if err != nil {
					_ = o.store.FinishTask(t.TaskID, api.TaskFailed, fmt.Sprintf("rotation: %v", err))
					return api.TaskFailed, err
				}
			}
		}

		itCtx, itSpan := task.StartIteration(ctx, t.TaskID, sess.ID, n)
		it, sendErr := o.backend.Send(itCtx, sess, prompt, session.Constraints{MaxTurns: maxTurns, Timeout: timeout})
		task.EndIteration(itSpan, it, sendErr)
		if it == nil {
			it = &api.Iteration{OutcomeKind: api.OutcomeCrashed}
		}
		it.TaskID = t.TaskID
		it.SessionID = sess.ID
		it.Prompt = prompt
		art.logf("iteration %d: outcome=%s turns=%d tokens=%d err=%v", n, it.OutcomeKind, it.TurnsUsed, it.Usage.Total(), sendErr)

		// history is the prior success rate, before this exchange,
		// smoothed so a first attempt starts at 1 and a single early
		// failure does not zero the term outright
		total, succeeded, herr := o.store.IterationStats(t.TaskID)
		history := 1.0
		if herr == nil && total > 0 {
			history = float64(succeeded+1) / float64(total+1)
		}

		vres := validate.Check(*it, o.cfg.Validate)
		grade := score.Unavailable
		if vres.Passed && sendErr == nil {
			grade = o.scorer.Grade(ctx, *t, *it)
		}
		if grade.Unavailable {
			it.QualityUnavailable = true
		} else {
			q := grade.Score
			it.QualityScore = &q
		}

		itID, aerr := o.store.AppendIteration(it)
		if aerr != nil {
			_ = o.store.FinishTask(t.TaskID, api.TaskFailed, fmt.Sprintf("persist iteration: %v", aerr))
			return api.TaskFailed, aerr
		}
		it.ID = itID
		art.writeIteration(it)
		if sess.Token != "" {
			_ = o.store.SetSessionToken(sess.ID, sess.Token)
		}
		ratio, berr := o.tracker.Record(sess.ID, it.Usage)
		if berr != nil {
			log.Printf("record usage for %s: %v", sess.ID, berr)
		}

		// monitor threshold: snapshot progress once per session so a
		// restart before any rotation still finds a checkpoint
		if berr == nil && checkpointedSession != sess.ID &&
			o.tracker.ShouldCheckpoint(ratio) && !o.tracker.ShouldRotate(ratio) {
			if _, cerr := o.snapshotCheckpoint(t, sess.ID); cerr != nil {
				log.Printf("checkpoint for %s: %v", t.TaskID, cerr)
			} else {
				checkpointedSession = sess.ID
				art.logf("checkpoint: context %d%% used", int(ratio*100))
			}
		}

		conf := confidence.Compute(confidence.Inputs{
			ValidationPassed:   vres.Passed,
			QualityScore:       grade.Score,
			QualityUnavailable: grade.Unavailable,
			History:            history,
		}, o.cfg.Confidence)

		cancelled, _ := o.store.IsTaskCancelled(t.TaskID)
		action := decide.Next(decide.Input{
			Outcome:          it.OutcomeKind,
			ValidationFailed: !vres.Passed,
			Confidence:       conf.Combined,
			UsageRatio:       ratio,
			RetryCount:       t.RetryCount,
			MaxRetries:       t.MaxRetries,
			MaxTurns:         maxTurns,
			TurnCeiling:      turnCeiling,
			Cancelled:        cancelled,
		}, policy)

		// the decision is durable before anything acts on it
		if derr := o.recordDecision(t, &itID, action, conf.Combined, ratio, policy); derr != nil {
			_ = o.store.FinishTask(t.TaskID, api.TaskFailed, derr.Error())
			return api.TaskFailed, derr
		}
		task.Decided(span, action.Outcome, conf.Combined, ratio)
		art.logf("decision: %s (%s)", action.Outcome, action.Reason)

		switch action.Outcome {
		case api.DecisionProceed:
			_ = o.store.FinishTask(t.TaskID, api.TaskCompleted, "")
			return api.TaskCompleted, nil

		case api.DecisionRetry:
			rc, rerr := o.store.IncrementRetryCount(t.TaskID)
			if rerr == nil {
				t.RetryCount = rc
			} else {
				t.RetryCount++
			}
			if action.NextMaxTurns > 0 {
				maxTurns = action.NextMaxTurns
			}
			feedback = buildFeedback(action.Reason, vres.Issues, grade.Reasons)
			checkpointNote = ""
			if action.NewSession {
				sess, art, checkpointNote, err = o.rotate(ctx, t, sess, art, n, "retry on fresh session")
				if err != nil {
					_ = o.store.FinishTask(t.TaskID, api.TaskFailed, fmt.Sprintf("session restart: %v", err))
					return api.TaskFailed, err
				}
			}

		case api.DecisionRotate:
			feedback = ""
			sess, art, checkpointNote, err = o.rotate(ctx, t, sess, art, n, action.Reason)
			if err != nil {
				_ = o.store.FinishTask(t.TaskID, api.TaskFailed, fmt.Sprintf("rotation: %v", err))
				return api.TaskFailed, err
			}

		case api.DecisionEscalate:
			status, done := o.escalateAndAwait(ctx, t, action, conf.Combined, ratio, &feedback)
			if done {
				return status, nil
			}
			checkpointNote = ""

		case api.DecisionAbort:
			if cancelled {
				// CancelTask already set the terminal status
				art.logf("task cancelled")
				return api.TaskCancelled, nil
			}
			_ = o.store.FinishTask(t.TaskID, api.TaskAborted, action.Reason)
			return api.TaskAborted, nil
		}
	}
}

// claimSession starts a backend session and takes the task's single
// active-session slot.
func (o *Orchestrator) claimSession(ctx context.Context, t *api.Task) (*session.Session, *artifacts, error) {
	sess, err := o.backend.Start(ctx)
	if err != nil {
		return nil, nil, err
	}
	return o.adoptSession(ctx, t, sess)
}

// resumeOrClaim reattaches to the conversation a dead daemon left behind.
// Only a session the crash sweep marked errored with a recorded agent token
// qualifies; the agent refusing the token falls back to a fresh session.
// Rotations never come through here, they always want empty context.
func (o *Orchestrator) resumeOrClaim(ctx context.Context, t *api.Task) (*session.Session, *artifacts, error) {
	prev, err := o.store.LatestSession(t.TaskID)
	if err != nil || prev.AgentToken == "" || prev.State != api.SessionError {
		return o.claimSession(ctx, t)
	}
	sess, rerr := o.backend.Resume(ctx, prev.AgentToken)
	if errors.Is(rerr, session.ErrResumeFailed) {
		log.Printf("task %s: resume of session %s refused: %v; starting fresh", t.TaskID, prev.SessionID, rerr)
		return o.claimSession(ctx, t)
	}
	if rerr != nil {
		return nil, nil, rerr
	}
	log.Printf("task %s: resumed agent conversation from session %s", t.TaskID, prev.SessionID)
	return o.adoptSession(ctx, t, sess)
}

func (o *Orchestrator) adoptSession(ctx context.Context, t *api.Task, sess *session.Session) (*session.Session, *artifacts, error) {
	rec := &api.Session{
		SessionID:  sess.ID,
		TaskID:     t.TaskID,
		AgentToken: sess.Token,
		State:      api.SessionReady,
		StartedAt:  sess.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := o.store.CreateSession(rec); err != nil {
		_ = o.backend.Terminate(ctx, sess)
		return nil, nil, err
	}
	art, aerr := newArtifacts(o.repoRoot, t.TaskID, sess.ID)
	if aerr != nil {
		_ = o.backend.Terminate(ctx, sess)
		_ = o.store.ReleaseSession(t.TaskID, sess.ID, api.SessionError)
		return nil, nil, aerr
	}
	art.writeMeta(rec, t)
	return sess, art, nil
}

// rotate checkpoints the old session and replaces it with a fresh one.
// The new conversation has no shared context, so the checkpoint summary
// is returned for the caller to fold into the next prompt.
func (o *Orchestrator) rotate(ctx context.Context, t *api.Task, old *session.Session, oldArt *artifacts, iterations int, reason string) (*session.Session, *artifacts, string, error) {
	note, err := o.snapshotCheckpoint(t, old.ID)
	if err != nil {
		return old, oldArt, "", err
	}
	oldArt.logf("session rotated: %s", reason)

	state := api.SessionTerminated
	if old.State == api.SessionError {
		state = api.SessionError
	}
	termCtx, termCancel := context.WithTimeout(context.Background(), 30*time.Second)
	_ = o.backend.Terminate(termCtx, old)
	termCancel()
	if err := o.store.ReleaseSession(t.TaskID, old.ID, state); err != nil {
		return old, oldArt, "", fmt.Errorf("release session: %w", err)
	}

	sess, art, err := o.claimSession(ctx, t)
	if err != nil {
		return old, oldArt, "", err
	}
	art.logf("fresh session after: %s", reason)
	return sess, art, note, nil
}

// snapshotCheckpoint durably records where the task stands: a progress
// summary suitable for seeding a context-less prompt, plus the session's
// cumulative token counters.
func (o *Orchestrator) snapshotCheckpoint(t *api.Task, sessionID string) (string, error) {
	total, _, _ := o.store.IterationStats(t.TaskID)
	lastOutcome := "none"
	if its, err := o.store.ListIterations(t.TaskID, 1); err == nil && len(its) > 0 {
		lastOutcome = string(its[0].OutcomeKind)
	}
	note := checkpointSummary(t.Description, total, lastOutcome)
	cp := &api.Checkpoint{
		TaskID:     t.TaskID,
		SessionID:  sessionID,
		RetryCount: t.RetryCount,
		Reason:     note,
	}
	if usage, err := o.store.GetUsage(sessionID); err == nil {
		if b, merr := json.Marshal(usage); merr == nil {
			cp.Budget = string(b)
		}
	}
	if _, err := o.store.RecordCheckpoint(cp); err != nil {
		return "", fmt.Errorf("record checkpoint: %w", err)
	}
	return note, nil
}

// escalateAndAwait raises a breakpoint and blocks until a directive
// arrives. Returns done=true with the final status when the task leaves
// the loop; done=false means a modify directive resumed it.
func (o *Orchestrator) escalateAndAwait(ctx context.Context, t *api.Task, action decide.Action, conf int, ratio float64, feedback *string) (api.TaskStatus, bool) {
	snapshot := fmt.Sprintf(`{"confidence":%d,"usage_ratio":%.3f,"retry_count":%d}`, conf, ratio, t.RetryCount)
	bp, err := o.esc.Raise(t.TaskID, action.Reason, snapshot)
	if err != nil {
		_ = o.store.FinishTask(t.TaskID, api.TaskFailed, fmt.Sprintf("escalation: %v", err))
		return api.TaskFailed, true
	}
	if bp.Directive != nil && *bp.Directive == api.DirectiveAbort {
		// headless resolution
		_ = o.store.FinishTask(t.TaskID, api.TaskAborted, "headless escalation: default abort")
		return api.TaskAborted, true
	}

	directive, note, err := o.esc.Await(ctx, bp.BreakpointID)
	if err != nil {
		if errors.Is(err, escalate.ErrAwaitTimeout) {
			_ = o.store.FinishTask(t.TaskID, api.TaskAborted, "escalation timed out, defaulting to abort")
			return api.TaskAborted, true
		}
		// daemon shutdown: leave the task escalated for the reaper
		return api.TaskEscalated, true
	}
	switch directive {
	case api.DirectiveApprove:
		_ = o.store.FinishTask(t.TaskID, api.TaskCompleted, "")
		return api.TaskCompleted, true
	case api.DirectiveAbort:
		_ = o.store.FinishTask(t.TaskID, api.TaskAborted, "operator directive: abort")
		return api.TaskAborted, true
	default: // modify
		if err := o.store.UpdateTaskStatus(t.TaskID, api.TaskRunning); err != nil {
			return api.TaskEscalated, true
		}
		*feedback = strings.TrimSpace("operator guidance: " + note)
		return api.TaskRunning, false
	}
}

func (o *Orchestrator) recordDecision(t *api.Task, iterationID *int64, action decide.Action, conf int, ratio float64, policy decide.Policy) error {
	d := &api.Decision{
		TaskID:      t.TaskID,
		IterationID: iterationID,
		Outcome:     action.Outcome,
		Reason:      action.Reason,
		Confidence:  conf,
		UsageRatio:  ratio,
		RetryCount:  t.RetryCount,
		Thresholds:  decide.ThresholdsNote(policy),
	}
	if _, err := o.store.RecordDecision(d); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}
