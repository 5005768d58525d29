package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/throw-if-null/covalent/internal/api"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func pipeBackend(cmd ...string) *CLIBackend {
	return &CLIBackend{
		Command:        cmd,
		Interactive:    false,
		PollInterval:   10 * time.Millisecond,
		DrainGrace:     50 * time.Millisecond,
		TerminateGrace: 100 * time.Millisecond,
	}
}

func TestStart_MissingBinary(t *testing.T) {
	b := pipeBackend("definitely-not-a-real-agent-binary")
	if _, err := b.Start(context.Background()); !errors.Is(err, ErrProcessStart) {
		t.Fatalf("expected ErrProcessStart, got %v", err)
	}
}

func TestStart_MissingAuth(t *testing.T) {
	b := pipeBackend("sh")
	b.AuthEnv = "COVALENT_TEST_NO_SUCH_KEY"
	if _, err := b.Start(context.Background()); !errors.Is(err, ErrProcessStart) {
		t.Fatalf("expected ErrProcessStart for missing auth, got %v", err)
	}
}

func TestResume_EmptyToken(t *testing.T) {
	b := pipeBackend("sh")
	if _, err := b.Resume(context.Background(), ""); !errors.Is(err, ErrResumeFailed) {
		t.Fatalf("expected ErrResumeFailed, got %v", err)
	}
}

func TestResume_CarriesToken(t *testing.T) {
	b := pipeBackend("sh")
	sess, err := b.Resume(context.Background(), "tok-9")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sess.Token != "tok-9" {
		t.Fatalf("token not carried: %q", sess.Token)
	}
	if sess.State != api.SessionReady {
		t.Fatalf("expected ready, got %s", sess.State)
	}
}

func TestSend_Success(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo "working on it"
echo '{"type":"result","subtype":"success","session_id":"tok-abc","num_turns":2,"total_cost_usd":0.05,"usage":{"input_tokens":10,"cache_creation_input_tokens":1,"cache_read_input_tokens":2,"output_tokens":3},"result":"all done"}'
echo "trailing line"`)
	b := pipeBackend(script)

	sess, err := b.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	it, err := b.Send(context.Background(), sess, "do the thing", Constraints{MaxTurns: 4, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if it.OutcomeKind != api.OutcomeSuccess {
		t.Fatalf("outcome: %s", it.OutcomeKind)
	}
	if it.TurnsUsed != 2 || it.Usage.Input != 10 || it.CostUSD != 0.05 {
		t.Fatalf("metadata mismatch: %+v", it)
	}
	if sess.Token != "tok-abc" {
		t.Fatalf("session token not captured: %q", sess.Token)
	}
	// raw output is preserved, including non-result noise
	if !strings.Contains(it.RawOutput, "working on it") {
		t.Fatalf("raw output truncated: %q", it.RawOutput)
	}
	// grace window catches output after the terminal signal
	if !strings.Contains(it.RawOutput, "trailing line") {
		t.Fatalf("trailing output truncated: %q", it.RawOutput)
	}
	if it.DurationMS < 0 {
		t.Fatalf("bad duration: %d", it.DurationMS)
	}
}

func TestSend_MaxTurnsReached(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"type":"result","subtype":"error_max_turns","session_id":"tok-mt","num_turns":4}'`)
	b := pipeBackend(script)
	sess, _ := b.Start(context.Background())
	it, err := b.Send(context.Background(), sess, "p", Constraints{MaxTurns: 4, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if it.OutcomeKind != api.OutcomeMaxTurns {
		t.Fatalf("expected max turns outcome, got %s", it.OutcomeKind)
	}
}

func TestSend_Crash(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo "dying now"
exit 3`)
	b := pipeBackend(script)
	sess, _ := b.Start(context.Background())
	it, err := b.Send(context.Background(), sess, "p", Constraints{Timeout: 5 * time.Second})
	if !errors.Is(err, ErrProcessCrashed) {
		t.Fatalf("expected ErrProcessCrashed, got %v", err)
	}
	if it == nil || it.OutcomeKind != api.OutcomeCrashed {
		t.Fatalf("expected crash iteration, got %+v", it)
	}
	if !strings.Contains(it.RawOutput, "dying now") {
		t.Fatalf("raw output lost on crash: %q", it.RawOutput)
	}
	if sess.State != api.SessionError {
		t.Fatalf("session must be in error state, got %s", sess.State)
	}
}

func TestSend_MalformedResponse(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo "no structured output here"`)
	b := pipeBackend(script)
	sess, _ := b.Start(context.Background())
	it, err := b.Send(context.Background(), sess, "p", Constraints{Timeout: 5 * time.Second})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if it.OutcomeKind != api.OutcomeMalformed {
		t.Fatalf("expected malformed outcome, got %s", it.OutcomeKind)
	}
}

func TestSend_Timeout(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo "still working"
sleep 30`)
	b := pipeBackend(script)
	sess, _ := b.Start(context.Background())
	start := time.Now()
	it, err := b.Send(context.Background(), sess, "p", Constraints{Timeout: 300 * time.Millisecond})
	if !errors.Is(err, ErrProcessTimeout) {
		t.Fatalf("expected ErrProcessTimeout, got %v", err)
	}
	if it.OutcomeKind != api.OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %s", it.OutcomeKind)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout path too slow: %v", elapsed)
	}
}

func TestSend_CompletionMarker(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo "step one"
echo "AGENT_RUN_COMPLETE"`)
	b := pipeBackend(script)
	b.CompletionMarker = "AGENT_RUN_COMPLETE"
	sess, _ := b.Start(context.Background())
	it, err := b.Send(context.Background(), sess, "p", Constraints{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if it.OutcomeKind != api.OutcomeSuccess {
		t.Fatalf("marker termination should be success-shaped, got %s", it.OutcomeKind)
	}
	if it.Usage.Total() != 0 {
		t.Fatalf("marker termination reports no usage, got %+v", it.Usage)
	}
}

func TestSend_ResumeFlagAppended(t *testing.T) {
	// the script echoes its argv so we can observe the composed flags
	script := writeScript(t, `cat >/dev/null
echo "args: $@"
echo '{"type":"result","subtype":"success","session_id":"tok-next"}'`)
	b := pipeBackend(script)
	sess, _ := b.Resume(context.Background(), "tok-prev")
	it, err := b.Send(context.Background(), sess, "p", Constraints{MaxTurns: 7, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(it.RawOutput, "--resume tok-prev") {
		t.Fatalf("resume flag missing: %q", it.RawOutput)
	}
	if !strings.Contains(it.RawOutput, "--max-turns 7") {
		t.Fatalf("max turns flag missing: %q", it.RawOutput)
	}
	if sess.Token != "tok-next" {
		t.Fatalf("token must follow the conversation: %q", sess.Token)
	}
}

func TestSend_InteractivePTY(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pty backend is unix-only")
	}
	script := writeScript(t, `read line
echo "got prompt"
echo '{"type":"result","subtype":"success","session_id":"tok-pty","num_turns":1}'`)
	b := pipeBackend(script)
	b.Interactive = true
	sess, _ := b.Start(context.Background())
	it, err := b.Send(context.Background(), sess, "hello agent", Constraints{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("send over pty: %v", err)
	}
	if it.OutcomeKind != api.OutcomeSuccess {
		t.Fatalf("outcome: %s", it.OutcomeKind)
	}
	if sess.Token != "tok-pty" {
		t.Fatalf("token not captured over pty: %q", sess.Token)
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	b := pipeBackend("sh")
	sess, _ := b.Start(context.Background())
	if err := b.Terminate(context.Background(), sess); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if sess.State != api.SessionTerminated {
		t.Fatalf("expected terminated, got %s", sess.State)
	}
	if err := b.Terminate(context.Background(), sess); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestSend_Cancellation(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
sleep 30`)
	b := pipeBackend(script)
	sess, _ := b.Start(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := b.Send(ctx, sess, "p", Constraints{Timeout: 30 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
