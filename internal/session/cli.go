package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/throw-if-null/covalent/internal/api"
)

const (
	defaultPollInterval   = 50 * time.Millisecond
	defaultDrainGrace     = 500 * time.Millisecond
	defaultTerminateGrace = 5 * time.Second
	// exitWait bounds how long we wait for the agent to exit on its own
	// after emitting the terminal result.
	exitWait = 10 * time.Second
)

// CLIBackend drives the agent CLI. Each Send is one process invocation; the
// conversation persists across invocations through the agent's resume token.
// When Interactive is set the call runs under a pty, which the agent
// requires for multi-turn operation (plain pipes make it bail out early).
type CLIBackend struct {
	Command     []string
	Interactive bool
	Dir         string
	Env         []string
	AuthEnv     string
	// CompletionMarker, when set, is an alternate terminal signal for
	// agents that print a sentinel line instead of a result object.
	CompletionMarker string
	PollInterval     time.Duration
	DrainGrace       time.Duration
	TerminateGrace   time.Duration
}

func (b *CLIBackend) pollInterval() time.Duration {
	if b.PollInterval > 0 {
		return b.PollInterval
	}
	return defaultPollInterval
}

func (b *CLIBackend) drainGrace() time.Duration {
	if b.DrainGrace > 0 {
		return b.DrainGrace
	}
	return defaultDrainGrace
}

func (b *CLIBackend) terminateGrace() time.Duration {
	if b.TerminateGrace > 0 {
		return b.TerminateGrace
	}
	return defaultTerminateGrace
}

func (b *CLIBackend) Start(ctx context.Context) (*Session, error) {
	if len(b.Command) == 0 {
		return nil, fmt.Errorf("%w: empty agent command", ErrProcessStart)
	}
	if _, err := exec.LookPath(b.Command[0]); err != nil {
		return nil, fmt.Errorf("%w: %q not found: %v", ErrProcessStart, b.Command[0], err)
	}
	if b.AuthEnv != "" && os.Getenv(b.AuthEnv) == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrProcessStart, b.AuthEnv)
	}
	return &Session{
		ID:        uuid.NewString(),
		State:     api.SessionReady,
		StartedAt: time.Now().UTC(),
	}, nil
}

func (b *CLIBackend) Resume(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty resume token", ErrResumeFailed)
	}
	if _, err := exec.LookPath(b.Command[0]); err != nil {
		return nil, fmt.Errorf("%w: %q not found: %v", ErrResumeFailed, b.Command[0], err)
	}
	return &Session{
		ID:        uuid.NewString(),
		Token:     token,
		State:     api.SessionReady,
		StartedAt: time.Now().UTC(),
	}, nil
}

// Send runs one exchange. The returned iteration carries whatever raw
// output was drained, even on process errors, so callers always have the
// audit trail.
func (b *CLIBackend) Send(ctx context.Context, sess *Session, prompt string, c Constraints) (*api.Iteration, error) {
	start := time.Now()
	sess.State = api.SessionBusy
	defer func() {
		if sess.State == api.SessionBusy {
			sess.State = api.SessionReady
		}
	}()

	argv := append([]string{}, b.Command...)
	if c.MaxTurns > 0 {
		argv = append(argv, "--max-turns", strconv.Itoa(c.MaxTurns))
	}
	if sess.Token != "" {
		argv = append(argv, "--resume", sess.Token)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if b.Dir != "" {
		cmd.Dir = b.Dir
	}
	if len(b.Env) > 0 {
		cmd.Env = append(os.Environ(), b.Env...)
	}

	out, err := b.launch(cmd, prompt)
	if err != nil {
		sess.State = api.SessionError
		return nil, fmt.Errorf("%w: %v", ErrProcessStart, err)
	}

	// closed only after draining finishes; the reader sees natural EOF (or
	// EIO from the pty) when the child exits
	defer out.close()

	done := make(chan struct{})
	sess.setProc(cmd.Process, done)
	defer sess.clearProc()

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
		close(done)
	}()

	buf, res, marked, drainErr := b.drain(callCtx, out)

	it := &api.Iteration{
		SessionID:  sess.ID,
		Prompt:     prompt,
		RawOutput:  string(buf),
		DurationMS: time.Since(start).Milliseconds(),
	}

	if drainErr != nil {
		sess.State = api.SessionError
		b.stop(cmd.Process, done)
		if errors.Is(drainErr, context.DeadlineExceeded) {
			it.OutcomeKind = api.OutcomeTimeout
			return it, fmt.Errorf("%w after %s", ErrProcessTimeout, c.Timeout)
		}
		// external cancellation
		it.OutcomeKind = api.OutcomeCrashed
		return it, drainErr
	}

	if res == nil && !marked {
		sess.State = api.SessionError
		b.stop(cmd.Process, done)
		if exitErr := waitResult(waitCh); exitErr != nil {
			it.OutcomeKind = api.OutcomeCrashed
			return it, fmt.Errorf("%w: %v", ErrProcessCrashed, exitErr)
		}
		it.OutcomeKind = api.OutcomeMalformed
		return it, fmt.Errorf("%w: no result object in output", ErrMalformedResponse)
	}

	// result observed; let the process finish on its own, bounded
	select {
	case <-done:
	case <-time.After(exitWait):
		b.stop(cmd.Process, done)
	}

	if res == nil {
		// marker-terminated agents give us no structured metadata
		it.OutcomeKind = api.OutcomeSuccess
		return it, nil
	}
	if res.SessionID != "" {
		sess.Token = res.SessionID
	}
	it.OutcomeKind = res.outcome()
	it.TurnsUsed = res.NumTurns
	it.Usage = res.tokenUsage()
	it.CostUSD = res.TotalCostUSD
	it.DeniedOperations = res.deniedOperations()
	return it, nil
}

// Terminate interrupts any in-flight call, waits the grace period, then
// force-kills. Idempotent.
func (b *CLIBackend) Terminate(ctx context.Context, sess *Session) error {
	proc, done := sess.currentProc()
	if proc != nil {
		b.stop(proc, done)
	}
	sess.State = api.SessionTerminated
	return nil
}

func (b *CLIBackend) stop(proc *os.Process, done chan struct{}) {
	if proc == nil {
		return
	}
	_ = proc.Signal(os.Interrupt)
	if done != nil {
		select {
		case <-done:
			return
		case <-time.After(b.terminateGrace()):
		}
	} else {
		time.Sleep(b.terminateGrace())
	}
	_ = proc.Kill()
}

// output is the read side of the agent channel, pty or pipe.
type output struct {
	r      io.ReadCloser
	closer func()
}

func (o *output) close() {
	if o.closer != nil {
		o.closer()
	}
}

// launch starts cmd with the prompt fed on the channel appropriate to the
// configured mode and returns the read side of its output.
func (b *CLIBackend) launch(cmd *exec.Cmd, prompt string) (*output, error) {
	if b.Interactive {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		// prompt, newline, then EOT: the agent reads stdin to end-of-input
		if _, err := ptmx.Write([]byte(prompt + "\n\x04")); err != nil {
			_ = ptmx.Close()
			_ = cmd.Process.Kill()
			return nil, err
		}
		return &output{r: ptmx, closer: func() { _ = ptmx.Close() }}, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	// parent keeps only the read end
	_ = pw.Close()
	go func() {
		_, _ = io.WriteString(stdin, prompt)
		_ = stdin.Close()
	}()
	return &output{r: pr, closer: func() { _ = pr.Close() }}, nil
}

// terminal reports whether the accumulated output contains a terminal
// signal: the structured result object, or the configured marker.
func (b *CLIBackend) terminal(buf []byte) (*resultEnvelope, bool) {
	if env, ok := parseResult(buf); ok {
		return env, true
	}
	if b.CompletionMarker != "" && bytes.Contains(buf, []byte(b.CompletionMarker)) {
		return nil, true
	}
	return nil, false
}

// drain performs non-blocking poll reads of the agent channel until a
// terminal signal is observed or ctx ends, then keeps draining for a short
// grace window so trailing output is not truncated.
func (b *CLIBackend) drain(ctx context.Context, out *output) ([]byte, *resultEnvelope, bool, error) {
	chunks := make(chan []byte, 16)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		rbuf := make([]byte, 32*1024)
		for {
			n, err := out.r.Read(rbuf)
			if n > 0 {
				c := make([]byte, n)
				copy(c, rbuf[:n])
				select {
				case chunks <- c:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				// pty masters report EIO when the child side closes
				return
			}
		}
	}()

	var buf bytes.Buffer
	ticker := time.NewTicker(b.pollInterval())
	defer ticker.Stop()

	var res *resultEnvelope
	done := false
	for !done {
		select {
		case <-ctx.Done():
			return buf.Bytes(), nil, false, ctx.Err()
		case c := <-chunks:
			buf.Write(c)
			res, done = b.terminal(buf.Bytes())
		case <-ticker.C:
			// periodic check covers the reader-done case where no further
			// chunk will arrive to trigger one
			if res, done = b.terminal(buf.Bytes()); done {
				continue
			}
			select {
			case <-readDone:
				// channel closed without a terminal signal; flush remains
				for {
					select {
					case c := <-chunks:
						buf.Write(c)
					default:
						env, ok := b.terminal(buf.Bytes())
						return buf.Bytes(), env, ok, nil
					}
				}
			default:
			}
		}
	}

	// grace window: trailing output after the terminal signal
	grace := time.NewTimer(b.drainGrace())
	defer grace.Stop()
	for {
		select {
		case <-grace.C:
			return buf.Bytes(), res, true, nil
		case c := <-chunks:
			buf.Write(c)
		case <-ctx.Done():
			return buf.Bytes(), res, true, nil
		}
	}
}

func waitResult(waitCh <-chan error) error {
	select {
	case err := <-waitCh:
		return err
	case <-time.After(exitWait):
		return errors.New("agent did not exit")
	}
}
