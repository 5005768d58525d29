// Package session owns the external agent process and its interaction
// channel. The agent demands a terminal-like interface for persistent
// multi-turn operation, so the default backend runs each call under a pty;
// conversation continuity across calls rides on the agent's resume token.
package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/throw-if-null/covalent/internal/api"
)

// Process-level error taxonomy. All of these surface to the decision engine
// as inputs; none are silently swallowed.
var (
	ErrProcessStart      = errors.New("agent process start failed")
	ErrProcessTimeout    = errors.New("agent process timed out")
	ErrProcessCrashed    = errors.New("agent process crashed")
	ErrMalformedResponse = errors.New("malformed agent response")
	ErrResumeFailed      = errors.New("session resume failed")
)

// Constraints bound a single exchange.
type Constraints struct {
	MaxTurns int
	Timeout  time.Duration
}

// Session is one live attachment to the agent. Token is the agent-side
// resumption token, empty until the first exchange reveals it.
type Session struct {
	ID        string
	Token     string
	State     api.SessionState
	StartedAt time.Time

	mu   sync.Mutex
	proc *os.Process
	done chan struct{}
}

// setProc publishes the in-flight call's process so Terminate can reach it.
func (s *Session) setProc(p *os.Process, done chan struct{}) {
	s.mu.Lock()
	s.proc = p
	s.done = done
	s.mu.Unlock()
}

func (s *Session) clearProc() {
	s.mu.Lock()
	s.proc = nil
	s.done = nil
	s.mu.Unlock()
}

func (s *Session) currentProc() (*os.Process, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc, s.done
}

// Backend abstracts the process-interaction strategy so variants (pty,
// plain pipes, fakes in tests) are selected by configuration rather than
// runtime type inspection.
type Backend interface {
	// Start prepares a fresh session. Fails with ErrProcessStart when the
	// agent binary is unavailable or authentication is missing.
	Start(ctx context.Context) (*Session, error)
	// Send writes one prompt and drains output until the terminal result
	// object is observed or the constraint timeout elapses. The returned
	// iteration is populated even on process errors so the caller can
	// record raw output and feed the outcome to the decision engine.
	Send(ctx context.Context, sess *Session, prompt string, c Constraints) (*api.Iteration, error)
	// Resume reattaches to a previous conversation. It fails explicitly
	// with ErrResumeFailed instead of silently starting a context-less
	// fresh conversation.
	Resume(ctx context.Context, token string) (*Session, error)
	// Terminate releases the process and channel: interrupt, bounded
	// grace wait, then force kill. Idempotent, safe on every exit path.
	Terminate(ctx context.Context, sess *Session) error
}
