// Package escalate turns an escalate decision into a durable breakpoint
// and blocks the task until a human records a directive. Headless
// deployments resolve every breakpoint as abort immediately: with nobody
// to ask, the safe answer is no.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/config"
	"github.com/throw-if-null/covalent/internal/store"
)

// ErrAwaitTimeout is returned when no directive arrived within the
// configured window; the caller treats it as abort.
var ErrAwaitTimeout = errors.New("escalation await timed out")

type Manager struct {
	store *store.Store
	cfg   config.EscalationConfig
}

func NewManager(st *store.Store, cfg config.EscalationConfig) *Manager {
	return &Manager{store: st, cfg: cfg}
}

// Raise records the breakpoint and parks the task in escalated status.
// The breakpoint row exists before the status flips, so a crash between
// the two writes leaves a resumable state, not a task stuck escalated
// with nothing to respond to.
func (m *Manager) Raise(taskID, trigger, contextSnapshot string) (*api.Breakpoint, error) {
	bp := &api.Breakpoint{
		BreakpointID: uuid.NewString(),
		TaskID:       taskID,
		Trigger:      trigger,
		Context:      contextSnapshot,
	}
	if err := m.store.CreateBreakpoint(bp); err != nil {
		return nil, fmt.Errorf("create breakpoint: %w", err)
	}
	if err := m.store.UpdateTaskStatus(taskID, api.TaskEscalated); err != nil {
		return nil, fmt.Errorf("mark task escalated: %w", err)
	}
	log.Printf("task %s escalated: %s (breakpoint %s)", taskID, trigger, bp.BreakpointID)

	if m.cfg.Headless {
		if _, err := m.store.ResolveBreakpoint(bp.BreakpointID, api.DirectiveAbort, "headless: no human channel, defaulting to abort"); err != nil {
			return nil, err
		}
		return m.store.GetBreakpoint(bp.BreakpointID)
	}
	return bp, nil
}

// Await polls the store until the breakpoint carries a directive or the
// window closes. The deadline is layered on top of ctx so a daemon
// shutdown interrupts the wait immediately.
func (m *Manager) Await(ctx context.Context, breakpointID string) (api.Directive, string, error) {
	interval := time.Duration(m.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	if m.cfg.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		bp, err := m.store.GetBreakpoint(breakpointID)
		if err != nil {
			return "", "", err
		}
		if bp.Directive != nil {
			return *bp.Directive, bp.Note, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", "", ErrAwaitTimeout
			}
			return "", "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Resolve records the human directive on an open breakpoint. Used by the
// HTTP respond endpoint.
func (m *Manager) Resolve(breakpointID string, directive api.Directive, note string) error {
	resolved, err := m.store.ResolveBreakpoint(breakpointID, directive, note)
	if err != nil {
		return err
	}
	if !resolved {
		return fmt.Errorf("breakpoint %s already resolved", breakpointID)
	}
	return nil
}
