package krypton

import (
	"context"
	"sync"
)

// Cancellers is an in-memory registry of per-task cancel funcs so the
// cancel endpoint can interrupt a running loop immediately instead of
// waiting for the next store poll. An explicit object, not a package
// global, so independent orchestrators in tests do not share state.
type Cancellers struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func NewCancellers() *Cancellers {
	return &Cancellers{m: map[string]context.CancelFunc{}}
}

// Register stores the cancel func for a task, overwriting any previous
// entry.
func (c *Cancellers) Register(taskID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[taskID] = cancel
}

func (c *Cancellers) Unregister(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, taskID)
}

// Cancel signals the registered func if present. Returns true when a
// running loop was signalled.
func (c *Cancellers) Cancel(taskID string) bool {
	c.mu.Lock()
	cancel, ok := c.m[taskID]
	c.mu.Unlock()
	if !ok || cancel == nil {
		return false
	}
	cancel()
	return true
}
