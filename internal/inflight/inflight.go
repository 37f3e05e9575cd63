// Package inflight tracks active pipeline runs and coordinates graceful
// shutdown: a single map keyed by operation id, O(1) Start/Complete, and
// a WaitForAll that drains within a deadline instead of joining a promise
// tree.
package inflight

import (
	"sync"
	"time"

	"github.com/metal0/mailpilot-sub001/internal/logger"
)

// Tracker records operations in flight and gates new work once shutdown has
// begun.
type Tracker struct {
	log logger.Logger

	mu  sync.Mutex
	ops map[string]time.Time

	refuseMu sync.RWMutex
	refusing bool
}

func New(log logger.Logger) *Tracker {
	return &Tracker{
		log: log,
		ops: make(map[string]time.Time),
	}
}

// Start registers an operation id as in flight. It returns false, without
// registering, if the tracker is refusing new work (Refuse has been called,
// which Shutdown does as its first step).
func (t *Tracker) Start(id string) bool {
	t.refuseMu.RLock()
	refusing := t.refusing
	t.refuseMu.RUnlock()
	if refusing {
		return false
	}

	t.mu.Lock()
	t.ops[id] = time.Now()
	t.mu.Unlock()
	return true
}

// Complete marks an operation id as finished. Completing an id that was never
// started, or was already completed, is a no-op.
func (t *Tracker) Complete(id string) {
	t.mu.Lock()
	delete(t.ops, id)
	t.mu.Unlock()
}

// Count returns the number of operations currently in flight.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// Refuse stops Start from admitting new operations; already in-flight
// operations are unaffected.
func (t *Tracker) Refuse() {
	t.refuseMu.Lock()
	t.refusing = true
	t.refuseMu.Unlock()
}

// WaitForAll polls until the in-flight map is empty or timeout elapses. It
// returns true if the map drained, false otherwise, and never mutates the
// map itself.
func (t *Tracker) WaitForAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if t.Count() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

// Shutdown runs the graceful-shutdown sequence: stop admitting new work
// immediately, then wait up to timeout for drains, logging which operations
// (if any) were still running when the deadline hit.
func (t *Tracker) Shutdown(timeout, forceAfter time.Duration) {
	t.Refuse()

	if forceAfter > 0 && forceAfter < timeout {
		time.AfterFunc(forceAfter, func() {
			t.log.Warnf("inflight: force-after %s elapsed, %d operation(s) still running", forceAfter, t.Count())
		})
	}

	if t.WaitForAll(timeout) {
		t.log.Info("inflight: all operations drained")
		return
	}

	t.mu.Lock()
	remaining := make([]string, 0, len(t.ops))
	for id := range t.ops {
		remaining = append(remaining, id)
	}
	t.mu.Unlock()
	t.log.Warnf("inflight: shutdown timeout %s reached with %d operation(s) still running: %v", timeout, len(remaining), remaining)
}

// Guard wraps fn as a tracked operation: Start/Complete bracket the call and
// fn is skipped entirely if the tracker is refusing new work. Callers use
// this instead of manual Start/Complete pairs to avoid leaking an entry on an
// early return.
func (t *Tracker) Guard(id string, fn func()) {
	if !t.Start(id) {
		return
	}
	defer t.Complete(id)
	fn()
}
