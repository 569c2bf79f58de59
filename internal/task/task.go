// Package task runs units of work on background goroutines and reports
// their progress through non-blocking polls. Callers never wait on a task:
// they spawn it, keep the handle, and poll on their own cadence.
package task

import (
	"sync"
	"sync/atomic"
)

// Status is the lifecycle state of one task.
// Pending -> Running -> {Succeeded, Failed, Cancelled}; terminal states are
// sticky and no further events are delivered after one is reached.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s ends the task.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Snapshot is an immutable view of a task at one point in time. Seq grows
// by one per event, so observers can tell a fresh snapshot from one they
// have already seen.
type Snapshot struct {
	ID       string  `json:"id"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	Stage    string  `json:"stage,omitempty"`
	Err      string  `json:"error,omitempty"`
	Seq      uint64  `json:"seq"`
}

// state is the mutable record behind a task. Mutated only under mu; the
// worker goroutine produces events, observers copy snapshots out.
type state struct {
	mu        sync.Mutex
	snap      Snapshot
	cancel    func()
	cancelled bool
}

func (st *state) snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snap
}

// report records a progress event. Dropped once a terminal state is set.
func (st *state) report(progress float64, stage string) {
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.snap.Status.Terminal() {
		return
	}
	st.snap.Status = StatusRunning
	st.snap.Progress = progress
	st.snap.Stage = stage
	st.snap.Seq++
}

// finish sets the terminal state exactly once; later calls are no-ops.
func (st *state) finish(status Status, errMsg string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.snap.Status.Terminal() {
		return false
	}
	st.snap.Status = status
	st.snap.Err = errMsg
	if status == StatusSucceeded {
		st.snap.Progress = 1
	}
	st.snap.Seq++
	return true
}

func (st *state) requestCancel() bool {
	st.mu.Lock()
	if st.snap.Status.Terminal() {
		st.mu.Unlock()
		return false
	}
	st.cancelled = true
	cancel := st.cancel
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (st *state) cancelRequested() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelled
}

// Handle is one observer's view of a task. Poll returns each event at most
// once per handle; independent observers get their own handle from the
// runner and keep their own cursor.
type Handle struct {
	id       string
	st       *state
	lastSeen atomic.Uint64
}

// ID returns the task identifier.
func (h *Handle) ID() string { return h.id }

// Poll returns the latest snapshot if it carries an event this handle has
// not observed yet. The second return is false when nothing new happened.
// Never blocks.
func (h *Handle) Poll() (Snapshot, bool) {
	snap := h.st.snapshot()
	for {
		seen := h.lastSeen.Load()
		if snap.Seq <= seen {
			return Snapshot{}, false
		}
		if h.lastSeen.CompareAndSwap(seen, snap.Seq) {
			return snap, true
		}
	}
}

// Snapshot returns the latest state regardless of the poll cursor.
func (h *Handle) Snapshot() Snapshot { return h.st.snapshot() }

// Cancel requests cooperative cancellation. A no-op once the task is
// terminal: the recorded outcome is never altered after the fact.
func (h *Handle) Cancel() { h.st.requestCancel() }
