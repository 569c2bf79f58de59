package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Report delivers one progress event: a fraction in [0,1] and a short
// human-readable stage label.
type Report func(progress float64, stage string)

// Work is one unit of background work. It should watch ctx at its
// checkpoints; returning ctx.Err() after a cancel request lands the task in
// Cancelled, any other error in Failed.
type Work func(ctx context.Context, report Report) error

// Runner owns a set of concurrently executing tasks. Tasks run with no
// ordering guarantee between each other; callers impose their own per-id
// exclusivity on top.
type Runner struct {
	mu    sync.Mutex
	tasks map[string]*state
	log   zerolog.Logger
}

// NewRunner returns an empty runner.
func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{
		tasks: make(map[string]*state),
		log:   log,
	}
}

// Spawn starts work on a background goroutine and returns immediately.
// name seeds the initial stage label.
func (r *Runner) Spawn(name string, work Work) *Handle {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	st := &state{
		snap:   Snapshot{ID: id, Status: StatusPending, Stage: name, Seq: 1},
		cancel: cancel,
	}
	r.mu.Lock()
	r.tasks[id] = st
	r.mu.Unlock()

	go r.run(ctx, id, name, st, work)
	return &Handle{id: id, st: st}
}

func (r *Runner) run(ctx context.Context, id, name string, st *state, work Work) {
	defer func() {
		if p := recover(); p != nil {
			// A panicking unit of work must never take the process down;
			// it becomes a Failed terminal event like any other error.
			st.finish(StatusFailed, fmt.Sprintf("panic: %v", p))
			r.log.Error().Str("task", id).Str("name", name).Msgf("task panicked: %v", p)
		}
	}()

	st.report(0, name)
	err := work(ctx, st.report)
	switch {
	case err == nil:
		st.finish(StatusSucceeded, "")
	case st.cancelRequested() && errors.Is(err, context.Canceled):
		st.finish(StatusCancelled, "cancelled")
	case st.cancelRequested() && ctx.Err() != nil:
		// Work surfaced some secondary failure after the cancel hit.
		st.finish(StatusCancelled, "cancelled")
	default:
		st.finish(StatusFailed, err.Error())
		r.log.Debug().Str("task", id).Str("name", name).Err(err).Msg("task failed")
	}
}

// Handle returns a fresh observer handle for an existing task, with its own
// poll cursor starting from the beginning.
func (r *Runner) Handle(id string) (*Handle, bool) {
	r.mu.Lock()
	st, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &Handle{id: id, st: st}, true
}

// Snapshot returns the latest state of a task without moving any cursor.
func (r *Runner) Snapshot(id string) (Snapshot, bool) {
	r.mu.Lock()
	st, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// Cancel requests cancellation of a task by id. False when the task is
// unknown or already terminal.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	st, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return st.requestCancel()
}

// Forget drops a terminal task from the runner. Live tasks are kept.
func (r *Runner) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.tasks[id]; ok && st.snapshot().Status.Terminal() {
		delete(r.tasks, id)
	}
}

// Len reports how many tasks the runner currently tracks.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
