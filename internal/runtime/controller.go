package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"hubd/internal/task"
	"hubd/pkg/types"
)

// State is the residency state of one asset on the inference server.
// Absent assets are implicitly Unloaded.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateUnloading State = "unloading"
	StateError     State = "error"
)

// Residency is a point-in-time view of one asset's residency.
type Residency struct {
	AssetID  string         `json:"asset_id"`
	Category types.Category `json:"category"`
	State    State          `json:"state"`
	MemoryGB float64        `json:"memory_gb"`
	TaskID   string         `json:"task_id,omitempty"`
	Err      string         `json:"error,omitempty"`
	Since    time.Time      `json:"since"`
}

// Downloads answers whether an asset's files are present locally. Satisfied
// by the download manager.
type Downloads interface {
	IsDownloaded(types.Asset) bool
}

type entry struct {
	asset  types.Asset
	state  State
	taskID string
	errMsg string
	since  time.Time
}

// occupies reports whether the entry holds memory and its category slot.
// Error entries hold neither; only a retry of the same asset is blocked.
func (e *entry) occupies() bool {
	return e.state == StateLoading || e.state == StateLoaded || e.state == StateUnloading
}

// Options configures a Controller.
type Options struct {
	// BudgetGB caps the total memory of resident assets. Zero or negative
	// means derive a default from installed host memory.
	BudgetGB float64
	// LoadTimeout bounds one load attempt. Zero means 10 minutes.
	LoadTimeout time.Duration
}

// Controller is the admission gate in front of the inference server: every
// load passes a category-exclusivity check and then a memory-budget check,
// atomically, before the server is contacted at all.
type Controller struct {
	mu      sync.RWMutex
	entries map[string]*entry

	budgetGB    float64
	loadTimeout time.Duration
	client      *Client
	downloads   Downloads
	runner      *task.Runner
	log         zerolog.Logger
}

// NewController returns a controller with no resident assets.
func NewController(client *Client, downloads Downloads, runner *task.Runner, opts Options, log zerolog.Logger) *Controller {
	budget := opts.BudgetGB
	if budget <= 0 {
		budget = DefaultBudgetGB()
	}
	timeout := opts.LoadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Controller{
		entries:     make(map[string]*entry),
		budgetGB:    budget,
		loadTimeout: timeout,
		client:      client,
		downloads:   downloads,
		runner:      runner,
		log:         log,
	}
}

// DefaultBudgetGB derives a budget from installed host memory: three
// quarters of physical RAM, leaving headroom for the system and the daemon
// itself. Falls back to 8 GB when the host cannot be inspected.
func DefaultBudgetGB() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 8
	}
	return float64(vm.Total) / (1 << 30) * 0.75
}

// BudgetGB returns the configured memory budget.
func (c *Controller) BudgetGB() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.budgetGB
}

// CommittedGB returns the memory held by loading, loaded and unloading
// assets.
func (c *Controller) CommittedGB() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committedLocked()
}

func (c *Controller) committedLocked() float64 {
	var sum float64
	for _, e := range c.entries {
		if e.occupies() {
			sum += e.asset.Runtime.MemoryGB
		}
	}
	return sum
}

// admitLocked runs the two admission checks for a, category before
// capacity, and returns the first failure. Callers hold c.mu.
func (c *Controller) admitLocked(a types.Asset) error {
	for _, e := range c.entries {
		if e.occupies() && e.asset.Category == a.Category {
			return categoryBusyError{
				assetID:  a.ID,
				category: string(a.Category),
				holder:   e.asset.ID,
			}
		}
	}
	committed := c.committedLocked()
	if committed+a.Runtime.MemoryGB > c.budgetGB {
		return capacityError{
			assetID:     a.ID,
			needGB:      a.Runtime.MemoryGB,
			committedGB: committed,
			budgetGB:    c.budgetGB,
		}
	}
	return nil
}

// CanLoad reports whether a would be admitted right now, without loading
// it. The answer can go stale the moment the lock is released; Load
// re-checks under the same lock it admits with.
func (c *Controller) CanLoad(a types.Asset) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[a.ID]; ok && e.state == StateError {
		return ErrConflict("asset %s is in error state, clear it first", a.ID)
	}
	return c.admitLocked(a)
}

// Load admits a and starts loading it on a background task. Admission and
// the transition to Loading happen atomically, so two concurrent loads can
// never both be admitted into the same budget headroom or category slot.
func (c *Controller) Load(a types.Asset) (*task.Handle, error) {
	if !c.downloads.IsDownloaded(a) {
		return nil, ErrNotDownloaded(a.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[a.ID]; ok {
		switch e.state {
		case StateError:
			return nil, ErrConflict("asset %s is in error state, clear it first", a.ID)
		default:
			return nil, ErrConflict("asset %s is already %s", a.ID, e.state)
		}
	}
	if err := c.admitLocked(a); err != nil {
		return nil, err
	}
	e := &entry{asset: a, state: StateLoading, since: time.Now()}
	c.entries[a.ID] = e

	h := c.runner.Spawn("load "+a.ID, func(ctx context.Context, report task.Report) error {
		ctx, cancel := context.WithTimeout(ctx, c.loadTimeout)
		defer cancel()
		err := c.client.Load(ctx, a.Runtime.APIModelID, a.Category.WireLabel(), func(ev LoadEvent) {
			report(ev.Progress, ev.Stage)
		})
		c.finishLoad(a.ID, err)
		return err
	})
	e.taskID = h.ID()
	loadsStarted.Inc()
	c.log.Info().Str("asset", a.ID).Str("category", string(a.Category)).
		Float64("memory_gb", a.Runtime.MemoryGB).Msg("load admitted")
	return h, nil
}

// finishLoad records the outcome of one load attempt. Failures park the
// asset in Error; it holds no memory there but stays visible until cleared.
func (c *Controller) finishLoad(assetID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[assetID]
	if !ok || e.state != StateLoading {
		return
	}
	e.since = time.Now()
	if err == nil {
		e.state = StateLoaded
		residentAssets.Inc()
		loadsFinished.WithLabelValues("loaded").Inc()
		c.log.Info().Str("asset", assetID).Msg("asset loaded")
		return
	}
	e.state = StateError
	e.errMsg = err.Error()
	if errors.Is(err, context.Canceled) {
		e.errMsg = "cancelled"
	}
	loadsFinished.WithLabelValues("error").Inc()
	c.log.Warn().Str("asset", assetID).Err(err).Msg("load failed")
}

// CancelLoad cancels a running load. The asset ends in Error("cancelled")
// and needs ClearError before another attempt, since the server may have
// been left mid-load.
func (c *Controller) CancelLoad(assetID string) bool {
	c.mu.RLock()
	e, ok := c.entries[assetID]
	var taskID string
	if ok {
		taskID = e.taskID
	}
	c.mu.RUnlock()
	if !ok || taskID == "" {
		return false
	}
	return c.runner.Cancel(taskID)
}

// Unload starts freeing a loaded asset on a background task. The entry
// moves to Unloading and keeps holding its memory until the server
// confirms; on failure it reverts to Loaded.
func (c *Controller) Unload(assetID string) (*task.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[assetID]
	if !ok {
		return nil, ErrConflict("asset %s is not loaded", assetID)
	}
	switch e.state {
	case StateLoaded:
	case StateLoading:
		return nil, ErrConflict("asset %s is still loading, cancel the load instead", assetID)
	case StateUnloading:
		return nil, ErrConflict("asset %s is already unloading", assetID)
	default:
		return nil, ErrConflict("asset %s is in state %s", assetID, e.state)
	}
	e.state = StateUnloading
	e.since = time.Now()
	a := e.asset

	h := c.runner.Spawn("unload "+assetID, func(ctx context.Context, report task.Report) error {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		err := c.client.Unload(ctx, a.Category.WireLabel())
		c.finishUnload(assetID, err)
		return err
	})
	e.taskID = h.ID()
	return h, nil
}

func (c *Controller) finishUnload(assetID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[assetID]
	if !ok || e.state != StateUnloading {
		return
	}
	if err != nil {
		// The server still holds the model, so the memory is still spent.
		e.state = StateLoaded
		e.since = time.Now()
		c.log.Warn().Str("asset", assetID).Err(err).Msg("unload failed, asset stays resident")
		return
	}
	delete(c.entries, assetID)
	residentAssets.Dec()
	c.log.Info().Str("asset", assetID).Msg("asset unloaded")
}

// ClearError removes an Error entry so the asset can be loaded again.
// False when the asset is absent or not in Error.
func (c *Controller) ClearError(assetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[assetID]
	if !ok || e.state != StateError {
		return false
	}
	delete(c.entries, assetID)
	return true
}

// Status returns the residency of one asset. Unknown assets report
// Unloaded.
func (c *Controller) Status(assetID string) Residency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[assetID]
	if !ok {
		return Residency{AssetID: assetID, State: StateUnloaded}
	}
	return residencyOf(e)
}

// StatusAll returns every tracked residency, sorted by asset id.
func (c *Controller) StatusAll() []Residency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Residency, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, residencyOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

func residencyOf(e *entry) Residency {
	return Residency{
		AssetID:  e.asset.ID,
		Category: e.asset.Category,
		State:    e.state,
		MemoryGB: e.asset.Runtime.MemoryGB,
		TaskID:   e.taskID,
		Err:      e.errMsg,
		Since:    e.since,
	}
}

// SyncServer reconciles local accounting with the server's own model list:
// assets we believe are Loaded but the server no longer reports resident
// are dropped. Entries mid-transition and Error entries are left alone.
func (c *Controller) SyncServer(ctx context.Context) error {
	models, err := c.client.ListModels(ctx)
	if err != nil {
		return err
	}
	resident := make(map[string]bool, len(models))
	for _, m := range models {
		if m.Status == "loaded" {
			resident[m.ID] = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.state != StateLoaded {
			continue
		}
		if !resident[e.asset.Runtime.APIModelID] {
			delete(c.entries, id)
			residentAssets.Dec()
			c.log.Warn().Str("asset", id).Msg("server no longer holds asset, residency dropped")
		}
	}
	return nil
}
