package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hubd/internal/common/fsutil"
	"hubd/internal/task"
	"hubd/pkg/types"
)

var errRemoveInProgress = errors.New("download in progress, cancel it before removing files")

// IsRemoveInProgress reports whether err means files cannot be removed
// because a transfer is still running.
func IsRemoveInProgress(err error) bool { return errors.Is(err, errRemoveInProgress) }

const copyChunkSize = 128 * 1024

// Options configures where downloads come from.
type Options struct {
	// Base URL of the hosted (HuggingFace-style) source.
	HostedBase string
	// Base URL of the mirror (ModelScope-style) source.
	MirrorBase string
	// Optional bearer token for the hosted source.
	Token string
	// HTTPClient overrides the transport; nil uses a client with no
	// overall timeout, since large transfers are bounded by ctx instead.
	HTTPClient *http.Client
}

// Manager tracks one download per asset. Starting an asset that is already
// transferring returns the existing task handle rather than a second
// transfer; records survive their task so byte counts remain queryable.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
	handles map[string]*task.Handle

	runner *task.Runner
	src    *source
	log    zerolog.Logger
}

// NewManager returns a manager spawning transfers on runner.
func NewManager(runner *task.Runner, opts Options, log zerolog.Logger) *Manager {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Manager{
		records: make(map[string]*Record),
		handles: make(map[string]*task.Handle),
		runner:  runner,
		src: &source{
			hostedBase: opts.HostedBase,
			mirrorBase: opts.MirrorBase,
			token:      opts.Token,
			httpc:      httpc,
		},
		log: log,
	}
}

// Start begins downloading a, or returns the handle of the transfer already
// in flight. Manual-source assets are refused.
func (m *Manager) Start(a types.Asset) (*task.Handle, error) {
	if a.Source.Kind == types.SourceManual {
		return nil, errManualSource
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[a.ID]; ok && rec.Status == StatusInProgress {
		return m.handles[a.ID], nil
	}
	rec := &Record{
		AssetID:   a.ID,
		Status:    StatusInProgress,
		StartedAt: time.Now(),
	}
	m.records[a.ID] = rec

	h := m.runner.Spawn("download "+a.ID, func(ctx context.Context, report task.Report) error {
		err := m.transfer(ctx, a, report)
		m.update(a.ID, func(r *Record) {
			r.FinishedAt = time.Now()
			r.CurrentFile = ""
			switch {
			case err == nil:
				r.Status = StatusCompleted
			case ctx.Err() != nil:
				r.Status = StatusCancelled
			default:
				r.Status = StatusFailed
				r.Err = err.Error()
			}
			downloadsFinished.WithLabelValues(string(r.Status)).Inc()
		})
		return err
	})

	rec.TaskID = h.ID()
	m.handles[a.ID] = h
	downloadsStarted.Inc()
	m.log.Info().Str("asset", a.ID).Str("task", h.ID()).Msg("download started")
	return h, nil
}

// transfer is the body of one download task: list, then fetch each file in
// listing order into the asset's storage directory. Partial files stay on
// disk when the transfer stops early.
func (m *Manager) transfer(ctx context.Context, a types.Asset, report task.Report) error {
	report(0, "listing files")
	files, err := m.src.listFiles(ctx, a)
	if err != nil {
		return err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	m.update(a.ID, func(r *Record) { r.BytesTotal = total })

	dir, err := fsutil.ExpandHome(a.Storage.LocalPath)
	if err != nil {
		return err
	}
	var done int64
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.update(a.ID, func(r *Record) { r.CurrentFile = f.Path })
		n, err := m.fetchFile(ctx, a, f, dir, done, total, report)
		done += n
		if err != nil {
			return err
		}
	}
	report(1, "completed")
	return nil
}

// fetchFile streams one repository file to disk, reporting progress per
// chunk. Returns the bytes written even on error.
func (m *Manager) fetchFile(ctx context.Context, a types.Asset, f remoteFile, dir string, doneBefore, total int64, report task.Report) (int64, error) {
	dst := filepath.Join(dir, filepath.FromSlash(f.Path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	body, err := m.src.open(ctx, a, f.Path)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write %s: %w", f.Path, werr)
			}
			written += int64(n)
			downloadedBytes.Add(float64(n))
			completed := doneBefore + written
			m.update(a.ID, func(r *Record) { r.BytesCompleted = completed })
			if total > 0 {
				report(float64(completed)/float64(total), f.Path)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			// A read error after a cancel request is the cancellation
			// surfacing through the transport.
			if cerr := ctx.Err(); cerr != nil {
				return written, cerr
			}
			return written, fmt.Errorf("fetch %s: %w", f.Path, rerr)
		}
	}
}

// Cancel requests cancellation of the asset's running transfer. False when
// nothing is in flight.
func (m *Manager) Cancel(assetID string) bool {
	m.mu.Lock()
	h, ok := m.handles[assetID]
	rec := m.records[assetID]
	m.mu.Unlock()
	if !ok || rec == nil || rec.Status != StatusInProgress {
		return false
	}
	h.Cancel()
	return true
}

// Progress returns a copy of the asset's download record.
func (m *Manager) Progress(assetID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[assetID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns a copy of every known record.
func (m *Manager) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// IsDownloaded reports whether the asset's storage directory holds files
// and no transfer is currently writing into it.
func (m *Manager) IsDownloaded(a types.Asset) bool {
	m.mu.Lock()
	rec := m.records[a.ID]
	inProgress := rec != nil && rec.Status == StatusInProgress
	m.mu.Unlock()
	if inProgress {
		return false
	}
	dir, err := fsutil.ExpandHome(a.Storage.LocalPath)
	if err != nil {
		return false
	}
	return fsutil.DirHasContent(dir)
}

// Remove deletes the asset's local files. Refused while a transfer is
// running; cancel first.
func (m *Manager) Remove(a types.Asset) error {
	m.mu.Lock()
	if rec := m.records[a.ID]; rec != nil && rec.Status == StatusInProgress {
		m.mu.Unlock()
		return errRemoveInProgress
	}
	delete(m.records, a.ID)
	delete(m.handles, a.ID)
	m.mu.Unlock()

	dir, err := fsutil.ExpandHome(a.Storage.LocalPath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", a.ID, err)
	}
	m.log.Info().Str("asset", a.ID).Str("dir", dir).Msg("asset files removed")
	return nil
}

// Clear drops terminal records, keeping in-flight ones. Forgotten tasks are
// released from the runner as well.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.records {
		if rec.Status.Terminal() {
			if rec.TaskID != "" {
				m.runner.Forget(rec.TaskID)
			}
			delete(m.records, id)
			delete(m.handles, id)
		}
	}
}

// update mutates one record under the manager lock.
func (m *Manager) update(assetID string, fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[assetID]; ok {
		fn(rec)
	}
}
