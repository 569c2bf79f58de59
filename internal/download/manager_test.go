package download

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hubd/internal/task"
	"hubd/pkg/types"
)

// fakeSource serves a hosted-style repository with a fixed file set.
type fakeSource struct {
	files map[string]string // path -> content
	// stall, when non-nil, makes file responses write one byte then block
	// until the channel closes or the request is cancelled.
	stall chan struct{}
}

func (f *fakeSource) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/models/", func(w http.ResponseWriter, r *http.Request) {
		var sb strings.Builder
		sb.WriteString(`{"siblings":[`)
		first := true
		for path, content := range f.files {
			if !first {
				sb.WriteString(",")
			}
			first = false
			fmt.Fprintf(&sb, `{"rfilename":%q,"size":%d}`, path, len(content))
		}
		sb.WriteString(`]}`)
		w.Write([]byte(sb.String()))
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		// .../{repo}/resolve/{rev}/{path}
		idx := strings.Index(r.URL.Path, "/resolve/")
		if idx < 0 {
			http.NotFound(w, r)
			return
		}
		rest := r.URL.Path[idx+len("/resolve/"):]
		_, path, ok := strings.Cut(rest, "/")
		if !ok {
			http.NotFound(w, r)
			return
		}
		content, found := f.files[path]
		if !found {
			http.NotFound(w, r)
			return
		}
		if f.stall != nil {
			w.Write([]byte(content[:1]))
			if fl, ok := w.(http.Flusher); ok {
				fl.Flush()
			}
			select {
			case <-f.stall:
			case <-r.Context().Done():
			}
			return
		}
		w.Write([]byte(content))
	})
	return mux
}

func hostedAsset(t *testing.T, id string) types.Asset {
	t.Helper()
	return types.Asset{
		ID:       id,
		Name:     id,
		Category: types.CategoryChat,
		Source:   types.Source{Kind: types.SourceHosted, Repo: "org/" + id, Revision: "main"},
		Storage:  types.Storage{LocalPath: filepath.Join(t.TempDir(), id)},
	}
}

func newTestManager(t *testing.T, srv *httptest.Server) *Manager {
	t.Helper()
	runner := task.NewRunner(zerolog.Nop())
	return NewManager(runner, Options{
		HostedBase: srv.URL,
		MirrorBase: srv.URL,
	}, zerolog.Nop())
}

func waitTerminal(t *testing.T, h *task.Handle) task.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := h.Snapshot()
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("download task did not reach a terminal state")
	return task.Snapshot{}
}

func TestDownloadCompletes(t *testing.T) {
	src := &fakeSource{files: map[string]string{
		"config.json":          `{"arch":"test"}`,
		"model.safetensors":    strings.Repeat("w", 4096),
		"tokenizer/vocab.json": `{"a":1}`,
	}}
	srv := httptest.NewServer(src.handler())
	defer srv.Close()

	m := newTestManager(t, srv)
	a := hostedAsset(t, "m1")
	h, err := m.Start(a)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitTerminal(t, h)
	if snap.Status != task.StatusSucceeded {
		t.Fatalf("task ended %s: %s", snap.Status, snap.Err)
	}

	rec, ok := m.Progress(a.ID)
	if !ok {
		t.Fatal("no record after download")
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("record status = %s, want completed", rec.Status)
	}
	var wantTotal int64
	for _, c := range src.files {
		wantTotal += int64(len(c))
	}
	if rec.BytesTotal != wantTotal || rec.BytesCompleted != wantTotal {
		t.Fatalf("bytes = %d/%d, want %d/%d", rec.BytesCompleted, rec.BytesTotal, wantTotal, wantTotal)
	}
	for path, content := range src.files {
		b, err := os.ReadFile(filepath.Join(a.Storage.LocalPath, filepath.FromSlash(path)))
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(b) != content {
			t.Fatalf("file %s content mismatch", path)
		}
	}
	if !m.IsDownloaded(a) {
		t.Fatal("IsDownloaded false after completed download")
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	stall := make(chan struct{})
	src := &fakeSource{
		files: map[string]string{"weights.bin": strings.Repeat("x", 100)},
		stall: stall,
	}
	srv := httptest.NewServer(src.handler())
	defer srv.Close()

	m := newTestManager(t, srv)
	a := hostedAsset(t, "m2")
	h1, err := m.Start(a)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h2, err := m.Start(a)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if h1.ID() != h2.ID() {
		t.Fatalf("second Start spawned a new task: %s vs %s", h1.ID(), h2.ID())
	}
	close(stall)
	waitTerminal(t, h1)
}

func TestCancelKeepsPartialFiles(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)
	src := &fakeSource{
		files: map[string]string{"weights.bin": strings.Repeat("x", 100)},
		stall: stall,
	}
	srv := httptest.NewServer(src.handler())
	defer srv.Close()

	m := newTestManager(t, srv)
	a := hostedAsset(t, "m3")
	h, err := m.Start(a)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Wait for the first byte to land before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, _ := m.Progress(a.ID)
		if rec.BytesCompleted > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no bytes arrived before cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Cancel(a.ID) {
		t.Fatal("Cancel reported no transfer in flight")
	}
	snap := waitTerminal(t, h)
	if snap.Status != task.StatusCancelled {
		t.Fatalf("task ended %s, want cancelled", snap.Status)
	}
	rec, _ := m.Progress(a.ID)
	if rec.Status != StatusCancelled {
		t.Fatalf("record status = %s, want cancelled", rec.Status)
	}
	// Partial file must remain for inspection; Remove clears it.
	partial := filepath.Join(a.Storage.LocalPath, "weights.bin")
	if _, err := os.Stat(partial); err != nil {
		t.Fatalf("partial file missing after cancel: %v", err)
	}
}

func TestListingFailureFailsDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestManager(t, srv)
	a := hostedAsset(t, "m4")
	h, err := m.Start(a)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitTerminal(t, h)
	if snap.Status != task.StatusFailed {
		t.Fatalf("task ended %s, want failed", snap.Status)
	}
	rec, _ := m.Progress(a.ID)
	if rec.Status != StatusFailed || rec.Err == "" {
		t.Fatalf("record = %+v, want failed with error", rec)
	}
}

func TestManualSourceRefused(t *testing.T) {
	m := NewManager(task.NewRunner(zerolog.Nop()), Options{}, zerolog.Nop())
	a := types.Asset{
		ID:      "hand-installed",
		Source:  types.Source{Kind: types.SourceManual},
		Storage: types.Storage{LocalPath: t.TempDir()},
	}
	if _, err := m.Start(a); !IsManualSource(err) {
		t.Fatalf("Start on manual source: err = %v, want manual-source error", err)
	}
}

func TestMirrorListingAndFetch(t *testing.T) {
	content := strings.Repeat("m", 256)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/models/org/m5/repo/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"Code":200,"Data":{"Files":[
			{"Path":"model.onnx","Size":%d,"Type":"blob"},
			{"Path":"subdir","Size":0,"Type":"tree"}
		]}}`, len(content))
	})
	mux.HandleFunc("GET /api/v1/models/org/m5/repo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("FilePath") != "model.onnx" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(content))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, srv)
	a := types.Asset{
		ID:      "m5",
		Source:  types.Source{Kind: types.SourceMirror, Repo: "org/m5", Revision: "master"},
		Storage: types.Storage{LocalPath: filepath.Join(t.TempDir(), "m5")},
	}
	h, err := m.Start(a)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitTerminal(t, h)
	if snap.Status != task.StatusSucceeded {
		t.Fatalf("task ended %s: %s", snap.Status, snap.Err)
	}
	rec, _ := m.Progress(a.ID)
	if rec.BytesTotal != int64(len(content)) {
		t.Fatalf("bytes_total = %d, want %d (tree entries must not count)", rec.BytesTotal, len(content))
	}
	b, err := os.ReadFile(filepath.Join(a.Storage.LocalPath, "model.onnx"))
	if err != nil || string(b) != content {
		t.Fatalf("fetched file mismatch: %v", err)
	}
}

func TestRemoveRefusedWhileRunning(t *testing.T) {
	stall := make(chan struct{})
	src := &fakeSource{
		files: map[string]string{"weights.bin": strings.Repeat("x", 50)},
		stall: stall,
	}
	srv := httptest.NewServer(src.handler())
	defer srv.Close()

	m := newTestManager(t, srv)
	a := hostedAsset(t, "m6")
	h, err := m.Start(a)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Remove(a); !IsRemoveInProgress(err) {
		t.Fatalf("Remove during transfer: err = %v, want in-progress refusal", err)
	}
	m.Cancel(a.ID)
	close(stall)
	waitTerminal(t, h)

	if err := m.Remove(a); err != nil {
		t.Fatalf("Remove after cancel: %v", err)
	}
	if _, err := os.Stat(a.Storage.LocalPath); !os.IsNotExist(err) {
		t.Fatalf("asset dir still present after Remove (stat err: %v)", err)
	}
	if _, ok := m.Progress(a.ID); ok {
		t.Fatal("record still present after Remove")
	}
}

func TestClearDropsTerminalRecords(t *testing.T) {
	src := &fakeSource{files: map[string]string{"f": "data"}}
	srv := httptest.NewServer(src.handler())
	defer srv.Close()

	m := newTestManager(t, srv)
	a := hostedAsset(t, "m7")
	h, err := m.Start(a)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, h)
	if len(m.All()) != 1 {
		t.Fatalf("records = %d, want 1", len(m.All()))
	}
	m.Clear()
	if len(m.All()) != 0 {
		t.Fatalf("records after Clear = %d, want 0", len(m.All()))
	}
}
