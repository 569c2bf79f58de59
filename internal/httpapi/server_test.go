package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"hubd/internal/catalog"
	"hubd/internal/download"
	"hubd/internal/inference"
	"hubd/internal/runtime"
	"hubd/internal/task"
	"hubd/internal/voice"
	"hubd/pkg/types"
)

// newBackend fakes the inference server: instant loads, canned inference.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/models/load", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"progress":1,"done":true}` + "\n"))
	})
	mux.HandleFunc("POST /v1/models/unload", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"four"}}]}`))
	})
	mux.HandleFunc("GET /v1/voices", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"voices":[{"name":"nova","language":"en"}]}`))
	})
	mux.HandleFunc("POST /v1/voices/train", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"task_id":"run-1"}`))
	})
	mux.HandleFunc("GET /v1/voices/train/run-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"done","progress":1}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newFileSource fakes a hosted model repository with one file per repo.
func newFileSource(t *testing.T) *httptest.Server {
	t.Helper()
	content := strings.Repeat("W", 64)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/models/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"siblings":[{"rfilename":"weights.bin","size":%d}]}`, len(content))
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/resolve/") {
			w.Write([]byte(content))
			return
		}
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	mk := func(id string, cat types.Category, memGB float64) types.Asset {
		return types.Asset{
			ID:       id,
			Name:     id,
			Category: cat,
			Source:   types.Source{Kind: types.SourceHosted, Repo: "org/" + id, Revision: "main"},
			Storage:  types.Storage{LocalPath: filepath.Join(t.TempDir(), id)},
			Runtime:  types.RuntimeSpec{APIType: types.APIChatCompletions, APIModelID: id, MemoryGB: memGB},
		}
	}
	return catalog.Catalog{Version: "1.0.0", Assets: []types.Asset{
		mk("m-chat", types.CategoryChat, 4),
		mk("m-chat-alt", types.CategoryChat, 4),
		mk("m-tts", types.CategorySpeechSynthesis, 2),
	}}
}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	backend := newBackend(t)
	source := newFileSource(t)
	cat := testCatalog(t)

	log := zerolog.Nop()
	runner := task.NewRunner(log)
	store := catalog.NewStore(t.TempDir(), log)
	downloads := download.NewManager(runner, download.Options{
		HostedBase: source.URL,
		MirrorBase: source.URL,
	}, log)
	rt := runtime.NewController(runtime.NewClient(backend.URL, nil), downloads, runner,
		runtime.Options{BudgetGB: 10}, log)
	voices := voice.NewController(voice.NewClient(backend.URL, nil), runner,
		voice.Options{PollInterval: 10 * time.Millisecond}, log)
	inf := inference.NewClient(backend.URL, nil)

	s := NewServer(cat, store, runner, downloads, rt, voices, inf, Options{}, log)
	api := httptest.NewServer(s.Handler())
	t.Cleanup(api.Close)
	return api
}

func doJSON(t *testing.T, method, url string, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b
}

func taskID(t *testing.T, body []byte) string {
	t.Helper()
	var resp types.TaskResponse
	if err := sonic.Unmarshal(body, &resp); err != nil || resp.TaskID == "" {
		t.Fatalf("no task id in %s", body)
	}
	return resp.TaskID
}

func waitTask(t *testing.T, api, id string) task.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, body := doJSON(t, http.MethodGet, api+"/v1/tasks/"+id, "")
		if code != http.StatusOK {
			t.Fatalf("GET task %s: %d %s", id, code, body)
		}
		var snap task.Snapshot
		if err := sonic.Unmarshal(body, &snap); err != nil {
			t.Fatalf("parse snapshot: %v", err)
		}
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never settled")
	return task.Snapshot{}
}

// downloadAsset pushes one asset through the download flow.
func downloadAsset(t *testing.T, api, id string) {
	t.Helper()
	code, body := doJSON(t, http.MethodPost, api+"/v1/downloads/"+id, "")
	if code != http.StatusAccepted {
		t.Fatalf("start download: %d %s", code, body)
	}
	if snap := waitTask(t, api, taskID(t, body)); snap.Status != task.StatusSucceeded {
		t.Fatalf("download ended %s: %s", snap.Status, snap.Err)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	api := newTestAPI(t).URL

	code, body := doJSON(t, http.MethodGet, api+"/v1/catalog", "")
	if code != http.StatusOK {
		t.Fatalf("catalog list: %d", code)
	}
	var listing struct {
		Version string        `json:"version"`
		Assets  []types.Asset `json:"assets"`
	}
	if err := sonic.Unmarshal(body, &listing); err != nil {
		t.Fatalf("parse listing: %v", err)
	}
	if listing.Version != "1.0.0" || len(listing.Assets) != 3 {
		t.Fatalf("listing = %+v", listing)
	}

	code, body = doJSON(t, http.MethodGet, api+"/v1/catalog?category=speech_synthesis", "")
	if code != http.StatusOK {
		t.Fatalf("filtered list: %d", code)
	}
	if err := sonic.Unmarshal(body, &listing); err != nil {
		t.Fatalf("parse listing: %v", err)
	}
	if len(listing.Assets) != 1 || listing.Assets[0].ID != "m-tts" {
		t.Fatalf("filtered assets = %+v", listing.Assets)
	}

	if code, _ := doJSON(t, http.MethodGet, api+"/v1/catalog?category=bogus", ""); code != http.StatusBadRequest {
		t.Fatalf("bogus category: %d, want 400", code)
	}
	if code, _ := doJSON(t, http.MethodGet, api+"/v1/catalog/nope", ""); code != http.StatusNotFound {
		t.Fatalf("unknown asset: %d, want 404", code)
	}
}

func TestDownloadAndResidencyFlow(t *testing.T) {
	api := newTestAPI(t).URL

	// Loading before downloading is refused.
	if code, _ := doJSON(t, http.MethodPost, api+"/v1/assets/m-chat/load", ""); code != http.StatusConflict {
		t.Fatalf("load before download: %d, want 409", code)
	}

	downloadAsset(t, api, "m-chat")
	code, body := doJSON(t, http.MethodGet, api+"/v1/downloads/m-chat", "")
	if code != http.StatusOK {
		t.Fatalf("download status: %d", code)
	}
	var rec download.Record
	if err := sonic.Unmarshal(body, &rec); err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if rec.Status != download.StatusCompleted || rec.BytesCompleted != 64 {
		t.Fatalf("record = %+v", rec)
	}

	code, body = doJSON(t, http.MethodPost, api+"/v1/assets/m-chat/load", "")
	if code != http.StatusAccepted {
		t.Fatalf("load: %d %s", code, body)
	}
	if snap := waitTask(t, api, taskID(t, body)); snap.Status != task.StatusSucceeded {
		t.Fatalf("load ended %s: %s", snap.Status, snap.Err)
	}

	// The chat slot is now held; a second chat asset is refused.
	downloadAsset(t, api, "m-chat-alt")
	if code, _ := doJSON(t, http.MethodPost, api+"/v1/assets/m-chat-alt/load", ""); code != http.StatusConflict {
		t.Fatalf("second chat load: %d, want 409", code)
	}

	code, body = doJSON(t, http.MethodGet, api+"/v1/residency", "")
	if code != http.StatusOK {
		t.Fatalf("residency: %d", code)
	}
	var res struct {
		BudgetGB    float64             `json:"budget_gb"`
		CommittedGB float64             `json:"committed_gb"`
		Assets      []runtime.Residency `json:"assets"`
	}
	if err := sonic.Unmarshal(body, &res); err != nil {
		t.Fatalf("parse residency: %v", err)
	}
	if res.CommittedGB != 4 || len(res.Assets) != 1 || res.Assets[0].State != runtime.StateLoaded {
		t.Fatalf("residency = %+v", res)
	}

	code, body = doJSON(t, http.MethodPost, api+"/v1/assets/m-chat/unload", "")
	if code != http.StatusAccepted {
		t.Fatalf("unload: %d %s", code, body)
	}
	if snap := waitTask(t, api, taskID(t, body)); snap.Status != task.StatusSucceeded {
		t.Fatalf("unload ended %s: %s", snap.Status, snap.Err)
	}
	code, body = doJSON(t, http.MethodGet, api+"/v1/residency/m-chat", "")
	if code != http.StatusOK {
		t.Fatalf("residency get: %d", code)
	}
	var one runtime.Residency
	if err := sonic.Unmarshal(body, &one); err != nil {
		t.Fatalf("parse residency: %v", err)
	}
	if one.State != runtime.StateUnloaded {
		t.Fatalf("state after unload = %s", one.State)
	}
}

func TestChatPassThrough(t *testing.T) {
	api := newTestAPI(t).URL

	// No chat asset loaded yet.
	if code, _ := doJSON(t, http.MethodPost, api+"/v1/chat", `{"prompt":"2+2?"}`); code != http.StatusConflict {
		t.Fatalf("chat with nothing loaded: %d, want 409", code)
	}

	downloadAsset(t, api, "m-chat")
	_, body := doJSON(t, http.MethodPost, api+"/v1/assets/m-chat/load", "")
	waitTask(t, api, taskID(t, body))

	code, body := doJSON(t, http.MethodPost, api+"/v1/chat", `{"prompt":"2+2?"}`)
	if code != http.StatusOK {
		t.Fatalf("chat: %d %s", code, body)
	}
	var resp struct {
		Content string `json:"content"`
	}
	if err := sonic.Unmarshal(body, &resp); err != nil || resp.Content != "four" {
		t.Fatalf("chat response = %s", body)
	}

	if code, _ := doJSON(t, http.MethodPost, api+"/v1/chat", `{"prompt":""}`); code != http.StatusBadRequest {
		t.Fatalf("empty prompt: %d, want 400", code)
	}
}

func TestVoiceEndpoints(t *testing.T) {
	api := newTestAPI(t).URL

	code, body := doJSON(t, http.MethodGet, api+"/v1/voices", "")
	if code != http.StatusOK {
		t.Fatalf("voices: %d", code)
	}
	if !strings.Contains(string(body), "nova") {
		t.Fatalf("voices body = %s", body)
	}

	sample := filepath.Join(t.TempDir(), "sample.wav")
	if err := os.WriteFile(sample, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	code, body = doJSON(t, http.MethodPost, api+"/v1/voices/train",
		fmt.Sprintf(`{"voice":"nova","audio_path":%q,"transcript":"hi"}`, sample))
	if code != http.StatusAccepted {
		t.Fatalf("train: %d %s", code, body)
	}
	if snap := waitTask(t, api, taskID(t, body)); snap.Status != task.StatusSucceeded {
		t.Fatalf("training ended %s: %s", snap.Status, snap.Err)
	}
	code, body = doJSON(t, http.MethodGet, api+"/v1/voices/train/nova", "")
	if code != http.StatusOK {
		t.Fatalf("train job: %d %s", code, body)
	}
	if code, _ := doJSON(t, http.MethodGet, api+"/v1/voices/train/ghost", ""); code != http.StatusNotFound {
		t.Fatalf("unknown job: %d, want 404", code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	api := newTestAPI(t).URL
	if code, _ := doJSON(t, http.MethodGet, api+"/v1/tasks/nope", ""); code != http.StatusNotFound {
		t.Fatalf("unknown task: %d, want 404", code)
	}
	if code, _ := doJSON(t, http.MethodPost, api+"/v1/tasks/nope/cancel", ""); code != http.StatusConflict {
		t.Fatalf("cancel unknown task: %d, want 409", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t).URL
	if code, body := doJSON(t, http.MethodGet, api+"/healthz", ""); code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: %d %s", code, body)
	}
	code, body := doJSON(t, http.MethodGet, api+"/metrics", "")
	if code != http.StatusOK || !strings.Contains(string(body), "hubd_http_requests_total") {
		t.Fatalf("metrics: %d", code)
	}
}

func TestContentTypeEnforced(t *testing.T) {
	api := newTestAPI(t).URL
	req, _ := http.NewRequest(http.MethodPost, api+"/v1/chat", strings.NewReader(`{"prompt":"x"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type: %d, want 415", resp.StatusCode)
	}
}
