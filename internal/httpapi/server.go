// Package httpapi exposes the daemon's HTTP surface: catalog browsing,
// downloads, residency control, voice training and inference pass-through.
package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hubd/internal/catalog"
	"hubd/internal/download"
	"hubd/internal/inference"
	"hubd/internal/runtime"
	"hubd/internal/task"
	"hubd/internal/voice"
	"hubd/pkg/types"
)

// Options tunes the HTTP surface.
type Options struct {
	// CatalogURL is the default remote catalog for POST /v1/catalog/refresh.
	CatalogURL string
	// CORSEnabled adds a permissive CORS layer for local UIs.
	CORSEnabled bool
	// MaxBodyBytes caps JSON request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
}

// Server wires the controllers to routes. The catalog is the immutable
// snapshot loaded at startup; refreshes only take effect on the next one.
type Server struct {
	cat       catalog.Catalog
	store     *catalog.Store
	runner    *task.Runner
	downloads *download.Manager
	rt        *runtime.Controller
	voices    *voice.Controller
	inf       *inference.Client
	opts      Options
	log       zerolog.Logger
}

// NewServer returns a server over the given controllers.
func NewServer(cat catalog.Catalog, store *catalog.Store, runner *task.Runner,
	downloads *download.Manager, rt *runtime.Controller, voices *voice.Controller,
	inf *inference.Client, opts Options, log zerolog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cat:       cat,
		store:     store,
		runner:    runner,
		downloads: downloads,
		rt:        rt,
		voices:    voices,
		inf:       inf,
		opts:      opts,
		log:       log,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if s.opts.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(requestLogger(s.log))
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/catalog", s.handleCatalogList)
		r.Get("/catalog/{id}", s.handleCatalogGet)
		r.Post("/catalog/refresh", s.handleCatalogRefresh)

		r.Get("/downloads", s.handleDownloadsList)
		r.Get("/downloads/{id}", s.handleDownloadGet)
		r.Post("/downloads/{id}", s.handleDownloadStart)
		r.Post("/downloads/{id}/cancel", s.handleDownloadCancel)
		r.Post("/downloads/clear", s.handleDownloadsClear)
		r.Delete("/downloads/{id}/files", s.handleDownloadRemove)

		r.Post("/assets/{id}/load", s.handleLoad)
		r.Post("/assets/{id}/unload", s.handleUnload)
		r.Post("/assets/{id}/clear-error", s.handleClearError)

		r.Get("/residency", s.handleResidencyList)
		r.Get("/residency/{id}", s.handleResidencyGet)
		r.Post("/residency/sync", s.handleResidencySync)

		r.Get("/tasks/{id}", s.handleTaskGet)
		r.Post("/tasks/{id}/cancel", s.handleTaskCancel)
		r.Delete("/tasks/{id}", s.handleTaskForget)

		r.Get("/voices", s.handleVoicesList)
		r.Post("/voices/train", s.handleTrain)
		r.Get("/voices/train", s.handleTrainJobs)
		r.Get("/voices/train/{voice}", s.handleTrainJob)
		r.Post("/voices/train/{voice}/cancel", s.handleTrainCancel)

		r.Post("/chat", s.handleChat)
		r.Post("/audio/speech", s.handleSpeech)
		r.Post("/audio/transcriptions", s.handleTranscribe)
		r.Post("/images/generations", s.handleImage)
	})
	return r
}

// decodeJSON enforces content type and body size, then decodes into v.
// Writes the error response itself and reports success.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// asset resolves the {id} route param against the catalog.
func (s *Server) asset(w http.ResponseWriter, r *http.Request) (types.Asset, bool) {
	id := chi.URLParam(r, "id")
	a, ok := s.cat.Find(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown asset: "+id)
		return types.Asset{}, false
	}
	return a, true
}

// loadedAssetFor finds the loaded asset serving a category.
func (s *Server) loadedAssetFor(cats ...types.Category) (types.Asset, bool) {
	for _, res := range s.rt.StatusAll() {
		if res.State != runtime.StateLoaded {
			continue
		}
		for _, c := range cats {
			if res.Category == c {
				if a, ok := s.cat.Find(res.AssetID); ok {
					return a, true
				}
			}
		}
	}
	return types.Asset{}, false
}

func (s *Server) handleCatalogList(w http.ResponseWriter, r *http.Request) {
	category := types.Category(r.URL.Query().Get("category"))
	if category != "" && !category.Valid() {
		writeJSONError(w, http.StatusBadRequest, "unknown category: "+string(category))
		return
	}
	assets := s.cat.List(category, r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.cat.Version,
		"assets":  assets,
	})
}

func (s *Server) handleCatalogGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":      a,
		"downloaded": s.downloads.IsDownloaded(a),
		"residency":  s.rt.Status(a.ID),
	})
}

func (s *Server) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	url := s.opts.CatalogURL
	if r.ContentLength > 0 {
		var req struct {
			URL string `json:"url"`
		}
		if !s.decodeJSON(w, r, &req) {
			return
		}
		if req.URL != "" {
			url = req.URL
		}
	}
	if url == "" {
		writeJSONError(w, http.StatusBadRequest, "no catalog url configured")
		return
	}
	h := s.store.FetchRemote(s.runner, url)
	writeJSON(w, http.StatusAccepted, types.TaskResponse{TaskID: h.ID()})
}

func (s *Server) handleDownloadsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"downloads": s.downloads.All()})
}

func (s *Server) handleDownloadGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r)
	if !ok {
		return
	}
	rec, ok := s.downloads.Progress(a.ID)
	if !ok {
		rec = download.Record{AssetID: a.ID, Status: download.StatusNotStarted}
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDownloadStart(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r)
	if !ok {
		return
	}
	h, err := s.downloads.Start(a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.TaskResponse{TaskID: h.ID()})
}

func (s *Server) handleDownloadCancel(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r)
	if !ok {
		return
	}
	if !s.downloads.Cancel(a.ID) {
		writeJSONError(w, http.StatusConflict, "no download in progress for "+a.ID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleDownloadsClear(w http.ResponseWriter, r *http.Request) {
	s.downloads.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadRemove(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r)
	if !ok {
		return
	}
	if err := s.downloads.Remove(a); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r)
	if !ok {
		return
	}
	h, err := s.rt.Load(a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.TaskResponse{TaskID: h.ID()})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r)
	if !ok {
		return
	}
	h, err := s.rt.Unload(a.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.TaskResponse{TaskID: h.ID()})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r)
	if !ok {
		return
	}
	if !s.rt.ClearError(a.ID) {
		writeJSONError(w, http.StatusConflict, "asset is not in error state: "+a.ID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResidencyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"budget_gb":    s.rt.BudgetGB(),
		"committed_gb": s.rt.CommittedGB(),
		"assets":       s.rt.StatusAll(),
	})
}

func (s *Server) handleResidencyGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.asset(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.rt.Status(a.ID))
}

func (s *Server) handleResidencySync(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.SyncServer(r.Context()); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": s.rt.StatusAll()})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.runner.Snapshot(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown task: "+id)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.runner.Cancel(id) {
		writeJSONError(w, http.StatusConflict, "task unknown or already finished: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleTaskForget(w http.ResponseWriter, r *http.Request) {
	s.runner.Forget(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVoicesList(w http.ResponseWriter, r *http.Request) {
	voices, err := s.voices.Voices(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req types.TrainRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	h, err := s.voices.Train(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.TaskResponse{TaskID: h.ID()})
}

func (s *Server) handleTrainJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.voices.Jobs()})
}

func (s *Server) handleTrainJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "voice")
	job, ok := s.voices.Job(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no training run for voice: "+name)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleTrainCancel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "voice")
	if !s.voices.Cancel(name) {
		writeJSONError(w, http.StatusConflict, "no live training run for voice: "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleChat forwards a chat request to the inference server. The model is
// an asset id; empty means whichever chat-capable asset is loaded.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	var a types.Asset
	if req.Model != "" {
		found, ok := s.cat.Find(req.Model)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "unknown asset: "+req.Model)
			return
		}
		a = found
	} else {
		found, ok := s.loadedAssetFor(types.CategoryChat, types.CategoryVisionChat)
		if !ok {
			writeJSONError(w, http.StatusConflict, "no chat asset is loaded")
			return
		}
		a = found
	}
	if s.rt.Status(a.ID).State != runtime.StateLoaded {
		writeJSONError(w, http.StatusConflict, "asset is not loaded: "+a.ID)
		return
	}

	if !req.Stream {
		content, err := s.inf.Chat(r.Context(), a.Runtime.APIModelID, req)
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": content})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	err := s.inf.ChatStream(r.Context(), a.Runtime.APIModelID, req, func(delta string) {
		b, _ := sonic.Marshal(map[string]string{"delta": delta})
		w.Write(append(b, '\n'))
		if flusher != nil {
			flusher.Flush()
		}
	})
	if err != nil && r.Context().Err() == nil {
		// Headers are gone; surface the failure as a final NDJSON line.
		b, _ := sonic.Marshal(map[string]string{"error": err.Error()})
		w.Write(append(b, '\n'))
	}
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req types.SpeechRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	a, ok := s.loadedAssetFor(types.CategorySpeechSynthesis)
	if !ok {
		writeJSONError(w, http.StatusConflict, "no speech synthesis asset is loaded")
		return
	}
	audio, err := s.voices.Synthesize(r.Context(), a.Runtime.APIModelID, req)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer audio.Close()
	w.Header().Set("Content-Type", "audio/wav")
	io.Copy(w, audio)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req types.TranscribeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	a, ok := s.loadedAssetFor(types.CategorySpeechRecognition)
	if !ok {
		writeJSONError(w, http.StatusConflict, "no speech recognition asset is loaded")
		return
	}
	text, err := s.inf.Transcribe(r.Context(), a.Runtime.APIModelID, req.AudioPath)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	var req types.ImageGenRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	a, ok := s.loadedAssetFor(types.CategoryImageGeneration)
	if !ok {
		writeJSONError(w, http.StatusConflict, "no image generation asset is loaded")
		return
	}
	img, err := s.inf.GenerateImage(r.Context(), a.Runtime.APIModelID, req.Prompt)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(img)
}
