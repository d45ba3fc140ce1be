// Package api implements Aura's HTTP surface: interaction intake, the
// per-client event streams (SSE and WebSocket), rendered audio, and
// operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aura/internal/buildinfo"
	"github.com/nugget/aura/internal/events"
	"github.com/nugget/aura/internal/metrics"
	"github.com/nugget/aura/internal/pipeline"
	"github.com/nugget/aura/internal/prompts"
	"github.com/nugget/aura/internal/speech"
	"github.com/nugget/aura/internal/state"
	"github.com/nugget/aura/internal/web"
)

// MaxRequestBytes bounds a /process body. Webcam frames arrive as
// base64 data URIs, so this is well above a typical frame.
const MaxRequestBytes = 20 << 20

// DefaultPingInterval is how often an idle stream gets a keep-alive.
const DefaultPingInterval = 15 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner executes one interaction. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request)
}

// Config holds listener and stream settings.
type Config struct {
	Address string
	Port    int
	// AudioDir is where rendered speech files live; empty disables
	// /static/audio.
	AudioDir     string
	PingInterval time.Duration
}

// Deps are the shared services the handlers use. Metrics and Web are
// optional.
type Deps struct {
	Table    *state.Table
	Events   *events.Registry
	Pipeline Runner
	Metrics  *metrics.Metrics
	Web      *web.WebServer
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	table    *state.Table
	events   *events.Registry
	pipeline Runner
	metrics  *metrics.Metrics
	web      *web.WebServer
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server

	// inflight tracks pipeline goroutines spawned by /process.
	inflight sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		table:    deps.Table,
		events:   deps.Events,
		pipeline: deps.Pipeline,
		metrics:  deps.Metrics,
		web:      deps.Web,
		logger:   logger.With("component", "api"),
	}
}

// Handler builds the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Interaction intake and delivery
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("GET /stream/{client_id}", s.handleStream)
	mux.HandleFunc("GET /ws/{client_id}", s.handleWebSocket)
	if s.cfg.AudioDir != "" {
		mux.HandleFunc("GET /static/audio/{file}", s.handleAudio)
	}

	// Inspection
	mux.HandleFunc("GET /v1/clients/{client_id}/memory", s.handleMemory)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	if s.web != nil {
		s.web.RegisterRoutes(mux)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Cancelling ctx cancels every
// open stream, which lets Shutdown complete.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Streams push their own deadline forward on every write.
		WriteTimeout: 2 * s.cfg.PingInterval,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Drain waits for in-flight interactions to finish or ctx to end.
// Interactions still running when ctx ends are abandoned.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processAck is the immediate reply to a submission.
type processAck struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)

	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.Request(false)
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		s.metrics.Request(false)
		s.errorResponse(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if req.ImageSource == "" {
		req.ImageSource = prompts.NoImageSource
	}

	s.table.Ensure(req.ClientID)
	// A request can beat its stream; open the queue so the reply waits.
	s.events.Open(req.ClientID)
	s.metrics.Request(true)

	s.logger.Info("interaction received",
		"client_id", req.ClientID,
		"image_source", req.ImageSource,
		"has_text", req.Text != "",
		"has_image", req.Image != "",
	)

	ctx := context.WithoutCancel(r.Context())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.pipeline.Run(ctx, req)
	}()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, processAck{Status: "processing", Message: "Request received."}, s.logger)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if !strings.HasPrefix(name, speech.FilePrefix) || filepath.Ext(name) != speech.FileExt ||
		strings.ContainsAny(name, `/\`) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filepath.Join(s.cfg.AudioDir, name))
}

// memoryListing is the read-only view of a client's long-term memory.
type memoryListing struct {
	ClientID string              `json:"client_id"`
	Count    int                 `json:"count"`
	Memory   []state.MemoryEntry `json:"memory"`
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("client_id")
	entries, ok := s.table.Memories(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown client")
		return
	}
	if entries == nil {
		entries = []state.MemoryEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, memoryListing{ClientID: id, Count: len(entries), Memory: entries}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":      "healthy",
		"clients":     s.table.Clients(),
		"open_queues": s.events.Count(),
		"uptime":      buildinfo.Uptime().Round(time.Second).String(),
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	}, s.logger)
}
