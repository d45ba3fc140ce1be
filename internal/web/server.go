// Package web serves the browser client for Aura: a single page that
// captures webcam, screen, or uploaded images, posts interactions, and
// listens on the client's event stream.
package web

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
)

//go:embed static/*
var staticFiles embed.FS

//go:embed templates/*.html
var templateFiles embed.FS

// Config holds what the page template needs.
type Config struct {
	BrandName string
	Version   string
	Logger    *slog.Logger
}

// PageData is the template context for the index page.
type PageData struct {
	BrandName string
	Version   string
}

// WebServer renders the page and serves its assets.
type WebServer struct {
	brandName string
	version   string
	index     *template.Template
	assets    http.Handler
	logger    *slog.Logger
}

// NewWebServer parses the embedded template. Panics on template syntax
// errors so that startup fails fast.
func NewWebServer(cfg Config) *WebServer {
	if cfg.BrandName == "" {
		cfg.BrandName = "Aura"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return &WebServer{
		brandName: cfg.BrandName,
		version:   cfg.Version,
		index:     template.Must(template.ParseFS(templateFiles, "templates/index.html")),
		assets:    http.StripPrefix("/assets/", http.FileServer(http.FS(subFS))),
		logger:    cfg.Logger,
	}
}

// RegisterRoutes adds the page at "/" and its assets under "/assets/".
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /assets/", s.assets)
}

func (s *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.index.Execute(&buf, PageData{BrandName: s.brandName, Version: s.version}); err != nil {
		s.logger.Error("template execution failed", "template", "index.html", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debug("failed to write page", "error", err)
	}
}
