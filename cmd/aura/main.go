// Aura is a multimodal visual assistant served to a web browser.
//
// Browsers submit text and camera or screen frames over HTTP, and
// replies arrive asynchronously on a per-client event stream (SSE or
// WebSocket) with optional synthesized speech. Inference runs against
// a local Ollama vision model. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]);
// without one, built-in defaults are used.
//
// Usage:
//
//	aura serve              Start the server
//	aura init [dir]         Initialize a working directory with defaults
//	aura version            Print version and build information
//	aura -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/aura/internal/api"
	"github.com/nugget/aura/internal/buildinfo"
	"github.com/nugget/aura/internal/config"
	"github.com/nugget/aura/internal/events"
	"github.com/nugget/aura/internal/llm"
	"github.com/nugget/aura/internal/metrics"
	"github.com/nugget/aura/internal/pipeline"
	"github.com/nugget/aura/internal/prompts"
	"github.com/nugget/aura/internal/search"
	"github.com/nugget/aura/internal/speech"
	"github.com/nugget/aura/internal/state"
	"github.com/nugget/aura/internal/web"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], which keeps os.Exit and os.Args out of the
// application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the aura command. Structured logs go
// to stdout; fatal errors are returned for main to print. Arguments are
// parsed by hand so run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Aura - Multimodal Visual Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aura [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/aura/config.yaml, /etc/aura/config.yaml")
	fmt.Fprintln(w, "  (built-in defaults when none is found)")
	return nil
}

// runServe handles the "aura serve" subcommand. It loads config, restores
// client state, wires the pipeline to its backends, and serves HTTP until
// a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context, which ends every open stream
//  2. The HTTP server stops accepting requests and drains handlers
//  3. In-flight interactions get a short grace period to finish
//  4. Client state is written one final time and the store is closed
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Aura", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	// A .env file is optional; its absence is the common case.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env", "error", err)
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logOut, closeLog, err := cfg.LogWriter(stdout)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	{
		// Validate has already accepted the level.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(logOut, level, cfg.LogFormat)
	}
	if cfgPath == "" {
		logger.Warn("no config file found, using defaults", "searched", config.DefaultSearchPaths())
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	m := metrics.New()

	// --- Client state ---
	backend, err := state.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer backend.Close()

	table := state.NewTable(state.Limits{History: cfg.Limits.History, Memory: cfg.Limits.Memory})
	persister := state.NewPersister(table, backend, logger)
	persister.OnSave = m.Save
	restored := persister.Load(ctx)
	logger.Info("client state loaded", "backend", cfg.Store.Backend, "path", cfg.Store.Path, "clients", restored)

	registry := events.NewRegistry(logger)
	registry.OnPublish = func(e events.Event, queued bool) { m.Event(e.Type, queued) }
	m.TrackClients(table.Clients)
	m.TrackQueues(registry.Count)

	// --- Search ---
	searchTimeout := time.Duration(cfg.Search.TimeoutSec) * time.Second
	searcher := search.NewManager(cfg.Search.Provider, search.Options{Count: cfg.Search.Count, Region: cfg.Search.Region})
	searcher.Register(search.NewDuckDuckGo(searchTimeout))
	if cfg.Search.SearXNG.URL != "" {
		searcher.Register(search.NewSearXNG(cfg.Search.SearXNG.URL, searchTimeout))
	}
	if cfg.Search.Brave.APIKey != "" {
		searcher.Register(search.NewBrave(cfg.Search.Brave.APIKey, searchTimeout))
	}
	logger.Info("web search enabled", "primary", searcher.Primary(), "providers", searcher.Providers())

	// --- Speech ---
	var renderer speech.Renderer = speech.Nop{}
	var speaker *speech.Speaker
	audioDir := ""
	if cfg.Speech.IsEnabled() {
		speaker, err = speech.New(speech.Config{
			BaseURL: cfg.Speech.BaseURL,
			APIKey:  cfg.Speech.APIKey,
			Model:   cfg.Speech.Model,
			Voice:   cfg.Speech.Voice,
			Timeout: time.Duration(cfg.Speech.TimeoutSec) * time.Second,
			Dir:     cfg.Speech.AudioDir,
			MaxAge:  time.Duration(cfg.Speech.MaxAgeSec) * time.Second,
		}, logger)
		if err != nil {
			logger.Warn("speech disabled", "error", err)
		} else {
			renderer = speaker
			audioDir = speaker.Dir()
			logger.Info("speech enabled", "base_url", cfg.Speech.BaseURL, "voice", cfg.Speech.Voice, "dir", audioDir)
		}
	} else {
		logger.Info("speech disabled (not configured)")
	}

	// --- Inference ---
	ollama := llm.NewOllamaClient(cfg.Ollama.URL, time.Duration(cfg.Ollama.TimeoutSec)*time.Second, logger)
	checkOllama(ctx, ollama, cfg.Ollama.Model, logger)

	persona, err := loadPersona(cfg.Persona)
	if err != nil {
		return err
	}

	pipe := pipeline.New(pipeline.Config{
		Model:          cfg.Ollama.Model,
		NumPredict:     cfg.Ollama.NumPredict,
		Temperature:    cfg.Ollama.Temperature,
		SearchCount:    cfg.Search.Count,
		RecentMemories: cfg.Limits.RecentMemories,
		Persona:        persona,
	}, pipeline.Deps{
		Table:    table,
		Events:   registry,
		LLM:      ollama,
		Searcher: searcher,
		Speech:   renderer,
		Saver:    persister,
		Metrics:  m,
		Logger:   logger,
	})

	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		AudioDir: audioDir,
	}, api.Deps{
		Table:    table,
		Events:   registry,
		Pipeline: pipe,
		Metrics:  m,
		Web: web.NewWebServer(web.Config{
			BrandName: cfg.Persona.Name,
			Version:   buildinfo.Version,
			Logger:    logger,
		}),
		Logger: logger,
	})

	if cfg.Listen.ShowQR {
		printJoinCode(stdout, cfg.Listen.Address, cfg.Listen.Port, logger)
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		if err := server.Drain(drainCtx); err != nil {
			logger.Warn("abandoning in-flight interactions", "error", err)
		}
		return nil
	})
	err = g.Wait()

	persister.Wait()
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer saveCancel()
	if saveErr := persister.Save(saveCtx); saveErr != nil {
		logger.Error("final state save failed", "error", saveErr)
	}
	if speaker != nil {
		speaker.Wait()
	}

	if err != nil {
		return err
	}
	logger.Info("Aura stopped")
	return nil
}

// checkOllama reports at startup whether the inference endpoint is
// reachable and has the configured model. Neither is fatal; requests
// made while Ollama is down get the inference failure reply.
func checkOllama(ctx context.Context, client *llm.OllamaClient, model string, logger *slog.Logger) {
	log := logger.With("url", client.BaseURL(), "model", model)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		log.Warn("ollama unreachable", "error", err)
		return
	}
	names, err := client.ListModels(pingCtx)
	if err != nil {
		log.Warn("failed to list ollama models", "error", err)
		return
	}
	if !llm.HasModel(names, model) {
		log.Warn("model not pulled; run `ollama pull` before the first request", "available", names)
		return
	}
	log.Info("ollama ready")
}

// loadPersona renders the system instruction block, reading the
// override file when one is configured.
func loadPersona(pc config.PersonaConfig) (string, error) {
	override := ""
	if pc.File != "" {
		data, err := os.ReadFile(pc.File)
		if err != nil {
			return "", fmt.Errorf("read persona file: %w", err)
		}
		override = string(data)
	}
	return prompts.Persona(pc.Name, override), nil
}

// printJoinCode prints the LAN URL and a terminal QR code of it so a
// phone on the same network can open the UI.
func printJoinCode(w io.Writer, address string, port int, logger *slog.Logger) {
	host := address
	if host == "" || host == "0.0.0.0" {
		host = lanAddress()
	}
	url := fmt.Sprintf("http://%s:%d/", host, port)

	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		logger.Warn("failed to render QR code", "url", url, "error", err)
		return
	}
	fmt.Fprintf(w, "\nOpen %s or scan:\n\n%s\n", url, qr.ToSmallString(false))
}

// lanAddress returns the local address used for outbound traffic, or
// localhost when there is no route. The UDP dial sends nothing.
func lanAddress() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	return "localhost"
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An explicit
// path must exist. When discovery finds nothing, defaults are returned
// with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
