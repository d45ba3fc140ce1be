// Package speech renders assistant replies to audio files through an
// OpenAI-compatible /audio/speech endpoint and serves them from a local
// directory. Old files are swept after each render.
package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nugget/aura/internal/directive"
	"github.com/nugget/aura/internal/httpkit"
)

// URLPrefix is the path rendered files are served under.
const URLPrefix = "/static/audio/"

// FilePrefix and FileExt name rendered files: aura_tts_<uuid>.mp3.
const (
	FilePrefix = "aura_tts_"
	FileExt    = ".mp3"
)

// Renderer turns display text into a reference to an audio resource.
// An empty URL with a nil error means there was nothing to say.
type Renderer interface {
	Render(ctx context.Context, text string) (url string, err error)
}

// Nop is a Renderer that never produces audio.
type Nop struct{}

// Render always returns "".
func (Nop) Render(context.Context, string) (string, error) { return "", nil }

// Config configures a Speaker.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Voice   string
	Timeout time.Duration
	// Dir holds rendered files; it is created if missing.
	Dir string
	// MaxAge is how long rendered files are kept. Zero disables
	// sweeping.
	MaxAge time.Duration
}

// Speaker renders speech with an OpenAI-compatible API.
type Speaker struct {
	client openai.Client
	model  string
	voice  string
	dir    string
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time

	sweeping atomic.Bool
	wg       sync.WaitGroup
}

// New creates a Speaker and its output directory.
func New(cfg Config, logger *slog.Logger) (*Speaker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio directory: %w", err)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// Local speech servers ignore the key but the SDK requires one.
		apiKey = "unused"
	}
	client := openai.NewClient(
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout))),
		option.WithMaxRetries(0),
	)

	return &Speaker{
		client: client,
		model:  cfg.Model,
		voice:  cfg.Voice,
		dir:    cfg.Dir,
		maxAge: cfg.MaxAge,
		logger: logger.With("component", "speech"),
		now:    time.Now,
	}, nil
}

// Dir returns the directory rendered files are written to.
func (s *Speaker) Dir() string { return s.dir }

// Render synthesizes text with any directive tags removed. Text that is
// empty after stripping produces no request and no file.
func (s *Speaker) Render(ctx context.Context, text string) (string, error) {
	input := directive.Strip(text)
	if input == "" {
		return "", nil
	}

	start := time.Now()
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(s.model),
		Input:          input,
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return "", fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("speech request: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	name := FilePrefix + uuid.NewString() + FileExt
	if err := s.write(name, resp.Body); err != nil {
		return "", err
	}

	s.logger.Debug("speech rendered", "file", name, "chars", len(input), "elapsed", time.Since(start))
	s.sweepAsync()
	return URLPrefix + name, nil
}

func (s *Speaker) write(name string, r io.Reader) error {
	tmp, err := os.CreateTemp(s.dir, ".render-*")
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write audio file: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("write audio file: empty response body")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("write audio file: %w", err)
	}
	return nil
}

func (s *Speaker) sweepAsync() {
	if s.maxAge <= 0 || !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sweeping.Store(false)
		s.Sweep()
	}()
}

// Sweep removes rendered files older than the configured max age and
// returns how many were removed. Errors on individual files are logged
// and skipped.
func (s *Speaker) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("audio sweep failed", "error", err)
		return 0
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove audio file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Debug("audio files swept", "removed", removed)
	}
	return removed
}

// Wait blocks until any background sweep has finished.
func (s *Speaker) Wait() { s.wg.Wait() }
