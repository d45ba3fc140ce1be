package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/aura/internal/buildinfo"
	"github.com/nugget/aura/internal/config"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}, {"serve", "-help"}} {
		var out bytes.Buffer
		require.NoError(t, run(context.Background(), &out, io.Discard, args), "%v", args)
		assert.Contains(t, out.String(), "Usage: aura [flags] <command> [args]")
		assert.Contains(t, out.String(), "~/.config/aura/config.yaml")
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bogus"}, "unknown command: bogus"},
		{[]string{"--verbose"}, "unknown flag: --verbose"},
		{[]string{"-o", "yaml", "version"}, `unknown output format: "yaml"`},
		{[]string{"-config", "/nonexistent/aura.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		err := run(context.Background(), io.Discard, io.Discard, tt.args)
		require.Error(t, err, "%v", tt.args)
		assert.Contains(t, err.Error(), tt.want)
	}
}

func TestRun_VersionText(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, io.Discard, []string{"version"}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	assert.Equal(t, buildinfo.String(), lines[0])
	assert.Contains(t, out.String(), "version:")
	assert.Contains(t, out.String(), "go_version:")
}

func TestRun_VersionJSON(t *testing.T) {
	for _, flag := range [][]string{{"-o", "json"}, {"-o=json"}, {"--output=json"}, {"--output", "json"}} {
		var out bytes.Buffer
		args := append(append([]string{}, flag...), "version")
		require.NoError(t, run(context.Background(), &out, io.Discard, args), "%v", flag)

		var info map[string]string
		require.NoError(t, json.Unmarshal(out.Bytes(), &info), "%v", flag)
		assert.Equal(t, buildinfo.Version, info["version"])
	}
}

func TestRun_InitDefaultsToCurrentDir(t *testing.T) {
	t.Chdir(t.TempDir())

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, io.Discard, []string{"init"}))
	assert.FileExists(t, "config.yaml")
	assert.FileExists(t, "persona.md")
}

func TestLoadConfig_FallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OLLAMA_MODEL", "llava")
	if _, err := os.Stat("/etc/aura/config.yaml"); err == nil {
		t.Skip("system config present")
	}

	cfg, path, err := loadConfig("")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, 8000, cfg.Listen.Port)
	assert.Equal(t, "llava", cfg.Ollama.Model)
}

func TestLoadConfig_Explicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aura.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  port: 9123\npersona:\n  name: Nova\n"), 0o600))

	cfg, got, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, 9123, cfg.Listen.Port)
	assert.Equal(t, "Nova", cfg.Persona.Name)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aura.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: redis\n"), 0o600))

	_, _, err := loadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend")
}

func TestLoadPersona(t *testing.T) {
	builtin, err := loadPersona(config.PersonaConfig{Name: "Nova"})
	require.NoError(t, err)
	assert.Contains(t, builtin, "You are Nova")

	file := filepath.Join(t.TempDir(), "persona.md")
	require.NoError(t, os.WriteFile(file, []byte("I am {{name}}, a tea sommelier."), 0o644))
	custom, err := loadPersona(config.PersonaConfig{Name: "Nova", File: file})
	require.NoError(t, err)
	assert.Contains(t, custom, "I am Nova, a tea sommelier.")

	_, err = loadPersona(config.PersonaConfig{Name: "Nova", File: file + ".missing"})
	assert.Error(t, err)
}

func TestNewLogger_Formats(t *testing.T) {
	var text, js bytes.Buffer
	newLogger(&text, slog.LevelInfo, "text").Info("hello", "k", "v")
	newLogger(&js, slog.LevelInfo, "json").Info("hello", "k", "v")

	assert.Contains(t, text.String(), "msg=hello k=v")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])

	var quiet bytes.Buffer
	newLogger(&quiet, slog.LevelWarn, "text").Info("dropped")
	assert.Empty(t, quiet.String())
}

func TestPrintJoinCode(t *testing.T) {
	var out bytes.Buffer
	printJoinCode(&out, "192.168.1.20", 8000, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Contains(t, out.String(), "http://192.168.1.20:8000/")
	assert.Greater(t, strings.Count(out.String(), "\n"), 10, "expected a rendered code block")
}

// fakeOllama answers the two endpoints the server touches.
func fakeOllama(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"granite3.2-vision:latest"}]}`)
		case "/api/generate":
			_ = json.NewEncoder(w).Encode(map[string]any{"response": reply, "done": true})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRunServe_Lifecycle(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("OLLAMA_MODEL", "")
	t.Setenv("LOG_LEVEL", "")

	ollama := fakeOllama(t, "Noted. [MEMORIZE: the user drinks oolong]")
	dataDir := t.TempDir()
	port := freePort(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
listen:
  address: 127.0.0.1
  port: %d
data_dir: %s
ollama:
  url: %s
speech:
  enabled: false
log_level: debug
`, port, dataDir, ollama.URL)), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, io.Discard, io.Discard, []string{"-config", cfgPath, "serve"}) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/process", "application/json",
		strings.NewReader(`{"client_id":"tea","text":"remember my favourite tea is oolong"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/clients/tea/memory")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var listing struct {
			Count int `json:"count"`
		}
		return json.NewDecoder(resp.Body).Decode(&listing) == nil && listing.Count == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}

	saved, err := os.ReadFile(filepath.Join(dataDir, "aura_memory.json"))
	require.NoError(t, err)
	assert.Contains(t, string(saved), "the user drinks oolong")
	assert.Contains(t, string(saved), "remember my favourite tea is oolong")
}
