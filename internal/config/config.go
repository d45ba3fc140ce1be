// Package config handles Aura configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aura/config.yaml, /etc/aura/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aura", "config.yaml"))
	}

	paths = append(paths, "/etc/aura/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// ErrNoConfig is returned by FindConfig when no explicit path was given
// and none of the default locations holds a config file.
var ErrNoConfig = errors.New("no config file found")

// Config holds all Aura configuration.
type Config struct {
	Listen    ListenConfig  `yaml:"listen"`
	Ollama    OllamaConfig  `yaml:"ollama"`
	Search    SearchConfig  `yaml:"search"`
	Speech    SpeechConfig  `yaml:"speech"`
	Store     StoreConfig   `yaml:"store"`
	Persona   PersonaConfig `yaml:"persona"`
	Limits    LimitsConfig  `yaml:"limits"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
	LogFile   LogFileConfig `yaml:"log_file"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// ShowQR prints a terminal QR code of the LAN URL at startup so a
	// phone browser can join with its camera.
	ShowQR bool `yaml:"show_qr"`
}

// OllamaConfig defines the inference endpoint.
type OllamaConfig struct {
	URL         string  `yaml:"url"`
	Model       string  `yaml:"model"`
	TimeoutSec  int     `yaml:"timeout_sec"`
	NumPredict  int     `yaml:"num_predict"`
	Temperature float64 `yaml:"temperature"`
}

// SearchConfig selects and configures the web search backend.
type SearchConfig struct {
	Provider   string        `yaml:"provider"` // duckduckgo, searxng, brave
	Count      int           `yaml:"count"`
	Region     string        `yaml:"region"`
	TimeoutSec int           `yaml:"timeout_sec"`
	SearXNG    SearXNGConfig `yaml:"searxng"`
	Brave      BraveConfig   `yaml:"brave"`
}

// SearXNGConfig holds configuration for the SearXNG provider.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds configuration for the Brave Search provider.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// SpeechConfig defines the OpenAI-compatible text-to-speech backend.
type SpeechConfig struct {
	// Enabled defaults to true when omitted.
	Enabled    *bool  `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Voice      string `yaml:"voice"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// MaxAgeSec is how long rendered audio files are kept on disk.
	MaxAgeSec int    `yaml:"max_age_sec"`
	AudioDir  string `yaml:"audio_dir"`
}

// IsEnabled reports whether speech rendering is on. An omitted
// enabled key means on.
func (s SpeechConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StoreConfig selects the persistence backend for client state.
type StoreConfig struct {
	Backend string `yaml:"backend"` // json (default) or sqlite
	Path    string `yaml:"path"`
}

// PersonaConfig names the assistant persona used in the system prompt.
type PersonaConfig struct {
	Name string `yaml:"name"`
	// File, when set, replaces the built-in persona instructions with
	// the contents of a markdown file. {{name}} is substituted.
	File string `yaml:"file"`
}

// LimitsConfig bounds the per-client state kept in memory and on disk.
type LimitsConfig struct {
	History        int `yaml:"history"`
	Memory         int `yaml:"memory"`
	RecentMemories int `yaml:"recent_memories"`
}

// LogFileConfig enables an optional rotating log file in addition to
// stdout.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from a YAML file, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration with environment overrides
// applied. It is used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.ApplyEnv()
	return cfg
}

// applyDefaults fills zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = "granite3.2-vision"
	}
	if c.Ollama.TimeoutSec == 0 {
		c.Ollama.TimeoutSec = 90
	}
	if c.Ollama.NumPredict == 0 {
		c.Ollama.NumPredict = 350
	}
	if c.Ollama.Temperature == 0 {
		c.Ollama.Temperature = 0.2
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "duckduckgo"
	}
	if c.Search.Count == 0 {
		c.Search.Count = 3
	}
	if c.Search.Region == "" {
		c.Search.Region = "us-en"
	}
	if c.Search.TimeoutSec == 0 {
		c.Search.TimeoutSec = 15
	}
	if c.Speech.BaseURL == "" {
		c.Speech.BaseURL = "http://localhost:8880/v1"
	}
	if c.Speech.Model == "" {
		c.Speech.Model = "tts-1"
	}
	if c.Speech.Voice == "" {
		c.Speech.Voice = "en-US-JennyNeural"
	}
	if c.Speech.TimeoutSec == 0 {
		c.Speech.TimeoutSec = 30
	}
	if c.Speech.MaxAgeSec == 0 {
		c.Speech.MaxAgeSec = 600
	}
	if c.Speech.AudioDir == "" {
		c.Speech.AudioDir = filepath.Join(c.DataDir, "static_audio")
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "json"
	}
	if c.Store.Path == "" {
		if c.Store.Backend == "sqlite" {
			c.Store.Path = filepath.Join(c.DataDir, "aura_memory.db")
		} else {
			c.Store.Path = filepath.Join(c.DataDir, "aura_memory.json")
		}
	}
	if c.Persona.Name == "" {
		c.Persona.Name = "Aura"
	}
	if c.Limits.History == 0 {
		c.Limits.History = 20
	}
	if c.Limits.Memory == 0 {
		c.Limits.Memory = 50
	}
	if c.Limits.RecentMemories == 0 {
		c.Limits.RecentMemories = 5
	}
	if c.LogFile.MaxSizeMB == 0 {
		c.LogFile.MaxSizeMB = 50
	}
	if c.LogFile.MaxBackups == 0 {
		c.LogFile.MaxBackups = 3
	}
	if c.LogFile.MaxAgeDays == 0 {
		c.LogFile.MaxAgeDays = 28
	}
}

// ApplyEnv honors the environment variables the server has always
// recognized: OLLAMA_HOST, OLLAMA_MODEL, and LOG_LEVEL. They win over
// the file so a one-off override needs no config edit.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("OLLAMA_HOST")); v != "" {
		c.Ollama.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("OLLAMA_MODEL")); v != "" {
		c.Ollama.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	switch c.Store.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown store.backend %q (valid: json, sqlite)", c.Store.Backend)
	}
	switch c.Search.Provider {
	case "duckduckgo":
	case "searxng":
		if c.Search.SearXNG.URL == "" {
			return fmt.Errorf("search.provider is searxng but search.searxng.url is empty")
		}
	case "brave":
		if c.Search.Brave.APIKey == "" {
			return fmt.Errorf("search.provider is brave but search.brave.api_key is empty")
		}
	default:
		return fmt.Errorf("unknown search.provider %q (valid: duckduckgo, searxng, brave)", c.Search.Provider)
	}
	if c.Search.Count < 1 {
		return fmt.Errorf("search.count must be positive, got %d", c.Search.Count)
	}
	if c.Limits.History < 1 || c.Limits.Memory < 1 || c.Limits.RecentMemories < 0 {
		return fmt.Errorf("limits must be positive (history=%d memory=%d recent_memories=%d)",
			c.Limits.History, c.Limits.Memory, c.Limits.RecentMemories)
	}
	if c.Ollama.Temperature < 0 || c.Ollama.Temperature > 2 {
		return fmt.Errorf("ollama.temperature %.2f out of range [0, 2]", c.Ollama.Temperature)
	}
	return nil
}
