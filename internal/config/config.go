package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBindAddr is the loopback address the desktop client expects.
const DefaultBindAddr = "127.0.0.1:18080"

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. a DeepSeek proxy)
}

// LLMConfig selects the generation backend.
type LLMConfig struct {
	// Provider is one of "deepseek", "openai", "anthropic", "google" or "echo".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	// SystemPrompt replaces the built-in instruction sent before each request.
	SystemPrompt string `yaml:"system_prompt"`
}

// APIKeyEntry is one accepted gateway key. User pins every request made with
// the key to that user id.
type APIKeyEntry struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
	User string `yaml:"user"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RetentionConfig controls the history purge job. Days <= 0 keeps runs forever.
type RetentionConfig struct {
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr    string `yaml:"bind_addr"`
	LogLevel    string `yaml:"log_level"`
	PromptsPath string `yaml:"prompts_path"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// Bounded drain timeout (seconds) for in-flight streams on shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// HistoryRuns is how many completed runs per user are replayed as context.
	HistoryRuns int `yaml:"history_runs"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Retention RetentionConfig `yaml:"retention"`

	// FileFound is false when config.yaml did not exist and defaults were used.
	FileFound bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml in the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// ResolvedPromptsPath returns the prompt catalog path. Relative paths are
// resolved against HomeDir; empty means <home>/prompts.yaml.
func (c Config) ResolvedPromptsPath() string {
	p := strings.TrimSpace(c.PromptsPath)
	if p == "" {
		return filepath.Join(c.HomeDir, "prompts.yaml")
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(c.HomeDir, p)
	}
	return p
}

// Fingerprint returns a stable hash of the settings that affect request handling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|prompts=%s|provider=%s|model=%s|history=%d|auth=%t|origins=%v",
		c.BindAddr, c.LogLevel, c.ResolvedPromptsPath(), c.LLM.Provider, c.LLM.Model, c.HistoryRuns, c.Auth.Enabled, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            DefaultBindAddr,
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		HistoryRuns:         5,
		MaxBodyBytes:        1 << 20,
		LLM: LLMConfig{
			Provider: "deepseek",
			Model:    "deepseek-chat",
		},
		Retention: RetentionConfig{
			Days:     30,
			Schedule: "@every 1h",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("STREAMDESK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".streamdesk")
}

// Load reads config.yaml from HomeDir(), applies env overrides and fills defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create streamdesk home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else {
		cfg.FileFound = true
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config.yaml: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.HistoryRuns < 0 {
		cfg.HistoryRuns = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "":
		cfg.LLM.Provider = "deepseek"
	case "gemini", "googleai":
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModel(cfg.LLM.Provider)
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "@every 1h"
	}
	for i := range cfg.Auth.Keys {
		cfg.Auth.Keys[i].User = strings.TrimSpace(cfg.Auth.Keys[i].User)
	}
}

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "deepseek", "openai", "anthropic", "google", "echo":
	default:
		return fmt.Errorf("llm.provider %q is not supported", cfg.LLM.Provider)
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		return fmt.Errorf("auth.enabled requires at least one key")
	}
	seen := make(map[string]bool, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("auth key %q has an empty value", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("auth key %q is duplicated", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "anthropic":
		return "claude-haiku-4-5"
	case "google":
		return "gemini-2.5-flash"
	case "echo":
		return "echo"
	default:
		return "deepseek-chat"
	}
}

// ProviderAPIKey returns the key for provider, checking env vars before config.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar, ok := providerKeyEnv[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderBaseURL returns the endpoint override for provider, if any.
func (c Config) ProviderBaseURL(provider string) string {
	if provider == c.LLM.Provider && c.LLM.BaseURL != "" {
		return c.LLM.BaseURL
	}
	if p, ok := c.Providers[provider]; ok {
		return p.BaseURL
	}
	return ""
}

var providerKeyEnv = map[string]string{
	"deepseek":  "DEEPSEEK_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"google":    "GEMINI_API_KEY",
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STREAMDESK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STREAMDESK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STREAMDESK_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("STREAMDESK_PROMPTS_PATH"); raw != "" {
		cfg.PromptsPath = raw
	}
	if raw := os.Getenv("STREAMDESK_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	for provider, envVar := range providerKeyEnv {
		if raw := os.Getenv(envVar); raw != "" {
			if cfg.Providers == nil {
				cfg.Providers = make(map[string]ProviderConfig)
			}
			p := cfg.Providers[provider]
			p.APIKey = raw
			cfg.Providers[provider] = p
		}
	}
}
