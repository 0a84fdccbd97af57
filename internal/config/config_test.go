package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/streamdesk/internal/config"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DEEPSEEK_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY",
		"STREAMDESK_BIND_ADDR", "STREAMDESK_LOG_LEVEL", "STREAMDESK_DRAIN_TIMEOUT_SECONDS",
		"STREAMDESK_PROMPTS_PATH", "STREAMDESK_LLM_PROVIDER",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromStreamdeskHome(t *testing.T) {
	clearProviderEnv(t)
	home := filepath.Join(t.TempDir(), "sd")
	writeConfig(t, home, "bind_addr: 127.0.0.1:9999\nhistory_runs: 3\n")
	t.Setenv("STREAMDESK_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if !cfg.FileFound {
		t.Fatalf("expected FileFound")
	}
	if cfg.BindAddr != "127.0.0.1:9999" || cfg.HistoryRuns != 3 {
		t.Fatalf("unexpected values: bind=%q history=%d", cfg.BindAddr, cfg.HistoryRuns)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	clearProviderEnv(t)
	home := filepath.Join(t.TempDir(), "empty")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FileFound {
		t.Fatalf("expected FileFound=false without config.yaml")
	}
	if cfg.BindAddr != config.DefaultBindAddr {
		t.Fatalf("expected default bind addr, got %q", cfg.BindAddr)
	}
	if cfg.LLM.Provider != "deepseek" || cfg.LLM.Model != "deepseek-chat" {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.HistoryRuns != 5 {
		t.Fatalf("expected history_runs=5, got %d", cfg.HistoryRuns)
	}
	if cfg.DrainTimeoutSeconds != 5 {
		t.Fatalf("expected drain timeout 5, got %d", cfg.DrainTimeoutSeconds)
	}
	if cfg.Retention.Schedule != "@every 1h" || cfg.Retention.Days != 30 {
		t.Fatalf("unexpected retention defaults: %+v", cfg.Retention)
	}
	if got := cfg.ResolvedPromptsPath(); got != filepath.Join(home, "prompts.yaml") {
		t.Fatalf("unexpected prompts path %q", got)
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home dir to be created: %v", err)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	clearProviderEnv(t)
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:1000\nlog_level: debug\nprompts_path: custom.yaml\n")
	t.Setenv("STREAMDESK_BIND_ADDR", "0.0.0.0:2000")
	t.Setenv("STREAMDESK_LOG_LEVEL", "warn")
	t.Setenv("STREAMDESK_DRAIN_TIMEOUT_SECONDS", "12")
	t.Setenv("DEEPSEEK_API_KEY", "ds-test-key")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:2000" {
		t.Fatalf("expected env bind addr, got %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env log level, got %q", cfg.LogLevel)
	}
	if cfg.DrainTimeoutSeconds != 12 {
		t.Fatalf("expected drain timeout 12, got %d", cfg.DrainTimeoutSeconds)
	}
	if got := cfg.ProviderAPIKey("deepseek"); got != "ds-test-key" {
		t.Fatalf("expected env api key, got %q", got)
	}
	if got := cfg.ResolvedPromptsPath(); got != filepath.Join(home, "custom.yaml") {
		t.Fatalf("relative prompts path not resolved against home: %q", got)
	}
}

func TestLoad_ProviderAliasAndModelDefault(t *testing.T) {
	clearProviderEnv(t)
	home := t.TempDir()
	writeConfig(t, home, "llm:\n  provider: Gemini\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("expected google, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("expected provider default model, got %q", cfg.LLM.Model)
	}
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	clearProviderEnv(t)
	home := t.TempDir()
	writeConfig(t, home, "llm:\n  provider: mystery\n")

	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "mystery") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestLoad_AuthValidation(t *testing.T) {
	clearProviderEnv(t)
	cases := map[string]string{
		"enabled without keys": "auth:\n  enabled: true\n",
		"empty key":            "auth:\n  keys:\n    - name: a\n      key: \"\"\n",
		"duplicate key":        "auth:\n  keys:\n    - {name: a, key: k1}\n    - {name: b, key: k1}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoad_AuthKeysCarryUser(t *testing.T) {
	clearProviderEnv(t)
	home := t.TempDir()
	writeConfig(t, home, "auth:\n  enabled: true\n  keys:\n    - name: laptop\n      key: k-123\n      user: \" alice \"\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Auth.Keys) != 1 || cfg.Auth.Keys[0].User != "alice" {
		t.Fatalf("unexpected keys: %+v", cfg.Auth.Keys)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	clearProviderEnv(t)
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: [unterminated\n")
	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestProviderAPIKey_EnvBeatsYAML(t *testing.T) {
	clearProviderEnv(t)
	cfg := config.Config{Providers: map[string]config.ProviderConfig{"openai": {APIKey: "yaml-key"}}}
	if got := cfg.ProviderAPIKey("openai"); got != "yaml-key" {
		t.Fatalf("expected yaml key, got %q", got)
	}
	t.Setenv("OPENAI_API_KEY", "env-key")
	if got := cfg.ProviderAPIKey("openai"); got != "env-key" {
		t.Fatalf("expected env key, got %q", got)
	}
	if got := cfg.ProviderAPIKey("unknown"); got != "" {
		t.Fatalf("expected empty key, got %q", got)
	}
}

func TestProviderBaseURL(t *testing.T) {
	cfg := config.Config{
		LLM:       config.LLMConfig{Provider: "deepseek", BaseURL: "https://proxy.local/v1"},
		Providers: map[string]config.ProviderConfig{"openai": {BaseURL: "https://oai.local/v1"}},
	}
	if got := cfg.ProviderBaseURL("deepseek"); got != "https://proxy.local/v1" {
		t.Fatalf("unexpected deepseek base url %q", got)
	}
	if got := cfg.ProviderBaseURL("openai"); got != "https://oai.local/v1" {
		t.Fatalf("unexpected openai base url %q", got)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := config.Config{BindAddr: "127.0.0.1:1", LogLevel: "info", HistoryRuns: 5}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable")
	}
	b.HistoryRuns = 2
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint should change with history_runs")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}
