package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.ComfyUI.BaseURL != "http://127.0.0.1:6006" {
		t.Errorf("unexpected default base_url: %s", cfg.ComfyUI.BaseURL)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Errorf("unexpected default max_iterations: %d", cfg.Agent.MaxIterations)
	}
	if cfg.Server.Port != 5200 {
		t.Errorf("unexpected default port: %d", cfg.Server.Port)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "llm:\n  model: test-model\nserver:\n  port: 9000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Model != "test-model" {
		t.Errorf("expected overridden model, got %s", cfg.LLM.Model)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected overridden port, got %d", cfg.Server.Port)
	}
	if cfg.LLM.MaxTokens != 8192 {
		t.Errorf("expected default max_tokens preserved, got %d", cfg.LLM.MaxTokens)
	}
	if cfg.Agent.SessionDB != "data/sessions.db" {
		t.Errorf("expected default session_db preserved, got %s", cfg.Agent.SessionDB)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test-123")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "llm:\n  api_key: ${TEST_LLM_KEY}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "sk-test-123" {
		t.Errorf("expected env-expanded api_key, got %q", cfg.LLM.APIKey)
	}
}

func TestLoadRetryAndWebTimeoutDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "llm:\n  retry_base_delay_ms: 500\nweb:\n  timeout: 10\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.RetryBaseDelayMS != 500 {
		t.Errorf("retry_base_delay_ms = %d, want 500", cfg.LLM.RetryBaseDelayMS)
	}
	if cfg.LLM.RetryMaxDelayMS != 60000 {
		t.Errorf("retry_max_delay_ms default = %d, want 60000", cfg.LLM.RetryMaxDelayMS)
	}
	if cfg.Web.TimeoutSeconds != 10 {
		t.Errorf("web timeout = %d, want 10", cfg.Web.TimeoutSeconds)
	}
}

func TestSaveTunablesMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "llm:\n  model: old-model\n  api_key: ${MY_KEY}\nserver:\n  port: 9000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.LLM.Model = "new-model"
	cfg.Agent.MaxIterations = 7
	if err := cfg.SaveTunables(); err != nil {
		t.Fatal(err)
	}

	// Untouched keys keep their on-disk form, including env references.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "${MY_KEY}") {
		t.Errorf("api_key env reference must survive save:\n%s", raw)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.LLM.Model != "new-model" {
		t.Errorf("model = %q, want new-model", reloaded.LLM.Model)
	}
	if reloaded.Agent.MaxIterations != 7 {
		t.Errorf("max_iterations = %d, want 7", reloaded.Agent.MaxIterations)
	}
	if reloaded.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000 preserved", reloaded.Server.Port)
	}
}

func TestSaveTunablesCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.LLM.MaxTokens = 4096
	if err := cfg.SaveTunables(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.LLM.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want 4096", reloaded.LLM.MaxTokens)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("llm: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml must error")
	}
}
