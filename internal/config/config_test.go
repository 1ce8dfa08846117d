package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Setenv(databaseDSNEnv, "")
	t.Setenv(chatGPTAPIKeyEnv, "")
	t.Setenv(chatGPTModelEnv, "")

	cfg := Load()
	if cfg.Rewrite.BatchSize != 1 || cfg.Audit.BatchSize != 1 {
		t.Errorf("batch sizes = %d/%d, want 1/1", cfg.Rewrite.BatchSize, cfg.Audit.BatchSize)
	}
	if cfg.Budget.Limit() != 10000 {
		t.Errorf("budget limit = %d, want 10000", cfg.Budget.Limit())
	}
	if !cfg.Audit.AutoCorrect() {
		t.Error("auto-correct should default on")
	}
	if cfg.Rewrite.QuarantineWindow() != time.Hour {
		t.Errorf("quarantine window = %v", cfg.Rewrite.QuarantineWindow())
	}
	if cfg.ChatGPT.RewritePrompt == "" || cfg.ChatGPT.AuditPrompt == "" {
		t.Error("default prompts missing")
	}
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
database:
  dsn: postgres://pipeline@db/obits
budget:
  tokensPerMinute: 4000
  windowMinutes: 5
rewrite:
  batchSize: 3
audit:
  disableAutoCorrect: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(configPathEnv, path)
	t.Setenv(databaseDSNEnv, "")
	t.Setenv(chatGPTAPIKeyEnv, "")
	t.Setenv(chatGPTModelEnv, "")

	cfg := Load()
	if cfg.Database.DSN != "postgres://pipeline@db/obits" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Budget.Limit() != 20000 || cfg.Budget.Window() != 5*time.Minute {
		t.Errorf("budget = %d over %v", cfg.Budget.Limit(), cfg.Budget.Window())
	}
	if cfg.Rewrite.BatchSize != 3 {
		t.Errorf("rewrite batch = %d, want 3", cfg.Rewrite.BatchSize)
	}
	if cfg.Audit.AutoCorrect() {
		t.Error("disableAutoCorrect not honored")
	}
	// Untouched sections keep their defaults.
	if cfg.Audit.RequeueLimit != 2 {
		t.Errorf("requeue limit = %d, want default 2", cfg.Audit.RequeueLimit)
	}
}

func TestLoadEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
database:
  dsn: postgres://file@db/obits
chatgpt:
  model: file-model
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(configPathEnv, path)
	t.Setenv(databaseDSNEnv, "postgres://env@db/obits")
	t.Setenv(chatGPTAPIKeyEnv, "env-key")
	t.Setenv(chatGPTModelEnv, "env-model")

	cfg := Load()
	if cfg.Database.DSN != "postgres://env@db/obits" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.ChatGPT.Model != "env-model" || cfg.ChatGPT.APIKey != "env-key" {
		t.Errorf("chatgpt = %q / %q", cfg.ChatGPT.Model, cfg.ChatGPT.APIKey)
	}
}

func TestLoadUnreadableFileFallsBack(t *testing.T) {
	t.Setenv(configPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv(databaseDSNEnv, "")
	t.Setenv(chatGPTAPIKeyEnv, "")
	t.Setenv(chatGPTModelEnv, "")

	cfg := Load()
	if cfg.Rewrite.EstimateTokens != 1100 {
		t.Errorf("estimate = %d, want default", cfg.Rewrite.EstimateTokens)
	}
}
