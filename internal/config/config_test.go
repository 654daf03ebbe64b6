package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if cfg.Library.AutoReuseThreshold != 0.875 {
		t.Errorf("auto_reuse_threshold = %v, want default 0.875", cfg.Library.AutoReuseThreshold)
	}
	if cfg.Library.CoherenceBudget != 2 {
		t.Errorf("coherence_budget = %v, want default 2", cfg.Library.CoherenceBudget)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "library:\n  database_path: /tmp/lib.db\n  coherence_budget: 4\nllm:\n  provider: ollama\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Library.DatabasePath != "/tmp/lib.db" {
		t.Errorf("database_path = %q", cfg.Library.DatabasePath)
	}
	if cfg.Library.CoherenceBudget != 4 {
		t.Errorf("coherence_budget = %d, want 4", cfg.Library.CoherenceBudget)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("provider = %q", cfg.LLM.Provider)
	}
}

func TestEnvOverrideAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Errorf("LLM api key = %q, want env value", cfg.LLM.APIKey)
	}
	if cfg.Embedding.GenAIAPIKey != "test-key" {
		t.Errorf("embedding genai key should inherit env value, got %q", cfg.Embedding.GenAIAPIKey)
	}
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Library.SplitMinCohesion = 0.5 // below split threshold
	if err := cfg.Validate(); err == nil {
		t.Error("split_min_cohesion below split_threshold must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Library.SearchThreshold = 0.9 // above auto-reuse
	if err := cfg.Validate(); err == nil {
		t.Error("search_threshold above auto_reuse_threshold must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Library.MergeThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("out-of-range threshold must fail validation")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if d := cfg.GetCoherenceCooldown(); d.Minutes() != 5 {
		t.Errorf("cooldown = %v, want 5m", d)
	}

	cfg.Library.CoherenceCooldown = "garbage"
	if d := cfg.GetCoherenceCooldown(); d.Minutes() != 5 {
		t.Errorf("bad duration should fall back to 5m, got %v", d)
	}
}
