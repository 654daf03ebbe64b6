package config

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("GEMINI_API_KEY feeds both LLM and embedding", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gm-key")
		t.Setenv("ATELIER_LLM_API_KEY", "")
		t.Setenv("ATELIER_DB", "")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gm-key", cfg.LLM.APIKey)
		assert.Equal(t, "gm-key", cfg.Embedding.GenAIAPIKey)
	})

	t.Run("GEMINI_API_KEY does not clobber explicit embedding key", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gm-key")

		cfg := DefaultConfig()
		cfg.Embedding.GenAIAPIKey = "explicit"
		cfg.applyEnvOverrides()

		assert.Equal(t, "explicit", cfg.Embedding.GenAIAPIKey)
	})

	t.Run("ATELIER_LLM_API_KEY wins over GEMINI_API_KEY", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gm-key")
		t.Setenv("ATELIER_LLM_API_KEY", "atelier-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "atelier-key", cfg.LLM.APIKey)
	})

	t.Run("ATELIER_DB overrides database path", func(t *testing.T) {
		t.Setenv("ATELIER_DB", "/tmp/other.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/other.db", cfg.Library.DatabasePath)
	})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ATELIER_LLM_API_KEY", "")
	t.Setenv("ATELIER_DB", "")

	path := filepath.Join(t.TempDir(), ".atelier", "config.yaml")

	original := DefaultConfig()
	original.Library.SearchLimit = 25
	original.LLM.Model = "gemini-3-pro"
	require.NoError(t, original.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(original, loaded); diff != "" {
		t.Errorf("config round-trip mismatch (-saved +loaded):\n%s", diff)
	}
}
