// Package oracle wraps the external LLM decision functions the library graph
// depends on: outlining a submission into children, judging a piece against
// retrieved candidates, extracting atoms from a molecule, and describing a
// synthetic family parent. The oracle owns the prompt/JSON contracts; the
// callers own what to do with the answers.
package oracle

import (
	"context"
	"fmt"

	"atelier/internal/config"
)

// LLMClient is the minimal completion interface the oracle needs.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewClient creates an LLM client for the configured provider.
func NewClient(cfg config.LLMConfig) (LLMClient, error) {
	switch cfg.Provider {
	case "gemini", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		return NewGeminiClient(GeminiConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: parseTimeout(cfg.Timeout),
		}), nil
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'gemini' or 'ollama')", cfg.Provider)
	}
}
