package llm

import (
	"fmt"

	"github.com/scrypster/recall/internal/config"
)

// NewTextGenerator creates the appropriate TextGenerator based on LLM config.
// The returned generator is rate limited per config.RatePerSecond.
func NewTextGenerator(cfg config.LLMConfig) (TextGenerator, error) {
	var gen TextGenerator

	switch cfg.Provider {
	case "openai":
		gen = NewOpenAIClient(OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, Timeout: cfg.Timeout})
	case "ollama", "":
		gen = NewOllamaClient(OllamaConfig{BaseURL: cfg.OllamaURL, Model: cfg.OllamaModel, Timeout: cfg.Timeout})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}

	if cfg.RatePerSecond > 0 {
		gen = NewRateLimitedText(gen, cfg.RatePerSecond)
	}
	return gen, nil
}

// NewEmbeddingGenerator creates the appropriate EmbeddingGenerator, rate
// limited per config.RatePerSecond.
func NewEmbeddingGenerator(cfg config.LLMConfig) (EmbeddingGenerator, error) {
	var gen EmbeddingGenerator

	switch cfg.Provider {
	case "openai":
		gen = NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.EmbeddingModel, Timeout: cfg.Timeout})
	case "ollama", "":
		gen = NewOllamaClient(OllamaConfig{BaseURL: cfg.OllamaURL, Model: cfg.EmbeddingModel, Timeout: cfg.Timeout})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}

	if cfg.RatePerSecond > 0 {
		gen = NewRateLimitedEmbedding(gen, cfg.RatePerSecond)
	}
	return gen, nil
}
