package llm

import (
	"context"
	"fmt"

	"github.com/scrypster/recall/internal/tokens"
	"github.com/scrypster/recall/pkg/types"
)

// Extractor turns raw statements into structured graph knowledge by driving
// a TextGenerator with strict JSON prompts and parsing the responses. It is
// the single graph extraction provider used by both ingestion and
// consolidation.
type Extractor struct {
	gen TextGenerator
}

// NewExtractor creates an extractor on top of the given text generator.
func NewExtractor(gen TextGenerator) *Extractor {
	return &Extractor{gen: gen}
}

// ExtractGraph extracts entities and relationships from one statement.
// TokensUsed is filled with the combined prompt+response token estimate so
// callers can meter actual cost.
func (e *Extractor) ExtractGraph(ctx context.Context, text string) (*types.ExtractionResult, error) {
	prompt := GraphExtractionPrompt(text)

	raw, err := e.gen.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("extraction completion failed: %w", err)
	}

	result, err := ParseGraphExtraction(raw)
	if err != nil {
		return nil, fmt.Errorf("extraction response unparsable: %w", err)
	}

	result.TokensUsed = tokens.Estimate(prompt) + tokens.Estimate(raw)
	return result, nil
}

// ExtractFacts distills a batch of statements into durable entity-level
// facts for consolidation. The returned token count covers prompt+response.
func (e *Extractor) ExtractFacts(ctx context.Context, texts []string) ([]types.ConsolidationFact, int, error) {
	prompt := ConsolidationPrompt(texts)

	raw, err := e.gen.Complete(ctx, prompt)
	if err != nil {
		return nil, 0, fmt.Errorf("consolidation completion failed: %w", err)
	}

	facts, err := ParseConsolidationFacts(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("consolidation response unparsable: %w", err)
	}

	return facts, tokens.Estimate(prompt) + tokens.Estimate(raw), nil
}

// GetModel returns the underlying generator's model name.
func (e *Extractor) GetModel() string {
	return e.gen.GetModel()
}
