package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeGenerator returns a canned response and records the prompt it was
// given.
type fakeGenerator struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeGenerator) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeGenerator) GetModel() string { return "fake-model" }

func TestExtractGraph(t *testing.T) {
	gen := &fakeGenerator{
		response: `{"entities": [{"name": "John", "type": "person", "confidence": 0.95}, {"name": "Acme", "type": "organization", "confidence": 0.9}], "relationships": [{"from": "John", "to": "Acme", "predicate": "works_at", "confidence": 0.85}], "summary": "John works at Acme."}`,
	}
	ext := NewExtractor(gen)

	result, err := ext.ExtractGraph(context.Background(), "John works at Acme Corp as lead engineer.")
	if err != nil {
		t.Fatalf("ExtractGraph failed: %v", err)
	}

	if len(result.Entities) != 2 {
		t.Errorf("got %d entities, want 2", len(result.Entities))
	}
	if len(result.Relationships) != 1 {
		t.Errorf("got %d relationships, want 1", len(result.Relationships))
	}
	if result.Summary != "John works at Acme." {
		t.Errorf("unexpected summary: %q", result.Summary)
	}
	if result.TokensUsed <= 0 {
		t.Errorf("TokensUsed = %d, want > 0", result.TokensUsed)
	}

	if len(gen.prompts) != 1 {
		t.Fatalf("generator called %d times, want 1", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[0], "John works at Acme Corp") {
		t.Error("prompt does not contain the source text")
	}
}

func TestExtractGraphGeneratorError(t *testing.T) {
	wantErr := errors.New("connection refused")
	ext := NewExtractor(&fakeGenerator{err: wantErr})

	_, err := ext.ExtractGraph(context.Background(), "some text")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("error does not wrap generator error: %v", err)
	}
}

func TestExtractGraphUnparsableResponse(t *testing.T) {
	ext := NewExtractor(&fakeGenerator{response: `{"entities": [{"broken`})

	_, err := ext.ExtractGraph(context.Background(), "some text")
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestExtractFacts(t *testing.T) {
	gen := &fakeGenerator{
		response: `{"facts": [{"entity_name": "John", "entity_type": "person", "fact": "Leads the platform team", "confidence": 0.9}]}`,
	}
	ext := NewExtractor(gen)

	texts := []string{"John was promoted to team lead.", "John now runs the platform team."}
	facts, tokensUsed, err := ext.ExtractFacts(context.Background(), texts)
	if err != nil {
		t.Fatalf("ExtractFacts failed: %v", err)
	}

	if len(facts) != 1 {
		t.Fatalf("got %d facts, want 1", len(facts))
	}
	if facts[0].EntityName != "John" {
		t.Errorf("unexpected entity name: %q", facts[0].EntityName)
	}
	if tokensUsed <= 0 {
		t.Errorf("tokensUsed = %d, want > 0", tokensUsed)
	}

	for _, text := range texts {
		if !strings.Contains(gen.prompts[0], text) {
			t.Errorf("prompt missing statement %q", text)
		}
	}
}

func TestExtractorGetModel(t *testing.T) {
	ext := NewExtractor(&fakeGenerator{})
	if got := ext.GetModel(); got != "fake-model" {
		t.Errorf("GetModel() = %q, want %q", got, "fake-model")
	}
}
