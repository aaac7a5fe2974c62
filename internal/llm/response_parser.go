package llm

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/scrypster/recall/pkg/types"
)

// graphExtractionResponse mirrors the JSON object requested by
// GraphExtractionPrompt.
type graphExtractionResponse struct {
	Entities      []types.ExtractedEntity       `json:"entities"`
	Relationships []types.ExtractedRelationship `json:"relationships"`
	Summary       string                        `json:"summary"`
}

// consolidationResponse mirrors the JSON object requested by
// ConsolidationPrompt.
type consolidationResponse struct {
	Facts []types.ConsolidationFact `json:"facts"`
}

// extractJSON extracts the first valid JSON object from a string that may
// contain extra text. This handles cases where LLMs add explanations
// before/after the JSON despite instructions.
func extractJSON(text string) string {
	// Remove common markdown code block markers
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text // No JSON found, return as-is and let parser fail
	}

	// Find the matching closing brace, ignoring braces inside strings.
	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			switch char {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return text // No complete JSON found, return as-is
}

// ParseGraphExtraction parses the graph extraction JSON and filters out
// invalid entries. Entities without a name or with an out-of-range confidence
// are skipped rather than failing the entire batch; relationships whose
// endpoints were filtered out are dropped. Returns an error only if the JSON
// itself is malformed.
func ParseGraphExtraction(jsonStr string) (*types.ExtractionResult, error) {
	cleanJSON := extractJSON(jsonStr)

	var resp graphExtractionResponse
	if err := json.Unmarshal([]byte(cleanJSON), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse extraction JSON: %w", err)
	}

	result := &types.ExtractionResult{Summary: strings.TrimSpace(resp.Summary)}

	kept := make(map[string]bool)
	for _, ent := range resp.Entities {
		ent.Name = strings.TrimSpace(ent.Name)
		ent.Type = strings.ToLower(strings.TrimSpace(ent.Type))
		if ent.Name == "" || ent.Type == "" {
			log.Printf("llm: skipping extracted entity with empty name or type")
			continue
		}
		if ent.Confidence < 0.0 || ent.Confidence > 1.0 {
			log.Printf("llm: skipping entity %q with out-of-range confidence %.2f", ent.Name, ent.Confidence)
			continue
		}
		key := ent.Name + "\x00" + ent.Type
		if kept[key] {
			// The extractor sometimes repeats an entity; keep the first.
			continue
		}
		kept[key] = true
		result.Entities = append(result.Entities, ent)
	}

	names := make(map[string]bool, len(result.Entities))
	for _, ent := range result.Entities {
		names[ent.Name] = true
	}

	for _, rel := range resp.Relationships {
		rel.From = strings.TrimSpace(rel.From)
		rel.To = strings.TrimSpace(rel.To)
		rel.Predicate = strings.TrimSpace(rel.Predicate)
		if rel.From == "" || rel.To == "" || rel.Predicate == "" {
			continue
		}
		if rel.Confidence < 0.0 || rel.Confidence > 1.0 {
			log.Printf("llm: skipping relationship %s→%s with out-of-range confidence %.2f", rel.From, rel.To, rel.Confidence)
			continue
		}
		if !names[rel.From] || !names[rel.To] {
			log.Printf("llm: skipping relationship %s→%s referencing unknown entity", rel.From, rel.To)
			continue
		}
		result.Relationships = append(result.Relationships, rel)
	}

	return result, nil
}

// ParseConsolidationFacts parses the consolidation JSON. Facts with an empty
// entity reference or out-of-range confidence are skipped. Returns an error
// only if the JSON itself is malformed.
func ParseConsolidationFacts(jsonStr string) ([]types.ConsolidationFact, error) {
	cleanJSON := extractJSON(jsonStr)

	var resp consolidationResponse
	if err := json.Unmarshal([]byte(cleanJSON), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse consolidation JSON: %w", err)
	}

	var facts []types.ConsolidationFact
	for _, f := range resp.Facts {
		f.EntityName = strings.TrimSpace(f.EntityName)
		f.EntityType = strings.ToLower(strings.TrimSpace(f.EntityType))
		f.Fact = strings.TrimSpace(f.Fact)
		if f.EntityName == "" || f.EntityType == "" || f.Fact == "" {
			continue
		}
		if f.Confidence < 0.0 || f.Confidence > 1.0 {
			log.Printf("llm: skipping fact for %q with out-of-range confidence %.2f", f.EntityName, f.Confidence)
			continue
		}
		facts = append(facts, f)
	}

	return facts, nil
}
