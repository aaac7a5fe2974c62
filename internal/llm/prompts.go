// Package llm provides embedding and graph extraction provider integration.
// It includes strict JSON-only prompt templates and response parsers that
// work with Ollama and OpenAI models.
package llm

import (
	"fmt"
	"strings"
)

// GraphExtractionPrompt generates a strict JSON-only prompt that extracts
// entities and directed relationships from one statement in a single call.
//
// The prompt asks for an object (never a bare array) so the balanced-brace
// scanner in the response parser can recover it from chatty model output.
func GraphExtractionPrompt(text string) string {
	return fmt.Sprintf(`TASK: Extract entities and relationships from text.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks. NO ARRAY - MUST BE OBJECT.

ENTITY TYPES:
- person: Individual human
- organization: Company/institution/group entity
- location: Place, city, country, or region
- concept: Idea, principle, or theory
- tool: Software, library, framework, technology
- project: Specific initiative/product/named work

REQUIRED JSON STRUCTURE:
Your response MUST start with { and end with }
"entities": array of {name, type, description, confidence}
"relationships": array of {from, to, predicate, confidence} where from/to reference entity names
"summary": one-sentence compressed form of the statement

Example structure (EXACT FORMAT REQUIRED):
{
  "entities": [
    {"name":"Alice","type":"person","description":"Works at Google","confidence":0.95},
    {"name":"Google","type":"organization","description":"Tech company","confidence":0.95}
  ],
  "relationships": [
    {"from":"Alice","to":"Google","predicate":"works_at","confidence":0.9}
  ],
  "summary": "Alice works at Google."
}

RULES:
- Confidence between 0.0 and 1.0
- Relationships are directed: from is the subject, to is the object
- Skip relationships whose endpoints are not in the entities array
- Empty arrays are valid when nothing is found

TEXT:
%s

JSON:`, text)
}

// ConsolidationPrompt generates a strict JSON-only prompt that distills a
// batch of statements into durable entity-level facts. Facts reference
// already-known entities by (name, type); consolidation drops facts about
// unknown entities instead of creating them.
func ConsolidationPrompt(texts []string) string {
	var b strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}

	return fmt.Sprintf(`TASK: Compact raw statements into durable entity facts.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks.

Read all statements, merge repeated information, and produce one fact per
stable piece of knowledge about a named entity.

REQUIRED JSON STRUCTURE:
Your response MUST start with { and end with }
"facts": array of {entity_name, entity_type, fact, confidence}

Example structure (EXACT FORMAT REQUIRED):
{
  "facts": [
    {"entity_name":"Alice","entity_type":"person","fact":"Leads the payments team","confidence":0.9}
  ]
}

RULES:
- entity_type is one of: person, organization, location, concept, tool, project
- fact is a single declarative sentence
- Confidence between 0.0 and 1.0
- Prefer fewer, stronger facts over many weak ones

STATEMENTS:
%s
JSON:`, b.String())
}
