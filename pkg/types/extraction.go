package types

// ExtractedEntity is a single entity produced by the graph extraction
// provider for one statement. Name and Type form the merge key against the
// entity table.
type ExtractedEntity struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence"`
	Importance  float64 `json:"importance,omitempty"`
}

// ExtractedRelationship is a single directed edge produced by the graph
// extraction provider. From and To reference extracted entity names; they are
// resolved to entity rows at write time.
type ExtractedRelationship struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Predicate  string  `json:"predicate"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the full structured output of one graph extraction
// call. TokensUsed is reported by the provider when available and used for
// actual-cost metering; zero means the caller should fall back to its own
// estimate.
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
	Summary       string                  `json:"summary,omitempty"` // Compressed form of the statement
	TokensUsed    int                     `json:"tokens_used,omitempty"`
}

// Empty reports whether the extraction produced nothing usable.
func (r *ExtractionResult) Empty() bool {
	return r == nil || (len(r.Entities) == 0 && len(r.Relationships) == 0)
}

// ConsolidationFact is one durable entity-level fact distilled from a batch
// of memories during a sleep cycle. Facts only ever attach to entities that
// already exist; consolidation never creates entities.
type ConsolidationFact struct {
	EntityName string  `json:"entity_name"`
	EntityType string  `json:"entity_type"`
	Fact       string  `json:"fact"`
	Confidence float64 `json:"confidence"`
}
