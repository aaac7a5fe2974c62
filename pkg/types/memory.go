package types

import "time"

// Memory represents a single raw statement submitted by a tenant.
// Memories are the atomic units of storage: they carry the original text,
// an optional compressed form produced during extraction, and the vector
// embedding used for semantic recall.
type Memory struct {
	// Core identification fields
	ID     string `json:"id"`      // Unique identifier (uuid)
	UserID string `json:"user_id"` // Owning tenant

	// Content
	Text           string `json:"text"`                      // Raw statement text
	CompressedText string `json:"compressed_text,omitempty"` // Summary produced by graph extraction, empty when extraction was skipped

	// Embedding for semantic search
	Embedding []float32 `json:"embedding,omitempty"` // Vector embedding, fixed dimension per deployment

	// Quality signals
	ImportanceScore float64 `json:"importance_score"` // Importance score (0.0-1.0)
	Confidence      float64 `json:"confidence"`       // Extraction confidence (0.0-1.0)

	// Lifecycle flags
	IsConsolidated bool `json:"is_consolidated"` // Flipped once by the consolidation service
	IsDeleted      bool `json:"is_deleted"`      // Soft delete; the core never hard-deletes

	// Provenance
	SourceEntityID string `json:"source_entity_id,omitempty"` // Entity this memory was compacted into, if any

	// Timestamps
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// ScoredMemory pairs a memory with its cosine similarity to a query vector.
type ScoredMemory struct {
	Memory     Memory  `json:"memory"`
	Similarity float64 `json:"similarity"` // Cosine similarity (0.0-1.0) against the query embedding
}
