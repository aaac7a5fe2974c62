package types

import "time"

// Entity represents a named entity extracted from a tenant's memories.
// Entities are deduplicated per tenant by the (UserID, Name, Type) key:
// re-extraction of the same entity merges into the existing row rather than
// creating a duplicate. The uniqueness constraint is enforced by the store.
type Entity struct {
	// Core identification fields
	ID     string `json:"id"`      // Unique identifier (uuid)
	UserID string `json:"user_id"` // Owning tenant

	Name        string `json:"name"`                  // Display name, part of the dedup key
	Type        string `json:"type"`                  // Entity type (person, organization, concept, ...), part of the dedup key
	Description string `json:"description,omitempty"` // Accumulated description; consolidation appends durable facts here

	// Embedding for entity similarity search
	Embedding []float32 `json:"embedding,omitempty"`

	// Quality signals
	Importance float64 `json:"importance"` // Importance (0.0-1.0); consolidation only ever raises it
	Confidence float64 `json:"confidence"` // Extraction confidence (0.0-1.0)

	// Lifecycle
	IsDeleted bool `json:"is_deleted"`

	// Timestamps
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// ScoredEntity pairs an entity with its cosine similarity to a query vector.
type ScoredEntity struct {
	Entity     Entity  `json:"entity"`
	Similarity float64 `json:"similarity"`
}
