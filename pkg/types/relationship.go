package types

import "time"

// Relationship represents a directed edge between two entities owned by the
// same tenant. Edges are deduplicated per tenant by the
// (UserID, FromEntityID, ToEntityID, Predicate) key; re-extraction refreshes
// confidence instead of creating a parallel edge. Graph traversal only ever
// follows the from → to direction.
type Relationship struct {
	// Core identification fields
	ID     string `json:"id"`      // Unique identifier (uuid)
	UserID string `json:"user_id"` // Owning tenant; both endpoints must belong to it

	FromEntityID string `json:"from_entity_id"` // Source entity
	ToEntityID   string `json:"to_entity_id"`   // Target entity
	Predicate    string `json:"predicate"`      // Relationship label (e.g. "works_at", "founded")

	// Edge properties
	Confidence float64                `json:"confidence"`         // Extraction confidence (0.0-1.0), refreshed on re-extraction
	Weight     float64                `json:"weight"`             // Edge strength (0.0-1.0)
	Metadata   map[string]interface{} `json:"metadata,omitempty"` // Arbitrary edge metadata

	// Lifecycle
	IsDeleted bool `json:"is_deleted"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GraphNode is an entity discovered by multi-hop traversal from an anchor
// entity. Depth counts relationship hops from the anchor; depth 0 (the anchor
// itself) is never returned.
type GraphNode struct {
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name"`
	EntityType string `json:"entity_type"`

	// Depth is the number of hops from the anchor entity (1-based in results).
	Depth int `json:"depth"`

	// Path is the chain of entity names from the anchor to this node,
	// joined by " -> ". Cycle detection keys on the names in this path.
	Path string `json:"path"`

	// PredicateChain is the chain of predicates walked from the anchor to
	// this node, joined by " -> ".
	PredicateChain string `json:"predicate_chain"`
}
