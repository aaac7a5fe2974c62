package storage

import "time"

// TraversalLimit caps the total rows any single graph traversal may return,
// regardless of the requested depth. It bounds worst-case work on dense
// graphs.
const TraversalLimit = 50

// TenantStats summarizes one tenant's footprint in the store.
type TenantStats struct {
	UserID           string    `json:"user_id"`
	MemoryCount      int       `json:"memory_count"`      // Non-deleted memories
	Unconsolidated   int       `json:"unconsolidated"`    // Memories awaiting consolidation
	EntityCount      int       `json:"entity_count"`      // Non-deleted entities
	RelationshipCount int      `json:"relationship_count"` // Non-deleted relationships
	OldestMemoryAt   time.Time `json:"oldest_memory_at"`
	NewestMemoryAt   time.Time `json:"newest_memory_at"`
}
