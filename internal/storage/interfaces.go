// Package storage provides composable storage interfaces for the Recall
// graph memory service.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. Each interface covers
// one consumer: ingestion writes, retrieval reads, consolidation batches,
// and the billing ledger.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

// MemoryStore provides memory persistence and semantic search.
type MemoryStore interface {
	// InsertMemory persists a new memory row. The ID must be set by the
	// caller. Inserts are not idempotent; a redelivered job creates a new
	// row.
	InsertMemory(ctx context.Context, memory *types.Memory) error

	// GetMemory retrieves one memory scoped to its owning tenant.
	// Returns types.ErrNotFound if no such memory exists.
	GetMemory(ctx context.Context, userID, id string) (*types.Memory, error)

	// SearchMemories performs cosine-similarity search over the tenant's
	// memories. Only rows with similarity >= minSimilarity are returned,
	// ordered by similarity descending, capped at limit.
	SearchMemories(ctx context.Context, userID string, embedding []float32, limit int, minSimilarity float64) ([]types.ScoredMemory, error)

	// SearchMemoriesText performs keyword full-text search over the
	// tenant's memories. It is the fallback path when no query embedding
	// is available.
	SearchMemoriesText(ctx context.Context, userID, query string, limit int) ([]types.Memory, error)

	// TouchMemories updates last_accessed_at for the given memory IDs.
	// Missing IDs are ignored.
	TouchMemories(ctx context.Context, userID string, ids []string) error
}

// EntityStore provides entity search and consolidation updates.
type EntityStore interface {
	// GetEntityByName retrieves an entity by its tenant-scoped dedup key.
	// Returns types.ErrNotFound if no such entity exists.
	GetEntityByName(ctx context.Context, userID, name, entityType string) (*types.Entity, error)

	// SearchEntities performs cosine-similarity search over the tenant's
	// entities, same contract as MemoryStore.SearchMemories.
	SearchEntities(ctx context.Context, userID string, embedding []float32, limit int, minSimilarity float64) ([]types.ScoredEntity, error)

	// AppendEntityFact appends a durable fact to the entity's description
	// unless the description already contains it, and raises importance to
	// at least the given value. Importance never decreases.
	// Returns types.ErrNotFound if the entity does not exist.
	AppendEntityFact(ctx context.Context, userID, name, entityType, fact string, importance float64) error
}

// GraphStore provides the transactional ingest write and bounded traversal.
type GraphStore interface {
	// ApplyExtraction atomically persists one extraction result: the memory
	// row, entity upserts keyed on (user_id, name, type), and relationship
	// upserts keyed on (user_id, from, to, predicate). Relationships whose
	// endpoints did not survive entity filtering are skipped with a warning.
	// Either everything commits or nothing does.
	ApplyExtraction(ctx context.Context, memory *types.Memory, entities []types.Entity, relationships []types.ExtractedRelationship) error

	// Traverse walks the tenant's relationship graph outward from the
	// anchor entities, following edges from -> to only. Results exclude
	// the anchors themselves, stop at maxDepth hops, skip nodes whose name
	// already appears on the current path, and are capped at 50 rows total.
	Traverse(ctx context.Context, userID string, anchorIDs []string, maxDepth int) ([]types.GraphNode, error)
}

// ConsolidationStore provides the batch queries used by sleep-cycle
// consolidation.
type ConsolidationStore interface {
	// UnconsolidatedBatch returns up to limit unconsolidated memories
	// created at or after since, most recent first.
	UnconsolidatedBatch(ctx context.Context, userID string, since time.Time, limit int) ([]types.Memory, error)

	// MarkConsolidated flips is_consolidated for the given memory IDs.
	MarkConsolidated(ctx context.Context, userID string, ids []string) error

	// EligibleTenants returns the tenants holding at least minCount
	// unconsolidated memories created at or after since.
	EligibleTenants(ctx context.Context, since time.Time, minCount int) ([]string, error)
}

// LedgerStore is the durable mirror of the Redis-held balances. It is the
// recovery source when a balance key is missing from Redis.
type LedgerStore interface {
	// LedgerBalance returns the persisted balance for a tenant.
	// Returns types.ErrNotFound if the tenant has no ledger row.
	LedgerBalance(ctx context.Context, userID string) (int64, error)

	// UpsertLedgerBalance writes the tenant's balance snapshot.
	UpsertLedgerBalance(ctx context.Context, userID string, balance int64) error
}

// StatsStore exposes per-tenant counters for operational logging.
type StatsStore interface {
	TenantStats(ctx context.Context, userID string) (*TenantStats, error)
}

// Store is the full storage surface wired by the service binary.
type Store interface {
	MemoryStore
	EntityStore
	GraphStore
	ConsolidationStore
	LedgerStore
	StatsStore

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
