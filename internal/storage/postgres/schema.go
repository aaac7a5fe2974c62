// Package postgres provides the PostgreSQL implementation of the storage
// interfaces, including pgvector similarity search and recursive graph
// traversal.
package postgres

import "fmt"

// schemaTemplate contains the SQL statements to create the database schema.
// The single %d verb is the embedding dimension, which is fixed per
// deployment (all vectors in a database share one dimension).
// All statements are idempotent (IF NOT EXISTS) so the schema can be applied
// on every startup.
const schemaTemplate = `
-- Memories table: raw tenant statements with embeddings
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    compressed_text TEXT,

    -- Vector embedding for semantic recall
    embedding vector(%[1]d),

    -- Quality signals
    importance REAL NOT NULL DEFAULT 0.5,
    confidence REAL NOT NULL DEFAULT 1.0,

    -- Lifecycle flags
    is_consolidated BOOLEAN NOT NULL DEFAULT FALSE,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,

    -- Provenance: entity this memory was compacted into, if any
    source_entity_id TEXT,

    -- Timestamps
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_accessed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id) WHERE is_deleted = FALSE;
CREATE INDEX IF NOT EXISTS idx_memories_unconsolidated
    ON memories(user_id, created_at DESC)
    WHERE is_consolidated = FALSE AND is_deleted = FALSE;

-- Entities table: deduplicated per tenant by (user_id, name, type)
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    description TEXT,

    embedding vector(%[1]d),

    importance REAL NOT NULL DEFAULT 0.5,
    confidence REAL NOT NULL DEFAULT 1.0,

    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,

    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_accessed_at TIMESTAMPTZ,

    UNIQUE(user_id, name, type)
);

CREATE INDEX IF NOT EXISTS idx_entities_user ON entities(user_id) WHERE is_deleted = FALSE;

-- Relationships table: directed edges, deduplicated per tenant
CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    from_entity_id TEXT NOT NULL,
    to_entity_id TEXT NOT NULL,
    predicate TEXT NOT NULL,

    confidence REAL NOT NULL DEFAULT 1.0,
    weight REAL NOT NULL DEFAULT 1.0,
    metadata JSONB,

    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,

    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (from_entity_id) REFERENCES entities(id) ON DELETE CASCADE,
    FOREIGN KEY (to_entity_id) REFERENCES entities(id) ON DELETE CASCADE,

    UNIQUE(user_id, from_entity_id, to_entity_id, predicate)
);

CREATE INDEX IF NOT EXISTS idx_relationships_from
    ON relationships(user_id, from_entity_id)
    WHERE is_deleted = FALSE;

-- Balance ledger: durable recovery snapshot of the Redis-held balances
CREATE TABLE IF NOT EXISTS balance_ledger (
    user_id TEXT PRIMARY KEY,
    balance BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// migrationFTS adds a generated tsvector column and GIN index for keyword
// fallback search. Separate from the base schema because ALTER TABLE ... ADD
// COLUMN IF NOT EXISTS predates the tables existing.
const migrationFTS = `
ALTER TABLE memories ADD COLUMN IF NOT EXISTS content_tsv tsvector
    GENERATED ALWAYS AS (to_tsvector('english', content)) STORED;
CREATE INDEX IF NOT EXISTS idx_memories_tsv ON memories USING GIN (content_tsv);
`

// migrationVectorIndexes adds approximate-nearest-neighbour indexes. These
// are applied after the base schema; ivfflat index builds are cheap on empty
// tables and lists=100 is a reasonable default for up to ~1M rows.
const migrationVectorIndexes = `
CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
CREATE INDEX IF NOT EXISTS idx_entities_embedding
    ON entities USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`

// Schema renders the base schema for the given embedding dimension.
func Schema(dim int) string {
	return fmt.Sprintf(schemaTemplate, dim)
}
