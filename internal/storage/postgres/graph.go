package postgres

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// upsertEntitySQL merges a re-extracted entity into the existing row keyed
// on (user_id, name, type). Entity content is last-write-wins: the new
// extraction's description and embedding replace the stored ones. Importance
// only ever rises, and a soft-deleted row is revived.
const upsertEntitySQL = `
	INSERT INTO entities (
		id, user_id, name, type, description, embedding,
		importance, confidence, created_at, updated_at, last_accessed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), NOW())
	ON CONFLICT (user_id, name, type) DO UPDATE SET
		description = EXCLUDED.description,
		embedding = EXCLUDED.embedding,
		importance = GREATEST(entities.importance, EXCLUDED.importance),
		confidence = EXCLUDED.confidence,
		is_deleted = FALSE,
		updated_at = NOW(),
		last_accessed_at = NOW()
	RETURNING id
`

// upsertRelationshipSQL merges a re-extracted edge into the existing row
// keyed on (user_id, from, to, predicate), refreshing its confidence.
const upsertRelationshipSQL = `
	INSERT INTO relationships (
		id, user_id, from_entity_id, to_entity_id, predicate,
		confidence, weight, metadata, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	ON CONFLICT (user_id, from_entity_id, to_entity_id, predicate) DO UPDATE SET
		confidence = EXCLUDED.confidence,
		is_deleted = FALSE,
		updated_at = NOW()
`

// ApplyExtraction atomically persists one extraction result. The memory
// insert, entity upserts and relationship upserts share a single
// transaction: a failure anywhere rolls everything back so a retried job
// never observes a half-written graph.
func (s *Store) ApplyExtraction(ctx context.Context, memory *types.Memory, entities []types.Entity, relationships []types.ExtractedRelationship) error {
	if memory == nil {
		return types.ErrInvalidInput
	}
	if memory.ID == "" || memory.UserID == "" || memory.Text == "" {
		return fmt.Errorf("%w: memory ID, user ID and content are required", types.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin extraction transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := memory.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const insertMemorySQL = `
		INSERT INTO memories (
			id, user_id, content, compressed_text, embedding,
			importance, confidence, is_consolidated, is_deleted,
			source_entity_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.ExecContext(ctx, insertMemorySQL,
		memory.ID,
		memory.UserID,
		memory.Text,
		nullableString(memory.CompressedText),
		embeddingParam(memory.Embedding),
		memory.ImportanceScore,
		memory.Confidence,
		memory.IsConsolidated,
		memory.IsDeleted,
		nullableString(memory.SourceEntityID),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert memory %s: %w", memory.ID, err)
	}

	// Upsert entities and capture the canonical row IDs: when an entity
	// already existed the RETURNING id is the existing row's, not the one
	// the caller generated.
	idsByName := make(map[string]string, len(entities))
	for _, entity := range entities {
		if entity.Name == "" || entity.Type == "" {
			return fmt.Errorf("%w: entity name and type are required", types.ErrInvalidInput)
		}
		var canonicalID string
		err := tx.QueryRowContext(ctx, upsertEntitySQL,
			entity.ID,
			memory.UserID,
			entity.Name,
			entity.Type,
			nullableString(entity.Description),
			embeddingParam(entity.Embedding),
			entity.Importance,
			entity.Confidence,
		).Scan(&canonicalID)
		if err != nil {
			return fmt.Errorf("postgres: failed to upsert entity %q: %w", entity.Name, err)
		}
		if _, seen := idsByName[entity.Name]; !seen {
			idsByName[entity.Name] = canonicalID
		}
	}

	for _, rel := range relationships {
		fromID, okFrom := idsByName[rel.From]
		toID, okTo := idsByName[rel.To]
		if !okFrom || !okTo {
			// Endpoint was filtered out upstream; skip the edge rather
			// than failing the whole write.
			log.Printf("WARNING: postgres: skipping relationship %s -> %s (%s): unknown endpoint", rel.From, rel.To, rel.Predicate)
			continue
		}

		_, err := tx.ExecContext(ctx, upsertRelationshipSQL,
			uuid.New().String(),
			memory.UserID,
			fromID,
			toID,
			rel.Predicate,
			rel.Confidence,
			1.0,
			nil,
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to upsert relationship %s -> %s: %w", rel.From, rel.To, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit extraction: %w", err)
	}
	return nil
}

// traverseSQL walks the relationship graph outward from the anchor
// entities. Edges are followed from -> to only. A node whose name already
// appears on the current path is not expanded again, which terminates
// cycles regardless of the requested depth. The anchors themselves
// (depth 0) are excluded from the result, and total output is capped.
const traverseSQL = `
	WITH RECURSIVE graph AS (
		SELECT e.id, e.name, e.type,
			0 AS depth,
			e.name AS path,
			'' AS predicates
		FROM entities e
		WHERE e.user_id = $1 AND e.id = ANY($2) AND e.is_deleted = FALSE
	UNION ALL
		SELECT e.id, e.name, e.type,
			g.depth + 1,
			g.path || ' -> ' || e.name,
			CASE WHEN g.predicates = '' THEN r.predicate
			     ELSE g.predicates || ' -> ' || r.predicate END
		FROM graph g
		JOIN relationships r
			ON r.from_entity_id = g.id
			AND r.user_id = $1
			AND r.is_deleted = FALSE
		JOIN entities e
			ON e.id = r.to_entity_id
			AND e.is_deleted = FALSE
		WHERE g.depth < $3
		  AND position(e.name in g.path) = 0
	)
	SELECT id, name, type, depth, path, predicates
	FROM graph
	WHERE depth > 0
	ORDER BY depth ASC, name ASC
	LIMIT $4
`

// Traverse performs bounded multi-hop traversal from the anchor entities.
func (s *Store) Traverse(ctx context.Context, userID string, anchorIDs []string, maxDepth int) ([]types.GraphNode, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if len(anchorIDs) == 0 || maxDepth <= 0 {
		return []types.GraphNode{}, nil
	}

	rows, err := s.db.QueryContext(ctx, traverseSQL, userID, pq.Array(anchorIDs), maxDepth, storage.TraversalLimit)
	if err != nil {
		return nil, fmt.Errorf("postgres: graph traversal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []types.GraphNode
	for rows.Next() {
		var node types.GraphNode
		if err := rows.Scan(&node.EntityID, &node.EntityName, &node.EntityType, &node.Depth, &node.Path, &node.PredicateChain); err != nil {
			return nil, fmt.Errorf("postgres: graph traversal scan: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: graph traversal rows: %w", err)
	}
	return nodes, nil
}
