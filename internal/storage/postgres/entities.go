package postgres

import (
	"context"
	"database/sql"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/recall/pkg/types"
)

// entitySelectColumns is the canonical SELECT column list for the entities
// table. It must match the scan order in scanEntityFields.
const entitySelectColumns = `
	id, user_id, name, type, description,
	importance, confidence, is_deleted,
	created_at, updated_at, last_accessed_at
`

// GetEntityByName retrieves an entity by its tenant-scoped dedup key.
func (s *Store) GetEntityByName(ctx context.Context, userID, name, entityType string) (*types.Entity, error) {
	if userID == "" || name == "" || entityType == "" {
		return nil, fmt.Errorf("%w: user ID, name and type are required", types.ErrInvalidInput)
	}

	query := `
		SELECT ` + entitySelectColumns + `
		FROM entities
		WHERE user_id = $1 AND name = $2 AND type = $3 AND is_deleted = FALSE
	`

	var entity types.Entity
	err := scanEntityFields(s.db.QueryRowContext(ctx, query, userID, name, entityType), &entity)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get entity %q/%q: %w", name, entityType, err)
	}
	return &entity, nil
}

// SearchEntities performs pgvector cosine-similarity search over the
// tenant's entities.
func (s *Store) SearchEntities(ctx context.Context, userID string, embedding []float32, limit int, minSimilarity float64) ([]types.ScoredEntity, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is required", types.ErrInvalidInput)
	}
	if limit <= 0 {
		return []types.ScoredEntity{}, nil
	}

	query := `
		SELECT ` + entitySelectColumns + `,
			1 - (embedding <=> $2) AS similarity
		FROM entities
		WHERE user_id = $1
		  AND is_deleted = FALSE
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $2) >= $3
		ORDER BY embedding <=> $2
		LIMIT $4
	`

	vec := pgvector.NewVector(embedding)
	rows, err := s.db.QueryContext(ctx, query, userID, vec, minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: entity vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []types.ScoredEntity
	for rows.Next() {
		var (
			entity     types.Entity
			similarity float64
		)
		if err := scanEntityFields(rows, &entity, &similarity); err != nil {
			return nil, fmt.Errorf("postgres: entity vector search scan: %w", err)
		}
		results = append(results, types.ScoredEntity{Entity: entity, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: entity vector search rows: %w", err)
	}
	return results, nil
}

// AppendEntityFact appends a fact to the entity's description unless the
// description already contains it, and raises importance monotonically.
// Both updates happen in one statement so concurrent consolidation runs
// cannot interleave a read-modify-write.
func (s *Store) AppendEntityFact(ctx context.Context, userID, name, entityType, fact string, importance float64) error {
	if userID == "" || name == "" || entityType == "" {
		return fmt.Errorf("%w: user ID, name and type are required", types.ErrInvalidInput)
	}
	if fact == "" {
		return fmt.Errorf("%w: fact is required", types.ErrInvalidInput)
	}

	const query = `
		UPDATE entities
		SET description = CASE
				WHEN description IS NULL OR description = '' THEN $4
				WHEN position($4 in description) > 0 THEN description
				ELSE description || ' ' || $4
			END,
			importance = GREATEST(importance, $5),
			updated_at = NOW()
		WHERE user_id = $1 AND name = $2 AND type = $3 AND is_deleted = FALSE
	`

	result, err := s.db.ExecContext(ctx, query, userID, name, entityType, fact, importance)
	if err != nil {
		return fmt.Errorf("postgres: failed to append entity fact: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// scanEntityFields scans entitySelectColumns (plus optional trailing
// columns) into an Entity.
func scanEntityFields(row rowScanner, entity *types.Entity, extra ...interface{}) error {
	var (
		description    sql.NullString
		lastAccessedAt sql.NullTime
	)

	dest := []interface{}{
		&entity.ID,
		&entity.UserID,
		&entity.Name,
		&entity.Type,
		&description,
		&entity.Importance,
		&entity.Confidence,
		&entity.IsDeleted,
		&entity.CreatedAt,
		&entity.UpdatedAt,
		&lastAccessedAt,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return err
	}

	entity.Description = description.String
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		entity.LastAccessedAt = &t
	}
	return nil
}
