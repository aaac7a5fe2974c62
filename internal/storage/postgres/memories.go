package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/recall/pkg/types"
)

// memorySelectColumns is the canonical SELECT column list for the memories
// table. It must match the scan order in scanMemoryRow. The embedding column
// is deliberately excluded: readers never need the raw vector back.
const memorySelectColumns = `
	id, user_id, content, compressed_text,
	importance, confidence,
	is_consolidated, is_deleted,
	source_entity_id,
	created_at, last_accessed_at
`

// InsertMemory persists a new memory row.
func (s *Store) InsertMemory(ctx context.Context, memory *types.Memory) error {
	if memory == nil {
		return types.ErrInvalidInput
	}
	if memory.ID == "" {
		return fmt.Errorf("%w: memory ID is required", types.ErrInvalidInput)
	}
	if memory.UserID == "" {
		return fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if memory.Text == "" {
		return fmt.Errorf("%w: memory content is required", types.ErrInvalidInput)
	}

	const query = `
		INSERT INTO memories (
			id, user_id, content, compressed_text, embedding,
			importance, confidence, is_consolidated, is_deleted,
			source_entity_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	createdAt := memory.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
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
	return nil
}

// GetMemory retrieves one memory scoped to its owning tenant.
func (s *Store) GetMemory(ctx context.Context, userID, id string) (*types.Memory, error) {
	if userID == "" || id == "" {
		return nil, fmt.Errorf("%w: user ID and memory ID are required", types.ErrInvalidInput)
	}

	query := `
		SELECT ` + memorySelectColumns + `
		FROM memories
		WHERE user_id = $1 AND id = $2
	`

	memory, err := scanMemoryRow(s.db.QueryRowContext(ctx, query, userID, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get memory %s: %w", id, err)
	}
	return memory, nil
}

// SearchMemories performs pgvector cosine-similarity search over the
// tenant's memories. Similarity is 1 - cosine distance; rows below
// minSimilarity are filtered server-side so the limit applies to useful
// results only.
func (s *Store) SearchMemories(ctx context.Context, userID string, embedding []float32, limit int, minSimilarity float64) ([]types.ScoredMemory, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is required", types.ErrInvalidInput)
	}
	if limit <= 0 {
		return []types.ScoredMemory{}, nil
	}

	query := `
		SELECT ` + memorySelectColumns + `,
			1 - (embedding <=> $2) AS similarity
		FROM memories
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
		return nil, fmt.Errorf("postgres: memory vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []types.ScoredMemory
	for rows.Next() {
		var (
			memory     types.Memory
			similarity float64
		)
		if err := scanMemoryFields(rows, &memory, &similarity); err != nil {
			return nil, fmt.Errorf("postgres: memory vector search scan: %w", err)
		}
		results = append(results, types.ScoredMemory{Memory: memory, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: memory vector search rows: %w", err)
	}
	return results, nil
}

// SearchMemoriesText performs tsvector full-text search over the tenant's
// memories, ordered by rank. It is the keyword fallback when no query
// embedding is available.
func (s *Store) SearchMemoriesText(ctx context.Context, userID, query string, limit int) ([]types.Memory, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []types.Memory{}, nil
	}

	querySQL := `
		SELECT ` + memorySelectColumns + `
		FROM memories
		WHERE user_id = $1
		  AND is_deleted = FALSE
		  AND content_tsv @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $2)) DESC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, querySQL, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: memory text search %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	memories, err := scanMemoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: memory text search scan: %w", err)
	}
	return memories, nil
}

// TouchMemories updates last_accessed_at for the given memory IDs. Missing
// IDs are ignored; the caller treats this as fire-and-forget.
func (s *Store) TouchMemories(ctx context.Context, userID string, ids []string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if len(ids) == 0 {
		return nil
	}

	const query = `
		UPDATE memories
		SET last_accessed_at = NOW()
		WHERE user_id = $1 AND id = ANY($2)
	`

	if _, err := s.db.ExecContext(ctx, query, userID, pq.Array(ids)); err != nil {
		return fmt.Errorf("postgres: failed to touch memories: %w", err)
	}
	return nil
}

// UnconsolidatedBatch returns up to limit unconsolidated memories created at
// or after since, most recent first.
func (s *Store) UnconsolidatedBatch(ctx context.Context, userID string, since time.Time, limit int) ([]types.Memory, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if limit <= 0 {
		return []types.Memory{}, nil
	}

	query := `
		SELECT ` + memorySelectColumns + `
		FROM memories
		WHERE user_id = $1
		  AND is_consolidated = FALSE
		  AND is_deleted = FALSE
		  AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: unconsolidated batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	memories, err := scanMemoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: unconsolidated batch scan: %w", err)
	}
	return memories, nil
}

// MarkConsolidated flips is_consolidated for the given memory IDs.
func (s *Store) MarkConsolidated(ctx context.Context, userID string, ids []string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if len(ids) == 0 {
		return nil
	}

	const query = `
		UPDATE memories
		SET is_consolidated = TRUE
		WHERE user_id = $1 AND id = ANY($2)
	`

	if _, err := s.db.ExecContext(ctx, query, userID, pq.Array(ids)); err != nil {
		return fmt.Errorf("postgres: failed to mark memories consolidated: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMemoryFields scans memorySelectColumns (plus optional trailing
// columns) into a Memory.
func scanMemoryFields(row rowScanner, memory *types.Memory, extra ...interface{}) error {
	var (
		compressedText sql.NullString
		sourceEntityID sql.NullString
		lastAccessedAt sql.NullTime
	)

	dest := []interface{}{
		&memory.ID,
		&memory.UserID,
		&memory.Text,
		&compressedText,
		&memory.ImportanceScore,
		&memory.Confidence,
		&memory.IsConsolidated,
		&memory.IsDeleted,
		&sourceEntityID,
		&memory.CreatedAt,
		&lastAccessedAt,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return err
	}

	memory.CompressedText = compressedText.String
	memory.SourceEntityID = sourceEntityID.String
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		memory.LastAccessedAt = &t
	}
	return nil
}

func scanMemoryRow(row *sql.Row) (*types.Memory, error) {
	var memory types.Memory
	if err := scanMemoryFields(row, &memory); err != nil {
		return nil, err
	}
	return &memory, nil
}

func scanMemoryRows(rows *sql.Rows) ([]types.Memory, error) {
	var memories []types.Memory
	for rows.Next() {
		var memory types.Memory
		if err := scanMemoryFields(rows, &memory); err != nil {
			return nil, err
		}
		memories = append(memories, memory)
	}
	return memories, rows.Err()
}

// embeddingParam converts an embedding slice to a query parameter, mapping
// an empty slice to NULL.
func embeddingParam(embedding []float32) interface{} {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}
