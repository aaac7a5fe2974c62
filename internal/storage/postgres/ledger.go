package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// LedgerBalance returns the persisted balance snapshot for a tenant.
func (s *Store) LedgerBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}

	const query = `SELECT balance FROM balance_ledger WHERE user_id = $1`

	var balance int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, types.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: failed to read ledger balance: %w", err)
	}
	return balance, nil
}

// UpsertLedgerBalance writes the tenant's balance snapshot. The ledger is a
// write-behind mirror of Redis, so last write wins.
func (s *Store) UpsertLedgerBalance(ctx context.Context, userID string, balance int64) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}

	const query = `
		INSERT INTO balance_ledger (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, userID, balance); err != nil {
		return fmt.Errorf("postgres: failed to upsert ledger balance: %w", err)
	}
	return nil
}

// EligibleTenants returns the tenants holding at least minCount
// unconsolidated memories created at or after since.
func (s *Store) EligibleTenants(ctx context.Context, since time.Time, minCount int) ([]string, error) {
	if minCount <= 0 {
		minCount = 1
	}

	const query = `
		SELECT user_id
		FROM memories
		WHERE is_consolidated = FALSE
		  AND is_deleted = FALSE
		  AND created_at >= $1
		GROUP BY user_id
		HAVING COUNT(*) >= $2
		ORDER BY user_id
	`

	rows, err := s.db.QueryContext(ctx, query, since, minCount)
	if err != nil {
		return nil, fmt.Errorf("postgres: eligible tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("postgres: eligible tenants scan: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: eligible tenants rows: %w", err)
	}
	return userIDs, nil
}

// TenantStats summarizes one tenant's footprint across all tables.
func (s *Store) TenantStats(ctx context.Context, userID string) (*storage.TenantStats, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}

	const query = `
		SELECT
			(SELECT COUNT(*) FROM memories WHERE user_id = $1 AND is_deleted = FALSE),
			(SELECT COUNT(*) FROM memories WHERE user_id = $1 AND is_deleted = FALSE AND is_consolidated = FALSE),
			(SELECT COUNT(*) FROM entities WHERE user_id = $1 AND is_deleted = FALSE),
			(SELECT COUNT(*) FROM relationships WHERE user_id = $1 AND is_deleted = FALSE),
			(SELECT COALESCE(MIN(created_at), 'epoch'::timestamptz) FROM memories WHERE user_id = $1 AND is_deleted = FALSE),
			(SELECT COALESCE(MAX(created_at), 'epoch'::timestamptz) FROM memories WHERE user_id = $1 AND is_deleted = FALSE)
	`

	stats := &storage.TenantStats{UserID: userID}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&stats.MemoryCount,
		&stats.Unconsolidated,
		&stats.EntityCount,
		&stats.RelationshipCount,
		&stats.OldestMemoryAt,
		&stats.NewestMemoryAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: tenant stats: %w", err)
	}
	return stats, nil
}
