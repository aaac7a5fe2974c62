package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// overageMarkerTTL keeps the per-period overage marker alive well past the
// period it covers, so a late retry within the same month still sees it.
const overageMarkerTTL = 40 * 24 * time.Hour

// BalanceStore holds tenant balances in Redis. All mutations are single
// atomic commands (INCRBY/DECRBY); there is no read-modify-write anywhere,
// so concurrent deductions can never lose updates.
//
// A missing key is hydrated lazily from the durable ledger with SETNX:
// if two requests race the hydration, only one write lands and both read
// the same value.
type BalanceStore struct {
	rdb    *redis.Client
	ledger storage.LedgerStore
}

// NewBalanceStore creates a balance store over the given Redis client and
// durable ledger.
func NewBalanceStore(rdb *redis.Client, ledger storage.LedgerStore) *BalanceStore {
	return &BalanceStore{rdb: rdb, ledger: ledger}
}

func balanceKey(userID string) string {
	return "balance:" + userID
}

// Get returns the tenant's current balance, hydrating the Redis key from
// the ledger on a miss. A tenant absent from both Redis and the ledger has
// a zero balance.
func (b *BalanceStore) Get(ctx context.Context, userID string) (int64, error) {
	balance, err := b.rdb.Get(ctx, balanceKey(userID)).Int64()
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("billing: failed to read balance for %s: %w", userID, err)
	}

	if err := b.hydrate(ctx, userID); err != nil {
		return 0, err
	}

	balance, err = b.rdb.Get(ctx, balanceKey(userID)).Int64()
	if err != nil {
		return 0, fmt.Errorf("billing: failed to read balance for %s after hydration: %w", userID, err)
	}
	return balance, nil
}

// hydrate seeds the Redis key from the durable ledger. SETNX guarantees a
// concurrent deduction that already recreated the key is not overwritten.
func (b *BalanceStore) hydrate(ctx context.Context, userID string) error {
	snapshot, err := b.ledger.LedgerBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			snapshot = 0
		} else {
			return fmt.Errorf("billing: failed to hydrate balance for %s: %w", userID, err)
		}
	}

	if err := b.rdb.SetNX(ctx, balanceKey(userID), snapshot, 0).Err(); err != nil {
		return fmt.Errorf("billing: failed to seed balance for %s: %w", userID, err)
	}
	return nil
}

// DecrBy atomically subtracts amount and returns the resulting balance.
// The key is hydrated first so a Redis restart cannot turn a funded tenant
// into a zero-balance one mid-deduction.
func (b *BalanceStore) DecrBy(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := b.ensureKey(ctx, userID); err != nil {
		return 0, err
	}
	newBalance, err := b.rdb.DecrBy(ctx, balanceKey(userID), amount).Result()
	if err != nil {
		return 0, fmt.Errorf("billing: failed to deduct %d from %s: %w", amount, userID, err)
	}
	return newBalance, nil
}

// IncrBy atomically adds amount and returns the resulting balance.
func (b *BalanceStore) IncrBy(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := b.ensureKey(ctx, userID); err != nil {
		return 0, err
	}
	newBalance, err := b.rdb.IncrBy(ctx, balanceKey(userID), amount).Result()
	if err != nil {
		return 0, fmt.Errorf("billing: failed to credit %d to %s: %w", amount, userID, err)
	}
	return newBalance, nil
}

// ensureKey hydrates the balance key if it does not exist yet.
func (b *BalanceStore) ensureKey(ctx context.Context, userID string) error {
	exists, err := b.rdb.Exists(ctx, balanceKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("billing: failed to check balance key for %s: %w", userID, err)
	}
	if exists == 1 {
		return nil
	}
	return b.hydrate(ctx, userID)
}

// TryMarkOverage records that an overage invoice was raised for the tenant
// in the given billing period. Returns true exactly once per
// (tenant, period): the SETNX marker makes repeated triggers no-ops.
func (b *BalanceStore) TryMarkOverage(ctx context.Context, userID, period string) (bool, error) {
	key := fmt.Sprintf("overage:%s:%s", userID, period)
	ok, err := b.rdb.SetNX(ctx, key, 1, overageMarkerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("billing: failed to mark overage for %s: %w", userID, err)
	}
	return ok, nil
}

// UnmarkOverage clears the overage marker so a failed invoice can be
// retried by the next trigger.
func (b *BalanceStore) UnmarkOverage(ctx context.Context, userID, period string) error {
	key := fmt.Sprintf("overage:%s:%s", userID, period)
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("billing: failed to clear overage marker for %s: %w", userID, err)
	}
	return nil
}

// Ping verifies the Redis backend is reachable.
func (b *BalanceStore) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("billing: redis ping: %w", err)
	}
	return nil
}
