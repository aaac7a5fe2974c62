package billing

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/pkg/types"
)

// fakeLedger is an in-memory storage.LedgerStore.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	upserts  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]int64)}
}

func (f *fakeLedger) LedgerBalance(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[userID]
	if !ok {
		return 0, types.ErrNotFound
	}
	return balance, nil
}

func (f *fakeLedger) UpsertLedgerBalance(_ context.Context, userID string, balance int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = balance
	f.upserts++
	return nil
}

func (f *fakeLedger) get(userID string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[userID]
	return balance, ok
}

// fakeProvider records invoice calls.
type fakeProvider struct {
	mu       sync.Mutex
	invoices []int64
	failNext bool
}

func (f *fakeProvider) EnsureCustomer(context.Context, string) error { return nil }

func (f *fakeProvider) CreateOverageInvoice(_ context.Context, _ string, overageCredits int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	f.invoices = append(f.invoices, overageCredits)
	return nil
}

func (f *fakeProvider) invoiceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invoices)
}

func (f *fakeProvider) lastInvoice() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.invoices) == 0 {
		return 0
	}
	return f.invoices[len(f.invoices)-1]
}

func testGuard(t *testing.T) (*Guard, *fakeLedger, *fakeProvider) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ledger := newFakeLedger()
	provider := &fakeProvider{}
	guard := NewGuard(NewBalanceStore(rdb, ledger), ledger, provider, config.BillingConfig{
		CostPerThousandTokens: 2,
		ExtractionMultiplier:  3,
		ProNegativeFloor:      50000,
		MirrorBuffer:          256,
	})
	t.Cleanup(guard.Close)

	return guard, ledger, provider
}

func directUser(userID string, tier types.Tier) types.UserContext {
	return types.UserContext{UserID: userID, Source: types.SourceDirect, Tier: tier}
}

func TestCheckAccessRapidAPILane(t *testing.T) {
	guard, _, _ := testGuard(t)
	ctx := context.Background()

	user := types.UserContext{UserID: "tenant-a", Source: types.SourceRapidAPI, Tier: types.TierFree}

	decision, err := guard.CheckAccess(ctx, user, 1_000_000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "marketplace traffic is always admitted")
	assert.False(t, decision.AllowBackgroundJobs, "marketplace traffic never funds background work")

	// The lane must be fully isolated from balances.
	balance, err := guard.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestCheckAccessFreeTierZeroFloor(t *testing.T) {
	guard, ledger, _ := testGuard(t)
	ctx := context.Background()

	ledger.balances["tenant-a"] = 100
	user := directUser("tenant-a", types.TierFree)

	decision, err := guard.CheckAccess(ctx, user, 100)
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "exact balance spend is allowed")
	assert.True(t, decision.AllowBackgroundJobs)

	decision, err = guard.CheckAccess(ctx, user, 101)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.Shortfall)
	assert.NotEmpty(t, decision.Reason)
}

func TestCheckAccessHobbyHardLimit(t *testing.T) {
	guard, ledger, provider := testGuard(t)
	ctx := context.Background()

	ledger.balances["tenant-a"] = 10
	user := directUser("tenant-a", types.TierHobby)

	decision, err := guard.CheckAccess(ctx, user, 20)
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "HOBBY may not go below zero")
	assert.Equal(t, int64(10), decision.Shortfall)
	assert.Zero(t, provider.invoiceCount(), "only PRO denials trigger invoicing")
}

func TestCheckAccessProNegativeFloor(t *testing.T) {
	guard, ledger, provider := testGuard(t)
	ctx := context.Background()

	ledger.balances["tenant-a"] = 0
	user := directUser("tenant-a", types.TierPro)

	// PRO may spend into the negative allowance.
	decision, err := guard.CheckAccess(ctx, user, 50000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// Beyond the floor it is denied and the overage invoice fires, sized
	// by the shortfall rather than the whole allowance.
	decision, err = guard.CheckAccess(ctx, user, 50001)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.Shortfall)
	assert.Equal(t, 1, provider.invoiceCount())
	assert.Equal(t, int64(1), provider.lastInvoice())
}

func TestDeductIsAtomicUnderConcurrency(t *testing.T) {
	guard, ledger, _ := testGuard(t)
	ctx := context.Background()

	const (
		initial    = int64(100_000)
		deductions = 50
		cost       = int64(7)
	)
	ledger.balances["tenant-a"] = initial
	user := directUser("tenant-a", types.TierPro)

	var wg sync.WaitGroup
	for i := 0; i < deductions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, guard.Deduct(ctx, user, cost))
		}()
	}
	wg.Wait()

	balance, err := guard.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, initial-deductions*cost, balance, "no deduction may be lost")
}

func TestDeductRapidAPINoOp(t *testing.T) {
	guard, ledger, _ := testGuard(t)
	ctx := context.Background()

	ledger.balances["tenant-a"] = 100
	user := types.UserContext{UserID: "tenant-a", Source: types.SourceRapidAPI, Tier: types.TierPro}

	require.NoError(t, guard.Deduct(ctx, user, 50))

	balance, err := guard.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestBalanceHydratesFromLedger(t *testing.T) {
	guard, ledger, _ := testGuard(t)
	ctx := context.Background()

	// Redis is empty; the ledger snapshot is the recovery source.
	ledger.balances["tenant-a"] = 500

	balance, err := guard.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	require.NoError(t, guard.Deduct(ctx, directUser("tenant-a", types.TierFree), 200))

	balance, err = guard.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
}

func TestLedgerMirrorReceivesSnapshots(t *testing.T) {
	guard, ledger, _ := testGuard(t)
	ctx := context.Background()

	ledger.balances["tenant-a"] = 1000
	require.NoError(t, guard.Deduct(ctx, directUser("tenant-a", types.TierFree), 400))

	// Close drains the mirror queue synchronously.
	guard.Close()

	balance, ok := ledger.get("tenant-a")
	require.True(t, ok)
	assert.Equal(t, int64(600), balance)
}

func TestOverageInvoiceIsIdempotentPerPeriod(t *testing.T) {
	guard, ledger, provider := testGuard(t)
	ctx := context.Background()

	ledger.balances["tenant-a"] = 10
	user := directUser("tenant-a", types.TierPro)

	// Two deductions past the overage allowance in the same period raise
	// one invoice.
	require.NoError(t, guard.Deduct(ctx, user, 60000))
	require.NoError(t, guard.Deduct(ctx, user, 60000))

	assert.Equal(t, 1, provider.invoiceCount())
}

func TestDeductInsideAllowanceDoesNotInvoice(t *testing.T) {
	guard, ledger, provider := testGuard(t)
	ctx := context.Background()

	ledger.balances["tenant-a"] = 0
	user := directUser("tenant-a", types.TierPro)

	// A PRO balance dipping negative but staying above the allowance
	// floor is normal overage spending, not an invoicing event.
	require.NoError(t, guard.Deduct(ctx, user, 10))

	balance, err := guard.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(-10), balance)
	assert.Zero(t, provider.invoiceCount(), "floor not breached")
}

func TestDeductPastFloorInvoicesTheBreach(t *testing.T) {
	guard, ledger, provider := testGuard(t)
	ctx := context.Background()

	ledger.balances["tenant-a"] = 0
	user := directUser("tenant-a", types.TierPro)

	require.NoError(t, guard.Deduct(ctx, user, 50010))

	assert.Equal(t, 1, provider.invoiceCount())
	assert.Equal(t, int64(10), provider.lastInvoice(), "invoice covers the breach, not the allowance")
}

func TestOverageInvoiceRetriesAfterProviderFailure(t *testing.T) {
	guard, ledger, provider := testGuard(t)
	ctx := context.Background()

	ledger.balances["tenant-a"] = 0
	user := directUser("tenant-a", types.TierPro)
	provider.failNext = true

	// First trigger fails at the provider; the marker must be released so
	// the next trigger can retry.
	require.NoError(t, guard.Deduct(ctx, user, 60000))
	assert.Zero(t, provider.invoiceCount())

	require.NoError(t, guard.Deduct(ctx, user, 60000))
	assert.Equal(t, 1, provider.invoiceCount())
}

func TestPriceTokens(t *testing.T) {
	guard, _, _ := testGuard(t)

	assert.Equal(t, int64(0), guard.PriceTokens(0, false))
	assert.Equal(t, int64(2), guard.PriceTokens(1, false), "partial thousands round up")
	assert.Equal(t, int64(2), guard.PriceTokens(1000, false))
	assert.Equal(t, int64(4), guard.PriceTokens(1001, false))
	assert.Equal(t, int64(6), guard.PriceTokens(1000, true), "extraction multiplies the price")
}

func TestAddCredits(t *testing.T) {
	guard, _, _ := testGuard(t)
	ctx := context.Background()

	balance, err := guard.AddCredits(ctx, "tenant-a", 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), balance)

	_, err = guard.AddCredits(ctx, "tenant-a", -5)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
