package billing

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool `json:"allowed"`

	// AllowBackgroundJobs reports whether cost-bearing background work
	// (graph extraction, consolidation) may run for this request.
	// Marketplace-metered traffic is admitted but never funds background
	// work.
	AllowBackgroundJobs bool `json:"allow_background_jobs"`

	// Reason explains a denial in human-readable form.
	Reason string `json:"reason,omitempty"`

	// Shortfall is how many credits the tenant is missing when denied.
	Shortfall int64 `json:"shortfall,omitempty"`
}

// Guard enforces the two-lane admission policy and owns balance mutation.
//
// RapidAPI-lane requests are always admitted and never touch balances: the
// marketplace meters and bills them upstream. Direct-lane requests prepay
// into a credit balance; FREE and HOBBY stop at zero, PRO may run into a
// bounded negative balance that is invoiced as overage once per billing
// period.
type Guard struct {
	balances *BalanceStore
	ledger   storage.LedgerStore
	provider BillingProvider
	cfg      config.BillingConfig

	mirror chan mirrorUpdate
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// mirrorUpdate is one balance snapshot queued for the durable ledger.
type mirrorUpdate struct {
	userID  string
	balance int64
}

// NewGuard creates the cost guard and starts the ledger mirror goroutine.
// Call Close to drain the mirror before shutdown.
func NewGuard(balances *BalanceStore, ledger storage.LedgerStore, provider BillingProvider, cfg config.BillingConfig) *Guard {
	if provider == nil {
		provider = LogProvider{}
	}
	if cfg.MirrorBuffer <= 0 {
		cfg.MirrorBuffer = 256
	}

	g := &Guard{
		balances: balances,
		ledger:   ledger,
		provider: provider,
		cfg:      cfg,
		mirror:   make(chan mirrorUpdate, cfg.MirrorBuffer),
	}

	g.wg.Add(1)
	go g.runMirror()

	return g
}

// CheckAccess decides whether a request with the given estimated cost may
// proceed. It never mutates balances.
func (g *Guard) CheckAccess(ctx context.Context, user types.UserContext, estimatedCost int64) (Decision, error) {
	if user.UserID == "" {
		return Decision{}, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if estimatedCost < 0 {
		return Decision{}, fmt.Errorf("%w: estimated cost must be non-negative", types.ErrInvalidInput)
	}

	// Marketplace lane: always admitted, never funds background work.
	if !user.IsDirect() {
		return Decision{Allowed: true, AllowBackgroundJobs: false}, nil
	}

	balance, err := g.balances.Get(ctx, user.UserID)
	if err != nil {
		return Decision{}, err
	}

	floor := g.floorFor(user.Tier)
	if balance-estimatedCost < floor {
		shortfall := estimatedCost - (balance - floor)
		decision := Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("insufficient balance: have %d, need %d (floor %d)", balance, estimatedCost, floor),
			Shortfall: shortfall,
		}

		// A PRO tenant bottoming out on the overage allowance means the
		// current period's overage has not been settled yet. The invoice
		// is sized by what the tenant is short, not the whole allowance.
		if user.Tier == types.TierPro {
			g.maybeInvoiceOverage(ctx, user.UserID, shortfall)
		}
		return decision, nil
	}

	return Decision{Allowed: true, AllowBackgroundJobs: true}, nil
}

// Deduct charges the actual cost of completed work. It is a no-op for the
// marketplace lane. The deduction is a single atomic decrement; the new
// balance is mirrored to the durable ledger asynchronously.
func (g *Guard) Deduct(ctx context.Context, user types.UserContext, actualCost int64) error {
	if user.UserID == "" {
		return fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if actualCost < 0 {
		return fmt.Errorf("%w: cost must be non-negative", types.ErrInvalidInput)
	}
	if !user.IsDirect() || actualCost == 0 {
		return nil
	}

	newBalance, err := g.balances.DecrBy(ctx, user.UserID, actualCost)
	if err != nil {
		return &types.DeductionError{UserID: user.UserID, Cost: actualCost, Err: err}
	}

	g.enqueueMirror(user.UserID, newBalance)

	// Re-check the floor with the post-decrement balance: a PRO tenant is
	// invoiced only once the overage allowance itself is breached, sized by
	// the breach.
	if floor := g.floorFor(user.Tier); newBalance < floor {
		switch user.Tier {
		case types.TierPro:
			g.maybeInvoiceOverage(ctx, user.UserID, floor-newBalance)
		default:
			// Admission holds FREE/HOBBY at zero; an overshoot here means
			// the estimate undershot the actual cost.
			log.Printf("WARNING: billing: %s tenant %s balance went negative (%d) after deduction", user.Tier, user.UserID, newBalance)
		}
	}
	return nil
}

// GetBalance returns the tenant's current balance.
func (g *Guard) GetBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	return g.balances.Get(ctx, userID)
}

// AddCredits tops up the tenant's balance and returns the new value. Used
// by purchase webhooks and manual adjustments.
func (g *Guard) AddCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user ID is required", types.ErrInvalidInput)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be positive", types.ErrInvalidInput)
	}

	newBalance, err := g.balances.IncrBy(ctx, userID, amount)
	if err != nil {
		return 0, err
	}
	g.enqueueMirror(userID, newBalance)
	return newBalance, nil
}

// PriceTokens converts a token count into credits. Partial thousands round
// up, and any non-empty work costs at least one unit. withExtraction scales
// the price for the additional LLM pass graph extraction performs.
func (g *Guard) PriceTokens(tokenCount int, withExtraction bool) int64 {
	if tokenCount <= 0 {
		return 0
	}
	thousands := (int64(tokenCount) + 999) / 1000
	cost := thousands * g.cfg.CostPerThousandTokens
	if withExtraction {
		cost *= g.cfg.ExtractionMultiplier
	}
	return cost
}

// floorFor returns the minimum balance the tier may reach.
func (g *Guard) floorFor(tier types.Tier) int64 {
	if tier == types.TierPro {
		return -g.cfg.ProNegativeFloor
	}
	return 0
}

// maybeInvoiceOverage raises an overage invoice at most once per tenant per
// billing period. The marker is cleared again when the provider call fails
// so the next trigger retries.
func (g *Guard) maybeInvoiceOverage(ctx context.Context, userID string, overageCredits int64) {
	period := time.Now().UTC().Format("2006-01")

	first, err := g.balances.TryMarkOverage(ctx, userID, period)
	if err != nil {
		log.Printf("ERROR: billing: overage marker for %s: %v", userID, err)
		return
	}
	if !first {
		return
	}

	if err := g.provider.EnsureCustomer(ctx, userID); err != nil {
		log.Printf("ERROR: billing: ensure customer %s: %v", userID, err)
		g.unmarkOverage(ctx, userID, period)
		return
	}
	if err := g.provider.CreateOverageInvoice(ctx, userID, overageCredits, period); err != nil {
		log.Printf("ERROR: billing: overage invoice for %s: %v", userID, err)
		g.unmarkOverage(ctx, userID, period)
		return
	}

	log.Printf("billing: overage invoice raised for %s: %d credits in period %s", userID, overageCredits, period)
}

func (g *Guard) unmarkOverage(ctx context.Context, userID, period string) {
	if err := g.balances.UnmarkOverage(ctx, userID, period); err != nil {
		log.Printf("ERROR: billing: %v", err)
	}
}

// enqueueMirror queues a balance snapshot for the ledger. A full queue
// drops the update with a warning: the ledger is a bounded-lag mirror, and
// a later snapshot for the same tenant supersedes the dropped one.
func (g *Guard) enqueueMirror(userID string, balance int64) {
	select {
	case g.mirror <- mirrorUpdate{userID: userID, balance: balance}:
	default:
		log.Printf("WARNING: billing: ledger mirror queue full, dropping snapshot for %s", userID)
	}
}

// runMirror drains the mirror queue into the durable ledger.
func (g *Guard) runMirror() {
	defer g.wg.Done()

	for update := range g.mirror {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.ledger.UpsertLedgerBalance(ctx, update.userID, update.balance); err != nil {
			log.Printf("ERROR: billing: ledger mirror for %s: %v", update.userID, err)
		}
		cancel()
	}
}

// Close stops accepting mirror updates and drains the queue. Safe to call
// more than once.
func (g *Guard) Close() {
	g.closeOnce.Do(func() {
		close(g.mirror)
		g.wg.Wait()
	})
}
