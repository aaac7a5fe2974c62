// Package consolidate implements sleep-cycle memory consolidation: batches
// of recent unconsolidated memories are distilled into durable entity facts
// and the source memories are flagged so they are never re-processed.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scrypster/recall/internal/billing"
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/pkg/types"
)

// importanceDiscount is applied to a fact's extraction confidence before it
// becomes an entity importance. Auto-extracted knowledge never outranks
// directly observed knowledge.
const importanceDiscount = 0.8

// Store is the storage surface consolidation needs.
type Store interface {
	UnconsolidatedBatch(ctx context.Context, userID string, since time.Time, limit int) ([]types.Memory, error)
	MarkConsolidated(ctx context.Context, userID string, ids []string) error
	EligibleTenants(ctx context.Context, since time.Time, minCount int) ([]string, error)
	AppendEntityFact(ctx context.Context, userID, name, entityType, fact string, importance float64) error
}

// FactExtractor distills memory texts into entity-level facts.
// *llm.Extractor is the production implementation.
type FactExtractor interface {
	ExtractFacts(ctx context.Context, texts []string) ([]types.ConsolidationFact, int, error)
}

// CostGuard is the admission and accounting surface consolidation needs.
type CostGuard interface {
	CheckAccess(ctx context.Context, user types.UserContext, estimatedCost int64) (billing.Decision, error)
	Deduct(ctx context.Context, user types.UserContext, actualCost int64) error
	PriceTokens(tokenCount int, withExtraction bool) int64
}

// UserResolver maps a tenant ID back to its billing context for batch runs,
// where no request context is available.
type UserResolver func(ctx context.Context, userID string) (types.UserContext, error)

// Result summarizes one tenant's consolidation run.
type Result struct {
	UserID string `json:"user_id"`

	// Skipped is set when the tenant was not consolidated at all, with
	// the reason in SkipReason.
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	MemoriesProcessed int   `json:"memories_processed"`
	FactsExtracted    int   `json:"facts_extracted"`
	FactsApplied      int   `json:"facts_applied"`
	FactsSkipped      int   `json:"facts_skipped"` // Facts referencing unknown entities
	CostCharged       int64 `json:"cost_charged"`
	DeductionFailed   bool  `json:"deduction_failed,omitempty"`

	// Err captures a per-tenant failure during a batch run.
	Err error `json:"-"`
}

// Service runs consolidation cycles.
type Service struct {
	store     Store
	extractor FactExtractor
	guard     CostGuard
	resolver  UserResolver
	cfg       config.ConsolidateConfig

	// now is injectable for tests.
	now func() time.Time
}

// NewService creates the consolidation service. resolver may be nil, in
// which case batch runs assume direct-lane FREE tenants.
func NewService(store Store, extractor FactExtractor, guard CostGuard, resolver UserResolver, cfg config.ConsolidateConfig) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = 5
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 50
	}
	if cfg.AvgTokensPerMemory <= 0 {
		cfg.AvgTokensPerMemory = 100
	}
	if resolver == nil {
		resolver = func(_ context.Context, userID string) (types.UserContext, error) {
			return types.UserContext{UserID: userID, Source: types.SourceDirect, Tier: types.TierFree}, nil
		}
	}

	return &Service{
		store:     store,
		extractor: extractor,
		guard:     guard,
		resolver:  resolver,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// ConsolidateUser runs one consolidation cycle for a single tenant.
// Ineligibility (wrong lane, too few memories, denied admission) is a
// skipped result, not an error; errors are reserved for provider and store
// failures.
func (s *Service) ConsolidateUser(ctx context.Context, user types.UserContext) (*Result, error) {
	if user.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", types.ErrInvalidInput)
	}

	result := &Result{UserID: user.UserID}

	if !user.IsDirect() {
		result.Skipped = true
		result.SkipReason = "consolidation is a direct-lane feature"
		return result, nil
	}

	since := s.now().Add(-s.cfg.Window)
	batch, err := s.store.UnconsolidatedBatch(ctx, user.UserID, since, s.cfg.MaxBatch)
	if err != nil {
		return nil, err
	}
	if len(batch) < s.cfg.MinBatch {
		result.Skipped = true
		result.SkipReason = fmt.Sprintf("only %d unconsolidated memories in window, need %d", len(batch), s.cfg.MinBatch)
		return result, nil
	}

	estimatedCost := s.guard.PriceTokens(len(batch)*s.cfg.AvgTokensPerMemory, false)
	decision, err := s.guard.CheckAccess(ctx, user, estimatedCost)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed || !decision.AllowBackgroundJobs {
		result.Skipped = true
		result.SkipReason = "admission denied: " + decision.Reason
		return result, nil
	}

	texts := make([]string, len(batch))
	ids := make([]string, len(batch))
	for i, memory := range batch {
		texts[i] = memory.Text
		ids[i] = memory.ID
	}

	facts, tokensUsed, err := s.extractor.ExtractFacts(ctx, texts)
	if err != nil {
		return nil, types.NewProviderError("extraction", err)
	}
	result.FactsExtracted = len(facts)

	for _, fact := range facts {
		importance := fact.Confidence * importanceDiscount
		err := s.store.AppendEntityFact(ctx, user.UserID, fact.EntityName, fact.EntityType, fact.Fact, importance)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				// The fact references an entity extraction never created.
				// Dropped, not fatal.
				log.Printf("consolidate: skipping fact for unknown entity %q/%q (tenant %s)", fact.EntityName, fact.EntityType, user.UserID)
				result.FactsSkipped++
				continue
			}
			return nil, err
		}
		result.FactsApplied++
	}

	if err := s.store.MarkConsolidated(ctx, user.UserID, ids); err != nil {
		return nil, err
	}
	result.MemoriesProcessed = len(batch)

	result.CostCharged = s.guard.PriceTokens(tokensUsed, false)
	if err := s.guard.Deduct(ctx, user, result.CostCharged); err != nil {
		result.DeductionFailed = true
		log.Printf("ERROR: consolidate: deduction of %d failed for %s: %v", result.CostCharged, user.UserID, err)
	}

	log.Printf("consolidate: tenant %s: %d memories -> %d facts (%d applied, %d skipped), cost %d",
		user.UserID, result.MemoriesProcessed, result.FactsExtracted, result.FactsApplied, result.FactsSkipped, result.CostCharged)
	return result, nil
}

// ConsolidateAllUsers runs one cycle for every eligible tenant. Per-tenant
// failures are captured in the results and never abort the batch.
func (s *Service) ConsolidateAllUsers(ctx context.Context) []*Result {
	since := s.now().Add(-s.cfg.Window)

	tenants, err := s.store.EligibleTenants(ctx, since, s.cfg.MinBatch)
	if err != nil {
		log.Printf("ERROR: consolidate: eligible tenants query failed: %v", err)
		return nil
	}

	results := make([]*Result, 0, len(tenants))
	for _, userID := range tenants {
		user, err := s.resolver(ctx, userID)
		if err != nil {
			log.Printf("ERROR: consolidate: failed to resolve tenant %s: %v", userID, err)
			results = append(results, &Result{UserID: userID, Err: err})
			continue
		}

		result, err := s.ConsolidateUser(ctx, user)
		if err != nil {
			log.Printf("ERROR: consolidate: tenant %s failed: %v", userID, err)
			results = append(results, &Result{UserID: userID, Err: err})
			continue
		}
		results = append(results, result)
	}
	return results
}
