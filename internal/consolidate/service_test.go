package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/billing"
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/pkg/types"
)

type appliedFact struct {
	name       string
	entityType string
	fact       string
	importance float64
}

type fakeStore struct {
	mu sync.Mutex

	memories        map[string][]types.Memory // keyed by user ID
	consolidated    map[string]bool           // keyed by memory ID
	knownEntities   map[string]bool           // keyed by name
	applied         []appliedFact
	importanceByKey map[string]float64 // name -> highest importance seen

	batchErr   error
	markErr    error
	tenantsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories:        make(map[string][]types.Memory),
		consolidated:    make(map[string]bool),
		knownEntities:   make(map[string]bool),
		importanceByKey: make(map[string]float64),
	}
}

func (s *fakeStore) addMemories(userID string, count int, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-mem-%d", userID, len(s.memories[userID]))
		s.memories[userID] = append(s.memories[userID], types.Memory{
			ID:        id,
			UserID:    userID,
			Text:      fmt.Sprintf("memory %d for %s", i, userID),
			CreatedAt: createdAt,
		})
	}
}

func (s *fakeStore) UnconsolidatedBatch(_ context.Context, userID string, since time.Time, limit int) ([]types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	var batch []types.Memory
	for _, memory := range s.memories[userID] {
		if s.consolidated[memory.ID] || memory.CreatedAt.Before(since) {
			continue
		}
		batch = append(batch, memory)
		if len(batch) == limit {
			break
		}
	}
	return batch, nil
}

func (s *fakeStore) MarkConsolidated(_ context.Context, _ string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	for _, id := range ids {
		s.consolidated[id] = true
	}
	return nil
}

func (s *fakeStore) EligibleTenants(_ context.Context, since time.Time, minCount int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenantsErr != nil {
		return nil, s.tenantsErr
	}
	var tenants []string
	for userID, memories := range s.memories {
		count := 0
		for _, memory := range memories {
			if !s.consolidated[memory.ID] && !memory.CreatedAt.Before(since) {
				count++
			}
		}
		if count >= minCount {
			tenants = append(tenants, userID)
		}
	}
	return tenants, nil
}

func (s *fakeStore) AppendEntityFact(_ context.Context, _, name, entityType, fact string, importance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownEntities[name] {
		return types.ErrNotFound
	}
	s.applied = append(s.applied, appliedFact{name: name, entityType: entityType, fact: fact, importance: importance})
	if importance > s.importanceByKey[name] {
		s.importanceByKey[name] = importance
	}
	return nil
}

type fakeExtractor struct {
	facts      []types.ConsolidationFact
	tokensUsed int
	err        error

	mu    sync.Mutex
	calls [][]string
}

func (e *fakeExtractor) ExtractFacts(_ context.Context, texts []string) ([]types.ConsolidationFact, int, error) {
	e.mu.Lock()
	e.calls = append(e.calls, texts)
	e.mu.Unlock()
	if e.err != nil {
		return nil, 0, e.err
	}
	return e.facts, e.tokensUsed, nil
}

type fakeGuard struct {
	decision  billing.Decision
	checkErr  error
	deductErr error

	mu         sync.Mutex
	deductions []int64
}

func (g *fakeGuard) CheckAccess(_ context.Context, _ types.UserContext, _ int64) (billing.Decision, error) {
	if g.checkErr != nil {
		return billing.Decision{}, g.checkErr
	}
	return g.decision, nil
}

func (g *fakeGuard) Deduct(_ context.Context, _ types.UserContext, actualCost int64) error {
	if g.deductErr != nil {
		return g.deductErr
	}
	g.mu.Lock()
	g.deductions = append(g.deductions, actualCost)
	g.mu.Unlock()
	return nil
}

func (g *fakeGuard) PriceTokens(tokenCount int, withExtraction bool) int64 {
	cost := int64((tokenCount + 999) / 1000 * 2)
	if withExtraction {
		cost *= 3
	}
	return cost
}

func directUser(id string) types.UserContext {
	return types.UserContext{UserID: id, Source: types.SourceDirect, Tier: types.TierPro}
}

func testService(store *fakeStore, extractor *fakeExtractor, guard *fakeGuard) *Service {
	cfg := config.ConsolidateConfig{
		Window:             24 * time.Hour,
		MinBatch:           5,
		MaxBatch:           50,
		AvgTokensPerMemory: 100,
	}
	svc := NewService(store, extractor, guard, nil, cfg)
	return svc
}

func TestConsolidateUserRequiresUser(t *testing.T) {
	svc := testService(newFakeStore(), &fakeExtractor{}, &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}})

	_, err := svc.ConsolidateUser(context.Background(), types.UserContext{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestConsolidateUserSkipsRapidAPILane(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 10, time.Now())
	svc := testService(store, &fakeExtractor{}, &fakeGuard{})

	result, err := svc.ConsolidateUser(context.Background(), types.UserContext{UserID: "u1", Source: types.SourceRapidAPI})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.SkipReason, "direct-lane")
	assert.Zero(t, result.MemoriesProcessed)
}

func TestConsolidateUserSkipsSmallBatch(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 4, time.Now())
	extractor := &fakeExtractor{}
	svc := testService(store, extractor, &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}})

	result, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.SkipReason, "need 5")
	assert.Empty(t, extractor.calls)
}

func TestConsolidateUserIgnoresMemoriesOutsideWindow(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 3, time.Now())
	store.addMemories("u1", 10, time.Now().Add(-48*time.Hour))
	svc := testService(store, &fakeExtractor{}, &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}})

	result, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestConsolidateUserSkipsWhenDenied(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 10, time.Now())
	extractor := &fakeExtractor{}
	guard := &fakeGuard{decision: billing.Decision{Allowed: false, Reason: "insufficient balance"}}
	svc := testService(store, extractor, guard)

	result, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.SkipReason, "insufficient balance")
	assert.Empty(t, extractor.calls)
	assert.Empty(t, guard.deductions)
}

func TestConsolidateUserFullCycle(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 6, time.Now())
	store.knownEntities["John Smith"] = true
	store.knownEntities["Acme Corp"] = true

	extractor := &fakeExtractor{
		facts: []types.ConsolidationFact{
			{EntityName: "John Smith", EntityType: "person", Fact: "Prefers morning meetings.", Confidence: 0.9},
			{EntityName: "Acme Corp", EntityType: "organization", Fact: "Headquartered in Boston.", Confidence: 0.7},
		},
		tokensUsed: 1500,
	}
	guard := &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}}
	svc := testService(store, extractor, guard)

	result, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, 6, result.MemoriesProcessed)
	assert.Equal(t, 2, result.FactsExtracted)
	assert.Equal(t, 2, result.FactsApplied)
	assert.Zero(t, result.FactsSkipped)

	require.Len(t, store.applied, 2)
	assert.InDelta(t, 0.9*importanceDiscount, store.applied[0].importance, 1e-9)
	assert.InDelta(t, 0.7*importanceDiscount, store.applied[1].importance, 1e-9)

	// All six source memories must be flagged.
	for id := range store.consolidated {
		assert.True(t, store.consolidated[id])
	}
	assert.Len(t, store.consolidated, 6)

	// 1500 tokens at 2 credits per started thousand, no extraction multiplier.
	assert.Equal(t, int64(4), result.CostCharged)
	assert.Equal(t, []int64{4}, guard.deductions)

	// The extractor saw every batch text.
	require.Len(t, extractor.calls, 1)
	assert.Len(t, extractor.calls[0], 6)
}

func TestConsolidateUserSkipsUnknownEntityFacts(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 5, time.Now())
	store.knownEntities["John Smith"] = true

	extractor := &fakeExtractor{
		facts: []types.ConsolidationFact{
			{EntityName: "John Smith", EntityType: "person", Fact: "Works remotely.", Confidence: 0.8},
			{EntityName: "Ghost Inc", EntityType: "organization", Fact: "Never extracted.", Confidence: 0.9},
		},
		tokensUsed: 400,
	}
	svc := testService(store, extractor, &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}})

	result, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.FactsApplied)
	assert.Equal(t, 1, result.FactsSkipped)
	assert.Equal(t, 5, result.MemoriesProcessed)
}

func TestConsolidateUserRerunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 6, time.Now())
	store.knownEntities["John Smith"] = true

	extractor := &fakeExtractor{
		facts:      []types.ConsolidationFact{{EntityName: "John Smith", EntityType: "person", Fact: "Likes jazz.", Confidence: 0.9}},
		tokensUsed: 200,
	}
	guard := &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}}
	svc := testService(store, extractor, guard)

	first, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)
	assert.Equal(t, 6, first.MemoriesProcessed)

	// Everything is consolidated now; the second run finds nothing to do
	// and charges nothing.
	second, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Len(t, guard.deductions, 1)
	assert.InDelta(t, 0.9*importanceDiscount, store.importanceByKey["John Smith"], 1e-9)
}

func TestConsolidateUserExtractionFailure(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 5, time.Now())
	extractor := &fakeExtractor{err: errors.New("model timeout")}
	guard := &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}}
	svc := testService(store, extractor, guard)

	_, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.Error(t, err)
	assert.True(t, types.IsProviderError(err))

	// Nothing marked, nothing charged; the batch remains for the next cycle.
	assert.Empty(t, store.consolidated)
	assert.Empty(t, guard.deductions)
}

func TestConsolidateUserDeductionFailureDoesNotFail(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 5, time.Now())
	store.knownEntities["John Smith"] = true
	extractor := &fakeExtractor{
		facts:      []types.ConsolidationFact{{EntityName: "John Smith", EntityType: "person", Fact: "Has two cats.", Confidence: 0.6}},
		tokensUsed: 100,
	}
	guard := &fakeGuard{
		decision:  billing.Decision{Allowed: true, AllowBackgroundJobs: true},
		deductErr: errors.New("redis down"),
	}
	svc := testService(store, extractor, guard)

	result, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)
	assert.True(t, result.DeductionFailed)
	assert.Equal(t, 5, result.MemoriesProcessed)
	assert.Len(t, store.consolidated, 5)
}

func TestConsolidateAllUsers(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 6, time.Now())
	store.addMemories("u2", 8, time.Now())
	store.addMemories("u3", 2, time.Now()) // Below threshold, not eligible
	store.knownEntities["John Smith"] = true

	extractor := &fakeExtractor{
		facts:      []types.ConsolidationFact{{EntityName: "John Smith", EntityType: "person", Fact: "Speaks French.", Confidence: 0.8}},
		tokensUsed: 300,
	}
	guard := &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}}
	svc := testService(store, extractor, guard)

	results := svc.ConsolidateAllUsers(context.Background())
	require.Len(t, results, 2)

	processed := 0
	for _, result := range results {
		require.NoError(t, result.Err)
		assert.False(t, result.Skipped)
		processed += result.MemoriesProcessed
	}
	assert.Equal(t, 14, processed)
	assert.Len(t, store.consolidated, 14)
}

func TestConsolidateAllUsersCapturesPerTenantErrors(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 6, time.Now())
	extractor := &fakeExtractor{err: errors.New("model unavailable")}
	guard := &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}}
	svc := testService(store, extractor, guard)

	results := svc.ConsolidateAllUsers(context.Background())
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Equal(t, "u1", results[0].UserID)
}

func TestConsolidateAllUsersResolverFailure(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 6, time.Now())
	cfg := config.ConsolidateConfig{Window: 24 * time.Hour, MinBatch: 5, MaxBatch: 50, AvgTokensPerMemory: 100}
	resolver := func(context.Context, string) (types.UserContext, error) {
		return types.UserContext{}, errors.New("tenant lookup failed")
	}
	svc := NewService(store, &fakeExtractor{}, &fakeGuard{}, resolver, cfg)

	results := svc.ConsolidateAllUsers(context.Background())
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestConsolidateUserBatchCap(t *testing.T) {
	store := newFakeStore()
	store.addMemories("u1", 60, time.Now())
	store.knownEntities["John Smith"] = true
	extractor := &fakeExtractor{
		facts:      []types.ConsolidationFact{{EntityName: "John Smith", EntityType: "person", Fact: "Runs marathons.", Confidence: 0.9}},
		tokensUsed: 900,
	}
	svc := testService(store, extractor, &fakeGuard{decision: billing.Decision{Allowed: true, AllowBackgroundJobs: true}})

	result, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)
	assert.Equal(t, 50, result.MemoriesProcessed)
	assert.Len(t, store.consolidated, 50)

	// The ten leftovers are picked up by the next cycle.
	second, err := svc.ConsolidateUser(context.Background(), directUser("u1"))
	require.NoError(t, err)
	assert.Equal(t, 10, second.MemoriesProcessed)
}

func TestSchedulerRunOnceSkipsOverlap(t *testing.T) {
	store := newFakeStore()
	svc := testService(store, &fakeExtractor{}, &fakeGuard{})
	scheduler := NewScheduler(svc, time.Hour)

	scheduler.running.Lock()
	assert.False(t, scheduler.RunOnce(context.Background()))
	scheduler.running.Unlock()

	assert.True(t, scheduler.RunOnce(context.Background()))
}

func TestSchedulerStartStop(t *testing.T) {
	svc := testService(newFakeStore(), &fakeExtractor{}, &fakeGuard{})
	scheduler := NewScheduler(svc, time.Hour)

	scheduler.Start()
	scheduler.Stop()
	// Stop is idempotent.
	scheduler.Stop()
}
