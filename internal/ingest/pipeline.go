// Package ingest implements the asynchronous ingestion pipeline: a bounded
// submission queue drained by a fixed worker pool that embeds, extracts and
// persists incoming statements, charging tenants for the work actually done.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/recall/internal/billing"
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/llm"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/tokens"
	"github.com/scrypster/recall/pkg/types"
)

// ErrQueueFull is returned by Submit when the queue has no capacity. The
// submitter sees it immediately instead of blocking.
var ErrQueueFull = errors.New("ingest: queue full")

// ErrShuttingDown is returned by Submit after Stop has been called.
var ErrShuttingDown = errors.New("ingest: shutting down")

// GraphExtractor produces structured graph knowledge from one statement.
// *llm.Extractor is the production implementation.
type GraphExtractor interface {
	ExtractGraph(ctx context.Context, text string) (*types.ExtractionResult, error)
}

// CostGuard is the admission and accounting surface the pipeline needs.
// *billing.Guard is the production implementation.
type CostGuard interface {
	CheckAccess(ctx context.Context, user types.UserContext, estimatedCost int64) (billing.Decision, error)
	Deduct(ctx context.Context, user types.UserContext, actualCost int64) error
	PriceTokens(tokenCount int, withExtraction bool) int64
}

// Pipeline accepts statements and processes them asynchronously.
type Pipeline struct {
	store     storage.GraphStore
	embedder  llm.EmbeddingGenerator
	extractor GraphExtractor
	guard     CostGuard
	cfg       config.IngestConfig

	queue    chan *job
	registry *jobRegistry

	workerWaitGroup sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewPipeline wires the pipeline. Call Start to launch the workers.
func NewPipeline(store storage.GraphStore, embedder llm.EmbeddingGenerator, extractor GraphExtractor, guard CostGuard, cfg config.IngestConfig) *Pipeline {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Pipeline{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		guard:     guard,
		cfg:       cfg,
		queue:     make(chan *job, cfg.QueueSize),
		registry:  newJobRegistry(),
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.workerWaitGroup.Add(1)
		go p.worker(ctx, i)
	}
	log.Printf("Started %d ingestion workers", p.cfg.NumWorkers)
}

// Stop closes the queue and waits for the workers to drain, up to the
// configured shutdown timeout.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workerWaitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All ingestion workers finished gracefully")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		log.Printf("WARNING: Shutdown timeout reached, %d ingestion jobs may be dropped", len(p.queue))
		return nil
	case <-ctx.Done():
		log.Printf("WARNING: Context cancelled, %d ingestion jobs may be dropped", len(p.queue))
		return ctx.Err()
	}
}

// Submit enqueues one statement for ingestion and returns the job ID. It
// never blocks: a full queue fails fast with ErrQueueFull.
func (p *Pipeline) Submit(_ context.Context, request SubmitRequest) (string, error) {
	if request.User.UserID == "" {
		return "", fmt.Errorf("%w: user is required", types.ErrInvalidInput)
	}
	if strings.TrimSpace(request.Text) == "" {
		return "", fmt.Errorf("%w: text is required", types.ErrInvalidInput)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", ErrShuttingDown
	}

	jobID := uuid.New().String()
	p.registry.add(jobID, request)

	select {
	case p.queue <- &job{id: jobID, request: request}:
		return jobID, nil
	default:
		p.registry.markFailed(jobID, ErrQueueFull)
		return "", ErrQueueFull
	}
}

// GetStatus returns a snapshot of the job's progress.
// Returns types.ErrNotFound for unknown job IDs.
func (p *Pipeline) GetStatus(jobID string) (*JobStatus, error) {
	status, ok := p.registry.get(jobID)
	if !ok {
		return nil, types.ErrNotFound
	}
	return status, nil
}

// QueueLength reports the jobs currently waiting in the queue.
func (p *Pipeline) QueueLength() int {
	return len(p.queue)
}

func (p *Pipeline) worker(ctx context.Context, workerID int) {
	defer p.workerWaitGroup.Done()

	log.Printf("Ingestion worker %d started", workerID)

	for j := range p.queue {
		p.runJob(ctx, workerID, j)
	}

	log.Printf("Ingestion worker %d stopped", workerID)
}

// runJob drives one job through processing, retrying transient provider
// failures with exponential backoff. Validation, admission and store
// failures are final on the first occurrence.
func (p *Pipeline) runJob(ctx context.Context, workerID int, j *job) {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			backoff := p.cfg.RetryBackoff << (attempt - 2)
			log.Printf("Worker %d: waiting %v before retry (attempt %d) for job %s", workerID, backoff, attempt, j.id)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				p.registry.markFailed(j.id, ctx.Err())
				return
			}
		}

		p.registry.markActive(j.id, attempt)

		lastErr = p.processJob(ctx, workerID, j)
		if lastErr == nil {
			return
		}
		if !types.IsProviderError(lastErr) {
			// Only transient provider failures are worth retrying.
			break
		}
		log.Printf("Worker %d: provider failure on job %s (attempt %d): %v", workerID, j.id, attempt, lastErr)
	}

	log.Printf("ERROR: Worker %d: job %s failed: %v", workerID, j.id, lastErr)
	p.registry.markFailed(j.id, lastErr)
}

// processJob executes one ingestion attempt end to end.
func (p *Pipeline) processJob(ctx context.Context, workerID int, j *job) error {
	user := j.request.User
	text := j.request.Text

	// Estimate the cost of the work ahead. Extraction only runs for the
	// direct lane, so the estimate reflects the lane too.
	estimatedTokens := tokens.Estimate(text)
	wantExtraction := !j.request.EmbeddingOnly && user.IsDirect()
	estimatedCost := p.guard.PriceTokens(estimatedTokens, wantExtraction)

	decision, err := p.guard.CheckAccess(ctx, user, estimatedCost)
	if err != nil {
		return fmt.Errorf("admission check failed: %w", err)
	}
	if !decision.Allowed {
		return &types.AccessDeniedError{UserID: user.UserID, Reason: decision.Reason, Shortfall: decision.Shortfall}
	}
	runExtraction := wantExtraction && decision.AllowBackgroundJobs

	p.registry.update(j.id, func(s *JobStatus) { s.Progress = 25 })

	embedding, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return types.NewProviderError("embedding", err)
	}

	p.registry.update(j.id, func(s *JobStatus) { s.Progress = 50 })

	memory := &types.Memory{
		ID:              uuid.New().String(),
		UserID:          user.UserID,
		Text:            text,
		Embedding:       embedding,
		ImportanceScore: 0.5,
		Confidence:      1.0,
		CreatedAt:       time.Now().UTC(),
	}

	actualTokens := estimatedTokens
	var entities []types.Entity
	var relationships []types.ExtractedRelationship

	if runExtraction {
		result, err := p.extractor.ExtractGraph(ctx, text)
		if err != nil {
			return types.NewProviderError("extraction", err)
		}
		actualTokens += result.TokensUsed
		memory.CompressedText = result.Summary

		entities = make([]types.Entity, 0, len(result.Entities))
		for _, extracted := range result.Entities {
			entityText := extracted.Name
			if extracted.Description != "" {
				entityText += " " + extracted.Description
			}
			entityEmbedding, err := p.embedder.Embed(ctx, entityText)
			if err != nil {
				return types.NewProviderError("embedding", err)
			}
			actualTokens += tokens.Estimate(entityText)

			entities = append(entities, types.Entity{
				ID:          uuid.New().String(),
				UserID:      user.UserID,
				Name:        extracted.Name,
				Type:        extracted.Type,
				Description: extracted.Description,
				Embedding:   entityEmbedding,
				Importance:  extracted.Importance,
				Confidence:  extracted.Confidence,
			})
		}
		relationships = result.Relationships
	}

	p.registry.update(j.id, func(s *JobStatus) { s.Progress = 75 })

	if err := p.store.ApplyExtraction(ctx, memory, entities, relationships); err != nil {
		return fmt.Errorf("store write failed: %w", err)
	}

	// Charge for the work actually done. The write is already durable at
	// this point: a deduction failure is recorded on the job result for
	// reconciliation, never rolled back.
	actualCost := p.guard.PriceTokens(actualTokens, runExtraction)
	deductionFailed := false
	if err := p.guard.Deduct(ctx, user, actualCost); err != nil {
		deductionFailed = true
		log.Printf("ERROR: Worker %d: deduction of %d failed for %s after durable write: %v", workerID, actualCost, user.UserID, err)
	}

	now := time.Now().UTC()
	p.registry.update(j.id, func(s *JobStatus) {
		s.State = JobCompleted
		s.Progress = 100
		s.MemoryID = memory.ID
		s.EntityCount = len(entities)
		s.RelationshipCount = len(relationships)
		s.CostCharged = actualCost
		s.DeductionFailed = deductionFailed
		s.CompletedAt = &now
	})

	log.Printf("Worker %d completed job %s: memory %s, %d entities, %d relationships, cost %d",
		workerID, j.id, memory.ID, len(entities), len(relationships), actualCost)
	return nil
}
