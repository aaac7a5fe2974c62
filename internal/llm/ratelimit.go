package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedText wraps a TextGenerator with a token-bucket limiter so a
// burst of ingestion jobs cannot flood the upstream provider.
type RateLimitedText struct {
	gen     TextGenerator
	limiter *rate.Limiter
}

// NewRateLimitedText wraps gen with a limiter of perSecond calls (burst of
// the same size, minimum 1).
func NewRateLimitedText(gen TextGenerator, perSecond float64) *RateLimitedText {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedText{gen: gen, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Complete waits for limiter capacity, then delegates. A context cancelled
// while waiting surfaces as the wait error.
func (r *RateLimitedText) Complete(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.gen.Complete(ctx, prompt)
}

func (r *RateLimitedText) GetModel() string {
	return r.gen.GetModel()
}

// HealthCheck delegates to the wrapped generator when it supports probing.
// The probe itself is not rate limited.
func (r *RateLimitedText) HealthCheck(ctx context.Context) error {
	if hc, ok := r.gen.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// RateLimitedEmbedding wraps an EmbeddingGenerator with a token-bucket limiter.
type RateLimitedEmbedding struct {
	gen     EmbeddingGenerator
	limiter *rate.Limiter
}

// NewRateLimitedEmbedding wraps gen with a limiter of perSecond calls.
func NewRateLimitedEmbedding(gen EmbeddingGenerator, perSecond float64) *RateLimitedEmbedding {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedEmbedding{gen: gen, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimitedEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.gen.Embed(ctx, text)
}

func (r *RateLimitedEmbedding) GetModel() string {
	return r.gen.GetModel()
}

// HealthCheck delegates to the wrapped generator when it supports probing.
func (r *RateLimitedEmbedding) HealthCheck(ctx context.Context) error {
	if hc, ok := r.gen.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

var (
	_ TextGenerator      = (*RateLimitedText)(nil)
	_ EmbeddingGenerator = (*RateLimitedEmbedding)(nil)
)
