// cmd/recalld is the entry point for the Recall memory service. It wires the
// Postgres graph store, the Redis balance store, and the LLM providers into
// the ingestion pipeline, the retrieval engine, and the consolidation
// scheduler.
//
// Startup sequence:
//  1. Load configuration from defaults, the optional YAML file, and env vars.
//  2. Open Postgres and apply the schema and pending migrations.
//  3. Connect Redis and verify it with a ping.
//  4. Build the LLM embedding and extraction clients and health-check them.
//  5. Create the cost guard with its async ledger mirror.
//  6. Start the ingestion worker pool and the consolidation scheduler.
//  7. Start the HTTP API server.
//  8. Block until SIGINT / SIGTERM, then drain workers and flush the mirror.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/scrypster/recall/internal/billing"
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/consolidate"
	"github.com/scrypster/recall/internal/ingest"
	"github.com/scrypster/recall/internal/llm"
	"github.com/scrypster/recall/internal/retrieval"
	"github.com/scrypster/recall/internal/server"
	"github.com/scrypster/recall/internal/storage/postgres"
)

// healthChecker is implemented by provider clients that can verify their
// backend is reachable.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("recalld: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := postgres.New(cfg.Storage.PostgresDSN, cfg.Storage.EmbeddingDim)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	balances := billing.NewBalanceStore(rdb, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := balances.Ping(ctx); err != nil {
		log.Fatalf("failed to reach redis at %s: %v", cfg.Redis.Addr, err)
	}

	embedder, err := llm.NewEmbeddingGenerator(cfg.LLM)
	if err != nil {
		log.Fatalf("failed to build embedding client: %v", err)
	}
	generator, err := llm.NewTextGenerator(cfg.LLM)
	if err != nil {
		log.Fatalf("failed to build extraction client: %v", err)
	}
	extractor := llm.NewExtractor(generator)

	for name, client := range map[string]interface{}{
		"embedding":  embedder,
		"extraction": generator,
	} {
		if hc, ok := client.(healthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				log.Printf("WARNING: %s provider health check failed: %v", name, err)
			}
		}
	}
	log.Printf("providers ready: embedding=%s extraction=%s", embedder.GetModel(), generator.GetModel())

	guard := billing.NewGuard(balances, store, &billing.LogProvider{}, cfg.Billing)
	defer guard.Close()

	pipeline := ingest.NewPipeline(store, embedder, extractor, guard, cfg.Ingest)
	pipeline.Start(ctx)

	engine := retrieval.NewEngine(store, embedder)

	consolidator := consolidate.NewService(store, extractor, guard, nil, cfg.Consolidate)
	scheduler := consolidate.NewScheduler(consolidator, cfg.Consolidate.Interval)
	scheduler.Start()

	if _, err := server.Start(ctx, cfg, server.Deps{
		Pipeline:  pipeline,
		Retriever: engine,
		Accounts:  guard,
		Stats:     store,
		Store:     store,
		Balances:  balances,
	}); err != nil {
		log.Fatalf("failed to start http server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, shutting down", sig)

	scheduler.Stop()
	if err := pipeline.Stop(context.Background()); err != nil {
		log.Printf("WARNING: worker pool drain: %v", err)
	}
	cancel()
	log.Printf("shutdown complete")
}
