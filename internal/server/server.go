// Package server provides the HTTP API for the Recall service: memory
// submission, job status, context retrieval, balance management, and a
// health endpoint for monitoring.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/ingest"
	"github.com/scrypster/recall/internal/retrieval"
	"github.com/scrypster/recall/internal/storage"
)

// Submitter accepts ingestion jobs and reports their progress.
// *ingest.Pipeline is the production implementation.
type Submitter interface {
	Submit(ctx context.Context, request ingest.SubmitRequest) (string, error)
	GetStatus(jobID string) (*ingest.JobStatus, error)
}

// Retriever answers context queries. *retrieval.Engine is the production
// implementation.
type Retriever interface {
	Retrieve(ctx context.Context, request retrieval.Request) (*retrieval.Result, error)
}

// Accounts exposes tenant balance operations. *billing.Guard is the
// production implementation.
type Accounts interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	AddCredits(ctx context.Context, userID string, amount int64) (int64, error)
}

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps collects everything the HTTP layer delegates to.
type Deps struct {
	Pipeline  Submitter
	Retriever Retriever
	Accounts  Accounts
	Stats     storage.StatsStore

	// Health probes. Either may be nil, in which case the component is
	// reported as healthy.
	Store    Pinger
	Balances Pinger
}

// Start initializes and starts the HTTP server. It returns the actual
// address being listened on (useful for testing with port 0). The server
// shuts down gracefully when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (string, error) {
	api := &apiHandlers{deps: deps}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/memories", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			api.SubmitMemory(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.GetJob(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/retrieve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			api.Retrieve(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.GetBalance(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/credits", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			api.AddCredits(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.GetStats(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)

	// Health endpoint is exempt from rate limiting so monitors never get
	// throttled into false alarms.
	mux.HandleFunc("/healthz", api.Health)

	rateLimiter := newRateLimiter(10.0, 20)
	handler := rateLimitMiddleware(mux, rateLimiter)
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: server: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("WARNING: server shutdown: %v", err)
		}
	}()

	log.Printf("server: listening on %s", actualAddr)
	return actualAddr, nil
}
