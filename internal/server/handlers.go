package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/scrypster/recall/internal/ingest"
	"github.com/scrypster/recall/internal/retrieval"
	"github.com/scrypster/recall/pkg/types"
)

// Tenant identity headers. The routing layer in front of Recall is trusted
// to set them; the lane header in particular decides which billing policy
// applies.
const (
	headerUser   = "X-Recall-User"
	headerSource = "X-Recall-Source"
	headerTier   = "X-Recall-Tier"
)

type apiHandlers struct {
	deps Deps
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARNING: server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// userFromRequest builds the tenant context from the identity headers.
func userFromRequest(r *http.Request) (types.UserContext, bool) {
	userID := strings.TrimSpace(r.Header.Get(headerUser))
	if userID == "" {
		return types.UserContext{}, false
	}

	source := types.Source(strings.ToUpper(strings.TrimSpace(r.Header.Get(headerSource))))
	if source == "" {
		source = types.SourceDirect
	}
	tier := types.Tier(strings.ToUpper(strings.TrimSpace(r.Header.Get(headerTier))))
	if tier == "" {
		tier = types.TierFree
	}

	return types.UserContext{UserID: userID, Source: source, Tier: tier}, true
}

type submitMemoryRequest struct {
	Text          string            `json:"text"`
	EmbeddingOnly bool              `json:"embedding_only,omitempty"`
	ClientKey     string            `json:"client_key,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type submitMemoryResponse struct {
	JobID string `json:"job_id"`
}

// SubmitMemory enqueues an ingestion job and returns 202 with its ID.
func (h *apiHandlers) SubmitMemory(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing "+headerUser+" header")
		return
	}

	var body submitMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	jobID, err := h.deps.Pipeline.Submit(r.Context(), ingest.SubmitRequest{
		User:          user,
		Text:          body.Text,
		EmbeddingOnly: body.EmbeddingOnly,
		ClientKey:     body.ClientKey,
		Metadata:      body.Metadata,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitMemoryResponse{JobID: jobID})
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrShuttingDown):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, types.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("ERROR: server: submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "submission failed")
	}
}

// GetJob reports the status of an ingestion job.
func (h *apiHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	status, err := h.deps.Pipeline.GetStatus(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown job")
			return
		}
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type retrieveRequest struct {
	Query         string  `json:"query"`
	MaxMemories   int     `json:"max_memories,omitempty"`
	MaxEntities   int     `json:"max_entities,omitempty"`
	GraphDepth    int     `json:"graph_depth,omitempty"`
	MinSimilarity float64 `json:"min_similarity,omitempty"`
}

// Retrieve runs a synchronous context query.
func (h *apiHandlers) Retrieve(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing "+headerUser+" header")
		return
	}
	// RapidAPI is an ingestion-only lane; its tenants never read back.
	if user.Source == types.SourceRapidAPI {
		writeError(w, http.StatusForbidden, "retrieval is not available on the RapidAPI lane")
		return
	}

	var body retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.deps.Retriever.Retrieve(r.Context(), retrieval.Request{
		User:          user,
		Query:         body.Query,
		MaxMemories:   body.MaxMemories,
		MaxEntities:   body.MaxEntities,
		GraphDepth:    body.GraphDepth,
		MinSimilarity: body.MinSimilarity,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, types.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case types.IsProviderError(err):
		writeError(w, http.StatusBadGateway, "embedding provider unavailable")
	default:
		log.Printf("ERROR: server: retrieve failed: %v", err)
		writeError(w, http.StatusInternalServerError, "retrieval failed")
	}
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// GetBalance returns the tenant's live balance.
func (h *apiHandlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing "+headerUser+" header")
		return
	}

	balance, err := h.deps.Accounts.GetBalance(r.Context(), user.UserID)
	if err != nil {
		log.Printf("ERROR: server: balance lookup failed for %s: %v", user.UserID, err)
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: user.UserID, Balance: balance})
}

type addCreditsRequest struct {
	Amount int64 `json:"amount"`
}

// AddCredits tops up the tenant's balance.
func (h *apiHandlers) AddCredits(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing "+headerUser+" header")
		return
	}

	var body addCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	balance, err := h.deps.Accounts.AddCredits(r.Context(), user.UserID, body.Amount)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, balanceResponse{UserID: user.UserID, Balance: balance})
	case errors.Is(err, types.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("ERROR: server: credit top-up failed for %s: %v", user.UserID, err)
		writeError(w, http.StatusInternalServerError, "credit top-up failed")
	}
}

// GetStats returns the tenant's memory and graph counters.
func (h *apiHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing "+headerUser+" header")
		return
	}

	stats, err := h.deps.Stats.TenantStats(r.Context(), user.UserID)
	if err != nil {
		log.Printf("ERROR: server: stats lookup failed for %s: %v", user.UserID, err)
		writeError(w, http.StatusInternalServerError, "stats lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Health pings the backing stores and reports per-component status.
func (h *apiHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := healthResponse{Status: "healthy", Components: map[string]string{}}
	probes := map[string]Pinger{
		"postgres": h.deps.Store,
		"redis":    h.deps.Balances,
	}
	for name, probe := range probes {
		if probe == nil {
			response.Components[name] = "ok"
			continue
		}
		if err := probe.Ping(r.Context()); err != nil {
			response.Components[name] = err.Error()
			response.Status = "degraded"
		} else {
			response.Components[name] = "ok"
		}
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}
