// Package retrieval implements GraphRAG retrieval: semantic search over
// memories and entities, multi-hop graph traversal from the entity anchors,
// and synthesis of the combined context into a single text block.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/scrypster/recall/internal/llm"
	"github.com/scrypster/recall/internal/tokens"
	"github.com/scrypster/recall/pkg/types"
)

// Defaults applied when a request leaves a knob at zero.
const (
	DefaultMaxMemories   = 5
	DefaultMaxEntities   = 5
	DefaultGraphDepth    = 2
	DefaultMinSimilarity = 0.3
)

// emptySynthesis is returned when nothing relevant was found.
const emptySynthesis = "No relevant information found."

// Store is the read surface the engine needs from the storage layer.
type Store interface {
	SearchMemories(ctx context.Context, userID string, embedding []float32, limit int, minSimilarity float64) ([]types.ScoredMemory, error)
	SearchEntities(ctx context.Context, userID string, embedding []float32, limit int, minSimilarity float64) ([]types.ScoredEntity, error)
	Traverse(ctx context.Context, userID string, anchorIDs []string, maxDepth int) ([]types.GraphNode, error)
	TouchMemories(ctx context.Context, userID string, ids []string) error
}

// Request describes one retrieval query.
type Request struct {
	User  types.UserContext `json:"user"`
	Query string            `json:"query"`

	// Zero values fall back to the package defaults.
	MaxMemories   int     `json:"max_memories,omitempty"`
	MaxEntities   int     `json:"max_entities,omitempty"`
	GraphDepth    int     `json:"graph_depth,omitempty"`
	MinSimilarity float64 `json:"min_similarity,omitempty"`
}

// Result is the combined retrieval output.
type Result struct {
	Memories []types.ScoredMemory `json:"memories"`
	Entities []types.ScoredEntity `json:"entities"`
	Graph    []types.GraphNode    `json:"graph"`

	// Synthesis is the assembled context block, ready to drop into an
	// agent prompt.
	Synthesis string `json:"synthesis"`

	// TotalTokens estimates the synthesis size at four characters per
	// token, rounded up.
	TotalTokens int `json:"total_tokens"`
}

// Engine executes retrieval requests.
type Engine struct {
	store    Store
	embedder llm.EmbeddingGenerator
}

// NewEngine creates a retrieval engine.
func NewEngine(store Store, embedder llm.EmbeddingGenerator) *Engine {
	return &Engine{store: store, embedder: embedder}
}

// Retrieve runs the full GraphRAG read path. Provider or store failures
// return an error; there are no partial results.
func (e *Engine) Retrieve(ctx context.Context, request Request) (*Result, error) {
	if request.User.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", types.ErrInvalidInput)
	}
	if strings.TrimSpace(request.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", types.ErrInvalidInput)
	}

	maxMemories := request.MaxMemories
	if maxMemories <= 0 {
		maxMemories = DefaultMaxMemories
	}
	maxEntities := request.MaxEntities
	if maxEntities <= 0 {
		maxEntities = DefaultMaxEntities
	}
	graphDepth := request.GraphDepth
	if graphDepth <= 0 {
		graphDepth = DefaultGraphDepth
	}
	minSimilarity := request.MinSimilarity
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}

	embedding, err := e.embedder.Embed(ctx, request.Query)
	if err != nil {
		return nil, types.NewProviderError("embedding", err)
	}

	memories, err := e.store.SearchMemories(ctx, request.User.UserID, embedding, maxMemories, minSimilarity)
	if err != nil {
		return nil, err
	}

	entities, err := e.store.SearchEntities(ctx, request.User.UserID, embedding, maxEntities, minSimilarity)
	if err != nil {
		return nil, err
	}

	var graph []types.GraphNode
	if len(entities) > 0 {
		anchorIDs := make([]string, len(entities))
		for i, scored := range entities {
			anchorIDs[i] = scored.Entity.ID
		}
		graph, err = e.store.Traverse(ctx, request.User.UserID, anchorIDs, graphDepth)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{
		Memories:  memories,
		Entities:  entities,
		Graph:     graph,
		Synthesis: synthesize(memories, entities, graph),
	}
	result.TotalTokens = tokens.Heuristic(result.Synthesis)

	e.touchAsync(request.User.UserID, memories)

	return result, nil
}

// touchAsync records access times for the returned memories without ever
// failing or delaying the read.
func (e *Engine) touchAsync(userID string, memories []types.ScoredMemory) {
	if len(memories) == 0 {
		return
	}
	ids := make([]string, len(memories))
	for i, scored := range memories {
		ids[i] = scored.Memory.ID
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.TouchMemories(ctx, userID, ids); err != nil {
			log.Printf("WARNING: retrieval: failed to touch memories for %s: %v", userID, err)
		}
	}()
}

// synthesize assembles the three context sections. Returned memories come
// first, then the matched entities, then the traversed graph grouped by
// depth.
func synthesize(memories []types.ScoredMemory, entities []types.ScoredEntity, graph []types.GraphNode) string {
	if len(memories) == 0 && len(entities) == 0 && len(graph) == 0 {
		return emptySynthesis
	}

	var b strings.Builder

	if len(memories) > 0 {
		b.WriteString("Relevant memories:\n")
		for _, scored := range memories {
			text := scored.Memory.Text
			if scored.Memory.CompressedText != "" {
				text = scored.Memory.CompressedText
			}
			fmt.Fprintf(&b, "- [similarity %.2f, importance %.2f] %s\n", scored.Similarity, scored.Memory.ImportanceScore, text)
		}
	}

	if len(entities) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Related entities:\n")
		for _, scored := range entities {
			fmt.Fprintf(&b, "- %s (%s, similarity %.2f)", scored.Entity.Name, scored.Entity.Type, scored.Similarity)
			if scored.Entity.Description != "" {
				fmt.Fprintf(&b, ": %s", scored.Entity.Description)
			}
			b.WriteString("\n")
		}
	}

	if len(graph) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Knowledge graph:\n")
		depth := 0
		for _, node := range graph {
			if node.Depth != depth {
				depth = node.Depth
				fmt.Fprintf(&b, "Depth %d:\n", depth)
			}
			fmt.Fprintf(&b, "- %s (%s): %s", node.EntityName, node.EntityType, node.Path)
			if node.PredicateChain != "" {
				fmt.Fprintf(&b, " [%s]", node.PredicateChain)
			}
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
