// Package retrieval converts a query into a bounded, date-ordered context
// block respecting a token cap and the per-chat inclusion mask.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/internal/chunker"
	"github.com/nikira-studio/lifequery/internal/embeddings"
	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/pkg/types"
)

// Result is the assembled retrieval output.
type Result struct {
	ContextText string
	Citations   []types.Citation
}

// VectorSearcher is the slice of the vector store retrieval needs.
type VectorSearcher interface {
	Query(ctx context.Context, embedding []float32, k int, includedChatIDs []int64) ([]*types.VectorRecord, error)
}

// Engine retrieves and assembles context for a query.
type Engine struct {
	store    *store.Store
	vectors  VectorSearcher
	embedder embeddings.Client
	logger   logging.Logger
}

// New creates a retrieval engine.
func New(st *store.Store, vectors VectorSearcher, embedder embeddings.Client) *Engine {
	return &Engine{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		logger:   logging.Default().WithComponent("retrieval"),
	}
}

// Retrieve embeds the query, searches the vector store restricted to the
// inclusion mask and greedily assembles a date-ordered context under the
// token cap. Vector-store or embedder failures degrade to an empty result so
// chat stays available during partial outages.
func (e *Engine) Retrieve(ctx context.Context, query string, settings *store.Settings) *Result {
	empty := &Result{}
	if strings.TrimSpace(query) == "" {
		return empty
	}
	topK, contextCap := settings.RAGTopK, settings.ContextTokenCap
	// The query vector must come from the same model as the stored vectors.
	e.embedder.Reset(settings.EmbeddingBaseURL, settings.EmbeddingModel, settings.EmbeddingAPIKey)

	included, err := e.store.IncludedChatIDs(ctx)
	if err != nil {
		e.logger.Error("Failed to read inclusion mask", "error", err)
		return empty
	}
	if len(included) == 0 {
		return empty
	}

	queryVectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		e.logger.Error("Failed to embed query", "error", err)
		return empty
	}

	records, err := e.vectors.Query(ctx, queryVectors[0], topK, included)
	if err != nil {
		e.logger.Error("Vector query failed", "error", err)
		return empty
	}
	if len(records) == 0 {
		return empty
	}

	// Similarity decided inclusion; display order is chronological.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartTS < records[j].StartTS
	})

	return assemble(records, contextCap)
}

// assemble greedily builds the context string. A record that would overflow
// the cap is skipped while assembly continues, so smaller records that come
// after it are not starved by one oversized block.
func assemble(records []*types.VectorRecord, contextCap int) *Result {
	result := &Result{}
	var sb strings.Builder
	used := 0

	for _, r := range records {
		block := renderRecord(r)
		cost := chunker.EstimateTokens(block)
		if contextCap > 0 && used+cost > contextCap {
			continue
		}
		sb.WriteString(block)
		used += cost
		result.Citations = append(result.Citations, types.Citation{
			ChunkID:  r.ChunkID,
			ChatName: r.ChatName,
			StartTS:  r.StartTS,
			EndTS:    r.EndTS,
			Excerpt:  r.Excerpt,
		})
	}
	result.ContextText = sb.String()
	return result
}

func renderRecord(r *types.VectorRecord) string {
	start := time.Unix(r.StartTS, 0).UTC().Format("2006-01-02")
	end := time.Unix(r.EndTS, 0).UTC().Format("2006-01-02")
	header := fmt.Sprintf("[%s] %s → %s", r.ChatName, start, end)
	if len(r.Participants) > 0 {
		header += ", participants: " + strings.Join(r.Participants, ", ")
	}
	text := r.Text
	if text == "" {
		text = r.Excerpt
	}
	return header + "\n\n" + text + "\n---\n"
}
