// Package retrieval wraps the vector search service with the plain,
// hybrid, and rerank strategies used by the answer pipeline.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/llm"
	"github.com/docuflow/orchestrator/internal/metrics"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/vectordb"
)

// rrfRankOffset dampens rank differences in reciprocal-rank fusion.
const rrfRankOffset = 60

// scrollLimit bounds how many raw chunks the lexical pass considers.
const scrollLimit = 1000

// Completer is the model call the reranker needs.
type Completer interface {
	Complete(ctx context.Context, prompt string, history []models.Message) (string, error)
}

// Searcher is the vector service surface the adapter consumes.
type Searcher interface {
	Query(ctx context.Context, collectionID, query string, params vectordb.SearchParams) ([]vectordb.ScoredChunk, error)
	Scroll(ctx context.Context, collectionID string, limit int) ([]models.RetrievedChunk, error)
}

// Adapter runs retrieval against one collection per call.
type Adapter struct {
	vdb    Searcher
	model  Completer
	cfg    atomic.Pointer[config.RetrievalConfig]
	logger *zap.Logger
}

// NewAdapter creates a retrieval adapter.
func NewAdapter(vdb Searcher, model Completer, cfg config.RetrievalConfig, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{vdb: vdb, model: model, logger: logger}
	a.cfg.Store(&cfg)
	return a
}

// SetConfig publishes reloaded retrieval knobs to subsequent calls.
func (a *Adapter) SetConfig(cfg config.RetrievalConfig) {
	a.cfg.Store(&cfg)
}

func (a *Adapter) conf() config.RetrievalConfig {
	return *a.cfg.Load()
}

// Retrieve runs a plain semantic search. Returns nil when nothing
// matched; empty retrieval is a routing signal, not an error.
func (a *Adapter) Retrieve(ctx context.Context, collectionID, query string, k int) (*models.RetrievedContext, error) {
	cfg := a.conf()
	if k <= 0 {
		k = cfg.K
	}

	scored, err := a.vdb.Query(ctx, collectionID, query, vectordb.SearchParams{
		K:          k,
		SearchType: cfg.SearchType,
		MMRLambda:  cfg.MMRLambda,
	})
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("plain", "error").Inc()
		return nil, err
	}
	metrics.RetrievalRequests.WithLabelValues("plain", "ok").Inc()
	if len(scored) == 0 {
		a.logger.Warn("no documents retrieved",
			zap.String("collection", collectionID),
			zap.String("query", query),
		)
		return nil, nil
	}

	chunks := make([]models.RetrievedChunk, 0, len(scored))
	for _, s := range scored {
		chunks = append(chunks, s.RetrievedChunk)
	}
	return contextFromChunks(chunks), nil
}

// RetrieveHybrid fuses semantic and lexical rankings with weighted
// reciprocal-rank fusion. Both legs search 2k candidates and the fused
// top k is returned.
func (a *Adapter) RetrieveHybrid(ctx context.Context, collectionID, query string, k int) (*models.RetrievedContext, error) {
	cfg := a.conf()
	if k <= 0 {
		k = cfg.K
	}

	semantic, err := a.vdb.Query(ctx, collectionID, query, vectordb.SearchParams{
		K:          k * 2,
		SearchType: cfg.SearchType,
		MMRLambda:  cfg.MMRLambda,
	})
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("hybrid", "error").Inc()
		return nil, err
	}

	lexical := a.lexicalSearch(ctx, collectionID, query, k*2)

	fused := fuseRankings(semantic, lexical, cfg.HybridSemanticWeight, cfg.HybridLexicalWeight, k)
	metrics.RetrievalRequests.WithLabelValues("hybrid", "ok").Inc()
	if len(fused) == 0 {
		a.logger.Warn("no documents in hybrid search", zap.String("collection", collectionID))
		return nil, nil
	}

	a.logger.Info("hybrid search fused rankings",
		zap.Int("semantic", len(semantic)),
		zap.Int("lexical", len(lexical)),
		zap.Int("fused", len(fused)),
	)
	return contextFromChunks(fused), nil
}

// RetrieveAndRerank pulls 2k candidates (plain or hybrid) and keeps the
// model's top rerankTopK by relevance score.
func (a *Adapter) RetrieveAndRerank(ctx context.Context, collectionID, query string, k, rerankTopK int, useHybrid bool) (*models.RetrievedContext, error) {
	cfg := a.conf()
	if k <= 0 {
		k = cfg.K
	}
	if rerankTopK <= 0 {
		rerankTopK = cfg.RerankTopK
	}

	var rctx *models.RetrievedContext
	var err error
	if useHybrid {
		rctx, err = a.RetrieveHybrid(ctx, collectionID, query, k*2)
	} else {
		rctx, err = a.Retrieve(ctx, collectionID, query, k*2)
	}
	if err != nil || rctx == nil || len(rctx.Chunks) == 0 {
		return rctx, err
	}

	reranked := a.rerankChunks(ctx, query, rctx.Chunks, rerankTopK)
	out := contextFromChunks(reranked)
	// Page and source coverage reflect the full candidate set so the
	// visual selector can still consider pages the reranker dropped.
	out.UniquePageNumbers = rctx.UniquePageNumbers
	out.SourceFiles = rctx.SourceFiles
	return out, nil
}

// lexicalSearch scores collection chunks by query word overlap. A
// failed scroll degrades to semantic-only fusion.
func (a *Adapter) lexicalSearch(ctx context.Context, collectionID, query string, k int) []vectordb.ScoredChunk {
	docs, err := a.vdb.Scroll(ctx, collectionID, scrollLimit)
	if err != nil {
		a.logger.Warn("lexical scroll failed, semantic-only fusion", zap.Error(err))
		return nil
	}

	queryWords := wordSet(query)
	if len(queryWords) == 0 {
		return nil
	}

	scored := make([]vectordb.ScoredChunk, 0, len(docs))
	for _, doc := range docs {
		overlap := 0
		for w := range wordSet(doc.Content) {
			if _, ok := queryWords[w]; ok {
				overlap++
			}
		}
		if overlap > 0 {
			scored = append(scored, vectordb.ScoredChunk{
				RetrievedChunk: doc,
				Score:          float64(overlap) / float64(len(queryWords)),
			})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// fuseRankings merges two rankings with weighted RRF. A document in
// only one ranking keeps that ranking's contribution alone.
func fuseRankings(semantic, lexical []vectordb.ScoredChunk, semanticWeight, lexicalWeight float64, k int) []models.RetrievedChunk {
	scores := make(map[string]float64)
	byContent := make(map[string]models.RetrievedChunk)

	accumulate := func(ranking []vectordb.ScoredChunk, weight float64) {
		for i, doc := range ranking {
			rank := i + 1
			scores[doc.Content] += weight / float64(rank+rrfRankOffset)
			byContent[doc.Content] = doc.RetrievedChunk
		}
	}
	accumulate(semantic, semanticWeight)
	accumulate(lexical, lexicalWeight)

	type fusedDoc struct {
		content string
		score   float64
	}
	fused := make([]fusedDoc, 0, len(scores))
	for content, score := range scores {
		fused = append(fused, fusedDoc{content: content, score: score})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].content < fused[j].content
	})
	if len(fused) > k {
		fused = fused[:k]
	}

	out := make([]models.RetrievedChunk, 0, len(fused))
	for _, f := range fused {
		out = append(out, byContent[f.content])
	}
	return out
}

type rerankScore struct {
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// rerankChunks asks the model to score candidates against the query.
// Any model or parse failure falls back to the first topK candidates.
func (a *Adapter) rerankChunks(ctx context.Context, query string, chunks []models.RetrievedChunk, topK int) []models.RetrievedChunk {
	if len(chunks) <= topK {
		return chunks
	}

	var sb strings.Builder
	for i, c := range chunks {
		preview := c.Content
		if len(preview) > 300 {
			preview = preview[:300]
		}
		fmt.Fprintf(&sb, "[Chunk %d] (Page %d, %s)\n%s...\n\n", i+1, c.PageNumber, c.SourceFile, preview)
	}

	prompt := fmt.Sprintf(`Given the user query and retrieved chunks, score each chunk's relevance to the query.

Query: %s

Chunks:
%s
Return a JSON list with chunk indices (0-based) and relevance scores (0-1), sorted by score descending.
Example: [{"chunk_index": 0, "score": 0.95}, ...]

JSON:`, query, sb.String())

	response, err := a.model.Complete(ctx, prompt, nil)
	if err != nil {
		a.logger.Warn("rerank model call failed, keeping original order", zap.Error(err))
		return chunks[:topK]
	}

	raw := llm.ExtractJSON(response)
	var ranked []rerankScore
	if raw == "" || json.Unmarshal([]byte(raw), &ranked) != nil {
		a.logger.Warn("could not parse rerank response, keeping original order")
		return chunks[:topK]
	}

	out := make([]models.RetrievedChunk, 0, topK)
	for _, item := range ranked {
		if len(out) >= topK {
			break
		}
		if item.ChunkIndex >= 0 && item.ChunkIndex < len(chunks) {
			out = append(out, chunks[item.ChunkIndex])
		}
	}
	if len(out) == 0 {
		return chunks[:topK]
	}
	return out
}

// contextFromChunks assembles a retrieval result, deriving the sorted
// unique page numbers and the source file set from the chunks.
func contextFromChunks(chunks []models.RetrievedChunk) *models.RetrievedContext {
	pages := make(map[int]struct{})
	sources := make(map[string]struct{})
	for _, c := range chunks {
		if c.PageNumber > 0 {
			pages[c.PageNumber] = struct{}{}
		}
		if c.SourceFile != "" {
			sources[c.SourceFile] = struct{}{}
		}
	}

	uniquePages := make([]int, 0, len(pages))
	for p := range pages {
		uniquePages = append(uniquePages, p)
	}
	sort.Ints(uniquePages)

	sourceFiles := make([]string, 0, len(sources))
	for s := range sources {
		sourceFiles = append(sourceFiles, s)
	}
	sort.Strings(sourceFiles)

	metrics.RetrievedChunks.Observe(float64(len(chunks)))
	return &models.RetrievedContext{
		Chunks:            chunks,
		UniquePageNumbers: uniquePages,
		SourceFiles:       sourceFiles,
	}
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
