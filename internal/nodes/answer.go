package nodes

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
)

// GenerateRAGAnswer produces an answer from the retrieved context,
// using the vision path when page images were rendered. Citations come
// from chunk metadata, deduplicated by source and page.
func (n *Nodes) GenerateRAGAnswer(ctx context.Context, s state.ConversationState) state.Update {
	rctx := s.RetrievedContext
	if rctx == nil {
		n.logger.Warn("no retrieved context for answer generation")
		return state.Update{}
	}

	historyContext := n.historyContext(s.Messages)
	contextText := buildContextWithSources(rctx)

	var (
		text string
		err  error
	)
	if len(rctx.Images) > 0 {
		vcfg := n.conf().Visual
		images := rctx.Images
		if max := vcfg.MaxImages; max > 0 && len(images) > max {
			images = images[:max]
		}
		n.logger.Info("generating answer with vision model", zap.Int("images", len(images)))
		prompt := buildMultimodalPrompt(s.Query, contextText, len(images), rctx.ImagesJustification, historyContext)
		text, err = n.model.CompleteMultimodal(ctx, prompt, images, vcfg.DetailLevel)
	} else {
		prompt := fmt.Sprintf(ragAnswerPromptFmt, historyContext, s.Query, contextText)
		text, err = n.model.Complete(ctx, prompt, nil)
	}
	if err != nil {
		n.logger.Error("answer generation failed", zap.Error(err))
		return state.Update{
			ErrorMessage: state.StringPtr(fmt.Sprintf("Answer generation failed: %v", err)),
		}
	}

	uncertainty := 0.2
	if len(rctx.Images) > 0 {
		uncertainty = 0.15
	}
	citations := n.documentCitations(rctx)
	n.logger.Info("generated answer", zap.Int("citations", len(citations)))

	return state.Update{
		FinalAnswer: &models.AnswerWithCitations{
			Answer:      text,
			Citations:   citations,
			Uncertainty: uncertainty,
			AnswerType:  models.AnswerSynthesized,
		},
	}
}

// documentCitations builds one citation per distinct (source, page)
// among the leading chunks.
func (n *Nodes) documentCitations(rctx *models.RetrievedContext) []models.Citation {
	rag := n.conf().RAG
	maxCitations := rag.MaxCitations
	snippetLen := rag.CitationSnippetLength

	chunks := rctx.Chunks
	if maxCitations > 0 && len(chunks) > maxCitations {
		chunks = chunks[:maxCitations]
	}

	type key struct {
		source string
		page   int
	}
	seen := make(map[key]struct{}, len(chunks))
	citations := make([]models.Citation, 0, len(chunks))
	for _, chunk := range chunks {
		k := key{source: chunk.SourceFile, page: chunk.PageNumber}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		snippet := chunk.Content
		if snippetLen > 0 && len(snippet) > snippetLen {
			snippet = snippet[:snippetLen]
		}
		citations = append(citations, models.Citation{
			SourceType: models.SourceDocument,
			SourceID:   chunk.SourceFile,
			PageNumber: chunk.PageNumber,
			Snippet:    snippet,
			Confidence: rag.DefaultConfidence,
		})
	}
	return citations
}

// WebSearch queries the external search service and stores the ranked
// hits. A failed search leaves an empty result set so the web-answer
// node falls through to the general-knowledge path.
func (n *Nodes) WebSearch(ctx context.Context, s state.ConversationState) state.Update {
	n.logger.Info("searching web", zap.String("query", s.Query))

	results, err := n.web.Search(ctx, s.Query)
	if err != nil {
		n.logger.Error("web search failed", zap.Error(err))
		return state.Update{
			ErrorMessage:  state.StringPtr(fmt.Sprintf("Web search failed: %v", err)),
			WebResults:    []models.WebSearchResult{},
			SetWebResults: true,
		}
	}

	n.logger.Info("web search done", zap.Int("results", len(results)))
	return state.Update{WebResults: results, SetWebResults: true}
}

// GenerateWebAnswer synthesizes an answer from web results. With no
// results it only overrides the route to the general-knowledge path.
func (n *Nodes) GenerateWebAnswer(ctx context.Context, s state.ConversationState) state.Update {
	if len(s.WebResults) == 0 {
		n.logger.Info("no web results, falling back to general knowledge")
		return state.Update{Route: state.RoutePtr(models.RouteLLM)}
	}

	prompt := fmt.Sprintf(webAnswerPromptFmt, n.historyContext(s.Messages), s.Query, formatWebResults(s.WebResults))
	text, err := n.model.Complete(ctx, prompt, nil)
	if err != nil {
		n.logger.Error("web answer generation failed", zap.Error(err))
		return state.Update{
			ErrorMessage: state.StringPtr(fmt.Sprintf("Web answer generation failed: %v", err)),
		}
	}

	rag := n.conf().RAG
	maxCitations := rag.MaxCitations
	snippetLen := rag.CitationSnippetLength
	results := s.WebResults
	if maxCitations > 0 && len(results) > maxCitations {
		results = results[:maxCitations]
	}
	citations := make([]models.Citation, 0, len(results))
	for _, r := range results {
		snippet := r.Snippet
		if snippetLen > 0 && len(snippet) > snippetLen {
			snippet = snippet[:snippetLen]
		}
		citations = append(citations, models.Citation{
			SourceType: models.SourceWeb,
			SourceID:   r.Title,
			URL:        r.URL,
			Snippet:    snippet,
			Confidence: r.RelevanceScore,
		})
	}

	n.logger.Info("generated web answer", zap.Int("citations", len(citations)))
	return state.Update{
		FinalAnswer: &models.AnswerWithCitations{
			Answer:           text,
			Citations:        citations,
			Uncertainty:      0.3,
			AnswerType:       models.AnswerSynthesized,
			RequiredFallback: true,
		},
	}
}

// GenerateLLMAnswer answers from model knowledge alone, with a single
// marker citation identifying the source as the model itself.
func (n *Nodes) GenerateLLMAnswer(ctx context.Context, s state.ConversationState) state.Update {
	prompt := fmt.Sprintf(generalKnowledgePromptFmt, n.historyContext(s.Messages), s.Query)
	text, err := n.model.Complete(ctx, prompt, nil)
	if err != nil {
		n.logger.Error("general knowledge answer failed", zap.Error(err))
		return state.Update{
			ErrorMessage: state.StringPtr(fmt.Sprintf("LLM answer generation failed: %v", err)),
		}
	}

	return state.Update{
		FinalAnswer: &models.AnswerWithCitations{
			Answer: text,
			Citations: []models.Citation{{
				SourceType: models.SourceLLMKnowledge,
				SourceID:   "general_knowledge",
				Snippet:    "Generated from LLM's general knowledge",
				Confidence: 0.7,
			}},
			Uncertainty: 0.4,
			AnswerType:  models.AnswerDirect,
		},
	}
}
