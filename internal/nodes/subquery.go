package nodes

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
)

// PrepareSubQuery swaps the next sub-query into the active query slot
// and clears the previous iteration's retrieval state.
func (n *Nodes) PrepareSubQuery(ctx context.Context, s state.ConversationState) state.Update {
	subQueries := s.SubQueries()
	if len(subQueries) == 0 {
		n.logger.Warn("no sub-queries to prepare")
		return state.Update{}
	}
	if s.CurrentSubQueryIndex >= len(subQueries) {
		n.logger.Info("all sub-queries processed")
		return state.Update{}
	}

	current := subQueries[s.CurrentSubQueryIndex]
	n.logger.Info("preparing sub-query",
		zap.Int("index", s.CurrentSubQueryIndex+1),
		zap.Int("total", len(subQueries)),
		zap.String("sub_query", current),
	)
	return state.Update{
		Query:                 state.StringPtr(current),
		ClearRetrievedContext: true,
		ClearVisualDecision:   true,
	}
}

// CollectSubQueryResult stores the current sub-answer, advances the
// cursor, and frees the answer slot for the next iteration. An
// iteration that produced no answer is recorded empty so the loop
// always advances.
func (n *Nodes) CollectSubQueryResult(ctx context.Context, s state.ConversationState) state.Update {
	subQueries := s.SubQueries()
	if len(subQueries) == 0 || s.CurrentSubQueryIndex >= len(subQueries) {
		return state.Update{}
	}

	result := models.SubQueryResult{
		SubQuery:  subQueries[s.CurrentSubQueryIndex],
		Citations: []models.Citation{},
	}
	if s.FinalAnswer != nil {
		result.Answer = s.FinalAnswer.Answer
		result.Citations = s.FinalAnswer.Citations
	}

	n.logger.Info("collected sub-query result",
		zap.Int("index", s.CurrentSubQueryIndex+1),
		zap.Int("answer_length", len(result.Answer)),
		zap.Int("citations", len(result.Citations)),
	)
	return state.Update{
		AppendSubQueryResults: []models.SubQueryResult{result},
		CurrentSubQueryIndex:  state.IntPtr(s.CurrentSubQueryIndex + 1),
		ClearFinalAnswer:      true,
	}
}

// SynthesizeAnswers combines all sub-query answers into one final
// answer for the original question. If the model call fails the
// sub-answers are concatenated instead so the turn still produces an
// answer.
func (n *Nodes) SynthesizeAnswers(ctx context.Context, s state.ConversationState) state.Update {
	originalQuery := s.OriginalQuery
	if originalQuery == "" {
		for _, m := range s.Messages {
			if m.Role == "user" {
				originalQuery = m.Content
				break
			}
		}
	}
	if originalQuery == "" {
		originalQuery = s.Query
	}

	if len(s.SubQueryResults) == 0 {
		n.logger.Warn("no sub-query results to synthesize")
		return state.Update{}
	}

	n.logger.Info("synthesizing answer",
		zap.String("original_query", originalQuery),
		zap.Int("sub_results", len(s.SubQueryResults)),
	)

	prompt := fmt.Sprintf(synthesizePromptFmt, originalQuery, formatSubQueryResults(s.SubQueryResults))
	text, err := n.model.Complete(ctx, prompt, nil)
	if err != nil {
		n.logger.Error("synthesis failed, concatenating sub-answers", zap.Error(err))
		return state.Update{
			Query:        state.StringPtr(originalQuery),
			FinalAnswer:  n.concatenatedAnswer(s.SubQueryResults),
			ErrorMessage: state.StringPtr(fmt.Sprintf("Synthesis failed, using fallback: %v", err)),
		}
	}

	citations := n.combineCitations(s.SubQueryResults)
	n.logger.Info("synthesized answer", zap.Int("citations", len(citations)))

	return state.Update{
		Query: state.StringPtr(originalQuery),
		FinalAnswer: &models.AnswerWithCitations{
			Answer:      text,
			Citations:   citations,
			Uncertainty: 0.2,
			AnswerType:  models.AnswerSynthesized,
		},
	}
}

// combineCitations merges sub-query citations, deduplicated by source
// and page, capped at the citation maximum.
func (n *Nodes) combineCitations(results []models.SubQueryResult) []models.Citation {
	var all []models.Citation
	for _, r := range results {
		all = append(all, r.Citations...)
	}
	return models.DedupeCitations(all, n.conf().RAG.MaxCitations)
}

func (n *Nodes) concatenatedAnswer(results []models.SubQueryResult) *models.AnswerWithCitations {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("**%s**\n%s", r.SubQuery, r.Answer))
	}
	return &models.AnswerWithCitations{
		Answer:      strings.Join(parts, "\n\n"),
		Citations:   n.combineCitations(results),
		Uncertainty: 0.4,
		AnswerType:  models.AnswerSynthesized,
	}
}
