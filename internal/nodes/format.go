package nodes

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
)

// maxCitationSummaries bounds the citation summaries attached to the
// assistant message metadata.
const maxCitationSummaries = 5

// FormatResponse is the terminal node. It appends the assistant
// message, substitutes an error answer when none was produced, and is
// the single authoritative cleanup point for all transient state.
func (n *Nodes) FormatResponse(ctx context.Context, s state.ConversationState) state.Update {
	before := state.EstimateSize(s)
	state.LogSize(n.logger, "before cleanup", before)

	finalAnswer := s.FinalAnswer
	if finalAnswer == nil {
		finalAnswer = &models.AnswerWithCitations{
			Answer:      "I encountered an error. Please try again.",
			AnswerType:  models.AnswerUnableToAnswer,
			Citations:   []models.Citation{},
			Uncertainty: 1.0,
		}
	}

	route := s.Route
	if route == "" {
		route = "unknown"
	}

	summaries := make([]models.CitationSummary, 0, maxCitationSummaries)
	for i, c := range finalAnswer.Citations {
		if i >= maxCitationSummaries {
			break
		}
		summaries = append(summaries, models.CitationSummary{
			Source: c.SourceID,
			Page:   c.PageNumber,
		})
	}

	reply := models.Message{
		Role:      "assistant",
		Content:   finalAnswer.Answer,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]interface{}{
			"route":             string(route),
			"answer_type":       string(finalAnswer.AnswerType),
			"citations_count":   len(finalAnswer.Citations),
			"citations_summary": summaries,
			"uncertainty":       finalAnswer.Uncertainty,
		},
	}

	update := state.Update{
		AppendMessages:        []models.Message{reply},
		FinalAnswer:           finalAnswer,
		ClearRetrievedContext: true,
		ClearVisualDecision:   true,
		ClearQueryAnalysis:    true,
		ClearSubQueryResults:  true,
		WebResults:            []models.WebSearchResult{},
		SetWebResults:         true,
		ClearReasoning:        true,
		CurrentSubQueryIndex:  state.IntPtr(0),
	}

	after := state.EstimateSize(state.Apply(s, update))
	state.LogSize(n.logger, "after cleanup", after)
	n.logger.Info("response formatted",
		zap.String("route", string(route)),
		zap.String("answer_type", string(finalAnswer.AnswerType)),
		zap.Int("bytes_freed", before.TotalBytes-after.TotalBytes),
	)
	return update
}
