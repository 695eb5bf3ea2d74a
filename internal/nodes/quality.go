package nodes

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
)

// Quality gate criteria, used as metric labels by graph routing.
const (
	QualityMissing         = "missing"
	QualityTooShort        = "too_short"
	QualityHighUncertainty = "high_uncertainty"
	QualityNoCitations     = "no_citations"
)

// AnswerAcceptable evaluates an answer against the quality gate. It
// returns false with the first tripped criterion when the answer
// should fall back to web search.
func AnswerAcceptable(answer *models.AnswerWithCitations, cfg config.RAGConfig) (bool, string) {
	if answer == nil {
		return false, QualityMissing
	}
	if len(strings.TrimSpace(answer.Answer)) < cfg.MinAnswerLength {
		return false, QualityTooShort
	}
	if answer.Uncertainty > cfg.QualityUncertaintyThreshold {
		return false, QualityHighUncertainty
	}
	if len(answer.Citations) == 0 {
		return false, QualityNoCitations
	}
	return true, ""
}

// CheckQuality logs the gate verdict for the current answer. The node
// is side-effect-free; routing consumes AnswerAcceptable directly.
func (n *Nodes) CheckQuality(ctx context.Context, s state.ConversationState) state.Update {
	ok, criterion := AnswerAcceptable(s.FinalAnswer, n.conf().RAG)
	if !ok {
		n.logger.Info("answer quality low, web search fallback",
			zap.String("criterion", criterion),
		)
	} else {
		n.logger.Info("answer quality acceptable")
	}
	return state.Update{}
}
