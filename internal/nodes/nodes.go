// Package nodes implements the graph node handlers. Every node is a
// function of the conversation state returning a partial update; no
// node lets a collaborator error escape, each degrades to a safe
// update so the graph always reaches the terminal formatting node.
package nodes

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/history"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
)

// tooComplexAnswer is the terminal reply for queries whose
// decomposition exceeds the sub-query cap.
const tooComplexAnswer = "The query is too complex for the current implementation. Please simplify."

// Generator is the slice of the model client the nodes consume.
type Generator interface {
	Complete(ctx context.Context, prompt string, history []models.Message) (string, error)
	CompleteStructured(ctx context.Context, prompt string, out interface{}) error
	CompleteMultimodal(ctx context.Context, prompt string, images []string, detail string) (string, error)
}

// Retriever fetches document context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, collectionID, query string, k int) (*models.RetrievedContext, error)
	RetrieveHybrid(ctx context.Context, collectionID, query string, k int) (*models.RetrievedContext, error)
	RetrieveAndRerank(ctx context.Context, collectionID, query string, k, rerankTopK int, useHybrid bool) (*models.RetrievedContext, error)
}

// VisualSelector decides on and renders page-image evidence.
type VisualSelector interface {
	Decide(ctx context.Context, query string, rctx *models.RetrievedContext) *models.VisualDecision
	SelectAndRender(ctx context.Context, sessionID string, rctx *models.RetrievedContext, query string) *models.RetrievedContext
}

// WebSearcher runs an external web search.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]models.WebSearchResult, error)
}

// Nodes bundles the handlers with their collaborators.
type Nodes struct {
	model     Generator
	retriever Retriever
	visual    VisualSelector
	web       WebSearcher
	history   *history.Manager
	cfg       atomic.Pointer[config.Config]
	logger    *zap.Logger
}

func New(model Generator, retriever Retriever, visual VisualSelector, web WebSearcher, hist *history.Manager, cfg *config.Config, logger *zap.Logger) *Nodes {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Nodes{
		model:     model,
		retriever: retriever,
		visual:    visual,
		web:       web,
		history:   hist,
		logger:    logger,
	}
	n.cfg.Store(cfg)
	return n
}

// SetConfig publishes reloaded knobs to subsequent node executions.
func (n *Nodes) SetConfig(cfg *config.Config) {
	n.cfg.Store(cfg)
}

func (n *Nodes) conf() *config.Config {
	return n.cfg.Load()
}

// historyContext trims the conversation and formats it for a prompt.
func (n *Nodes) historyContext(messages []models.Message) string {
	return n.history.FormatForPrompt(n.history.Trim(messages))
}

// AddUserMessage records the incoming query as a user turn and pins
// the original query for later synthesis.
func (n *Nodes) AddUserMessage(ctx context.Context, s state.ConversationState) state.Update {
	return state.Update{
		AppendMessages: []models.Message{{
			Role:      "user",
			Content:   s.Query,
			Timestamp: time.Now().UTC(),
		}},
		OriginalQuery: state.StringPtr(s.Query),
	}
}

// RouteQuery classifies the query into an answer path from the trimmed
// history plus the current query. The decision is informational: graph
// branching is driven by query complexity and the quality gate, while
// the route field feeds the web-answer fallback.
func (n *Nodes) RouteQuery(ctx context.Context, s state.ConversationState) state.Update {
	summary := history.Summarize(s.Messages)
	n.logger.Info("routing query",
		zap.String("session_id", s.SessionID),
		zap.String("query", s.Query),
		zap.Int("history_messages", summary.Total),
		zap.Int("history_tokens", summary.EstimatedTokens),
	)

	prompt := fmt.Sprintf(routingPromptFmt, n.historyContext(s.Messages), s.Query)

	var decision models.RoutingDecision
	if err := n.model.CompleteStructured(ctx, prompt, &decision); err != nil {
		n.logger.Warn("routing classification failed", zap.Error(err))
		return state.Update{}
	}

	n.logger.Info("routing decision",
		zap.String("route", string(decision.Route)),
		zap.Float64("confidence", decision.Confidence),
	)
	return state.Update{
		RoutingDecision: &decision,
		Route:           state.RoutePtr(decision.Route),
		AppendReasoning: fmt.Sprintf("[ROUTING] %s (based on %d prior messages)", decision.Reasoning, len(s.Messages)),
	}
}

// AnalyzeQuery classifies the query as simple or complex and extracts
// sub-queries for complex ones. Decompositions over the cap become a
// terminal unable-to-answer result; classification failures fall back
// to a conservative simple verdict.
func (n *Nodes) AnalyzeQuery(ctx context.Context, s state.ConversationState) state.Update {
	maxSub := n.conf().RAG.MaxSubQueries
	prompt := fmt.Sprintf(queryAnalyzerPromptFmt, s.Query, maxSub)

	var analysis models.QueryAnalysis
	if err := n.model.CompleteStructured(ctx, prompt, &analysis); err != nil {
		n.logger.Error("query analysis failed", zap.Error(err))
		fallback := &models.QueryAnalysis{
			Classification: models.ClassificationSimple,
			Reasoning:      fmt.Sprintf("Analysis failed, defaulting to simple: %v", err),
			SubQueries:     []string{},
			Confidence:     0.5,
		}
		return state.Update{
			QueryAnalysis:        fallback,
			CurrentSubQueryIndex: state.IntPtr(0),
			ClearSubQueryResults: true,
		}
	}

	if len(analysis.SubQueries) > maxSub {
		n.logger.Warn("too many sub-queries",
			zap.Int("detected", len(analysis.SubQueries)),
			zap.Int("max", maxSub),
		)
		return state.Update{
			QueryAnalysis: &analysis,
			FinalAnswer: &models.AnswerWithCitations{
				Answer:      tooComplexAnswer,
				Citations:   []models.Citation{},
				Uncertainty: 1.0,
				AnswerType:  models.AnswerUnableToAnswer,
			},
			ErrorMessage: state.StringPtr(fmt.Sprintf(
				"Query too complex: %d sub-queries detected, max %d allowed",
				len(analysis.SubQueries), maxSub,
			)),
		}
	}

	n.logger.Info("query classified",
		zap.String("classification", string(analysis.Classification)),
		zap.Float64("confidence", analysis.Confidence),
		zap.Strings("sub_queries", analysis.SubQueries),
	)
	return state.Update{
		QueryAnalysis:        &analysis,
		CurrentSubQueryIndex: state.IntPtr(0),
		ClearSubQueryResults: true,
		AppendReasoning:      "[QUERY_ANALYSIS] " + analysis.Reasoning,
	}
}
