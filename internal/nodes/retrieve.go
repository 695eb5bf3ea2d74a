package nodes

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
)

// Retrieve fetches document context for the active query. Complex
// queries get the deeper hybrid and reranking pipeline; simple queries
// use plain search. A retrieval failure routes the turn toward web
// search instead of aborting.
func (n *Nodes) Retrieve(ctx context.Context, s state.ConversationState) state.Update {
	rcfg := n.conf().Retrieval
	isComplex := s.QueryAnalysis != nil && s.QueryAnalysis.Classification == models.ClassificationComplex

	var (
		rctx *models.RetrievedContext
		err  error
	)
	switch {
	case isComplex && rcfg.EnableHybridSearch && rcfg.EnableReranking:
		n.logger.Info("complex query, hybrid search with reranking")
		rctx, err = n.retriever.RetrieveAndRerank(ctx, s.CollectionID, s.Query, rcfg.K, rcfg.RerankTopK, true)
	case isComplex && rcfg.EnableHybridSearch:
		n.logger.Info("complex query, hybrid search")
		rctx, err = n.retriever.RetrieveHybrid(ctx, s.CollectionID, s.Query, rcfg.K)
	case isComplex && rcfg.EnableReranking:
		n.logger.Info("complex query, standard retrieval with reranking")
		rctx, err = n.retriever.RetrieveAndRerank(ctx, s.CollectionID, s.Query, rcfg.K, rcfg.RerankTopK, false)
	default:
		n.logger.Info("simple query, standard retrieval")
		rctx, err = n.retriever.Retrieve(ctx, s.CollectionID, s.Query, rcfg.K)
	}
	if err != nil {
		n.logger.Error("retrieval failed",
			zap.String("collection_id", s.CollectionID),
			zap.Error(err),
		)
		return state.Update{
			ErrorMessage: state.StringPtr(fmt.Sprintf("RAG retrieval failed: %v", err)),
			Route:        state.RoutePtr(models.RouteWebSearch),
		}
	}
	if rctx == nil {
		return state.Update{ClearRetrievedContext: true}
	}
	return state.Update{RetrievedContext: rctx}
}

// VisualDecide records whether the answer needs page images.
func (n *Nodes) VisualDecide(ctx context.Context, s state.ConversationState) state.Update {
	decision := n.visual.Decide(ctx, s.Query, s.RetrievedContext)
	return state.Update{VisualDecision: decision}
}

// RetrieveImages renders the selected page images into the retrieved
// context. Rendering problems leave the text-only context in place.
func (n *Nodes) RetrieveImages(ctx context.Context, s state.ConversationState) state.Update {
	if s.VisualDecision == nil || !s.VisualDecision.RequiresVisual {
		return state.Update{}
	}
	if s.RetrievedContext == nil {
		n.logger.Info("no retrieved context for image rendering")
		return state.Update{}
	}

	updated := n.visual.SelectAndRender(ctx, s.SessionID, s.RetrievedContext, s.Query)
	if updated == nil {
		return state.Update{}
	}
	return state.Update{RetrievedContext: updated}
}
