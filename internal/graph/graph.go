// Package graph wires the node handlers into an explicit finite state
// machine. Node identifiers form a fixed enum, handlers live in a
// static map, and every branch point is a pure function of the
// conversation state.
package graph

import (
	"context"

	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
)

// NodeID identifies one graph node.
type NodeID string

const (
	NodeAddUserMessage    NodeID = "add_user_message"
	NodeRouteQuery        NodeID = "route_query"
	NodeAnalyzeQuery      NodeID = "analyze_query"
	NodePrepareSubQuery   NodeID = "prepare_sub_query"
	NodeRetrieve          NodeID = "rag_retrieve"
	NodeVisualDecide      NodeID = "visual_decide"
	NodeRetrieveImages    NodeID = "retrieve_images"
	NodeGenerateRAGAnswer NodeID = "generate_rag_answer"
	NodeCheckQuality      NodeID = "check_rag_quality"
	NodeWebSearch         NodeID = "web_search"
	NodeGenerateWebAnswer NodeID = "generate_web_answer"
	NodeGenerateLLMAnswer NodeID = "generate_llm_answer"
	NodeCollectSubQuery   NodeID = "collect_sub_query_result"
	NodeSynthesize        NodeID = "synthesize_answers"
	NodeFormatResponse    NodeID = "format_response"
	NodeEnd               NodeID = "end"
)

// Handler executes one node against the current state and returns a
// partial update for the engine to merge.
type Handler func(ctx context.Context, s state.ConversationState) state.Update

// inSubQueryLoop reports whether the turn is iterating a complex
// query's sub-queries and the cursor has not yet passed the last one.
func inSubQueryLoop(s state.ConversationState) bool {
	qa := s.QueryAnalysis
	if qa == nil || qa.Classification != models.ClassificationComplex || len(qa.SubQueries) == 0 {
		return false
	}
	return s.CurrentSubQueryIndex < len(qa.SubQueries)
}

// analysisRoute branches after query analysis: a terminal too-complex
// answer skips straight to formatting, complex queries enter the
// sub-query loop, everything else runs the simple pipeline.
func analysisRoute(s state.ConversationState) NodeID {
	if s.FinalAnswer != nil && s.FinalAnswer.AnswerType == models.AnswerUnableToAnswer {
		return NodeFormatResponse
	}
	if s.QueryAnalysis == nil || s.QueryAnalysis.Classification != models.ClassificationComplex {
		return NodeRetrieve
	}
	return NodePrepareSubQuery
}

// visualRoute branches to image rendering only when the decision node
// asked for it.
func visualRoute(s state.ConversationState) NodeID {
	if s.VisualDecision != nil && s.VisualDecision.RequiresVisual {
		return NodeRetrieveImages
	}
	return NodeGenerateRAGAnswer
}

// webAnswerRoute branches after web answer generation. A missing
// answer with the route overridden to the general-knowledge path means
// web search came up empty; otherwise an in-loop answer is collected
// and a top-level answer is formatted.
func webAnswerRoute(s state.ConversationState) NodeID {
	if s.FinalAnswer == nil && s.Route == models.RouteLLM {
		return NodeGenerateLLMAnswer
	}
	return afterAnswerRoute(s)
}

// afterAnswerRoute sends an in-loop answer to collection and a
// top-level answer to formatting.
func afterAnswerRoute(s state.ConversationState) NodeID {
	if inSubQueryLoop(s) {
		return NodeCollectSubQuery
	}
	return NodeFormatResponse
}

// subQueryLoopRoute continues the loop while sub-queries remain,
// otherwise moves to synthesis.
func subQueryLoopRoute(s state.ConversationState) NodeID {
	subQueries := s.SubQueries()
	if len(subQueries) == 0 || s.CurrentSubQueryIndex >= len(subQueries) {
		return NodeSynthesize
	}
	return NodePrepareSubQuery
}
