// Package state defines the conversation state that flows through the
// orchestration graph and the partial-update merge semantics nodes use
// to change it.
package state

import (
	"github.com/docuflow/orchestrator/internal/models"
)

// ConversationState is the single record flowing through the graph for
// one conversation thread. It is passed by value between nodes; nodes
// return an Update which the engine merges, so no node holds a mutable
// reference across steps.
type ConversationState struct {
	SessionID    string `json:"session_id"`
	CollectionID string `json:"collection_id,omitempty"`

	Messages []models.Message `json:"messages"`

	// Query is the active query. During sub-query iterations it holds
	// the current sub-query; OriginalQuery keeps the user's full query
	// for synthesis.
	Query         string `json:"query"`
	OriginalQuery string `json:"original_query,omitempty"`

	Route           models.Route            `json:"route,omitempty"`
	RoutingDecision *models.RoutingDecision `json:"routing_decision,omitempty"`
	QueryAnalysis   *models.QueryAnalysis   `json:"query_analysis,omitempty"`

	CurrentSubQueryIndex int                     `json:"current_sub_query_index"`
	SubQueryResults      []models.SubQueryResult `json:"sub_query_results"`

	VisualDecision   *models.VisualDecision   `json:"visual_decision,omitempty"`
	RetrievedContext *models.RetrievedContext `json:"retrieved_context,omitempty"`
	WebResults       []models.WebSearchResult `json:"web_results"`

	IntermediateReasoning string `json:"intermediate_reasoning"`

	FinalAnswer  *models.AnswerWithCitations `json:"final_answer,omitempty"`
	ErrorMessage string                      `json:"error_message,omitempty"`
}

// SubQueries returns the analysis sub-query list, or nil when the query
// was not decomposed.
func (s *ConversationState) SubQueries() []string {
	if s.QueryAnalysis == nil {
		return nil
	}
	return s.QueryAnalysis.SubQueries
}

// Update is a partial state change returned by a node. List fields
// append, the reasoning trace concatenates, scalar and object fields
// replace. Pointer fields distinguish "leave alone" (nil) from "set".
type Update struct {
	AppendMessages []models.Message

	Query         *string
	OriginalQuery *string
	Route         *models.Route

	RoutingDecision    *models.RoutingDecision
	QueryAnalysis      *models.QueryAnalysis
	ClearQueryAnalysis bool

	CurrentSubQueryIndex  *int
	AppendSubQueryResults []models.SubQueryResult
	ClearSubQueryResults  bool

	VisualDecision   *models.VisualDecision
	RetrievedContext *models.RetrievedContext
	WebResults       []models.WebSearchResult
	SetWebResults    bool

	AppendReasoning string
	ClearReasoning  bool

	FinalAnswer      *models.AnswerWithCitations
	ClearFinalAnswer bool

	ClearRetrievedContext bool
	ClearVisualDecision   bool

	ErrorMessage *string
}

// Apply merges an update into a copy of the state and returns it.
func Apply(s ConversationState, u Update) ConversationState {
	if len(u.AppendMessages) > 0 {
		s.Messages = append(s.Messages, u.AppendMessages...)
	}
	if u.Query != nil {
		s.Query = *u.Query
	}
	if u.OriginalQuery != nil {
		s.OriginalQuery = *u.OriginalQuery
	}
	if u.Route != nil {
		s.Route = *u.Route
	}
	if u.RoutingDecision != nil {
		s.RoutingDecision = u.RoutingDecision
	}
	if u.ClearQueryAnalysis {
		s.QueryAnalysis = nil
	} else if u.QueryAnalysis != nil {
		s.QueryAnalysis = u.QueryAnalysis
	}
	if u.CurrentSubQueryIndex != nil {
		s.CurrentSubQueryIndex = *u.CurrentSubQueryIndex
	}
	if u.ClearSubQueryResults {
		s.SubQueryResults = nil
	}
	if len(u.AppendSubQueryResults) > 0 {
		s.SubQueryResults = append(s.SubQueryResults, u.AppendSubQueryResults...)
	}
	if u.ClearVisualDecision {
		s.VisualDecision = nil
	} else if u.VisualDecision != nil {
		s.VisualDecision = u.VisualDecision
	}
	if u.ClearRetrievedContext {
		s.RetrievedContext = nil
	} else if u.RetrievedContext != nil {
		s.RetrievedContext = u.RetrievedContext
	}
	if u.SetWebResults {
		s.WebResults = u.WebResults
	}
	if u.ClearReasoning {
		s.IntermediateReasoning = ""
	}
	if u.AppendReasoning != "" {
		if s.IntermediateReasoning != "" {
			s.IntermediateReasoning += "\n"
		}
		s.IntermediateReasoning += u.AppendReasoning
	}
	if u.ClearFinalAnswer {
		s.FinalAnswer = nil
	} else if u.FinalAnswer != nil {
		s.FinalAnswer = u.FinalAnswer
	}
	if u.ErrorMessage != nil {
		s.ErrorMessage = *u.ErrorMessage
	}
	return s
}

// StringPtr is a convenience for scalar Update fields.
func StringPtr(s string) *string { return &s }

// IntPtr is a convenience for scalar Update fields.
func IntPtr(i int) *int { return &i }

// RoutePtr is a convenience for scalar Update fields.
func RoutePtr(r models.Route) *models.Route { return &r }
