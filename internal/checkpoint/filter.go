// Package checkpoint persists per-thread conversation state across
// turns. Snapshots are minimized before every write: transient fields
// are zeroed and the final answer is reduced to a compact summary, so
// a checkpoint never carries retrieval payloads or base64 images.
package checkpoint

import (
	"time"

	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
)

// maxCitationSummaries bounds the citation summaries kept in a
// minimized answer.
const maxCitationSummaries = 3

// MinimalAnswer is the checkpoint form of a final answer. Full citation
// objects are dropped; only a count and a few source/page summaries
// remain.
type MinimalAnswer struct {
	Answer         string                   `json:"answer"`
	AnswerType     models.AnswerType        `json:"answer_type"`
	Uncertainty    float64                  `json:"uncertainty"`
	CitationsCount int                      `json:"citations_count"`
	Citations      []models.CitationSummary `json:"citations,omitempty"`
}

// Snapshot is the persisted shape of a conversation thread. Transient
// fields keep their slots (empty-typed, never dropped) so the schema
// stays stable across versions.
type Snapshot struct {
	SessionID    string           `json:"session_id"`
	CollectionID string           `json:"collection_id,omitempty"`
	Messages     []models.Message `json:"messages"`

	Query         string       `json:"query"`
	OriginalQuery string       `json:"original_query,omitempty"`
	Route         models.Route `json:"route,omitempty"`

	RoutingDecision *models.RoutingDecision `json:"routing_decision,omitempty"`

	// Transient slots, always zeroed by Filter.
	QueryAnalysis         *models.QueryAnalysis    `json:"query_analysis,omitempty"`
	SubQueryResults       []models.SubQueryResult  `json:"sub_query_results"`
	VisualDecision        *models.VisualDecision   `json:"visual_decision,omitempty"`
	RetrievedContext      *models.RetrievedContext `json:"retrieved_context,omitempty"`
	WebResults            []models.WebSearchResult `json:"web_results"`
	IntermediateReasoning string                   `json:"intermediate_reasoning"`

	CurrentSubQueryIndex int            `json:"current_sub_query_index"`
	FinalAnswer          *MinimalAnswer `json:"final_answer,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Filter zeroes the transient fields of a snapshot and trims the
// minimized answer. Idempotent: filtering a filtered snapshot changes
// nothing.
func Filter(snap Snapshot) Snapshot {
	snap.QueryAnalysis = nil
	snap.SubQueryResults = []models.SubQueryResult{}
	snap.VisualDecision = nil
	snap.RetrievedContext = nil
	snap.WebResults = []models.WebSearchResult{}
	snap.IntermediateReasoning = ""
	if snap.FinalAnswer != nil && len(snap.FinalAnswer.Citations) > maxCitationSummaries {
		trimmed := *snap.FinalAnswer
		trimmed.Citations = trimmed.Citations[:maxCitationSummaries]
		snap.FinalAnswer = &trimmed
	}
	return snap
}

// Minimize converts a live state into its filtered checkpoint form.
func Minimize(s state.ConversationState) Snapshot {
	snap := Snapshot{
		SessionID:            s.SessionID,
		CollectionID:         s.CollectionID,
		Messages:             s.Messages,
		Query:                s.Query,
		OriginalQuery:        s.OriginalQuery,
		Route:                s.Route,
		RoutingDecision:      s.RoutingDecision,
		CurrentSubQueryIndex: s.CurrentSubQueryIndex,
		ErrorMessage:         s.ErrorMessage,
		UpdatedAt:            time.Now().UTC(),
	}
	if s.FinalAnswer != nil {
		snap.FinalAnswer = minimizeAnswer(s.FinalAnswer)
	}
	return Filter(snap)
}

func minimizeAnswer(a *models.AnswerWithCitations) *MinimalAnswer {
	min := &MinimalAnswer{
		Answer:         a.Answer,
		AnswerType:     a.AnswerType,
		Uncertainty:    a.Uncertainty,
		CitationsCount: len(a.Citations),
	}
	for i, c := range a.Citations {
		if i >= maxCitationSummaries {
			break
		}
		min.Citations = append(min.Citations, models.CitationSummary{
			Source: c.SourceID,
			Page:   c.PageNumber,
		})
	}
	return min
}

// Restore rebuilds a live state from a snapshot. Transient fields come
// back empty; they are recomputed fresh on the next turn.
func Restore(snap Snapshot) state.ConversationState {
	return state.ConversationState{
		SessionID:       snap.SessionID,
		CollectionID:    snap.CollectionID,
		Messages:        snap.Messages,
		Route:           snap.Route,
		RoutingDecision: snap.RoutingDecision,
	}
}
