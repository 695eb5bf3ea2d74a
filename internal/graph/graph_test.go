package graph

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/checkpoint"
	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/history"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/nodes"
	"github.com/docuflow/orchestrator/internal/state"
	"github.com/docuflow/orchestrator/internal/streaming"
)

// scriptedModel answers structured calls by prompt kind and plain
// completions by prompt kind, so one fake serves every node.
type scriptedModel struct {
	routingJSON  string
	analysisJSON string

	ragText       string
	webText       string
	llmText       string
	synthesisText string
	completeErr   error
}

func (m *scriptedModel) CompleteStructured(_ context.Context, prompt string, out interface{}) error {
	switch {
	case strings.Contains(prompt, "routing agent"):
		if m.routingJSON == "" {
			return errors.New("no routing script")
		}
		return json.Unmarshal([]byte(m.routingJSON), out)
	case strings.Contains(prompt, "query analyzer"):
		if m.analysisJSON == "" {
			return errors.New("no analysis script")
		}
		return json.Unmarshal([]byte(m.analysisJSON), out)
	}
	return errors.New("unexpected structured prompt")
}

func (m *scriptedModel) Complete(_ context.Context, prompt string, _ []models.Message) (string, error) {
	if m.completeErr != nil {
		return "", m.completeErr
	}
	switch {
	case strings.Contains(prompt, "Document Context:"):
		return m.ragText, nil
	case strings.Contains(prompt, "Web Search Results:"):
		return m.webText, nil
	case strings.Contains(prompt, "synthesizing a comprehensive answer"):
		return m.synthesisText, nil
	}
	return m.llmText, nil
}

func (m *scriptedModel) CompleteMultimodal(_ context.Context, _ string, _ []string, _ string) (string, error) {
	return m.ragText, m.completeErr
}

type fakeRetriever struct {
	rctx  *models.RetrievedContext
	err   error
	calls int
	mode  string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _ string, _ int) (*models.RetrievedContext, error) {
	f.calls++
	f.mode = "plain"
	return f.rctx, f.err
}

func (f *fakeRetriever) RetrieveHybrid(_ context.Context, _, _ string, _ int) (*models.RetrievedContext, error) {
	f.calls++
	f.mode = "hybrid"
	return f.rctx, f.err
}

func (f *fakeRetriever) RetrieveAndRerank(_ context.Context, _, _ string, _, _ int, _ bool) (*models.RetrievedContext, error) {
	f.calls++
	f.mode = "rerank"
	return f.rctx, f.err
}

type fakeVisual struct {
	decision *models.VisualDecision
}

func (f *fakeVisual) Decide(_ context.Context, _ string, _ *models.RetrievedContext) *models.VisualDecision {
	if f.decision != nil {
		return f.decision
	}
	return &models.VisualDecision{RequiresVisual: false, Confidence: 0.95}
}

func (f *fakeVisual) SelectAndRender(_ context.Context, _ string, rctx *models.RetrievedContext, _ string) *models.RetrievedContext {
	return rctx
}

type fakeWeb struct {
	results []models.WebSearchResult
	err     error
	calls   int
}

func (f *fakeWeb) Search(_ context.Context, _ string) ([]models.WebSearchResult, error) {
	f.calls++
	return f.results, f.err
}

// memCheckpoints is an in-memory Checkpointer with the same
// minimization behavior as the redis-backed store.
type memCheckpoints struct {
	snaps map[string]checkpoint.Snapshot
	saves int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{snaps: make(map[string]checkpoint.Snapshot)}
}

func (m *memCheckpoints) Load(_ context.Context, threadID string) (checkpoint.Snapshot, bool, error) {
	snap, ok := m.snaps[threadID]
	return snap, ok, nil
}

func (m *memCheckpoints) Save(_ context.Context, threadID string, st state.ConversationState) error {
	m.snaps[threadID] = checkpoint.Minimize(st)
	m.saves++
	return nil
}

func docContext() *models.RetrievedContext {
	return &models.RetrievedContext{
		Chunks: []models.RetrievedChunk{
			{Content: "the encoder is composed of a stack of identical layers", PageNumber: 3, SourceFile: "paper.pdf"},
			{Content: "scaled dot-product attention", PageNumber: 4, SourceFile: "paper.pdf"},
		},
		UniquePageNumbers: []int{3, 4},
		SourceFiles:       []string{"paper.pdf"},
	}
}

const (
	simpleAnalysis  = `{"classification":"simple","reasoning":"single intent","sub_queries":[],"confidence":0.95}`
	complexAnalysis = `{"classification":"complex","reasoning":"two questions","sub_queries":["what is the encoder?","what is attention?"],"confidence":0.9}`
	ragRouting      = `{"route":"multimodal_rag","reasoning":"document question","confidence":0.9}`
)

var longAnswer = strings.Repeat("the encoder stacks six identical self-attention layers ", 3)

func newEngine(model *scriptedModel, retriever *fakeRetriever, web *fakeWeb, ck Checkpointer) *Engine {
	cfg := config.Default()
	hist := history.NewManager(cfg.History, zap.NewNop())
	n := nodes.New(model, retriever, &fakeVisual{}, web, hist, cfg, zap.NewNop())
	return New(n, ck, streaming.NewManager(16), cfg, zap.NewNop())
}

func TestSimpleTurn(t *testing.T) {
	model := &scriptedModel{routingJSON: ragRouting, analysisJSON: simpleAnalysis, ragText: longAnswer}
	retriever := &fakeRetriever{rctx: docContext()}
	web := &fakeWeb{}
	ck := newMemCheckpoints()
	e := newEngine(model, retriever, web, ck)

	final, err := e.Run(context.Background(), "thread-1", "col-1", "what is the encoder?")

	require.NoError(t, err)
	assert.Equal(t, "plain", retriever.mode)
	assert.Zero(t, web.calls)

	require.NotNil(t, final.FinalAnswer)
	assert.Equal(t, models.AnswerSynthesized, final.FinalAnswer.AnswerType)
	assert.Equal(t, longAnswer, final.FinalAnswer.Answer)
	assert.NotEmpty(t, final.FinalAnswer.Citations)

	// One user and one assistant message for the turn.
	require.Len(t, final.Messages, 2)
	assert.Equal(t, "user", final.Messages[0].Role)
	assert.Equal(t, "assistant", final.Messages[1].Role)

	// Terminal cleanup ran.
	assert.Nil(t, final.RetrievedContext)
	assert.Nil(t, final.QueryAnalysis)
	assert.Nil(t, final.VisualDecision)
	assert.Empty(t, final.SubQueryResults)
	assert.Empty(t, final.IntermediateReasoning)

	// Exactly one checkpoint commit, at format_response.
	assert.Equal(t, 1, ck.saves)
	snap := ck.snaps["thread-1"]
	assert.Len(t, snap.Messages, 2)
	assert.Nil(t, snap.RetrievedContext)
}

func TestTooComplexShortCircuit(t *testing.T) {
	model := &scriptedModel{
		routingJSON:  ragRouting,
		analysisJSON: `{"classification":"complex","reasoning":"too many","sub_queries":["a","b","c","d"],"confidence":0.8}`,
	}
	retriever := &fakeRetriever{rctx: docContext()}
	e := newEngine(model, retriever, &fakeWeb{}, nil)

	final, err := e.Run(context.Background(), "thread-1", "col-1", "a and b and c and d")

	require.NoError(t, err)
	require.NotNil(t, final.FinalAnswer)
	assert.Equal(t, models.AnswerUnableToAnswer, final.FinalAnswer.AnswerType)
	assert.Equal(t, 1.0, final.FinalAnswer.Uncertainty)
	assert.Zero(t, retriever.calls, "no retrieval after the short circuit")
}

func TestComplexLoopAndSynthesis(t *testing.T) {
	model := &scriptedModel{
		routingJSON:   ragRouting,
		analysisJSON:  complexAnalysis,
		ragText:       longAnswer,
		synthesisText: "Together, the encoder and attention form the transformer core, as both sub-answers show.",
	}
	retriever := &fakeRetriever{rctx: docContext()}
	web := &fakeWeb{}
	e := newEngine(model, retriever, web, nil)

	final, err := e.Run(context.Background(), "thread-1", "col-1", "what is the encoder and what is attention?")

	require.NoError(t, err)
	assert.Equal(t, 2, retriever.calls, "one retrieval per sub-query")
	assert.Equal(t, "rerank", retriever.mode, "complex queries use the deep pipeline")
	assert.Zero(t, web.calls)

	require.NotNil(t, final.FinalAnswer)
	assert.Equal(t, model.synthesisText, final.FinalAnswer.Answer)
	assert.Equal(t, models.AnswerSynthesized, final.FinalAnswer.AnswerType)

	// The original query is restored for the final message context.
	assert.Equal(t, "what is the encoder and what is attention?", final.Query)
	assert.Empty(t, final.SubQueryResults, "collected results cleared at format")
	assert.Zero(t, final.CurrentSubQueryIndex)
}

func TestEmptyRetrievalFallsBackToWebThenLLM(t *testing.T) {
	model := &scriptedModel{
		routingJSON:  ragRouting,
		analysisJSON: simpleAnalysis,
		llmText:      "From general knowledge, the encoder is the input half of a transformer model.",
	}
	retriever := &fakeRetriever{rctx: nil} // nothing indexed
	web := &fakeWeb{}                      // web search empty too
	e := newEngine(model, retriever, web, nil)

	final, err := e.Run(context.Background(), "thread-1", "col-1", "what is the encoder?")

	require.NoError(t, err)
	assert.Equal(t, 1, web.calls)
	require.NotNil(t, final.FinalAnswer)
	assert.Equal(t, models.AnswerDirect, final.FinalAnswer.AnswerType)
	require.Len(t, final.FinalAnswer.Citations, 1)
	assert.Equal(t, models.SourceLLMKnowledge, final.FinalAnswer.Citations[0].SourceType)
	assert.Equal(t, models.RouteLLM, final.Route)
}

func TestQualityGateFallsBackToWeb(t *testing.T) {
	model := &scriptedModel{
		routingJSON:  ragRouting,
		analysisJSON: simpleAnalysis,
		ragText:      "too short", // trips the minimum length criterion
		webText:      "Recent sources describe the encoder as a stack of self-attention and feed-forward layers.",
	}
	retriever := &fakeRetriever{rctx: docContext()}
	web := &fakeWeb{results: []models.WebSearchResult{
		{Title: "Transformers Explained", URL: "https://example.com/t", Snippet: "encoder details", RelevanceScore: 0.88},
	}}
	e := newEngine(model, retriever, web, nil)

	final, err := e.Run(context.Background(), "thread-1", "col-1", "what is the encoder?")

	require.NoError(t, err)
	assert.Equal(t, 1, web.calls)
	require.NotNil(t, final.FinalAnswer)
	assert.True(t, final.FinalAnswer.RequiredFallback)
	assert.Equal(t, 0.3, final.FinalAnswer.Uncertainty)
	require.Len(t, final.FinalAnswer.Citations, 1)
	assert.Equal(t, models.SourceWeb, final.FinalAnswer.Citations[0].SourceType)
}

func TestSetConfigTightensQualityGate(t *testing.T) {
	model := &scriptedModel{
		routingJSON:  ragRouting,
		analysisJSON: simpleAnalysis,
		ragText:      longAnswer,
		webText:      "Recent sources describe the encoder in detail.",
	}
	retriever := &fakeRetriever{rctx: docContext()}
	web := &fakeWeb{results: []models.WebSearchResult{
		{Title: "Transformers Explained", URL: "https://example.com/t", Snippet: "encoder details", RelevanceScore: 0.88},
	}}
	e := newEngine(model, retriever, web, nil)

	_, err := e.Run(context.Background(), "thread-1", "col-1", "what is the encoder?")
	require.NoError(t, err)
	assert.Zero(t, web.calls)

	next := config.Default()
	next.RAG.MinAnswerLength = len(longAnswer) + 1
	e.SetConfig(next)

	final, err := e.Run(context.Background(), "thread-2", "col-1", "what is the encoder?")
	require.NoError(t, err)
	assert.Equal(t, 1, web.calls)
	require.NotNil(t, final.FinalAnswer)
	assert.True(t, final.FinalAnswer.RequiredFallback)
}

func TestSecondTurnRestoresHistory(t *testing.T) {
	model := &scriptedModel{routingJSON: ragRouting, analysisJSON: simpleAnalysis, ragText: longAnswer}
	ck := newMemCheckpoints()
	e := newEngine(model, &fakeRetriever{rctx: docContext()}, &fakeWeb{}, ck)

	_, err := e.Run(context.Background(), "thread-1", "col-1", "what is the encoder?")
	require.NoError(t, err)
	final, err := e.Run(context.Background(), "thread-1", "col-1", "and the decoder?")
	require.NoError(t, err)

	require.Len(t, final.Messages, 4)
	assert.Equal(t, "what is the encoder?", final.Messages[0].Content)
	assert.Equal(t, "and the decoder?", final.Messages[2].Content)
	assert.Equal(t, 2, ck.saves)
}

func TestStreamEmitsNodeEventsThenDone(t *testing.T) {
	model := &scriptedModel{routingJSON: ragRouting, analysisJSON: simpleAnalysis, ragText: longAnswer}
	e := newEngine(model, &fakeRetriever{rctx: docContext()}, &fakeWeb{}, nil)

	var events []streaming.Event
	for ev := range e.Stream(context.Background(), "thread-1", "col-1", "what is the encoder?") {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, string(NodeAddUserMessage), events[0].Node)

	last := events[len(events)-1]
	assert.Equal(t, streaming.EventDone, last.Type)
	assert.Equal(t, "thread-1", last.ThreadID)
	assert.Equal(t, string(NodeFormatResponse), events[len(events)-2].Node)

	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, streaming.EventNode, ev.Type)
	}
}

func TestStreamCanceledTurnEndsWithError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{routingJSON: ragRouting, analysisJSON: simpleAnalysis}
	e := newEngine(model, &fakeRetriever{}, &fakeWeb{}, nil)

	var events []streaming.Event
	for ev := range e.Stream(ctx, "thread-1", "col-1", "q") {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, streaming.EventError, events[len(events)-1].Type)
}

func TestRouteFunctions(t *testing.T) {
	complex := &models.QueryAnalysis{
		Classification: models.ClassificationComplex,
		SubQueries:     []string{"a", "b"},
	}

	t.Run("analysis route", func(t *testing.T) {
		assert.Equal(t, NodeRetrieve, analysisRoute(state.ConversationState{}))
		assert.Equal(t, NodeRetrieve, analysisRoute(state.ConversationState{
			QueryAnalysis: &models.QueryAnalysis{Classification: models.ClassificationSimple},
		}))
		assert.Equal(t, NodePrepareSubQuery, analysisRoute(state.ConversationState{QueryAnalysis: complex}))
		assert.Equal(t, NodeFormatResponse, analysisRoute(state.ConversationState{
			QueryAnalysis: complex,
			FinalAnswer:   &models.AnswerWithCitations{AnswerType: models.AnswerUnableToAnswer},
		}))
	})

	t.Run("visual route", func(t *testing.T) {
		assert.Equal(t, NodeGenerateRAGAnswer, visualRoute(state.ConversationState{}))
		assert.Equal(t, NodeRetrieveImages, visualRoute(state.ConversationState{
			VisualDecision: &models.VisualDecision{RequiresVisual: true},
		}))
	})

	t.Run("web answer route", func(t *testing.T) {
		assert.Equal(t, NodeGenerateLLMAnswer, webAnswerRoute(state.ConversationState{Route: models.RouteLLM}))
		assert.Equal(t, NodeFormatResponse, webAnswerRoute(state.ConversationState{
			Route:       models.RouteLLM,
			FinalAnswer: &models.AnswerWithCitations{Answer: "a"},
		}))
		assert.Equal(t, NodeCollectSubQuery, webAnswerRoute(state.ConversationState{
			QueryAnalysis: complex,
			FinalAnswer:   &models.AnswerWithCitations{Answer: "a"},
		}))
	})

	t.Run("sub-query loop route", func(t *testing.T) {
		assert.Equal(t, NodeSynthesize, subQueryLoopRoute(state.ConversationState{}))
		assert.Equal(t, NodePrepareSubQuery, subQueryLoopRoute(state.ConversationState{
			QueryAnalysis:        complex,
			CurrentSubQueryIndex: 1,
		}))
		assert.Equal(t, NodeSynthesize, subQueryLoopRoute(state.ConversationState{
			QueryAnalysis:        complex,
			CurrentSubQueryIndex: 2,
		}))
	})
}
