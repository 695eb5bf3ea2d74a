package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/history"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
)

type fakeModel struct {
	completeText   string
	completeErr    error
	structuredJSON string
	structuredErr  error
	multimodalText string
	multimodalErr  error

	lastPrompt string
	lastImages []string
	lastDetail string
}

func (f *fakeModel) Complete(_ context.Context, prompt string, _ []models.Message) (string, error) {
	f.lastPrompt = prompt
	return f.completeText, f.completeErr
}

func (f *fakeModel) CompleteStructured(_ context.Context, prompt string, out interface{}) error {
	f.lastPrompt = prompt
	if f.structuredErr != nil {
		return f.structuredErr
	}
	return json.Unmarshal([]byte(f.structuredJSON), out)
}

func (f *fakeModel) CompleteMultimodal(_ context.Context, prompt string, images []string, detail string) (string, error) {
	f.lastPrompt = prompt
	f.lastImages = images
	f.lastDetail = detail
	return f.multimodalText, f.multimodalErr
}

type fakeRetriever struct {
	rctx *models.RetrievedContext
	err  error

	mode       string
	gotUseHyb  bool
	gotK       int
	gotRerankK int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _ string, k int) (*models.RetrievedContext, error) {
	f.mode, f.gotK = "plain", k
	return f.rctx, f.err
}

func (f *fakeRetriever) RetrieveHybrid(_ context.Context, _, _ string, k int) (*models.RetrievedContext, error) {
	f.mode, f.gotK = "hybrid", k
	return f.rctx, f.err
}

func (f *fakeRetriever) RetrieveAndRerank(_ context.Context, _, _ string, k, rerankTopK int, useHybrid bool) (*models.RetrievedContext, error) {
	f.mode, f.gotK, f.gotRerankK, f.gotUseHyb = "rerank", k, rerankTopK, useHybrid
	return f.rctx, f.err
}

type fakeVisual struct {
	decision *models.VisualDecision
	rendered *models.RetrievedContext
	calls    int
}

func (f *fakeVisual) Decide(_ context.Context, _ string, _ *models.RetrievedContext) *models.VisualDecision {
	return f.decision
}

func (f *fakeVisual) SelectAndRender(_ context.Context, _ string, _ *models.RetrievedContext, _ string) *models.RetrievedContext {
	f.calls++
	return f.rendered
}

type fakeWeb struct {
	results []models.WebSearchResult
	err     error
}

func (f *fakeWeb) Search(_ context.Context, _ string) ([]models.WebSearchResult, error) {
	return f.results, f.err
}

func newTestNodes(model Generator, retriever Retriever, vis VisualSelector, web WebSearcher) *Nodes {
	cfg := config.Default()
	hist := history.NewManager(cfg.History, zap.NewNop())
	return New(model, retriever, vis, web, hist, cfg, zap.NewNop())
}

func testContext() *models.RetrievedContext {
	return &models.RetrievedContext{
		Chunks: []models.RetrievedChunk{
			{Content: strings.Repeat("attention is all you need ", 10), PageNumber: 2, SourceFile: "paper.pdf"},
			{Content: "multi-head attention", PageNumber: 2, SourceFile: "paper.pdf"},
			{Content: "positional encoding", PageNumber: 7, SourceFile: "paper.pdf"},
		},
		UniquePageNumbers: []int{2, 7},
		SourceFiles:       []string{"paper.pdf"},
	}
}

func TestAddUserMessage(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{Query: "what is attention?"}

	u := n.AddUserMessage(context.Background(), s)

	require.Len(t, u.AppendMessages, 1)
	assert.Equal(t, "user", u.AppendMessages[0].Role)
	assert.Equal(t, "what is attention?", u.AppendMessages[0].Content)
	require.NotNil(t, u.OriginalQuery)
	assert.Equal(t, "what is attention?", *u.OriginalQuery)
}

func TestRouteQuerySetsDecision(t *testing.T) {
	model := &fakeModel{structuredJSON: `{"route":"multimodal_rag","reasoning":"mentions the paper","confidence":0.9}`}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.RouteQuery(context.Background(), state.ConversationState{Query: "summarize the paper"})

	require.NotNil(t, u.Route)
	assert.Equal(t, models.RouteRAG, *u.Route)
	require.NotNil(t, u.RoutingDecision)
	assert.Equal(t, 0.9, u.RoutingDecision.Confidence)
	assert.Contains(t, u.AppendReasoning, "[ROUTING]")
	assert.Contains(t, model.lastPrompt, "summarize the paper")
}

func TestRouteQueryFailureIsInformational(t *testing.T) {
	model := &fakeModel{structuredErr: errors.New("model down")}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.RouteQuery(context.Background(), state.ConversationState{Query: "q"})

	assert.Nil(t, u.Route)
	assert.Nil(t, u.RoutingDecision)
	assert.Nil(t, u.ErrorMessage)
}

func TestAnalyzeQuerySimple(t *testing.T) {
	model := &fakeModel{structuredJSON: `{"classification":"simple","reasoning":"single intent","sub_queries":[],"confidence":0.95}`}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.AnalyzeQuery(context.Background(), state.ConversationState{Query: "what is attention?"})

	require.NotNil(t, u.QueryAnalysis)
	assert.Equal(t, models.ClassificationSimple, u.QueryAnalysis.Classification)
	require.NotNil(t, u.CurrentSubQueryIndex)
	assert.Equal(t, 0, *u.CurrentSubQueryIndex)
	assert.True(t, u.ClearSubQueryResults)
	assert.Equal(t, "[QUERY_ANALYSIS] single intent", u.AppendReasoning)
}

func TestAnalyzeQueryTooComplex(t *testing.T) {
	model := &fakeModel{structuredJSON: `{"classification":"complex","reasoning":"many parts","sub_queries":["a","b","c","d"],"confidence":0.8}`}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.AnalyzeQuery(context.Background(), state.ConversationState{Query: "a and b and c and d"})

	require.NotNil(t, u.FinalAnswer)
	assert.Equal(t, models.AnswerUnableToAnswer, u.FinalAnswer.AnswerType)
	assert.Equal(t, 1.0, u.FinalAnswer.Uncertainty)
	assert.Equal(t, tooComplexAnswer, u.FinalAnswer.Answer)
	require.NotNil(t, u.ErrorMessage)
	assert.Contains(t, *u.ErrorMessage, "4 sub-queries")
}

func TestAnalyzeQueryFailureDefaultsSimple(t *testing.T) {
	model := &fakeModel{structuredErr: errors.New("timeout")}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.AnalyzeQuery(context.Background(), state.ConversationState{Query: "q"})

	require.NotNil(t, u.QueryAnalysis)
	assert.Equal(t, models.ClassificationSimple, u.QueryAnalysis.Classification)
	assert.Equal(t, 0.5, u.QueryAnalysis.Confidence)
	assert.Contains(t, u.QueryAnalysis.Reasoning, "Analysis failed")
	assert.Nil(t, u.FinalAnswer)
}

func TestRetrieveSimpleUsesPlainSearch(t *testing.T) {
	retriever := &fakeRetriever{rctx: testContext()}
	n := newTestNodes(&fakeModel{}, retriever, &fakeVisual{}, &fakeWeb{})

	u := n.Retrieve(context.Background(), state.ConversationState{Query: "q", CollectionID: "col"})

	assert.Equal(t, "plain", retriever.mode)
	require.NotNil(t, u.RetrievedContext)
	assert.Len(t, u.RetrievedContext.Chunks, 3)
}

func TestRetrieveComplexUsesHybridRerank(t *testing.T) {
	retriever := &fakeRetriever{rctx: testContext()}
	n := newTestNodes(&fakeModel{}, retriever, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{
		Query:         "q",
		QueryAnalysis: &models.QueryAnalysis{Classification: models.ClassificationComplex, SubQueries: []string{"a", "b"}},
	}

	n.Retrieve(context.Background(), s)

	assert.Equal(t, "rerank", retriever.mode)
	assert.True(t, retriever.gotUseHyb)
	assert.Equal(t, config.Default().Retrieval.RerankTopK, retriever.gotRerankK)
}

func TestRetrieveFailureRoutesToWebSearch(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("connection refused")}
	n := newTestNodes(&fakeModel{}, retriever, &fakeVisual{}, &fakeWeb{})

	u := n.Retrieve(context.Background(), state.ConversationState{Query: "q"})

	require.NotNil(t, u.Route)
	assert.Equal(t, models.RouteWebSearch, *u.Route)
	require.NotNil(t, u.ErrorMessage)
	assert.Contains(t, *u.ErrorMessage, "RAG retrieval failed")
}

func TestRetrieveEmptyClearsContext(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.Retrieve(context.Background(), state.ConversationState{Query: "q"})

	assert.True(t, u.ClearRetrievedContext)
	assert.Nil(t, u.ErrorMessage)
}

func TestRetrieveImagesSkipsWithoutDecision(t *testing.T) {
	vis := &fakeVisual{rendered: testContext()}
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, vis, &fakeWeb{})

	u := n.RetrieveImages(context.Background(), state.ConversationState{RetrievedContext: testContext()})

	assert.Nil(t, u.RetrievedContext)
	assert.Zero(t, vis.calls)
}

func TestRetrieveImagesRendersWhenRequired(t *testing.T) {
	rendered := testContext()
	rendered.Images = []string{"aW1n"}
	vis := &fakeVisual{rendered: rendered}
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, vis, &fakeWeb{})
	s := state.ConversationState{
		VisualDecision:   &models.VisualDecision{RequiresVisual: true},
		RetrievedContext: testContext(),
	}

	u := n.RetrieveImages(context.Background(), s)

	assert.Equal(t, 1, vis.calls)
	require.NotNil(t, u.RetrievedContext)
	assert.Len(t, u.RetrievedContext.Images, 1)
}

func TestGenerateRAGAnswerTextPath(t *testing.T) {
	model := &fakeModel{completeText: strings.Repeat("the attention mechanism weighs token relevance ", 3)}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{Query: "what is attention?", RetrievedContext: testContext()}

	u := n.GenerateRAGAnswer(context.Background(), s)

	require.NotNil(t, u.FinalAnswer)
	assert.Equal(t, 0.2, u.FinalAnswer.Uncertainty)
	assert.Equal(t, models.AnswerSynthesized, u.FinalAnswer.AnswerType)
	// Chunks on (paper.pdf, 2) collapse into one citation.
	require.Len(t, u.FinalAnswer.Citations, 2)
	assert.Equal(t, models.SourceDocument, u.FinalAnswer.Citations[0].SourceType)
	assert.Equal(t, "paper.pdf", u.FinalAnswer.Citations[0].SourceID)
	assert.LessOrEqual(t, len(u.FinalAnswer.Citations[0].Snippet), config.Default().RAG.CitationSnippetLength)
	assert.Contains(t, model.lastPrompt, "[Document 1] (Source: paper.pdf, Page 2)")
}

func TestGenerateRAGAnswerVisionPath(t *testing.T) {
	model := &fakeModel{multimodalText: "the diagram shows the encoder stack"}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	rctx := testContext()
	rctx.Images = []string{"aW1nMQ==", "aW1nMg=="}
	rctx.ImagesJustification = "architecture diagram on page 2"

	u := n.GenerateRAGAnswer(context.Background(), state.ConversationState{Query: "q", RetrievedContext: rctx})

	require.NotNil(t, u.FinalAnswer)
	assert.Equal(t, 0.15, u.FinalAnswer.Uncertainty)
	assert.Equal(t, rctx.Images, model.lastImages)
	assert.Contains(t, model.lastPrompt, "2 document page image(s)")
	assert.Contains(t, model.lastPrompt, "Selection Reason: architecture diagram on page 2")
}

func TestGenerateRAGAnswerNoContext(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.GenerateRAGAnswer(context.Background(), state.ConversationState{Query: "q"})

	assert.Nil(t, u.FinalAnswer)
	assert.Nil(t, u.ErrorMessage)
}

func TestGenerateRAGAnswerModelFailure(t *testing.T) {
	model := &fakeModel{completeErr: errors.New("rate limited")}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.GenerateRAGAnswer(context.Background(), state.ConversationState{Query: "q", RetrievedContext: testContext()})

	assert.Nil(t, u.FinalAnswer)
	require.NotNil(t, u.ErrorMessage)
	assert.Contains(t, *u.ErrorMessage, "Answer generation failed")
}

func TestWebSearchStoresResults(t *testing.T) {
	web := &fakeWeb{results: []models.WebSearchResult{{Title: "Go", URL: "https://go.dev", Snippet: "site", RelevanceScore: 0.8}}}
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, web)

	u := n.WebSearch(context.Background(), state.ConversationState{Query: "golang"})

	assert.True(t, u.SetWebResults)
	assert.Len(t, u.WebResults, 1)
}

func TestWebSearchFailureLeavesEmptyResults(t *testing.T) {
	web := &fakeWeb{err: errors.New("search down")}
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, web)

	u := n.WebSearch(context.Background(), state.ConversationState{Query: "golang"})

	assert.True(t, u.SetWebResults)
	assert.Empty(t, u.WebResults)
	require.NotNil(t, u.ErrorMessage)
}

func TestGenerateWebAnswerNoResultsFallsToLLM(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.GenerateWebAnswer(context.Background(), state.ConversationState{Query: "q"})

	require.NotNil(t, u.Route)
	assert.Equal(t, models.RouteLLM, *u.Route)
	assert.Nil(t, u.FinalAnswer)
}

func TestGenerateWebAnswer(t *testing.T) {
	model := &fakeModel{completeText: "Go 1.25 was released earlier this year with several runtime improvements."}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{
		Query: "latest go release",
		WebResults: []models.WebSearchResult{
			{Title: "Go Blog", URL: "https://go.dev/blog", Snippet: "release notes", RelevanceScore: 0.92},
			{Title: "HN", URL: "https://news.ycombinator.com", Snippet: "discussion", RelevanceScore: 0.6},
		},
	}

	u := n.GenerateWebAnswer(context.Background(), s)

	require.NotNil(t, u.FinalAnswer)
	assert.True(t, u.FinalAnswer.RequiredFallback)
	assert.Equal(t, 0.3, u.FinalAnswer.Uncertainty)
	require.Len(t, u.FinalAnswer.Citations, 2)
	assert.Equal(t, models.SourceWeb, u.FinalAnswer.Citations[0].SourceType)
	assert.Equal(t, "Go Blog", u.FinalAnswer.Citations[0].SourceID)
	assert.Equal(t, 0.92, u.FinalAnswer.Citations[0].Confidence)
	assert.Contains(t, model.lastPrompt, "[Go Blog]\nURL: https://go.dev/blog\nrelease notes")
}

func TestGenerateLLMAnswer(t *testing.T) {
	model := &fakeModel{completeText: "A monad is a structure for sequencing computations."}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.GenerateLLMAnswer(context.Background(), state.ConversationState{Query: "what is a monad?"})

	require.NotNil(t, u.FinalAnswer)
	assert.Equal(t, models.AnswerDirect, u.FinalAnswer.AnswerType)
	assert.Equal(t, 0.4, u.FinalAnswer.Uncertainty)
	require.Len(t, u.FinalAnswer.Citations, 1)
	assert.Equal(t, models.SourceLLMKnowledge, u.FinalAnswer.Citations[0].SourceType)
	assert.Equal(t, "general_knowledge", u.FinalAnswer.Citations[0].SourceID)
	assert.Equal(t, 0.7, u.FinalAnswer.Citations[0].Confidence)
}

func TestPrepareSubQuery(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{
		Query:                "compare a and b",
		QueryAnalysis:        &models.QueryAnalysis{Classification: models.ClassificationComplex, SubQueries: []string{"what is a?", "what is b?"}},
		CurrentSubQueryIndex: 1,
		RetrievedContext:     testContext(),
	}

	u := n.PrepareSubQuery(context.Background(), s)

	require.NotNil(t, u.Query)
	assert.Equal(t, "what is b?", *u.Query)
	assert.True(t, u.ClearRetrievedContext)
	assert.True(t, u.ClearVisualDecision)
}

func TestPrepareSubQueryExhausted(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{
		QueryAnalysis:        &models.QueryAnalysis{SubQueries: []string{"a"}},
		CurrentSubQueryIndex: 1,
	}

	u := n.PrepareSubQuery(context.Background(), s)

	assert.Nil(t, u.Query)
}

func TestCollectSubQueryResult(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{
		QueryAnalysis:        &models.QueryAnalysis{SubQueries: []string{"what is a?", "what is b?"}},
		CurrentSubQueryIndex: 0,
		FinalAnswer: &models.AnswerWithCitations{
			Answer:    "a is the first letter",
			Citations: []models.Citation{{SourceID: "paper.pdf", PageNumber: 1}},
		},
	}

	u := n.CollectSubQueryResult(context.Background(), s)

	require.Len(t, u.AppendSubQueryResults, 1)
	assert.Equal(t, "what is a?", u.AppendSubQueryResults[0].SubQuery)
	assert.Equal(t, "a is the first letter", u.AppendSubQueryResults[0].Answer)
	require.NotNil(t, u.CurrentSubQueryIndex)
	assert.Equal(t, 1, *u.CurrentSubQueryIndex)
	assert.True(t, u.ClearFinalAnswer)
}

func TestCollectSubQueryResultWithoutAnswer(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{
		QueryAnalysis: &models.QueryAnalysis{SubQueries: []string{"a"}},
	}

	u := n.CollectSubQueryResult(context.Background(), s)

	require.Len(t, u.AppendSubQueryResults, 1)
	assert.Empty(t, u.AppendSubQueryResults[0].Answer)
	assert.Equal(t, 1, *u.CurrentSubQueryIndex)
}

func TestSynthesizeAnswers(t *testing.T) {
	model := &fakeModel{completeText: "Both letters open the alphabet, with a preceding b."}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{
		Query:         "what is b?",
		OriginalQuery: "compare a and b",
		SubQueryResults: []models.SubQueryResult{
			{SubQuery: "what is a?", Answer: "first", Citations: []models.Citation{{SourceID: "paper.pdf", PageNumber: 1}}},
			{SubQuery: "what is b?", Answer: "second", Citations: []models.Citation{{SourceID: "paper.pdf", PageNumber: 1}, {SourceID: "paper.pdf", PageNumber: 2}}},
		},
	}

	u := n.SynthesizeAnswers(context.Background(), s)

	require.NotNil(t, u.Query)
	assert.Equal(t, "compare a and b", *u.Query)
	require.NotNil(t, u.FinalAnswer)
	assert.Equal(t, 0.2, u.FinalAnswer.Uncertainty)
	assert.Equal(t, models.AnswerSynthesized, u.FinalAnswer.AnswerType)
	// (paper.pdf, 1) appears twice across sub-queries and collapses.
	assert.Len(t, u.FinalAnswer.Citations, 2)
	assert.Contains(t, model.lastPrompt, "Sub-Question 1: what is a?")
	assert.Contains(t, model.lastPrompt, "Citations: [paper.pdf, p.1]")
}

func TestSynthesizeAnswersFallbackConcatenates(t *testing.T) {
	model := &fakeModel{completeErr: errors.New("model down")}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{
		OriginalQuery: "compare a and b",
		SubQueryResults: []models.SubQueryResult{
			{SubQuery: "what is a?", Answer: "first"},
			{SubQuery: "what is b?", Answer: "second"},
		},
	}

	u := n.SynthesizeAnswers(context.Background(), s)

	require.NotNil(t, u.FinalAnswer)
	assert.Equal(t, 0.4, u.FinalAnswer.Uncertainty)
	assert.Equal(t, "**what is a?**\nfirst\n\n**what is b?**\nsecond", u.FinalAnswer.Answer)
	require.NotNil(t, u.ErrorMessage)
	assert.Contains(t, *u.ErrorMessage, "Synthesis failed")
}

func TestSynthesizeAnswersEmpty(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.SynthesizeAnswers(context.Background(), state.ConversationState{OriginalQuery: "q"})

	assert.Nil(t, u.FinalAnswer)
}

func TestAnswerAcceptable(t *testing.T) {
	cfg := config.Default().RAG
	longAnswer := strings.Repeat("a detailed answer ", 5)
	cited := []models.Citation{{SourceID: "paper.pdf"}}

	tests := []struct {
		name      string
		answer    *models.AnswerWithCitations
		ok        bool
		criterion string
	}{
		{"nil answer", nil, false, QualityMissing},
		{"too short", &models.AnswerWithCitations{Answer: "short", Citations: cited}, false, QualityTooShort},
		{"high uncertainty", &models.AnswerWithCitations{Answer: longAnswer, Uncertainty: 0.7, Citations: cited}, false, QualityHighUncertainty},
		{"no citations", &models.AnswerWithCitations{Answer: longAnswer, Uncertainty: 0.2}, false, QualityNoCitations},
		{"acceptable", &models.AnswerWithCitations{Answer: longAnswer, Uncertainty: 0.2, Citations: cited}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, criterion := AnswerAcceptable(tt.answer, cfg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.criterion, criterion)
		})
	}
}

func TestFormatResponseClearsTransients(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})
	s := state.ConversationState{
		Route: models.RouteRAG,
		FinalAnswer: &models.AnswerWithCitations{
			Answer:     "the answer",
			AnswerType: models.AnswerSynthesized,
			Citations: []models.Citation{
				{SourceID: "paper.pdf", PageNumber: 1}, {SourceID: "paper.pdf", PageNumber: 2},
				{SourceID: "paper.pdf", PageNumber: 3}, {SourceID: "paper.pdf", PageNumber: 4},
				{SourceID: "paper.pdf", PageNumber: 5}, {SourceID: "paper.pdf", PageNumber: 6},
			},
			Uncertainty: 0.2,
		},
		QueryAnalysis:         &models.QueryAnalysis{Classification: models.ClassificationComplex},
		SubQueryResults:       []models.SubQueryResult{{SubQuery: "a"}},
		RetrievedContext:      testContext(),
		WebResults:            []models.WebSearchResult{{Title: "t"}},
		VisualDecision:        &models.VisualDecision{RequiresVisual: true},
		IntermediateReasoning: "[ROUTING] trace",
		CurrentSubQueryIndex:  2,
	}

	u := n.FormatResponse(context.Background(), s)

	require.Len(t, u.AppendMessages, 1)
	reply := u.AppendMessages[0]
	assert.Equal(t, "assistant", reply.Role)
	assert.Equal(t, "the answer", reply.Content)
	assert.Equal(t, string(models.RouteRAG), reply.Metadata["route"])
	assert.Equal(t, 6, reply.Metadata["citations_count"])
	assert.Len(t, reply.Metadata["citations_summary"], 5)

	after := state.Apply(s, u)
	assert.Nil(t, after.QueryAnalysis)
	assert.Nil(t, after.RetrievedContext)
	assert.Nil(t, after.VisualDecision)
	assert.Empty(t, after.SubQueryResults)
	assert.Empty(t, after.WebResults)
	assert.Empty(t, after.IntermediateReasoning)
	assert.Zero(t, after.CurrentSubQueryIndex)
	assert.NotNil(t, after.FinalAnswer)
}

func TestSetConfigAppliesReloadedSubQueryCap(t *testing.T) {
	model := &fakeModel{structuredJSON: `{"classification":"complex","reasoning":"two parts","sub_queries":["a","b"],"confidence":0.8}`}
	n := newTestNodes(model, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.AnalyzeQuery(context.Background(), state.ConversationState{Query: "a and b"})
	assert.Nil(t, u.FinalAnswer)

	next := config.Default()
	next.RAG.MaxSubQueries = 1
	n.SetConfig(next)

	u = n.AnalyzeQuery(context.Background(), state.ConversationState{Query: "a and b"})
	require.NotNil(t, u.FinalAnswer)
	assert.Equal(t, models.AnswerUnableToAnswer, u.FinalAnswer.AnswerType)
}

func TestFormatResponseSubstitutesErrorAnswer(t *testing.T) {
	n := newTestNodes(&fakeModel{}, &fakeRetriever{}, &fakeVisual{}, &fakeWeb{})

	u := n.FormatResponse(context.Background(), state.ConversationState{})

	require.NotNil(t, u.FinalAnswer)
	assert.Equal(t, models.AnswerUnableToAnswer, u.FinalAnswer.AnswerType)
	assert.Equal(t, 1.0, u.FinalAnswer.Uncertainty)
	assert.Equal(t, "I encountered an error. Please try again.", u.FinalAnswer.Answer)
	require.Len(t, u.AppendMessages, 1)
	assert.Equal(t, "unknown", u.AppendMessages[0].Metadata["route"])
}
