package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/db"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
	"github.com/docuflow/orchestrator/internal/streaming"
)

type fakeService struct {
	finalState state.ConversationState
	runErr     error
	events     []streaming.Event
	messages   []db.MessageRecord

	gotThread     string
	gotCollection string
	deleted       []string
}

func (f *fakeService) RunTurn(ctx context.Context, threadID, collectionID, query string) (state.ConversationState, error) {
	f.gotThread = threadID
	f.gotCollection = collectionID
	return f.finalState, f.runErr
}

func (f *fakeService) StreamTurn(ctx context.Context, threadID, collectionID, query string) <-chan streaming.Event {
	ch := make(chan streaming.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (f *fakeService) History(ctx context.Context, threadID string, limit int) ([]db.MessageRecord, error) {
	return f.messages, nil
}

func (f *fakeService) DeleteThread(ctx context.Context, threadID, collectionID string) error {
	f.deleted = append(f.deleted, threadID+":"+collectionID)
	return nil
}

func newTestMux(svc *fakeService) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(svc, streaming.NewManager(8), zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func answeredState() state.ConversationState {
	return state.ConversationState{
		Route: models.RouteRAG,
		FinalAnswer: &models.AnswerWithCitations{
			Answer:      "Attention weighs tokens by relevance.",
			AnswerType:  models.AnswerDirect,
			Uncertainty: 0.2,
			Citations: []models.Citation{
				{SourceType: models.SourceDocument, SourceID: "paper.pdf", PageNumber: 3},
			},
		},
	}
}

func TestTurnEndpoint(t *testing.T) {
	svc := &fakeService{finalState: answeredState()}
	mux := newTestMux(svc)

	body := `{"thread_id":"thread-1","query":"What is attention?"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp turnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Attention weighs tokens by relevance.", resp.Answer)
	assert.Equal(t, models.AnswerDirect, resp.AnswerType)
	assert.Len(t, resp.Citations, 1)

	// The collection id defaults to the thread id.
	assert.Equal(t, "thread-1", svc.gotCollection)
}

func TestTurnEndpointValidation(t *testing.T) {
	mux := newTestMux(&fakeService{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`{"query":"q"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`{"thread_id":"t"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/turns", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTurnEndpointExplicitCollection(t *testing.T) {
	svc := &fakeService{finalState: answeredState()}
	mux := newTestMux(svc)

	body := `{"thread_id":"thread-1","collection_id":"col-9","query":"q"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "col-9", svc.gotCollection)
}

func TestTurnStreamEndpoint(t *testing.T) {
	svc := &fakeService{events: []streaming.Event{
		{Type: streaming.EventNode, Node: "add_user_message", Seq: 0},
		{Type: streaming.EventNode, Node: "format_response", Seq: 1},
		{Type: streaming.EventDone, Seq: 2},
	}}
	mux := newTestMux(svc)

	body := `{"thread_id":"thread-1","query":"q"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turns/stream", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, "event: node")
	assert.Contains(t, out, "add_user_message")
	assert.Contains(t, out, "event: done")
}

func TestThreadMessagesEndpoint(t *testing.T) {
	svc := &fakeService{messages: []db.MessageRecord{
		{SessionID: "thread-1", Role: "user", Content: "hi"},
	}}
	mux := newTestMux(svc)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/threads/thread-1/messages?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ThreadID string             `json:"thread_id"`
		Messages []db.MessageRecord `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "thread-1", resp.ThreadID)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "user", resp.Messages[0].Role)
}

func TestDeleteThreadEndpoint(t *testing.T) {
	svc := &fakeService{}
	mux := newTestMux(svc)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/threads/thread-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"thread-1:thread-1"}, svc.deleted)
}

func TestSSEEndpointRequiresThreadID(t *testing.T) {
	mux := newTestMux(&fakeService{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/sse", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEEndpointReplaysAndStops(t *testing.T) {
	svc := &fakeService{}
	streams := streaming.NewManager(8)
	mux := http.NewServeMux()
	NewHandler(svc, streams, zap.NewNop()).RegisterRoutes(mux)

	streams.Publish("thread-1", streaming.Event{Type: streaming.EventNode, Node: "analyze_query"})
	streams.Publish("thread-1", streaming.Event{Type: streaming.EventNode, Node: "format_response"})
	streams.Publish("thread-1", streaming.Event{Type: streaming.EventDone})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream/sse?thread_id=thread-1&last_event_id=1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		mux.ServeHTTP(rec, req)
		close(done)
	}()
	// The live feed has no pending events; end the request.
	cancel()
	<-done

	out := rec.Body.String()
	assert.Contains(t, out, ": connected to thread thread-1")
	assert.NotContains(t, out, "analyze_query")
	assert.Contains(t, out, "event: done")
}
