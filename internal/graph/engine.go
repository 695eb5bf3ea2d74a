package graph

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/checkpoint"
	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/metrics"
	"github.com/docuflow/orchestrator/internal/nodes"
	"github.com/docuflow/orchestrator/internal/state"
	"github.com/docuflow/orchestrator/internal/streaming"
)

// maxSteps bounds a single turn. The sub-query loop terminates on its
// own because the cursor only moves forward; this guard catches wiring
// mistakes, not expected behavior.
const maxSteps = 100

// Checkpointer persists thread state between turns.
type Checkpointer interface {
	Load(ctx context.Context, threadID string) (checkpoint.Snapshot, bool, error)
	Save(ctx context.Context, threadID string, st state.ConversationState) error
}

// Engine drives one conversation turn through the node graph. The
// checkpoint is committed only at the terminal formatting node, so an
// aborted turn never persists partial state.
type Engine struct {
	handlers    map[NodeID]Handler
	cfg         atomic.Pointer[config.Config]
	checkpoints Checkpointer
	streams     *streaming.Manager
	logger      *zap.Logger
}

// New builds the engine with the static node-to-handler mapping.
func New(n *nodes.Nodes, ck Checkpointer, streams *streaming.Manager, cfg *config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		handlers: map[NodeID]Handler{
			NodeAddUserMessage:    n.AddUserMessage,
			NodeRouteQuery:        n.RouteQuery,
			NodeAnalyzeQuery:      n.AnalyzeQuery,
			NodePrepareSubQuery:   n.PrepareSubQuery,
			NodeRetrieve:          n.Retrieve,
			NodeVisualDecide:      n.VisualDecide,
			NodeRetrieveImages:    n.RetrieveImages,
			NodeGenerateRAGAnswer: n.GenerateRAGAnswer,
			NodeCheckQuality:      n.CheckQuality,
			NodeWebSearch:         n.WebSearch,
			NodeGenerateWebAnswer: n.GenerateWebAnswer,
			NodeGenerateLLMAnswer: n.GenerateLLMAnswer,
			NodeCollectSubQuery:   n.CollectSubQueryResult,
			NodeSynthesize:        n.SynthesizeAnswers,
			NodeFormatResponse:    n.FormatResponse,
		},
		checkpoints: ck,
		streams:     streams,
		logger:      logger,
	}
	e.cfg.Store(cfg)
	return e
}

// SetConfig publishes reloaded routing thresholds to subsequent turns.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

// next picks the successor of a completed node.
func (e *Engine) next(id NodeID, s state.ConversationState) NodeID {
	switch id {
	case NodeAddUserMessage:
		return NodeRouteQuery
	case NodeRouteQuery:
		return NodeAnalyzeQuery
	case NodeAnalyzeQuery:
		return analysisRoute(s)
	case NodePrepareSubQuery:
		return NodeRetrieve
	case NodeRetrieve:
		return NodeVisualDecide
	case NodeVisualDecide:
		return visualRoute(s)
	case NodeRetrieveImages:
		return NodeGenerateRAGAnswer
	case NodeGenerateRAGAnswer:
		return NodeCheckQuality
	case NodeCheckQuality:
		return e.qualityRoute(s)
	case NodeWebSearch:
		return NodeGenerateWebAnswer
	case NodeGenerateWebAnswer:
		return webAnswerRoute(s)
	case NodeGenerateLLMAnswer:
		return afterAnswerRoute(s)
	case NodeCollectSubQuery:
		return subQueryLoopRoute(s)
	case NodeSynthesize:
		return NodeFormatResponse
	case NodeFormatResponse:
		return NodeEnd
	}
	return NodeEnd
}

// qualityRoute applies the quality gate: a failing answer falls back
// to web search, a passing one is collected or formatted.
func (e *Engine) qualityRoute(s state.ConversationState) NodeID {
	ok, criterion := nodes.AnswerAcceptable(s.FinalAnswer, e.cfg.Load().RAG)
	if !ok {
		metrics.QualityGateFailures.WithLabelValues(criterion).Inc()
		return NodeWebSearch
	}
	return afterAnswerRoute(s)
}

// Run executes one turn to completion and returns the final state.
func (e *Engine) Run(ctx context.Context, threadID, collectionID, query string) (state.ConversationState, error) {
	return e.run(ctx, threadID, collectionID, query, nil)
}

// Stream executes one turn, emitting one event per completed node and
// a terminal done or error event. The channel closes after the
// terminal event; a stream is not restartable mid-turn.
func (e *Engine) Stream(ctx context.Context, threadID, collectionID, query string) <-chan streaming.Event {
	ch := make(chan streaming.Event, 16)
	go func() {
		defer close(ch)
		emit := func(ev streaming.Event) {
			if e.streams != nil {
				ev = e.streams.Publish(threadID, ev)
			} else {
				ev.ThreadID = threadID
				ev.Timestamp = time.Now().UTC()
			}
			select {
			case ch <- ev:
			default:
				// Buffer full: block, but never past an abandoned consumer.
				select {
				case ch <- ev:
				case <-ctx.Done():
				}
			}
		}
		if _, err := e.run(ctx, threadID, collectionID, query, emit); err != nil {
			emit(streaming.Event{Type: streaming.EventError, Message: err.Error()})
			return
		}
		emit(streaming.Event{Type: streaming.EventDone})
	}()
	return ch
}

func (e *Engine) run(ctx context.Context, threadID, collectionID, query string, emit func(streaming.Event)) (state.ConversationState, error) {
	metrics.TurnsStarted.Inc()
	start := time.Now()

	s := state.ConversationState{SessionID: threadID}
	if e.checkpoints != nil {
		snap, found, err := e.checkpoints.Load(ctx, threadID)
		if err != nil {
			e.logger.Warn("checkpoint load failed, starting fresh",
				zap.String("thread_id", threadID),
				zap.Error(err),
			)
		} else if found {
			s = checkpoint.Restore(snap)
		}
	}
	s.Query = query
	s.CollectionID = collectionID
	s.ErrorMessage = ""

	e.logger.Info("turn started",
		zap.String("thread_id", threadID),
		zap.String("collection_id", collectionID),
		zap.Int("history_messages", len(s.Messages)),
	)

	iterations := 0
	current := NodeAddUserMessage
	for steps := 0; current != NodeEnd; steps++ {
		if steps >= maxSteps {
			return s, fmt.Errorf("turn exceeded %d steps at node %s", maxSteps, current)
		}
		if err := ctx.Err(); err != nil {
			e.logger.Warn("turn canceled",
				zap.String("thread_id", threadID),
				zap.String("node", string(current)),
			)
			return s, err
		}

		handler, ok := e.handlers[current]
		if !ok {
			return s, fmt.Errorf("no handler for node %s", current)
		}
		if current == NodePrepareSubQuery {
			iterations++
		}

		nodeStart := time.Now()
		update := handler(ctx, s)
		status := "ok"
		if update.ErrorMessage != nil {
			status = "degraded"
		}
		metrics.NodeExecutions.WithLabelValues(string(current), status).Inc()
		metrics.NodeDuration.WithLabelValues(string(current)).Observe(float64(time.Since(nodeStart).Milliseconds()))

		s = state.Apply(s, update)
		if emit != nil {
			emit(streaming.Event{Type: streaming.EventNode, Node: string(current)})
		}

		// The terminal formatting node is the turn's single commit point.
		if current == NodeFormatResponse && e.checkpoints != nil {
			if err := e.checkpoints.Save(ctx, threadID, s); err != nil {
				e.logger.Error("checkpoint save failed",
					zap.String("thread_id", threadID),
					zap.Error(err),
				)
			}
		}

		current = e.next(current, s)
	}

	if iterations > 0 {
		metrics.SubQueryIterations.Observe(float64(iterations))
	}

	answerType, route := "unknown", "unknown"
	if s.FinalAnswer != nil {
		answerType = string(s.FinalAnswer.AnswerType)
	}
	if s.Route != "" {
		route = string(s.Route)
	}
	metrics.TurnsCompleted.WithLabelValues(answerType, route).Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())

	e.logger.Info("turn completed",
		zap.String("thread_id", threadID),
		zap.String("answer_type", answerType),
		zap.String("route", route),
		zap.Int("sub_query_iterations", iterations),
		zap.Duration("duration", time.Since(start)),
	)
	return s, nil
}
