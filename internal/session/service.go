// Package session coordinates a conversation thread's lifecycle around
// the orchestration engine. It runs turns and records the completed
// exchange in the record store, and on delete it tears down every
// per-thread resource.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/checkpoint"
	"github.com/docuflow/orchestrator/internal/db"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
	"github.com/docuflow/orchestrator/internal/streaming"
)

const maxTitleLength = 80

// TurnRunner executes one conversation turn. Satisfied by graph.Engine.
type TurnRunner interface {
	Run(ctx context.Context, threadID, collectionID, query string) (state.ConversationState, error)
	Stream(ctx context.Context, threadID, collectionID, query string) <-chan streaming.Event
}

// Recorder is the record-store surface the service needs. Satisfied by
// db.Store.
type Recorder interface {
	UpsertSession(ctx context.Context, id, title string) error
	AppendMessage(ctx context.Context, sessionID, role, content string, metadata db.JSONB) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]db.MessageRecord, error)
	DeleteSession(ctx context.Context, id string) error
}

// Checkpoints is the checkpoint-store surface the service needs.
// Satisfied by checkpoint.Store.
type Checkpoints interface {
	Load(ctx context.Context, threadID string) (checkpoint.Snapshot, bool, error)
	Delete(ctx context.Context, threadID string) error
}

// CollectionDeleter removes a thread's vector collection. Satisfied by
// vectordb.Client.
type CollectionDeleter interface {
	DeleteCollection(ctx context.Context, collectionID string) error
}

// Service runs turns and owns thread lifecycle.
type Service struct {
	engine      TurnRunner
	store       Recorder
	checkpoints Checkpoints
	vectors     CollectionDeleter
	streams     *streaming.Manager
	logger      *zap.Logger
}

// New creates a session service. store and vectors may be nil when the
// deployment runs without a record store or vector store.
func New(engine TurnRunner, store Recorder, checkpoints Checkpoints, vectors CollectionDeleter, streams *streaming.Manager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:      engine,
		store:       store,
		checkpoints: checkpoints,
		vectors:     vectors,
		streams:     streams,
		logger:      logger,
	}
}

// RunTurn executes one turn and records both turn messages. Record
// failures are logged but never fail a completed turn.
func (s *Service) RunTurn(ctx context.Context, threadID, collectionID, query string) (state.ConversationState, error) {
	s.ensureSession(ctx, threadID, query)

	st, err := s.engine.Run(ctx, threadID, collectionID, query)
	if err != nil {
		return st, err
	}

	s.recordTurn(ctx, threadID, st.Messages)
	return st, nil
}

// StreamTurn executes one turn and forwards its events. Turn messages
// are recorded from the committed checkpoint after the terminal event.
func (s *Service) StreamTurn(ctx context.Context, threadID, collectionID, query string) <-chan streaming.Event {
	s.ensureSession(ctx, threadID, query)

	src := s.engine.Stream(ctx, threadID, collectionID, query)
	out := make(chan streaming.Event, 16)
	go func() {
		defer close(out)
		completed := false
		for ev := range src {
			if ev.Type == streaming.EventDone {
				completed = true
			}
			out <- ev
		}
		if !completed {
			return
		}
		snap, ok, err := s.checkpoints.Load(ctx, threadID)
		if err != nil || !ok {
			s.logger.Warn("Turn record skipped, checkpoint unavailable",
				zap.String("thread_id", threadID),
				zap.Error(err),
			)
			return
		}
		s.recordTurn(ctx, threadID, snap.Messages)
	}()
	return out
}

// History returns a thread's recorded messages, oldest first.
func (s *Service) History(ctx context.Context, threadID string, limit int) ([]db.MessageRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListMessages(ctx, threadID, limit)
}

// DeleteThread removes every resource attached to a thread: record
// rows, the vector collection, the checkpoint, and the event ring. All
// stages are attempted even when an earlier one fails.
func (s *Service) DeleteThread(ctx context.Context, threadID, collectionID string) error {
	var errs []error

	if s.store != nil {
		if err := s.store.DeleteSession(ctx, threadID); err != nil {
			errs = append(errs, fmt.Errorf("record store: %w", err))
		}
	}
	if s.vectors != nil && collectionID != "" {
		if err := s.vectors.DeleteCollection(ctx, collectionID); err != nil {
			errs = append(errs, fmt.Errorf("vector store: %w", err))
		}
	}
	if err := s.checkpoints.Delete(ctx, threadID); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint: %w", err))
	}
	if s.streams != nil {
		s.streams.Drop(threadID)
	}

	if len(errs) > 0 {
		s.logger.Error("Thread deletion incomplete",
			zap.String("thread_id", threadID),
			zap.Int("failed_stages", len(errs)),
		)
		return errors.Join(errs...)
	}
	s.logger.Info("Deleted thread", zap.String("thread_id", threadID))
	return nil
}

func (s *Service) ensureSession(ctx context.Context, threadID, query string) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertSession(ctx, threadID, titleFromQuery(query)); err != nil {
		s.logger.Warn("Session upsert failed",
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
	}
}

// recordTurn persists the turn's user and assistant messages, the last
// two entries of the conversation.
func (s *Service) recordTurn(ctx context.Context, threadID string, messages []models.Message) {
	if s.store == nil || len(messages) < 2 {
		return
	}
	for _, msg := range messages[len(messages)-2:] {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if err := s.store.AppendMessage(ctx, threadID, msg.Role, msg.Content, db.JSONB(msg.Metadata)); err != nil {
			s.logger.Warn("Message record failed",
				zap.String("thread_id", threadID),
				zap.String("role", msg.Role),
				zap.Error(err),
			)
		}
	}
}

// titleFromQuery derives a session title from the first query.
func titleFromQuery(query string) string {
	title := strings.TrimSpace(query)
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength]
	}
	if title == "" {
		title = "Untitled conversation " + time.Now().UTC().Format("2006-01-02")
	}
	return title
}
