// Package db is the record store for conversation threads: session
// rows, uploaded document status, and the per-turn message log. It is
// a collaborator of the orchestration core; write failures are
// reported to the caller, never fatal to a turn.
package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/circuitbreaker"
	"github.com/docuflow/orchestrator/internal/config"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("db: not found")

// Document indexing states.
const (
	DocumentPending = "pending"
	DocumentIndexed = "indexed"
	DocumentFailed  = "failed"
)

// JSONB maps a PostgreSQL jsonb column.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(b, j)
}

// Session is one conversation thread's record.
type Session struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Document is one uploaded source document and its indexing status.
type Document struct {
	ID        uuid.UUID  `db:"id"`
	SessionID string     `db:"session_id"`
	FileName  string     `db:"file_name"`
	Status    string     `db:"status"`
	Error     *string    `db:"error"`
	Pages     int        `db:"pages"`
	Chunks    int        `db:"chunks"`
	CreatedAt time.Time  `db:"created_at"`
	IndexedAt *time.Time `db:"indexed_at"`
}

// MessageRecord is one persisted conversation turn message. Citation
// summaries ride in the metadata column.
type MessageRecord struct {
	ID        uuid.UUID `db:"id"`
	SessionID string    `db:"session_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

// Store is the circuit-broken record store.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

// NewStore opens a Postgres pool from configuration.
func NewStore(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	pool, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxConnections)
	pool.SetMaxIdleConns(cfg.IdleConnections)
	pool.SetConnMaxLifetime(cfg.MaxLifetime)
	return NewStoreWithDB(pool, logger), nil
}

// NewStoreWithDB wraps an existing pool, primarily for tests.
func NewStoreWithDB(pool *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     circuitbreaker.NewDatabaseWrapper("postgres", pool, circuitbreaker.DatabaseConfig().ToConfig(), logger),
		logger: logger,
	}
}

// UpsertSession creates the session row or refreshes its update time.
func (s *Store) UpsertSession(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()`,
		id, title,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", id, err)
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// DeleteSession removes the session and its dependent rows.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM messages WHERE session_id = $1`,
		`DELETE FROM documents WHERE session_id = $1`,
		`DELETE FROM sessions WHERE id = $1`,
	} {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	return nil
}

// CreateDocument records an uploaded document in the pending state.
func (s *Store) CreateDocument(ctx context.Context, sessionID, fileName string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, session_id, file_name, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		id, sessionID, fileName, DocumentPending,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create document %s: %w", fileName, err)
	}
	return id, nil
}

// MarkDocumentIndexed records a successful indexing pass.
func (s *Store) MarkDocumentIndexed(ctx context.Context, id uuid.UUID, pages, chunks int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $2, pages = $3, chunks = $4, error = NULL, indexed_at = NOW()
		WHERE id = $1`,
		id, DocumentIndexed, pages, chunks,
	)
	if err != nil {
		return fmt.Errorf("mark document %s indexed: %w", id, err)
	}
	return nil
}

// MarkDocumentFailed records an indexing failure.
func (s *Store) MarkDocumentFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = $2, error = $3 WHERE id = $1`,
		id, DocumentFailed, reason,
	)
	if err != nil {
		return fmt.Errorf("mark document %s failed: %w", id, err)
	}
	return nil
}

// ListDocuments returns a session's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, sessionID string) ([]Document, error) {
	var docs []Document
	err := s.db.SelectContext(ctx, &docs, `
		SELECT id, session_id, file_name, status, error, pages, chunks, created_at, indexed_at
		FROM documents WHERE session_id = $1 ORDER BY created_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents for %s: %w", sessionID, err)
	}
	return docs, nil
}

// AppendMessage persists one conversation message.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string, metadata JSONB) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		uuid.New(), sessionID, role, content, metadata,
	)
	if err != nil {
		return fmt.Errorf("append %s message to %s: %w", role, sessionID, err)
	}
	return nil
}

// ListMessages returns a session's messages oldest first, capped at
// limit when positive.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	query := `
		SELECT id, session_id, role, content, metadata, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at ASC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var msgs []MessageRecord
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", sessionID, err)
	}
	return msgs, nil
}

// BreakerState exposes the store's circuit breaker state for health
// reporting.
func (s *Store) BreakerState() circuitbreaker.State {
	return s.db.State()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
