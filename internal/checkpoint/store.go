package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/circuitbreaker"
	"github.com/docuflow/orchestrator/internal/metrics"
	"github.com/docuflow/orchestrator/internal/state"
)

const keyPrefix = "docuflow:checkpoint:"

// Store persists minimized snapshots in Redis behind a circuit breaker,
// with a bounded local write-through cache so a hot thread does not hit
// Redis on every turn.
type Store struct {
	redis    *circuitbreaker.RedisWrapper
	ttl      time.Duration
	maxCache int
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]Snapshot
}

// NewStore creates a checkpoint store. maxCache bounds the local cache
// entry count; zero disables caching.
func NewStore(redis *circuitbreaker.RedisWrapper, ttl time.Duration, maxCache int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		redis:    redis,
		ttl:      ttl,
		maxCache: maxCache,
		logger:   logger,
		cache:    make(map[string]Snapshot),
	}
}

// Save minimizes the state and writes it as the thread's checkpoint.
// This is the turn's single commit point; callers invoke it only from
// the terminal formatting step.
func (s *Store) Save(ctx context.Context, threadID string, st state.ConversationState) error {
	snap := Minimize(st)

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if full, err := json.Marshal(st); err == nil && len(full) > len(payload) {
		metrics.CheckpointBytesSaved.Add(float64(len(full) - len(payload)))
	}

	if err := s.redis.Set(ctx, keyPrefix+threadID, payload, s.ttl); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", threadID, err)
	}
	metrics.CheckpointsSaved.Inc()
	metrics.CheckpointBytes.Observe(float64(len(payload)))

	s.cachePut(threadID, snap)
	s.logger.Debug("checkpoint saved",
		zap.String("thread_id", threadID),
		zap.Int("bytes", len(payload)),
		zap.Int("messages", len(snap.Messages)),
	)
	return nil
}

// Load returns the thread's snapshot, or ok=false when the thread has
// no checkpoint yet.
func (s *Store) Load(ctx context.Context, threadID string) (Snapshot, bool, error) {
	if snap, ok := s.cacheGet(threadID); ok {
		return snap, true, nil
	}

	raw, err := s.redis.Get(ctx, keyPrefix+threadID)
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		// A corrupt checkpoint is treated as absent; the thread starts
		// a fresh history rather than failing every turn.
		s.logger.Warn("corrupt checkpoint discarded",
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
		return Snapshot{}, false, nil
	}

	s.cachePut(threadID, snap)
	return snap, true, nil
}

// Delete removes a thread's checkpoint.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.cache, threadID)
	metrics.CheckpointCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()
	return s.redis.Del(ctx, keyPrefix+threadID)
}

// Ping checks the backing Redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx)
}

func (s *Store) cacheGet(threadID string) (Snapshot, bool) {
	if s.maxCache <= 0 {
		return Snapshot{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.cache[threadID]
	return snap, ok
}

func (s *Store) cachePut(threadID string, snap Snapshot) {
	if s.maxCache <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache[threadID]; !exists && len(s.cache) >= s.maxCache {
		s.evictOldestLocked()
	}
	s.cache[threadID] = snap
	metrics.CheckpointCacheSize.Set(float64(len(s.cache)))
}

func (s *Store) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, snap := range s.cache {
		if oldestKey == "" || snap.UpdatedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = snap.UpdatedAt
		}
	}
	if oldestKey != "" {
		delete(s.cache, oldestKey)
		metrics.CheckpointCacheEvictions.Inc()
	}
}
