// Package history bounds conversation history before it reaches a
// prompt. Messages are never truncated mid-content; trimming always
// drops whole messages.
package history

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/metrics"
	"github.com/docuflow/orchestrator/internal/models"
)

const (
	// tokensPerMessage is the per-message envelope overhead.
	tokensPerMessage = 4
	// tokensTrailing accounts for the assistant priming tokens.
	tokensTrailing = 2
)

// EstimateTokens approximates the token cost of a message list. Without
// a tokenizer on this side of the wire a chars/4 heuristic is close
// enough for budget enforcement.
func EstimateTokens(messages []models.Message) int {
	total := tokensTrailing
	for _, m := range messages {
		total += messageTokens(m)
	}
	return total
}

func messageTokens(m models.Message) int {
	return len(m.Content)/4 + tokensPerMessage
}

// Summary reports history statistics for logging.
type Summary struct {
	Total           int `json:"total"`
	User            int `json:"user"`
	Assistant       int `json:"assistant"`
	System          int `json:"system"`
	EstimatedTokens int `json:"estimated_tokens"`
}

// Summarize counts messages by role and estimates total tokens.
func Summarize(messages []models.Message) Summary {
	s := Summary{Total: len(messages)}
	if len(messages) == 0 {
		return s
	}
	for _, m := range messages {
		switch m.Role {
		case "user":
			s.User++
		case "assistant":
			s.Assistant++
		case "system":
			s.System++
		}
	}
	s.EstimatedTokens = EstimateTokens(messages)
	return s
}

// Manager trims history per the configured limits.
type Manager struct {
	cfg    atomic.Pointer[config.HistoryConfig]
	logger *zap.Logger
}

// NewManager creates a history manager.
func NewManager(cfg config.HistoryConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger}
	m.cfg.Store(&cfg)
	return m
}

// SetConfig publishes reloaded history limits to subsequent calls.
func (m *Manager) SetConfig(cfg config.HistoryConfig) {
	m.cfg.Store(&cfg)
}

func (m *Manager) conf() config.HistoryConfig {
	return *m.cfg.Load()
}

// Trim bounds messages by count and then by token budget. System
// messages always survive both passes. Whenever a pass drops messages
// the retained window is re-anchored on a user message so the model
// never sees an orphaned assistant turn.
func (m *Manager) Trim(messages []models.Message) []models.Message {
	if len(messages) == 0 {
		return nil
	}

	cfg := m.conf()
	trimmed := m.trimByCount(cfg, messages)
	trimmed = m.trimByTokens(cfg, trimmed)

	if dropped := len(messages) - len(trimmed); dropped > 0 {
		metrics.HistoryMessagesTrimmed.Add(float64(dropped))
		m.logger.Info("trimmed conversation history",
			zap.Int("before", len(messages)),
			zap.Int("after", len(trimmed)),
			zap.Int("max_messages", cfg.MaxMessages),
			zap.Int("max_tokens", cfg.MaxTokens),
		)
	}
	return trimmed
}

// trimByCount applies the message count limit. System messages are kept
// and the remaining slots go to the newest non-system messages.
func (m *Manager) trimByCount(cfg config.HistoryConfig, messages []models.Message) []models.Message {
	limit := cfg.MaxMessages
	if limit <= 0 || len(messages) <= limit {
		return messages
	}

	if cfg.Strategy == "first" {
		return messages[:limit]
	}

	var system, rest []models.Message
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	slots := limit - len(system)
	if slots < 0 {
		slots = 0
	}
	if len(rest) > slots {
		rest = startOnUser(rest[len(rest)-slots:])
		if len(rest) == 0 && slots > 0 {
			return m.tailFallback(cfg, messages)
		}
	}
	out := make([]models.Message, 0, len(system)+len(rest))
	out = append(out, system...)
	out = append(out, rest...)
	return out
}

// trimByTokens enforces the token budget, preserving system messages
// and dropping the oldest conversational messages. On any internal
// inconsistency it falls back to a plain tail slice.
func (m *Manager) trimByTokens(cfg config.HistoryConfig, messages []models.Message) []models.Message {
	budget := cfg.MaxTokens
	if budget <= 0 || EstimateTokens(messages) <= budget {
		return messages
	}

	var system, rest []models.Message
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	systemCost := EstimateTokens(system)
	if systemCost > budget {
		// System prompt alone busts the budget. Keep the tail window
		// rather than returning nothing.
		m.logger.Warn("token trimming failed, using count limit",
			zap.Int("system_tokens", systemCost),
			zap.Int("budget", budget),
		)
		return m.tailFallback(cfg, messages)
	}

	remaining := budget - systemCost
	kept := make([]models.Message, 0, len(rest))
	for i := len(rest) - 1; i >= 0; i-- {
		cost := messageTokens(rest[i])
		if cost > remaining {
			break
		}
		remaining -= cost
		kept = append(kept, rest[i])
	}
	// kept is newest-first, reverse it.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	kept = startOnUser(kept)
	if len(kept) == 0 && len(rest) > 0 {
		return m.tailFallback(cfg, messages)
	}

	out := make([]models.Message, 0, len(system)+len(kept))
	out = append(out, system...)
	out = append(out, kept...)
	return out
}

// startOnUser drops leading non-user messages so the window opens on a
// user turn.
func startOnUser(msgs []models.Message) []models.Message {
	for len(msgs) > 0 && msgs[0].Role != "user" {
		msgs = msgs[1:]
	}
	return msgs
}

// tailFallback keeps the last MaxMessages messages regardless of role
// or token cost.
func (m *Manager) tailFallback(cfg config.HistoryConfig, messages []models.Message) []models.Message {
	limit := cfg.MaxMessages
	if limit <= 0 || len(messages) <= limit {
		return messages
	}
	return messages[len(messages)-limit:]
}

// FormatForPrompt renders recent history as a plain-text block for
// inclusion in a prompt. Each message body is capped at the configured
// truncation length.
func (m *Manager) FormatForPrompt(messages []models.Message) string {
	if len(messages) == 0 {
		return "No prior conversation history."
	}

	cfg := m.conf()
	recent := messages
	if limit := cfg.MaxMessages; limit > 0 && len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}

	truncate := cfg.TruncateLen
	if truncate <= 0 {
		truncate = 500
	}

	lines := []string{"Recent conversation history:"}
	for _, msg := range recent {
		content := msg.Content
		if len(content) > truncate {
			content = content[:truncate] + "..."
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", roleLabel(msg.Role), content))
	}
	return strings.Join(lines, "\n")
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "User"
	case "assistant":
		return "Assistant"
	case "system":
		return "System"
	default:
		return "Unknown"
	}
}
