package history

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/models"
)

func msg(role, content string) models.Message {
	return models.Message{Role: role, Content: content}
}

func newTestManager(maxMessages, maxTokens int) *Manager {
	return NewManager(config.HistoryConfig{
		MaxMessages: maxMessages,
		MaxTokens:   maxTokens,
		Strategy:    "last",
		TruncateLen: 500,
	}, zap.NewNop())
}

func TestTrimKeepsSystemAndRecentMessages(t *testing.T) {
	m := newTestManager(4, 0)

	msgs := []models.Message{
		msg("system", "You are a helpful assistant."),
		msg("user", "q1"),
		msg("assistant", "a1"),
		msg("user", "q2"),
		msg("assistant", "a2"),
		msg("user", "q3"),
	}
	out := m.Trim(msgs)

	require.Len(t, out, 4)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "a2", out[2].Content)
	assert.Equal(t, "q3", out[3].Content)
}

func TestTrimTokenBudgetDropsOldest(t *testing.T) {
	long := strings.Repeat("x", 400) // ~104 tokens each
	m := newTestManager(20, 250)

	msgs := []models.Message{
		msg("user", long),
		msg("assistant", long),
		msg("user", long),
		msg("assistant", long),
	}
	out := m.Trim(msgs)

	require.NotEmpty(t, out)
	assert.Less(t, len(out), len(msgs))
	assert.Equal(t, "user", out[0].Role)
	assert.LessOrEqual(t, EstimateTokens(out), 250)
}

func TestTrimStartsOnUserMessage(t *testing.T) {
	m := newTestManager(20, 60)

	msgs := []models.Message{
		msg("user", strings.Repeat("a", 200)),
		msg("assistant", "short answer"),
		msg("user", "short question"),
		msg("assistant", "another answer"),
	}
	out := m.Trim(msgs)

	require.NotEmpty(t, out)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "short question", out[0].Content)
}

func TestTrimCountCapStartsOnUserMessage(t *testing.T) {
	m := newTestManager(3, 100000)

	out := m.Trim([]models.Message{
		msg("user", "q1"),
		msg("assistant", "a1"),
		msg("user", "q2"),
		msg("assistant", "a2"),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "q2", out[0].Content)
	assert.Equal(t, "a2", out[1].Content)
}

func TestTrimCountCapFallsBackWhenNoUserInWindow(t *testing.T) {
	m := newTestManager(2, 0)

	out := m.Trim([]models.Message{
		msg("user", "q1"),
		msg("assistant", "a1"),
		msg("assistant", "a2"),
		msg("assistant", "a3"),
	})

	// No user message fits the window, so the plain tail is kept.
	require.Len(t, out, 2)
	assert.Equal(t, "a2", out[0].Content)
	assert.Equal(t, "a3", out[1].Content)
}

func TestTrimNeverTruncatesContent(t *testing.T) {
	long := strings.Repeat("z", 1000)
	m := newTestManager(10, 100)

	out := m.Trim([]models.Message{
		msg("user", "hi"),
		msg("assistant", "hello"),
		msg("user", long),
	})
	for _, got := range out {
		if got.Role == "user" && strings.HasPrefix(got.Content, "z") {
			assert.Len(t, got.Content, 1000)
		}
	}
}

func TestSetConfigAppliesNewLimits(t *testing.T) {
	m := newTestManager(10, 0)
	msgs := []models.Message{
		msg("user", "q1"),
		msg("assistant", "a1"),
		msg("user", "q2"),
		msg("assistant", "a2"),
	}
	require.Len(t, m.Trim(msgs), 4)

	m.SetConfig(config.HistoryConfig{MaxMessages: 2, Strategy: "last", TruncateLen: 500})

	out := m.Trim(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "q2", out[0].Content)
	assert.Equal(t, "a2", out[1].Content)
}

func TestTrimEmptyHistory(t *testing.T) {
	m := newTestManager(10, 1000)
	assert.Nil(t, m.Trim(nil))
}

func TestFormatForPromptEmpty(t *testing.T) {
	m := newTestManager(10, 0)
	assert.Equal(t, "No prior conversation history.", m.FormatForPrompt(nil))
}

func TestFormatForPromptRolesAndTruncation(t *testing.T) {
	m := NewManager(config.HistoryConfig{
		MaxMessages: 10,
		Strategy:    "last",
		TruncateLen: 20,
	}, zap.NewNop())

	out := m.FormatForPrompt([]models.Message{
		msg("user", "What is attention?"),
		msg("assistant", strings.Repeat("b", 50)),
	})

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Recent conversation history:", lines[0])
	assert.Equal(t, "- User: What is attention?", lines[1])
	assert.Equal(t, "- Assistant: "+strings.Repeat("b", 20)+"...", lines[2])
}

func TestFormatForPromptWindowsRecent(t *testing.T) {
	m := NewManager(config.HistoryConfig{
		MaxMessages: 2,
		Strategy:    "last",
		TruncateLen: 500,
	}, zap.NewNop())

	out := m.FormatForPrompt([]models.Message{
		msg("user", "old"),
		msg("assistant", "older answer"),
		msg("user", "newest"),
	})
	assert.NotContains(t, out, "old\n")
	assert.Contains(t, out, "- Assistant: older answer")
	assert.Contains(t, out, "- User: newest")
}

func TestEstimateTokens(t *testing.T) {
	// 8 chars -> 2 content tokens + 4 overhead, plus 2 trailing.
	got := EstimateTokens([]models.Message{msg("user", "12345678")})
	assert.Equal(t, 8, got)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]models.Message{
		msg("system", "sys"),
		msg("user", "q"),
		msg("assistant", "a"),
		msg("user", "q2"),
	})
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.User)
	assert.Equal(t, 1, s.Assistant)
	assert.Equal(t, 1, s.System)
	assert.Positive(t, s.EstimatedTokens)
}
