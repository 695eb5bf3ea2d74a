// Package llm is the HTTP client for the generation model service. It
// exposes plain, structured-output, and multimodal completion calls
// behind rate limiting and a circuit breaker.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docuflow/orchestrator/internal/circuitbreaker"
	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/metrics"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/tracing"
)

// Client talks to the model service over its OpenAI-compatible chat
// endpoint.
type Client struct {
	cfg     config.LLMConfig
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a model client from config.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = int(rps)
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper("llm", httpClient, circuitbreaker.HTTPConfig().ToConfig(), logger),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Complete generates text for a prompt, with optional prior history
// prepended as chat turns.
func (c *Client) Complete(ctx context.Context, prompt string, history []models.Message) (string, error) {
	msgs := historyMessages(history)
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})
	return c.chat(ctx, "complete", chatRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
}

// CompleteStructured asks the model for a JSON object and decodes it
// into out. The raw text may arrive fenced or wrapped in prose; the
// first JSON value found is used.
func (c *Client) CompleteStructured(ctx context.Context, prompt string, out interface{}) error {
	text, err := c.chat(ctx, "structured", chatRequest{
		Model:          c.cfg.Model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		Temperature:    0,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return err
	}
	raw := ExtractJSON(text)
	if raw == "" {
		return fmt.Errorf("no JSON value in model output")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}

// CompleteMultimodal generates text for a prompt plus base64 PNG page
// images, each attached at the given detail level.
func (c *Client) CompleteMultimodal(ctx context.Context, prompt string, images []string, detail string) (string, error) {
	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, img := range images {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL:    "data:image/png;base64," + img,
				Detail: detail,
			},
		})
	}
	return c.chat(ctx, "multimodal", chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: parts}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
}

func (c *Client) chat(ctx context.Context, kind string, reqBody chatRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	start := time.Now()
	text, err := c.doChat(ctx, reqBody)
	metrics.LLMRequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequests.WithLabelValues(kind, "error").Inc()
		return "", err
	}
	metrics.LLMRequests.WithLabelValues(kind, "ok").Inc()
	return text, nil
}

func (c *Client) doChat(ctx context.Context, reqBody chatRequest) (string, error) {
	url := c.cfg.BaseURL + "/v1/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("model service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model service returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model service error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func historyMessages(history []models.Message) []chatMessage {
	out := make([]chatMessage, 0, len(history)+1)
	for _, m := range history {
		out = append(out, chatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
