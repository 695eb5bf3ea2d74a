// Package websearch is the HTTP client for the web search collaborator.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/circuitbreaker"
	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/metrics"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/tracing"
)

// Client queries the search service.
type Client struct {
	base       string
	maxResults int
	httpw      *circuitbreaker.HTTPWrapper
	logger     *zap.Logger
}

// NewClient creates a web search client from config.
func NewClient(cfg config.WebSearchConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Client{
		base:       cfg.BaseURL,
		maxResults: maxResults,
		httpw:      circuitbreaker.NewHTTPWrapper("websearch", &http.Client{Timeout: timeout}, circuitbreaker.HTTPConfig().ToConfig(), logger),
		logger:     logger,
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []models.WebSearchResult `json:"results"`
}

// Search returns ranked web hits for the query. An empty result list is
// a normal outcome; the caller decides whether to fall back further.
func (c *Client) Search(ctx context.Context, query string) ([]models.WebSearchResult, error) {
	url := c.base + "/search"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	payload, err := json.Marshal(searchRequest{Query: query, MaxResults: c.maxResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.WebSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("web search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.WebSearches.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("web search status %d: %s", resp.StatusCode, string(body))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.WebSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode web search response: %w", err)
	}

	if len(parsed.Results) == 0 {
		metrics.WebSearches.WithLabelValues("empty").Inc()
		c.logger.Info("web search returned no results", zap.String("query", query))
		return nil, nil
	}
	metrics.WebSearches.WithLabelValues("ok").Inc()
	return parsed.Results, nil
}
