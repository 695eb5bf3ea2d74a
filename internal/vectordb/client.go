// Package vectordb is the HTTP client for the vector search service.
// Each session owns one collection; queries never cross collections.
package vectordb

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
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/tracing"
)

// ScoredChunk is a retrieved chunk with its ranking score.
type ScoredChunk struct {
	models.RetrievedChunk
	Score float64 `json:"score"`
}

// SearchParams tunes one semantic query.
type SearchParams struct {
	K          int     `json:"k"`
	SearchType string  `json:"search_type"`          // "similarity" or "mmr"
	MMRLambda  float64 `json:"lambda_mult,omitempty"` // diversity for mmr
}

// Client talks to the vector search service.
type Client struct {
	base   string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient creates a vector search client from config.
func NewClient(cfg config.VectorDBConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	port := cfg.Port
	if port == 0 {
		port = 6333
	}
	httpClient := &http.Client{Timeout: timeout}
	return &Client{
		base:   fmt.Sprintf("http://%s:%d", cfg.Host, port),
		httpw:  circuitbreaker.NewHTTPWrapper("vectordb", httpClient, circuitbreaker.HTTPConfig().ToConfig(), logger),
		logger: logger,
	}
}

// NewClientForBase creates a client against an explicit base URL. Used
// by tests.
func NewClientForBase(base string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		httpw:  circuitbreaker.NewHTTPWrapper("vectordb", &http.Client{Timeout: 5 * time.Second}, circuitbreaker.HTTPConfig().ToConfig(), logger),
		logger: logger,
	}
}

type queryRequest struct {
	Query      string  `json:"query"`
	K          int     `json:"k"`
	SearchType string  `json:"search_type"`
	MMRLambda  float64 `json:"lambda_mult,omitempty"`
}

type queryResponse struct {
	Results []ScoredChunk `json:"results"`
}

// Query runs a semantic search over the session's collection. An empty
// result is returned as a nil slice, not an error.
func (c *Client) Query(ctx context.Context, collectionID, query string, params SearchParams) ([]ScoredChunk, error) {
	url := fmt.Sprintf("%s/collections/%s/query", c.base, collectionID)
	body := queryRequest{
		Query:      query,
		K:          params.K,
		SearchType: params.SearchType,
		MMRLambda:  params.MMRLambda,
	}

	var parsed queryResponse
	if err := c.post(ctx, url, body, &parsed); err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	return parsed.Results, nil
}

type scrollRequest struct {
	Limit int `json:"limit"`
}

type scrollResponse struct {
	Documents []models.RetrievedChunk `json:"documents"`
}

// Scroll fetches up to limit raw chunks from the collection without
// ranking. The lexical side of hybrid retrieval scores these locally.
func (c *Client) Scroll(ctx context.Context, collectionID string, limit int) ([]models.RetrievedChunk, error) {
	url := fmt.Sprintf("%s/collections/%s/scroll", c.base, collectionID)

	var parsed scrollResponse
	if err := c.post(ctx, url, scrollRequest{Limit: limit}, &parsed); err != nil {
		return nil, fmt.Errorf("vector scroll: %w", err)
	}
	return parsed.Documents, nil
}

// DeleteCollection removes a session's entire collection. Used when a
// session is deleted.
func (c *Client) DeleteCollection(ctx context.Context, collectionID string) error {
	url := fmt.Sprintf("%s/collections/%s", c.base, collectionID)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodDelete, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", collectionID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete collection %s: status %d", collectionID, resp.StatusCode)
	}
	return nil
}

// DeleteBySource removes all chunks of one source document from the
// collection. Used when a document is removed from a session.
func (c *Client) DeleteBySource(ctx context.Context, collectionID, sourceFile string) error {
	url := fmt.Sprintf("%s/collections/%s/delete", c.base, collectionID)
	body := map[string]string{"source_file": sourceFile}
	if err := c.post(ctx, url, body, nil); err != nil {
		return fmt.Errorf("delete source %s: %w", sourceFile, err)
	}
	return nil
}

// Healthy pings the service.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vectordb unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body, out interface{}) error {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
