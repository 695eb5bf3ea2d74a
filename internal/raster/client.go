// Package raster is the HTTP client for the PDF page rasterizer.
package raster

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
	"github.com/docuflow/orchestrator/internal/tracing"
)

// Client renders PDF pages to base64 PNG images.
type Client struct {
	base   string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient creates a rasterizer client from config.
func NewClient(cfg config.RasterConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base:   cfg.BaseURL,
		httpw:  circuitbreaker.NewHTTPWrapper("raster", &http.Client{Timeout: timeout}, circuitbreaker.HTTPConfig().ToConfig(), logger),
		logger: logger,
	}
}

type renderRequest struct {
	FilePath string  `json:"file_path"`
	Pages    []int   `json:"pages"` // 0-indexed
	Zoom     float64 `json:"zoom"`
	MaxWidth int     `json:"max_width"`
}

type renderResponse struct {
	Images []string `json:"images"` // base64 PNG, aspect-preserving downscale applied
	Error  string   `json:"error,omitempty"`
}

// Render rasterizes the given 0-indexed pages of a PDF. The returned
// slice is ordered like the request pages; unrenderable pages are
// omitted by the service.
func (c *Client) Render(ctx context.Context, filePath string, zeroIndexedPages []int, zoom float64, maxWidth int) ([]string, error) {
	if len(zeroIndexedPages) == 0 {
		return nil, nil
	}

	url := c.base + "/render"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	payload, err := json.Marshal(renderRequest{
		FilePath: filePath,
		Pages:    zeroIndexedPages,
		Zoom:     zoom,
		MaxWidth: maxWidth,
	})
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
		return nil, fmt.Errorf("rasterize %s: %w", filePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Missing PDF; the visual selector skips the source and moves on.
		return nil, ErrFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rasterize %s: status %d: %s", filePath, resp.StatusCode, string(body))
	}

	var parsed renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode render response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("rasterize %s: %s", filePath, parsed.Error)
	}
	return parsed.Images, nil
}
