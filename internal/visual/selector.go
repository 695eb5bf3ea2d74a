// Package visual decides whether rendered PDF pages would improve an
// answer and, when they would, selects and rasterizes the pages.
package visual

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/config"
	"github.com/docuflow/orchestrator/internal/metrics"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/raster"
)

// queryVisualKeywords gate the expensive visual reasoning path. Only
// queries that explicitly reference visual content proceed.
var queryVisualKeywords = []string{
	"figure", "diagram", "table", "chart", "graph", "image",
	"show me", "what does", "look like", "visualize", "illustration",
	"picture", "screenshot", "plot",
}

// chunkVisualKeywords signal that the retrieved text itself discusses
// visual elements.
var chunkVisualKeywords = []string{
	"figure", "diagram", "table", "chart", "graph", "image",
	"photo", "illustration", "visual", "picture", "snapshot",
}

// StructuredCompleter is the structured-output model call the selector
// needs.
type StructuredCompleter interface {
	CompleteStructured(ctx context.Context, prompt string, out interface{}) error
}

// Renderer rasterizes PDF pages.
type Renderer interface {
	Render(ctx context.Context, filePath string, zeroIndexedPages []int, zoom float64, maxWidth int) ([]string, error)
}

// Selector owns the visual-necessity decision and page rendering.
type Selector struct {
	model     StructuredCompleter
	renderer  Renderer
	cfg       atomic.Pointer[config.VisualConfig]
	uploadDir string
	logger    *zap.Logger
}

// NewSelector creates a visual evidence selector. uploadDir is the root
// under which each session's PDFs live.
func NewSelector(model StructuredCompleter, renderer Renderer, cfg config.VisualConfig, uploadDir string, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Selector{
		model:     model,
		renderer:  renderer,
		uploadDir: uploadDir,
		logger:    logger,
	}
	s.cfg.Store(&cfg)
	return s
}

// SetConfig publishes reloaded rendering knobs to subsequent calls.
func (s *Selector) SetConfig(cfg config.VisualConfig) {
	s.cfg.Store(&cfg)
}

func (s *Selector) conf() config.VisualConfig {
	return *s.cfg.Load()
}

const visualDecisionPrompt = `Analyze whether this query EXPLICITLY requires visual context from a PDF document.

Query: %s

Available document metadata:
- Total pages: %d
- Retrieved text chunks mention visual elements: %t

IMPORTANT: Only set requires_visual=true if the query:
1. EXPLICITLY asks about a figure, diagram, table, chart, image, or visual element
2. Uses words like "show me", "what does X look like", "the diagram shows", "in figure X"
3. Cannot be answered without seeing the actual visual content

Do NOT require visual context for:
- General questions about concepts (even if diagrams exist)
- Questions that can be answered from text alone
- Questions about architecture or flow unless specifically asking to SEE a diagram

Be conservative - only request images when truly necessary.

Respond with JSON: {"requires_visual": bool, "reasoning": string, "visual_type": string, "confidence": number}`

// Decide determines whether page images are needed. Cheap checks run
// first; the model is only consulted when the query explicitly asks
// for visual content.
func (s *Selector) Decide(ctx context.Context, query string, rctx *models.RetrievedContext) *models.VisualDecision {
	if rctx == nil || len(rctx.Chunks) == 0 {
		return &models.VisualDecision{
			RequiresVisual: false,
			Reasoning:      "No retrieved context available",
			Confidence:     0.9,
		}
	}

	if !containsAny(strings.ToLower(query), queryVisualKeywords) {
		return &models.VisualDecision{
			RequiresVisual: false,
			Reasoning:      "Query does not explicitly request visual content",
			Confidence:     0.95,
		}
	}

	mentioned := chunksMentionVisuals(rctx.TextChunks())
	prompt := fmt.Sprintf(visualDecisionPrompt, query, len(rctx.UniquePageNumbers), mentioned)

	var decision models.VisualDecision
	if err := s.model.CompleteStructured(ctx, prompt, &decision); err != nil {
		s.logger.Warn("visual decision model call failed", zap.Error(err))
		return &models.VisualDecision{
			RequiresVisual: false,
			Reasoning:      "Visual decision unavailable: " + err.Error(),
			Confidence:     0.5,
		}
	}
	s.logger.Info("visual decision",
		zap.Bool("requires_visual", decision.RequiresVisual),
		zap.Float64("confidence", decision.Confidence),
	)
	return &decision
}

// SelectAndRender picks the most relevant pages and renders them. It
// returns a copy of the context with images attached, or nil when no
// image could be produced; it never fails the turn.
func (s *Selector) SelectAndRender(ctx context.Context, sessionID string, rctx *models.RetrievedContext, query string) *models.RetrievedContext {
	if rctx == nil || len(rctx.UniquePageNumbers) == 0 {
		s.logger.Info("no page numbers available in retrieved context")
		return nil
	}

	freq := sourcePageFrequency(rctx.Chunks)
	if len(freq) == 0 {
		return nil
	}

	selection := s.selectPages(ctx, query, rctx, freq)
	if selection == nil || len(selection.SelectedPages) == 0 {
		return nil
	}
	s.logger.Info("page selection", zap.String("reasoning", selection.Reasoning))

	cfg := s.conf()
	var images []string
	var processed []string
	for _, sel := range selection.SelectedPages {
		if len(images) >= cfg.MaxImages {
			break
		}

		validPages := positivePages(sel.Pages)
		if len(validPages) == 0 {
			s.logger.Warn("no valid pages for source", zap.String("source", sel.SourceFile))
			continue
		}
		if remaining := cfg.MaxImages - len(images); len(validPages) > remaining {
			validPages = validPages[:remaining]
		}

		// Document pages are 1-indexed; the rasterizer wants 0-indexed.
		indices := make([]int, len(validPages))
		for i, p := range validPages {
			indices[i] = p - 1
		}

		pdfPath := filepath.Join(s.uploadDir, sessionID, sel.SourceFile)
		rendered, err := s.renderer.Render(ctx, pdfPath, indices, cfg.ZoomFactor, cfg.MaxWidth)
		if err != nil {
			if errors.Is(err, raster.ErrFileNotFound) {
				s.logger.Warn("PDF not found, skipping source", zap.String("path", pdfPath))
			} else {
				s.logger.Error("render failed, skipping source",
					zap.String("source", sel.SourceFile),
					zap.Error(err),
				)
			}
			continue
		}
		images = append(images, rendered...)
		processed = append(processed, fmt.Sprintf("%s:pages%v", sel.SourceFile, validPages))
	}

	if len(images) == 0 {
		s.logger.Info("no images could be generated")
		return nil
	}
	metrics.ImagesRendered.Add(float64(len(images)))

	out := *rctx
	out.Images = images
	out.ImagesJustification = fmt.Sprintf(
		"Extracted from [%s]. Selection reasoning: %s",
		strings.Join(processed, ", "), selection.Reasoning,
	)
	s.logger.Info("generated page images", zap.Int("count", len(images)))
	return &out
}

const pageSelectionPrompt = `You are an intelligent page selection agent. Based on the user's query and retrieved document context,
decide which specific PDF pages should be converted to images for visual analysis.

Query: %s

Retrieved Documents (grouped by source file):
%s

Your task:
1. Analyze which pages from which documents are MOST relevant to answering the query
2. Consider the content snippets and metadata of each retrieved chunk
3. Select up to %d total pages across all documents
4. Prioritize pages mentioned in multiple retrieved chunks
5. If the query asks about specific topics (diagrams, tables, figures), select pages likely to contain them

IMPORTANT:
- Each document has its own page numbering (page 1 in doc A is different from page 1 in doc B)
- Page numbers are 1-indexed (first page of document = page 1)
- Return selections grouped by source_file
- Fewer high-quality pages are better than many irrelevant ones

Respond with JSON: {"selected_pages": [{"source_file": string, "pages": [int]}], "reasoning": string}`

// selectPages asks the model which pages to render, validates the
// selection against the pages actually retrieved, and falls back to
// frequency order when the model fails or selects nothing usable.
func (s *Selector) selectPages(ctx context.Context, query string, rctx *models.RetrievedContext, freq map[string]map[int]int) *models.PageSelection {
	maxPages := s.conf().MaxPages
	summary := buildDocsSummary(rctx.Chunks, freq)
	prompt := fmt.Sprintf(pageSelectionPrompt, query, summary, maxPages)

	var decision models.PageSelection
	if err := s.model.CompleteStructured(ctx, prompt, &decision); err != nil {
		s.logger.Warn("page selection model call failed, using frequency fallback", zap.Error(err))
		metrics.VisualSelectionFallbacks.Inc()
		return fallbackSelection(freq, maxPages)
	}

	validated := validateSelection(decision.SelectedPages, freq, maxPages)
	if len(validated) == 0 {
		s.logger.Warn("model selected no valid pages, using frequency fallback")
		metrics.VisualSelectionFallbacks.Inc()
		return fallbackSelection(freq, maxPages)
	}
	return &models.PageSelection{SelectedPages: validated, Reasoning: decision.Reasoning}
}

// validateSelection drops unknown source files and pages not present in
// the retrieval, and enforces the global page budget.
func validateSelection(selections []models.SourcePageSelection, freq map[string]map[int]int, maxPages int) []models.SourcePageSelection {
	var out []models.SourcePageSelection
	total := 0
	for _, sel := range selections {
		if total >= maxPages {
			break
		}
		available, known := freq[sel.SourceFile]
		if !known {
			continue
		}
		var valid []int
		for _, p := range sel.Pages {
			if _, ok := available[p]; ok {
				valid = append(valid, p)
			}
		}
		if remaining := maxPages - total; len(valid) > remaining {
			valid = valid[:remaining]
		}
		if len(valid) > 0 {
			out = append(out, models.SourcePageSelection{SourceFile: sel.SourceFile, Pages: valid})
			total += len(valid)
		}
	}
	return out
}

// fallbackSelection picks the most frequently retrieved (source, page)
// pairs.
func fallbackSelection(freq map[string]map[int]int, maxPages int) *models.PageSelection {
	type entry struct {
		source string
		page   int
		count  int
	}
	var all []entry
	for source, pages := range freq {
		for page, count := range pages {
			all = append(all, entry{source: source, page: page, count: count})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		if all[i].source != all[j].source {
			return all[i].source < all[j].source
		}
		return all[i].page < all[j].page
	})

	grouped := make(map[string][]int)
	var order []string
	total := 0
	for _, e := range all {
		if total >= maxPages {
			break
		}
		if _, seen := grouped[e.source]; !seen {
			order = append(order, e.source)
		}
		grouped[e.source] = append(grouped[e.source], e.page)
		total++
	}

	selections := make([]models.SourcePageSelection, 0, len(order))
	for _, source := range order {
		selections = append(selections, models.SourcePageSelection{
			SourceFile: source,
			Pages:      grouped[source],
		})
	}
	return &models.PageSelection{
		SelectedPages: selections,
		Reasoning:     "Fallback selection based on page frequency in retrieved chunks",
	}
}

// buildDocsSummary renders the retrieved chunks grouped by source and
// page for the selection prompt.
func buildDocsSummary(chunks []models.RetrievedChunk, freq map[string]map[int]int) string {
	bySourcePage := make(map[string]map[int][]models.RetrievedChunk)
	for _, c := range chunks {
		if c.PageNumber <= 0 || c.SourceFile == "" {
			continue
		}
		if bySourcePage[c.SourceFile] == nil {
			bySourcePage[c.SourceFile] = make(map[int][]models.RetrievedChunk)
		}
		bySourcePage[c.SourceFile][c.PageNumber] = append(bySourcePage[c.SourceFile][c.PageNumber], c)
	}

	sources := make([]string, 0, len(bySourcePage))
	for source := range bySourcePage {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	var b strings.Builder
	for _, source := range sources {
		pagesMap := bySourcePage[source]
		pages := make([]int, 0, len(pagesMap))
		for p := range pagesMap {
			pages = append(pages, p)
		}
		sort.Ints(pages)

		fmt.Fprintf(&b, "\n=== Source: %s ===\n", source)
		fmt.Fprintf(&b, "Available pages: %v\n", pages)
		for _, page := range pages {
			first := pagesMap[page][0]
			category := first.Category
			if category == "" {
				category = "N/A"
			}
			preview := first.Content
			if len(preview) > 200 {
				preview = preview[:200]
			}
			fmt.Fprintf(&b, "\n  Page %d (appears %d times in retrieval):\n    Category: %s\n    Content preview: %s...\n",
				page, freq[source][page], category, preview)
		}
	}
	return b.String()
}

// sourcePageFrequency counts how often each (source, page) pair occurs
// across the retrieved chunks.
func sourcePageFrequency(chunks []models.RetrievedChunk) map[string]map[int]int {
	freq := make(map[string]map[int]int)
	for _, c := range chunks {
		if c.PageNumber <= 0 || c.SourceFile == "" {
			continue
		}
		if freq[c.SourceFile] == nil {
			freq[c.SourceFile] = make(map[int]int)
		}
		freq[c.SourceFile][c.PageNumber]++
	}
	return freq
}

func chunksMentionVisuals(chunks []string) bool {
	for _, chunk := range chunks {
		if containsAny(strings.ToLower(chunk), chunkVisualKeywords) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func positivePages(pages []int) []int {
	out := make([]int, 0, len(pages))
	for _, p := range pages {
		if p >= 1 {
			out = append(out, p)
		}
	}
	return out
}
