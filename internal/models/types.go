package models

import (
	"time"
)

// Route identifies which answer path a query takes.
type Route string

const (
	RouteLLM       Route = "llm"
	RouteWebSearch Route = "web_search"
	RouteRAG       Route = "multimodal_rag"
)

// SourceType classifies where a citation points.
type SourceType string

const (
	SourceDocument     SourceType = "document"
	SourceWeb          SourceType = "web"
	SourceLLMKnowledge SourceType = "llm_knowledge"
)

// AnswerType classifies how an answer was produced.
type AnswerType string

const (
	AnswerDirect         AnswerType = "direct"
	AnswerSynthesized    AnswerType = "synthesized"
	AnswerPartial        AnswerType = "partial"
	AnswerUnableToAnswer AnswerType = "unable_to_answer"
)

// Classification is the query-complexity verdict.
type Classification string

const (
	ClassificationSimple  Classification = "simple"
	ClassificationComplex Classification = "complex"
)

// Message is a single role-tagged conversation turn.
type Message struct {
	Role      string                 `json:"role"` // "user", "assistant", "system"
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RoutingDecision is the structured output of the routing classifier.
type RoutingDecision struct {
	Route         Route   `json:"route"`
	Reasoning     string  `json:"reasoning"`
	Confidence    float64 `json:"confidence"`
	FallbackRoute Route   `json:"fallback_route,omitempty"`
}

// QueryAnalysis classifies a query as simple or complex and carries the
// extracted sub-queries for complex queries.
type QueryAnalysis struct {
	Classification Classification `json:"classification"`
	Reasoning      string         `json:"reasoning"`
	SubQueries     []string       `json:"sub_queries"`
	IsComparison   bool           `json:"is_comparison"`
	Confidence     float64        `json:"confidence"`
}

// VisualDecision records whether page images are needed for the answer.
type VisualDecision struct {
	RequiresVisual bool    `json:"requires_visual"`
	Reasoning      string  `json:"reasoning"`
	VisualType     string  `json:"visual_type,omitempty"` // full_page, diagram, table, figure
	Confidence     float64 `json:"confidence"`
}

// SourcePageSelection names the 1-indexed pages to rasterize from one
// source document.
type SourcePageSelection struct {
	SourceFile string `json:"source_file"`
	Pages      []int  `json:"pages"`
}

// PageSelection is the structured page-selection verdict, grouped by
// source document.
type PageSelection struct {
	SelectedPages []SourcePageSelection `json:"selected_pages"`
	Reasoning     string                `json:"reasoning"`
}

// RetrievedChunk is one slice of document text with its metadata.
// Page numbers are 1-indexed; chunks are immutable once returned by
// the retrieval layer.
type RetrievedChunk struct {
	Content    string `json:"content"`
	PageNumber int    `json:"page_number,omitempty"` // 0 means unknown
	SourceFile string `json:"source_file"`
	Category   string `json:"category,omitempty"`
}

// RetrievedContext is the full result of one retrieval pass, replaced
// wholesale per retrieval.
type RetrievedContext struct {
	Chunks              []RetrievedChunk `json:"chunks"`
	UniquePageNumbers   []int            `json:"unique_page_numbers"`
	SourceFiles         []string         `json:"source_files"`
	Images              []string         `json:"images,omitempty"` // base64 PNG
	ImagesJustification string           `json:"images_justification,omitempty"`
}

// TextChunks returns the bare chunk contents.
func (rc *RetrievedContext) TextChunks() []string {
	out := make([]string, 0, len(rc.Chunks))
	for _, c := range rc.Chunks {
		out = append(out, c.Content)
	}
	return out
}

// WebSearchResult is a single ranked web search hit.
type WebSearchResult struct {
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Citation points from an answer back to its supporting evidence.
// Identity for deduplication is (SourceID, PageNumber); web citations
// carry no page so they collapse on (SourceID, URL) in practice.
type Citation struct {
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	PageNumber int        `json:"page_number,omitempty"`
	URL        string     `json:"url,omitempty"`
	Snippet    string     `json:"snippet"`
	Confidence float64    `json:"confidence"`
}

// SubQueryResult captures the answer to one decomposed sub-query.
type SubQueryResult struct {
	SubQuery  string     `json:"sub_query"`
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// AnswerWithCitations is the terminal artifact of one pipeline pass.
type AnswerWithCitations struct {
	Answer           string     `json:"answer"`
	Citations        []Citation `json:"citations"`
	Uncertainty      float64    `json:"uncertainty"`
	RequiredFallback bool       `json:"required_fallback,omitempty"`
	AnswerType       AnswerType `json:"answer_type"`
}

// CitationSummary is the compact per-citation record kept in minimized
// checkpoints and message metadata.
type CitationSummary struct {
	Source string `json:"source"`
	Page   int    `json:"page,omitempty"`
}

// DedupeCitations removes duplicate citations by (source_id, page_number),
// keeping first occurrence, and caps the result at max (0 means no cap).
func DedupeCitations(citations []Citation, max int) []Citation {
	type key struct {
		source string
		page   int
		url    string
	}
	seen := make(map[key]struct{}, len(citations))
	out := make([]Citation, 0, len(citations))
	for _, c := range citations {
		k := key{source: c.SourceID, page: c.PageNumber}
		if c.PageNumber == 0 {
			k.url = c.URL
		}
		if _, dup := seen[k]; dup {
			continue
		}
		if max > 0 && len(out) >= max {
			break
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
