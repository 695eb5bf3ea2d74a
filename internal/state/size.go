package state

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"
)

// FieldSize reports the serialized footprint of one state field.
type FieldSize struct {
	Field string `json:"field"`
	Bytes int    `json:"bytes"`
}

// SizeReport is the per-field byte footprint of a state snapshot, used
// for checkpoint diagnostics.
type SizeReport struct {
	TotalBytes int         `json:"total_bytes"`
	Fields     []FieldSize `json:"fields"` // sorted by descending size
}

// EstimateSize measures the JSON footprint of each state field. The
// cost is one marshal per field, so callers should gate this behind
// debug logging or the checkpoint commit path.
func EstimateSize(s ConversationState) SizeReport {
	fields := map[string]interface{}{
		"messages":               s.Messages,
		"query":                  s.Query,
		"original_query":         s.OriginalQuery,
		"route":                  s.Route,
		"routing_decision":       s.RoutingDecision,
		"query_analysis":         s.QueryAnalysis,
		"sub_query_results":      s.SubQueryResults,
		"visual_decision":        s.VisualDecision,
		"retrieved_context":      s.RetrievedContext,
		"web_results":            s.WebResults,
		"intermediate_reasoning": s.IntermediateReasoning,
		"final_answer":           s.FinalAnswer,
		"error_message":          s.ErrorMessage,
	}

	report := SizeReport{Fields: make([]FieldSize, 0, len(fields))}
	for name, value := range fields {
		n := 0
		if b, err := json.Marshal(value); err == nil {
			n = len(b)
		}
		report.Fields = append(report.Fields, FieldSize{Field: name, Bytes: n})
		report.TotalBytes += n
	}
	sort.Slice(report.Fields, func(i, j int) bool {
		if report.Fields[i].Bytes != report.Fields[j].Bytes {
			return report.Fields[i].Bytes > report.Fields[j].Bytes
		}
		return report.Fields[i].Field < report.Fields[j].Field
	})
	return report
}

// LogSize emits the top contributors of a size report.
func LogSize(logger *zap.Logger, label string, report SizeReport) {
	top := report.Fields
	if len(top) > 5 {
		top = top[:5]
	}
	fields := []zap.Field{
		zap.String("stage", label),
		zap.Int("total_bytes", report.TotalBytes),
	}
	for _, f := range top {
		if f.Bytes > 0 {
			fields = append(fields, zap.Int(f.Field, f.Bytes))
		}
	}
	logger.Debug("state footprint", fields...)
}
