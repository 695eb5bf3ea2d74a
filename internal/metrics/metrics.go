package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_turns_started_total",
			Help: "Total number of orchestration turns started",
		},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_turns_completed_total",
			Help: "Total number of orchestration turns completed",
		},
		[]string{"answer_type", "route"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docuflow_turn_duration_seconds",
			Help:    "End-to-end turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Graph node metrics
	NodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_node_executions_total",
			Help: "Total number of graph node executions",
		},
		[]string{"node", "status"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docuflow_node_duration_ms",
			Help:    "Graph node execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"node"},
	)

	SubQueryIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docuflow_sub_query_iterations",
			Help:    "Number of sub-query loop iterations per complex turn",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	QualityGateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_quality_gate_failures_total",
			Help: "Quality gate failures by tripped criterion",
		},
		[]string{"criterion"},
	)

	// Retrieval metrics
	RetrievalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_retrieval_requests_total",
			Help: "Retrieval adapter requests by mode",
		},
		[]string{"mode", "status"},
	)

	RetrievedChunks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docuflow_retrieved_chunks",
			Help:    "Number of chunks returned per retrieval",
			Buckets: []float64{0, 1, 3, 5, 10, 20, 50},
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_llm_requests_total",
			Help: "Generation model requests by kind",
		},
		[]string{"kind", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docuflow_llm_request_duration_ms",
			Help:    "Generation model request duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"kind"},
	)

	// Visual evidence metrics
	ImagesRendered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_images_rendered_total",
			Help: "Total number of page images rendered for visual evidence",
		},
	)

	VisualSelectionFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_visual_selection_fallbacks_total",
			Help: "Page selections that fell back to the frequency heuristic",
		},
	)

	// Web search metrics
	WebSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_web_searches_total",
			Help: "Web search requests by status",
		},
		[]string{"status"},
	)

	// Checkpoint metrics
	CheckpointsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_checkpoints_saved_total",
			Help: "Total number of checkpoints persisted",
		},
	)

	CheckpointBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docuflow_checkpoint_bytes",
			Help:    "Size of persisted checkpoints in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)

	CheckpointBytesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_checkpoint_bytes_saved_total",
			Help: "Bytes removed from checkpoints by transient-field filtering",
		},
	)

	CheckpointCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docuflow_checkpoint_cache_size",
			Help: "Number of thread states held in the local checkpoint cache",
		},
	)

	CheckpointCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_checkpoint_cache_evictions_total",
			Help: "Local checkpoint cache evictions",
		},
	)

	// History metrics
	HistoryMessagesTrimmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_history_messages_trimmed_total",
			Help: "Messages dropped by conversation-history trimming",
		},
	)
)
