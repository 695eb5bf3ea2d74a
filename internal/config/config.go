package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration tree.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	VectorDB  VectorDBConfig  `mapstructure:"vectordb" yaml:"vectordb"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	RAG       RAGConfig       `mapstructure:"rag" yaml:"rag"`
	Visual    VisualConfig    `mapstructure:"visual" yaml:"visual"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	WebSearch WebSearchConfig `mapstructure:"web_search" yaml:"web_search"`
	Raster    RasterConfig    `mapstructure:"raster" yaml:"raster"`
	Upload    UploadConfig    `mapstructure:"upload" yaml:"upload"`
	Streaming StreamingConfig `mapstructure:"streaming" yaml:"streaming"`
}

// ServiceConfig contains basic service configuration.
type ServiceConfig struct {
	APIPort         int           `mapstructure:"api_port" yaml:"api_port"`
	HealthPort      int           `mapstructure:"health_port" yaml:"health_port"`
	MetricsPort     int           `mapstructure:"metrics_port" yaml:"metrics_port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// RedisConfig locates the checkpoint/session backend.
type RedisConfig struct {
	Addr          string        `mapstructure:"addr" yaml:"addr"`
	DB            int           `mapstructure:"db" yaml:"db"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl" yaml:"checkpoint_ttl"`
}

// DatabaseConfig locates the record store (sessions/documents/messages).
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Database        string        `mapstructure:"database" yaml:"database"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections" yaml:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime"`
}

// LLMConfig controls the generation model client.
type LLMConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	Model         string        `mapstructure:"model" yaml:"model"`
	Temperature   float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// VectorDBConfig controls the retrieval oracle client.
type VectorDBConfig struct {
	Host      string        `mapstructure:"host" yaml:"host"`
	Port      int           `mapstructure:"port" yaml:"port"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Threshold float64       `mapstructure:"threshold" yaml:"threshold"`
}

// RetrievalConfig holds the retrieval-depth and fusion knobs.
type RetrievalConfig struct {
	K                    int     `mapstructure:"k" yaml:"k"`
	SearchType           string  `mapstructure:"search_type" yaml:"search_type"` // similarity or mmr
	MMRLambda            float64 `mapstructure:"mmr_lambda" yaml:"mmr_lambda"`
	EnableHybridSearch   bool    `mapstructure:"enable_hybrid_search" yaml:"enable_hybrid_search"`
	HybridSemanticWeight float64 `mapstructure:"hybrid_semantic_weight" yaml:"hybrid_semantic_weight"`
	HybridLexicalWeight  float64 `mapstructure:"hybrid_lexical_weight" yaml:"hybrid_lexical_weight"`
	EnableReranking      bool    `mapstructure:"enable_reranking" yaml:"enable_reranking"`
	RerankTopK           int     `mapstructure:"rerank_top_k" yaml:"rerank_top_k"`
}

// RAGConfig holds answer-generation and quality-gate knobs.
type RAGConfig struct {
	MaxSubQueries               int     `mapstructure:"max_sub_queries" yaml:"max_sub_queries"`
	MaxCitations                int     `mapstructure:"max_citations" yaml:"max_citations"`
	CitationSnippetLength       int     `mapstructure:"citation_snippet_length" yaml:"citation_snippet_length"`
	DefaultConfidence           float64 `mapstructure:"default_confidence" yaml:"default_confidence"`
	MinAnswerLength             int     `mapstructure:"min_answer_length" yaml:"min_answer_length"`
	QualityUncertaintyThreshold float64 `mapstructure:"quality_uncertainty_threshold" yaml:"quality_uncertainty_threshold"`
}

// VisualConfig holds visual-evidence selection and rendering knobs.
type VisualConfig struct {
	MaxImages   int     `mapstructure:"max_images" yaml:"max_images"`
	MaxPages    int     `mapstructure:"max_pages" yaml:"max_pages"`
	ZoomFactor  float64 `mapstructure:"zoom_factor" yaml:"zoom_factor"`
	MaxWidth    int     `mapstructure:"max_width" yaml:"max_width"`
	DetailLevel string  `mapstructure:"detail_level" yaml:"detail_level"`
}

// HistoryConfig bounds conversation-history growth.
type HistoryConfig struct {
	MaxMessages int    `mapstructure:"max_messages" yaml:"max_messages"`
	MaxTokens   int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	Strategy    string `mapstructure:"strategy" yaml:"strategy"` // "last" or "first"
	TruncateLen int    `mapstructure:"truncate_len" yaml:"truncate_len"`
}

// WebSearchConfig controls the web search collaborator.
type WebSearchConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	MaxResults int           `mapstructure:"max_results" yaml:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RasterConfig controls the PDF rasterizer collaborator.
type RasterConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// UploadConfig locates per-session uploaded documents.
type UploadConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// StreamingConfig tunes the event stream ring buffers.
type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity" yaml:"ring_capacity"`
}

// Default returns the configuration defaults used when no file or env
// override is present.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			APIPort:         8080,
			HealthPort:      8081,
			MetricsPort:     2112,
			GracefulTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Tracing: TracingConfig{ServiceName: "docuflow-orchestrator", OTLPEndpoint: "localhost:4317"},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			DialTimeout:   5 * time.Second,
			ReadTimeout:   3 * time.Second,
			WriteTimeout:  3 * time.Second,
			CheckpointTTL: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "docuflow",
			Database:        "docuflow",
			SSLMode:         "disable",
			MaxConnections:  25,
			IdleConnections: 5,
			MaxLifetime:     5 * time.Minute,
		},
		LLM: LLMConfig{
			BaseURL:       "http://llm-service:8000",
			Model:         "gpt-4o-mini",
			Temperature:   0.2,
			MaxTokens:     4096,
			Timeout:       120 * time.Second,
			RatePerSecond: 10,
			RateBurst:     20,
		},
		VectorDB: VectorDBConfig{Host: "localhost", Port: 6333, Timeout: 5 * time.Second},
		Retrieval: RetrievalConfig{
			K:                    5,
			SearchType:           "mmr",
			MMRLambda:            0.5,
			EnableHybridSearch:   true,
			HybridSemanticWeight: 0.6,
			HybridLexicalWeight:  0.4,
			EnableReranking:      true,
			RerankTopK:           5,
		},
		RAG: RAGConfig{
			MaxSubQueries:               3,
			MaxCitations:                10,
			CitationSnippetLength:       200,
			DefaultConfidence:           0.9,
			MinAnswerLength:             50,
			QualityUncertaintyThreshold: 0.6,
		},
		Visual: VisualConfig{
			MaxImages:   5,
			MaxPages:    5,
			ZoomFactor:  2.0,
			MaxWidth:    1200,
			DetailLevel: "auto",
		},
		History: HistoryConfig{
			MaxMessages: 20,
			MaxTokens:   3000,
			Strategy:    "last",
			TruncateLen: 500,
		},
		WebSearch: WebSearchConfig{BaseURL: "http://search-service:8200", MaxResults: 5, Timeout: 30 * time.Second},
		Raster:    RasterConfig{BaseURL: "http://raster-service:8300", Timeout: 60 * time.Second},
		Upload:    UploadConfig{Directory: "/data/uploads"},
		Streaming: StreamingConfig{RingCapacity: 256},
	}
}

// Load reads configuration from CONFIG_PATH (or ./config/orchestrator.yaml)
// merged over Default(), with DOCUFLOW_* env overrides.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/orchestrator.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads configuration from an explicit file path. A missing
// file is not an error; defaults plus env overrides apply.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DOCUFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.RAG.MaxSubQueries < 1 {
		return fmt.Errorf("rag.max_sub_queries must be >= 1, got %d", c.RAG.MaxSubQueries)
	}
	if c.Retrieval.K < 1 {
		return fmt.Errorf("retrieval.k must be >= 1, got %d", c.Retrieval.K)
	}
	if c.RAG.QualityUncertaintyThreshold < 0 || c.RAG.QualityUncertaintyThreshold > 1 {
		return fmt.Errorf("rag.quality_uncertainty_threshold must be in [0,1], got %f", c.RAG.QualityUncertaintyThreshold)
	}
	if w := c.Retrieval.HybridSemanticWeight + c.Retrieval.HybridLexicalWeight; w <= 0 {
		return fmt.Errorf("hybrid weights must sum to a positive value, got %f", w)
	}
	if c.History.Strategy != "last" && c.History.Strategy != "first" {
		return fmt.Errorf("history.strategy must be \"last\" or \"first\", got %q", c.History.Strategy)
	}
	if c.Visual.MaxImages < 0 || c.Visual.MaxPages < 0 {
		return fmt.Errorf("visual limits must be non-negative")
	}
	return nil
}
