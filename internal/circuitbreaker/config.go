package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// ServiceConfig is the env-tunable shape of a breaker config.
type ServiceConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinimumRequests     uint32
}

// ToConfig converts a ServiceConfig into a breaker Config. The breaker
// trips on a consecutive-failure run or on a failure ratio once enough
// requests have been observed.
func (sc ServiceConfig) ToConfig() Config {
	return Config{
		MaxRequests: sc.MaxRequests,
		Interval:    sc.Interval,
		Timeout:     sc.Timeout,
		ReadyToTrip: func(counts Counts) bool {
			if counts.ConsecutiveFailures >= sc.ConsecutiveFailures {
				return true
			}
			if sc.FailureRatio > 0 && counts.Requests >= sc.MinimumRequests {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= sc.FailureRatio
			}
			return false
		},
	}
}

// RedisConfig returns breaker settings for the checkpoint Redis,
// overridable via CB_REDIS_* environment variables.
func RedisConfig() ServiceConfig {
	return ServiceConfig{
		MaxRequests:         envUint32("CB_REDIS_MAX_REQUESTS", 3),
		Interval:            envDuration("CB_REDIS_INTERVAL", 60*time.Second),
		Timeout:             envDuration("CB_REDIS_TIMEOUT", 10*time.Second),
		ConsecutiveFailures: envUint32("CB_REDIS_CONSECUTIVE_FAILURES", 5),
		FailureRatio:        envFloat("CB_REDIS_FAILURE_RATIO", 0.6),
		MinimumRequests:     envUint32("CB_REDIS_MINIMUM_REQUESTS", 10),
	}
}

// HTTPConfig returns breaker settings for HTTP collaborators (LLM
// service, vector store, web search, rasterizer), overridable via
// CB_HTTP_* environment variables.
func HTTPConfig() ServiceConfig {
	return ServiceConfig{
		MaxRequests:         envUint32("CB_HTTP_MAX_REQUESTS", 2),
		Interval:            envDuration("CB_HTTP_INTERVAL", 60*time.Second),
		Timeout:             envDuration("CB_HTTP_TIMEOUT", 30*time.Second),
		ConsecutiveFailures: envUint32("CB_HTTP_CONSECUTIVE_FAILURES", 5),
		FailureRatio:        envFloat("CB_HTTP_FAILURE_RATIO", 0.5),
		MinimumRequests:     envUint32("CB_HTTP_MINIMUM_REQUESTS", 10),
	}
}

// DatabaseConfig returns breaker settings for the record store,
// overridable via CB_DB_* environment variables.
func DatabaseConfig() ServiceConfig {
	return ServiceConfig{
		MaxRequests:         envUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:            envDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:             envDuration("CB_DB_TIMEOUT", 15*time.Second),
		ConsecutiveFailures: envUint32("CB_DB_CONSECUTIVE_FAILURES", 5),
		FailureRatio:        envFloat("CB_DB_FAILURE_RATIO", 0.6),
		MinimumRequests:     envUint32("CB_DB_MINIMUM_REQUESTS", 10),
	}
}

func envUint32(key string, fallback uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
