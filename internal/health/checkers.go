package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/circuitbreaker"
)

const (
	defaultCheckTimeout  = 5 * time.Second
	highLatencyThreshold = 100 * time.Millisecond
)

// Pinger is the probe surface shared by the checkpoint store and the
// record store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes a pingable collaborator and reports its breaker
// state when one is attached.
type PingChecker struct {
	name     string
	critical bool
	target   Pinger
	breaker  func() circuitbreaker.State
	logger   *zap.Logger
}

// NewPingChecker creates a checker over a pingable collaborator.
// breakerState may be nil when the target carries no circuit breaker.
func NewPingChecker(name string, critical bool, target Pinger, breakerState func() circuitbreaker.State, logger *zap.Logger) *PingChecker {
	return &PingChecker{
		name:     name,
		critical: critical,
		target:   target,
		breaker:  breakerState,
		logger:   logger,
	}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) Critical() bool         { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: p.name, Critical: p.critical, Timestamp: start}

	if p.breaker != nil && p.breaker() == circuitbreaker.StateOpen {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = p.name + " circuit breaker is open"
		return result
	}

	err := p.target.Ping(ctx)
	latency := time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": latency.Milliseconds()}

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
		return result
	}
	if latency > highLatencyThreshold {
		result.Status = StatusDegraded
		result.Message = p.name + " responding with high latency"
		return result
	}
	result.Status = StatusHealthy
	result.Message = p.name + " healthy"
	return result
}

// ServiceChecker probes an HTTP collaborator through its client's
// health call.
type ServiceChecker struct {
	name     string
	critical bool
	probe    func(ctx context.Context) error
}

// NewServiceChecker creates a checker over an HTTP collaborator. The
// retrieval, generation, web search, and rasterizer services all
// expose a health probe on their clients.
func NewServiceChecker(name string, critical bool, probe func(ctx context.Context) error) *ServiceChecker {
	return &ServiceChecker{name: name, critical: critical, probe: probe}
}

func (s *ServiceChecker) Name() string           { return s.name }
func (s *ServiceChecker) Critical() bool         { return s.critical }
func (s *ServiceChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (s *ServiceChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: s.name, Critical: s.critical, Timestamp: start}

	if err := s.probe(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = s.name + " unreachable"
		return result
	}
	result.Status = StatusHealthy
	result.Message = s.name + " healthy"
	result.Details = map[string]interface{}{"latency_ms": time.Since(start).Milliseconds()}
	return result
}
