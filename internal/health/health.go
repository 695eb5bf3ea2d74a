// Package health aggregates liveness and readiness checks over the
// orchestrator's collaborators: the checkpoint Redis, the record
// store, and the HTTP services behind the retrieval and generation
// nodes.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus is the outcome of one health check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is one component's health check outcome.
type CheckResult struct {
	Component string                 `json:"component"`
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Critical  bool                   `json:"critical"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// Checker is one component's health probe.
type Checker interface {
	Name() string
	Critical() bool
	Timeout() time.Duration
	Check(ctx context.Context) CheckResult
}

// Report is the aggregate health of the service.
type Report struct {
	Status     CheckStatus            `json:"status"`
	Message    string                 `json:"message"`
	Ready      bool                   `json:"ready"`
	Live       bool                   `json:"live"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers and aggregates their results. A
// failing critical checker makes the service not ready; degraded and
// non-critical failures keep it serving.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]CheckResult
	interval time.Duration
	stopCh   chan struct{}
	started  bool
	logger   *zap.Logger
}

// NewManager creates a health manager with the given background check
// interval.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		last:     make(map[string]CheckResult),
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Register adds a checker. Registering the same name twice is an error.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.Critical()),
	)
	return nil
}

// Report runs every checker and aggregates the results.
func (m *Manager) Report(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(checkers))
	for _, c := range checkers {
		components[c.Name()] = m.runCheck(ctx, c)
	}

	m.mu.Lock()
	for name, result := range components {
		m.last[name] = result
	}
	m.mu.Unlock()

	return aggregate(components)
}

// LastResults returns the most recent results without probing.
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.last))
	for name, result := range m.last {
		out[name] = result
	}
	return out
}

// IsReady reports whether the service can serve turns.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Report(ctx).Ready
}

// IsLive reports process liveness.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.Report(ctx).Live
}

// Start begins background checking.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop()
	m.logger.Info("Health manager started", zap.Duration("interval", m.interval))
}

// Stop halts background checking.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			report := m.Report(ctx)
			cancel()
			if report.Status != StatusHealthy {
				m.logger.Warn("Background health check",
					zap.String("status", report.Status.String()),
					zap.String("message", report.Message),
				)
			}
		}
	}
}

func (m *Manager) runCheck(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.Critical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

func aggregate(components map[string]CheckResult) Report {
	report := Report{
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
	if len(components) == 0 {
		report.Status = StatusUnknown
		report.Message = "no health checks registered"
		return report
	}

	criticalFailures := 0
	nonCriticalFailures := 0
	degraded := 0
	for _, result := range components {
		switch result.Status {
		case StatusDegraded:
			degraded++
		case StatusUnhealthy:
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	switch {
	case criticalFailures > 0:
		report.Status = StatusUnhealthy
		report.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		report.Ready = false
		report.Live = true
	case degraded > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d component(s) degraded", degraded)
		report.Ready = true
		report.Live = true
	case nonCriticalFailures > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
		report.Ready = true
		report.Live = true
	default:
		report.Status = StatusHealthy
		report.Message = fmt.Sprintf("all %d components healthy", len(components))
		report.Ready = true
		report.Live = true
	}
	return report
}
