// Package health runs named liveness checks concurrently and aggregates the
// results. A failing check degrades the report, never panics the monitor.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/logger"
)

// Check probes one dependency. A nil return means healthy; an error marks
// the check unhealthy with the error text as message.
type Check func(ctx context.Context) error

// Monitor runs registered checks, on demand and on a schedule.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	last   *models.HealthReport

	interval time.Duration
	log      logger.Logger

	// onReport, when set, receives every scheduled report. The orchestrator
	// uses it to push status into the directory.
	onReport func(*models.HealthReport)

	stopCh  chan struct{}
	stopped sync.Once
	started bool
}

// NewMonitor creates a monitor from config. Start launches the schedule;
// RunChecks works without it.
func NewMonitor(cfg *config.HealthConfig, log logger.Logger) *Monitor {
	interval := constants.DefaultHealthCheckInterval
	if cfg != nil && cfg.CheckInterval > 0 {
		interval = cfg.CheckInterval
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &Monitor{
		checks:   make(map[string]Check),
		interval: interval,
		log:      log.WithComponent("health"),
		stopCh:   make(chan struct{}),
	}
}

// RegisterCheck adds a named check. Re-registering a name replaces it.
func (m *Monitor) RegisterCheck(name string, check Check) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// OnReport registers a callback for scheduled reports. Call before Start.
func (m *Monitor) OnReport(fn func(*models.HealthReport)) {
	m.onReport = fn
}

// RunChecks runs all registered checks concurrently and returns the
// aggregate: unhealthy beats degraded beats healthy. A panicking check is
// reported unhealthy, not propagated.
func (m *Monitor) RunChecks(ctx context.Context) *models.HealthReport {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	results := make([]models.HealthCheckResult, 0, len(checks))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			result := m.runOne(gctx, name, check)
			resultsMu.Lock()
			results = append(results, result)
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := constants.HealthStatusHealthy
	for _, r := range results {
		if r.Status.Worse(status) {
			status = r.Status
		}
	}

	report := &models.HealthReport{
		Status:    status,
		Checks:    results,
		Timestamp: time.Now(),
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

// LastReport returns the most recent report, or nil before the first run.
func (m *Monitor) LastReport() *models.HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Start launches the scheduled check loop: one run immediately, then one per
// interval. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop halts the scheduled loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

func (m *Monitor) loop(ctx context.Context) {
	m.publish(m.RunChecks(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.publish(m.RunChecks(ctx))
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) publish(report *models.HealthReport) {
	if report.Status != constants.HealthStatusHealthy {
		m.log.Warn(context.Background(), "Health degraded",
			logger.String("status", string(report.Status)),
			logger.Int("checks", len(report.Checks)),
		)
	}
	if m.onReport != nil {
		m.onReport(report)
	}
}

func (m *Monitor) runOne(ctx context.Context, name string, check Check) (result models.HealthCheckResult) {
	start := time.Now()
	result = models.HealthCheckResult{Name: name, Status: constants.HealthStatusHealthy}

	defer func() {
		result.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			result.Status = constants.HealthStatusUnhealthy
			result.Message = fmt.Sprintf("check panicked: %v", r)
		}
	}()

	if err := check(ctx); err != nil {
		result.Status = constants.HealthStatusUnhealthy
		result.Message = err.Error()
	}
	return result
}
