package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/logger"
)

func TestMonitor_AllHealthy(t *testing.T) {
	m := NewMonitor(nil, logger.NewNoopLogger())
	m.RegisterCheck("sessions", func(_ context.Context) error { return nil })
	m.RegisterCheck("keystore", func(_ context.Context) error { return nil })

	report := m.RunChecks(context.Background())
	assert.Equal(t, constants.HealthStatusHealthy, report.Status)
	assert.Len(t, report.Checks, 2)
	for _, c := range report.Checks {
		assert.Equal(t, constants.HealthStatusHealthy, c.Status)
		assert.Empty(t, c.Message)
	}
}

func TestMonitor_OneFailureMakesUnhealthy(t *testing.T) {
	m := NewMonitor(nil, logger.NewNoopLogger())
	m.RegisterCheck("sessions", func(_ context.Context) error { return nil })
	m.RegisterCheck("redis", func(_ context.Context) error {
		return fmt.Errorf("connection refused")
	})

	report := m.RunChecks(context.Background())
	assert.Equal(t, constants.HealthStatusUnhealthy, report.Status)

	for _, c := range report.Checks {
		if c.Name == "redis" {
			assert.Equal(t, constants.HealthStatusUnhealthy, c.Status)
			assert.Equal(t, "connection refused", c.Message)
		} else {
			assert.Equal(t, constants.HealthStatusHealthy, c.Status)
		}
	}
}

func TestMonitor_PanickingCheckIsIsolated(t *testing.T) {
	m := NewMonitor(nil, logger.NewNoopLogger())
	m.RegisterCheck("flaky", func(_ context.Context) error { panic("boom") })
	m.RegisterCheck("steady", func(_ context.Context) error { return nil })

	report := m.RunChecks(context.Background())
	assert.Equal(t, constants.HealthStatusUnhealthy, report.Status)

	for _, c := range report.Checks {
		if c.Name == "flaky" {
			assert.Equal(t, constants.HealthStatusUnhealthy, c.Status)
			assert.Contains(t, c.Message, "boom")
		}
	}
}

func TestMonitor_NoChecksIsHealthy(t *testing.T) {
	m := NewMonitor(nil, logger.NewNoopLogger())

	report := m.RunChecks(context.Background())
	assert.Equal(t, constants.HealthStatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
}

func TestMonitor_LastReport(t *testing.T) {
	m := NewMonitor(nil, logger.NewNoopLogger())
	assert.Nil(t, m.LastReport())

	m.RegisterCheck("sessions", func(_ context.Context) error { return nil })
	report := m.RunChecks(context.Background())
	assert.Equal(t, report, m.LastReport())
}

func TestMonitor_ScheduledLoopPublishesReports(t *testing.T) {
	m := NewMonitor(&config.HealthConfig{
		CheckInterval: 10 * time.Millisecond,
	}, logger.NewNoopLogger())
	defer m.Stop()

	var runs atomic.Int32
	m.RegisterCheck("sessions", func(_ context.Context) error {
		runs.Add(1)
		return nil
	})

	reports := make(chan *models.HealthReport, 8)
	m.OnReport(func(r *models.HealthReport) {
		select {
		case reports <- r:
		default:
		}
	})

	m.Start(context.Background())

	// The first report is immediate; at least one more follows on the
	// ticker.
	for i := 0; i < 2; i++ {
		select {
		case r := <-reports:
			require.Equal(t, constants.HealthStatusHealthy, r.Status)
		case <-time.After(time.Second):
			t.Fatalf("no report %d within deadline", i+1)
		}
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}
