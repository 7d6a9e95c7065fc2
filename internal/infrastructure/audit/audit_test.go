package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/logger"
)

// recordingSink captures written events; fail makes every write error.
type recordingSink struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	fail   bool
}

func (s *recordingSink) Write(_ context.Context, event *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("sink unavailable")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	d := NewDispatcher(16, []service.AuditSink{first, second}, logger.NewNoopLogger())

	d.Publish(models.NewAuditEvent(constants.AuditEventConnection, "service-a").
		WithTarget("service-b").
		WithDetail("session_id", "abc"))
	require.NoError(t, d.Close())

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
	assert.Equal(t, "service-b", first.events[0].TargetServiceID)
}

func TestDispatcher_SinkFailureIsIsolated(t *testing.T) {
	failing := &recordingSink{fail: true}
	healthy := &recordingSink{}
	d := NewDispatcher(16, []service.AuditSink{failing, healthy}, logger.NewNoopLogger())

	d.Publish(models.NewAuditEvent(constants.AuditEventError, "service-a"))
	require.NoError(t, d.Close())

	assert.Equal(t, 1, healthy.count())
}

func TestDispatcher_DropsWhenBufferFull(t *testing.T) {
	// No sinks and a tiny buffer; the run loop still drains, so flood
	// faster than it can keep up by blocking the only consumer.
	blocked := make(chan struct{})
	slow := &blockingSink{release: blocked}
	d := NewDispatcher(1, []service.AuditSink{slow}, logger.NewNoopLogger())

	// First event occupies the sink, second fills the buffer, the rest
	// must drop.
	for i := 0; i < 10; i++ {
		d.Publish(models.NewAuditEvent(constants.AuditEventMessage, "service-a"))
	}
	assert.Eventually(t, func() bool { return d.Dropped() > 0 }, time.Second, 5*time.Millisecond)

	close(blocked)
	require.NoError(t, d.Close())
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	blocked := make(chan struct{})
	slow := &blockingSink{release: blocked}
	d := NewDispatcher(1, []service.AuditSink{slow}, logger.NewNoopLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Publish(models.NewAuditEvent(constants.AuditEventMessage, "service-a"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a saturated dispatcher")
	}

	close(blocked)
	require.NoError(t, d.Close())
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Write(_ context.Context, _ *models.AuditEvent) error {
	<-s.release
	return nil
}

func (s *blockingSink) Close() error { return nil }

func TestGormSink_WriteAndQuery(t *testing.T) {
	sink, err := NewGormSink(&config.AuditDatabaseConfig{
		Enabled: true,
		DSN:     "file::memory:?cache=shared",
	}, logger.NewNoopLogger())
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	rotation := models.NewAuditEvent(constants.AuditEventKeyRotation, "service-a").
		WithDetail("key_fingerprint", "deadbeef")
	require.NoError(t, sink.Write(ctx, rotation))
	require.NoError(t, sink.Write(ctx, models.NewAuditEvent(constants.AuditEventConnection, "service-a")))

	records, err := sink.Recent(ctx, string(constants.AuditEventKeyRotation), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rotation.ID, records[0].ID)
	assert.Contains(t, records[0].Details, "deadbeef")

	all, err := sink.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLoggerSink_WriteNeverFails(t *testing.T) {
	sink := NewLoggerSink(logger.NewNoopLogger())

	event := models.NewAuditEvent(constants.AuditEventRateLimit, "service-a").
		WithDetail("retry_after", "5m")
	assert.NoError(t, sink.Write(context.Background(), event))
	assert.NoError(t, sink.Close())
}
