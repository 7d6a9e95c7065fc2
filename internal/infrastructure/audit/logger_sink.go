package audit

import (
	"context"

	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/logger"
)

// LoggerSink writes audit events to the structured log. It is the default
// sink and always available.
type LoggerSink struct {
	log logger.Logger
}

// NewLoggerSink creates a log-backed sink.
func NewLoggerSink(log logger.Logger) *LoggerSink {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &LoggerSink{log: log.WithComponent("audit")}
}

var _ service.AuditSink = (*LoggerSink)(nil)

// Write logs the event at info level.
func (s *LoggerSink) Write(ctx context.Context, event *models.AuditEvent) error {
	fields := []logger.Field{
		logger.String("event_id", event.ID),
		logger.String("event_type", string(event.EventType)),
		logger.String("service_id", event.ServiceID),
		logger.Time("timestamp", event.Timestamp),
	}
	if event.TargetServiceID != "" {
		fields = append(fields, logger.String("target_service_id", event.TargetServiceID))
	}
	for k, v := range event.Details {
		fields = append(fields, logger.Any(k, v))
	}

	s.log.Info(ctx, "Audit event", fields...)
	return nil
}

// Close is a no-op; the underlying logger outlives the sink.
func (s *LoggerSink) Close() error {
	return nil
}
