package audit

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// KafkaSink streams audit events to a Kafka topic as JSON, one message per
// event, keyed by service id so a consumer sees one service's events in
// order.
type KafkaSink struct {
	writer *kafka.Writer
	log    logger.Logger
}

// NewKafkaSink creates a Kafka-backed sink.
func NewKafkaSink(cfg *config.KafkaConfig, log logger.Logger) (*KafkaSink, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, errors.ErrInvalidArgument("audit.kafka.brokers is required")
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return &KafkaSink{
		writer: writer,
		log:    log.WithComponent("audit"),
	}, nil
}

var _ service.AuditSink = (*KafkaSink)(nil)

// Write publishes one event.
func (s *KafkaSink) Write(ctx context.Context, event *models.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to marshal audit event")
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ServiceID),
		Value: payload,
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to write audit event to kafka")
	}
	return nil
}

// Close closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
