package audit

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// AuditRecord is the persisted form of an audit event. Details are stored as
// a JSON blob; queries filter on the indexed columns.
type AuditRecord struct {
	ID              string    `gorm:"primaryKey;size:36"`
	Timestamp       time.Time `gorm:"index"`
	EventType       string    `gorm:"index;size:32"`
	ServiceID       string    `gorm:"index;size:128"`
	TargetServiceID string    `gorm:"size:128"`
	Details         string
}

// TableName keeps the table name stable across gorm naming strategies.
func (AuditRecord) TableName() string { return "audit_events" }

// GormSink persists audit events to a relational database for later query.
type GormSink struct {
	db  *gorm.DB
	log logger.Logger
}

// NewGormSink opens the database at cfg.DSN and migrates the audit table.
func NewGormSink(cfg *config.AuditDatabaseConfig, log logger.Logger) (*GormSink, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, errors.ErrInvalidArgument("audit.database.dsn is required")
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to open audit database")
	}
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to migrate audit schema")
	}

	return &GormSink{db: db, log: log.WithComponent("audit")}, nil
}

var _ service.AuditSink = (*GormSink)(nil)

// Write persists one event.
func (s *GormSink) Write(ctx context.Context, event *models.AuditEvent) error {
	details := ""
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return errors.Wrap(err, errors.CodeInternal, "failed to marshal audit details")
		}
		details = string(raw)
	}

	record := &AuditRecord{
		ID:              event.ID,
		Timestamp:       event.Timestamp,
		EventType:       string(event.EventType),
		ServiceID:       event.ServiceID,
		TargetServiceID: event.TargetServiceID,
		Details:         details,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to persist audit event")
	}
	return nil
}

// Recent returns the latest events of the given type, newest first. An empty
// type matches all.
func (s *GormSink) Recent(ctx context.Context, eventType string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.db.WithContext(ctx).Order("timestamp DESC").Limit(limit)
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}

	var records []AuditRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to query audit events")
	}
	return records, nil
}

// Close closes the underlying database connection.
func (s *GormSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
