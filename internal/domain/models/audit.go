package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/meshsec/pkg/constants"
)

// AuditEvent is a single audit trail entry. Events are pushed fire-and-forget
// to zero or more sinks; sink failures never affect mesh operation.
type AuditEvent struct {
	ID              string                   `json:"id"`
	Timestamp       time.Time                `json:"timestamp"`
	EventType       constants.AuditEventType `json:"event_type"`
	ServiceID       string                   `json:"service_id"`
	TargetServiceID string                   `json:"target_service_id,omitempty"`
	Details         map[string]interface{}   `json:"details,omitempty"`
}

// NewAuditEvent creates an audit event stamped with a fresh id and UTC time.
func NewAuditEvent(eventType constants.AuditEventType, serviceID string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		ServiceID: serviceID,
	}
}

// WithTarget sets the target service of the event.
func (e *AuditEvent) WithTarget(targetServiceID string) *AuditEvent {
	e.TargetServiceID = targetServiceID
	return e
}

// WithDetail attaches one detail key.
func (e *AuditEvent) WithDetail(key string, value interface{}) *AuditEvent {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
