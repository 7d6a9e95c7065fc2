// Package logger provides structured logging for the mesh core. The Logger
// interface decouples components from the logging backend; the production
// implementation is zap-based.
package logger

import (
	"context"
	"time"

	"github.com/turtacn/meshsec/pkg/constants"
)

// Logger is the structured logging interface used across all mesh components.
type Logger interface {
	// Debug logs a debug message.
	Debug(ctx context.Context, message string, fields ...Field)

	// Info logs an informational message.
	Info(ctx context.Context, message string, fields ...Field)

	// Warn logs a warning message.
	Warn(ctx context.Context, message string, fields ...Field)

	// Error logs an error message.
	Error(ctx context.Context, message string, err error, fields ...Field)

	// WithFields returns a logger carrying additional base fields.
	WithFields(fields ...Field) Logger

	// WithComponent returns a logger tagged with a component name.
	WithComponent(component string) Logger
}

// Field is a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int creates an integer field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 creates an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Float64 creates a float64 field.
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Bool creates a boolean field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Time creates a timestamp field in RFC 3339 form.
func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value.Format(time.RFC3339)}
}

// Err creates an error field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Any creates a field of any type.
func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// contextFields extracts correlation fields the mesh places on a context.
func contextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}
	var fields []Field
	if v, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && v != "" {
		fields = append(fields, String("request_id", v))
	}
	if v, ok := ctx.Value(constants.ContextKeyServiceID).(string); ok && v != "" {
		fields = append(fields, String("service_id", v))
	}
	if v, ok := ctx.Value(constants.ContextKeyTraceID).(string); ok && v != "" {
		fields = append(fields, String("trace_id", v))
	}
	return fields
}
