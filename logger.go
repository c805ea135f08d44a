// Package edgeplane implements an edge-resident cache control plane: signed
// request verification, a tag-indexed tiered cache, a strategy scoring engine
// and a sandbox scheduler for benchmark agents.
package edgeplane

import (
	"time"
)

// Logger is the structured logging interface used by every component.
// Adapters exist for zap (default) and log/slog.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// Named returns a child logger for a subsystem ("router", "queue", ...).
	Named(name string) Logger
}

// Field is a typed key/value pair attached to a log entry.
type Field interface {
	Key() string
	Value() interface{}
	Type() FieldType
}

// FieldType lets adapters pick the cheapest encoding for a field.
type FieldType int

const (
	FieldTypeUnknown FieldType = iota
	FieldTypeString
	FieldTypeInt
	FieldTypeInt64
	FieldTypeFloat64
	FieldTypeBool
	FieldTypeDuration
	FieldTypeTime
	FieldTypeError
	FieldTypeStrings
	FieldTypeAny
)

type field struct {
	key       string
	value     interface{}
	fieldType FieldType
}

func (f field) Key() string        { return f.key }
func (f field) Value() interface{} { return f.value }
func (f field) Type() FieldType    { return f.fieldType }

// String creates a string field.
func String(key, val string) Field {
	return field{key: key, value: val, fieldType: FieldTypeString}
}

// Int creates an int field.
func Int(key string, val int) Field {
	return field{key: key, value: val, fieldType: FieldTypeInt}
}

// Int64 creates an int64 field.
func Int64(key string, val int64) Field {
	return field{key: key, value: val, fieldType: FieldTypeInt64}
}

// Float64 creates a float64 field. Used for scores and ratios.
func Float64(key string, val float64) Field {
	return field{key: key, value: val, fieldType: FieldTypeFloat64}
}

// Bool creates a boolean field.
func Bool(key string, val bool) Field {
	return field{key: key, value: val, fieldType: FieldTypeBool}
}

// Duration creates a time.Duration field.
func Duration(key string, val time.Duration) Field {
	return field{key: key, value: val, fieldType: FieldTypeDuration}
}

// Time creates a time.Time field.
func Time(key string, val time.Time) Field {
	return field{key: key, value: val, fieldType: FieldTypeTime}
}

// Strings creates a string slice field (tags, strategies, keys).
func Strings(key string, val []string) Field {
	return field{key: key, value: val, fieldType: FieldTypeStrings}
}

// Err creates an error field with the key "error".
func Err(err error) Field {
	return field{key: "error", value: err, fieldType: FieldTypeError}
}

// Any creates a field with an arbitrary value. Prefer the typed constructors.
func Any(key string, val interface{}) Field {
	return field{key: key, value: val, fieldType: FieldTypeAny}
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (n NoOpLogger) Debug(msg string, fields ...Field) {}
func (n NoOpLogger) Info(msg string, fields ...Field)  {}
func (n NoOpLogger) Warn(msg string, fields ...Field)  {}
func (n NoOpLogger) Error(msg string, fields ...Field) {}
func (n NoOpLogger) Named(name string) Logger          { return n }

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() Logger {
	return NoOpLogger{}
}
