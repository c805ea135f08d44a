package edgeplane

import (
	"log/slog"
	"time"
)

// SlogAdapter adapts a *slog.Logger to the Logger interface. Selected with
// log.backend=slog for deployments that standardise on the stdlib handler.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter wraps an existing slog logger.
func NewSlogAdapter(logger *slog.Logger) (*SlogAdapter, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	return &SlogAdapter{logger: logger}, nil
}

func (s *SlogAdapter) Debug(msg string, fields ...Field) {
	s.logger.Debug(msg, s.convertFieldsToAttrs(fields)...)
}

func (s *SlogAdapter) Info(msg string, fields ...Field) {
	s.logger.Info(msg, s.convertFieldsToAttrs(fields)...)
}

func (s *SlogAdapter) Warn(msg string, fields ...Field) {
	s.logger.Warn(msg, s.convertFieldsToAttrs(fields)...)
}

func (s *SlogAdapter) Error(msg string, fields ...Field) {
	s.logger.Error(msg, s.convertFieldsToAttrs(fields)...)
}

// Named records the subsystem as a "component" attribute since slog has no
// logger names.
func (s *SlogAdapter) Named(name string) Logger {
	return &SlogAdapter{logger: s.logger.With("component", name)}
}

func (s *SlogAdapter) convertFieldsToAttrs(fields []Field) []any {
	if len(fields) == 0 {
		return nil
	}

	attrs := make([]any, 0, len(fields))
	for _, f := range fields {
		if f == nil {
			continue
		}

		switch f.Type() {
		case FieldTypeString:
			if v, ok := f.Value().(string); ok {
				attrs = append(attrs, slog.String(f.Key(), v))
			}
		case FieldTypeInt:
			if v, ok := f.Value().(int); ok {
				attrs = append(attrs, slog.Int(f.Key(), v))
			}
		case FieldTypeInt64:
			if v, ok := f.Value().(int64); ok {
				attrs = append(attrs, slog.Int64(f.Key(), v))
			}
		case FieldTypeFloat64:
			if v, ok := f.Value().(float64); ok {
				attrs = append(attrs, slog.Float64(f.Key(), v))
			}
		case FieldTypeBool:
			if v, ok := f.Value().(bool); ok {
				attrs = append(attrs, slog.Bool(f.Key(), v))
			}
		case FieldTypeDuration:
			if v, ok := f.Value().(time.Duration); ok {
				attrs = append(attrs, slog.Duration(f.Key(), v))
			}
		case FieldTypeTime:
			if v, ok := f.Value().(time.Time); ok {
				attrs = append(attrs, slog.Time(f.Key(), v))
			}
		case FieldTypeError:
			if err, ok := f.Value().(error); ok && err != nil {
				attrs = append(attrs, slog.String(f.Key(), err.Error()))
			}
		default:
			attrs = append(attrs, slog.Any(f.Key(), f.Value()))
		}
	}

	return attrs
}
