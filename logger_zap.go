package edgeplane

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapAdapter adapts a *zap.Logger to the Logger interface.
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapAdapter wraps an existing zap logger.
func NewZapAdapter(logger *zap.Logger) (*ZapAdapter, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	return &ZapAdapter{logger: logger}, nil
}

// NewZapLogger builds a zap logger for the daemon. Development mode writes
// console output at debug level; otherwise JSON at the requested level.
func NewZapLogger(level string, development bool) (*ZapAdapter, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &ZapAdapter{logger: zl}, nil
}

func (z *ZapAdapter) Debug(msg string, fields ...Field) {
	if ce := z.logger.Check(zapcore.DebugLevel, msg); ce != nil {
		ce.Write(z.convertFields(fields)...)
	}
}

func (z *ZapAdapter) Info(msg string, fields ...Field) {
	if ce := z.logger.Check(zapcore.InfoLevel, msg); ce != nil {
		ce.Write(z.convertFields(fields)...)
	}
}

func (z *ZapAdapter) Warn(msg string, fields ...Field) {
	if ce := z.logger.Check(zapcore.WarnLevel, msg); ce != nil {
		ce.Write(z.convertFields(fields)...)
	}
}

func (z *ZapAdapter) Error(msg string, fields ...Field) {
	if ce := z.logger.Check(zapcore.ErrorLevel, msg); ce != nil {
		ce.Write(z.convertFields(fields)...)
	}
}

func (z *ZapAdapter) Named(name string) Logger {
	return &ZapAdapter{logger: z.logger.Named(name)}
}

// Sync flushes buffered entries.
func (z *ZapAdapter) Sync() error {
	return z.logger.Sync()
}

func (z *ZapAdapter) convertFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	zapFields := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f == nil {
			continue
		}

		switch f.Type() {
		case FieldTypeString:
			if v, ok := f.Value().(string); ok {
				zapFields = append(zapFields, zap.String(f.Key(), v))
			}
		case FieldTypeInt:
			if v, ok := f.Value().(int); ok {
				zapFields = append(zapFields, zap.Int(f.Key(), v))
			}
		case FieldTypeInt64:
			if v, ok := f.Value().(int64); ok {
				zapFields = append(zapFields, zap.Int64(f.Key(), v))
			}
		case FieldTypeFloat64:
			if v, ok := f.Value().(float64); ok {
				zapFields = append(zapFields, zap.Float64(f.Key(), v))
			}
		case FieldTypeBool:
			if v, ok := f.Value().(bool); ok {
				zapFields = append(zapFields, zap.Bool(f.Key(), v))
			}
		case FieldTypeDuration:
			if v, ok := f.Value().(time.Duration); ok {
				zapFields = append(zapFields, zap.Duration(f.Key(), v))
			}
		case FieldTypeTime:
			if v, ok := f.Value().(time.Time); ok {
				zapFields = append(zapFields, zap.Time(f.Key(), v))
			}
		case FieldTypeStrings:
			if v, ok := f.Value().([]string); ok {
				zapFields = append(zapFields, zap.Strings(f.Key(), v))
			}
		case FieldTypeError:
			if err, ok := f.Value().(error); ok && err != nil {
				zapFields = append(zapFields, zap.NamedError(f.Key(), err))
			}
		default:
			zapFields = append(zapFields, zap.Any(f.Key(), f.Value()))
		}
	}

	return zapFields
}
