package observability

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	base *zap.Logger
}

// NewLogger builds a JSON logger on stdout. Development environments also get
// debug-level output.
func NewLogger(environment string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	if environment == "development" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	base, err := cfg.Build()
	if err != nil {
		return &Logger{base: zap.NewNop()}
	}
	return &Logger{base: base}
}

func NewLoggerFromZap(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base}
}

func NewNopLogger() *Logger {
	return &Logger{base: zap.NewNop()}
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write(zapcore.InfoLevel, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write(zapcore.WarnLevel, message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write(zapcore.ErrorLevel, message, fields)
}

func (l *Logger) Sync() {
	if l == nil || l.base == nil {
		return
	}
	_ = l.base.Sync()
}

func (l *Logger) write(level zapcore.Level, message string, fields map[string]any) {
	if l == nil || l.base == nil {
		return
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zapFields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		zapFields = append(zapFields, zap.Any(k, fields[k]))
	}

	l.base.Log(level, message, zapFields...)
}
