// Package logging provides the structured logger used throughout the
// service. It wraps zap with a small set of domain-specific field
// constructors (Exchange, Pair, Price, ...) and a process-wide global
// instance so packages that don't carry an explicit *Logger can still log
// consistently.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig controls how InitLogger builds the underlying zap core.
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // "json" or "console"
	Development bool
	Output      string // file path; empty or unwritable falls back to stderr
}

// Logger wraps a zap.Logger with domain-specific helpers.
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	case "info":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitLogger builds a *Logger from the given config. An invalid or
// unwritable Output path falls back to stderr rather than failing startup;
// logging infrastructure should never itself become a ConfigError.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	writer := zapcore.AddSync(os.Stderr)
	if cfg.Output != "" {
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			writer = zapcore.AddSync(f)
		}
	}

	core := zapcore.NewCore(encoder, writer, level)
	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zl := zap.New(core, opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// InitGlobalLogger builds and installs the process-wide logger.
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger installs an already-built logger as the global instance.
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalLogger returns the process-wide logger, lazily building a
// default one (info level, JSON, stderr) if InitGlobalLogger was never
// called.
func GetGlobalLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L is a short alias for GetGlobalLogger, for call sites that just want to
// log once without holding a reference.
func L() *Logger {
	return GetGlobalLogger()
}

// With returns a child logger with the given fields attached.
func (l *Logger) With(fields ...zap.Field) *Logger {
	zl := l.Logger.With(fields...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

func (l *Logger) WithComponent(component string) *Logger { return l.With(Component(component)) }
func (l *Logger) WithExchange(exchange string) *Logger    { return l.With(Exchange(exchange)) }
func (l *Logger) WithPair(pair string) *Logger             { return l.With(Pair(pair)) }

// Sugar returns the underlying SugaredLogger for printf-style call sites.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.Logger.Sync() }

// fieldsToInterface flattens zap.Fields into alternating key/value pairs
// for use with the sugared logger's *w methods.
func fieldsToInterface(fields []zap.Field) []interface{} {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	out := make([]interface{}, 0, len(enc.Fields)*2)
	for k, v := range enc.Fields {
		out = append(out, k, v)
	}
	return out
}

// Package-level convenience functions operating on the global logger.

func Debug(msg string, fields ...zap.Field) { GetGlobalLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetGlobalLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetGlobalLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetGlobalLogger().Error(msg, fields...) }

func Debugf(format string, args ...interface{}) {
	l := GetGlobalLogger()
	l.sugar.Debugf(format, args...)
}
func Infof(format string, args ...interface{}) {
	l := GetGlobalLogger()
	l.sugar.Infof(format, args...)
}
func Warnf(format string, args ...interface{}) {
	l := GetGlobalLogger()
	l.sugar.Warnf(format, args...)
}
func Errorf(format string, args ...interface{}) {
	l := GetGlobalLogger()
	l.sugar.Errorf(format, args...)
}

// Domain field constructors.

func Exchange(name string) zap.Field  { return zap.String("exchange", name) }
func Pair(pair string) zap.Field      { return zap.String("pair", pair) }
func Price(v float64) zap.Field       { return zap.Float64("price", v) }
func Volume(v float64) zap.Field      { return zap.Float64("volume", v) }
func Spread(v float64) zap.Field      { return zap.Float64("spread", v) }
func Sequence(v int64) zap.Field      { return zap.Int64("sequence", v) }
func Latency(ms float64) zap.Field    { return zap.Float64("latency_ms", ms) }
func State(s string) zap.Field        { return zap.String("state", s) }
func RequestID(id string) zap.Field   { return zap.String("request_id", id) }
func Component(name string) zap.Field { return zap.String("component", name) }
func Fingerprint(fp string) zap.Field { return zap.String("fingerprint", fp) }

// Re-exported raw zap constructors so call sites need only import this
// package.
var (
	String  = zap.String
	Int     = zap.Int
	Int64   = zap.Int64
	Float64 = zap.Float64
	Bool    = zap.Bool
	Err     = zap.Error
	Any     = zap.Any
)
