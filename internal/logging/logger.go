package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	// Default to a production logger until SetGlobal is called
	globalLogger, _ = zap.NewProduction()
}

// FileConfig configures rotated file output. A zero value disables file output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New creates a new zap logger from a level string. If file.Path is set,
// output goes to a size-rotated file instead of stderr.
func New(level string, file FileConfig) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	if file.Path != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		})
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(cfg.EncoderConfig),
			sink,
			cfg.Level,
		)
		return zap.New(core, zap.AddCallerSkip(1)), nil
	}

	return cfg.Build(
		zap.AddCallerSkip(1), // Skip one level to account for our wrapper functions
	)
}

// Global returns the global logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return Global().With(fields...)
}

// Throttled wraps a rate limiter around degraded-path warnings so a dead
// backend cannot flood the log. Allows a small burst, then one line per
// interval; suppressed lines are counted, not printed.
type Throttled struct {
	limiter    *rate.Limiter
	suppressed int64
	mu         sync.Mutex
}

// NewThrottled creates a throttled warner allowing burst lines immediately
// and one line per interval after that.
func NewThrottled(perSecond float64, burst int) *Throttled {
	return &Throttled{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Warn logs the message if the limiter allows it.
func (t *Throttled) Warn(msg string, fields ...zap.Field) {
	if t.limiter.Allow() {
		t.mu.Lock()
		n := t.suppressed
		t.suppressed = 0
		t.mu.Unlock()
		if n > 0 {
			fields = append(fields, zap.Int64("suppressed", n))
		}
		Global().Warn(msg, fields...)
		return
	}
	t.mu.Lock()
	t.suppressed++
	t.mu.Unlock()
}
