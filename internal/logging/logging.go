package logging

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Logger is the structured logging surface used across the service.
// Keep it small and focused on key/value structured events.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Sync() error                                     { return nil }

type holder struct{ l Logger }

// current holds the active Logger. It starts as a no-op so logging calls are
// safe before Init runs (tests, library use).
var current atomic.Value

func init() {
	current.Store(holder{l: noopLogger{}})
}

// ParseLevel maps a LOG_LEVEL style string onto a zap level. Unknown values
// fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init builds the global sugared logger. The level comes from level, or from
// LOG_LEVEL when level is empty. Safe to call multiple times; only the first
// call configures the logger.
func Init(level string) *zap.SugaredLogger {
	once.Do(func() {
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewExample()
		}
		// Redirect standard library logs into zap so all logs are unified.
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		current.Store(holder{l: sugar})
	})
	return sugar
}

// Sugar returns the sugared logger built by Init (nil before Init).
func Sugar() *zap.SugaredLogger { return sugar }

// SetLogger replaces the package-level logger. Passing nil restores the
// logger built by Init, or the no-op logger. Useful for tests.
func SetLogger(l Logger) {
	if l == nil {
		if sugar != nil {
			l = sugar
		} else {
			l = noopLogger{}
		}
	}
	current.Store(holder{l: l})
}

// GetLogger returns the current Logger.
func GetLogger() Logger { return current.Load().(holder).l }

func Infow(msg string, keysAndValues ...interface{}) {
	GetLogger().Infow(msg, keysAndValues...)
}

func Debugw(msg string, keysAndValues ...interface{}) {
	GetLogger().Debugw(msg, keysAndValues...)
}

func Warnw(msg string, keysAndValues ...interface{}) {
	GetLogger().Warnw(msg, keysAndValues...)
}

func Errorw(msg string, keysAndValues ...interface{}) {
	GetLogger().Errorw(msg, keysAndValues...)
}

// Sync flushes any buffered logs.
func Sync() error { return GetLogger().Sync() }

// ChannelFields returns canonical key/value pairs for a microphone channel.
func ChannelFields(channelID int, channelName string) []interface{} {
	if channelName == "" {
		return []interface{}{"channel.id", channelID}
	}
	return []interface{}{"channel.id", channelID, "channel.name", channelName}
}

// SegmentFields returns structured fields for a finalized segment. bytes is
// the raw PCM length and durationMs its computed playback length.
func SegmentFields(correlationID string, bytes int, durationMs int64) []interface{} {
	return []interface{}{"correlation_id", correlationID, "bytes", bytes, "duration_ms", durationMs}
}
