package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	mu      sync.RWMutex
	sugar   *zap.SugaredLogger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	initOne sync.Once
)

// Options controls how the global logger is built.
type Options struct {
	Level       Level
	Development bool
}

// initLogger installs a production JSON logger on first use so that packages
// can log before main has called Init.
func initLogger() {
	initOne.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if sugar == nil {
			sugar = build(false)
		}
	})
}

func build(development bool) *zap.SugaredLogger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = level
	cfg.DisableStacktrace = true

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Init replaces the global logger. Safe to call more than once.
func Init(opts Options) {
	initOne.Do(func() {})
	SetLevel(opts.Level)

	mu.Lock()
	defer mu.Unlock()
	if sugar != nil {
		_ = sugar.Sync()
	}
	sugar = build(opts.Development)
}

// SetLevel changes the minimum level. Unknown values map to INFO.
func SetLevel(l Level) {
	level.SetLevel(toZap(l))
}

// ParseLevel accepts "debug", "info" or "error" in any case.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(LevelDebug):
		return LevelDebug
	case string(LevelError):
		return LevelError
	default:
		return LevelInfo
	}
}

func toZap(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func Debug(msg string, kv ...any) {
	logger().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	logger().Infow(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logger().Errorw(msg, extended...)
}

// CronLogger routes robfig/cron's scheduler messages through this package.
// Routine scheduler chatter goes to Debug.
type CronLogger struct{}

func (CronLogger) Info(msg string, kv ...any) {
	logger().Debugw("cron: "+msg, kv...)
}

func (CronLogger) Error(err error, msg string, kv ...any) {
	logger().Errorw("cron: "+msg, append([]any{"err", err}, kv...)...)
}

// Sync flushes buffered entries; call before exit.
func Sync() {
	_ = logger().Sync()
}

func logger() *zap.SugaredLogger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}
