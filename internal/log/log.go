package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Package log is a thin facade over zap. Call sites stay in the
// message-plus-key/value form:
//
//	appLog.Info("feed fetch success", "id", src.ID, "status", resp.StatusCode)
//	appLog.Error("feed fetch failed", err, "id", src.ID)
//
// which maps 1:1 onto zap's sugared *w methods.

var (
	mu    sync.RWMutex
	sugar = mustDefault()
)

// mustDefault builds the pre-Init logger: console encoding, info level,
// stderr. Used until main calls Init with the configured settings.
func mustDefault() *zap.SugaredLogger {
	l, err := build("info", "console")
	if err != nil {
		// The default settings are static; Build cannot fail on them.
		panic(fmt.Sprintf("log: default logger: %v", err))
	}
	return l
}

// Init reconfigures the global logger.
//
//   - level:  "debug", "info", "warn" or "error".
//   - format: "console" or "json".
func Init(level, format string) error {
	l, err := build(level, format)
	if err != nil {
		return err
	}
	mu.Lock()
	old := sugar
	sugar = l
	mu.Unlock()
	_ = old.Sync()
	return nil
}

func build(level, format string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log: invalid level %q: %w", level, err)
	}

	switch format {
	case "console", "json":
	case "":
		format = "console"
	default:
		return nil, fmt.Errorf("log: invalid format %q (want console or json)", format)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = format
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	if format == "console" {
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debug(msg string, kv ...any) {
	current().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	current().Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	current().Warnw(msg, kv...)
}

// Error logs msg at error level. The error is prepended into the
// key-value list under the "err" key, matching the Info/Warn shape.
func Error(msg string, err error, kv ...any) {
	extended := append([]any{"err", err}, kv...)
	current().Errorw(msg, extended...)
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = current().Sync()
}
