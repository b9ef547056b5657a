// Package logging provides the gateway's zap-based structured logger,
// with optional lumberjack file rotation when logs are written to disk.
package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	globalLogger, _ = zap.NewProduction()
}

// Config holds parameters for creating a logger.
type Config struct {
	Level      string // "debug", "info", "warn", "error"
	Output     string // "stdout", "stderr", or file path
	MaxSize    int    // max megabytes before rotation
	MaxBackups int    // old rotated files to keep
	MaxAge     int    // days to retain old files
	Compress   bool   // gzip rotated files
}

// New creates a zap logger from a Config. When Output is a file path the
// returned io.Closer must be closed on shutdown; for stdout/stderr it is nil.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	var lvl zapcore.Level
	switch cfg.Level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var ws zapcore.WriteSyncer
	var closer io.Closer

	switch cfg.Output {
	case "", "stdout":
		ws = zapcore.AddSync(os.Stdout)
	case "stderr":
		ws = zapcore.AddSync(os.Stderr)
	default:
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		ws = zapcore.AddSync(lj)
		closer = lj
	}

	core := zapcore.NewCore(encoder, ws, lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return logger, closer, nil
}

// Global returns the process-wide logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

func Info(msg string, fields ...zap.Field)  { Global().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Global().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Global().Error(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { Global().Debug(msg, fields...) }

// With returns a child logger carrying the given fields.
func With(fields ...zap.Field) *zap.Logger {
	return Global().With(fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = Global().Sync()
}
