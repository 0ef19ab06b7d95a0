// Package logging builds the kernel's zap loggers.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/luxkernel/internal/config"
)

// New builds the kernel logger. It writes JSON to stdout and, when a log
// file is configured, to that file with error output mirrored to <file>.error.
// It never fails: a broken configuration degrades to zap.NewProduction, then Nop.
func New(cfg config.LoggingConfig) *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err == nil {
			zc.OutputPaths = append(zc.OutputPaths, cfg.File)
			zc.ErrorOutputPaths = append(zc.ErrorOutputPaths, cfg.File+".error")
		}
	}

	logger, err := zc.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, err = zap.NewProduction()
		if err != nil {
			return zap.NewNop()
		}
	}
	return logger
}

// ParseLevel maps the configured level name onto a zap level.
// "warning" and "critical" are accepted; critical logs at error level.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error", "critical":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Critical logs msg at error level tagged critical=true.
func Critical(l *zap.Logger, msg string, fields ...zap.Field) {
	l.Error(msg, append(fields, zap.Bool("critical", true))...)
}

// Fallback returns a logger that writes only to stderr.
// Used when the configured logger can no longer be trusted.
func Fallback() *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(enc),
		zapcore.Lock(os.Stderr),
		zapcore.DebugLevel,
	)
	return zap.New(core).With(zap.Bool("fallback", true))
}
