// Package logging builds the zap loggers used by the controller and by
// engines attached inside target processes.
package logging

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger's level and sinks.
type Options struct {
	// Verbose enables debug level and caller annotations.
	Verbose bool
	// Files are extra output paths besides stderr.
	Files []string
}

// New returns a console logger with coloured capital levels and no stack
// traces.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.DisableStacktrace = true
	cfg.OutputPaths = append([]string{"stderr"}, opts.Files...)

	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.DisableCaller = true
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// LogError logs err at error level under msg. Cancellation is not an error
// worth reporting and is logged at debug level instead.
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if errors.Is(err, context.Canceled) {
		logger.Debug(msg, fields...)
		return
	}
	logger.Error(msg, fields...)
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
