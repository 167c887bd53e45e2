// Package logger builds the zap logger used by ldap-check. Logs go to
// stderr; stdout carries prompts and result lines only.
package logger

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultConfig returns the console logger config at the given level.
func DefaultConfig(level zapcore.Level) zap.Config {
	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			MessageKey:     "msg",
			NameKey:        "logger",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		DisableCaller:     true,
		DisableStacktrace: true,
	}
}

// New builds a logger at level (debug, info, warn, error) tagged with a
// fresh run_id.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	log, err := DefaultConfig(lvl).Build()
	if err != nil {
		return nil, errors.Wrap(err, "cannot build logger")
	}
	return log.With(zap.String("run_id", uuid.NewString())), nil
}
