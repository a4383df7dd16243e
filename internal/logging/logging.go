// Package logging builds the zap loggers used by the binaries.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Level is a zap level name; empty means info.
	Level string
	// Format is "json" or "console".
	Format string
	// File, when set, receives a copy of every line.
	File string
}

// Logger pairs a logger with the level handle that controls it.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	var config zap.Config
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		config = zap.NewProductionConfig()
	case "console":
		config = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stderr"}
	if file := strings.TrimSpace(opts.File); file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, err
		}
		config.OutputPaths = append(config.OutputPaths, file)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: logger, level: config.Level}, nil
}

func ParseLevel(name string) (zapcore.Level, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(name)
}

// SetLevel changes the level of a running logger.
func (l *Logger) SetLevel(name string) error {
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	if l.level.Level() != level {
		l.level.SetLevel(level)
		l.Info("log level changed", zap.Stringer("level", level))
	}
	return nil
}

func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}
