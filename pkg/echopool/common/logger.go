package common

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger creates a production logger with the specified level.
func NewLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = level
	return config.Build()
}

// NewDefaultLogger creates a logger with Info level.
func NewDefaultLogger() (*zap.Logger, error) {
	return NewLogger(zap.NewAtomicLevelAt(zap.InfoLevel))
}

// NewLoggerFromString creates a logger from a level name such as "debug" or "warn".
func NewLoggerFromString(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return NewLogger(lvl)
}
