package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv builds a logger configuration from LOG_LEVEL, LOG_FORMAT,
// ENVIRONMENT and LOG_ADD_SOURCE, applying per-environment defaults first.
func GetConfigFromEnv() Config {
	config := DefaultConfig

	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env != "" {
		config.Environment = env
	}

	switch config.Environment {
	case EnvDevelopment:
		config.Format = "text"
		config.Level = "debug"
		config.AddSource = true
	case EnvTest:
		config.Format = "text"
		config.Level = "debug"
		config.AddSource = false
	case EnvProduction:
		config.Format = "json"
		config.Level = "info"
		config.AddSource = false
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}
	return config
}

// DynamicLevelVar allows changing log level at runtime
type DynamicLevelVar struct {
	*slog.LevelVar
}

// SetFromString sets the level from a string representation.
func (d *DynamicLevelVar) SetFromString(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		d.Set(parseLevel(strings.ToLower(level)))
		return true
	}
	return false
}

// NewLoggerWithDynamicLevel creates a logger whose level can be changed
// after construction, e.g. from a config reload.
func NewLoggerWithDynamicLevel(config Config) (*Logger, *DynamicLevelVar) {
	levelVar := &slog.LevelVar{}
	levelVar.Set(parseLevel(config.Level))

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return &Logger{Logger: slog.New(handler)}, &DynamicLevelVar{LevelVar: levelVar}
}
