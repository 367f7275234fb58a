package logger

import (
	"os"
	"strings"
)

// Config holds logger configuration
type Config struct {
	Level      Level
	Format     string // "console" or "json"
	Caller     bool   // Include caller information
	Stacktrace string // Level at which to include stack traces
	Sampling   bool   // Enable sampling for high-frequency logs
}

// ConfigFromEnv creates a logger configuration from environment variables
func ConfigFromEnv() *Config {
	cfg := &Config{
		Level:      InfoLevel,
		Format:     "console",
		Caller:     false,
		Stacktrace: "panic",
		Sampling:   false,
	}

	levelStr := os.Getenv("DOCFOLD_LOG_LEVEL")
	if levelStr == "" {
		// DOCFOLD_VERBOSITY is the CLI-facing knob; it only raises the level
		switch os.Getenv("DOCFOLD_VERBOSITY") {
		case "debug":
			levelStr = "debug"
		case "verbose":
			levelStr = "info"
		}
	}
	if levelStr != "" {
		cfg.Level = LevelFromString(levelStr)
	}

	if format := os.Getenv("DOCFOLD_LOG_FORMAT"); format != "" {
		cfg.Format = strings.ToLower(format)
	}

	cfg.Caller = os.Getenv("DOCFOLD_LOG_CALLER") == "true"

	if stacktrace := os.Getenv("DOCFOLD_LOG_STACKTRACE"); stacktrace != "" {
		cfg.Stacktrace = strings.ToLower(stacktrace)
	}

	cfg.Sampling = os.Getenv("DOCFOLD_LOG_SAMPLING") == "true"

	return cfg
}

// IsDevelopment returns true if the logger is configured for development mode
func (c *Config) IsDevelopment() bool {
	return c.Format == "console"
}
