// Package config provides configuration management for docfold.
// It loads configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Verbosity represents the output verbosity level
type Verbosity string

const (
	// VerbosityNormal shows only essential output
	VerbosityNormal Verbosity = "normal"
	// VerbosityVerbose includes step descriptions and timing
	VerbosityVerbose Verbosity = "verbose"
	// VerbosityDebug provides full debug logging
	VerbosityDebug Verbosity = "debug"
)

// Generation provider names accepted by DOCFOLD_GEN_PROVIDER.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderStatic    = "static"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	// Enabled controls whether the HTTP server is started alongside
	// one-shot CLI runs
	Enabled bool

	// Port is the HTTP server port
	Port int

	// ShutdownTimeout is the grace period for in-flight requests on shutdown
	ShutdownTimeout time.Duration
}

// StoreConfig holds run store configuration
type StoreConfig struct {
	// Capacity is the maximum number of run records kept in memory.
	// The oldest-created record is evicted when the cap is exceeded.
	Capacity int
}

// RelayConfig holds stream relay configuration
type RelayConfig struct {
	// UpstreamURL points the relay at a remote generation backend.
	// When empty, the embedded engine serves as the upstream.
	UpstreamURL string

	// IdleTimeout is the maximum gap between upstream chunks before the
	// relay abandons the stream and fails the run
	IdleTimeout time.Duration
}

// GenerateConfig holds generation client configuration
type GenerateConfig struct {
	// Provider selects the generation backend: anthropic, openai, or static
	Provider string

	// Model is the provider model identifier; empty selects the
	// provider's default
	Model string

	// Temperature controls generation randomness (0 to 2)
	Temperature float64

	// MaxTokens caps the response length per generation call
	MaxTokens int

	// APIKey overrides the provider SDK's own environment lookup
	APIKey string

	// Timeout bounds a single generation call
	Timeout time.Duration
}

// Config holds all configuration for docfold
type Config struct {
	// OutputDir is where one-shot CLI runs write the generated document.
	// Empty writes to stdout only.
	OutputDir string

	// Verbosity controls output level
	Verbosity Verbosity

	// ShowProgress controls whether run progress is printed during
	// one-shot CLI generation
	ShowProgress bool

	// TemplatesDir overrides the embedded artifact templates
	TemplatesDir string

	// Store holds run store configuration
	Store StoreConfig

	// Relay holds stream relay configuration
	Relay RelayConfig

	// Generate holds generation client configuration
	Generate GenerateConfig

	// Server holds HTTP server configuration
	Server ServerConfig
}

// New creates a new Config instance from environment variables
func New() (*Config, error) {
	cfg := &Config{}

	// Load OutputDir - defaults to empty (stdout only)
	outputDir, exists := os.LookupEnv("DOCFOLD_OUTPUT_DIR")
	if exists {
		if outputDir == "" {
			return nil, fmt.Errorf("DOCFOLD_OUTPUT_DIR cannot be empty")
		}
		if !filepath.IsAbs(outputDir) {
			return nil, fmt.Errorf("DOCFOLD_OUTPUT_DIR must be an absolute path, got: %s", outputDir)
		}
		cfg.OutputDir = outputDir
	}

	// Load Verbosity - defaults to normal
	verbosity := os.Getenv("DOCFOLD_VERBOSITY")
	if verbosity == "" {
		cfg.Verbosity = VerbosityNormal
	} else {
		switch Verbosity(verbosity) {
		case VerbosityNormal, VerbosityVerbose, VerbosityDebug:
			cfg.Verbosity = Verbosity(verbosity)
		default:
			return nil, fmt.Errorf("DOCFOLD_VERBOSITY must be one of: normal, verbose, debug; got: %s", verbosity)
		}
	}

	// Load ShowProgress - defaults to true
	showProgress, err := parseBoolEnv("DOCFOLD_SHOW_PROGRESS", true)
	if err != nil {
		return nil, err
	}
	cfg.ShowProgress = showProgress

	// Load TemplatesDir - defaults to empty (embedded templates)
	templatesDir := os.Getenv("DOCFOLD_TEMPLATES_DIR")
	if templatesDir != "" && !filepath.IsAbs(templatesDir) {
		return nil, fmt.Errorf("DOCFOLD_TEMPLATES_DIR must be an absolute path, got: %s", templatesDir)
	}
	cfg.TemplatesDir = templatesDir

	// Load Store configuration
	cfg.Store = StoreConfig{}

	// Load Store.Capacity - defaults to 50
	capacityStr := os.Getenv("DOCFOLD_RUN_CAPACITY")
	if capacityStr == "" {
		cfg.Store.Capacity = 50
	} else {
		capacity, err := strconv.Atoi(capacityStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DOCFOLD_RUN_CAPACITY: %w", err)
		}
		if capacity <= 0 {
			return nil, fmt.Errorf("DOCFOLD_RUN_CAPACITY must be positive, got: %d", capacity)
		}
		cfg.Store.Capacity = capacity
	}

	// Load Relay configuration
	cfg.Relay = RelayConfig{}

	// Load Relay.UpstreamURL - defaults to empty (embedded engine)
	cfg.Relay.UpstreamURL = os.Getenv("DOCFOLD_UPSTREAM_URL")

	// Load Relay.IdleTimeout - defaults to 300 seconds
	idleTimeoutStr := os.Getenv("DOCFOLD_STREAM_IDLE_TIMEOUT")
	if idleTimeoutStr == "" {
		cfg.Relay.IdleTimeout = 300 * time.Second
	} else {
		idleTimeoutSecs, err := strconv.Atoi(idleTimeoutStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DOCFOLD_STREAM_IDLE_TIMEOUT: %w", err)
		}
		if idleTimeoutSecs <= 0 {
			return nil, fmt.Errorf("DOCFOLD_STREAM_IDLE_TIMEOUT must be positive, got: %d", idleTimeoutSecs)
		}
		cfg.Relay.IdleTimeout = time.Duration(idleTimeoutSecs) * time.Second
	}

	// Load Generate configuration
	cfg.Generate = GenerateConfig{}

	// Load Generate.Provider - defaults to anthropic
	provider := os.Getenv("DOCFOLD_GEN_PROVIDER")
	if provider == "" {
		cfg.Generate.Provider = ProviderAnthropic
	} else {
		switch provider {
		case ProviderAnthropic, ProviderOpenAI, ProviderStatic:
			cfg.Generate.Provider = provider
		default:
			return nil, fmt.Errorf("DOCFOLD_GEN_PROVIDER must be one of: anthropic, openai, static; got: %s", provider)
		}
	}

	// Load Generate.Model - defaults to empty (provider default)
	cfg.Generate.Model = os.Getenv("DOCFOLD_GEN_MODEL")

	// Load Generate.Temperature - defaults to 0.7
	temperatureStr := os.Getenv("DOCFOLD_GEN_TEMPERATURE")
	if temperatureStr == "" {
		cfg.Generate.Temperature = 0.7
	} else {
		temperature, err := strconv.ParseFloat(temperatureStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DOCFOLD_GEN_TEMPERATURE: %w", err)
		}
		if temperature < 0 || temperature > 2 {
			return nil, fmt.Errorf("DOCFOLD_GEN_TEMPERATURE must be between 0 and 2, got: %g", temperature)
		}
		cfg.Generate.Temperature = temperature
	}

	// Load Generate.MaxTokens - defaults to 4096
	maxTokensStr := os.Getenv("DOCFOLD_GEN_MAX_TOKENS")
	if maxTokensStr == "" {
		cfg.Generate.MaxTokens = 4096
	} else {
		maxTokens, err := strconv.Atoi(maxTokensStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DOCFOLD_GEN_MAX_TOKENS: %w", err)
		}
		if maxTokens <= 0 {
			return nil, fmt.Errorf("DOCFOLD_GEN_MAX_TOKENS must be positive, got: %d", maxTokens)
		}
		cfg.Generate.MaxTokens = maxTokens
	}

	// Load Generate.APIKey - defaults to empty (provider SDK env lookup)
	cfg.Generate.APIKey = os.Getenv("DOCFOLD_GEN_API_KEY")

	// Load Generate.Timeout - defaults to 120 seconds
	genTimeoutStr := os.Getenv("DOCFOLD_GEN_TIMEOUT")
	if genTimeoutStr == "" {
		cfg.Generate.Timeout = 120 * time.Second
	} else {
		genTimeoutSecs, err := strconv.Atoi(genTimeoutStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DOCFOLD_GEN_TIMEOUT: %w", err)
		}
		if genTimeoutSecs <= 0 {
			return nil, fmt.Errorf("DOCFOLD_GEN_TIMEOUT must be positive, got: %d", genTimeoutSecs)
		}
		cfg.Generate.Timeout = time.Duration(genTimeoutSecs) * time.Second
	}

	// Load Server configuration
	cfg.Server = ServerConfig{}

	// Load Server.Enabled - defaults to false
	serverEnabled, err := parseBoolEnv("DOCFOLD_HTTP_ENABLED", false)
	if err != nil {
		return nil, err
	}
	cfg.Server.Enabled = serverEnabled

	// Load Server.Port - defaults to 4180
	httpPortStr := os.Getenv("DOCFOLD_HTTP_PORT")
	if httpPortStr == "" {
		cfg.Server.Port = 4180
	} else {
		httpPort, err := parsePort(httpPortStr)
		if err != nil {
			return nil, fmt.Errorf("DOCFOLD_HTTP_PORT %s", err)
		}
		cfg.Server.Port = httpPort
	}

	// Load Server.ShutdownTimeout - defaults to 5 seconds
	shutdownTimeoutStr := os.Getenv("DOCFOLD_SHUTDOWN_TIMEOUT")
	if shutdownTimeoutStr == "" {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	} else {
		shutdownTimeoutSecs, err := strconv.Atoi(shutdownTimeoutStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DOCFOLD_SHUTDOWN_TIMEOUT: %w", err)
		}
		if shutdownTimeoutSecs <= 0 {
			return nil, fmt.Errorf("DOCFOLD_SHUTDOWN_TIMEOUT must be positive, got: %d", shutdownTimeoutSecs)
		}
		cfg.Server.ShutdownTimeout = time.Duration(shutdownTimeoutSecs) * time.Second
	}

	return cfg, nil
}

// IsVerbose returns true if verbosity is verbose or debug
func (c *Config) IsVerbose() bool {
	return c.Verbosity == VerbosityVerbose || c.Verbosity == VerbosityDebug
}

// IsDebug returns true if verbosity is debug
func (c *Config) IsDebug() bool {
	return c.Verbosity == VerbosityDebug
}

// LogLevelExplicit reports whether DOCFOLD_LOG_LEVEL was set directly,
// in which case verbosity flags must not override it
func (c *Config) LogLevelExplicit() bool {
	return os.Getenv("DOCFOLD_LOG_LEVEL") != ""
}

// parseBoolEnv parses a boolean environment variable with a default value
func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	switch value {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be true or false, got: %s", key, value)
	}
}

// parsePort parses and validates a port number string
func parsePort(portStr string) (int, error) {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port number: %s", portStr)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("must be between 1 and 65535, got: %d", port)
	}
	return port, nil
}
