package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
)

// Config holds the entire application configuration. Fields are exported so
// viper can populate them through mapstructure.
type Config struct {
	Logger     LoggerConfig            `mapstructure:"logger" yaml:"logger"`
	Database   DatabaseConfig          `mapstructure:"database" yaml:"database"`
	Cache      CacheConfig             `mapstructure:"cache" yaml:"cache"`
	Queue      QueueConfig             `mapstructure:"queue" yaml:"queue"`
	Retry      RetryConfig             `mapstructure:"retry" yaml:"retry"`
	Secrets    SecretsConfig           `mapstructure:"secrets" yaml:"secrets"`
	CLI        CLIConfig               `mapstructure:"cli" yaml:"cli"`
	Engines    map[string]EngineConfig `mapstructure:"engines" yaml:"engines"`
	Aggregator AggregatorConfig        `mapstructure:"aggregator" yaml:"aggregator"`
	Status     StatusConfig            `mapstructure:"status" yaml:"status"`
	Server     ServerConfig            `mapstructure:"server" yaml:"server"`
	Metrics    MetricsConfig           `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig selects the cache persistence backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (embedded, default) or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
	URL    string `mapstructure:"url" yaml:"url"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxSize           int           `mapstructure:"max_size" yaml:"max_size"`
	TTL               time.Duration `mapstructure:"ttl" yaml:"ttl"`
	TouchInterval     time.Duration `mapstructure:"touch_interval" yaml:"touch_interval"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	CompressThreshold int           `mapstructure:"compress_threshold" yaml:"compress_threshold"`
}

// QueueLimits bounds admission for one engine.
type QueueLimits struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	IntervalCap   int           `mapstructure:"interval_cap" yaml:"interval_cap"`
}

// QueueConfig holds default and per-engine admission limits.
type QueueConfig struct {
	Default QueueLimits            `mapstructure:"default" yaml:"default"`
	Engines map[string]QueueLimits `mapstructure:"engines" yaml:"engines"`
}

// For returns the limits for engine, falling back to the default.
func (q QueueConfig) For(engine string) QueueLimits {
	if l, ok := q.Engines[engine]; ok {
		return l
	}
	return q.Default
}

// RetryConfig configures the retry controller.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
}

// CustomPattern is an operator-supplied secret detector.
type CustomPattern struct {
	Name           string `mapstructure:"name" yaml:"name"`
	Regex          string `mapstructure:"regex" yaml:"regex"`
	Category       string `mapstructure:"category" yaml:"category"`
	Severity       string `mapstructure:"severity" yaml:"severity"`
	Description    string `mapstructure:"description" yaml:"description"`
	Recommendation string `mapstructure:"recommendation" yaml:"recommendation"`
}

// SecretsConfig configures the secret scanner.
type SecretsConfig struct {
	Enabled         bool            `mapstructure:"enabled" yaml:"enabled"`
	BlockOnDetect   bool            `mapstructure:"block_on_detect" yaml:"block_on_detect"`
	ScanOutput      bool            `mapstructure:"scan_output" yaml:"scan_output"`
	Categories      map[string]bool `mapstructure:"categories" yaml:"categories"`
	MaxInputLength  int             `mapstructure:"max_input_length" yaml:"max_input_length"`
	MaxLineLength   int             `mapstructure:"max_line_length" yaml:"max_line_length"`
	MinMatchLength  int             `mapstructure:"min_match_length" yaml:"min_match_length"`
	ExcludePatterns []string        `mapstructure:"exclude_patterns" yaml:"exclude_patterns"`
	CustomPatterns  []CustomPattern `mapstructure:"custom_patterns" yaml:"custom_patterns"`
}

// CLIConfig configures executable path validation.
type CLIConfig struct {
	SafePrefixes []string `mapstructure:"safe_prefixes" yaml:"safe_prefixes"`
	Allowlist    []string `mapstructure:"allowlist" yaml:"allowlist"`
}

// EngineConfig describes one external analysis engine.
type EngineConfig struct {
	Command string `mapstructure:"command" yaml:"command"`
	// PathEnv names the environment variable that overrides the executable path.
	PathEnv string `mapstructure:"path_env" yaml:"path_env"`
	Path    string `mapstructure:"path" yaml:"path"`
	// Args may contain {{model}} and {{reasoning_effort}} placeholders.
	Args            []string      `mapstructure:"args" yaml:"args"`
	Model           string        `mapstructure:"model" yaml:"model"`
	ReasoningEffort string        `mapstructure:"reasoning_effort" yaml:"reasoning_effort"`
	TemplateID      string        `mapstructure:"template_id" yaml:"template_id"`
	Version         string        `mapstructure:"version" yaml:"version"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RenderArgs substitutes the model placeholders.
func (e EngineConfig) RenderArgs() []string {
	r := strings.NewReplacer("{{model}}", e.Model, "{{reasoning_effort}}", e.ReasoningEffort)
	out := make([]string, len(e.Args))
	for i, a := range e.Args {
		out[i] = r.Replace(a)
	}
	return out
}

// AggregatorConfig tunes cross-engine deduplication.
type AggregatorConfig struct {
	DedupEnabled        bool    `mapstructure:"dedup_enabled" yaml:"dedup_enabled"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

// StatusConfig tunes the in-memory analysis status store.
type StatusConfig struct {
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address" yaml:"listen_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AnalyzeRateLimit caps analyze requests per second across all clients. Zero disables it.
	AnalyzeRateLimit float64 `mapstructure:"analyze_rate_limit" yaml:"analyze_rate_limit"`
	AnalyzeBurst     int     `mapstructure:"analyze_burst" yaml:"analyze_burst"`
}

// MetricsConfig configures Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// EngineNames returns the configured engine names in stable order.
func (c *Config) EngineNames() []string {
	names := make([]string, 0, len(c.Engines))
	for name := range c.Engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-review")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.scalpel-review/cache.db")

	// -- Cache --
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.touch_interval", "1m")
	v.SetDefault("cache.cleanup_interval", "1h")
	v.SetDefault("cache.compress_threshold", 16*1024)

	// -- Queue --
	v.SetDefault("queue.default.max_concurrent", 1)
	v.SetDefault("queue.default.interval", "0s")
	v.SetDefault("queue.default.interval_cap", 0)

	// -- Retry --
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.backoff_factor", 2.0)

	// -- Secrets --
	v.SetDefault("secrets.enabled", true)
	v.SetDefault("secrets.block_on_detect", false)
	v.SetDefault("secrets.scan_output", true)
	v.SetDefault("secrets.categories", map[string]bool{
		"api_key":           true,
		"token":             true,
		"credential":        true,
		"connection_string": true,
		"private_key":       true,
	})
	v.SetDefault("secrets.max_input_length", 1024*1024)
	v.SetDefault("secrets.max_line_length", 4096)
	v.SetDefault("secrets.min_match_length", 8)
	v.SetDefault("secrets.exclude_patterns", []string{`(?i)(^|/)testdata/`, `(?i)\.(lock|sum)$`})

	// -- CLI --
	v.SetDefault("cli.safe_prefixes", []string{
		"/usr/local/bin/",
		"/usr/bin/",
		"/opt/homebrew/bin/",
		"/opt/local/bin/",
		"~/.local/bin/",
		"~/.npm-global/bin/",
		"~/.volta/bin/",
		"~/.bun/bin/",
	})
	v.SetDefault("cli.allowlist", []string{})

	// -- Engines --
	v.SetDefault("engines", map[string]any{
		"codex": map[string]any{
			"command":          "codex",
			"path_env":         "CODEX_CLI_PATH",
			"args":             []string{"exec", "--model", "{{model}}", "-c", "model_reasoning_effort={{reasoning_effort}}", "-"},
			"model":            "gpt-5-codex",
			"reasoning_effort": "high",
			"template_id":      "code-review",
			"version":          "1",
			"timeout":          "10m",
		},
		"gemini": map[string]any{
			"command":     "gemini",
			"path_env":    "GEMINI_CLI_PATH",
			"args":        []string{"-m", "{{model}}"},
			"model":       "gemini-2.5-pro",
			"template_id": "code-review",
			"version":     "1",
			"timeout":     "10m",
		},
	})

	// -- Aggregator --
	v.SetDefault("aggregator.dedup_enabled", true)
	v.SetDefault("aggregator.similarity_threshold", 0.8)

	// -- Status --
	v.SetDefault("status.retention", "1h")
	v.SetDefault("status.sweep_interval", "5m")

	// -- Server --
	v.SetDefault("server.listen_address", "127.0.0.1:8787")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.analyze_rate_limit", 5.0)
	v.SetDefault("server.analyze_burst", 10)

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "scalpel_review")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

const opValidate = "config.Validate"

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Cache.Enabled && c.Database.Path == "" {
			return apperrors.Configuration(opValidate, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Cache.Enabled && c.Database.URL == "" {
			return apperrors.Configuration(opValidate, "database.url is required for the postgres driver")
		}
	default:
		return apperrors.Configuration(opValidate, "database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Cache.Enabled {
		if c.Cache.MaxSize <= 0 {
			return apperrors.Configuration(opValidate, "cache.max_size must be a positive integer")
		}
		if c.Cache.TTL <= 0 {
			return apperrors.Configuration(opValidate, "cache.ttl must be a positive duration")
		}
	}
	if err := c.Queue.Default.validate("queue.default"); err != nil {
		return err
	}
	for name, l := range c.Queue.Engines {
		if err := l.validate("queue.engines." + name); err != nil {
			return err
		}
	}
	if c.Retry.BackoffFactor < 1 {
		return apperrors.Configuration(opValidate, "retry.backoff_factor must be at least 1")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return apperrors.Configuration(opValidate, "retry delays must not be negative")
	}
	if len(c.Engines) == 0 {
		return apperrors.Configuration(opValidate, "at least one engine must be configured")
	}
	for name, e := range c.Engines {
		if e.Command == "" {
			return apperrors.Configuration(opValidate, "engines.%s.command is required", name)
		}
		if strings.ContainsAny(e.Command, `/\`) {
			return apperrors.Configuration(opValidate, "engines.%s.command must be a bare executable name", name)
		}
	}
	if c.Server.AnalyzeRateLimit < 0 || c.Server.AnalyzeBurst < 0 {
		return apperrors.Configuration(opValidate, "server analyze rate limit must not be negative")
	}
	if t := c.Aggregator.SimilarityThreshold; t <= 0 || t > 1 {
		return apperrors.Configuration(opValidate, "aggregator.similarity_threshold must be in (0, 1]")
	}
	if c.Secrets.MaxInputLength <= 0 || c.Secrets.MaxLineLength <= 0 {
		return apperrors.Configuration(opValidate, "secrets length limits must be positive")
	}
	for _, p := range c.Secrets.ExcludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return apperrors.Configuration(opValidate, "secrets.exclude_patterns entry %q does not compile: %v", p, err)
		}
	}
	return nil
}

func (l QueueLimits) validate(prefix string) error {
	if l.MaxConcurrent <= 0 {
		return apperrors.Configuration(opValidate, "%s.max_concurrent must be a positive integer", prefix)
	}
	if l.IntervalCap < 0 || l.Interval < 0 {
		return apperrors.Configuration(opValidate, "%s rate window must not be negative", prefix)
	}
	if l.IntervalCap > 0 && l.Interval <= 0 {
		return apperrors.Configuration(opValidate, "%s.interval is required when interval_cap is set", prefix)
	}
	return nil
}
