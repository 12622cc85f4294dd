// Package config provides configuration loading and validation for the
// crateminer daemon: defaults, then an optional file, then
// CRATEMINER_-prefixed environment variables, then validation against
// sentinel errors, matching the teacher's layered viper setup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidWorkerCount   = errors.New("worker count must be positive")
	ErrInvalidChunkSize     = errors.New("report chunk size must be positive")
	ErrMissingIndexURL      = errors.New("index.remote_url must be set")
	ErrInvalidRetryAttempts = errors.New("ioagent.retry_attempts must be positive")
)

// Default configuration values.
const (
	defaultIndexRemoteURL  = "https://github.com/rust-lang/crates.io-index"
	defaultDataDir         = "/var/lib/crateminer"
	defaultIOWorkers       = 8
	defaultCPUWorkers      = 4
	defaultRetryAttempts   = 5
	defaultReportChunkSize = 500
	defaultBlockingTimeout = 5 * time.Minute
)

// Config holds every layer of crateminer's configuration.
type Config struct {
	DataDir         string         `mapstructure:"data_dir"`
	BlockingTimeout time.Duration  `mapstructure:"blocking_timeout"`
	Index           IndexConfig    `mapstructure:"index"`
	IOAgent         IOAgentConfig  `mapstructure:"ioagent"`
	CPUAgent        CPUAgentConfig `mapstructure:"cpuagent"`
	Report          ReportConfig   `mapstructure:"report"`
	Logging         LoggingConfig  `mapstructure:"logging"`
	Metrics         MetricsConfig  `mapstructure:"metrics"`
}

// IndexConfig configures the index-diff stage.
type IndexConfig struct {
	RemoteURL string `mapstructure:"remote_url"`
}

// IOAgentConfig configures the I/O-bound worker pool.
type IOAgentConfig struct {
	Workers        int           `mapstructure:"workers"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CPUAgentConfig configures the CPU-bound worker pool.
type CPUAgentConfig struct {
	Workers int `mapstructure:"workers"`
}

// ReportConfig configures the report stage.
type ReportConfig struct {
	ChunkSize int    `mapstructure:"chunk_size"`
	OutputDir string `mapstructure:"output_dir"`
	CacheDir  string `mapstructure:"cache_dir"`
}

// LoggingConfig holds the log level and format settings. No command reads
// it; every command logs at info level.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus exporter settings. No component reads
// it, and no exporter is started.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load builds a Config from defaults, an optional file at configPath (or the
// conventional search path if empty), and CRATEMINER_-prefixed env vars.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crateminer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crateminer")
	}

	v.SetEnvPrefix("CRATEMINER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("blocking_timeout", defaultBlockingTimeout)

	v.SetDefault("index.remote_url", defaultIndexRemoteURL)

	v.SetDefault("ioagent.workers", defaultIOWorkers)
	v.SetDefault("ioagent.retry_attempts", defaultRetryAttempts)
	v.SetDefault("ioagent.request_timeout", "2m")

	v.SetDefault("cpuagent.workers", defaultCPUWorkers)

	v.SetDefault("report.chunk_size", defaultReportChunkSize)
	v.SetDefault("report.output_dir", "reports")
	v.SetDefault("report.cache_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

func validate(cfg *Config) error {
	if cfg.IOAgent.Workers <= 0 || cfg.CPUAgent.Workers <= 0 {
		return fmt.Errorf("%w: io=%d cpu=%d", ErrInvalidWorkerCount, cfg.IOAgent.Workers, cfg.CPUAgent.Workers)
	}

	if cfg.Report.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, cfg.Report.ChunkSize)
	}

	if cfg.Index.RemoteURL == "" {
		return ErrMissingIndexURL
	}

	if cfg.IOAgent.RetryAttempts <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetryAttempts, cfg.IOAgent.RetryAttempts)
	}

	return nil
}
