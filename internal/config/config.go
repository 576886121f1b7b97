package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const (
	envPrefix  = "DVF"
	envFileKey = "DVF_CONFIG_FILE"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Data     DataConfig     `yaml:"data" envconfig:"DATA"`
	Prepare  PrepareConfig  `yaml:"prepare" envconfig:"PREPARE"`
	Logger   LoggerConfig   `yaml:"logger" envconfig:"LOG"`
	Tracing  TracingConfig  `yaml:"tracing" envconfig:"TRACING"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST" default:"localhost"`
	Port            int           `yaml:"port" envconfig:"PORT" default:"8084"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DataConfig locates the yearly DVF exports and their cache.
type DataConfig struct {
	Dir           string `yaml:"dir" envconfig:"DIR" default:"data"`
	CacheDir      string `yaml:"cache_dir" envconfig:"CACHE_DIR"`
	Pattern       string `yaml:"pattern" envconfig:"PATTERN" default:"75_*.csv"`
	ForceRebuild  bool   `yaml:"force_rebuild" envconfig:"FORCE_REBUILD" default:"false"`
	Workers       int    `yaml:"workers" envconfig:"WORKERS" default:"4"`
	ExpectedYears []int  `yaml:"expected_years" envconfig:"EXPECTED_YEARS" default:"2020,2021,2022,2023,2024"`
}

// PrepareConfig tunes the feature preparer. BandQuantiles > 1 replaces the fixed edges.
type PrepareConfig struct {
	BandEdges      []float64 `yaml:"band_edges" envconfig:"BAND_EDGES" default:"8000,10000,12000,14000"`
	BandLabels     []string  `yaml:"band_labels" envconfig:"BAND_LABELS" default:"<8k,8–10k,10–12k,12–14k,14k+"`
	BandQuantiles  int       `yaml:"band_quantiles" envconfig:"BAND_QUANTILES" default:"0"`
	MinPricePerSqm float64   `yaml:"min_price_per_sqm" envconfig:"MIN_PRICE_PER_SQM" default:"1000"`
	MaxPricePerSqm float64   `yaml:"max_price_per_sqm" envconfig:"MAX_PRICE_PER_SQM" default:"50000"`
}

type LoggerConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json"`
}

type TracingConfig struct {
	Exporter    string `yaml:"exporter" envconfig:"EXPORTER" default:"none"`
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME" default:"dvf-dashboard"`
}

type SecurityConfig struct {
	EnableRateLimit bool     `yaml:"enable_rate_limit" envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RateLimitRPS    int      `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst  int      `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"10"`
	AllowedOrigins  []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8084"`
	TrustedProxies  []string `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES" default:"127.0.0.1"`
}

// Load reads DVF_* environment variables over the defaults, then applies the
// YAML file named by DVF_CONFIG_FILE, if any, on top.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if path := os.Getenv(envFileKey); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.Data.CacheDir == "" {
		cfg.Data.CacheDir = filepath.Join(cfg.Data.Dir, ".cache")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Data.Dir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	if c.Data.Pattern == "" {
		return fmt.Errorf("data file pattern cannot be empty")
	}
	if _, err := filepath.Match(c.Data.Pattern, ""); err != nil {
		return fmt.Errorf("invalid data file pattern %q: %w", c.Data.Pattern, err)
	}

	if c.Data.Workers <= 0 {
		return fmt.Errorf("data workers must be positive")
	}

	if c.Prepare.BandQuantiles == 1 || c.Prepare.BandQuantiles < 0 {
		return fmt.Errorf("band quantiles must be 0 or greater than 1, got %d", c.Prepare.BandQuantiles)
	}

	if c.Prepare.BandQuantiles == 0 {
		if !slices.IsSorted(c.Prepare.BandEdges) {
			return fmt.Errorf("band edges must be ascending")
		}
		if len(c.Prepare.BandLabels) != len(c.Prepare.BandEdges)+1 {
			return fmt.Errorf("%d band edges need %d labels, got %d",
				len(c.Prepare.BandEdges), len(c.Prepare.BandEdges)+1, len(c.Prepare.BandLabels))
		}
	}

	if c.Prepare.MinPricePerSqm < 0 || c.Prepare.MaxPricePerSqm < 0 {
		return fmt.Errorf("plausible price bounds cannot be negative")
	}
	if c.Prepare.MaxPricePerSqm > 0 && c.Prepare.MinPricePerSqm > c.Prepare.MaxPricePerSqm {
		return fmt.Errorf("min price per sqm %g exceeds max %g", c.Prepare.MinPricePerSqm, c.Prepare.MaxPricePerSqm)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.Logger.Level) {
		return fmt.Errorf("invalid log level %q, must be one of: %s", c.Logger.Level, strings.Join(validLogLevels, ", "))
	}

	validLogFormats := []string{"json", "text"}
	if !slices.Contains(validLogFormats, c.Logger.Format) {
		return fmt.Errorf("invalid log format %q, must be one of: %s", c.Logger.Format, strings.Join(validLogFormats, ", "))
	}

	validExporters := []string{"none", "stdout"}
	if !slices.Contains(validExporters, c.Tracing.Exporter) {
		return fmt.Errorf("invalid tracing exporter %q, must be one of: %s", c.Tracing.Exporter, strings.Join(validExporters, ", "))
	}

	if c.Security.RateLimitRPS <= 0 {
		return fmt.Errorf("rate limit RPS must be positive")
	}

	if c.Security.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit burst must be positive")
	}

	return nil
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
