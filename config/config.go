package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"polyflow/models"
)

type Config struct {
	Polyflow   PolyflowConfig    `yaml:"polyflow"`
	Markets    []MarketConfig    `yaml:"markets"`
	Thresholds []ThresholdConfig `yaml:"thresholds"`
	Poller     PollerConfig      `yaml:"poller"`
	Channels   ChannelsConfig    `yaml:"channels"`
	Sink       SinkConfig        `yaml:"sink"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

type PolyflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// MarketConfig is one entry of the market registry. All three fields are
// required; there are no silent defaults for registry entries.
type MarketConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

// ThresholdConfig is a named sum cutoff. Values are kept as strings in the
// file and parsed as decimals so "0.95" stays exactly 0.95.
type ThresholdConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type PollerConfig struct {
	Interval       time.Duration        `yaml:"interval"`
	Timeout        time.Duration        `yaml:"timeout"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type ChannelsConfig struct {
	QuoteBuffer       int `yaml:"quote_buffer"`
	ObservationBuffer int `yaml:"observation_buffer"`
}

type SinkConfig struct {
	CSV CSVSinkConfig `yaml:"csv"`
	S3  S3SinkConfig  `yaml:"s3"`
}

// CSVSinkConfig configures the durable flat-file backend. The CSV sink is
// mandatory; disabling it is a configuration error.
type CSVSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// S3SinkConfig configures the optional remote backend. Remote writes are
// best-effort and never block the durable sink.
type S3SinkConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	Format          string        `yaml:"format"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

const (
	defaultInterval      = 5 * time.Second
	defaultTimeout       = 3 * time.Second
	defaultQuoteBuffer   = 100
	defaultObsBuffer     = 100
	defaultCSVPath       = "data/observations.csv"
	defaultFlushInterval = time.Minute
)

// defaultThresholds mirrors the primary/secondary/tertiary trio used when
// the file does not configure its own cutoffs.
func defaultThresholds() []ThresholdConfig {
	return []ThresholdConfig{
		{Name: "primary", Value: "1.00"},
		{Name: "secondary", Value: "0.95"},
		{Name: "tertiary", Value: "0.90"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Sink: SinkConfig{
			CSV: CSVSinkConfig{Enabled: true},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override S3 settings from environment variables if available
	if config.Sink.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sink.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sink.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sink.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Sink.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Sink.S3.Bucket = strings.TrimSpace(config.Sink.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = defaultThresholds()
	}
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = defaultInterval
	}
	if cfg.Poller.Timeout == 0 {
		cfg.Poller.Timeout = defaultTimeout
	}
	if cfg.Channels.QuoteBuffer == 0 {
		cfg.Channels.QuoteBuffer = defaultQuoteBuffer
	}
	if cfg.Channels.ObservationBuffer == 0 {
		cfg.Channels.ObservationBuffer = defaultObsBuffer
	}
	if cfg.Sink.CSV.Path == "" {
		cfg.Sink.CSV.Path = defaultCSVPath
	}
	if cfg.Sink.S3.FlushInterval == 0 {
		cfg.Sink.S3.FlushInterval = defaultFlushInterval
	}
	if cfg.Sink.S3.Format == "" {
		cfg.Sink.S3.Format = "csv"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Polyflow.Name == "" {
		return fmt.Errorf("polyflow.name is required")
	}
	if cfg.Polyflow.Version == "" {
		return fmt.Errorf("polyflow.version is required")
	}

	if len(cfg.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	seen := make(map[string]struct{}, len(cfg.Markets))
	for i, m := range cfg.Markets {
		if m.ID == "" {
			return fmt.Errorf("markets[%d].id is required", i)
		}
		if m.Name == "" {
			return fmt.Errorf("markets[%d].name is required", i)
		}
		if m.Endpoint == "" {
			return fmt.Errorf("markets[%d].endpoint is required", i)
		}
		u, err := url.Parse(m.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("markets[%d].endpoint %q is not a valid http(s) URL", i, m.Endpoint)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate market id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	names := make(map[string]struct{}, len(cfg.Thresholds))
	for i, t := range cfg.Thresholds {
		if t.Name == "" {
			return fmt.Errorf("thresholds[%d].name is required", i)
		}
		if _, dup := names[t.Name]; dup {
			return fmt.Errorf("duplicate threshold name %q", t.Name)
		}
		names[t.Name] = struct{}{}
		d, err := decimal.NewFromString(t.Value)
		if err != nil {
			return fmt.Errorf("thresholds[%d].value %q is not a decimal", i, t.Value)
		}
		if !d.IsPositive() {
			return fmt.Errorf("thresholds[%d].value must be positive", i)
		}
	}

	if cfg.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than 0")
	}
	if cfg.Poller.Timeout <= 0 {
		return fmt.Errorf("poller.timeout must be greater than 0")
	}
	if cfg.Poller.Timeout >= cfg.Poller.Interval {
		return fmt.Errorf("poller.timeout must be shorter than poller.interval")
	}

	if cfg.Channels.QuoteBuffer <= 0 {
		return fmt.Errorf("channels.quote_buffer must be greater than 0")
	}
	if cfg.Channels.ObservationBuffer <= 0 {
		return fmt.Errorf("channels.observation_buffer must be greater than 0")
	}

	if !cfg.Sink.CSV.Enabled {
		return fmt.Errorf("sink.csv is the durable backend and must be enabled")
	}
	if cfg.Sink.CSV.Path == "" {
		return fmt.Errorf("sink.csv.path is required")
	}

	if cfg.Sink.S3.Enabled {
		if cfg.Sink.S3.Bucket == "" {
			return fmt.Errorf("sink.s3.bucket is required when S3 is enabled")
		}
		if cfg.Sink.S3.Region == "" {
			return fmt.Errorf("sink.s3.region is required when S3 is enabled")
		}
		if cfg.Sink.S3.AccessKeyID == "" || cfg.Sink.S3.SecretAccessKey == "" {
			return fmt.Errorf("sink.s3.access_key_id and sink.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Sink.S3.Bucket) {
			return fmt.Errorf("sink.s3.bucket '%s' is invalid", cfg.Sink.S3.Bucket)
		}
		switch cfg.Sink.S3.Format {
		case "csv", "parquet":
		default:
			return fmt.Errorf("sink.s3.format must be 'csv' or 'parquet', got '%s'", cfg.Sink.S3.Format)
		}
		if cfg.Sink.S3.FlushInterval <= 0 {
			return fmt.Errorf("sink.s3.flush_interval must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]+[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

// Registry converts the configured markets into the immutable registry used
// by the rest of the process.
func (c *Config) Registry() []models.Market {
	markets := make([]models.Market, 0, len(c.Markets))
	for _, m := range c.Markets {
		markets = append(markets, models.Market{ID: m.ID, Name: m.Name, Endpoint: m.Endpoint})
	}
	return markets
}

// ThresholdSet parses the configured cutoffs in order. validateConfig has
// already checked parseability, so errors here indicate a programming bug.
func (c *Config) ThresholdSet() (models.ThresholdSet, error) {
	cutoffs := make([]models.Threshold, 0, len(c.Thresholds))
	for _, t := range c.Thresholds {
		th, err := models.NewThreshold(t.Name, t.Value)
		if err != nil {
			return nil, err
		}
		cutoffs = append(cutoffs, th)
	}
	return models.NewThresholdSet(cutoffs)
}
