// Package config builds the agent's immutable configuration once at start:
// defaults, then an optional YAML file, then APPFW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"

	// FileEnv names the optional YAML file.
	FileEnv = "APPFW_CONFIG"
	prefix  = "APPFW_"
)

type Config struct {
	StoreDriver string `yaml:"store_driver"`
	DBPath      string `yaml:"db_path"`
	DBDSN       string `yaml:"db_dsn"`

	PollInterval         time.Duration `yaml:"poll_interval"`
	ProcessLookupTimeout time.Duration `yaml:"process_lookup_timeout"`

	DetectEvery      int           `yaml:"detect_every"`
	DetectionTimeout time.Duration `yaml:"detect_timeout"`
	// DetectionWindow limits detection to recent records; 0 means all.
	DetectionWindow time.Duration `yaml:"detect_window"`
	Contamination   float64       `yaml:"contamination"`
	AnomalySeed     uint64        `yaml:"anomaly_seed"`
	AnomalyTrees    int           `yaml:"anomaly_trees"`

	ReportEndpoint string `yaml:"report_endpoint"`
	RegoPolicy     string `yaml:"rego_policy"`
	MetricsAddr    string `yaml:"metrics_addr"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogVerdicts bool   `yaml:"log_verdicts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StoreDriver:          DriverBadger,
		DBPath:               "firewall_policies.db",
		PollInterval:         60 * time.Second,
		ProcessLookupTimeout: 2 * time.Second,
		DetectEvery:          5,
		DetectionTimeout:     2 * time.Minute,
		Contamination:        0.1,
		AnomalySeed:          42,
		AnomalyTrees:         100,
		MetricsAddr:          ":9109",
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Load reads the file named by APPFW_CONFIG (if set), applies environment
// overrides and validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := Get(FileEnv, ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.StoreDriver = Get(prefix+"STORE_DRIVER", c.StoreDriver)
	c.DBPath = Get(prefix+"DB_PATH", c.DBPath)
	c.DBDSN = Get(prefix+"DB_DSN", c.DBDSN)
	c.ReportEndpoint = Get(prefix+"REPORT_ENDPOINT", c.ReportEndpoint)
	c.RegoPolicy = Get(prefix+"REGO_POLICY", c.RegoPolicy)
	c.MetricsAddr = Get(prefix+"METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = Get(prefix+"LOG_LEVEL", c.LogLevel)
	c.LogFormat = Get(prefix+"LOG_FORMAT", c.LogFormat)

	errs = append(errs,
		envDuration(prefix+"POLL_INTERVAL", &c.PollInterval),
		envDuration(prefix+"PROCESS_LOOKUP_TIMEOUT", &c.ProcessLookupTimeout),
		envDuration(prefix+"DETECT_TIMEOUT", &c.DetectionTimeout),
		envDuration(prefix+"DETECT_WINDOW", &c.DetectionWindow),
		envInt(prefix+"DETECT_EVERY", &c.DetectEvery),
		envInt(prefix+"ANOMALY_TREES", &c.AnomalyTrees),
		envFloat(prefix+"CONTAMINATION", &c.Contamination),
		envUint(prefix+"ANOMALY_SEED", &c.AnomalySeed),
		envBool(prefix+"LOG_VERDICTS", &c.LogVerdicts),
	)
	return errors.Join(errs...)
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverBadger:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path is required for the badger store"))
		}
	case DriverPostgres:
		if c.DBDSN == "" {
			errs = append(errs, errors.New("db_dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.ProcessLookupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("process_lookup_timeout must be positive, got %s", c.ProcessLookupTimeout))
	}
	if c.DetectEvery < 1 {
		errs = append(errs, fmt.Errorf("detect_every must be at least 1, got %d", c.DetectEvery))
	}
	if c.DetectionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("detect_timeout must be positive, got %s", c.DetectionTimeout))
	}
	if c.DetectionWindow < 0 {
		errs = append(errs, fmt.Errorf("detect_window must not be negative, got %s", c.DetectionWindow))
	}
	if !(c.Contamination > 0 && c.Contamination <= 0.5) {
		errs = append(errs, fmt.Errorf("contamination must be in (0, 0.5], got %v", c.Contamination))
	}
	if c.AnomalyTrees < 1 {
		errs = append(errs, fmt.Errorf("anomaly_trees must be at least 1, got %d", c.AnomalyTrees))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Get returns an environment variable or default value.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = i
	return nil
}

func envUint(key string, dst *uint64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = u
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
