// Package config loads the agent configuration from a YAML file with
// environment overrides. Validation happens eagerly so a misconfigured agent
// fails at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/predatorx7/intakelog/pkg/consolelog"
	"github.com/predatorx7/intakelog/pkg/device"
	"github.com/predatorx7/intakelog/pkg/model"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type StoreConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

type LoggerConfig struct {
	MinLevel      string        `yaml:"min_level"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxPending    int           `yaml:"max_pending"`
}

type UploadConfig struct {
	// Endpoint is the base URL of the upload credential service. Required.
	Endpoint      string        `yaml:"endpoint"`
	ClientID      string        `yaml:"client_id"`
	SigningSecret string        `yaml:"signing_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	FetchLimit    int           `yaml:"fetch_limit"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

type Config struct {
	Listen    string            `yaml:"listen"`
	APISecret string            `yaml:"api_secret"`
	Store     StoreConfig       `yaml:"store"`
	Logger    LoggerConfig      `yaml:"logger"`
	Upload    UploadConfig      `yaml:"upload"`
	Device    device.Config     `yaml:"device"`
	Console   consolelog.Config `yaml:"console"`
}

// Default returns the configuration used for anything the file and the
// environment leave unset.
func Default() Config {
	return Config{
		Listen: "127.0.0.1:8090",
		Store: StoreConfig{
			Dir:           "./data/logs",
			RetentionDays: 14,
		},
		Logger: LoggerConfig{
			MinLevel:      "DEBUG",
			BatchSize:     50,
			FlushInterval: 30 * time.Second,
			MaxPending:    10000,
		},
		Upload: UploadConfig{
			ClientID:    "intake-agent",
			Timeout:     30 * time.Second,
			FetchLimit:  500,
			MaxAttempts: 10,
			Burst:       1,
		},
		Console: consolelog.Config{Level: "info"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from INTAKELOG_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("INTAKELOG_LISTEN", &c.Listen)
	str("INTAKELOG_API_SECRET", &c.APISecret)
	str("INTAKELOG_STORE_DIR", &c.Store.Dir)
	str("INTAKELOG_MIN_LEVEL", &c.Logger.MinLevel)
	str("INTAKELOG_UPLOAD_ENDPOINT", &c.Upload.Endpoint)
	str("INTAKELOG_CLIENT_ID", &c.Upload.ClientID)
	str("INTAKELOG_SIGNING_SECRET", &c.Upload.SigningSecret)
	str("INTAKELOG_DEVICE_NAME", &c.Device.Name)
	str("INTAKELOG_CONSOLE_LEVEL", &c.Console.Level)

	if v, ok := lookup("INTAKELOG_FLUSH_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: INTAKELOG_FLUSH_INTERVAL: %v", ErrInvalid, err)
		}
		c.Logger.FlushInterval = d
	}
	if v, ok := lookup("INTAKELOG_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: INTAKELOG_BATCH_SIZE: %v", ErrInvalid, err)
		}
		c.Logger.BatchSize = n
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Upload.Endpoint) == "" {
		return fmt.Errorf("%w: upload.endpoint is required", ErrInvalid)
	}
	if _, err := model.ParseLevel(c.Logger.MinLevel); err != nil {
		return fmt.Errorf("%w: logger.min_level: %v", ErrInvalid, err)
	}
	if c.Logger.BatchSize <= 0 {
		return fmt.Errorf("%w: logger.batch_size must be greater than 0", ErrInvalid)
	}
	if c.Logger.FlushInterval <= 0 {
		return fmt.Errorf("%w: logger.flush_interval must be greater than 0", ErrInvalid)
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("%w: store.dir is required", ErrInvalid)
	}
	if c.Upload.RatePerSecond < 0 {
		return fmt.Errorf("%w: upload.rate_per_second must not be negative", ErrInvalid)
	}
	return nil
}

// MinLevel returns the parsed minimum level. Call after Validate.
func (c Config) MinLevel() model.Level {
	l, _ := model.ParseLevel(c.Logger.MinLevel)
	return l
}
