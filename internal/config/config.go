package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database" envPrefix:"CLASSWATCH_DB_"`
	NATS      NATSConfig      `yaml:"nats" envPrefix:"CLASSWATCH_NATS_"`
	Source    SourceConfig    `yaml:"source" envPrefix:"CLASSWATCH_SOURCE_"`
	Watcher   WatcherConfig   `yaml:"watcher" envPrefix:"CLASSWATCH_"`
	Alerts    AlertsConfig    `yaml:"alerts" envPrefix:"CLASSWATCH_ALERTS_"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"CLASSWATCH_LOG_"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver" env:"DRIVER"` // mysql, sqlite
	Host         string `yaml:"host" env:"HOST"`
	Port         int    `yaml:"port" env:"PORT"`
	User         string `yaml:"user" env:"USER"`
	Password     string `yaml:"password" env:"PASSWORD"`
	Name         string `yaml:"name" env:"NAME"`
	Path         string `yaml:"path" env:"PATH"` // sqlite only
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

type NATSConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	MaxReconnect  int           `yaml:"max_reconnect" env:"MAX_RECONNECT"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
}

type SourceConfig struct {
	Subject string        `yaml:"subject" env:"SUBJECT"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type WatcherConfig struct {
	MaxAge         time.Duration `yaml:"max_age" env:"MAX_AGE"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Workers        int           `yaml:"workers" env:"WORKERS"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"REFRESH_TIMEOUT"` // 0 means the default, negative means unbounded
}

type AlertsConfig struct {
	Subject                string `yaml:"subject" env:"SUBJECT"`
	SkipUnmodified         *bool  `yaml:"skip_unmodified"`
	NotifyFirstObservation bool   `yaml:"notify_first_observation"`
}

// ProcessorConfig configures the optional alert transformer.
type ProcessorConfig struct {
	Enabled bool            `yaml:"enabled"`
	Script  string          `yaml:"script"` // JavaScript file exporting a transform function
	Rules   []TransformRule `yaml:"rules"`
}

// TransformRule rewrites the snapshot fields of alerts matching Course/Program.
// Empty Course or Program matches everything.
type TransformRule struct {
	Course    string            `yaml:"course"`
	Program   string            `yaml:"program"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text, json
}

// SkipUnmodifiedAlerts reports whether alerts with an identical snapshot are dropped.
func (c AlertsConfig) SkipUnmodifiedAlerts() bool {
	return c.SkipUnmodified == nil || *c.SkipUnmodified
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config, applies CLASSWATCH_* environment overrides and
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 8
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Source.Subject == "" {
		c.Source.Subject = "schedule.fetch"
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 10 * time.Second
	}
	if c.Watcher.Workers == 0 {
		c.Watcher.Workers = 4
	}
	if c.Watcher.RefreshTimeout == 0 {
		c.Watcher.RefreshTimeout = 30 * time.Second
	}
	if c.Alerts.Subject == "" {
		c.Alerts.Subject = "classwatch.alerts"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for mysql")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required for mysql")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Watcher.MaxAge <= 0 {
		return fmt.Errorf("watcher.max_age must be positive")
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be positive")
	}
	if c.Watcher.Workers < 1 {
		return fmt.Errorf("watcher.workers must be at least 1")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported logging format: %s", c.Logging.Format)
	}

	return ValidateProcessor(&c.Processor)
}

// ValidateProcessor checks that the transformer configuration is consistent.
func ValidateProcessor(cfg *ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
	}

	if cfg.Script != "" && len(cfg.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules' - script takes precedence")
	}

	for i, rule := range cfg.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
		}

		if len(rule.Rename) > 0 && len(rule.Include) > 0 {
			for oldName := range rule.Rename {
				found := false
				for _, inc := range rule.Include {
					if strings.EqualFold(inc, oldName) {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("processor rule %d: rename key '%s' not found in include list", i, oldName)
				}
			}
		}
	}

	return nil
}
