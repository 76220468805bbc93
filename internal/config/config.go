// Package config loads the supervisor configuration: YAML file first,
// then environment overrides for the settings that differ per deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Poll     PollConfig     `yaml:"poll"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	// Addr empty means the in-process event bus.
	Addr string `yaml:"addr"`
}

type PollConfig struct {
	IntervalMs   int `yaml:"interval_ms"`
	TimeoutMs    int `yaml:"timeout_ms"`
	BackoffMinMs int `yaml:"backoff_min_ms"`
	BackoffMaxMs int `yaml:"backoff_max_ms"`
}

type ScheduleConfig struct {
	IntervalS int `yaml:"interval_s"`
}

type CleanupConfig struct {
	IntervalS   int `yaml:"interval_s"`
	WriteGraceS int `yaml:"write_grace_s"`
	AlarmGraceS int `yaml:"alarm_grace_s"`
}

func (p PollConfig) Interval() time.Duration   { return time.Duration(p.IntervalMs) * time.Millisecond }
func (p PollConfig) Timeout() time.Duration    { return time.Duration(p.TimeoutMs) * time.Millisecond }
func (p PollConfig) BackoffMin() time.Duration { return time.Duration(p.BackoffMinMs) * time.Millisecond }
func (p PollConfig) BackoffMax() time.Duration { return time.Duration(p.BackoffMaxMs) * time.Millisecond }

func (s ScheduleConfig) Interval() time.Duration { return time.Duration(s.IntervalS) * time.Second }

func (c CleanupConfig) Interval() time.Duration   { return time.Duration(c.IntervalS) * time.Second }
func (c CleanupConfig) WriteGrace() time.Duration { return time.Duration(c.WriteGraceS) * time.Second }
func (c CleanupConfig) AlarmGrace() time.Duration { return time.Duration(c.AlarmGraceS) * time.Second }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Poll: PollConfig{
			IntervalMs:   250,
			TimeoutMs:    2000,
			BackoffMinMs: 1000,
			BackoffMaxMs: 30000,
		},
		Schedule: ScheduleConfig{IntervalS: 10},
		Cleanup: CleanupConfig{
			IntervalS:   60,
			WriteGraceS: 3600,
			AlarmGraceS: 86400,
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. A missing file is fine; a missing path skips the
// file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
			// Run on defaults and environment.
		case err != nil:
			return nil, fmt.Errorf("open config %s: %w", path, err)
		default:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database url is required (database.url or DATABASE_URL)")
	}
	if c.Poll.IntervalMs <= 0 {
		return fmt.Errorf("config: poll interval must be positive")
	}
	if c.Poll.TimeoutMs <= 0 {
		return fmt.Errorf("config: poll timeout must be positive")
	}
	if c.Poll.BackoffMinMs <= 0 || c.Poll.BackoffMaxMs < c.Poll.BackoffMinMs {
		return fmt.Errorf("config: invalid backoff window")
	}
	return nil
}
