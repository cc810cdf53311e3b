// Package config loads the service configuration from a YAML file, applying
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr string `yaml:"addr"`

	// DBPath enables durable delivery mode when set; empty falls back to the
	// in-memory queue.
	DBPath string `yaml:"db_path"`

	Redis struct {
		// Addr enables the Redis-backed admission limiter; empty disables
		// limiting (fail open).
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Scheduler struct {
		Timezone string `yaml:"timezone"`
		Tick     string `yaml:"tick"`
	} `yaml:"scheduler"`

	Delivery struct {
		Workers       int     `yaml:"workers"`
		MaxRetries    int     `yaml:"max_retries"`
		DrainInterval string  `yaml:"drain_interval"`
		SendRate      float64 `yaml:"send_rate"`
	} `yaml:"delivery"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.Addr = ":8080"
	c.Scheduler.Timezone = "Asia/Colombo"
	c.Delivery.Workers = 4
	c.Delivery.MaxRetries = 2
	c.Delivery.SendRate = 10
	return c
}

// Load reads path and overlays it on the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if _, err := c.duration("scheduler.tick", c.Scheduler.Tick); err != nil {
		return err
	}
	if _, err := c.duration("delivery.drain_interval", c.Delivery.DrainInterval); err != nil {
		return err
	}
	if c.Delivery.Workers < 0 {
		return fmt.Errorf("delivery.workers must be >= 0")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must be >= 0")
	}
	return nil
}

func (c *Config) duration(path, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// SchedulerTick returns the run-loop resolution, or def when unset.
func (c *Config) SchedulerTick(def time.Duration) time.Duration {
	d, _ := c.duration("scheduler.tick", c.Scheduler.Tick)
	if d <= 0 {
		return def
	}
	return d
}

// DrainInterval returns the memory-mode pump period, or def when unset.
func (c *Config) DrainInterval(def time.Duration) time.Duration {
	d, _ := c.duration("delivery.drain_interval", c.Delivery.DrainInterval)
	if d <= 0 {
		return def
	}
	return d
}
