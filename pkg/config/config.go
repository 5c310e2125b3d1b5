// Package config provides YAML configuration loading for worker processes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quilfort/flowline/pkg/executor"
	"github.com/quilfort/flowline/pkg/registry"
	"github.com/quilfort/flowline/pkg/schedule"
)

// WorkerConfig is the structure of the worker configuration file.
type WorkerConfig struct {
	Worker struct {
		Concurrency         int `yaml:"concurrency"`
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		BatchSize           int `yaml:"batch_size"`
	} `yaml:"worker"`

	Schedule struct {
		IntervalSeconds         int `yaml:"interval_seconds"`
		MaxCatchUpOccurrences   int `yaml:"max_catch_up_occurrences"`
		MaxCatchUpWindowSeconds int `yaml:"max_catch_up_window_seconds"`
	} `yaml:"schedule"`

	Model struct {
		Provider    string  `yaml:"provider"`
		Model       string  `yaml:"model"`
		Endpoint    string  `yaml:"endpoint"`
		APIKey      string  `yaml:"api_key"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"model"`
}

// LoadWorkerConfig loads the worker configuration from a YAML file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config WorkerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return &config, nil
}

// LoadWorkerConfigOrDefault loads the worker configuration, falling back to
// zero values (component defaults apply) when no file is present.
func LoadWorkerConfigOrDefault(path string) *WorkerConfig {
	if path == "" {
		return &WorkerConfig{}
	}

	config, err := LoadWorkerConfig(path)
	if err != nil {
		return &WorkerConfig{}
	}

	return config
}

// WorkerPoolConfig maps the file section onto the executor's config.
func (c *WorkerConfig) WorkerPoolConfig() executor.WorkerConfig {
	return executor.WorkerConfig{
		Concurrency:  c.Worker.Concurrency,
		PollInterval: time.Duration(c.Worker.PollIntervalSeconds) * time.Second,
		BatchSize:    c.Worker.BatchSize,
	}
}

// ScheduleConfig maps the file section onto the schedule runner's config.
func (c *WorkerConfig) ScheduleConfig() schedule.Config {
	return schedule.Config{
		Interval:              time.Duration(c.Schedule.IntervalSeconds) * time.Second,
		MaxCatchUpOccurrences: c.Schedule.MaxCatchUpOccurrences,
		MaxCatchUpWindow:      time.Duration(c.Schedule.MaxCatchUpWindowSeconds) * time.Second,
	}
}

// ModelConfig maps the file section onto the handler model configuration.
func (c *WorkerConfig) ModelConfig() registry.ModelConfig {
	return registry.ModelConfig{
		Provider:    c.Model.Provider,
		Model:       c.Model.Model,
		Endpoint:    c.Model.Endpoint,
		APIKey:      c.Model.APIKey,
		Temperature: c.Model.Temperature,
	}
}
