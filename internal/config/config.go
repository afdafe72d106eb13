// Package config loads the pipelinecore run configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunConfig holds configuration for one scheduler run.
type RunConfig struct {
	NThreads           int    `yaml:"nthreads"`
	LiveChunkHighWater int    `yaml:"live_chunk_high_water"`
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"`
	HistoryDBPath      string `yaml:"history_db_path"`
	StatusAddr         string `yaml:"status_addr"`
}

// DefaultRunConfig returns sensible defaults. LiveChunkHighWater is left at
// zero here; the scheduler fills in 4*NThreads itself when zero.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		NThreads:  4,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadRunConfig reads and parses a YAML run configuration file, filling
// zero-valued fields from DefaultRunConfig.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.NThreads <= 0 {
		cfg.NThreads = DefaultRunConfig().NThreads
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultRunConfig().LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultRunConfig().LogFormat
	}
	return cfg, nil
}
