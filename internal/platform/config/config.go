// Package config loads control-plane configuration from the environment,
// optionally layered with a YAML file, so main stays lean.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full control-plane configuration. Durations are expressed in
// seconds; the composition root converts them into component configs.
type Config struct {
	Addr             string  `yaml:"addr"`
	LogLevel         string  `yaml:"log_level"`
	EventHistorySize int     `yaml:"event_history_size"`
	Detection        Detect  `yaml:"detection"`
	Shuffle          Shuffle `yaml:"shuffle"`
	Defense          Defense `yaml:"defense"`
}

// Detect holds the local detector thresholds.
type Detect struct {
	PacketRate   float64 `yaml:"packet_rate"`
	ByteRate     float64 `yaml:"byte_rate"`
	Connections  float64 `yaml:"connections"`
	AnomalyScore float64 `yaml:"anomaly_score"`
	WindowSize   int     `yaml:"window_size"`
}

// Shuffle holds the shuffle controller tuning.
type Shuffle struct {
	BaseFrequencySeconds  float64 `yaml:"base_frequency_seconds"`
	MinFrequencySeconds   float64 `yaml:"min_frequency_seconds"`
	MaxFrequencySeconds   float64 `yaml:"max_frequency_seconds"`
	RiskFactor            float64 `yaml:"risk_factor"`
	SessionAffinity       bool    `yaml:"session_affinity"`
	SessionTimeoutSeconds float64 `yaml:"session_timeout_seconds"`
	BatchSize             int     `yaml:"batch_size"`
}

// Defense holds the periodic evaluation tuning.
type Defense struct {
	EvaluationIntervalSeconds float64 `yaml:"evaluation_interval_seconds"`
	MaxDecisionsPerEval       int     `yaml:"max_decisions_per_eval"`
}

// Default returns the standard configuration.
func Default() Config {
	return Config{
		Addr:             ":8080",
		LogLevel:         "info",
		EventHistorySize: 10000,
		Detection: Detect{
			PacketRate:   10000,
			ByteRate:     10000000,
			Connections:  1000,
			AnomalyScore: 0.7,
			WindowSize:   60,
		},
		Shuffle: Shuffle{
			BaseFrequencySeconds:  30,
			MinFrequencySeconds:   5,
			MaxFrequencySeconds:   120,
			RiskFactor:            1.5,
			SessionAffinity:       true,
			SessionTimeoutSeconds: 300,
			BatchSize:             50,
		},
		Defense: Defense{
			EvaluationIntervalSeconds: 1,
			MaxDecisionsPerEval:       10,
		},
	}
}

// FromEnv builds a Config from environment variables. When MIRAGE_CONFIG
// names a YAML file its values are loaded first, then the flat env overrides
// apply on top.
func FromEnv() (Config, error) {
	cfg := Default()

	if path := os.Getenv("MIRAGE_CONFIG"); path != "" {
		loaded, err := FromFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	if addr := os.Getenv("MIRAGE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if level := os.Getenv("MIRAGE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

// FromFile loads a YAML config file on top of the defaults, so partial files
// only override what they name.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
