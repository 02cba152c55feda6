// Package config loads strand configuration from defaults, an optional YAML
// file at $XDG_CONFIG_HOME/strand/config.yaml, and STRAND_* environment
// variables, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	LLM    LLMConfig    `yaml:"llm"`
	Queue  QueueConfig  `yaml:"queue"`
	Stream StreamConfig `yaml:"stream"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type QueueConfig struct {
	// MaxQueued caps queued messages across all threads; 0 disables the cap.
	MaxQueued int `yaml:"max_queued"`
	// MaxWorkers caps concurrently running thread workers.
	MaxWorkers int `yaml:"max_workers"`
	// Durations are strings parsed with time.ParseDuration.
	ProcessingTimeout string `yaml:"processing_timeout"`
	WakeInterval      string `yaml:"wake_interval"`
	ShutdownGrace     string `yaml:"shutdown_grace"`
}

type StreamConfig struct {
	KeepaliveInterval string `yaml:"keepalive_interval"`
	QueuedPoll        string `yaml:"queued_poll"`
	ProcessingPoll    string `yaml:"processing_poll"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		LLM: LLMConfig{
			Model: "anthropic/claude-opus-4",
		},
		Queue: QueueConfig{
			MaxQueued:         1000,
			MaxWorkers:        8,
			ProcessingTimeout: "60s",
			WakeInterval:      "1s",
			ShutdownGrace:     "10s",
		},
		Stream: StreamConfig{
			KeepaliveInterval: "30s",
			QueuedPoll:        "2s",
			ProcessingPoll:    "250ms",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration. The YAML file is optional; a missing file means
// defaults plus environment.
func Load() (Config, error) {
	return loadFrom(ConfigFilePath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf(
			"missing required config: LLM API key. Set it via STRAND_LLM_API_KEY or llm.api_key in %s", path)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s=%q: not an integer\n", key, v)
			return
		}
		*dst = n
	}

	setString("STRAND_HOST", &cfg.Server.Host)
	setInt("STRAND_PORT", &cfg.Server.Port)
	setString("STRAND_LLM_BASE_URL", &cfg.LLM.BaseURL)
	setString("STRAND_LLM_API_KEY", &cfg.LLM.APIKey)
	setString("STRAND_LLM_MODEL", &cfg.LLM.Model)
	setInt("STRAND_MAX_QUEUED", &cfg.Queue.MaxQueued)
	setInt("STRAND_MAX_WORKERS", &cfg.Queue.MaxWorkers)
	setString("STRAND_PROCESSING_TIMEOUT", &cfg.Queue.ProcessingTimeout)
	setString("STRAND_KEEPALIVE_INTERVAL", &cfg.Stream.KeepaliveInterval)
	setString("STRAND_LOG_LEVEL", &cfg.Log.Level)
}

// Duration parses value, logging and falling back to def when it is empty
// or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration in config, using default", "value", value, "default", def)
		return def
	}
	return d
}

// ConfigFilePath returns the XDG-compatible config file location.
func ConfigFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "strand", "config.yaml")
}

// DataDir returns the XDG-compatible data directory (PID file location).
func DataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "strand-data"
		}
	}
	return filepath.Join(dir, "strand")
}
