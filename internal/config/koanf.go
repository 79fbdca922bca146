// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where a config file is searched, in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/platformd/config.yaml",
	"/etc/platformd/config.yml",
}

// ConfigPathEnvVar overrides the config file search with an explicit path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with every optional setting at its
// documented default, applied before the file and environment layers.
func defaultConfig() *Config {
	return &Config{
		ServiceManager: ServiceManagerConfig{
			HealthCheckTimeout:         5 * time.Second,
			HealthCheckInterval:        30 * time.Second,
			CircuitBreakerThreshold:    5,
			CircuitBreakerResetTimeout: 30 * time.Second,
		},
		EventBus: EventBusConfig{
			MaxHistorySize:       100,
			DefaultTTL:           10 * time.Minute,
			EnablePersistence:    false,
			CompressionThreshold: 8 * 1024,
			ShutdownTimeout:      5 * time.Second,
			NATS: NATSConfig{
				URL:                     "nats://127.0.0.1:4222",
				MaxReconnects:           10,
				ReconnectWait:           2 * time.Second,
				ReconnectBuffer:         8 * 1024 * 1024,
				CircuitBreakerThreshold: 5,
				CircuitBreakerTimeout:   30 * time.Second,
			},
		},
		Pipeline: PipelineConfig{
			Concurrency:     4,
			IntervalCap:     0,
			MaxDLQSize:      1000,
			DeadLetterQueue: true,
			Retries:         1,
			MinBackoff:      100 * time.Millisecond,
			MaxBackoff:      10 * time.Second,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads configuration from defaults, an optional YAML file, and
// environment variables, in that order of increasing precedence, and
// validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps recognized environment variable names to koanf dotted
// paths. Unmapped keys return "" from envTransformFunc and are skipped, so
// unrelated environment variables never pollute the config tree.
var envMappings = map[string]string{
	"health_check_timeout":          "servicemanager.health_check_timeout",
	"health_check_interval":         "servicemanager.health_check_interval",
	"circuit_breaker_threshold":     "servicemanager.circuit_breaker_threshold",
	"circuit_breaker_reset_timeout": "servicemanager.circuit_breaker_reset_timeout",

	"event_bus_max_history_size":       "eventbus.max_history_size",
	"event_bus_default_ttl":            "eventbus.default_ttl",
	"event_bus_enable_persistence":     "eventbus.enable_persistence",
	"event_bus_compression_threshold":  "eventbus.compression_threshold",
	"event_bus_shutdown_timeout":       "eventbus.shutdown_timeout",
	"nats_url":                         "eventbus.nats.url",
	"nats_max_reconnects":              "eventbus.nats.max_reconnects",
	"nats_reconnect_wait":              "eventbus.nats.reconnect_wait",
	"nats_reconnect_buffer":            "eventbus.nats.reconnect_buffer",
	"nats_circuit_breaker_threshold":   "eventbus.nats.circuit_breaker_threshold",
	"nats_circuit_breaker_timeout":     "eventbus.nats.circuit_breaker_timeout",

	"pipeline_concurrency":       "pipeline.concurrency",
	"pipeline_interval":          "pipeline.interval",
	"pipeline_interval_cap":      "pipeline.interval_cap",
	"pipeline_max_dlq_size":      "pipeline.max_dlq_size",
	"pipeline_dead_letter_queue": "pipeline.dead_letter_queue",
	"pipeline_retries":           "pipeline.retries",
	"pipeline_min_backoff":       "pipeline.min_backoff",
	"pipeline_max_backoff":       "pipeline.max_backoff",

	"http_host": "server.host",
	"http_port": "server.port",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc lower-cases key and looks it up in envMappings to
// produce a koanf dotted path; unmapped keys yield "".
func envTransformFunc(key string) string {
	key = strings.ToLower(key)
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

// GetKoanfInstance returns a fresh Koanf instance for advanced usage —
// hot-reload, custom providers, or test fixtures.
func GetKoanfInstance() *koanf.Koanf {
	return koanf.New(".")
}

// WatchConfigFile arms a file watcher that invokes callback whenever path
// changes on disk. The caller is responsible for synchronizing access to
// any Config it reloads from within callback.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)
	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
