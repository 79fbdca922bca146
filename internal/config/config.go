// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "time"

// Config holds all configuration for the Service Manager, Event Bus, and
// Pipeline Engine subsystems, loaded from defaults, an optional YAML file,
// and environment variables (in that order of increasing precedence).
//
// Config is immutable after Load() and safe for concurrent read access
// from multiple goroutines.
type Config struct {
	ServiceManager ServiceManagerConfig `koanf:"servicemanager"`
	EventBus       EventBusConfig       `koanf:"eventbus"`
	Pipeline       PipelineConfig       `koanf:"pipeline"`
	Server         ServerConfig         `koanf:"server"`
	Logging        LoggingConfig        `koanf:"logging"`
}

// ServiceManagerConfig configures the Service Manager's health loop and
// per-service circuit breakers.
type ServiceManagerConfig struct {
	// HealthCheckTimeout bounds a single probe invocation.
	HealthCheckTimeout time.Duration `koanf:"health_check_timeout"`
	// HealthCheckInterval is the cadence of the cooperative health loop.
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
	// CircuitBreakerThreshold is the number of consecutive health
	// failures before a service's breaker opens.
	CircuitBreakerThreshold uint32 `koanf:"circuit_breaker_threshold"`
	// CircuitBreakerResetTimeout is the open-to-half-open delay.
	CircuitBreakerResetTimeout time.Duration `koanf:"circuit_breaker_reset_timeout"`
}

// EventBusConfig configures the Bus's history, compression, and optional
// broker relay.
type EventBusConfig struct {
	// MaxHistorySize bounds the ring kept per (namespace, topic).
	MaxHistorySize int `koanf:"max_history_size"`
	// DefaultTTL is the default history entry lifetime.
	DefaultTTL time.Duration `koanf:"default_ttl"`
	// EnablePersistence connects the NATS broker for remote fan-out; when
	// false the bus stays purely in-process (NopBroker).
	EnablePersistence bool `koanf:"enable_persistence"`
	// CompressionThreshold is the payload size, in bytes, above which a
	// broker-relayed event is gzip-compressed. Negative disables
	// compression entirely.
	CompressionThreshold int `koanf:"compression_threshold"`
	// ShutdownTimeout bounds how long Close waits to drain dispatch
	// goroutines.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// NATS configures the optional broker relay; only read when
	// EnablePersistence is true.
	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig configures the optional watermill-nats broker relay.
type NATSConfig struct {
	URL             string        `koanf:"url"`
	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait"`
	ReconnectBuffer int           `koanf:"reconnect_buffer"`

	CircuitBreakerThreshold uint32        `koanf:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `koanf:"circuit_breaker_timeout"`
}

// PipelineConfig configures default Pipeline Engine behavior; individual
// pipelines may override concurrency, rate limit, and retry settings at
// registration time.
type PipelineConfig struct {
	// Concurrency is the default Work Queue concurrency for pipelines
	// that don't request a dedicated one.
	Concurrency int `koanf:"concurrency"`
	// Interval and IntervalCap together define the default rate limit:
	// at most IntervalCap items started per Interval.
	Interval    time.Duration `koanf:"interval"`
	IntervalCap int           `koanf:"interval_cap"`
	// MaxDLQSize bounds the dead letter queue per pipeline.
	MaxDLQSize int `koanf:"max_dlq_size"`
	// DeadLetterQueue is loaded and validated (true requires a positive
	// MaxDLQSize), but it is not passed to the pipeline engine: every
	// pipeline keeps a DLQ of terminally failed items whatever its value.
	DeadLetterQueue bool `koanf:"dead_letter_queue"`
	// Retries and backoff bounds for the default retry policy.
	Retries    int           `koanf:"retries"`
	MinBackoff time.Duration `koanf:"min_backoff"`
	MaxBackoff time.Duration `koanf:"max_backoff"`
}

// ServerConfig configures the cmd/platformd HTTP front door (/healthz,
// /metrics) — not part of the core subsystems' public surface.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LoggingConfig configures the zerolog-based logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
	Caller bool   `koanf:"caller"`
}
