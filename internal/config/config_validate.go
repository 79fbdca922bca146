// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "fmt"

// Validate checks that every subsystem's configuration is internally
// consistent. It does not reach out to any external system (no broker
// dial, no file probe) — only range and format checks on the loaded
// values.
func (c *Config) Validate() error {
	if err := c.ServiceManager.validate(); err != nil {
		return err
	}
	if err := c.EventBus.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	return c.Server.validate()
}

func (s *ServiceManagerConfig) validate() error {
	if s.HealthCheckTimeout <= 0 {
		return fmt.Errorf("servicemanager.health_check_timeout must be positive")
	}
	if s.CircuitBreakerThreshold == 0 {
		return fmt.Errorf("servicemanager.circuit_breaker_threshold must be positive")
	}
	if s.CircuitBreakerResetTimeout <= 0 {
		return fmt.Errorf("servicemanager.circuit_breaker_reset_timeout must be positive")
	}
	return nil
}

func (e *EventBusConfig) validate() error {
	if e.MaxHistorySize < 0 {
		return fmt.Errorf("eventbus.max_history_size must not be negative")
	}
	if e.DefaultTTL < 0 {
		return fmt.Errorf("eventbus.default_ttl must not be negative")
	}
	if e.EnablePersistence {
		if e.NATS.URL == "" {
			return fmt.Errorf("eventbus.nats.url is required when eventbus.enable_persistence is true")
		}
		if err := validateNATSURL(e.NATS.URL); err != nil {
			return fmt.Errorf("eventbus.nats.url is invalid: %w", err)
		}
	}
	return nil
}

func (p *PipelineConfig) validate() error {
	if p.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be positive")
	}
	if p.IntervalCap < 0 {
		return fmt.Errorf("pipeline.interval_cap must not be negative")
	}
	if p.DeadLetterQueue && p.MaxDLQSize <= 0 {
		return fmt.Errorf("pipeline.max_dlq_size must be positive when pipeline.dead_letter_queue is true")
	}
	if p.Retries < 0 {
		return fmt.Errorf("pipeline.retries must not be negative")
	}
	if p.MinBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("pipeline.min_backoff and pipeline.max_backoff must not be negative")
	}
	if p.MaxBackoff > 0 && p.MinBackoff > p.MaxBackoff {
		return fmt.Errorf("pipeline.min_backoff must not exceed pipeline.max_backoff")
	}
	return nil
}

func (s *ServerConfig) validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}
