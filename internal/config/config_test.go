// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return defaultConfig()
}

func TestValidateAcceptsDefault(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateServiceManager(t *testing.T) {
	cfg := validConfig()
	cfg.ServiceManager.HealthCheckTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero HealthCheckTimeout")
	}

	cfg = validConfig()
	cfg.ServiceManager.CircuitBreakerThreshold = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero CircuitBreakerThreshold")
	}

	cfg = validConfig()
	cfg.ServiceManager.CircuitBreakerResetTimeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative CircuitBreakerResetTimeout")
	}
}

func TestValidateEventBusRequiresNATSURLWhenPersistenceEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.EventBus.EnablePersistence = true
	cfg.EventBus.NATS.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when persistence enabled with empty NATS URL")
	}

	cfg.EventBus.NATS.URL = "not-a-valid-url"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for malformed NATS URL")
	}

	cfg.EventBus.NATS.URL = "nats://localhost:4222"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid NATS URL to pass, got: %v", err)
	}
}

func TestValidateEventBusIgnoresNATSURLWhenPersistenceDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.EventBus.EnablePersistence = false
	cfg.EventBus.NATS.URL = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected no error when persistence disabled, got: %v", err)
	}
}

func TestValidatePipeline(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.Concurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero Concurrency")
	}

	cfg = validConfig()
	cfg.Pipeline.DeadLetterQueue = true
	cfg.Pipeline.MaxDLQSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero MaxDLQSize with DLQ enabled")
	}

	cfg = validConfig()
	cfg.Pipeline.MinBackoff = 5 * time.Second
	cfg.Pipeline.MaxBackoff = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when MinBackoff exceeds MaxBackoff")
	}

	cfg = validConfig()
	cfg.Pipeline.Retries = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative Retries")
	}
}

func TestValidateServerPortRange(t *testing.T) {
	for _, port := range []int{0, -1, 65536} {
		cfg := validConfig()
		cfg.Server.Port = port
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for Server.Port = %d", port)
		}
	}

	cfg := validConfig()
	cfg.Server.Port = 65535
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected 65535 to be valid, got: %v", err)
	}
}
