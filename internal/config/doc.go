// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package config provides centralized configuration loading for the Service
Manager, Event Bus, and Pipeline Engine subsystems.

# Configuration Sources

Load reads configuration from three layers, applied in order of increasing
precedence:

 1. Compiled-in defaults (defaultConfig).
 2. An optional YAML file, located via CONFIG_PATH or the first match in
    DefaultConfigPaths.
 3. Environment variables, mapped to koanf paths through envMappings.

# Environment Variables

Only environment variables present in envMappings are read; anything else
is ignored so unrelated process environment never leaks into Config.
Recognized names include HEALTH_CHECK_TIMEOUT, CIRCUIT_BREAKER_THRESHOLD,
NATS_URL, PIPELINE_CONCURRENCY, PIPELINE_MAX_DLQ_SIZE, HTTP_PORT, and
LOG_LEVEL — see koanf.go for the complete map.

# Validation

Validate is called automatically at the end of Load and checks each
subsystem's settings are internally consistent (positive timeouts, a
broker URL when persistence is enabled, a valid port range) without
reaching out to any external system.

# Thread Safety

The Config returned by Load is not mutated afterward and is safe for
concurrent read access from multiple goroutines.
*/
package config
