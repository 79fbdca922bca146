// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigPassesValidate(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("defaultConfig() failed Validate: %v", err)
	}
}

func TestLoadAppliesDefaultsWithNoFileOrEnv(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	withClearedEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ServiceManager.HealthCheckTimeout != 5*time.Second {
		t.Errorf("HealthCheckTimeout = %v, want 5s", cfg.ServiceManager.HealthCheckTimeout)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	withClearedEnv(t)
	t.Setenv("PIPELINE_CONCURRENCY", "16")
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Pipeline.Concurrency != 16 {
		t.Errorf("Pipeline.Concurrency = %d, want 16", cfg.Pipeline.Concurrency)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoadFileOverridesDefaultAndEnvOverridesFile(t *testing.T) {
	withClearedEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "pipeline:\n  concurrency: 8\nserver:\n  port: 7000\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "7777")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Pipeline.Concurrency != 8 {
		t.Errorf("Pipeline.Concurrency = %d, want 8 (from file)", cfg.Pipeline.Concurrency)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (env overrides file)", cfg.Server.Port)
	}
}

func TestLoadRejectsInvalidResult(t *testing.T) {
	withClearedEnv(t)
	t.Setenv("HTTP_PORT", "0")

	if _, err := Load(); err == nil {
		t.Fatal("Load() with HTTP_PORT=0 should fail validation")
	}
}

func TestFindConfigFilePrefersEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 1234\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	if got := findConfigFile(); got != path {
		t.Errorf("findConfigFile() = %q, want %q", got, path)
	}
}

func TestFindConfigFileReturnsEmptyWhenNoneExist(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(wd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	if got := findConfigFile(); got != "" {
		t.Errorf("findConfigFile() = %q, want empty", got)
	}
}

func TestEnvTransformFuncMapsKnownKeys(t *testing.T) {
	cases := map[string]string{
		"HEALTH_CHECK_TIMEOUT": "servicemanager.health_check_timeout",
		"NATS_URL":             "eventbus.nats.url",
		"PIPELINE_CONCURRENCY": "pipeline.concurrency",
		"HTTP_PORT":            "server.port",
		"LOG_LEVEL":            "logging.level",
		"SOME_UNRELATED_VAR":   "",
	}
	for in, want := range cases {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", in, got, want)
		}
	}
}

// withClearedEnv unsets every mapped environment variable for the duration
// of the test, so a developer's shell environment can't leak into assertions
// about defaults.
func withClearedEnv(t *testing.T) {
	t.Helper()
	for envKey := range envMappings {
		for _, name := range []string{envKey, strings.ToUpper(envKey)} {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}
