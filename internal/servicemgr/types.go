// SPDX-License-Identifier: AGPL-3.0-or-later

// Package servicemgr is the lifecycle controller for in-process services:
// it registers, dependency-orders, starts, health-checks, and
// circuit-breaks named services on behalf of the embedder.
//
// A Manager owns zero or more Service records. Each service carries
// optional start/stop callbacks and a health probe; Register does not
// require the probe, and a service without one counts as healthy. The Manager
// drives each through the state machine
//
//	registered -> starting -> running -> stopping -> stopped
//
// with a side excursion to failed from any transition that errors, and a
// running service's health oscillating between healthy and unhealthy as
// probes succeed or fail. Health failures feed a per-service circuit
// breaker (closed/open/half-open) that suppresses probes while open.
//
// Internally the package drives actual goroutine supervision through a
// suture.Supervisor tree (see supervisor.go): registering a service with
// start/stop callbacks wraps them in a suture.Service adapter so crashes
// restart with backoff exactly as they would for any other suture-managed
// goroutine.
package servicemgr

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is a service's lifecycle state.
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// HealthStatus is a service's last-observed health.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CircuitState mirrors the closed/open/half-open breaker state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ProbeFunc reports whether a service is currently healthy. It should
// honor ctx cancellation; a probe that overruns its deadline is treated
// as a failure.
type ProbeFunc func(ctx context.Context) error

// StartFunc performs service startup. A nil StartFunc is treated as an
// immediate success (useful for services that are "started" by virtue of
// having been constructed, e.g. a config snapshot).
type StartFunc func(ctx context.Context) error

// StopFunc performs service shutdown. Returning ErrFatalStop routes the
// service to failed instead of stopped.
type StopFunc func(ctx context.Context) error

// Config describes a service at registration time.
type Config struct {
	// Name must be unique across the Manager; required.
	Name string

	// Version is an informational semver string.
	Version string

	// Endpoints are opaque descriptors consumed only by upstream
	// routing; the Manager never interprets them.
	Endpoints []string

	// Dependencies are the names of services that must be running
	// before this one may start.
	Dependencies []string

	// Start and Stop are optional lifecycle callbacks.
	Start StartFunc
	Stop  StopFunc

	// Probe is the health-check callback. A nil Probe is treated as
	// always-healthy.
	Probe ProbeFunc
}

// CircuitInfo is the observable state of a service's circuit breaker.
type CircuitInfo struct {
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// Stats carries informational, non-authoritative timing data.
type Stats struct {
	RunningSince    time.Time
	LastHealthCheck time.Time
}

// Service is a read-only snapshot of a registered service, returned by
// query operations. Mutating it has no effect on Manager state.
type Service struct {
	ID      string
	Name    string
	Version string

	Config Config

	State   State
	Health  HealthStatus
	Circuit CircuitInfo
	Stats   Stats
}

func newServiceID() string {
	return uuid.NewString()
}
