// SPDX-License-Identifier: AGPL-3.0-or-later

package servicemgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/backendcore/platform/internal/logging"
	"github.com/backendcore/platform/internal/metrics"
)

// EventPublisher is the slice of the Event Bus the Manager needs to emit
// service.health.<id> notifications. Accepting the narrow interface
// rather than a concrete Bus type keeps this package independent of the
// eventbus package.
type EventPublisher interface {
	Publish(topic string, data any) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) error { return nil }

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// HealthCheckTimeout bounds a single probe invocation.
	HealthCheckTimeout time.Duration
	// HealthCheckInterval is how often the health loop sweeps running
	// services.
	HealthCheckInterval time.Duration
	// CircuitBreakerThreshold is consecutive health failures before a
	// service's breaker opens.
	CircuitBreakerThreshold uint32
	// CircuitBreakerResetTimeout is the open -> half-open delay.
	CircuitBreakerResetTimeout time.Duration

	Tree    TreeConfig
	Metrics *metrics.Metrics
	Events  EventPublisher
	Logger  *slog.Logger
}

// DefaultManagerConfig returns production-sane defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HealthCheckTimeout:         5 * time.Second,
		HealthCheckInterval:        30 * time.Second,
		CircuitBreakerThreshold:    3,
		CircuitBreakerResetTimeout: 30 * time.Second,
		Tree:                       DefaultTreeConfig(),
	}
}

// Manager composes the Registry, Health Monitor, and per-service Circuit
// Breakers; it resolves dependency order and drives service lifecycles.
type Manager struct {
	cfg ManagerConfig
	reg *registry
	tre *tree
	hm  *healthMonitor

	metrics *metrics.Metrics
	events  EventPublisher

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Manager. Call Run to start the supervisor tree and
// health loop; Close to shut everything down.
func New(cfg ManagerConfig) *Manager {
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.CircuitBreakerThreshold == 0 {
		cfg.CircuitBreakerThreshold = 3
	}
	if cfg.CircuitBreakerResetTimeout == 0 {
		cfg.CircuitBreakerResetTimeout = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Events == nil {
		cfg.Events = nopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(logging.NewSlogHandler())
	}

	m := &Manager{
		cfg:     cfg,
		reg:     newRegistry(),
		tre:     newTree(cfg.Logger, cfg.Tree),
		metrics: cfg.Metrics,
		events:  cfg.Events,
	}
	m.hm = newHealthMonitor(cfg.HealthCheckInterval, cfg.HealthCheckTimeout, m.runProbe)
	return m
}

// Run starts the supervisor tree and the periodic health loop. It must be
// called before Start/StartAll will have any supervised goroutines to
// drive; it returns immediately, running in the background until ctx is
// canceled or Close is called.
func (m *Manager) Run(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.tre.serveBackground(m.ctx)
	m.hm.start(m.ctx, m.runningRecords)
}

// Close stops the health loop and supervisor tree. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.hm.stop()
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

func (m *Manager) runningRecords() []*record {
	return m.reg.findByStatus(StateRunning)
}

// Register validates cfg and stores a new service in the registered
// state. Returns ErrInvalidConfig if name is empty, ErrDuplicateName if
// name is already taken.
func (m *Manager) Register(cfg Config) (string, error) {
	if cfg.Name == "" {
		return "", ErrInvalidConfig
	}
	if m.reg.hasName(cfg.Name) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}

	breaker := newCircuitBreaker(cfg.Name, m.cfg.CircuitBreakerThreshold, m.cfg.CircuitBreakerResetTimeout)
	rec := &record{
		id:      newServiceID(),
		name:    cfg.Name,
		config:  cfg,
		state:   StateRegistered,
		health:  HealthUnknown,
		breaker: breaker,
	}
	rec.adapter = newServiceAdapter(cfg.Name,
		func(ctx context.Context) error {
			if cfg.Start != nil {
				return cfg.Start(ctx)
			}
			return nil
		},
		func(ctx context.Context) error {
			if cfg.Stop != nil {
				return cfg.Stop(ctx)
			}
			return nil
		},
	)

	m.reg.add(rec)
	m.metrics.ServiceTotal.WithLabelValues(string(StateRegistered)).Inc()
	return rec.id, nil
}

// GetService returns a snapshot of the named-by-id service.
func (m *Manager) GetService(id string) (Service, error) {
	rec, ok := m.reg.getByID(id)
	if !ok {
		return Service{}, ErrNotFound
	}
	return rec.snapshot(), nil
}

// ListServices returns a snapshot of every registered service.
func (m *Manager) ListServices() []Service {
	recs := m.reg.list()
	out := make([]Service, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

// FindByStatus returns snapshots of every service currently in state.
func (m *Manager) FindByStatus(state State) []Service {
	recs := m.reg.findByStatus(state)
	out := make([]Service, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

// ResolveDependencies returns the snapshots of the named dependencies of
// service id. Returns ErrDependencyUnresolved if any dependency name does
// not exist.
func (m *Manager) ResolveDependencies(id string) ([]Service, error) {
	rec, ok := m.reg.getByID(id)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Service, 0, len(rec.config.Dependencies))
	for _, depName := range rec.config.Dependencies {
		dep, ok := m.reg.getByName(depName)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDependencyUnresolved, depName)
		}
		out = append(out, dep.snapshot())
	}
	return out, nil
}

// Start transitions id from {registered,stopped,failed} through starting
// to running, provided all dependencies are already running. It invokes
// the service's Start callback (if any) via the supervisor adapter, then
// probes once before declaring the service healthy.
func (m *Manager) Start(ctx context.Context, id string) error {
	rec, ok := m.reg.getByID(id)
	if !ok {
		return ErrNotFound
	}

	state := rec.getState()
	if state != StateRegistered && state != StateStopped && state != StateFailed {
		return fmt.Errorf("%w: service %s is %s", ErrInvalidState, rec.name, state)
	}
	for _, depName := range rec.config.Dependencies {
		dep, ok := m.reg.getByName(depName)
		if !ok {
			return fmt.Errorf("%w: %s", ErrDependencyUnresolved, depName)
		}
		if dep.getState() != StateRunning {
			return fmt.Errorf("%w: dependency %s not running", ErrDependencyUnresolved, depName)
		}
	}

	rec.setState(StateStarting)
	rec.setToken(m.tre.add(rec.adapter))

	select {
	case <-rec.adapter.waitReady():
	case <-ctx.Done():
		return ctx.Err()
	}
	if startErr, _ := rec.adapter.result(); startErr != nil {
		rec.setState(StateFailed)
		m.metrics.ServiceTotal.WithLabelValues(string(StateFailed)).Inc()
		return startErr
	}

	if rec.config.Probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
		err := rec.breaker.run(func() error { return rec.config.Probe(probeCtx) })
		cancel()
		if err != nil {
			rec.setState(StateFailed)
			m.metrics.ServiceTotal.WithLabelValues(string(StateFailed)).Inc()
			return err
		}
	}

	rec.setState(StateRunning)
	rec.setHealth(HealthHealthy)
	rec.setRunningSince(time.Now())
	m.metrics.ServiceTotal.WithLabelValues(string(StateRunning)).Inc()
	return nil
}

// Stop transitions id to stopping then stopped, invoking the Stop
// callback if present. A callback error is logged but the service still
// lands in stopped, unless the error is ErrFatalStop in which case it
// lands in failed.
func (m *Manager) Stop(ctx context.Context, id string) error {
	rec, ok := m.reg.getByID(id)
	if !ok {
		return ErrNotFound
	}

	rec.setState(StateStopping)
	if token, ok := rec.getToken(); ok {
		rec.adapter.setStopContext(ctx)
		removeErr := m.tre.removeAndWait(token, m.cfg.HealthCheckTimeout)
		_, stopErr := rec.adapter.result()
		if stopErr == nil {
			stopErr = removeErr
		}
		if stopErr != nil {
			if isFatalStop(stopErr) {
				rec.setState(StateFailed)
				m.metrics.ServiceTotal.WithLabelValues(string(StateFailed)).Inc()
				return stopErr
			}
			logging.Ctx(ctx).Warn().Err(stopErr).Str("service", rec.name).Msg("stop callback returned an error")
		}
	}

	rec.setState(StateStopped)
	m.metrics.ServiceTotal.WithLabelValues(string(StateStopped)).Inc()
	return nil
}

func isFatalStop(err error) bool {
	return err == ErrFatalStop
}

// StartAll starts every registered service in dependency order (a
// topological sort). Returns ErrCircularDependency without starting
// anything if the dependency graph contains a cycle.
func (m *Manager) StartAll(ctx context.Context) error {
	order, err := m.topoOrder()
	if err != nil {
		return err
	}
	for _, rec := range order {
		if rec.getState() == StateRunning {
			continue
		}
		if err := m.Start(ctx, rec.id); err != nil {
			return fmt.Errorf("starting %s: %w", rec.name, err)
		}
	}
	return nil
}

// StopAll stops every registered service in reverse dependency order.
func (m *Manager) StopAll(ctx context.Context) error {
	order, err := m.topoOrder()
	if err != nil {
		return err
	}
	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		rec := order[i]
		if rec.getState() != StateRunning {
			continue
		}
		if err := m.Stop(ctx, rec.id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// topoOrder returns all records ordered so that every service appears
// after its dependencies, detecting cycles via DFS with three-color
// marking (white/gray/black).
func (m *Manager) topoOrder() ([]*record, error) {
	recs := m.reg.list()
	byName := make(map[string]*record, len(recs))
	for _, rec := range recs {
		byName[rec.name] = rec
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(recs))
	order := make([]*record, 0, len(recs))

	var visit func(rec *record) error
	visit = func(rec *record) error {
		color[rec.name] = gray
		for _, depName := range rec.config.Dependencies {
			dep, ok := byName[depName]
			if !ok {
				continue // unresolved dependencies surface from Start, not here
			}
			switch color[dep.name] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				return fmt.Errorf("%w: %s -> %s", ErrCircularDependency, rec.name, dep.name)
			}
		}
		color[rec.name] = black
		order = append(order, rec)
		return nil
	}

	for _, rec := range recs {
		if color[rec.name] == white {
			if err := visit(rec); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// CheckHealth invokes id's probe (through its circuit breaker) with the
// configured timeout. Success resets the failure counter and marks the
// service healthy; failure or timeout marks it unhealthy and feeds the
// breaker. While the breaker is open, the probe is not invoked at all and
// CheckHealth returns ErrCircuitOpen immediately. A health transition
// publishes service.health.<id> on the configured Event Bus.
func (m *Manager) CheckHealth(ctx context.Context, id string) error {
	rec, ok := m.reg.getByID(id)
	if !ok {
		return ErrNotFound
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()
	return m.checkHealthRecord(probeCtx, rec)
}

func (m *Manager) checkHealthRecord(ctx context.Context, rec *record) error {
	probe := rec.config.Probe
	if probe == nil {
		probe = func(context.Context) error { return nil }
	}

	prevCircuit := rec.breaker.info().State
	err := rec.breaker.run(func() error { return probe(ctx) })

	prevHealth := rec.getHealth()
	var newHealth HealthStatus
	outcome := "success"
	switch {
	case err == nil:
		newHealth = HealthHealthy
	case isOpenError(err):
		newHealth = HealthUnhealthy
		outcome = "circuit_open"
	default:
		newHealth = HealthUnhealthy
		outcome = "failure"
	}
	rec.setHealth(newHealth)
	rec.setLastHealthCheck(time.Now())

	m.metrics.ServiceHealthChecks.WithLabelValues(rec.name, outcome).Inc()
	info := rec.breaker.info()
	m.metrics.CircuitBreakerState.WithLabelValues(rec.name).Set(circuitStateValue(info.State))
	m.metrics.CircuitBreakerFailures.WithLabelValues(rec.name).Set(float64(info.ConsecutiveFailures))
	if prevHealth != newHealth {
		_ = m.events.Publish("service.health."+rec.id, map[string]any{
			"id":     rec.id,
			"name":   rec.name,
			"health": newHealth,
		})
	}
	if info.State == CircuitOpen && prevCircuit != CircuitOpen {
		m.metrics.CircuitBreakerTrips.WithLabelValues(rec.name).Inc()
	}

	if isOpenError(err) {
		return ErrCircuitOpen
	}
	return err
}

func (m *Manager) runProbe(ctx context.Context, rec *record) {
	_ = m.checkHealthRecord(ctx, rec)
}

func circuitStateValue(s CircuitState) float64 {
	switch s {
	case CircuitClosed:
		return 0
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}
