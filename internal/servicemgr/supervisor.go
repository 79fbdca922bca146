// SPDX-License-Identifier: AGPL-3.0-or-later

package servicemgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig configures the underlying suture supervisor.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig matches suture's own built-in defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// serviceAdapter is the suture.Service a running service occupies in the
// supervisor tree. Unlike a thin slot-holder, it actually invokes the
// service's Start and Stop callbacks from inside Serve, so a callback
// that panics or never returns is observed by suture: a panic is
// recovered and the service restarted with backoff, a hang simply blocks
// the supervised goroutine rather than going unnoticed outside it.
// Manager.Start/Manager.Stop still look synchronous to their callers —
// they block on the ready/stopped signals below — but the work itself
// runs where suture can see it.
type serviceAdapter struct {
	name    string
	startFn func(ctx context.Context) error
	stopFn  func(ctx context.Context) error

	mu       sync.Mutex
	ready    chan struct{}
	startErr error
	stopErr  error
	stopCtx  context.Context
}

func newServiceAdapter(name string, startFn, stopFn func(context.Context) error) *serviceAdapter {
	return &serviceAdapter{
		name:    name,
		startFn: startFn,
		stopFn:  stopFn,
		stopCtx: context.Background(),
	}
}

// setStopContext records the context a pending Stop call should use once
// Serve's ctx.Done fires. Manager.Stop calls this before removing the
// service from the tree.
func (a *serviceAdapter) setStopContext(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopCtx = ctx
}

// waitReady returns the channel closed once the current Serve call's
// Start callback has returned (successfully or not).
func (a *serviceAdapter) waitReady() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

func (a *serviceAdapter) result() (startErr, stopErr error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startErr, a.stopErr
}

// Serve runs startFn, signals readiness, then blocks until ctx is
// canceled (by the tree removing this service) and runs stopFn. Returning
// a non-nil error from startFn tells suture the service failed and should
// be restarted with backoff; a panic in either callback is recovered by
// suture the same way.
func (a *serviceAdapter) Serve(ctx context.Context) error {
	a.mu.Lock()
	ready := make(chan struct{})
	a.ready = ready
	a.mu.Unlock()

	var startErr error
	if a.startFn != nil {
		startErr = a.startFn(ctx)
	}
	a.mu.Lock()
	a.startErr = startErr
	a.mu.Unlock()
	close(ready)

	if startErr != nil {
		return startErr
	}

	<-ctx.Done()

	a.mu.Lock()
	stopCtx := a.stopCtx
	a.mu.Unlock()

	var stopErr error
	if a.stopFn != nil {
		stopErr = a.stopFn(stopCtx)
	}
	a.mu.Lock()
	a.stopErr = stopErr
	a.mu.Unlock()
	return stopErr
}

func (a *serviceAdapter) String() string {
	return a.name
}

// tree is a single-layer suture supervisor. The teacher's data/messaging/
// api three-layer split doesn't map onto this domain — every managed
// service here is a peer in the Manager's own dependency graph, so one
// supervisor is enough; dependency ordering is the Manager's job, not the
// supervisor's.
type tree struct {
	root   *suture.Supervisor
	config TreeConfig
}

func newTree(logger *slog.Logger, cfg TreeConfig) *tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	spec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	return &tree{
		root:   suture.New("servicemgr", spec),
		config: cfg,
	}
}

func (t *tree) add(svc suture.Service) suture.ServiceToken {
	return t.root.Add(svc)
}

func (t *tree) remove(token suture.ServiceToken) error {
	return t.root.Remove(token)
}

func (t *tree) removeAndWait(token suture.ServiceToken, timeout time.Duration) error {
	return t.root.RemoveAndWait(token, timeout)
}

func (t *tree) serveBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
