// SPDX-License-Identifier: AGPL-3.0-or-later

package servicemgr

import (
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// record is the Manager's internal, mutable representation of a service.
// Service (the exported snapshot type) is derived from it under lock.
// state/health/stats/token/hasTok are read and written from both the
// caller's goroutine (Start/Stop/Register) and the background health
// loop's goroutine (checkHealthRecord), so every access to them goes
// through mu rather than relying on the registry's map-only lock.
type record struct {
	id     string
	name   string
	config Config

	breaker *circuitBreaker
	adapter *serviceAdapter

	mu     sync.Mutex
	state  State
	health HealthStatus
	stats  Stats

	// token is the suture.ServiceToken for this record's adapter, set
	// once the service has been added to the supervisor tree.
	token  suture.ServiceToken
	hasTok bool
}

func (r *record) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *record) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *record) getHealth() HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

func (r *record) setHealth(h HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = h
}

func (r *record) getStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *record) setRunningSince(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.RunningSince = t
}

func (r *record) setLastHealthCheck(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.LastHealthCheck = t
}

func (r *record) setToken(tok suture.ServiceToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = tok
	r.hasTok = true
}

func (r *record) getToken() (suture.ServiceToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token, r.hasTok
}

func (r *record) snapshot() Service {
	r.mu.Lock()
	state, health, stats := r.state, r.health, r.stats
	r.mu.Unlock()

	return Service{
		ID:      r.id,
		Name:    r.name,
		Version: r.config.Version,
		Config:  r.config,
		State:   state,
		Health:  health,
		Circuit: r.breaker.info(),
		Stats:   stats,
	}
}

// registry is the in-memory catalog of services keyed by id and by
// unique name. Reads take a shared lock, mutations an exclusive one;
// handlers and callbacks are never invoked while the lock is held.
type registry struct {
	mu     sync.RWMutex
	byID   map[string]*record
	byName map[string]*record
}

func newRegistry() *registry {
	return &registry{
		byID:   make(map[string]*record),
		byName: make(map[string]*record),
	}
}

func (r *registry) add(rec *record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rec.id] = rec
	r.byName[rec.name] = rec
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		delete(r.byName, rec.name)
		delete(r.byID, id)
	}
}

func (r *registry) hasName(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

func (r *registry) getByID(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

func (r *registry) getByName(name string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byName[name]
	return rec, ok
}

func (r *registry) list() []*record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return out
}

func (r *registry) findByStatus(state State) []*record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*record
	for _, rec := range r.byID {
		if rec.getState() == state {
			out = append(out, rec)
		}
	}
	return out
}
