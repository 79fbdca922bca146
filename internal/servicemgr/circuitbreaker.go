// SPDX-License-Identifier: AGPL-3.0-or-later

package servicemgr

import (
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// circuitBreaker wraps a gobreaker.CircuitBreaker[bool] per service,
// translating its generic state machine into the CircuitInfo shape the
// spec calls for (state, consecutiveFailures, openedAt) and gating probe
// invocation the way checkHealth needs: while open, Execute never calls
// the probe at all.
type circuitBreaker struct {
	cb *gobreaker.CircuitBreaker[bool]

	mu       sync.Mutex
	openedAt time.Time
}

func newCircuitBreaker(name string, threshold uint32, resetTimeout time.Duration) *circuitBreaker {
	cbw := &circuitBreaker{}

	settings := gobreaker.Settings{
		Name: name,
		// Half-open allows exactly one probe through to decide the
		// next transition, matching "next probe determines transition".
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			cbw.mu.Lock()
			defer cbw.mu.Unlock()
			if to == gobreaker.StateOpen {
				cbw.openedAt = time.Now()
			}
			if from == gobreaker.StateOpen && to != gobreaker.StateOpen {
				cbw.openedAt = time.Time{}
			}
		},
	}

	cbw.cb = gobreaker.NewCircuitBreaker[bool](settings)
	return cbw
}

// run executes probe through the breaker. If the breaker is open,
// gobreaker.ErrOpenState is returned and probe is never invoked.
func (c *circuitBreaker) run(probe func() error) error {
	_, err := c.cb.Execute(func() (bool, error) {
		if perr := probe(); perr != nil {
			return false, perr
		}
		return true, nil
	})
	return err
}

func (c *circuitBreaker) info() CircuitInfo {
	c.mu.Lock()
	openedAt := c.openedAt
	c.mu.Unlock()

	counts := c.cb.Counts()
	return CircuitInfo{
		State:               translateState(c.cb.State()),
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		OpenedAt:            openedAt,
	}
}

func translateState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// isOpenError reports whether err is gobreaker's open-state rejection,
// which checkHealth surfaces as ErrCircuitOpen.
func isOpenError(err error) bool {
	return err == gobreaker.ErrOpenState
}
