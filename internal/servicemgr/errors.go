// SPDX-License-Identifier: AGPL-3.0-or-later

package servicemgr

import "errors"

// Sentinel errors returned by Manager operations. Callers should compare
// with errors.Is; some are wrapped with additional context via fmt.Errorf.
var (
	// ErrDuplicateName is returned by Register when a service with the
	// same name already exists.
	ErrDuplicateName = errors.New("servicemgr: duplicate service name")

	// ErrInvalidConfig is returned by Register when required fields are
	// missing (currently: name).
	ErrInvalidConfig = errors.New("servicemgr: invalid service config")

	// ErrCircularDependency is returned by StartAll/StopAll when the
	// dependency graph contains a cycle.
	ErrCircularDependency = errors.New("servicemgr: circular dependency")

	// ErrDependencyUnresolved is returned by Start when a named
	// dependency does not exist in the registry or is not running.
	ErrDependencyUnresolved = errors.New("servicemgr: dependency unresolved")

	// ErrNotFound is returned when a service id is unknown.
	ErrNotFound = errors.New("servicemgr: service not found")

	// ErrTimeout is returned by health probes that exceed their deadline.
	ErrTimeout = errors.New("servicemgr: operation timed out")

	// ErrCircuitOpen is returned by checkHealth when the circuit breaker
	// for a service is open and probes are being suppressed.
	ErrCircuitOpen = errors.New("servicemgr: circuit open")

	// ErrClosed names the closed-manager condition. No Manager method
	// returns it: operations invoked after Close proceed as before.
	ErrClosed = errors.New("servicemgr: manager closed")

	// ErrFatalStop is returned by a stop callback that wants the service
	// to land in failed rather than stopped.
	ErrFatalStop = errors.New("servicemgr: fatal stop")

	// ErrInvalidState is returned when an operation is attempted from a
	// state that does not permit it.
	ErrInvalidState = errors.New("servicemgr: invalid state transition")
)
