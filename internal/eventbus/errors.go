// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import "errors"

var (
	// ErrClosed is returned by any operation invoked after Close.
	ErrClosed = errors.New("eventbus: closed")

	// ErrTimeout is returned by Request when no reply arrives in time.
	ErrTimeout = errors.New("eventbus: request timed out")

	// ErrNATSNotEnabled is returned when a broker is configured with
	// persistence enabled but the binary was not built with -tags nats.
	ErrNATSNotEnabled = errors.New("eventbus: remote broker requires building with -tags nats")

	// ErrInvalidPattern is returned by Subscribe for a malformed topic
	// pattern (e.g. "**" not in trailing position).
	ErrInvalidPattern = errors.New("eventbus: invalid topic pattern")
)
