// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import "context"

// Broker is the optional external channel used for cross-process fan-out
// and, if the broker itself persists, for replay beyond this process's
// in-memory history. It is consulted only for the remote relay path;
// local delivery never depends on it.
type Broker interface {
	Publish(channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) error
	Close() error
}

// NopBroker is the always-available, zero-dependency Broker used when
// remote fan-out is disabled (the default). Every operation succeeds
// trivially and no event ever leaves the process.
type NopBroker struct{}

func (NopBroker) Publish(string, []byte) error { return nil }

func (NopBroker) Subscribe(context.Context, string, func(string, []byte)) error { return nil }

func (NopBroker) Close() error { return nil }
