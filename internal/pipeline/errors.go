// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import "errors"

var (
	ErrUnknownAdapter   = errors.New("pipeline: unknown adapter type")
	ErrUnknownProcessor = errors.New("pipeline: unknown processor or transformer")
	ErrNotFound         = errors.New("pipeline: pipeline not found")
	ErrDisabled         = errors.New("pipeline: pipeline disabled")
	ErrAdapterError     = errors.New("pipeline: adapter operation failed")
	ErrPipelineFailed   = errors.New("pipeline: execution failed")
	ErrDLQOverflow      = errors.New("pipeline: dead letter queue overflow")
	ErrClosed           = errors.New("pipeline: engine closed")
	ErrInvalidConfig    = errors.New("pipeline: invalid pipeline config")
)
