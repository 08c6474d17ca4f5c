// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"errors"

	"github.com/absmach/fluxmq-persist/consumer"
	"github.com/absmach/fluxmq-persist/processing"
	"github.com/absmach/fluxmq-persist/storage"
)

var (
	// ErrDeliveryBreakerOpen is returned when repeated transport failures
	// tripped the client's circuit breaker.
	ErrDeliveryBreakerOpen = errors.New("delivery circuit breaker is open")

	// ErrStartup wraps failures that prevent a client's loop from starting.
	ErrStartup = errors.New("failed to start processing persisted messages")

	ErrNotRunning = errors.New("no persisted message processing for client")
	ErrClosed     = errors.New("processor is closed")
)

type errorClass int

const (
	// Retry after a backoff while the session is still current.
	classRecoverable errorClass = iota
	// Stop the loop and disconnect the client with a stated reason.
	classFatal
	// The loop was asked to stop; leave quietly.
	classStopped
)

// classify decides how the loop running under ctx reacts to err. Context
// errors raised by a dependency while ctx is live, such as a transport write
// deadline, are not a stop request.
func classify(ctx context.Context, err error) errorClass {
	switch {
	case ctx.Err() != nil:
		return classStopped
	case errors.Is(err, ErrDeliveryBreakerOpen),
		errors.Is(err, consumer.ErrClosed),
		errors.Is(err, consumer.ErrNotAssigned),
		errors.Is(err, processing.ErrUnknownStrategy),
		errors.Is(err, storage.ErrCorrupted),
		errors.Is(err, storage.ErrClosed):
		return classFatal
	default:
		return classRecoverable
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrDeliveryBreakerOpen):
		return "delivery_breaker_open"
	case errors.Is(err, storage.ErrCorrupted):
		return "corrupted_record"
	case errors.Is(err, ErrStartup):
		return "startup"
	default:
		return "processing"
	}
}
