// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrQueueAlreadyExists     = errors.New("queue already exists")
	ErrQueueNotFound          = errors.New("queue not found")
	ErrInvalidQueueName       = errors.New("invalid queue name")
	ErrNoDeliveryHandler      = errors.New("no delivery handler")
	ErrUnknownDeliveryHandler = errors.New("unknown delivery handler")
	ErrQueueDestroyed         = errors.New("queue destroyed")
	ErrTransitionDenied       = errors.New("status transition denied")
	ErrStatusNotSupported     = errors.New("operation not supported in current status")
	ErrDeliveryNotFound       = errors.New("delivery not found")
	ErrNotSubscribed          = errors.New("not subscribed")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrHandlerPanic           = errors.New("delivery handler panicked")
)

// ErrorFunc receives every error caught inside the engine together with the
// queue name and, when known, the message ID.
type ErrorFunc func(queue, messageID string, err error)

// LogErrors is the default ErrorFunc.
func LogErrors(logger *slog.Logger) ErrorFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(queue, messageID string, err error) {
		logger.Error("queue error",
			slog.String("queue", queue),
			slog.String("message_id", messageID),
			slog.String("error", err.Error()))
	}
}

// safeCall runs fn and turns a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn()
}
