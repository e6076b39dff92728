// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoAddress        = errors.New("no broker address configured")
	ErrInvalidTransport = errors.New("invalid transport (must be tcp or websocket)")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")

	// Operation errors.
	ErrConnectionLost = errors.New("connection lost")
	ErrClientClosed   = errors.New("client has been closed")
	ErrEmptyQueue     = errors.New("queue name cannot be empty")
	ErrNoHandler      = errors.New("message handler cannot be nil")
	ErrInvalidCount   = errors.New("pull count must be positive")
	ErrNoAckRequired  = errors.New("message does not require an acknowledgment")
	ErrDuplicateID    = errors.New("request with the same id is in flight")
)

// ResultError is returned when the broker answers a request with a failure
// result.
type ResultError struct {
	Op     string
	Queue  string
	Result string
	Reason string
}

func (e *ResultError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Op, e.Queue, e.Result, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Queue, e.Result)
}

// NackError is returned by PushWait when the producer receives a negative
// acknowledgment.
type NackError struct {
	MessageID string
	Reason    string
}

func (e *NackError) Error() string {
	return fmt.Sprintf("message %s negatively acknowledged: %s", e.MessageID, e.Reason)
}
