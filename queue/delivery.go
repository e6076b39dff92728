// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
)

// AckState is the acknowledgment state of a delivery.
type AckState int32

const (
	AckPending AckState = iota
	AckPositive
	AckNegative
	AckTimedOut
)

func (s AckState) String() string {
	switch s {
	case AckPending:
		return "pending"
	case AckPositive:
		return "positive"
	case AckNegative:
		return "negative"
	case AckTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Delivery tracks one send of a message to one consumer until it is
// acknowledged, times out or the consumer goes away.
type Delivery struct {
	Message  *types.QueueMessage
	Receiver *Client
	SentAt   time.Time
	Deadline time.Time // Zero waits until the receiver disconnects.

	state   atomic.Int32
	token   *gateToken
	release sync.Once
}

func newDelivery(qm *types.QueueMessage, c *Client, now time.Time, ackTimeout time.Duration, token *gateToken) *Delivery {
	d := &Delivery{
		Message:  qm,
		Receiver: c,
		SentAt:   now,
		token:    token,
	}
	if ackTimeout > 0 {
		d.Deadline = now.Add(ackTimeout)
	}
	if token != nil {
		token.add()
	}
	return d
}

// State returns the current acknowledgment state.
func (d *Delivery) State() AckState {
	return AckState(d.state.Load())
}

// Resolved reports whether the delivery left the pending state.
func (d *Delivery) Resolved() bool {
	return d.State() != AckPending
}

// Expired reports whether the ack deadline passed at now.
func (d *Delivery) Expired(now time.Time) bool {
	return !d.Deadline.IsZero() && !now.Before(d.Deadline)
}

// MarkAcknowledged resolves the delivery with a consumer ack. Only the first
// resolution wins; false means a timeout or another ack got there first.
func (d *Delivery) MarkAcknowledged(success bool) bool {
	next := AckPositive
	if !success {
		next = AckNegative
	}
	return d.state.CompareAndSwap(int32(AckPending), int32(next))
}

// MarkTimedOut resolves the delivery as timed out. Only the first resolution wins.
func (d *Delivery) MarkTimedOut() bool {
	return d.state.CompareAndSwap(int32(AckPending), int32(AckTimedOut))
}

// releaseGate frees this delivery's share of the wait-for-ack gate.
func (d *Delivery) releaseGate() {
	d.release.Do(func() {
		if d.token != nil {
			d.token.done()
		}
	})
}
