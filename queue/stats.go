// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync/atomic"

	"github.com/absmach/fluxqueue/queue/types"
)

// counters are monotonic. sent counts messages handed to at least one
// consumer, delivered counts every single send.
type counters struct {
	received    atomic.Int64
	sent        atomic.Int64
	delivered   atomic.Int64
	acks        atomic.Int64
	nacks       atomic.Int64
	timeouts    atomic.Int64
	ackTimeouts atomic.Int64
	removed     atomic.Int64
	errors      atomic.Int64
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name        string            `json:"name"`
	Status      types.QueueStatus `json:"status"`
	Initialized bool              `json:"initialized"`

	Received    int64 `json:"received"`
	Sent        int64 `json:"sent"`
	Delivered   int64 `json:"delivered"`
	Acks        int64 `json:"acks"`
	Nacks       int64 `json:"nacks"`
	Timeouts    int64 `json:"timeouts"`
	AckTimeouts int64 `json:"ack_timeouts"`
	Removed     int64 `json:"removed"`
	Errors      int64 `json:"errors"`

	PriorityMessages  int `json:"priority_messages"`
	RegularMessages   int `json:"regular_messages"`
	Consumers         int `json:"consumers"`
	PendingDeliveries int `json:"pending_deliveries"`

	// Processing is the ID of the message being handed to a consumer.
	Processing string `json:"processing,omitempty"`
}

// Stats returns the counters and gauges of the queue.
func (q *Queue) Stats() Stats {
	state := q.State()
	stats := Stats{
		Name:              q.name,
		Status:            state.Status(),
		Initialized:       q.initialized.Load(),
		Received:          q.stats.received.Load(),
		Sent:              q.stats.sent.Load(),
		Delivered:         q.stats.delivered.Load(),
		Acks:              q.stats.acks.Load(),
		Nacks:             q.stats.nacks.Load(),
		Timeouts:          q.stats.timeouts.Load(),
		AckTimeouts:       q.stats.ackTimeouts.Load(),
		Removed:           q.stats.removed.Load(),
		Errors:            q.stats.errors.Load(),
		PriorityMessages:  q.priority.len(),
		RegularMessages:   q.regular.len(),
		Consumers:         q.clients.len(),
		PendingDeliveries: q.timeKeeper.pending(),
	}
	if qm := state.ProcessingMessage(); qm != nil {
		stats.Processing = qm.ID()
	}
	return stats
}
