// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"

	"github.com/absmach/fluxqueue/queue/types"
)

// Authenticator gates consumer subscriptions.
type Authenticator interface {
	Authenticate(ctx context.Context, q *Queue, peer types.Peer) bool
}

// Authorizer gates producer pushes.
type Authorizer interface {
	CanPush(ctx context.Context, q *Queue, peer types.Peer, msg *types.Message) bool
}

// DecisionForwarder receives every applied decision, e.g. to replicate it to
// other nodes.
type DecisionForwarder interface {
	ForwardDecision(ctx context.Context, q *Queue, qm *types.QueueMessage, d types.Decision)
}

// EventListener observes queue activity. Calls are made synchronously from
// the engine and must not block.
type EventListener interface {
	QueueCreated(q *Queue)
	QueueRemoved(q *Queue)
	StatusChanged(q *Queue, from, to types.QueueStatus)
	ConsumerSubscribed(q *Queue, c *Client)
	ConsumerUnsubscribed(q *Queue, c *Client)
	MessageProduced(q *Queue, qm *types.QueueMessage)
	MessageDelivered(q *Queue, d *Delivery)
	MessageAcknowledged(q *Queue, d *Delivery, success bool)
	MessageTimedOut(q *Queue, qm *types.QueueMessage)
	AcknowledgeTimedOut(q *Queue, d *Delivery)
}

// NopListener ignores all events. Embed it to observe a subset.
type NopListener struct{}

var _ EventListener = NopListener{}

func (NopListener) QueueCreated(*Queue)                                        {}
func (NopListener) QueueRemoved(*Queue)                                        {}
func (NopListener) StatusChanged(*Queue, types.QueueStatus, types.QueueStatus) {}
func (NopListener) ConsumerSubscribed(*Queue, *Client)                         {}
func (NopListener) ConsumerUnsubscribed(*Queue, *Client)                       {}
func (NopListener) MessageProduced(*Queue, *types.QueueMessage)                {}
func (NopListener) MessageDelivered(*Queue, *Delivery)                         {}
func (NopListener) MessageAcknowledged(*Queue, *Delivery, bool)                {}
func (NopListener) MessageTimedOut(*Queue, *types.QueueMessage)                {}
func (NopListener) AcknowledgeTimedOut(*Queue, *Delivery)                      {}
