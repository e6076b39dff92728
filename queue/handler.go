// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/absmach/fluxqueue/queue/types"
)

// DeliveryHandler decides what happens to a message at every stage of its
// life in a queue. Every method may be slow; the engine never holds a list
// lock while calling it. A returned error is reported and routed through
// ExceptionThrown.
type DeliveryHandler interface {
	// ReceivedFromProducer is called once per producer push.
	ReceivedFromProducer(ctx context.Context, q *Queue, qm *types.QueueMessage, sender types.Peer) (types.Decision, error)

	// AcknowledgeReceived is called when a consumer acknowledges a delivery.
	// d is nil when the delivery is no longer tracked.
	AcknowledgeReceived(ctx context.Context, q *Queue, ack *types.Message, d *Delivery, success bool) (types.Decision, error)

	// MessageTimedOut is called when a queued message passes its deadline.
	MessageTimedOut(ctx context.Context, q *Queue, qm *types.QueueMessage) (types.Decision, error)

	// AcknowledgeTimedOut is called when a delivery passes its ack deadline
	// or every receiver of the message disconnected.
	AcknowledgeTimedOut(ctx context.Context, q *Queue, d *Delivery) (types.Decision, error)

	// ExceptionThrown is called after any other callback or the send path failed.
	ExceptionThrown(ctx context.Context, q *Queue, qm *types.QueueMessage, err error) (types.Decision, error)

	// SaveMessage persists qm and reports whether it was saved.
	SaveMessage(ctx context.Context, q *Queue, qm *types.QueueMessage) (bool, error)

	// MessageDequeued is called once when a message leaves the queue for good.
	MessageDequeued(ctx context.Context, q *Queue, qm *types.QueueMessage) error
}

// Restorer is implemented by handlers that can reload saved messages into a
// queue when the server starts.
type Restorer interface {
	Restore(ctx context.Context, q *Queue) error
}

// Purger is implemented by handlers that keep data outside the queue and
// must drop it when the queue is removed.
type Purger interface {
	Purge(ctx context.Context, q *Queue) error
}

// HandlerFactory builds the delivery handler of a queue.
type HandlerFactory func(ctx context.Context, q *Queue) (DeliveryHandler, error)

// HandlerRegistry maps delivery handler names to factories. It is owned by
// the Manager; there is no process-wide registry.
type HandlerRegistry map[string]HandlerFactory

// Built-in handler names.
const (
	HandlerDefault = types.DefaultDeliveryHandler
	HandlerAck     = "ack"
)

// DefaultHandlers returns a registry holding the built-in handlers.
func DefaultHandlers() HandlerRegistry {
	return HandlerRegistry{
		HandlerDefault: func(context.Context, *Queue) (DeliveryHandler, error) {
			return JustAllowHandler{}, nil
		},
		HandlerAck: func(context.Context, *Queue) (DeliveryHandler, error) {
			return AckRequiredHandler{}, nil
		},
	}
}

// Resolve returns a factory that picks the handler named in the queue
// configuration.
func (r HandlerRegistry) Resolve() HandlerFactory {
	return func(ctx context.Context, q *Queue) (DeliveryHandler, error) {
		name := strings.ToLower(q.Config().DeliveryHandler)
		if name == "" {
			name = HandlerDefault
		}
		factory, ok := r[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDeliveryHandler, name)
		}
		return factory(ctx, q)
	}
}

// JustAllowHandler lets every message through and never acknowledges the
// producer. Failed and timed out deliveries are put back at the end.
type JustAllowHandler struct{}

var _ DeliveryHandler = JustAllowHandler{}

func (JustAllowHandler) ReceivedFromProducer(context.Context, *Queue, *types.QueueMessage, types.Peer) (types.Decision, error) {
	return types.Allow(), nil
}

func (JustAllowHandler) AcknowledgeReceived(context.Context, *Queue, *types.Message, *Delivery, bool) (types.Decision, error) {
	return types.Allow(), nil
}

func (JustAllowHandler) MessageTimedOut(context.Context, *Queue, *types.QueueMessage) (types.Decision, error) {
	return types.Deny(), nil
}

func (JustAllowHandler) AcknowledgeTimedOut(context.Context, *Queue, *Delivery) (types.Decision, error) {
	return types.PutBackDecision(types.PutBackEnd), nil
}

func (JustAllowHandler) ExceptionThrown(context.Context, *Queue, *types.QueueMessage, error) (types.Decision, error) {
	return types.PutBackDecision(types.PutBackEnd), nil
}

func (JustAllowHandler) SaveMessage(context.Context, *Queue, *types.QueueMessage) (bool, error) {
	return false, nil
}

func (JustAllowHandler) MessageDequeued(context.Context, *Queue, *types.QueueMessage) error {
	return nil
}

// AckRequiredHandler forwards consumer acknowledgments to producers and
// answers timeouts with a negative acknowledgment.
type AckRequiredHandler struct {
	JustAllowHandler
}

func (AckRequiredHandler) AcknowledgeReceived(_ context.Context, _ *Queue, _ *types.Message, _ *Delivery, success bool) (types.Decision, error) {
	if success {
		return types.Allow().WithAck(types.AckDecisionAlways), nil
	}
	return types.Allow().WithAck(types.AckDecisionNegative), nil
}

func (AckRequiredHandler) MessageTimedOut(context.Context, *Queue, *types.QueueMessage) (types.Decision, error) {
	return types.Deny().WithAck(types.AckDecisionNegative), nil
}

func (AckRequiredHandler) AcknowledgeTimedOut(context.Context, *Queue, *Delivery) (types.Decision, error) {
	return types.Deny().WithAck(types.AckDecisionNegative), nil
}
