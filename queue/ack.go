// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"

	"github.com/absmach/fluxqueue/queue/types"
)

// AcknowledgeDelivered handles a consumer ack. A negative ack carries the
// Negative-Ack-Reason header. A second ack for the same delivery is a no-op.
// ErrDeliveryNotFound is returned when no tracked delivery matches; the ack
// is still handed to the delivery handler.
func (q *Queue) AcknowledgeDelivered(ctx context.Context, peer types.Peer, ack *types.Message) error {
	if q.destroyed.Load() {
		return ErrQueueDestroyed
	}
	if !q.initialized.Load() {
		return ErrDeliveryNotFound
	}

	success := !ack.IsNegativeAck()
	d := q.findDelivery(ctx, peer.ID(), ack.ID)
	if d == nil {
		if err := safeCall(func() error {
			_, err := q.handler.AcknowledgeReceived(ctx, q, ack, nil, success)
			return err
		}); err != nil {
			q.reportError(ack.ID, fmt.Errorf("acknowledge received: %w", err))
		}
		return ErrDeliveryNotFound
	}

	if !d.MarkAcknowledged(success) {
		// Lost to the time keeper or a duplicate ack.
		return nil
	}
	q.timeKeeper.untrack(d)
	d.Receiver.clearProcessing(d.Message)

	if success {
		q.stats.acks.Add(1)
	} else {
		q.stats.nacks.Add(1)
	}
	q.events.MessageAcknowledged(q, d, success)

	qm := d.Message
	var decision types.Decision
	err := safeCall(func() error {
		var err error
		decision, err = q.handler.AcknowledgeReceived(ctx, q, ack, d, success)
		return err
	})
	if err != nil {
		q.reportError(qm.ID(), fmt.Errorf("acknowledge received: %w", err))
		decision = q.exceptionDecision(ctx, qm, err)
	}

	// The producer receives the consumer's verdict, including a nack reason.
	forward := types.NewAck(qm.Message, !success, ack.Header(types.HeaderNegativeAck))
	q.applyDecision(ctx, qm, decision, forward, true)

	d.releaseGate()
	q.triggerAsync()
	return nil
}

// findDelivery looks up a tracked delivery, retrying briefly because an ack
// can race the registration of its delivery.
func (q *Queue) findDelivery(ctx context.Context, clientID, messageID string) *Delivery {
	if d := q.timeKeeper.find(clientID, messageID); d != nil {
		return d
	}
	for _, delay := range q.ackRetryDelays {
		if !sleep(ctx, delay) {
			return nil
		}
		if d := q.timeKeeper.find(clientID, messageID); d != nil {
			return d
		}
	}
	return nil
}
