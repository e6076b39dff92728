// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
)

// Trigger runs a dispatch pass. Only one pass runs at a time; a caller that
// finds one running returns immediately and the running pass goes around
// once more.
func (q *Queue) Trigger(ctx context.Context) {
	q.triggerRequested.Store(true)
	for q.triggerRequested.Load() && q.triggerSem.TryAcquire(1) {
		q.triggerRequested.Store(false)
		q.drain(ctx)
		q.triggerSem.Release(1)
	}
}

func (q *Queue) triggerAsync() {
	if !q.initialized.Load() {
		return
	}
	q.spawn(q.Trigger)
}

// drain dispatches queued messages, priority list first, until the lists
// are empty or the state reports nobody can take more.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil && !q.destroyed.Load() {
		state := q.State()
		if !state.TriggerSupported() || q.clients.len() == 0 {
			return
		}

		qm := q.popNext()
		if qm == nil {
			return
		}

		switch q.dispatch(ctx, state, qm) {
		case types.PushNoConsumers, types.PushEmpty, types.PushStatusNotSupported:
			// Leave it for the next trigger instead of spinning.
			if !qm.IsRemoved() && !qm.IsInQueue() {
				q.enqueue(qm, true)
			}
			return
		}

		if delay := q.Config().DelayBetweenMessages; delay > 0 {
			if !sleep(ctx, delay) {
				return
			}
		}
	}
}

// dispatch hands one message to the state. Failures are contained per
// message so a bad message never stops the loop.
func (q *Queue) dispatch(ctx context.Context, state State, qm *types.QueueMessage) types.PushResult {
	var result types.PushResult
	err := safeCall(func() error {
		var err error
		result, err = state.Push(ctx, qm)
		return err
	})
	if err != nil {
		q.recoverMessage(ctx, qm, fmt.Errorf("dispatch: %w", err))
		return types.PushError
	}
	return result
}

// send hands qm to every connected client in clients and returns how many
// received it. With acknowledgments on, each send is tracked as a delivery
// before the message leaves, so an early ack always finds it.
func (q *Queue) send(ctx context.Context, qm *types.QueueMessage, clients []*Client) (int, error) {
	var token *gateToken
	if q.Config().Acknowledge == types.AckWait {
		var err error
		if token, err = q.gate.acquire(ctx); err != nil {
			return 0, err
		}
		// Deliveries hold their own references to the token.
		defer token.done()
	}
	return q.deliver(ctx, qm, clients, token)
}

// deliver sends qm under an already held gate token, nil when the queue does
// not wait for acks. Deliveries left over from an earlier send of qm are
// resolved first so a message is tracked for one round only.
func (q *Queue) deliver(ctx context.Context, qm *types.QueueMessage, clients []*Client, token *gateToken) (int, error) {
	cfg := q.Config()

	for _, d := range q.timeKeeper.supersede(qm) {
		d.Receiver.clearProcessing(qm)
		d.releaseGate()
	}

	qm.ResetReceivers()
	qm.IncSendCount()

	sent := 0
	for _, c := range clients {
		if !c.IsConnected() {
			continue
		}

		var d *Delivery
		if cfg.Acknowledge != types.AckNone {
			d = newDelivery(qm, c, time.Now(), cfg.AckTimeout, token)
			if cfg.Acknowledge == types.AckWait {
				c.setProcessing(qm, d.Deadline)
			}
			q.timeKeeper.track(d)
		}

		if err := c.Peer().Send(ctx, qm.Message); err != nil {
			q.reportError(qm.ID(), fmt.Errorf("send to %s: %w", c.ID(), err))
			if d != nil && d.MarkTimedOut() {
				q.timeKeeper.untrack(d)
				c.clearProcessing(qm)
				d.releaseGate()
			}
			continue
		}

		sent++
		qm.AddReceiver(c.Peer())
		qm.IncDeliveryCount()
		q.stats.delivered.Add(1)
		if d != nil {
			q.events.MessageDelivered(q, d)
		} else {
			q.events.MessageDelivered(q, &Delivery{Message: qm, Receiver: c, SentAt: time.Now()})
		}
	}

	if sent == 0 {
		return 0, nil
	}
	qm.MarkSent()
	q.stats.sent.Add(1)

	if cfg.Acknowledge == types.AckNone {
		q.completeMessage(ctx, qm)
	}
	return sent, nil
}
