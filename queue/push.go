// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
	"github.com/google/uuid"
)

// Push accepts a producer message. The result is always deterministic; an
// error is returned only together with PushError.
func (q *Queue) Push(ctx context.Context, msg *types.Message, sender types.Peer) (types.PushResult, error) {
	if q.destroyed.Load() {
		return types.PushError, ErrQueueDestroyed
	}
	if err := q.Initialize(ctx); err != nil {
		q.reportError(msg.ID, err)
		return types.PushError, err
	}

	if !q.State().Writable() {
		return types.PushStatusNotSupported, nil
	}
	if q.authorizer != nil && !q.authorizer.CanPush(ctx, q, sender, msg) {
		return types.PushError, ErrUnauthorized
	}

	cfg := q.Config()
	if cfg.MessageSizeLimit > 0 && int64(len(msg.Payload)) > cfg.MessageSizeLimit {
		return types.PushLimitExceeded, nil
	}
	if cfg.MessageLimit > 0 && q.Len() >= cfg.MessageLimit {
		return types.PushLimitExceeded, nil
	}
	if cfg.UniqueIDCheck && msg.ID != "" && q.containsID(msg.ID) {
		return types.PushDuplicateUniqueID, nil
	}

	qm := q.prepare(msg, sender, cfg)
	q.stats.received.Add(1)
	q.events.MessageProduced(q, qm)

	var (
		result types.PushResult
		err    error
	)
	if perr := safeCall(func() error {
		result, err = q.processPush(ctx, qm, sender)
		return err
	}); perr != nil {
		q.recoverMessage(ctx, qm, perr)
		return types.PushError, nil
	}
	return result, nil
}

// prepare wraps a producer message for queue ownership.
func (q *Queue) prepare(msg *types.Message, sender types.Peer, cfg types.QueueConfig) *types.QueueMessage {
	msg = msg.Clone()
	types.StripOperationalHeaders(msg)
	msg.Type = types.TypeQueueMessage
	msg.Target = q.name
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if sender != nil && msg.Source == "" {
		msg.Source = sender.ID()
	}

	qm := types.NewQueueMessage(msg, sender)
	msg.WaitResponse = cfg.Acknowledge != types.AckNone
	if cfg.MessageTimeout > 0 {
		qm.Deadline = qm.CreatedAt.Add(cfg.MessageTimeout)
	}
	return qm
}

func (q *Queue) processPush(ctx context.Context, qm *types.QueueMessage, sender types.Peer) (types.PushResult, error) {
	var decision types.Decision
	err := safeCall(func() error {
		var err error
		decision, err = q.handler.ReceivedFromProducer(ctx, q, qm, sender)
		return err
	})
	if err != nil {
		return types.PushError, fmt.Errorf("received from producer: %w", err)
	}

	if !q.applyDecision(ctx, qm, decision, nil, false) || decision.PutBack != types.PutBackNo {
		return types.PushSuccess, nil
	}

	state := q.State()
	if state.CanEnqueue(qm) {
		q.enqueue(qm, false)
		q.triggerAsync()
		return types.PushSuccess, nil
	}
	return state.Push(ctx, qm)
}

// recoverMessage converts a failure of the push or send path into an
// ExceptionThrown decision. A failure while recovering is reported and
// swallowed.
func (q *Queue) recoverMessage(ctx context.Context, qm *types.QueueMessage, cause error) {
	q.reportError(qm.ID(), cause)

	err := safeCall(func() error {
		decision := q.exceptionDecision(ctx, qm, cause)
		q.applyDecision(ctx, qm, decision, nil, false)
		return nil
	})
	if err != nil {
		q.reportError(qm.ID(), fmt.Errorf("recovery failed: %w", err))
	}
}

// exceptionDecision asks the handler how to recover from err. When the
// handler fails too, the message is put back if the state stores messages.
func (q *Queue) exceptionDecision(ctx context.Context, qm *types.QueueMessage, cause error) types.Decision {
	var decision types.Decision
	err := safeCall(func() error {
		var err error
		decision, err = q.handler.ExceptionThrown(ctx, q, qm, cause)
		return err
	})
	if err == nil {
		return decision
	}

	q.reportError(qm.ID(), fmt.Errorf("exception thrown: %w", err))
	if q.State().CanEnqueue(qm) {
		return types.PutBackDecision(types.PutBackEnd)
	}
	return types.Deny()
}

// enqueue adds qm to its list, at the head when front is set.
func (q *Queue) enqueue(qm *types.QueueMessage, front bool) bool {
	if q.destroyed.Load() || qm.IsRemoved() {
		return false
	}
	list := q.regular
	if qm.Message.HighPriority {
		list = q.priority
	}
	if front {
		return list.pushFront(qm)
	}
	return list.pushBack(qm)
}

// popNext removes the next message to dispatch, priority first.
func (q *Queue) popNext() *types.QueueMessage {
	if qm := q.priority.popFront(); qm != nil {
		return qm
	}
	return q.regular.popFront()
}

func (q *Queue) containsID(id string) bool {
	return q.priority.contains(id) || q.regular.contains(id)
}

// AddClient subscribes a consumer.
func (q *Queue) AddClient(ctx context.Context, peer types.Peer) types.SubscriptionResult {
	if q.destroyed.Load() {
		return types.SubscriptionUnauthorized
	}
	if q.authenticator != nil && !q.authenticator.Authenticate(ctx, q, peer) {
		return types.SubscriptionUnauthorized
	}
	if q.clients.find(peer.ID()) != nil {
		return types.SubscriptionSuccess
	}

	limit := q.Config().ClientLimit
	if limit > 0 && q.clients.len() >= limit {
		return types.SubscriptionFull
	}

	c := newClient(peer)
	if !q.clients.add(c) {
		return types.SubscriptionSuccess
	}
	q.events.ConsumerSubscribed(q, c)
	q.triggerAsync()
	return types.SubscriptionSuccess
}

// RemoveClient unsubscribes a consumer and reports whether it was
// subscribed. Deliveries it still holds are resolved as timed out; a
// message whose other receivers still owe an ack is left to them.
func (q *Queue) RemoveClient(ctx context.Context, peer types.Peer) bool {
	c := q.clients.remove(peer.ID())
	if c == nil {
		return false
	}
	q.events.ConsumerUnsubscribed(q, c)

	if released := q.timeKeeper.release(c.ID()); len(released) > 0 {
		q.spawn(func(ctx context.Context) {
			q.resolveTimedOut(ctx, released)
		})
	}
	q.checkAutoDestroy(ctx)
	return true
}

// FindClient returns the subscription of a peer.
func (q *Queue) FindClient(id string) *Client {
	return q.clients.find(id)
}

// nextAvailableClient picks the next connected consumer that is not busy,
// rotating. It retries with growing delays up to wait before giving up.
func (q *Queue) nextAvailableClient(ctx context.Context, wait time.Duration) *Client {
	deadline := time.Now().Add(wait)
	delay := 3 * time.Millisecond

	for {
		clients := q.clients.snapshot()
		if len(clients) == 0 {
			return nil
		}

		now := time.Now()
		for range clients {
			idx := int((q.rrIndex.Add(1) - 1) % uint32(len(clients)))
			c := clients[idx]
			if c.IsConnected() && !c.IsBusy(now) {
				return c
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if !sleep(ctx, min(delay, remaining)) {
			return nil
		}
		delay = min(delay*2, 250*time.Millisecond)
	}
}

// sleep waits for d and reports whether ctx stayed alive.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
