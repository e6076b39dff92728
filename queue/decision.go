// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
)

// ApplyDecision executes a decision for qm and reports whether the message
// may proceed in its current stage. customAck, when set, is sent to the
// producer instead of a generated acknowledgment.
func (q *Queue) ApplyDecision(ctx context.Context, qm *types.QueueMessage, d types.Decision, customAck *types.Message) bool {
	return q.applyDecision(ctx, qm, d, customAck, false)
}

// applyDecision runs the save, acknowledge, put-back and remove steps. Each
// step is isolated; failures are reported and never returned. At a terminal
// stage (ack or timeout) a message that is not put back is removed even
// when allowed.
func (q *Queue) applyDecision(ctx context.Context, qm *types.QueueMessage, d types.Decision, customAck *types.Message, terminal bool) bool {
	qm.SetDecision(d)

	if d.SaveMessage && !qm.IsSaved() {
		q.saveMessage(ctx, qm)
	}

	if ackOwed(d, qm) {
		q.ackProducer(ctx, qm, d, customAck)
	}

	switch {
	case d.PutBack != types.PutBackNo:
		q.putBack(ctx, qm, d.PutBack)
	case !d.Allow || terminal:
		q.completeMessage(ctx, qm)
	}

	if q.forwarder != nil {
		if err := safeCall(func() error {
			q.forwarder.ForwardDecision(ctx, q, qm, d)
			return nil
		}); err != nil {
			q.reportError(qm.ID(), fmt.Errorf("forward decision: %w", err))
		}
	}

	return d.Allow
}

func ackOwed(d types.Decision, qm *types.QueueMessage) bool {
	switch d.Acknowledge {
	case types.AckDecisionAlways, types.AckDecisionNegative:
		return true
	case types.AckDecisionIfSaved:
		return qm.IsSaved()
	default:
		return false
	}
}

func (q *Queue) saveMessage(ctx context.Context, qm *types.QueueMessage) {
	var saved bool
	err := safeCall(func() error {
		var err error
		saved, err = q.handler.SaveMessage(ctx, q, qm)
		return err
	})
	if err != nil {
		q.reportError(qm.ID(), fmt.Errorf("save message: %w", err))
		return
	}
	if saved {
		qm.MarkSaved()
	}
}

// ackProducer sends at most one acknowledgment per message to its producer.
func (q *Queue) ackProducer(ctx context.Context, qm *types.QueueMessage, d types.Decision, customAck *types.Message) {
	if !qm.ProducerWaitsAck || qm.Source == nil || !qm.MarkAckSent() {
		return
	}

	negative := d.Acknowledge == types.AckDecisionNegative
	ack := customAck
	if ack == nil {
		ack = types.NewAck(qm.Message, negative, "")
	} else if negative && !ack.IsNegativeAck() {
		ack = ack.Clone()
		ack.SetHeader(types.HeaderNegativeAck, "none")
	}

	var sent bool
	err := safeCall(func() error {
		if !qm.Source.IsConnected() {
			return nil
		}
		if err := qm.Source.Send(ctx, ack); err != nil {
			return err
		}
		sent = true
		return nil
	})
	if err != nil {
		q.reportError(qm.ID(), fmt.Errorf("acknowledge producer: %w", err))
	}

	if qm.AckCallback != nil {
		if err := safeCall(func() error {
			qm.AckCallback(qm, sent)
			return nil
		}); err != nil {
			q.reportError(qm.ID(), fmt.Errorf("ack callback: %w", err))
		}
	}
}

// putBack re-inserts qm. With a put-back delay the insert runs on a
// background goroutine and the caller does not wait.
func (q *Queue) putBack(ctx context.Context, qm *types.QueueMessage, where types.PutBack) {
	front := where == types.PutBackStart
	delay := q.Config().PutBackDelay
	if delay <= 0 {
		if q.enqueue(qm, front) {
			q.triggerAsync()
		}
		return
	}

	q.spawn(func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if q.enqueue(qm, front) {
			q.Trigger(ctx)
		}
	})
}

// completeMessage removes qm for good. Only the first call counts.
func (q *Queue) completeMessage(ctx context.Context, qm *types.QueueMessage) {
	if !qm.MarkRemoved() {
		return
	}
	q.stats.removed.Add(1)

	if err := safeCall(func() error {
		return q.handler.MessageDequeued(ctx, q, qm)
	}); err != nil {
		q.reportError(qm.ID(), fmt.Errorf("message dequeued: %w", err))
	}

	if q.Config().AutoDestroy != types.AutoDestroyDisabled && q.Len() == 0 {
		q.checkAutoDestroy(ctx)
	}
}
