// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
)

// TimeKeeper tracks deliveries awaiting acknowledgment and sweeps both
// message and acknowledgment timeouts on a fixed interval. Deadlines are
// polled; no per-message timers exist.
type TimeKeeper struct {
	q *Queue

	mu         sync.Mutex
	deliveries []*Delivery
}

func newTimeKeeper(q *Queue) *TimeKeeper {
	return &TimeKeeper{q: q}
}

func (tk *TimeKeeper) run(ctx context.Context) {
	ticker := time.NewTicker(tk.q.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tk.sweep(ctx, now)
		}
	}
}

// sweep runs both timeout passes once.
func (tk *TimeKeeper) sweep(ctx context.Context, now time.Time) {
	if err := safeCall(func() error {
		tk.sweepMessages(ctx, now)
		tk.sweepDeliveries(ctx, now)
		return nil
	}); err != nil {
		tk.q.reportError("", fmt.Errorf("time keeper: %w", err))
	}
}

// sweepMessages expires queued messages, priority list first. Messages are
// inserted in deadline order, so a list whose head has not expired is
// skipped without a scan.
func (tk *TimeKeeper) sweepMessages(ctx context.Context, now time.Time) {
	q := tk.q
	for _, list := range []*messageList{q.priority, q.regular} {
		head := list.head()
		if head == nil || !head.Expired(now) {
			continue
		}

		expired := list.removeWhere(func(qm *types.QueueMessage) bool {
			return qm.Expired(now)
		})
		for _, qm := range expired {
			q.messageTimedOut(ctx, qm)
		}
	}
}

// sweepDeliveries classifies tracked deliveries first and applies decisions
// after the lock is released, so slow handlers never block tracking.
func (tk *TimeKeeper) sweepDeliveries(ctx context.Context, now time.Time) {
	var timedOut []*Delivery

	tk.mu.Lock()
	keep := tk.deliveries[:0:0]
	for _, d := range tk.deliveries {
		switch {
		case d.Resolved():
		case d.Expired(now), !d.Receiver.IsConnected():
			if d.MarkTimedOut() {
				timedOut = append(timedOut, d)
			}
		default:
			keep = append(keep, d)
		}
	}
	tk.deliveries = keep
	tk.mu.Unlock()

	tk.q.resolveTimedOut(ctx, timedOut)
}

func (tk *TimeKeeper) track(d *Delivery) {
	tk.mu.Lock()
	tk.deliveries = append(tk.deliveries, d)
	tk.mu.Unlock()
}

func (tk *TimeKeeper) untrack(d *Delivery) {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	for i, tracked := range tk.deliveries {
		if tracked == d {
			tk.deliveries = append(tk.deliveries[:i:i], tk.deliveries[i+1:]...)
			return
		}
	}
}

// release removes the pending deliveries of a client, resolving them as
// timed out, and returns them.
func (tk *TimeKeeper) release(clientID string) []*Delivery {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	var out []*Delivery
	keep := tk.deliveries[:0:0]
	for _, d := range tk.deliveries {
		if d.Receiver.ID() == clientID && d.MarkTimedOut() {
			out = append(out, d)
			continue
		}
		if !d.Resolved() {
			keep = append(keep, d)
		}
	}
	tk.deliveries = keep
	return out
}

// supersede resolves and drops the pending deliveries of qm. It runs before
// qm is sent again.
func (tk *TimeKeeper) supersede(qm *types.QueueMessage) []*Delivery {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	var out []*Delivery
	keep := tk.deliveries[:0:0]
	for _, d := range tk.deliveries {
		if d.Message == qm {
			if d.MarkTimedOut() {
				out = append(out, d)
			}
			continue
		}
		keep = append(keep, d)
	}
	tk.deliveries = keep
	return out
}

// hasPending reports whether a delivery of qm still awaits its ack.
func (tk *TimeKeeper) hasPending(qm *types.QueueMessage) bool {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	for _, d := range tk.deliveries {
		if d.Message == qm && !d.Resolved() {
			return true
		}
	}
	return false
}

func (tk *TimeKeeper) find(clientID, messageID string) *Delivery {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	for _, d := range tk.deliveries {
		if d.Receiver.ID() == clientID && d.Message.ID() == messageID && !d.Resolved() {
			return d
		}
	}
	return nil
}

func (tk *TimeKeeper) pending() int {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	n := 0
	for _, d := range tk.deliveries {
		if !d.Resolved() {
			n++
		}
	}
	return n
}

// reset drops all tracked deliveries and returns them.
func (tk *TimeKeeper) reset() []*Delivery {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	out := tk.deliveries
	tk.deliveries = nil
	return out
}

// messageTimedOut applies the handler decision for a message that expired
// while queued.
func (q *Queue) messageTimedOut(ctx context.Context, qm *types.QueueMessage) {
	qm.MarkTimedOut()
	q.stats.timeouts.Add(1)
	q.events.MessageTimedOut(q, qm)

	var decision types.Decision
	err := safeCall(func() error {
		var err error
		decision, err = q.handler.MessageTimedOut(ctx, q, qm)
		return err
	})
	if err != nil {
		q.reportError(qm.ID(), fmt.Errorf("message timed out: %w", err))
		decision = q.exceptionDecision(ctx, qm, err)
	}
	q.applyDecision(ctx, qm, decision, nil, true)
}

// resolveTimedOut settles deliveries that were marked timed out. The handler
// decides once per send round: for the last delivery of a message still
// awaiting an ack, and for a disconnected receiver only once every receiver
// of the round is gone. The others just free their consumer slot and their
// share of the gate.
func (q *Queue) resolveTimedOut(ctx context.Context, ds []*Delivery) {
	decided := make(map[*types.QueueMessage]bool, len(ds))
	for _, d := range ds {
		qm := d.Message
		final := !decided[qm] && !qm.IsRemoved() && !q.timeKeeper.hasPending(qm)
		if !d.Receiver.IsConnected() && !qm.AllReceiversDisconnected() {
			final = false
		}
		if !final {
			d.Receiver.clearProcessing(qm)
			d.releaseGate()
			continue
		}
		decided[qm] = true
		q.deliveryTimedOut(ctx, d)
	}
}

// deliveryTimedOut applies the handler decision for a delivery that passed
// its ack deadline or lost every receiver, then frees the gate.
func (q *Queue) deliveryTimedOut(ctx context.Context, d *Delivery) {
	qm := d.Message
	d.Receiver.clearProcessing(qm)
	q.stats.ackTimeouts.Add(1)
	q.events.AcknowledgeTimedOut(q, d)

	var decision types.Decision
	err := safeCall(func() error {
		var err error
		decision, err = q.handler.AcknowledgeTimedOut(ctx, q, d)
		return err
	})
	if err != nil {
		q.reportError(qm.ID(), fmt.Errorf("acknowledge timed out: %w", err))
		decision = q.exceptionDecision(ctx, qm, err)
	}

	q.applyDecision(ctx, qm, decision, nil, true)
	d.releaseGate()
}
