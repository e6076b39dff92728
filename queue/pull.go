// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"

	"github.com/absmach/fluxqueue/queue/types"
)

// PullRequest asks a pull queue for up to Count messages.
type PullRequest struct {
	Count int
}

// PullResult reports the outcome of a pull.
type PullResult struct {
	Delivered int
	Result    types.PushResult
}

// Pull sends up to req.Count queued messages, priority first, to peer. It is
// only valid in pull status. On a wait-for-ack queue it never blocks: it
// stops once the single ack permit is taken, and returns NoConsumers when
// the permit was already held by an unacknowledged message.
func (q *Queue) Pull(ctx context.Context, peer types.Peer, req PullRequest) PullResult {
	if q.destroyed.Load() {
		return PullResult{Result: types.PushError}
	}
	if err := q.Initialize(ctx); err != nil {
		q.reportError("", err)
		return PullResult{Result: types.PushError}
	}
	if q.Status() != types.StatusPull {
		return PullResult{Result: types.PushStatusNotSupported}
	}

	count := max(req.Count, 1)
	c := q.clients.find(peer.ID())
	if c == nil {
		c = newClient(peer)
	}

	wait := q.Config().Acknowledge == types.AckWait
	res := PullResult{Result: types.PushSuccess}
	for res.Delivered < count {
		// The ack that frees the gate arrives on the connection that is
		// pulling, so a wait queue never blocks here: it hands out one
		// message per free permit and stops.
		var token *gateToken
		if wait {
			var ok bool
			if token, ok = q.gate.tryAcquire(); !ok {
				if res.Delivered == 0 && q.Len() > 0 {
					res.Result = types.PushNoConsumers
				}
				break
			}
		}

		qm := q.popNext()
		if qm == nil {
			token.done()
			break
		}

		var n int
		err := safeCall(func() error {
			var err error
			n, err = q.deliver(ctx, qm, []*Client{c}, token)
			return err
		})
		token.done()
		if err != nil {
			q.recoverMessage(ctx, qm, fmt.Errorf("pull: %w", err))
			res.Result = types.PushError
			return res
		}
		if n == 0 {
			q.enqueue(qm, true)
			res.Result = types.PushNoConsumers
			return res
		}
		res.Delivered++
	}

	if res.Delivered == 0 && res.Result == types.PushSuccess {
		res.Result = types.PushEmpty
	}
	return res
}
