// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"

	"github.com/absmach/fluxqueue/queue/types"
)

// SetStatus moves the queue to status through the state machine.
func (q *Queue) SetStatus(ctx context.Context, status types.QueueStatus) error {
	if q.destroyed.Load() {
		return ErrQueueDestroyed
	}
	if err := q.Initialize(ctx); err != nil {
		return err
	}
	if status == types.StatusNotInitialized {
		return ErrTransitionDenied
	}

	prev := q.Status()
	if !q.TryTransition(ctx, status) {
		return ErrTransitionDenied
	}
	if prev != status {
		q.events.StatusChanged(q, prev, status)
		q.persistConfig(ctx)
		q.logger.Info("queue status changed",
			slog.String("from", string(prev)),
			slog.String("to", string(status)))
	}
	return nil
}

// TryTransition asks the current state to approve leaving, swaps in the new
// state and asks it to approve entering. A vetoed enter rolls back to the
// previous state. No observer sees a half-applied transition.
func (q *Queue) TryTransition(ctx context.Context, status types.QueueStatus) bool {
	q.stateMu.Lock()

	current := q.state
	if current.Status() == status {
		q.stateMu.Unlock()
		return true
	}

	leave := current.LeaveApproval(ctx, status)
	trigger := leave.triggers()
	if !leave.allows() {
		q.stateMu.Unlock()
		if trigger {
			q.triggerAsync()
		}
		return false
	}

	next := newState(q, status)
	q.state = next
	enter := next.EnterApproval(ctx, current.Status())
	if !enter.allows() {
		q.state = current
		q.stateMu.Unlock()
		if trigger {
			q.triggerAsync()
		}
		return false
	}
	trigger = trigger || enter.triggers()

	q.cfgMu.Lock()
	q.config.Status = status
	q.cfgMu.Unlock()
	q.stateMu.Unlock()

	if trigger {
		q.triggerAsync()
	}
	return true
}
