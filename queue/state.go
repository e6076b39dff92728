// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync/atomic"

	"github.com/absmach/fluxqueue/queue/types"
)

// StatusAction is the answer of a state to a transition request.
type StatusAction uint8

const (
	ActionDeny StatusAction = iota
	ActionAllow
	// ActionAllowAndTrigger approves and runs a dispatch pass afterwards.
	ActionAllowAndTrigger
	// ActionDenyAndTrigger vetoes but runs a dispatch pass to drain in-flight work.
	ActionDenyAndTrigger
)

func (a StatusAction) allows() bool {
	return a == ActionAllow || a == ActionAllowAndTrigger
}

func (a StatusAction) triggers() bool {
	return a == ActionAllowAndTrigger || a == ActionDenyAndTrigger
}

// State is the strategy of a queue for its current status.
type State interface {
	Status() types.QueueStatus

	// Writable reports whether producers may push.
	Writable() bool

	// CanEnqueue reports whether qm is stored in the lists and dispatched by
	// the trigger loop. When false the message is handed to Push directly.
	CanEnqueue(qm *types.QueueMessage) bool

	// Push sends qm to consumers according to the status.
	Push(ctx context.Context, qm *types.QueueMessage) (types.PushResult, error)

	// TriggerSupported reports whether the trigger loop dispatches.
	TriggerSupported() bool

	// ProcessingMessage returns the message being handed to a consumer, if any.
	ProcessingMessage() *types.QueueMessage

	LeaveApproval(ctx context.Context, next types.QueueStatus) StatusAction
	EnterApproval(ctx context.Context, prev types.QueueStatus) StatusAction
}

func newState(q *Queue, status types.QueueStatus) State {
	switch status {
	case types.StatusPush:
		return &pushState{baseState: baseState{q: q}}
	case types.StatusRoundRobin:
		return &roundRobinState{baseState: baseState{q: q}}
	case types.StatusPull:
		return &pullState{baseState: baseState{q: q}}
	case types.StatusRoute:
		return &routeState{baseState: baseState{q: q}}
	case types.StatusPaused:
		return &pausedState{baseState: baseState{q: q}}
	case types.StatusStopped:
		return &stoppedState{baseState: baseState{q: q}, status: types.StatusStopped}
	default:
		return &stoppedState{baseState: baseState{q: q}, status: types.StatusNotInitialized}
	}
}

type baseState struct {
	q          *Queue
	processing atomic.Pointer[types.QueueMessage]
}

func (s *baseState) ProcessingMessage() *types.QueueMessage {
	return s.processing.Load()
}

// sendTo hands qm to clients and maps the outcome to a push result.
func (s *baseState) sendTo(ctx context.Context, qm *types.QueueMessage, clients []*Client) (types.PushResult, error) {
	s.processing.Store(qm)
	defer s.processing.Store(nil)

	n, err := s.q.send(ctx, qm, clients)
	if err != nil {
		return types.PushError, err
	}
	if n == 0 {
		return types.PushNoConsumers, nil
	}
	return types.PushSuccess, nil
}

// leaveWithPending vetoes stopping while deliveries await acknowledgment.
func (s *baseState) leaveWithPending(next types.QueueStatus) StatusAction {
	if next == types.StatusStopped && s.q.timeKeeper.pending() > 0 {
		return ActionDenyAndTrigger
	}
	return ActionAllow
}
