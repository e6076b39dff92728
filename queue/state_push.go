// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"

	"github.com/absmach/fluxqueue/queue/types"
)

// pushState broadcasts every message to all connected consumers.
type pushState struct {
	baseState
}

func (s *pushState) Status() types.QueueStatus              { return types.StatusPush }
func (s *pushState) Writable() bool                         { return true }
func (s *pushState) CanEnqueue(qm *types.QueueMessage) bool { return true }
func (s *pushState) TriggerSupported() bool                 { return true }

func (s *pushState) Push(ctx context.Context, qm *types.QueueMessage) (types.PushResult, error) {
	clients := s.q.clients.snapshot()
	if len(clients) == 0 {
		return types.PushNoConsumers, nil
	}
	return s.sendTo(ctx, qm, clients)
}

func (s *pushState) LeaveApproval(_ context.Context, next types.QueueStatus) StatusAction {
	return s.leaveWithPending(next)
}

func (s *pushState) EnterApproval(context.Context, types.QueueStatus) StatusAction {
	return ActionAllowAndTrigger
}

// roundRobinState sends every message to one consumer, rotating.
type roundRobinState struct {
	baseState
}

func (s *roundRobinState) Status() types.QueueStatus              { return types.StatusRoundRobin }
func (s *roundRobinState) Writable() bool                         { return true }
func (s *roundRobinState) CanEnqueue(qm *types.QueueMessage) bool { return true }
func (s *roundRobinState) TriggerSupported() bool                 { return true }

func (s *roundRobinState) Push(ctx context.Context, qm *types.QueueMessage) (types.PushResult, error) {
	c := s.q.nextAvailableClient(ctx, s.q.Config().ConsumerWaitTimeout)
	if c == nil {
		return types.PushNoConsumers, nil
	}
	return s.sendTo(ctx, qm, []*Client{c})
}

func (s *roundRobinState) LeaveApproval(_ context.Context, next types.QueueStatus) StatusAction {
	return s.leaveWithPending(next)
}

func (s *roundRobinState) EnterApproval(context.Context, types.QueueStatus) StatusAction {
	return ActionAllowAndTrigger
}
