// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"

	"github.com/absmach/fluxqueue/queue/types"
)

// pullState keeps messages until a consumer asks for them.
type pullState struct {
	baseState
}

func (s *pullState) Status() types.QueueStatus              { return types.StatusPull }
func (s *pullState) Writable() bool                         { return true }
func (s *pullState) CanEnqueue(qm *types.QueueMessage) bool { return true }
func (s *pullState) TriggerSupported() bool                 { return false }

func (s *pullState) Push(context.Context, *types.QueueMessage) (types.PushResult, error) {
	return types.PushStatusNotSupported, nil
}

func (s *pullState) LeaveApproval(context.Context, types.QueueStatus) StatusAction {
	return ActionAllow
}

func (s *pullState) EnterApproval(context.Context, types.QueueStatus) StatusAction {
	return ActionAllow
}

// routeState sends each message straight to one available consumer and
// drops it when there is none. Nothing is stored.
type routeState struct {
	baseState
}

func (s *routeState) Status() types.QueueStatus              { return types.StatusRoute }
func (s *routeState) Writable() bool                         { return true }
func (s *routeState) CanEnqueue(qm *types.QueueMessage) bool { return false }
func (s *routeState) TriggerSupported() bool                 { return false }

func (s *routeState) Push(ctx context.Context, qm *types.QueueMessage) (types.PushResult, error) {
	c := s.q.nextAvailableClient(ctx, 0)
	if c == nil {
		s.q.completeMessage(ctx, qm)
		return types.PushNoConsumers, nil
	}

	res, err := s.sendTo(ctx, qm, []*Client{c})
	if res == types.PushNoConsumers {
		s.q.completeMessage(ctx, qm)
	}
	return res, err
}

func (s *routeState) LeaveApproval(context.Context, types.QueueStatus) StatusAction {
	return ActionAllow
}

// EnterApproval refuses while messages are queued: route would never
// dispatch them.
func (s *routeState) EnterApproval(context.Context, types.QueueStatus) StatusAction {
	if s.q.Len() > 0 {
		return ActionDeny
	}
	return ActionAllow
}

// pausedState accepts messages but never dispatches.
type pausedState struct {
	baseState
}

func (s *pausedState) Status() types.QueueStatus              { return types.StatusPaused }
func (s *pausedState) Writable() bool                         { return true }
func (s *pausedState) CanEnqueue(qm *types.QueueMessage) bool { return true }
func (s *pausedState) TriggerSupported() bool                 { return false }

func (s *pausedState) Push(context.Context, *types.QueueMessage) (types.PushResult, error) {
	return types.PushStatusNotSupported, nil
}

func (s *pausedState) LeaveApproval(context.Context, types.QueueStatus) StatusAction {
	return ActionAllowAndTrigger
}

func (s *pausedState) EnterApproval(context.Context, types.QueueStatus) StatusAction {
	return ActionAllow
}

// stoppedState rejects everything. It also stands for a queue that has not
// been initialized yet.
type stoppedState struct {
	baseState
	status types.QueueStatus
}

func (s *stoppedState) Status() types.QueueStatus              { return s.status }
func (s *stoppedState) Writable() bool                         { return false }
func (s *stoppedState) CanEnqueue(qm *types.QueueMessage) bool { return false }
func (s *stoppedState) TriggerSupported() bool                 { return false }

func (s *stoppedState) Push(context.Context, *types.QueueMessage) (types.PushResult, error) {
	return types.PushStatusNotSupported, nil
}

func (s *stoppedState) LeaveApproval(context.Context, types.QueueStatus) StatusAction {
	return ActionAllow
}

func (s *stoppedState) EnterApproval(context.Context, types.QueueStatus) StatusAction {
	return ActionAllow
}
