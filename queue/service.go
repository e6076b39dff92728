// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"

	"github.com/absmach/fluxqueue/queue/types"
)

// Compile-time interface assertions. Manager implements each narrow contract
// that consumers depend on individually.
var (
	_ Router        = (*Manager)(nil)
	_ Admin         = (*Manager)(nil)
	_ StatsProvider = (*Manager)(nil)
	_ Service       = (*Manager)(nil)
)

// Router moves messages between peers and queues.
type Router interface {
	Push(ctx context.Context, msg *types.Message, sender types.Peer) (types.PushResult, error)
	Subscribe(ctx context.Context, name string, peer types.Peer) (types.SubscriptionResult, error)
	Unsubscribe(ctx context.Context, name string, peer types.Peer) error
	Acknowledge(ctx context.Context, peer types.Peer, ack *types.Message) error
	Pull(ctx context.Context, name string, peer types.Peer, req PullRequest) (PullResult, error)
	Disconnect(ctx context.Context, peer types.Peer)
}

// Admin manages the set of queues.
type Admin interface {
	CreateQueue(ctx context.Context, cfg types.QueueConfig) (*Queue, error)
	GetOrCreateQueue(ctx context.Context, name string, headers map[string]string) (*Queue, error)
	RemoveQueue(ctx context.Context, name string) error
	SetStatus(ctx context.Context, name string, status types.QueueStatus) error
	Defaults(name string) types.QueueConfig
}

// StatsProvider exposes read-only queue statistics.
type StatsProvider interface {
	Stats() []Stats
}

// Service is what the broker needs from the queue layer.
type Service interface {
	Router
	Admin
	StatsProvider
}
