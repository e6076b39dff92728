// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxqueue/queue"
	"github.com/absmach/fluxqueue/queue/types"
)

var _ queue.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	next   queue.Service
}

// NewLogging creates logging middleware that wraps a queue service.
// Message traffic is logged at debug level, administration at info.
func NewLogging(svc queue.Service, logger *slog.Logger) queue.Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingMiddleware{logger, svc}
}

// Push logs producer pushes.
func (lm *loggingMiddleware) Push(ctx context.Context, msg *types.Message, sender types.Peer) (res types.PushResult, err error) {
	defer func(begin time.Time) {
		lm.logger.Debug("Push",
			slog.String("queue", msg.Target),
			slog.String("message_id", msg.ID),
			slog.String("client_id", peerID(sender)),
			slog.String("result", res.String()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Push(ctx, msg, sender)
}

// Subscribe logs consumer subscriptions.
func (lm *loggingMiddleware) Subscribe(ctx context.Context, name string, peer types.Peer) (res types.SubscriptionResult, err error) {
	defer func(begin time.Time) {
		lm.logger.Debug("Subscribe",
			slog.String("queue", name),
			slog.String("client_id", peerID(peer)),
			slog.String("result", res.String()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Subscribe(ctx, name, peer)
}

// Unsubscribe logs consumer unsubscriptions.
func (lm *loggingMiddleware) Unsubscribe(ctx context.Context, name string, peer types.Peer) (err error) {
	defer func(begin time.Time) {
		lm.logger.Debug("Unsubscribe",
			slog.String("queue", name),
			slog.String("client_id", peerID(peer)),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Unsubscribe(ctx, name, peer)
}

// Acknowledge logs consumer acknowledgments.
func (lm *loggingMiddleware) Acknowledge(ctx context.Context, peer types.Peer, ack *types.Message) (err error) {
	defer func(begin time.Time) {
		lm.logger.Debug("Acknowledge",
			slog.String("queue", ack.Target),
			slog.String("message_id", ack.ID),
			slog.String("client_id", peerID(peer)),
			slog.Bool("negative", ack.IsNegativeAck()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Acknowledge(ctx, peer, ack)
}

// Pull logs pull requests.
func (lm *loggingMiddleware) Pull(ctx context.Context, name string, peer types.Peer, req queue.PullRequest) (res queue.PullResult, err error) {
	defer func(begin time.Time) {
		lm.logger.Debug("Pull",
			slog.String("queue", name),
			slog.String("client_id", peerID(peer)),
			slog.Int("count", req.Count),
			slog.Int("delivered", res.Delivered),
			slog.String("result", res.Result.String()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Pull(ctx, name, peer, req)
}

// Disconnect logs the removal of a peer from every queue.
func (lm *loggingMiddleware) Disconnect(ctx context.Context, peer types.Peer) {
	defer func(begin time.Time) {
		lm.logger.Debug("Disconnect",
			slog.String("client_id", peerID(peer)),
			slog.String("duration", time.Since(begin).String()),
		)
	}(time.Now())

	lm.next.Disconnect(ctx, peer)
}

// CreateQueue logs queue creation.
func (lm *loggingMiddleware) CreateQueue(ctx context.Context, cfg types.QueueConfig) (q *queue.Queue, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("CreateQueue",
			slog.String("queue", cfg.Name),
			slog.String("status", string(cfg.Status)),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.CreateQueue(ctx, cfg)
}

func (lm *loggingMiddleware) GetOrCreateQueue(ctx context.Context, name string, headers map[string]string) (*queue.Queue, error) {
	return lm.next.GetOrCreateQueue(ctx, name, headers)
}

// RemoveQueue logs queue removal.
func (lm *loggingMiddleware) RemoveQueue(ctx context.Context, name string) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("RemoveQueue",
			slog.String("queue", name),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.RemoveQueue(ctx, name)
}

// SetStatus logs status changes requested by clients.
func (lm *loggingMiddleware) SetStatus(ctx context.Context, name string, status types.QueueStatus) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("SetStatus",
			slog.String("queue", name),
			slog.String("status", string(status)),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.SetStatus(ctx, name, status)
}

func (lm *loggingMiddleware) Defaults(name string) types.QueueConfig {
	return lm.next.Defaults(name)
}

func (lm *loggingMiddleware) Stats() []queue.Stats {
	return lm.next.Stats()
}

func peerID(p types.Peer) string {
	if p == nil {
		return ""
	}
	return p.ID()
}
