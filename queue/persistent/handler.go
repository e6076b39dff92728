// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package persistent provides a delivery handler that keeps accepted
// messages in a storage.MessageStore until they leave their queue.
package persistent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxqueue/queue"
	"github.com/absmach/fluxqueue/queue/storage"
	"github.com/absmach/fluxqueue/queue/types"
)

// Name is the delivery handler name queues use to select this handler.
const Name = "persistent"

var (
	_ queue.DeliveryHandler = (*Handler)(nil)
	_ queue.Restorer        = (*Handler)(nil)
	_ queue.Purger          = (*Handler)(nil)
)

// Handler saves every accepted message before it is queued and
// acknowledges the producer once the message is durable. Saved messages are
// deleted when dequeued and reloaded into the queue on restart.
//
// Nacked, timed out and failed deliveries are put back, so a saved message
// only leaves the store after a positive ack, a message timeout or a
// rejection.
type Handler struct {
	store  storage.MessageStore
	logger *slog.Logger
}

// New creates a persistent handler over store.
func New(store storage.MessageStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

// Register adds the persistent handler to reg under Name.
func Register(reg queue.HandlerRegistry, store storage.MessageStore, logger *slog.Logger) {
	h := New(store, logger)
	reg[Name] = func(context.Context, *queue.Queue) (queue.DeliveryHandler, error) {
		return h, nil
	}
}

func (h *Handler) ReceivedFromProducer(ctx context.Context, q *queue.Queue, qm *types.QueueMessage, sender types.Peer) (types.Decision, error) {
	return types.Allow().WithSave().WithAck(types.AckDecisionIfSaved), nil
}

func (h *Handler) AcknowledgeReceived(ctx context.Context, q *queue.Queue, ack *types.Message, d *queue.Delivery, success bool) (types.Decision, error) {
	if success {
		return types.Allow(), nil
	}
	return types.PutBackDecision(types.PutBackEnd), nil
}

func (h *Handler) MessageTimedOut(ctx context.Context, q *queue.Queue, qm *types.QueueMessage) (types.Decision, error) {
	return types.Deny(), nil
}

func (h *Handler) AcknowledgeTimedOut(ctx context.Context, q *queue.Queue, d *queue.Delivery) (types.Decision, error) {
	return types.PutBackDecision(types.PutBackEnd), nil
}

func (h *Handler) ExceptionThrown(ctx context.Context, q *queue.Queue, qm *types.QueueMessage, err error) (types.Decision, error) {
	return types.PutBackDecision(types.PutBackEnd), nil
}

func (h *Handler) SaveMessage(ctx context.Context, q *queue.Queue, qm *types.QueueMessage) (bool, error) {
	if err := h.store.SaveMessage(ctx, q.Name(), storage.FromQueueMessage(qm)); err != nil {
		return false, fmt.Errorf("failed to save message: %w", err)
	}
	return true, nil
}

func (h *Handler) MessageDequeued(ctx context.Context, q *queue.Queue, qm *types.QueueMessage) error {
	if !qm.IsSaved() {
		return nil
	}
	err := h.store.DeleteMessage(ctx, q.Name(), qm.ID())
	if err != nil && !errors.Is(err, storage.ErrMessageNotFound) {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Restore reloads the saved messages of q in save order.
func (h *Handler) Restore(ctx context.Context, q *queue.Queue) error {
	saved, err := h.store.ListMessages(ctx, q.Name())
	if err != nil {
		return fmt.Errorf("failed to list saved messages: %w", err)
	}
	if len(saved) == 0 {
		return nil
	}

	msgs := make([]*types.Message, len(saved))
	for i, m := range saved {
		msgs[i] = m.ToMessage(q.Name())
	}

	res, err := q.RestoreMessages(ctx, msgs)
	if err != nil {
		return err
	}
	h.logger.Info("restored saved messages",
		slog.String("queue", q.Name()),
		slog.Int("messages", res.Added))
	return nil
}

// Purge drops every saved message of q.
func (h *Handler) Purge(ctx context.Context, q *queue.Queue) error {
	n, err := h.store.DeleteMessages(ctx, q.Name())
	if err != nil {
		return fmt.Errorf("failed to purge saved messages: %w", err)
	}
	if n > 0 {
		h.logger.Info("purged saved messages",
			slog.String("queue", q.Name()),
			slog.Int("messages", n))
	}
	return nil
}
