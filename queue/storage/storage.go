// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
)

var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrMessageNotFound = errors.New("message not found")
)

// QueueStore keeps the durable configuration records of queues.
type QueueStore interface {
	// SaveQueue creates or replaces a record.
	SaveQueue(ctx context.Context, rec types.QueueRecord) error
	GetQueue(ctx context.Context, name string) (types.QueueRecord, error)
	DeleteQueue(ctx context.Context, name string) error
	ListQueues(ctx context.Context) ([]types.QueueRecord, error)
	Close() error
}

// MessageStore keeps saved messages per queue in save order.
type MessageStore interface {
	SaveMessage(ctx context.Context, queue string, msg Message) error
	DeleteMessage(ctx context.Context, queue, id string) error
	ListMessages(ctx context.Context, queue string) ([]Message, error)
	// DeleteMessages drops every message of a queue and returns how many.
	DeleteMessages(ctx context.Context, queue string) (int, error)
	Count(ctx context.Context, queue string) (int64, error)
	Close() error
}

// Message is the durable form of a queued message.
type Message struct {
	ID           string            `json:"id"`
	Source       string            `json:"source,omitempty"`
	HighPriority bool              `json:"high_priority,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Payload      []byte            `json:"payload,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// FromQueueMessage builds the durable form of qm.
func FromQueueMessage(qm *types.QueueMessage) Message {
	msg := qm.Message.Clone()
	return Message{
		ID:           msg.ID,
		Source:       msg.Source,
		HighPriority: msg.HighPriority,
		Headers:      msg.Headers,
		Payload:      msg.Payload,
		CreatedAt:    qm.CreatedAt,
	}
}

// ToMessage rebuilds a wire message for queue target.
func (m Message) ToMessage(target string) *types.Message {
	return &types.Message{
		Type:         types.TypeQueueMessage,
		ID:           m.ID,
		Target:       target,
		Source:       m.Source,
		HighPriority: m.HighPriority,
		Headers:      m.Headers,
		Payload:      m.Payload,
	}
}
