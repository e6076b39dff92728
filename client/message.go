// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
)

// MessageHandler processes a delivered message.
type MessageHandler func(msg *Message)

// Message is a message delivered by the broker.
type Message struct {
	ID           string
	Queue        string
	Source       string
	Payload      []byte
	Headers      map[string]string
	HighPriority bool
	Received     time.Time

	// NeedsAck is set when the queue waits for an acknowledgment.
	NeedsAck bool

	client *Client
	acked  atomic.Bool
}

func newMessage(c *Client, m *types.Message) *Message {
	return &Message{
		ID:           m.ID,
		Queue:        m.Target,
		Source:       m.Source,
		Payload:      m.Payload,
		Headers:      m.Headers,
		HighPriority: m.HighPriority,
		Received:     time.Now(),
		NeedsAck:     m.WaitResponse,
		client:       c,
	}
}

// Header returns the header value for key.
func (m *Message) Header(key string) string {
	return m.Headers[key]
}

// Decode unmarshals a JSON payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Ack acknowledges the message. Only the first Ack or Nack is sent.
func (m *Message) Ack(ctx context.Context) error {
	return m.settle(ctx, false, "")
}

// Nack negatively acknowledges the message with reason.
func (m *Message) Nack(ctx context.Context, reason string) error {
	return m.settle(ctx, true, reason)
}

func (m *Message) settle(ctx context.Context, negative bool, reason string) error {
	if !m.NeedsAck {
		return ErrNoAckRequired
	}
	if !m.acked.CompareAndSwap(false, true) {
		return nil
	}
	ack := types.NewAck(&types.Message{ID: m.ID, Target: m.Queue}, negative, reason)
	if err := m.client.send(ctx, ack); err != nil {
		m.acked.Store(false)
		return err
	}
	return nil
}
