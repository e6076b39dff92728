// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
	"github.com/google/uuid"
)

// PushOption customizes a pushed message.
type PushOption func(*types.Message)

// WithID sets the message ID. By default a random UUID is used.
func WithID(id string) PushOption {
	return func(m *types.Message) { m.ID = id }
}

// WithPriority marks the message high priority.
func WithPriority() PushOption {
	return func(m *types.Message) { m.HighPriority = true }
}

// WithHeader sets a message header. Queue option headers configure a queue
// the broker creates for this push.
func WithHeader(key, value string) PushOption {
	return func(m *types.Message) { m.SetHeader(key, value) }
}

// QueueOption sets a queue option for CreateQueue.
type QueueOption func(headers map[string]string)

// WithStatus sets the initial queue status.
func WithStatus(s types.QueueStatus) QueueOption {
	return func(h map[string]string) { h[types.HeaderQueueStatus] = string(s) }
}

// WithAcknowledge sets the consumer acknowledgment mode.
func WithAcknowledge(m types.AckMode) QueueOption {
	return func(h map[string]string) { h[types.HeaderAcknowledge] = string(m) }
}

// WithAckTimeout sets how long a delivery may stay unacknowledged.
func WithAckTimeout(d time.Duration) QueueOption {
	return func(h map[string]string) { h[types.HeaderAckTimeout] = d.String() }
}

// WithMessageTimeout sets how long a message may wait in the queue.
func WithMessageTimeout(d time.Duration) QueueOption {
	return func(h map[string]string) { h[types.HeaderMessageTimeout] = d.String() }
}

// WithMessageLimit bounds the number of queued messages.
func WithMessageLimit(n int) QueueOption {
	return func(h map[string]string) { h[types.HeaderMessageLimit] = strconv.Itoa(n) }
}

// WithClientLimit bounds the number of consumers.
func WithClientLimit(n int) QueueOption {
	return func(h map[string]string) { h[types.HeaderClientLimit] = strconv.Itoa(n) }
}

// WithAutoDestroy sets the auto destroy policy.
func WithAutoDestroy(p types.AutoDestroy) QueueOption {
	return func(h map[string]string) { h[types.HeaderAutoDestroy] = string(p) }
}

// WithDeliveryHandler selects a delivery handler registered on the broker.
func WithDeliveryHandler(name string) QueueOption {
	return func(h map[string]string) { h[types.HeaderDeliveryHandler] = name }
}

// WithQueueHeader sets any queue option header.
func WithQueueHeader(key, value string) QueueOption {
	return func(h map[string]string) { h[key] = value }
}

// Push sends a message to queue without waiting for the broker. It returns
// the message ID.
func (c *Client) Push(ctx context.Context, queue string, payload []byte, opts ...PushOption) (string, error) {
	msg, err := c.newPush(queue, payload, opts)
	if err != nil {
		return "", err
	}
	if err := c.send(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// PushJSON pushes the JSON encoding of v.
func (c *Client) PushJSON(ctx context.Context, queue string, v any, opts ...PushOption) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.Push(ctx, queue, payload, opts...)
}

// PushWait pushes a message and waits for the producer acknowledgment. A
// rejected push returns a *ResultError and a negative acknowledgment a
// *NackError. The queue's delivery handler decides when the producer is
// acknowledged; a handler that never does leaves PushWait waiting until ctx
// or the request timeout expires.
func (c *Client) PushWait(ctx context.Context, queue string, payload []byte, opts ...PushOption) (string, error) {
	msg, err := c.newPush(queue, payload, opts)
	if err != nil {
		return "", err
	}
	msg.WaitResponse = true

	reply, err := c.request(ctx, msg)
	if err != nil {
		return msg.ID, err
	}
	if reply.Type == types.TypeAck {
		if reply.IsNegativeAck() {
			return msg.ID, &NackError{MessageID: msg.ID, Reason: reply.Header(types.HeaderNegativeAck)}
		}
		return msg.ID, nil
	}
	return msg.ID, resultError("push", queue, reply)
}

func (c *Client) newPush(queue string, payload []byte, opts []PushOption) (*types.Message, error) {
	if !c.state.isConnected() {
		return nil, ErrNotConnected
	}
	if strings.TrimSpace(queue) == "" {
		return nil, ErrEmptyQueue
	}

	msg := &types.Message{
		Type:    types.TypeQueueMessage,
		Target:  queue,
		Payload: payload,
	}
	for _, opt := range opts {
		opt(msg)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg, nil
}

// Subscribe registers handler for deliveries from queue and subscribes. The
// subscription is restored after a reconnect.
func (c *Client) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	if handler == nil {
		return ErrNoHandler
	}
	if err := c.checkRequest(queue); err != nil {
		return err
	}

	// Deliveries may overtake the response.
	c.subs.set(queue, handler)
	if err := c.subscribe(ctx, queue); err != nil {
		c.subs.remove(queue)
		return err
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context, queue string) error {
	reply, err := c.request(ctx, &types.Message{Type: types.TypeSubscribe, Target: queue})
	if err != nil {
		return err
	}
	return resultError("subscribe", queue, reply)
}

// Unsubscribe stops deliveries from queue.
func (c *Client) Unsubscribe(ctx context.Context, queue string) error {
	if err := c.checkRequest(queue); err != nil {
		return err
	}
	c.subs.remove(queue)
	return c.admin(ctx, "unsubscribe", &types.Message{Type: types.TypeUnsubscribe, Target: queue})
}

// Ack acknowledges a delivered message.
func (c *Client) Ack(ctx context.Context, msg *Message) error {
	return msg.Ack(ctx)
}

// Nack negatively acknowledges a delivered message.
func (c *Client) Nack(ctx context.Context, msg *Message, reason string) error {
	return msg.Nack(ctx, reason)
}

// Pull asks a pull queue for up to count messages and returns the ones the
// broker sent. An empty queue returns no messages and no error. Pulls are
// serialized per client.
func (c *Client) Pull(ctx context.Context, queue string, count int) ([]*Message, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	if err := c.checkRequest(queue); err != nil {
		return nil, err
	}

	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	collector := &pullCollector{}
	c.setCollector(queue, collector)
	defer c.setCollector(queue, nil)

	req := &types.Message{Type: types.TypePull, Target: queue}
	req.SetHeader(types.HeaderCount, strconv.Itoa(count))
	reply, err := c.request(ctx, req)
	if err != nil {
		return collector.take(), err
	}

	msgs := collector.take()
	if reply.Header(types.HeaderResult) == types.PushEmpty.String() {
		return msgs, nil
	}
	return msgs, resultError("pull", queue, reply)
}

// CreateQueue creates a queue on the broker. Options not given take the
// broker's defaults.
func (c *Client) CreateQueue(ctx context.Context, name string, opts ...QueueOption) error {
	if err := c.checkRequest(name); err != nil {
		return err
	}
	headers := make(map[string]string, len(opts))
	for _, opt := range opts {
		opt(headers)
	}
	return c.admin(ctx, "create", &types.Message{Type: types.TypeCreateQueue, Target: name, Headers: headers})
}

// RemoveQueue removes a queue and its messages.
func (c *Client) RemoveQueue(ctx context.Context, name string) error {
	if err := c.checkRequest(name); err != nil {
		return err
	}
	return c.admin(ctx, "remove", &types.Message{Type: types.TypeRemoveQueue, Target: name})
}

// SetStatus changes the status of a queue.
func (c *Client) SetStatus(ctx context.Context, name string, status types.QueueStatus) error {
	if err := c.checkRequest(name); err != nil {
		return err
	}
	req := &types.Message{Type: types.TypeSetStatus, Target: name}
	req.SetHeader(types.HeaderQueueStatus, string(status))
	return c.admin(ctx, "set status", req)
}

func (c *Client) admin(ctx context.Context, op string, req *types.Message) error {
	reply, err := c.request(ctx, req)
	if err != nil {
		return err
	}
	return resultError(op, req.Target, reply)
}

func (c *Client) checkRequest(queue string) error {
	if !c.state.isConnected() {
		return ErrNotConnected
	}
	if strings.TrimSpace(queue) == "" {
		return ErrEmptyQueue
	}
	return nil
}

// resultError converts a failed response into a *ResultError.
func resultError(op, queue string, reply *types.Message) error {
	result := reply.Header(types.HeaderResult)
	switch result {
	case types.ResultOK, types.PushSuccess.String():
		return nil
	}
	return &ResultError{
		Op:     op,
		Queue:  queue,
		Result: result,
		Reason: reply.Header(types.HeaderReason),
	}
}
