// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeQueueCreated         = "queue.created"
	TypeQueueRemoved         = "queue.removed"
	TypeQueueStatusChanged   = "queue.status_changed"
	TypeConsumerSubscribed   = "consumer.subscribed"
	TypeConsumerUnsubscribed = "consumer.unsubscribed"
	TypeMessageProduced      = "message.produced"
	TypeMessageDelivered     = "message.delivered"
	TypeMessageAcknowledged  = "message.acknowledged"
	TypeMessageTimedOut      = "message.timed_out"
	TypeAckTimedOut          = "ack.timed_out"
)

// Event is the common interface for all broker events.
type Event interface {
	// Type returns the event type identifier (e.g., "queue.created").
	Type() string

	// Queue returns the name of the queue the event belongs to.
	Queue() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all events sent to external systems.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// QueueCreated is emitted when a queue is created or loaded from storage.
type QueueCreated struct {
	QueueName       string `json:"queue"`
	Status          string `json:"status"`
	Acknowledge     string `json:"acknowledge"`
	DeliveryHandler string `json:"delivery_handler"`
}

func (e QueueCreated) Type() string                   { return TypeQueueCreated }
func (e QueueCreated) Queue() string                  { return e.QueueName }
func (e QueueCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// QueueRemoved is emitted when a queue is removed.
type QueueRemoved struct {
	QueueName string `json:"queue"`
}

func (e QueueRemoved) Type() string                   { return TypeQueueRemoved }
func (e QueueRemoved) Queue() string                  { return e.QueueName }
func (e QueueRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// QueueStatusChanged is emitted after a status transition completed.
type QueueStatusChanged struct {
	QueueName string `json:"queue"`
	From      string `json:"from"`
	To        string `json:"to"`
}

func (e QueueStatusChanged) Type() string                   { return TypeQueueStatusChanged }
func (e QueueStatusChanged) Queue() string                  { return e.QueueName }
func (e QueueStatusChanged) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ConsumerSubscribed is emitted when a consumer joins a queue.
type ConsumerSubscribed struct {
	QueueName string `json:"queue"`
	ClientID  string `json:"client_id"`
	Consumers int    `json:"consumers"`
}

func (e ConsumerSubscribed) Type() string                   { return TypeConsumerSubscribed }
func (e ConsumerSubscribed) Queue() string                  { return e.QueueName }
func (e ConsumerSubscribed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ConsumerUnsubscribed is emitted when a consumer leaves a queue.
type ConsumerUnsubscribed struct {
	QueueName string `json:"queue"`
	ClientID  string `json:"client_id"`
	Consumers int    `json:"consumers"`
}

func (e ConsumerUnsubscribed) Type() string                   { return TypeConsumerUnsubscribed }
func (e ConsumerUnsubscribed) Queue() string                  { return e.QueueName }
func (e ConsumerUnsubscribed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageProduced is emitted when a producer's message is accepted into a queue.
type MessageProduced struct {
	QueueName    string `json:"queue"`
	MessageID    string `json:"message_id"`
	ProducerID   string `json:"producer_id,omitempty"`
	HighPriority bool   `json:"high_priority"`
	PayloadSize  int    `json:"payload_size"`
	Payload      string `json:"payload,omitempty"` // base64 encoded, optional
}

func (e MessageProduced) Type() string                   { return TypeMessageProduced }
func (e MessageProduced) Queue() string                  { return e.QueueName }
func (e MessageProduced) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageDelivered is emitted for each send of a message to a consumer.
type MessageDelivered struct {
	QueueName   string `json:"queue"`
	MessageID   string `json:"message_id"`
	ClientID    string `json:"client_id"`
	PayloadSize int    `json:"payload_size"`
}

func (e MessageDelivered) Type() string                   { return TypeMessageDelivered }
func (e MessageDelivered) Queue() string                  { return e.QueueName }
func (e MessageDelivered) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageAcknowledged is emitted when a consumer acknowledges a delivery.
type MessageAcknowledged struct {
	QueueName string `json:"queue"`
	MessageID string `json:"message_id"`
	ClientID  string `json:"client_id"`
	Success   bool   `json:"success"`
	LatencyMS int64  `json:"latency_ms"`
}

func (e MessageAcknowledged) Type() string                   { return TypeMessageAcknowledged }
func (e MessageAcknowledged) Queue() string                  { return e.QueueName }
func (e MessageAcknowledged) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageTimedOut is emitted when a queued message exceeds its deadline.
type MessageTimedOut struct {
	QueueName string `json:"queue"`
	MessageID string `json:"message_id"`
}

func (e MessageTimedOut) Type() string                   { return TypeMessageTimedOut }
func (e MessageTimedOut) Queue() string                  { return e.QueueName }
func (e MessageTimedOut) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// AckTimedOut is emitted when a delivery was not acknowledged in time.
type AckTimedOut struct {
	QueueName string `json:"queue"`
	MessageID string `json:"message_id"`
	ClientID  string `json:"client_id"`
}

func (e AckTimedOut) Type() string                   { return TypeAckTimedOut }
func (e AckTimedOut) Queue() string                  { return e.QueueName }
func (e AckTimedOut) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
