// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MessageType identifies the kind of a wire message.
type MessageType uint8

const (
	TypeQueueMessage MessageType = iota + 1
	TypeAck
	TypeResponse
	TypeSubscribe
	TypeUnsubscribe
	TypePull
	TypeCreateQueue
	TypeRemoveQueue
	TypeSetStatus
	TypePing
	TypePong
)

func (t MessageType) String() string {
	switch t {
	case TypeQueueMessage:
		return "queue_message"
	case TypeAck:
		return "ack"
	case TypeResponse:
		return "response"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypePull:
		return "pull"
	case TypeCreateQueue:
		return "create_queue"
	case TypeRemoveQueue:
		return "remove_queue"
	case TypeSetStatus:
		return "set_status"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Message is the immutable wire message exchanged with producers and consumers.
type Message struct {
	Type         MessageType
	ID           string
	Target       string // Queue name
	Source       string // Sender peer ID
	HighPriority bool
	WaitResponse bool
	Headers      map[string]string
	Payload      []byte
}

// Header returns the header value for key.
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// IsNegativeAck reports whether an ack message carries a negative acknowledgment.
func (m *Message) IsNegativeAck() bool {
	if m.Headers == nil {
		return false
	}
	_, ok := m.Headers[HeaderNegativeAck]
	return ok
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// NewAck builds an acknowledgment for msg. A negative ack carries reason in
// the Negative-Ack-Reason header, "none" when reason is empty.
func NewAck(msg *Message, negative bool, reason string) *Message {
	ack := &Message{
		Type:   TypeAck,
		ID:     msg.ID,
		Target: msg.Target,
	}
	if negative {
		if reason == "" {
			reason = "none"
		}
		ack.SetHeader(HeaderNegativeAck, reason)
	}
	return ack
}

// NewResponse builds a response correlated to req carrying a result code.
func NewResponse(req *Message, result string) *Message {
	resp := &Message{
		Type:   TypeResponse,
		ID:     req.ID,
		Target: req.Target,
	}
	resp.SetHeader(HeaderResult, result)
	return resp
}

// Peer is a connected party: a producer, a consumer, or both.
type Peer interface {
	ID() string
	Send(ctx context.Context, msg *Message) error
	IsConnected() bool
}

// QueueMessage wraps a wire message while it is owned by a queue.
type QueueMessage struct {
	Message   *Message
	Source    Peer
	CreatedAt time.Time
	Deadline  time.Time // Zero means no message-level timeout.

	// ProducerWaitsAck records whether the producer asked for an acknowledgment.
	// Message.WaitResponse is rewritten for consumers by the queue.
	ProducerWaitsAck bool

	// AckCallback, when set, is invoked after an acknowledgment decision was applied.
	AckCallback func(qm *QueueMessage, sent bool)

	saved    atomic.Bool
	ackSent  atomic.Bool
	sent     atomic.Bool
	inQueue  atomic.Bool
	timedOut atomic.Bool
	removed  atomic.Bool

	sendCount     atomic.Int32
	deliveryCount atomic.Int32

	mu        sync.Mutex
	decision  Decision
	receivers []Peer
}

// NewQueueMessage wraps msg for queue ownership.
func NewQueueMessage(msg *Message, source Peer) *QueueMessage {
	return &QueueMessage{
		Message:          msg,
		Source:           source,
		CreatedAt:        time.Now(),
		ProducerWaitsAck: msg.WaitResponse,
	}
}

// ID returns the wrapped message ID.
func (qm *QueueMessage) ID() string {
	return qm.Message.ID
}

// Expired reports whether the message-level deadline passed at now.
func (qm *QueueMessage) Expired(now time.Time) bool {
	return !qm.Deadline.IsZero() && !now.Before(qm.Deadline)
}

func (qm *QueueMessage) IsSaved() bool    { return qm.saved.Load() }
func (qm *QueueMessage) MarkSaved()       { qm.saved.Store(true) }
func (qm *QueueMessage) IsAckSent() bool  { return qm.ackSent.Load() }
func (qm *QueueMessage) IsSent() bool     { return qm.sent.Load() }
func (qm *QueueMessage) MarkSent()        { qm.sent.Store(true) }
func (qm *QueueMessage) IsInQueue() bool  { return qm.inQueue.Load() }
func (qm *QueueMessage) IsTimedOut() bool { return qm.timedOut.Load() }
func (qm *QueueMessage) IsRemoved() bool  { return qm.removed.Load() }

// SetInQueue flips the in-queue flag and reports whether it changed.
func (qm *QueueMessage) SetInQueue(v bool) bool {
	return qm.inQueue.CompareAndSwap(!v, v)
}

// MarkAckSent records the producer ack; only the first caller wins.
func (qm *QueueMessage) MarkAckSent() bool {
	return qm.ackSent.CompareAndSwap(false, true)
}

// MarkTimedOut records a message-level timeout; only the first caller wins.
func (qm *QueueMessage) MarkTimedOut() bool {
	return qm.timedOut.CompareAndSwap(false, true)
}

// MarkRemoved records final removal; only the first caller wins.
func (qm *QueueMessage) MarkRemoved() bool {
	return qm.removed.CompareAndSwap(false, true)
}

func (qm *QueueMessage) SendCount() int     { return int(qm.sendCount.Load()) }
func (qm *QueueMessage) IncSendCount()      { qm.sendCount.Add(1) }
func (qm *QueueMessage) DeliveryCount() int { return int(qm.deliveryCount.Load()) }
func (qm *QueueMessage) IncDeliveryCount()  { qm.deliveryCount.Add(1) }

// Decision returns the last decision applied to the message.
func (qm *QueueMessage) Decision() Decision {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	return qm.decision
}

// SetDecision stores the last applied decision.
func (qm *QueueMessage) SetDecision(d Decision) {
	qm.mu.Lock()
	qm.decision = d
	qm.mu.Unlock()
}

// ResetReceivers starts a new delivery round.
func (qm *QueueMessage) ResetReceivers() {
	qm.mu.Lock()
	qm.receivers = nil
	qm.mu.Unlock()
}

// AddReceiver records a peer the current round was sent to.
func (qm *QueueMessage) AddReceiver(p Peer) {
	qm.mu.Lock()
	qm.receivers = append(qm.receivers, p)
	qm.mu.Unlock()
}

// Receivers returns the peers of the current delivery round.
func (qm *QueueMessage) Receivers() []Peer {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	return append([]Peer(nil), qm.receivers...)
}

// AllReceiversDisconnected reports whether the round had receivers and none is connected.
func (qm *QueueMessage) AllReceiversDisconnected() bool {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if len(qm.receivers) == 0 {
		return false
	}
	for _, r := range qm.receivers {
		if r.IsConnected() {
			return false
		}
	}
	return true
}
