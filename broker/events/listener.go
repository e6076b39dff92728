// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/absmach/fluxqueue/queue"
	"github.com/absmach/fluxqueue/queue/types"
)

var _ queue.EventListener = (*Listener)(nil)

// Listener turns queue engine callbacks into events for a Notifier.
type Listener struct {
	notifier       Notifier
	includePayload bool
	logger         *slog.Logger
}

// NewListener creates a Listener. When includePayload is set, produced
// message events carry the base64 encoded payload.
func NewListener(n Notifier, includePayload bool, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{notifier: n, includePayload: includePayload, logger: logger}
}

func (l *Listener) notify(e Event) {
	if err := l.notifier.Notify(context.Background(), e); err != nil {
		l.logger.Debug("event notification failed",
			slog.String("event", e.Type()),
			slog.String("queue", e.Queue()),
			slog.String("error", err.Error()))
	}
}

func (l *Listener) QueueCreated(q *queue.Queue) {
	cfg := q.Config()
	l.notify(QueueCreated{
		QueueName:       q.Name(),
		Status:          string(cfg.Status),
		Acknowledge:     string(cfg.Acknowledge),
		DeliveryHandler: cfg.DeliveryHandler,
	})
}

func (l *Listener) QueueRemoved(q *queue.Queue) {
	l.notify(QueueRemoved{QueueName: q.Name()})
}

func (l *Listener) StatusChanged(q *queue.Queue, from, to types.QueueStatus) {
	l.notify(QueueStatusChanged{QueueName: q.Name(), From: string(from), To: string(to)})
}

func (l *Listener) ConsumerSubscribed(q *queue.Queue, c *queue.Client) {
	l.notify(ConsumerSubscribed{QueueName: q.Name(), ClientID: c.ID(), Consumers: len(q.Clients())})
}

func (l *Listener) ConsumerUnsubscribed(q *queue.Queue, c *queue.Client) {
	l.notify(ConsumerUnsubscribed{QueueName: q.Name(), ClientID: c.ID(), Consumers: len(q.Clients())})
}

func (l *Listener) MessageProduced(q *queue.Queue, qm *types.QueueMessage) {
	e := MessageProduced{
		QueueName:    q.Name(),
		MessageID:    qm.ID(),
		HighPriority: qm.Message.HighPriority,
		PayloadSize:  len(qm.Message.Payload),
	}
	if qm.Source != nil {
		e.ProducerID = qm.Source.ID()
	}
	if l.includePayload {
		e.Payload = base64.StdEncoding.EncodeToString(qm.Message.Payload)
	}
	l.notify(e)
}

func (l *Listener) MessageDelivered(q *queue.Queue, d *queue.Delivery) {
	l.notify(MessageDelivered{
		QueueName:   q.Name(),
		MessageID:   d.Message.ID(),
		ClientID:    d.Receiver.ID(),
		PayloadSize: len(d.Message.Message.Payload),
	})
}

func (l *Listener) MessageAcknowledged(q *queue.Queue, d *queue.Delivery, success bool) {
	l.notify(MessageAcknowledged{
		QueueName: q.Name(),
		MessageID: d.Message.ID(),
		ClientID:  d.Receiver.ID(),
		Success:   success,
		LatencyMS: time.Since(d.SentAt).Milliseconds(),
	})
}

func (l *Listener) MessageTimedOut(q *queue.Queue, qm *types.QueueMessage) {
	l.notify(MessageTimedOut{QueueName: q.Name(), MessageID: qm.ID()})
}

func (l *Listener) AcknowledgeTimedOut(q *queue.Queue, d *queue.Delivery) {
	l.notify(AckTimedOut{QueueName: q.Name(), MessageID: d.Message.ID(), ClientID: d.Receiver.ID()})
}
