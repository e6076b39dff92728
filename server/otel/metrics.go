// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/fluxqueue/broker/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/fluxqueue"

var _ events.Notifier = (*Metrics)(nil)

// Metrics turns queue events into OpenTelemetry instruments. It is wired as
// an events.Notifier next to the webhook notifier, as the queue ErrorFunc
// and as a broker disconnect hook.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesProduced  metric.Int64Counter
	messagesDelivered metric.Int64Counter
	messagesAcked     metric.Int64Counter
	messagesTimedOut  metric.Int64Counter
	ackTimeouts       metric.Int64Counter
	statusChanges     metric.Int64Counter
	disconnections    metric.Int64Counter
	errorsTotal       metric.Int64Counter

	// UpDownCounters (Gauges)
	queuesActive    metric.Int64UpDownCounter
	consumersActive metric.Int64UpDownCounter

	// Histograms
	messageSize metric.Int64Histogram
	ackLatency  metric.Float64Histogram
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.messagesProduced, "fluxqueue.messages.produced.total", "Messages accepted into a queue"},
		{&m.messagesDelivered, "fluxqueue.messages.delivered.total", "Messages sent to consumers"},
		{&m.messagesAcked, "fluxqueue.messages.acknowledged.total", "Consumer acknowledgements"},
		{&m.messagesTimedOut, "fluxqueue.messages.timed_out.total", "Messages that expired in a queue"},
		{&m.ackTimeouts, "fluxqueue.acks.timed_out.total", "Deliveries not acknowledged in time"},
		{&m.statusChanges, "fluxqueue.queue.status_changes.total", "Queue status transitions"},
		{&m.disconnections, "fluxqueue.disconnections.total", "Client disconnections"},
		{&m.errorsTotal, "fluxqueue.errors.total", "Errors caught by the queue engine"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.queuesActive, err = meter.Int64UpDownCounter(
		"fluxqueue.queues.active",
		metric.WithDescription("Queues currently registered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queuesActive counter: %w", err)
	}

	m.consumersActive, err = meter.Int64UpDownCounter(
		"fluxqueue.consumers.active",
		metric.WithDescription("Consumers currently subscribed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersActive counter: %w", err)
	}

	m.messageSize, err = meter.Int64Histogram(
		"fluxqueue.message.size.bytes",
		metric.WithDescription("Produced message payload size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.ackLatency, err = meter.Float64Histogram(
		"fluxqueue.ack.latency.ms",
		metric.WithDescription("Time from delivery to acknowledgement in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackLatency histogram: %w", err)
	}

	return m, nil
}

// Notify records event. It never fails.
func (m *Metrics) Notify(ctx context.Context, event events.Event) error {
	queue := metric.WithAttributes(attribute.String("queue", event.Queue()))

	switch e := event.(type) {
	case events.QueueCreated:
		m.queuesActive.Add(ctx, 1)
	case events.QueueRemoved:
		m.queuesActive.Add(ctx, -1)
	case events.QueueStatusChanged:
		m.statusChanges.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", e.QueueName),
			attribute.String("from", e.From),
			attribute.String("to", e.To),
		))
	case events.ConsumerSubscribed:
		m.consumersActive.Add(ctx, 1, queue)
	case events.ConsumerUnsubscribed:
		m.consumersActive.Add(ctx, -1, queue)
	case events.MessageProduced:
		m.messagesProduced.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", e.QueueName),
			attribute.Bool("high_priority", e.HighPriority),
		))
		m.messageSize.Record(ctx, int64(e.PayloadSize), queue)
	case events.MessageDelivered:
		m.messagesDelivered.Add(ctx, 1, queue)
	case events.MessageAcknowledged:
		m.messagesAcked.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", e.QueueName),
			attribute.Bool("success", e.Success),
		))
		m.ackLatency.Record(ctx, float64(e.LatencyMS), queue)
	case events.MessageTimedOut:
		m.messagesTimedOut.Add(ctx, 1, queue)
	case events.AckTimedOut:
		m.ackTimeouts.Add(ctx, 1, queue)
	}
	return nil
}

// Close is a no-op; the meter provider is flushed by InitProvider's
// shutdown function.
func (m *Metrics) Close() error {
	return nil
}

// RecordError counts an error caught by the queue engine. Its signature
// matches queue.ErrorFunc.
func (m *Metrics) RecordError(queue, messageID string, err error) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// OnClientDisconnect records a client disconnection.
func (m *Metrics) OnClientDisconnect(clientID string) {
	m.disconnections.Add(context.Background(), 1)
}
