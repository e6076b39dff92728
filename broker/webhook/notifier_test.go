// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxqueue/broker/events"
	"github.com/absmach/fluxqueue/config"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSender implements Sender for testing.
type mockSender struct {
	mu          sync.Mutex
	sendCount   atomic.Int32
	sendFunc    func(ctx context.Context, url string, payload []byte) error
	lastURL     string
	lastHeaders map[string]string
	payloads    [][]byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, string, []byte) error { return nil },
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	m.sendCount.Add(1)
	m.mu.Lock()
	m.lastURL = url
	m.lastHeaders = headers
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	return m.sendFunc(ctx, url, payload)
}

func (m *mockSender) count() int {
	return int(m.sendCount.Load())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		QueueSize:  100,
		DropPolicy: "oldest",
		Workers:    2,
		Defaults: config.WebhookDefaults{
			Timeout: 5 * time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 20 * time.Millisecond,
				MaxInterval:     time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		ShutdownTimeout: 5 * time.Second,
		Endpoints:       endpoints,
	}
}

func newTestNotifier(t *testing.T, cfg config.WebhookConfig, sender Sender) *Notifier {
	t.Helper()

	n, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNewNotifier(t *testing.T) {
	cfg := testConfig(config.WebhookEndpoint{
		Name:    "test-endpoint",
		Type:    "http",
		URL:     "http://example.com/webhook",
		Headers: map[string]string{"Authorization": "Bearer token"},
	})

	n := newTestNotifier(t, cfg, newMockSender())
	assert.Len(t, n.endpoints, 1)
	assert.Equal(t, gobreaker.StateClosed, n.BreakerState("test-endpoint"))

	_, err := NewNotifier(cfg, "broker-1", nil, nil)
	assert.Error(t, err, "nil sender")

	cfg.Endpoints[0].QueueFilters = []string{"orders["}
	_, err = NewNotifier(cfg, "broker-1", newMockSender(), nil)
	assert.Error(t, err, "malformed queue filter")
}

func TestNotifier_NotifySendsEnvelope(t *testing.T) {
	sender := newMockSender()
	n := newTestNotifier(t, testConfig(config.WebhookEndpoint{
		Name:    "test",
		Type:    "http",
		URL:     "http://example.com/webhook",
		Headers: map[string]string{"Authorization": "Bearer token"},
	}), sender)

	require.NoError(t, n.Notify(context.Background(), events.QueueCreated{QueueName: "orders", Status: "push"}))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "http://example.com/webhook", sender.lastURL)
	assert.Equal(t, "Bearer token", sender.lastHeaders["Authorization"])

	var env map[string]any
	require.NoError(t, json.Unmarshal(sender.payloads[0], &env))
	assert.Equal(t, events.TypeQueueCreated, env["event_type"])
	assert.Equal(t, "broker-1", env["broker_id"])
	assert.Equal(t, "orders", env["data"].(map[string]any)["queue"])
}

func TestNotifier_Filters(t *testing.T) {
	tests := []struct {
		name   string
		ep     config.WebhookEndpoint
		event  events.Event
		expect int
	}{
		{
			name:   "no filters",
			ep:     config.WebhookEndpoint{},
			event:  events.MessageTimedOut{QueueName: "orders"},
			expect: 1,
		},
		{
			name:   "event type matches",
			ep:     config.WebhookEndpoint{Events: []string{events.TypeMessageTimedOut}},
			event:  events.MessageTimedOut{QueueName: "orders"},
			expect: 1,
		},
		{
			name:   "event type filtered",
			ep:     config.WebhookEndpoint{Events: []string{events.TypeQueueCreated}},
			event:  events.MessageTimedOut{QueueName: "orders"},
			expect: 0,
		},
		{
			name:   "queue glob matches case-insensitively",
			ep:     config.WebhookEndpoint{QueueFilters: []string{"Orders-*"}},
			event:  events.MessageProduced{QueueName: "ORDERS-eu"},
			expect: 1,
		},
		{
			name:   "queue glob filtered",
			ep:     config.WebhookEndpoint{QueueFilters: []string{"orders-*", "billing"}},
			event:  events.MessageProduced{QueueName: "invoices"},
			expect: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ep.Name = "test"
			tt.ep.Type = "http"
			tt.ep.URL = "http://example.com/webhook"

			sender := newMockSender()
			n := newTestNotifier(t, testConfig(tt.ep), sender)
			require.NoError(t, n.Notify(context.Background(), tt.event))
			require.NoError(t, n.Close(), "close drains the queue")

			assert.Equal(t, tt.expect, sender.count())
		})
	}
}

func TestNotifier_Retry(t *testing.T) {
	var attempts atomic.Int32
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error {
		if attempts.Add(1) < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "test", Type: "http", URL: "http://example.com/webhook"})
	cfg.Defaults.Retry.MaxAttempts = 3
	cfg.Defaults.CircuitBreaker.FailureThreshold = 10
	n := newTestNotifier(t, cfg, sender)

	require.NoError(t, n.Notify(context.Background(), events.QueueRemoved{QueueName: "orders"}))
	require.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load(), "no attempts after success")
}

func TestNotifier_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error {
		return errors.New("endpoint down")
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "down", Type: "http", URL: "http://example.com/webhook"})
	cfg.Workers = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	cfg.Defaults.CircuitBreaker.ResetTimeout = time.Minute
	n := newTestNotifier(t, cfg, sender)

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), events.AckTimedOut{QueueName: "orders"}))
	}
	require.Eventually(t, func() bool {
		return n.BreakerState("down") == gobreaker.StateOpen
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Close())
	assert.Equal(t, 2, sender.count(), "open breaker short-circuits the remaining sends")
}

func TestNotifier_QueueOverflow(t *testing.T) {
	tests := []struct {
		policy string
	}{
		{"oldest"},
		{"newest"},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			release := make(chan struct{})
			sender := newMockSender()
			sender.sendFunc = func(context.Context, string, []byte) error {
				<-release
				return nil
			}

			cfg := testConfig(config.WebhookEndpoint{Name: "test", Type: "http", URL: "http://example.com/webhook"})
			cfg.QueueSize = 2
			cfg.Workers = 1
			cfg.DropPolicy = tt.policy
			n := newTestNotifier(t, cfg, sender)

			require.NoError(t, n.Notify(context.Background(), events.QueueRemoved{QueueName: "q0"}))
			require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

			for i := 1; i <= 4; i++ {
				require.NoError(t, n.Notify(context.Background(), events.QueueRemoved{QueueName: "q"}))
			}
			assert.Equal(t, int64(2), n.Dropped())

			close(release)
			require.NoError(t, n.Close())
			assert.Equal(t, 3, sender.count())
		})
	}
}

func TestNotifier_ClosedRejectsEvents(t *testing.T) {
	n := newTestNotifier(t, testConfig(), newMockSender())
	require.NoError(t, n.Close())
	require.NoError(t, n.Close(), "close is idempotent")

	err := n.Notify(context.Background(), events.QueueRemoved{QueueName: "q"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

func TestQueueMatches(t *testing.T) {
	tests := []struct {
		filters []string
		name    string
		match   bool
	}{
		{[]string{"orders"}, "orders", true},
		{[]string{"orders"}, "ORDERS", true},
		{[]string{"orders"}, "orders2", false},
		{[]string{"orders-*"}, "orders-eu", true},
		{[]string{"orders-?"}, "orders-1", true},
		{[]string{"orders-?"}, "orders-10", false},
		{[]string{"a", "b*"}, "billing", true},
		{nil, "anything", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.match, queueMatches(tt.filters, tt.name), "%v %s", tt.filters, tt.name)
	}
}
