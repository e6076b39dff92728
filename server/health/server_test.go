// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxqueue/broker"
	"github.com/absmach/fluxqueue/queue"
	"github.com/absmach/fluxqueue/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	ready bool
	stats broker.Stats
}

func (b *fakeBroker) Ready() bool         { return b.ready }
func (b *fakeBroker) Stats() broker.Stats { return b.stats }

func newTestServer(t *testing.T, b Broker) (*Server, *queue.Manager) {
	t.Helper()

	m := queue.NewManager(queue.Config{ErrorFunc: func(string, string, error) {}})
	t.Cleanup(func() { m.Stop(context.Background()) })

	cfg := m.Defaults("orders")
	cfg.Status = types.StatusPull
	cfg.MessageLimit = 3
	_, err := m.CreateQueue(context.Background(), cfg)
	require.NoError(t, err)

	return New(Config{NodeID: "node-1"}, b, m, nil), m
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec
}

func TestAddrWithoutListener(t *testing.T) {
	s := New(Config{}, nil, nil, nil)
	assert.Empty(t, s.Addr())
}

func TestHealthEndpoint(t *testing.T) {
	s := New(Config{}, nil, nil, nil)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	raw := httptest.NewRecorder()
	s.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusMethodNotAllowed, raw.Code)
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		broker Broker
		code   int
		status string
	}{
		{"no broker", nil, http.StatusServiceUnavailable, "not_ready"},
		{"shutting down", &fakeBroker{ready: false}, http.StatusServiceUnavailable, "not_ready"},
		{"ready", &fakeBroker{ready: true}, http.StatusOK, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.broker)
			rec := do(t, s, http.MethodGet, "/ready", "")
			assert.Equal(t, tt.code, rec.Code)

			var resp ReadyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.status, resp.Status)
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeBroker{ready: true, stats: broker.Stats{Connections: 2, FramesIn: 10}})

	rec := do(t, s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "node-1", resp.NodeID)
	assert.Equal(t, 1, resp.Queues)
	assert.Equal(t, 2, resp.Broker.Connections)
	assert.Equal(t, uint64(10), resp.Broker.FramesIn)
}

func TestQueueEndpoints(t *testing.T) {
	s, _ := newTestServer(t, &fakeBroker{ready: true})

	rec := do(t, s, http.MethodGet, "/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []queue.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	require.Len(t, all, 1)
	assert.Equal(t, "orders", all[0].Name)

	rec = do(t, s, http.MethodGet, "/queues/ORDERS", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one queue.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&one))
	assert.Equal(t, types.StatusPull, one.Status)

	rec = do(t, s, http.MethodGet, "/queues/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// stuckPeer never completes a send until released.
type stuckPeer struct {
	release chan struct{}
}

func (p *stuckPeer) ID() string        { return "stuck" }
func (p *stuckPeer) IsConnected() bool { return true }

func (p *stuckPeer) Send(ctx context.Context, msg *types.Message) error {
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestQueueEndpointShowsProcessingMessage(t *testing.T) {
	s, m := newTestServer(t, &fakeBroker{ready: true})
	ctx := context.Background()

	_, err := m.CreateQueue(ctx, m.Defaults("busy"))
	require.NoError(t, err)
	consumer := &stuckPeer{release: make(chan struct{})}
	defer close(consumer.release)
	_, err = m.Subscribe(ctx, "busy", consumer)
	require.NoError(t, err)
	_, err = m.Push(ctx, &types.Message{ID: "m1", Target: "busy", Payload: []byte("A")}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/queues/busy", "")
		var st queue.Stats
		if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
			return false
		}
		return st.Processing == "m1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFillEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		code   int
		added  int
		result string
	}{
		{
			name:   "json items",
			target: "/queues/orders/fill",
			body:   `[{"id":1},{"id":2}]`,
			code:   http.StatusOK,
			added:  2,
			result: types.PushSuccess.String(),
		},
		{
			name:   "strings stop at the limit",
			target: "/queues/orders/fill?format=strings&priority=true",
			body:   `["a","b","c","d"]`,
			code:   http.StatusOK,
			added:  3,
			result: types.PushLimitExceeded.String(),
		},
		{
			name:   "malformed body",
			target: "/queues/orders/fill",
			body:   `{"not":"an array"}`,
			code:   http.StatusBadRequest,
		},
		{
			name:   "strings format with objects",
			target: "/queues/orders/fill?format=strings",
			body:   `[{"id":1}]`,
			code:   http.StatusBadRequest,
		},
		{
			name:   "unknown queue",
			target: "/queues/missing/fill",
			body:   `[]`,
			code:   http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m := newTestServer(t, &fakeBroker{ready: true})

			rec := do(t, s, http.MethodPost, tt.target, tt.body)
			require.Equal(t, tt.code, rec.Code)
			if tt.code != http.StatusOK {
				return
			}

			var resp FillResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.added, resp.Added)
			assert.Equal(t, tt.result, resp.Result)
			assert.Equal(t, tt.added, m.Find("orders").Len())
		})
	}
}

func TestListenAndShutdown(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &fakeBroker{ready: true}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 5*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errCh)
}
