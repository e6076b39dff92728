// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxqueue/queue/storage"
	"github.com/absmach/fluxqueue/queue/storage/memory"
	"github.com/absmach/fluxqueue/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	if cfg.ErrorFunc == nil {
		cfg.ErrorFunc = func(string, string, error) {}
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.AutoDestroyInterval == 0 {
		cfg.AutoDestroyInterval = 20 * time.Millisecond
	}
	m := NewManager(cfg)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func TestManager_CreateQueue(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	q, err := m.CreateQueue(ctx, types.DefaultQueueConfig("Orders"))
	require.NoError(t, err)
	assert.True(t, q.IsInitialized())
	assert.Equal(t, types.StatusRoundRobin, q.Status())

	_, err = m.CreateQueue(ctx, types.DefaultQueueConfig("orders"))
	assert.ErrorIs(t, err, ErrQueueAlreadyExists, "names are case-insensitive")

	got, err := m.GetOrCreateQueue(ctx, "ORDERS", nil)
	require.NoError(t, err)
	assert.Same(t, q, got)
}

func TestManager_InvalidName(t *testing.T) {
	m := newTestManager(t, Config{})

	for _, name := range []string{"", "  ", "with space"} {
		_, err := m.CreateQueue(context.Background(), types.DefaultQueueConfig(name))
		assert.ErrorIs(t, err, ErrInvalidQueueName, name)
	}
}

func TestManager_UnknownHandler(t *testing.T) {
	m := newTestManager(t, Config{})

	cfg := types.DefaultQueueConfig("orders")
	cfg.DeliveryHandler = "nope"
	_, err := m.CreateQueue(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownDeliveryHandler)
	assert.Nil(t, m.Find("orders"), "failed queues are not registered")
}

func TestManager_GetOrCreateAppliesHeaders(t *testing.T) {
	m := newTestManager(t, Config{})

	q, err := m.GetOrCreateQueue(context.Background(), "jobs", map[string]string{
		types.HeaderQueueStatus: "pull",
		types.HeaderAcknowledge: "wait",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPull, q.Status())
	assert.Equal(t, types.AckWait, q.Config().Acknowledge)
}

func TestManager_PushRouting(t *testing.T) {
	tests := []struct {
		name       string
		autoCreate bool
		result     types.PushResult
		err        error
	}{
		{"unknown queue", false, types.PushError, ErrQueueNotFound},
		{"auto created", true, types.PushSuccess, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, Config{AutoCreateQueues: tt.autoCreate})

			res, err := m.Push(context.Background(), &types.Message{Target: "events", Payload: []byte("A")}, nil)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.result, res)
		})
	}
}

type recordingForwarder struct {
	mu        sync.Mutex
	decisions map[string]types.Decision
	panics    bool
}

func (f *recordingForwarder) ForwardDecision(ctx context.Context, q *Queue, qm *types.QueueMessage, d types.Decision) {
	if f.panics {
		panic("replica unreachable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decisions == nil {
		f.decisions = make(map[string]types.Decision)
	}
	f.decisions[qm.ID()] = d
}

func (f *recordingForwarder) get(id string) (types.Decision, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decisions[id]
	return d, ok
}

func TestManager_ForwardsDecisions(t *testing.T) {
	fwd := &recordingForwarder{}
	m := newTestManager(t, Config{AutoCreateQueues: true, Forwarder: fwd})

	res, err := m.Push(context.Background(), &types.Message{ID: "m1", Target: "events", Payload: []byte("A")}, nil)
	require.NoError(t, err)
	require.Equal(t, types.PushSuccess, res)

	d, ok := fwd.get("m1")
	require.True(t, ok)
	assert.True(t, d.Allow)
}

func TestManager_ForwarderPanicIsReported(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	m := newTestManager(t, Config{
		AutoCreateQueues: true,
		Forwarder:        &recordingForwarder{panics: true},
		ErrorFunc: func(_, _ string, err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	})

	res, err := m.Push(context.Background(), &types.Message{Target: "events", Payload: []byte("A")}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.PushSuccess, res)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reported)
	assert.ErrorIs(t, reported[0], ErrHandlerPanic)
}

func TestManager_SubscribeAckUnsubscribe(t *testing.T) {
	m := newTestManager(t, Config{AutoCreateQueues: true})
	ctx := context.Background()

	cfg := types.DefaultQueueConfig("jobs")
	cfg.Acknowledge = types.AckRequest
	_, err := m.CreateQueue(ctx, cfg)
	require.NoError(t, err)

	consumer := newTestPeer("c1")
	res, err := m.Subscribe(ctx, "JOBS", consumer)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionSuccess, res)

	_, err = m.Push(ctx, &types.Message{Target: "jobs", Payload: []byte("A")}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(consumer.received()) == 1 }, waitFor, tick)

	ack := types.NewAck(consumer.received()[0], false, "")
	require.NoError(t, m.Acknowledge(ctx, consumer, ack))

	require.NoError(t, m.Unsubscribe(ctx, "jobs", consumer))
	assert.ErrorIs(t, m.Unsubscribe(ctx, "jobs", consumer), ErrNotSubscribed)
	assert.ErrorIs(t, m.Unsubscribe(ctx, "missing", consumer), ErrQueueNotFound)
}

func TestManager_Disconnect(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	a, err := m.CreateQueue(ctx, types.DefaultQueueConfig("a"))
	require.NoError(t, err)
	b, err := m.CreateQueue(ctx, types.DefaultQueueConfig("b"))
	require.NoError(t, err)

	p := newTestPeer("p1")
	a.AddClient(ctx, p)
	b.AddClient(ctx, p)

	m.Disconnect(ctx, p)
	assert.Nil(t, a.FindClient("p1"))
	assert.Nil(t, b.FindClient("p1"))
}

func TestManager_AutoDestroyNoConsumers(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	cfg := types.DefaultQueueConfig("temp")
	cfg.AutoDestroy = types.AutoDestroyNoConsumers
	q, err := m.CreateQueue(ctx, cfg)
	require.NoError(t, err)

	consumer := newTestPeer("c1")
	_, err = m.Subscribe(ctx, "temp", consumer)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NotNil(t, m.Find("temp"), "a queue with consumers stays")

	require.NoError(t, m.Unsubscribe(ctx, "temp", consumer))
	require.Eventually(t, func() bool { return m.Find("temp") == nil }, waitFor, tick)
	assert.True(t, q.IsDestroyed())
}

func TestManager_AutoDestroyNoMessages(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	cfg := types.DefaultQueueConfig("drain")
	cfg.Status = types.StatusPull
	cfg.AutoDestroy = types.AutoDestroyNoMessages
	q, err := m.CreateQueue(ctx, cfg)
	require.NoError(t, err)

	_, err = q.Push(ctx, &types.Message{Payload: []byte("A")}, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NotNil(t, m.Find("drain"))

	q.Pull(ctx, newTestPeer("c1"), PullRequest{Count: 1})
	require.Eventually(t, func() bool { return m.Find("drain") == nil }, waitFor, tick)
}

func TestManager_AutoDestroyEmpty(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	cfg := types.DefaultQueueConfig("scratch")
	cfg.AutoDestroy = types.AutoDestroyEmpty
	q, err := m.CreateQueue(ctx, cfg)
	require.NoError(t, err)

	_, err = q.Push(ctx, &types.Message{Payload: []byte("A")}, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NotNil(t, m.Find("scratch"), "queued messages keep the queue")

	consumer := newTestPeer("c1")
	_, err = m.Subscribe(ctx, "scratch", consumer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(consumer.received()) == 1 && q.Len() == 0 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	require.NotNil(t, m.Find("scratch"), "a consumer keeps the queue")

	require.NoError(t, m.Unsubscribe(ctx, "scratch", consumer))
	require.Eventually(t, func() bool { return m.Find("scratch") == nil }, waitFor, tick)
}

func TestManager_SafetyNetDestroysIdleQueue(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	cfg := types.DefaultQueueConfig("idle")
	cfg.AutoDestroy = types.AutoDestroyNoConsumers
	q, err := m.CreateQueue(ctx, cfg)
	require.NoError(t, err)

	// Nobody ever subscribes, so only the periodic check can notice.
	require.Eventually(t, func() bool { return m.Find("idle") == nil }, waitFor, tick)
	assert.True(t, q.IsDestroyed())
}

type recordingEvents struct {
	NopListener

	mu      sync.Mutex
	created []string
	removed []string
	changes []string
}

func (e *recordingEvents) QueueCreated(q *Queue) {
	e.mu.Lock()
	e.created = append(e.created, q.Name())
	e.mu.Unlock()
}

func (e *recordingEvents) QueueRemoved(q *Queue) {
	e.mu.Lock()
	e.removed = append(e.removed, q.Name())
	e.mu.Unlock()
}

func (e *recordingEvents) StatusChanged(q *Queue, from, to types.QueueStatus) {
	e.mu.Lock()
	e.changes = append(e.changes, string(from)+">"+string(to))
	e.mu.Unlock()
}

func TestManager_PersistsRecords(t *testing.T) {
	store := memory.New()
	events := &recordingEvents{}
	m := newTestManager(t, Config{QueueStore: store, Events: events})
	ctx := context.Background()

	_, err := m.CreateQueue(ctx, types.DefaultQueueConfig("orders"))
	require.NoError(t, err)

	rec, err := store.GetQueue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusRoundRobin), rec.Status)

	require.NoError(t, m.SetStatus(ctx, "orders", types.StatusPaused))
	rec, err = store.GetQueue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusPaused), rec.Status)

	require.NoError(t, m.RemoveQueue(ctx, "orders"))
	_, err = store.GetQueue(ctx, "orders")
	assert.ErrorIs(t, err, storage.ErrQueueNotFound)
	assert.ErrorIs(t, m.RemoveQueue(ctx, "orders"), ErrQueueNotFound)

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, []string{"orders"}, events.created)
	assert.Equal(t, []string{"orders"}, events.removed)
	assert.Equal(t, []string{"round-robin>paused"}, events.changes)
}

func TestManager_StartLoadsRecords(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	cfg := types.DefaultQueueConfig("orders")
	cfg.Status = types.StatusPaused
	cfg.MessageLimit = 7
	require.NoError(t, store.SaveQueue(ctx, cfg.ToRecord()))

	m := newTestManager(t, Config{QueueStore: store})
	require.NoError(t, m.Start(ctx))

	q := m.Find("orders")
	require.NotNil(t, q)
	assert.Equal(t, types.StatusPaused, q.Status())
	assert.Equal(t, 7, q.Config().MessageLimit)
}

func TestManager_QueuesSortedAndStats(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	for _, name := range []string{"b", "C", "a"} {
		_, err := m.CreateQueue(ctx, types.DefaultQueueConfig(name))
		require.NoError(t, err)
	}

	var names []string
	for _, q := range m.Queues() {
		names = append(names, q.Name())
	}
	assert.Equal(t, []string{"a", "b", "C"}, names)
	assert.Len(t, m.Stats(), 3)
}

func TestQueue_RouteEnterVetoedWhileQueued(t *testing.T) {
	q := newTestQueue(t, types.DefaultQueueConfig("veto"), &recordingHandler{})
	push(t, q, "A", false)

	err := q.SetStatus(context.Background(), types.StatusRoute)
	assert.ErrorIs(t, err, ErrTransitionDenied)
	assert.Equal(t, types.StatusRoundRobin, q.Status())
	assert.Equal(t, types.StatusRoundRobin, q.Config().Status)
}

func TestQueue_StopVetoedWithPendingDeliveries(t *testing.T) {
	cfg := types.DefaultQueueConfig("pending")
	cfg.Status = types.StatusPush
	cfg.Acknowledge = types.AckRequest
	cfg.AckTimeout = 10 * time.Second
	q := newTestQueue(t, cfg, &recordingHandler{})

	consumer := newTestPeer("c1")
	q.AddClient(context.Background(), consumer)
	push(t, q, "A", false)
	require.Eventually(t, func() bool { return q.PendingDeliveries() == 1 }, waitFor, tick)

	assert.ErrorIs(t, q.SetStatus(context.Background(), types.StatusStopped), ErrTransitionDenied)
	assert.Equal(t, types.StatusPush, q.Status())

	require.NoError(t, q.AcknowledgeDelivered(context.Background(), consumer, types.NewAck(consumer.received()[0], false, "")))
	require.NoError(t, q.SetStatus(context.Background(), types.StatusStopped))
	assert.Equal(t, types.StatusStopped, q.Status())
}

func TestQueue_StatusTransitions(t *testing.T) {
	tests := []struct {
		from, to types.QueueStatus
		err      error
	}{
		{types.StatusRoundRobin, types.StatusPush, nil},
		{types.StatusPush, types.StatusPull, nil},
		{types.StatusPull, types.StatusPaused, nil},
		{types.StatusPaused, types.StatusRoute, nil},
		{types.StatusStopped, types.StatusRoundRobin, nil},
		{types.StatusRoundRobin, types.StatusNotInitialized, ErrTransitionDenied},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+">"+string(tt.to), func(t *testing.T) {
			cfg := types.DefaultQueueConfig("q")
			cfg.Status = tt.from
			q := newTestQueue(t, cfg, &recordingHandler{})

			err := q.SetStatus(context.Background(), tt.to)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Equal(t, tt.from, q.Status())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, q.Status())
		})
	}
}
