// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxqueue/queue"
	"github.com/absmach/fluxqueue/queue/storage"
	"github.com/absmach/fluxqueue/queue/storage/memory"
	"github.com/absmach/fluxqueue/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	id string

	mu   sync.Mutex
	msgs []*types.Message
}

func (p *peer) ID() string        { return p.id }
func (p *peer) IsConnected() bool { return true }

func (p *peer) Send(ctx context.Context, msg *types.Message) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *peer) received() []*types.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Message(nil), p.msgs...)
}

func newManager(t *testing.T, store *memory.Store) *queue.Manager {
	t.Helper()

	handlers := queue.DefaultHandlers()
	Register(handlers, store, nil)

	defaults := types.DefaultQueueConfig("")
	defaults.DeliveryHandler = Name

	m := queue.NewManager(queue.Config{
		QueueStore:          store,
		Handlers:            handlers,
		Defaults:            defaults,
		ErrorFunc:           func(string, string, error) {},
		TickInterval:        10 * time.Millisecond,
		AutoDestroyInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func TestHandler_SavesAndAcksProducer(t *testing.T) {
	store := memory.New()
	m := newManager(t, store)
	ctx := context.Background()

	cfg := m.Defaults("orders")
	cfg.Status = types.StatusPush
	cfg.Acknowledge = types.AckRequest
	q, err := m.CreateQueue(ctx, cfg)
	require.NoError(t, err)

	producer := &peer{id: "producer"}
	res, err := q.Push(ctx, &types.Message{ID: "m1", Payload: []byte("A"), WaitResponse: true}, producer)
	require.NoError(t, err)
	require.Equal(t, types.PushSuccess, res)

	count, err := store.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	acks := producer.received()
	require.Len(t, acks, 1, "producer is acknowledged once the message is saved")
	assert.Equal(t, types.TypeAck, acks[0].Type)
	assert.False(t, acks[0].IsNegativeAck())
}

func TestHandler_DeletesAfterAck(t *testing.T) {
	store := memory.New()
	m := newManager(t, store)
	ctx := context.Background()

	cfg := m.Defaults("orders")
	cfg.Status = types.StatusPush
	cfg.Acknowledge = types.AckRequest
	q, err := m.CreateQueue(ctx, cfg)
	require.NoError(t, err)

	consumer := &peer{id: "consumer"}
	require.Equal(t, types.SubscriptionSuccess, q.AddClient(ctx, consumer))

	_, err = q.Push(ctx, &types.Message{ID: "m1", Payload: []byte("A")}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(consumer.received()) == 1 }, time.Second, 5*time.Millisecond)

	// A nack keeps the message saved.
	nack := types.NewAck(consumer.received()[0], true, "retry")
	require.NoError(t, q.AcknowledgeDelivered(ctx, consumer, nack))
	count, err := store.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.Eventually(t, func() bool { return len(consumer.received()) == 2 }, time.Second, 5*time.Millisecond)
	ack := types.NewAck(consumer.received()[1], false, "")
	require.NoError(t, q.AcknowledgeDelivered(ctx, consumer, ack))

	count, err = store.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestHandler_RestoreOnStart(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	cfg := types.DefaultQueueConfig("orders")
	cfg.DeliveryHandler = Name
	cfg.Status = types.StatusPull
	require.NoError(t, store.SaveQueue(ctx, cfg.ToRecord()))
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, store.SaveMessage(ctx, "orders", storage.Message{
			ID:        id,
			Payload:   []byte(id),
			CreatedAt: time.Now(),
		}))
	}

	m := newManager(t, store)
	require.NoError(t, m.Start(ctx))

	q, err := m.GetQueue("ORDERS")
	require.NoError(t, err)
	require.Equal(t, 3, q.Len())

	consumer := &peer{id: "consumer"}
	res := q.Pull(ctx, consumer, queue.PullRequest{Count: 3})
	require.Equal(t, 3, res.Delivered)

	var ids []string
	for _, msg := range consumer.received() {
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)

	// Pulled without acknowledgment: removed for good and deleted.
	count, err := store.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestHandler_StopKeepsRemovePurges(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	m := newManager(t, store)
	q, err := m.CreateQueue(ctx, m.Defaults("orders"))
	require.NoError(t, err)
	_, err = q.Push(ctx, &types.Message{Payload: []byte("A")}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Stop(ctx))
	count, err := store.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "shutdown keeps saved messages")

	m = newManager(t, store)
	require.NoError(t, m.Start(ctx))
	q, err = m.GetQueue("orders")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	require.NoError(t, m.RemoveQueue(ctx, "orders"))
	count, err = store.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	_, err = store.GetQueue(ctx, "orders")
	assert.ErrorIs(t, err, storage.ErrQueueNotFound)
}
