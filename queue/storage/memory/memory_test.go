// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxqueue/queue/storage"
	"github.com/absmach/fluxqueue/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// QueueStore Tests

func TestMemoryQueueStore_SaveAndGet(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.GetQueue(ctx, "orders")
	assert.ErrorIs(t, err, storage.ErrQueueNotFound)

	rec := types.DefaultQueueConfig("orders").ToRecord()
	require.NoError(t, store.SaveQueue(ctx, rec))

	got, err := store.GetQueue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestMemoryQueueStore_SaveReplaces(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := types.DefaultQueueConfig("orders").ToRecord()
	require.NoError(t, store.SaveQueue(ctx, rec))

	rec.Status = string(types.StatusPaused)
	require.NoError(t, store.SaveQueue(ctx, rec))

	got, err := store.GetQueue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusPaused), got.Status)

	all, err := store.ListQueues(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryQueueStore_DeleteQueue(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.DeleteQueue(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrQueueNotFound)

	require.NoError(t, store.SaveQueue(ctx, types.DefaultQueueConfig("orders").ToRecord()))
	require.NoError(t, store.DeleteQueue(ctx, "orders"))

	_, err = store.GetQueue(ctx, "orders")
	assert.ErrorIs(t, err, storage.ErrQueueNotFound)
}

func TestMemoryQueueStore_ListSorted(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, store.SaveQueue(ctx, types.DefaultQueueConfig(name).ToRecord()))
	}

	recs, err := store.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].Name)
	assert.Equal(t, "b", recs[1].Name)
	assert.Equal(t, "c", recs[2].Name)
}

// MessageStore Tests

func testMessage(id string) storage.Message {
	return storage.Message{
		ID:        id,
		Payload:   []byte("payload-" + id),
		Headers:   map[string]string{"k": "v"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryMessageStore_SaveOrder(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, id := range []string{"m3", "m1", "m2"} {
		require.NoError(t, store.SaveMessage(ctx, "orders", testMessage(id)))
	}

	msgs, err := store.ListMessages(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m3", msgs[0].ID)
	assert.Equal(t, "m1", msgs[1].ID)
	assert.Equal(t, "m2", msgs[2].ID)
}

func TestMemoryMessageStore_ResaveKeepsPosition(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.SaveMessage(ctx, "orders", testMessage("m1")))
	require.NoError(t, store.SaveMessage(ctx, "orders", testMessage("m2")))

	updated := testMessage("m1")
	updated.Payload = []byte("updated")
	require.NoError(t, store.SaveMessage(ctx, "orders", updated))

	msgs, err := store.ListMessages(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, []byte("updated"), msgs[0].Payload)
}

func TestMemoryMessageStore_Delete(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.DeleteMessage(ctx, "orders", "m1")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)

	require.NoError(t, store.SaveMessage(ctx, "orders", testMessage("m1")))
	require.NoError(t, store.SaveMessage(ctx, "orders", testMessage("m2")))
	require.NoError(t, store.DeleteMessage(ctx, "orders", "m1"))

	count, err := store.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	n, err := store.DeleteMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := store.ListMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryMessageStore_QueuesIsolated(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.SaveMessage(ctx, "a", testMessage("m1")))
	require.NoError(t, store.SaveMessage(ctx, "b", testMessage("m1")))
	require.NoError(t, store.DeleteMessage(ctx, "a", "m1"))

	count, err := store.Count(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryMessageStore_Concurrent(t *testing.T) {
	store := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("m-%d-%d", i, j)
				assert.NoError(t, store.SaveMessage(ctx, "orders", testMessage(id)))
			}
		}(i)
	}
	wg.Wait()

	count, err := store.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(500), count)
}
