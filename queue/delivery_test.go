// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDelivery(t *testing.T, ackTimeout time.Duration, token *gateToken) *Delivery {
	t.Helper()

	qm := types.NewQueueMessage(&types.Message{ID: "m1"}, nil)
	return newDelivery(qm, newClient(newTestPeer("c1")), time.Now(), ackTimeout, token)
}

func TestDelivery_ResolvesOnce(t *testing.T) {
	tests := []struct {
		name  string
		first func(d *Delivery) bool
		then  func(d *Delivery) bool
		state AckState
	}{
		{
			name:  "ack then timeout",
			first: func(d *Delivery) bool { return d.MarkAcknowledged(true) },
			then:  func(d *Delivery) bool { return d.MarkTimedOut() },
			state: AckPositive,
		},
		{
			name:  "timeout then ack",
			first: func(d *Delivery) bool { return d.MarkTimedOut() },
			then:  func(d *Delivery) bool { return d.MarkAcknowledged(true) },
			state: AckTimedOut,
		},
		{
			name:  "nack then ack",
			first: func(d *Delivery) bool { return d.MarkAcknowledged(false) },
			then:  func(d *Delivery) bool { return d.MarkAcknowledged(true) },
			state: AckNegative,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDelivery(t, time.Second, nil)
			assert.False(t, d.Resolved())
			assert.True(t, tt.first(d))
			assert.False(t, tt.then(d))
			assert.Equal(t, tt.state, d.State())
			assert.True(t, d.Resolved())
		})
	}
}

func TestDelivery_ConcurrentResolution(t *testing.T) {
	d := testDelivery(t, time.Second, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = d.MarkTimedOut()
			} else {
				ok = d.MarkAcknowledged(true)
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestDelivery_Expired(t *testing.T) {
	d := testDelivery(t, 10*time.Millisecond, nil)
	assert.False(t, d.Expired(d.SentAt))
	assert.True(t, d.Expired(d.SentAt.Add(10*time.Millisecond)))

	forever := testDelivery(t, 0, nil)
	assert.True(t, forever.Deadline.IsZero())
	assert.False(t, forever.Expired(time.Now().Add(time.Hour)))
}

func TestAckState_String(t *testing.T) {
	assert.Equal(t, "pending", AckPending.String())
	assert.Equal(t, "timed-out", AckTimedOut.String())
	assert.Equal(t, "unknown", AckState(42).String())
}

func TestAckGate_SharedToken(t *testing.T) {
	g := newAckGate()

	token, err := g.acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, g.busy())

	// A broadcast to two receivers.
	d1 := testDelivery(t, time.Second, token)
	d2 := testDelivery(t, time.Second, token)
	token.done()
	assert.True(t, g.busy(), "deliveries still hold the gate")

	d1.releaseGate()
	d1.releaseGate()
	assert.True(t, g.busy(), "releasing twice must count once")

	d2.releaseGate()
	assert.False(t, g.busy())
}

func TestAckGate_AcquireHonorsContext(t *testing.T) {
	g := newAckGate()
	_, err := g.acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeKeeper_ReleaseByClient(t *testing.T) {
	q := newTestQueue(t, types.DefaultQueueConfig("tk"), &recordingHandler{})
	tk := q.timeKeeper

	a := newClient(newTestPeer("a"))
	b := newClient(newTestPeer("b"))
	qm := types.NewQueueMessage(&types.Message{ID: "m1"}, nil)

	da := newDelivery(qm, a, time.Now(), time.Hour, nil)
	db := newDelivery(qm, b, time.Now(), time.Hour, nil)
	tk.track(da)
	tk.track(db)
	require.Equal(t, 2, tk.pending())

	released := tk.release("a")
	require.Len(t, released, 1)
	assert.Same(t, da, released[0])
	assert.Equal(t, AckTimedOut, da.State())

	assert.Nil(t, tk.find("a", "m1"))
	assert.Same(t, db, tk.find("b", "m1"))
	assert.Equal(t, 1, tk.pending())
}

func TestTimeKeeper_SweepSkipsResolved(t *testing.T) {
	q := newTestQueue(t, types.DefaultQueueConfig("tk"), &recordingHandler{})
	tk := q.timeKeeper

	qm := types.NewQueueMessage(&types.Message{ID: "m1"}, nil)
	d := newDelivery(qm, newClient(newTestPeer("a")), time.Now(), time.Millisecond, nil)
	tk.track(d)
	require.True(t, d.MarkAcknowledged(true))

	tk.sweepDeliveries(context.Background(), time.Now().Add(time.Second))
	assert.Equal(t, 0, tk.pending())
	assert.Equal(t, int64(0), q.Stats().AckTimeouts)
}

func TestClient_ProcessingSlot(t *testing.T) {
	c := newClient(newTestPeer("c1"))
	qm := types.NewQueueMessage(&types.Message{ID: "m1"}, nil)
	other := types.NewQueueMessage(&types.Message{ID: "m2"}, nil)
	now := time.Now()

	assert.False(t, c.IsBusy(now))

	c.setProcessing(qm, now.Add(time.Second))
	assert.True(t, c.IsBusy(now))
	assert.Same(t, qm, c.CurrentlyProcessing())

	c.clearProcessing(other)
	assert.True(t, c.IsBusy(now), "clearing another message keeps the slot")

	c.clearProcessing(qm)
	assert.False(t, c.IsBusy(now))
}
