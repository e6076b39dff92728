// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
)

// discardPeer accepts every message without keeping it.
type discardPeer struct {
	id string
}

func (p discardPeer) ID() string                                         { return p.id }
func (p discardPeer) IsConnected() bool                                  { return true }
func (p discardPeer) Send(ctx context.Context, msg *types.Message) error { return nil }

func newBenchQueue(b *testing.B, status types.QueueStatus) *Queue {
	b.Helper()

	cfg := types.DefaultQueueConfig("bench")
	cfg.Status = status

	q, err := NewQueue(Options{
		Config: cfg,
		HandlerFactory: func(context.Context, *Queue) (DeliveryHandler, error) {
			return JustAllowHandler{}, nil
		},
		ErrorFunc:    func(string, string, error) {},
		TickInterval: time.Second,
	})
	if err != nil {
		b.Fatal(err)
	}
	if err := q.Initialize(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { q.Destroy(context.Background()) })
	return q
}

// BenchmarkPush_RoundRobin measures push throughput with delivery to a
// varying number of consumers.
func BenchmarkPush_RoundRobin(b *testing.B) {
	for _, consumers := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("consumers=%d", consumers), func(b *testing.B) {
			q := newBenchQueue(b, types.StatusRoundRobin)
			ctx := context.Background()
			for i := 0; i < consumers; i++ {
				if res := q.AddClient(ctx, discardPeer{id: fmt.Sprintf("c%d", i)}); res != types.SubscriptionSuccess {
					b.Fatalf("subscribe: %s", res)
				}
			}
			payload := []byte("benchmark message")

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := q.Push(ctx, &types.Message{Payload: payload}, nil); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkPull measures draining a pull queue in batches.
func BenchmarkPull(b *testing.B) {
	q := newBenchQueue(b, types.StatusPull)
	ctx := context.Background()
	payload := []byte("benchmark message")

	for i := 0; i < b.N; i++ {
		if _, err := q.Push(ctx, &types.Message{Payload: payload}, nil); err != nil {
			b.Fatal(err)
		}
	}
	peer := discardPeer{id: "puller"}

	b.ResetTimer()
	b.ReportAllocs()
	for pulled := 0; pulled < b.N; {
		res := q.Pull(ctx, peer, PullRequest{Count: 100})
		if res.Delivered == 0 {
			b.Fatalf("pull returned %s with %d of %d pulled", res.Result, pulled, b.N)
		}
		pulled += res.Delivered
	}
}
