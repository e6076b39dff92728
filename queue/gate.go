// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ackGate is the single-permit gate of wait-for-ack queues: at most one
// message may be awaiting acknowledgment at a time.
type ackGate struct {
	sem *semaphore.Weighted
}

func newAckGate() *ackGate {
	return &ackGate{sem: semaphore.NewWeighted(1)}
}

// acquire blocks until the previous message is resolved or ctx is done.
// The returned token holds one reference for the caller; every delivery
// created with it adds another. The permit is returned when all references
// are done.
func (g *ackGate) acquire(ctx context.Context) (*gateToken, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return g.token(), nil
}

// tryAcquire takes the permit only if it is free.
func (g *ackGate) tryAcquire() (*gateToken, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return g.token(), true
}

func (g *ackGate) token() *gateToken {
	t := &gateToken{gate: g}
	t.refs.Store(1)
	return t
}

// busy reports whether the permit is currently held.
func (g *ackGate) busy() bool {
	if g.sem.TryAcquire(1) {
		g.sem.Release(1)
		return false
	}
	return true
}

type gateToken struct {
	gate *ackGate
	refs atomic.Int32
	once sync.Once
}

func (t *gateToken) add() {
	t.refs.Add(1)
}

func (t *gateToken) done() {
	if t == nil {
		return
	}
	if t.refs.Add(-1) <= 0 {
		t.once.Do(func() {
			t.gate.sem.Release(1)
		})
	}
}
