// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
)

// pendingOp is a request waiting for the broker's answer. The answer is a
// response frame, or an ack frame for a push that waits for one.
type pendingOp struct {
	id      string
	done    chan struct{}
	reply   *types.Message
	err     error
	created time.Time
}

// pendingStore correlates answers with requests by message ID.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*pendingOp
}

func newPendingStore() *pendingStore {
	return &pendingStore{
		pending: make(map[string]*pendingOp),
	}
}

// add registers a pending operation. IDs must be unique while in flight.
func (ps *pendingStore) add(id string) (*pendingOp, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.pending[id]; exists {
		return nil, ErrDuplicateID
	}

	op := &pendingOp{
		id:      id,
		done:    make(chan struct{}),
		created: time.Now(),
	}
	ps.pending[id] = op
	return op, nil
}

// complete finishes the operation waiting for reply.ID. It reports whether
// one was waiting.
func (ps *pendingStore) complete(reply *types.Message) bool {
	ps.mu.Lock()
	op, exists := ps.pending[reply.ID]
	if exists {
		delete(ps.pending, reply.ID)
	}
	ps.mu.Unlock()

	if !exists {
		return false
	}
	op.reply = reply
	close(op.done)
	return true
}

// remove drops a pending operation without completing it.
func (ps *pendingStore) remove(id string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.pending, id)
}

// clear fails every pending operation with err.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[string]*pendingOp)
	ps.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// wait blocks until the operation completes or ctx is done.
func (op *pendingOp) wait(ctx context.Context) (*types.Message, error) {
	select {
	case <-op.done:
		return op.reply, op.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
