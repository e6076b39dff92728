// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
)

// Client is a consumer subscribed to a queue.
type Client struct {
	peer     types.Peer
	joinedAt time.Time

	mu                 sync.Mutex
	processing         *types.QueueMessage
	processingDeadline time.Time
}

func newClient(peer types.Peer) *Client {
	return &Client{peer: peer, joinedAt: time.Now()}
}

// ID returns the peer ID.
func (c *Client) ID() string {
	return c.peer.ID()
}

// Peer returns the underlying connection.
func (c *Client) Peer() types.Peer {
	return c.peer
}

// JoinedAt returns the subscription time.
func (c *Client) JoinedAt() time.Time {
	return c.joinedAt
}

// IsConnected reports whether the underlying connection is alive.
func (c *Client) IsConnected() bool {
	return c.peer.IsConnected()
}

// CurrentlyProcessing returns the message the consumer is expected to
// acknowledge, or nil.
func (c *Client) CurrentlyProcessing() *types.QueueMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

// IsBusy reports whether the consumer holds an unacknowledged message whose
// deadline has not passed.
func (c *Client) IsBusy(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.processing == nil {
		return false
	}
	return c.processingDeadline.IsZero() || now.Before(c.processingDeadline)
}

func (c *Client) setProcessing(qm *types.QueueMessage, deadline time.Time) {
	c.mu.Lock()
	c.processing = qm
	c.processingDeadline = deadline
	c.mu.Unlock()
}

// clearProcessing frees the slot if it still holds qm.
func (c *Client) clearProcessing(qm *types.QueueMessage) {
	c.mu.Lock()
	if c.processing == qm {
		c.processing = nil
		c.processingDeadline = time.Time{}
	}
	c.mu.Unlock()
}

// clientRegistry is copy-on-read: mutators lock briefly, readers work on a
// snapshot so dispatch never blocks subscribe and unsubscribe.
type clientRegistry struct {
	mu      sync.RWMutex
	clients []*Client
}

func (r *clientRegistry) add(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.clients {
		if existing.ID() == c.ID() {
			return false
		}
	}
	r.clients = append(r.clients, c)
	return true
}

func (r *clientRegistry) remove(id string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.clients {
		if c.ID() == id {
			r.clients = append(r.clients[:i:i], r.clients[i+1:]...)
			return c
		}
	}
	return nil
}

func (r *clientRegistry) find(id string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.clients {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

func (r *clientRegistry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, len(r.clients))
	copy(out, r.clients)
	return out
}

func (r *clientRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *clientRegistry) clear() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.clients
	r.clients = nil
	return out
}
