// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"strings"
	"sync"
)

// subscriptionRegistry keeps the handler of every subscribed queue so
// deliveries can be routed and subscriptions restored after a reconnect.
// Queue names are case-insensitive.
type subscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]subscriptionRecord
}

type subscriptionRecord struct {
	queue   string
	handler MessageHandler
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		subs: make(map[string]subscriptionRecord),
	}
}

func (r *subscriptionRegistry) set(queue string, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[strings.ToLower(queue)] = subscriptionRecord{queue: queue, handler: handler}
}

func (r *subscriptionRegistry) remove(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, strings.ToLower(queue))
}

func (r *subscriptionRegistry) handler(queue string) MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[strings.ToLower(queue)].handler
}

func (r *subscriptionRegistry) snapshot() []subscriptionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]subscriptionRecord, 0, len(r.subs))
	for _, rec := range r.subs {
		records = append(records, rec)
	}
	return records
}

// pullCollector gathers the messages answering one pull request. The broker
// sends them before the pull response.
type pullCollector struct {
	mu   sync.Mutex
	msgs []*Message
}

func (p *pullCollector) add(m *Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
}

func (p *pullCollector) take() []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.msgs
	p.msgs = nil
	return msgs
}
