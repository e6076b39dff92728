// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/fluxqueue/queue/storage"
	"github.com/absmach/fluxqueue/queue/types"
)

var (
	_ storage.QueueStore   = (*Store)(nil)
	_ storage.MessageStore = (*Store)(nil)
)

// Store implements the queue and message stores using in-memory maps.
// This implementation is primarily for testing and development.
type Store struct {
	mu       sync.RWMutex
	queues   map[string]types.QueueRecord
	messages map[string]*messageSet // queue name -> saved messages
}

type entry struct {
	seq uint64
	msg storage.Message
}

// messageSet keeps messages of one queue in save order.
type messageSet struct {
	next    uint64
	entries map[string]entry // message ID -> entry
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		queues:   make(map[string]types.QueueRecord),
		messages: make(map[string]*messageSet),
	}
}

// QueueStore implementation

func (s *Store) SaveQueue(ctx context.Context, rec types.QueueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[rec.Name] = rec
	return nil
}

func (s *Store) GetQueue(ctx context.Context, name string) (types.QueueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.queues[name]
	if !ok {
		return types.QueueRecord{}, storage.ErrQueueNotFound
	}
	return rec, nil
}

func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[name]; !ok {
		return storage.ErrQueueNotFound
	}
	delete(s.queues, name)
	return nil
}

func (s *Store) ListQueues(ctx context.Context) ([]types.QueueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]types.QueueRecord, 0, len(s.queues))
	for _, rec := range s.queues {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

// MessageStore implementation

func (s *Store) SaveMessage(ctx context.Context, queue string, msg storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.messages[queue]
	if !ok {
		set = &messageSet{entries: make(map[string]entry)}
		s.messages[queue] = set
	}

	// Re-saving keeps the original position.
	if e, ok := set.entries[msg.ID]; ok {
		e.msg = msg
		set.entries[msg.ID] = e
		return nil
	}
	set.next++
	set.entries[msg.ID] = entry{seq: set.next, msg: msg}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.messages[queue]
	if !ok {
		return storage.ErrMessageNotFound
	}
	if _, ok := set.entries[id]; !ok {
		return storage.ErrMessageNotFound
	}
	delete(set.entries, id)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, queue string) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.messages[queue]
	if !ok {
		return nil, nil
	}

	entries := make([]entry, 0, len(set.entries))
	for _, e := range set.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	msgs := make([]storage.Message, len(entries))
	for i, e := range entries {
		msgs[i] = e.msg
	}
	return msgs, nil
}

func (s *Store) DeleteMessages(ctx context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.messages[queue]
	if !ok {
		return 0, nil
	}
	delete(s.messages, queue)
	return len(set.entries), nil
}

func (s *Store) Count(ctx context.Context, queue string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.messages[queue]
	if !ok {
		return 0, nil
	}
	return int64(len(set.entries)), nil
}

func (s *Store) Close() error {
	return nil
}
