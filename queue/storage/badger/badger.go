// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxqueue/queue/storage"
	"github.com/absmach/fluxqueue/queue/types"
	"github.com/dgraph-io/badger/v4"
)

const (
	queueMetaPrefix    = "queue:meta:"
	queueMessagePrefix = "queue:msg:"
	queueIndexPrefix   = "queue:idx:" // message ID -> sequence
	queueSeqPrefix     = "queue:seq:"
	queueCountPrefix   = "queue:count:" // Counter for O(1) Count()

	// Separates the queue name from the rest of a key. Queue names never
	// contain it, so one queue's prefix never matches another queue.
	keySep = "\x00"

	maxConflictRetries = 5
)

var (
	_ storage.QueueStore   = (*Store)(nil)
	_ storage.MessageStore = (*Store)(nil)
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir      string // Directory for BadgerDB data
	InMemory bool   // Keep everything in memory; Dir is ignored

	// Compression of saved messages. Payloads smaller than
	// CompressThreshold bytes are stored raw.
	Compression       Compression
	CompressThreshold int

	// GCInterval of the value log garbage collector. Zero uses 5 minutes.
	GCInterval time.Duration
}

// Store implements the queue and message stores using BadgerDB.
type Store struct {
	db    *badger.DB
	codec codec

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	c, err := newCodec(cfg.Compression, cfg.CompressThreshold)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		codec:    c,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC(interval)
	}

	return s, nil
}

// QueueStore implementation

func (s *Store) SaveQueue(ctx context.Context, rec types.QueueRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(queueMetaPrefix+rec.Name), data)
	})
}

func (s *Store) GetQueue(ctx context.Context, name string) (types.QueueRecord, error) {
	var rec types.QueueRecord

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(queueMetaPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrQueueNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	key := []byte(queueMetaPrefix + name)
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrQueueNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *Store) ListQueues(ctx context.Context) ([]types.QueueRecord, error) {
	recs := make([]types.QueueRecord, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queueMetaPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec types.QueueRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// MessageStore implementation

func (s *Store) SaveMessage(ctx context.Context, queue string, msg storage.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := s.codec.encode(msg)
	if err != nil {
		return err
	}

	idxKey := makeIndexKey(queue, msg.ID)
	return s.update(func(txn *badger.Txn) error {
		// Re-saving keeps the original position.
		seq, err := readUint64(txn, idxKey)
		switch {
		case err == nil:
			return txn.Set(makeMessageKey(queue, seq), data)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		seq, err = incrementCounter(txn, []byte(queueSeqPrefix+queue), 1)
		if err != nil {
			return err
		}
		if _, err := incrementCounter(txn, []byte(queueCountPrefix+queue), 1); err != nil {
			return err
		}
		if err := txn.Set(idxKey, encodeUint64(seq)); err != nil {
			return err
		}
		return txn.Set(makeMessageKey(queue, seq), data)
	})
}

func (s *Store) DeleteMessage(ctx context.Context, queue, id string) error {
	idxKey := makeIndexKey(queue, id)
	return s.update(func(txn *badger.Txn) error {
		seq, err := readUint64(txn, idxKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrMessageNotFound
		}
		if err != nil {
			return err
		}

		if err := txn.Delete(makeMessageKey(queue, seq)); err != nil {
			return err
		}
		if err := txn.Delete(idxKey); err != nil {
			return err
		}
		_, err = incrementCounter(txn, []byte(queueCountPrefix+queue), -1)
		return err
	})
}

func (s *Store) ListMessages(ctx context.Context, queue string) ([]storage.Message, error) {
	var msgs []storage.Message

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeMessagePrefix(queue)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var msg storage.Message
			if err := it.Item().Value(func(val []byte) error {
				var err error
				msg, err = s.codec.decode(val)
				return err
			}); err != nil {
				return fmt.Errorf("failed to decode message %x: %w", it.Item().Key(), err)
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	return msgs, err
}

func (s *Store) DeleteMessages(ctx context.Context, queue string) (int, error) {
	var deleted int

	// Deletes run in batches to stay below the transaction size limit.
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		msgs, keys, err := s.deleteBatch(queue, 1000)
		deleted += msgs
		if err != nil {
			return deleted, err
		}
		if keys == 0 {
			break
		}
	}

	err := s.update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(queueCountPrefix + queue)); err != nil {
			return err
		}
		return txn.Delete([]byte(queueSeqPrefix + queue))
	})
	return deleted, err
}

// deleteBatch drops up to limit message and index keys of queue. It returns
// how many messages and how many keys in total were deleted.
func (s *Store) deleteBatch(queue string, limit int) (msgs, keys int, err error) {
	err = s.update(func(txn *badger.Txn) error {
		msgs, keys = 0, 0
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		var batch [][]byte
		for _, prefix := range [][]byte{makeMessagePrefix(queue), makeIndexPrefix(queue)} {
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid() && len(batch) < limit; it.Next() {
				batch = append(batch, it.Item().KeyCopy(nil))
			}
			it.Close()
		}

		for _, key := range batch {
			if err := txn.Delete(key); err != nil {
				return err
			}
			if bytes.HasPrefix(key, []byte(queueMessagePrefix)) {
				msgs++
			}
		}
		keys = len(batch)
		return nil
	})
	return msgs, keys, err
}

func (s *Store) Count(ctx context.Context, queue string) (int64, error) {
	var count int64

	err := s.db.View(func(txn *badger.Txn) error {
		v, err := readUint64(txn, []byte(queueCountPrefix+queue))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		count = int64(v)
		return err
	})
	return count, err
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone
	s.codec.close()

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers of the same counters.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Helper functions for key construction

func makeMessageKey(queue string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s%s%020d", queueMessagePrefix, queue, keySep, seq)
}

func makeMessagePrefix(queue string) []byte {
	return []byte(queueMessagePrefix + queue + keySep)
}

func makeIndexKey(queue, id string) []byte {
	return []byte(queueIndexPrefix + queue + keySep + id)
}

func makeIndexPrefix(queue string) []byte {
	return []byte(queueIndexPrefix + queue + keySep)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func readUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		return 0, err
	}

	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %q", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

// incrementCounter adds delta to a counter and returns the new value. The
// counter never goes negative.
func incrementCounter(txn *badger.Txn, key []byte, delta int64) (uint64, error) {
	current, err := readUint64(txn, key)
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}

	next := int64(current) + delta
	if next < 0 {
		next = 0
	}
	return uint64(next), txn.Set(key, encodeUint64(uint64(next)))
}
