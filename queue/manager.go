// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxqueue/queue/storage"
	"github.com/absmach/fluxqueue/queue/types"
)

// Config holds configuration for the queue manager.
type Config struct {
	// QueueStore keeps queue records. Optional; without it queues live in
	// memory only.
	QueueStore storage.QueueStore

	// Handlers maps delivery handler names to factories. Defaults to
	// DefaultHandlers.
	Handlers HandlerRegistry

	// Defaults are applied to queues created without explicit options.
	Defaults types.QueueConfig

	// AutoCreateQueues creates unknown queues on push and subscribe.
	AutoCreateQueues bool

	Events        EventListener
	ErrorFunc     ErrorFunc
	Forwarder     DecisionForwarder
	Authenticator Authenticator
	Authorizer    Authorizer
	Logger        *slog.Logger

	TickInterval        time.Duration
	AutoDestroyInterval time.Duration
	AckRetryDelays      []time.Duration
}

// Manager owns the set of queues. Names are unique and compared
// case-insensitively.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	queues map[string]*Queue

	stopOnce sync.Once
}

// NewManager creates a new queue manager.
func NewManager(cfg Config) *Manager {
	if cfg.Handlers == nil {
		cfg.Handlers = DefaultHandlers()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = NopListener{}
	}
	if cfg.ErrorFunc == nil {
		cfg.ErrorFunc = LogErrors(cfg.Logger)
	}
	if cfg.Defaults.Status == "" {
		cfg.Defaults = types.DefaultQueueConfig("")
	}

	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		queues: make(map[string]*Queue),
	}
}

// Defaults returns the server-wide queue defaults for name.
func (m *Manager) Defaults(name string) types.QueueConfig {
	cfg := m.cfg.Defaults
	cfg.Name = name
	return cfg
}

// Start loads the durable queue records, initializes the queues and
// restores their saved messages.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.QueueStore == nil {
		return nil
	}

	records, err := m.cfg.QueueStore.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queues: %w", err)
	}

	for _, rec := range records {
		cfg, err := types.FromRecord(rec, m.Defaults(rec.Name))
		if err != nil {
			m.logger.Error("skipping invalid queue record",
				slog.String("queue", rec.Name),
				slog.String("error", err.Error()))
			continue
		}

		q, err := m.createQueue(ctx, cfg, false)
		if err != nil {
			return fmt.Errorf("failed to create queue %s: %w", cfg.Name, err)
		}

		if r, ok := q.Handler().(Restorer); ok {
			if err := r.Restore(ctx, q); err != nil {
				return fmt.Errorf("failed to restore queue %s: %w", cfg.Name, err)
			}
		}
	}

	m.logger.Info("queue manager started", slog.Int("queues", len(records)))
	return nil
}

// Stop destroys all queues without removing their records.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		queues := make([]*Queue, 0, len(m.queues))
		for key, q := range m.queues {
			queues = append(queues, q)
			delete(m.queues, key)
		}
		m.mu.Unlock()

		var wg sync.WaitGroup
		for _, q := range queues {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.Destroy(ctx)
			}()
		}
		wg.Wait()
	})
	return nil
}

// CreateQueue creates and initializes a queue. It fails with
// ErrQueueAlreadyExists when the name is taken.
func (m *Manager) CreateQueue(ctx context.Context, cfg types.QueueConfig) (*Queue, error) {
	return m.createQueue(ctx, cfg, true)
}

// GetOrCreateQueue returns the existing queue or creates one from the
// defaults overridden by option headers.
func (m *Manager) GetOrCreateQueue(ctx context.Context, name string, headers map[string]string) (*Queue, error) {
	if q := m.Find(name); q != nil {
		return q, nil
	}

	cfg := m.Defaults(name)
	if err := cfg.ApplyHeaders(headers); err != nil {
		return nil, err
	}

	q, err := m.CreateQueue(ctx, cfg)
	if errors.Is(err, ErrQueueAlreadyExists) {
		if q := m.Find(name); q != nil {
			return q, nil
		}
	}
	return q, err
}

func (m *Manager) createQueue(ctx context.Context, cfg types.QueueConfig, persist bool) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		if strings.TrimSpace(cfg.Name) == "" || strings.ContainsAny(cfg.Name, " \t\r\n") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidQueueName, cfg.Name)
		}
		return nil, err
	}

	q, err := NewQueue(Options{
		Config:              cfg,
		HandlerFactory:      m.cfg.Handlers.Resolve(),
		Events:              m.cfg.Events,
		ErrorFunc:           m.cfg.ErrorFunc,
		Forwarder:           m.cfg.Forwarder,
		Authenticator:       m.cfg.Authenticator,
		Authorizer:          m.cfg.Authorizer,
		Logger:              m.logger,
		TickInterval:        m.cfg.TickInterval,
		AutoDestroyInterval: m.cfg.AutoDestroyInterval,
		AckRetryDelays:      m.cfg.AckRetryDelays,
		Remove: func(ctx context.Context, q *Queue) error {
			return m.removeQueue(ctx, q)
		},
		Persist: m.saveRecord,
	})
	if err != nil {
		return nil, err
	}

	key := queueKey(cfg.Name)
	m.mu.Lock()
	if _, exists := m.queues[key]; exists {
		m.mu.Unlock()
		return nil, ErrQueueAlreadyExists
	}
	m.queues[key] = q
	m.mu.Unlock()

	if err := q.Initialize(ctx); err != nil {
		m.mu.Lock()
		delete(m.queues, key)
		m.mu.Unlock()
		q.Destroy(ctx)
		return nil, err
	}

	if persist {
		if err := m.saveRecord(ctx, q); err != nil {
			m.mu.Lock()
			delete(m.queues, key)
			m.mu.Unlock()
			q.Destroy(ctx)
			return nil, err
		}
	}

	m.cfg.Events.QueueCreated(q)
	m.logger.Info("queue created",
		slog.String("queue", q.Name()),
		slog.String("status", string(q.Status())))
	return q, nil
}

// Find returns the queue with name, or nil.
func (m *Manager) Find(name string) *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.queues[queueKey(name)]
}

// GetQueue returns a queue by name.
func (m *Manager) GetQueue(name string) (*Queue, error) {
	if q := m.Find(name); q != nil {
		return q, nil
	}
	return nil, ErrQueueNotFound
}

// Queues returns all queues sorted by name.
func (m *Manager) Queues() []*Queue {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	sort.Slice(queues, func(i, j int) bool {
		return queueKey(queues[i].Name()) < queueKey(queues[j].Name())
	})
	return queues
}

// Stats returns the stats of all queues.
func (m *Manager) Stats() []Stats {
	queues := m.Queues()
	stats := make([]Stats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.Stats())
	}
	return stats
}

// RemoveQueue destroys a queue and deletes its record.
func (m *Manager) RemoveQueue(ctx context.Context, name string) error {
	q := m.Find(name)
	if q == nil {
		return ErrQueueNotFound
	}
	return m.removeQueue(ctx, q)
}

func (m *Manager) removeQueue(ctx context.Context, q *Queue) error {
	key := queueKey(q.Name())
	m.mu.Lock()
	if m.queues[key] != q {
		m.mu.Unlock()
		return ErrQueueNotFound
	}
	delete(m.queues, key)
	m.mu.Unlock()

	q.Destroy(ctx)
	q.purge(ctx)

	if m.cfg.QueueStore != nil {
		if err := m.cfg.QueueStore.DeleteQueue(ctx, q.Name()); err != nil && !errors.Is(err, storage.ErrQueueNotFound) {
			return fmt.Errorf("failed to delete queue record: %w", err)
		}
	}

	m.cfg.Events.QueueRemoved(q)
	m.logger.Info("queue removed", slog.String("queue", q.Name()))
	return nil
}

// Push routes a producer message to its target queue, creating the queue
// from the message's option headers when auto-creation is on.
func (m *Manager) Push(ctx context.Context, msg *types.Message, sender types.Peer) (types.PushResult, error) {
	q, err := m.resolve(ctx, msg.Target, msg.Headers)
	if err != nil {
		return types.PushError, err
	}
	return q.Push(ctx, msg, sender)
}

// Subscribe adds peer as a consumer of the named queue.
func (m *Manager) Subscribe(ctx context.Context, name string, peer types.Peer) (types.SubscriptionResult, error) {
	q, err := m.resolve(ctx, name, nil)
	if err != nil {
		return types.SubscriptionUnauthorized, err
	}
	return q.AddClient(ctx, peer), nil
}

// Unsubscribe removes peer from the named queue.
func (m *Manager) Unsubscribe(ctx context.Context, name string, peer types.Peer) error {
	q := m.Find(name)
	if q == nil {
		return ErrQueueNotFound
	}
	if !q.RemoveClient(ctx, peer) {
		return ErrNotSubscribed
	}
	return nil
}

// Acknowledge routes a consumer ack to its queue.
func (m *Manager) Acknowledge(ctx context.Context, peer types.Peer, ack *types.Message) error {
	q := m.Find(ack.Target)
	if q == nil {
		return ErrQueueNotFound
	}
	return q.AcknowledgeDelivered(ctx, peer, ack)
}

// Pull asks a pull queue for messages on behalf of peer.
func (m *Manager) Pull(ctx context.Context, name string, peer types.Peer, req PullRequest) (PullResult, error) {
	q := m.Find(name)
	if q == nil {
		return PullResult{Result: types.PushError}, ErrQueueNotFound
	}
	return q.Pull(ctx, peer, req), nil
}

// SetStatus changes the status of the named queue.
func (m *Manager) SetStatus(ctx context.Context, name string, status types.QueueStatus) error {
	q := m.Find(name)
	if q == nil {
		return ErrQueueNotFound
	}
	return q.SetStatus(ctx, status)
}

// Disconnect removes peer from every queue.
func (m *Manager) Disconnect(ctx context.Context, peer types.Peer) {
	for _, q := range m.Queues() {
		q.RemoveClient(ctx, peer)
	}
}

func (m *Manager) resolve(ctx context.Context, name string, headers map[string]string) (*Queue, error) {
	if q := m.Find(name); q != nil {
		return q, nil
	}
	if !m.cfg.AutoCreateQueues {
		return nil, ErrQueueNotFound
	}
	return m.GetOrCreateQueue(ctx, name, headers)
}

func (m *Manager) saveRecord(ctx context.Context, q *Queue) error {
	if m.cfg.QueueStore == nil {
		return nil
	}
	if err := m.cfg.QueueStore.SaveQueue(ctx, q.Config().ToRecord()); err != nil {
		return fmt.Errorf("failed to save queue record: %w", err)
	}
	return nil
}

func queueKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
