// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
	"golang.org/x/sync/semaphore"
)

const (
	defaultTickInterval        = time.Second
	defaultAutoDestroyInterval = 5 * time.Second
)

// DefaultAckRetryDelays are the waits before re-looking up a delivery whose
// ack raced its registration. Tunable, not load-bearing.
var DefaultAckRetryDelays = []time.Duration{time.Millisecond, 3 * time.Millisecond}

// Options configure a queue.
type Options struct {
	Config types.QueueConfig

	// HandlerFactory resolves the delivery handler on initialization.
	HandlerFactory HandlerFactory

	Events        EventListener
	ErrorFunc     ErrorFunc
	Forwarder     DecisionForwarder
	Authenticator Authenticator
	Authorizer    Authorizer
	Logger        *slog.Logger

	// TickInterval is the time keeper sweep interval.
	TickInterval time.Duration
	// AutoDestroyInterval is the safety-net interval for auto-destroy and
	// re-triggering dispatch.
	AutoDestroyInterval time.Duration
	AckRetryDelays      []time.Duration

	// Remove is called when auto-destroy criteria are met.
	Remove func(ctx context.Context, q *Queue) error
	// Persist is called after the configuration changed.
	Persist func(ctx context.Context, q *Queue) error
}

// Queue is a named holding area for messages with its dispatch policy and
// consumers.
type Queue struct {
	name   string
	logger *slog.Logger

	cfgMu  sync.RWMutex
	config types.QueueConfig

	stateMu sync.RWMutex
	state   State

	initMu      sync.Mutex
	initialized atomic.Bool
	handler     DeliveryHandler
	factory     HandlerFactory

	priority *messageList
	regular  *messageList
	clients  clientRegistry
	rrIndex  atomic.Uint32

	timeKeeper *TimeKeeper
	gate       *ackGate

	triggerSem       *semaphore.Weighted
	triggerRequested atomic.Bool

	events        EventListener
	errorFunc     ErrorFunc
	forwarder     DecisionForwarder
	authenticator Authenticator
	authorizer    Authorizer
	remove        func(ctx context.Context, q *Queue) error
	persist       func(ctx context.Context, q *Queue) error

	tickInterval        time.Duration
	autoDestroyInterval time.Duration
	ackRetryDelays      []time.Duration

	stats counters

	ctx       context.Context
	cancel    context.CancelFunc
	goMu      sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	destroyed atomic.Bool
}

// NewQueue creates a queue. The queue is not initialized until the first
// push or an explicit Initialize call.
func NewQueue(opts Options) (*Queue, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := opts.Events
	if events == nil {
		events = NopListener{}
	}
	errorFunc := opts.ErrorFunc
	if errorFunc == nil {
		errorFunc = LogErrors(logger)
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	autoDestroy := opts.AutoDestroyInterval
	if autoDestroy <= 0 {
		autoDestroy = defaultAutoDestroyInterval
	}
	retries := opts.AckRetryDelays
	if retries == nil {
		retries = DefaultAckRetryDelays
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:                opts.Config.Name,
		logger:              logger.With(slog.String("queue", opts.Config.Name)),
		config:              opts.Config,
		factory:             opts.HandlerFactory,
		priority:            newMessageList(),
		regular:             newMessageList(),
		gate:                newAckGate(),
		triggerSem:          semaphore.NewWeighted(1),
		events:              events,
		errorFunc:           errorFunc,
		forwarder:           opts.Forwarder,
		authenticator:       opts.Authenticator,
		authorizer:          opts.Authorizer,
		remove:              opts.Remove,
		persist:             opts.Persist,
		tickInterval:        tick,
		autoDestroyInterval: autoDestroy,
		ackRetryDelays:      retries,
		ctx:                 ctx,
		cancel:              cancel,
	}
	q.timeKeeper = newTimeKeeper(q)
	q.state = newState(q, types.StatusNotInitialized)

	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Config returns the queue configuration.
func (q *Queue) Config() types.QueueConfig {
	q.cfgMu.RLock()
	defer q.cfgMu.RUnlock()

	return q.config
}

// Status returns the status of the active state.
func (q *Queue) Status() types.QueueStatus {
	return q.State().Status()
}

// State returns the active state.
func (q *Queue) State() State {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()

	return q.state
}

// Handler returns the delivery handler, nil before initialization.
func (q *Queue) Handler() DeliveryHandler {
	if !q.initialized.Load() {
		return nil
	}
	return q.handler
}

// IsInitialized reports whether a delivery handler was assigned.
func (q *Queue) IsInitialized() bool {
	return q.initialized.Load()
}

// IsDestroyed reports whether the queue was destroyed.
func (q *Queue) IsDestroyed() bool {
	return q.destroyed.Load()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return q.priority.len() + q.regular.len()
}

// Clients returns a snapshot of the subscribed consumers.
func (q *Queue) Clients() []*Client {
	return q.clients.snapshot()
}

// Messages returns a snapshot of the queued messages, priority first.
func (q *Queue) Messages() []*types.QueueMessage {
	return append(q.priority.snapshot(), q.regular.snapshot()...)
}

// PendingDeliveries returns the number of deliveries awaiting acknowledgment.
func (q *Queue) PendingDeliveries() int {
	return q.timeKeeper.pending()
}

// Initialize resolves the delivery handler and activates the configured
// status. It is a no-op once the queue is initialized.
func (q *Queue) Initialize(ctx context.Context) error {
	if q.initialized.Load() {
		return nil
	}

	q.initMu.Lock()
	defer q.initMu.Unlock()

	if q.initialized.Load() {
		return nil
	}
	if q.destroyed.Load() {
		return ErrQueueDestroyed
	}
	if q.factory == nil {
		return ErrNoDeliveryHandler
	}

	var h DeliveryHandler
	err := safeCall(func() error {
		var err error
		h, err = q.factory(ctx, q)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to resolve delivery handler: %w", err)
	}
	if h == nil {
		return ErrNoDeliveryHandler
	}
	q.handler = h

	q.stateMu.Lock()
	q.state = newState(q, q.Config().Status)
	q.stateMu.Unlock()

	q.spawn(q.timeKeeper.run)
	q.spawn(q.safetyNet)
	q.initialized.Store(true)

	q.logger.Debug("queue initialized", slog.String("status", string(q.Status())))
	return nil
}

// UpdateConfig replaces the options of the queue. A status change goes
// through the state machine.
func (q *Queue) UpdateConfig(ctx context.Context, cfg types.QueueConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Name = q.name

	status := cfg.Status
	initialized := q.initialized.Load()
	q.cfgMu.Lock()
	if initialized {
		cfg.Status = q.config.Status
	}
	q.config = cfg
	q.cfgMu.Unlock()

	if initialized && status != cfg.Status {
		return q.SetStatus(ctx, status)
	}
	q.persistConfig(ctx)
	return nil
}

// Destroy clears the queue, detaches consumers and stops background work.
// Saved messages are kept; the Manager purges them when the queue is removed.
func (q *Queue) Destroy(ctx context.Context) {
	if !q.destroyed.CompareAndSwap(false, true) {
		return
	}

	q.goMu.Lock()
	q.closed = true
	q.goMu.Unlock()
	q.cancel()

	q.stateMu.Lock()
	q.state = newState(q, types.StatusStopped)
	q.stateMu.Unlock()

	q.priority.clear()
	q.regular.clear()
	for _, d := range q.timeKeeper.reset() {
		d.releaseGate()
	}
	q.clients.clear()

	q.wg.Wait()
	q.logger.Debug("queue destroyed")
}

// purge lets the delivery handler drop data it keeps outside the queue.
func (q *Queue) purge(ctx context.Context) {
	p, ok := q.Handler().(Purger)
	if !ok {
		return
	}
	if err := safeCall(func() error { return p.Purge(ctx, q) }); err != nil {
		q.reportError("", fmt.Errorf("purge: %w", err))
	}
}

// spawn runs fn on a background goroutine tied to the queue lifetime.
// Failures must be contained by fn itself.
func (q *Queue) spawn(fn func(ctx context.Context)) bool {
	q.goMu.RLock()
	defer q.goMu.RUnlock()

	if q.closed {
		return false
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		fn(q.ctx)
	}()
	return true
}

// safetyNet periodically re-triggers dispatch and checks auto-destroy.
func (q *Queue) safetyNet(ctx context.Context) {
	ticker := time.NewTicker(q.autoDestroyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.checkAutoDestroy(ctx) {
				continue
			}
			if q.Len() > 0 {
				q.Trigger(ctx)
			}
		}
	}
}

// checkAutoDestroy asks the owner to remove the queue when the policy
// criteria hold. It reports whether removal was requested.
func (q *Queue) checkAutoDestroy(ctx context.Context) bool {
	if q.remove == nil || q.destroyed.Load() || !q.initialized.Load() {
		return false
	}

	noConsumers := q.clients.len() == 0
	noMessages := q.Len() == 0
	pending := q.timeKeeper.pending() > 0

	var destroy bool
	switch q.Config().AutoDestroy {
	case types.AutoDestroyNoConsumers:
		destroy = noConsumers && !pending
	case types.AutoDestroyNoMessages:
		destroy = noMessages && !pending
	case types.AutoDestroyEmpty:
		destroy = noConsumers && noMessages && !pending
	}
	if !destroy {
		return false
	}

	// Removal destroys the queue and waits for its goroutines, so it runs
	// outside of them.
	go func() {
		if err := q.remove(context.WithoutCancel(ctx), q); err != nil {
			q.reportError("", fmt.Errorf("auto destroy: %w", err))
		}
	}()
	return true
}

func (q *Queue) persistConfig(ctx context.Context) {
	if q.persist == nil {
		return
	}
	if err := q.persist(ctx, q); err != nil {
		q.reportError("", fmt.Errorf("persist queue config: %w", err))
	}
}

func (q *Queue) reportError(messageID string, err error) {
	q.stats.errors.Add(1)
	q.errorFunc(q.name, messageID, err)
}
