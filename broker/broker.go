// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker connects clients to the queue layer. Every connection is a
// Session: frames read from it are dispatched to the queue service and the
// session itself is the peer that queues deliver to.
package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxqueue/protocol"
	"github.com/absmach/fluxqueue/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrShuttingDown is returned for connections accepted during shutdown.
var ErrShuttingDown = errors.New("broker is shutting down")

const tracerName = "github.com/absmach/fluxqueue/broker"

// Options tune session behavior.
type Options struct {
	NodeID string

	// SendBuffer is the per-session queue of outgoing queue messages.
	SendBuffer int

	// ReadTimeout closes sessions idle for longer. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// DisconnectOnFull drops consumers that cannot keep up instead of
	// blocking delivery.
	DisconnectOnFull bool
}

// DisconnectHook is notified when a session ends.
type DisconnectHook interface {
	OnClientDisconnect(clientID string)
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Connections      int    `json:"connections"`
	TotalConnections uint64 `json:"total_connections"`
	FramesIn         uint64 `json:"frames_in"`
	FramesOut        uint64 `json:"frames_out"`
}

// Broker tracks sessions and dispatches their frames.
type Broker struct {
	opts   Options
	queues queue.Service
	tracer trace.Tracer
	logger *slog.Logger
	hooks  []DisconnectHook

	mu       sync.RWMutex
	sessions map[string]*Session

	wg               sync.WaitGroup
	closing          atomic.Bool
	totalConnections atomic.Uint64
	framesIn         atomic.Uint64
	framesOut        atomic.Uint64
}

// New creates a broker on top of a queue service.
func New(queues queue.Service, opts Options, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Broker{
		opts:     opts,
		queues:   queues,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// SetTracer overrides the tracer taken from the global provider.
func (b *Broker) SetTracer(t trace.Tracer) {
	b.tracer = t
}

// AddDisconnectHook registers h to be called for every closed session.
func (b *Broker) AddDisconnectHook(h DisconnectHook) {
	b.hooks = append(b.hooks, h)
}

// HandleConnection serves conn until it fails or the broker shuts down.
// It blocks and always closes conn.
func (b *Broker) HandleConnection(ctx context.Context, conn protocol.Conn) error {
	if b.closing.Load() {
		conn.Close()
		return ErrShuttingDown
	}

	b.wg.Add(1)
	defer b.wg.Done()

	s := newSession(conn, b.opts)
	b.register(s)
	defer b.disconnect(s)

	b.logger.Debug("client connected",
		slog.String("session", s.ID()),
		slog.String("remote_addr", s.RemoteAddr()))

	for {
		if b.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(b.opts.ReadTimeout))
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			if isClosedErr(err) || !s.IsConnected() {
				return nil
			}
			b.logger.Debug("client read failed",
				slog.String("session", s.ID()),
				slog.String("error", err.Error()))
			return err
		}

		s.touch()
		s.framesIn.Add(1)
		b.framesIn.Add(1)
		b.dispatch(ctx, s, msg)
	}
}

func (b *Broker) register(s *Session) {
	b.mu.Lock()
	b.sessions[s.ID()] = s
	b.mu.Unlock()
	b.totalConnections.Add(1)
}

func (b *Broker) disconnect(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s.ID())
	b.mu.Unlock()

	s.Close()
	s.sendWg.Wait()
	b.framesOut.Add(s.framesOut.Load())

	b.queues.Disconnect(context.Background(), s)
	for _, h := range b.hooks {
		h.OnClientDisconnect(s.ID())
	}

	b.logger.Debug("client disconnected",
		slog.String("session", s.ID()),
		slog.String("name", s.Name()),
		slog.Duration("duration", time.Since(s.ConnectedAt())))
}

// Session returns the live session with id, or nil.
func (b *Broker) Session(id string) *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[id]
}

// Sessions returns the live sessions.
func (b *Broker) Sessions() []*Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// Stats returns the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	conns := len(b.sessions)
	out := b.framesOut.Load()
	for _, s := range b.sessions {
		out += s.framesOut.Load()
	}
	b.mu.RUnlock()

	return Stats{
		Connections:      conns,
		TotalConnections: b.totalConnections.Load(),
		FramesIn:         b.framesIn.Load(),
		FramesOut:        out,
	}
}

// Ready reports whether the broker accepts connections.
func (b *Broker) Ready() bool {
	return !b.closing.Load()
}

// Shutdown closes every session and waits for their handlers to return.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}

	sessions := b.Sessions()
	b.logger.Info("closing client sessions", slog.Int("sessions", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, protocol.ErrConnClosed)
}
