// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxqueue/protocol"
	"github.com/absmach/fluxqueue/queue/types"
	"github.com/google/uuid"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("send queue full: client disconnected")
)

var _ types.Peer = (*Session)(nil)

// Session is a connected client. It is the peer the queue layer delivers to
// and writes frames asynchronously, giving control frames (acks, responses,
// pongs) precedence over queue messages.
type Session struct {
	id          string
	conn        protocol.Conn
	connectedAt time.Time

	writeTimeout     time.Duration
	disconnectOnFull bool

	controlCh chan *types.Message
	dataCh    chan *types.Message
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	sendWg    sync.WaitGroup

	lastActivity atomic.Int64
	framesIn     atomic.Uint64
	framesOut    atomic.Uint64

	mu   sync.Mutex
	name string
	subs map[string]struct{}
}

func newSession(conn protocol.Conn, opts Options) *Session {
	controlCap := max(opts.SendBuffer/4, 1)
	s := &Session{
		id:               uuid.NewString(),
		conn:             conn,
		connectedAt:      time.Now(),
		writeTimeout:     opts.WriteTimeout,
		disconnectOnFull: opts.DisconnectOnFull,
		controlCh:        make(chan *types.Message, controlCap),
		dataCh:           make(chan *types.Message, opts.SendBuffer),
		closeCh:          make(chan struct{}),
		subs:             make(map[string]struct{}),
	}
	s.touch()

	s.sendWg.Add(1)
	go s.sendLoop()
	return s
}

// ID returns the broker-assigned session ID.
func (s *Session) ID() string {
	return s.id
}

// Name returns the name the client announced, if any.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) IsConnected() bool {
	return !s.closed.Load()
}

// RemoteAddr returns the client's address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// ConnectedAt returns the time the connection was accepted.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// LastActivity returns the time the last frame was read.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Subscriptions returns the names of the queues the session consumes from.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for name := range s.subs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Send queues msg for writing. Queue messages go through the data queue;
// everything else through the control queue.
func (s *Session) Send(ctx context.Context, msg *types.Message) error {
	return s.enqueue(ctx, msg, msg.Type == types.TypeQueueMessage)
}

// sendOrdered queues msg behind pending queue messages.
func (s *Session) sendOrdered(ctx context.Context, msg *types.Message) error {
	return s.enqueue(ctx, msg, true)
}

func (s *Session) enqueue(ctx context.Context, msg *types.Message, data bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	ch := s.controlCh
	if data {
		ch = s.dataCh
	}

	if data && s.disconnectOnFull {
		select {
		case ch <- msg:
			return nil
		case <-s.closeCh:
			return ErrSessionClosed
		default:
			s.Close()
			return ErrSendQueueFull
		}
	}

	select {
	case ch <- msg:
		return nil
	case <-s.closeCh:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) sendLoop() {
	defer s.sendWg.Done()

	for {
		select {
		case <-s.closeCh:
			return
		case msg := <-s.controlCh:
			if !s.write(msg) {
				return
			}
			continue
		default:
		}

		select {
		case <-s.closeCh:
			return
		case msg := <-s.controlCh:
			if !s.write(msg) {
				return
			}
		case msg := <-s.dataCh:
			if !s.write(msg) {
				return
			}
		}
	}
}

func (s *Session) write(msg *types.Message) bool {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(msg); err != nil {
		s.Close()
		return false
	}
	s.framesOut.Add(1)
	return true
}

// Close stops the writer and closes the connection. Frames still queued are
// dropped.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == "" {
		s.name = name
	}
}

func (s *Session) addSubscription(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[queue] = struct{}{}
}

func (s *Session) removeSubscription(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, queue)
}
