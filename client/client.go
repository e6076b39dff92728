// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxqueue/protocol"
	"github.com/absmach/fluxqueue/queue/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// deliveryBuffer bounds deliveries waiting for the handler goroutine.
const deliveryBuffer = 256

// Client is a thread-safe queue client.
type Client struct {
	opts   *Options
	logger *slog.Logger

	// State management
	state *stateManager

	// Connection
	conn      protocol.Conn
	readDone  chan struct{}
	sessionID string
	connMu    sync.RWMutex
	writeMu   sync.Mutex

	// Pending requests
	pending *pendingStore

	// Consumption
	subs       *subscriptionRegistry
	deliveries chan *Message
	pullMu     sync.Mutex
	pulls      map[string]*pullCollector
	pullsMu    sync.Mutex

	// Lifecycle
	closeCh  chan struct{}
	reconnMu sync.Mutex
}

// New creates a client with the given options. It does not connect.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:       opts,
		logger:     opts.Logger,
		state:      newStateManager(),
		pending:    newPendingStore(),
		subs:       newSubscriptionRegistry(),
		deliveries: make(chan *Message, deliveryBuffer),
		pulls:      make(map[string]*pullCollector),
		closeCh:    make(chan struct{}),
	}
	go c.dispatchLoop()
	return c, nil
}

// Connect dials the broker and performs the ping handshake that assigns the
// session ID.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.transition(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}

	if err := c.connect(ctx); err != nil {
		c.state.transition(StateConnecting, StateDisconnected)
		return err
	}
	if err := c.markConnected(StateConnecting); err != nil {
		return err
	}

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect()
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	done := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.readDone = done
	c.connMu.Unlock()
	go c.readLoop(conn, done)

	id, err := c.ping(ctx)
	if err != nil {
		conn.Close()
		<-done
		return fmt.Errorf("%w: handshake: %v", ErrConnectFailed, err)
	}

	c.connMu.Lock()
	c.sessionID = id
	c.connMu.Unlock()

	c.logger.Debug("connected to broker",
		slog.String("address", conn.RemoteAddr().String()),
		slog.String("session", id))
	return nil
}

// markConnected finishes a connection attempt started from state from. The
// connection may have dropped or the client may have been closed meanwhile.
func (c *Client) markConnected(from State) error {
	if !c.state.transition(from, StateConnected) {
		c.closeConn()
		return ErrClientClosed
	}
	c.connMu.RLock()
	alive := c.conn != nil
	c.connMu.RUnlock()
	if !alive {
		c.state.transition(StateConnected, StateDisconnected)
		return ErrConnectionLost
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (protocol.Conn, error) {
	if c.opts.Dial != nil {
		return c.opts.Dial(ctx)
	}

	if c.opts.Transport == TransportWebSocket {
		u := url.URL{Scheme: "ws", Host: c.opts.Address, Path: c.opts.WSPath}
		if c.opts.TLSConfig != nil {
			u.Scheme = "wss"
		}
		dialer := websocket.Dialer{
			HandshakeTimeout: c.opts.ConnectTimeout,
			TLSClientConfig:  c.opts.TLSConfig,
		}
		ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
			}
			return nil, err
		}
		return protocol.NewWSConn(ws, ws.RemoteAddr().String(), c.opts.MaxFrameSize), nil
	}

	netDialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}
	var (
		conn net.Conn
		err  error
	)
	if c.opts.TLSConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: netDialer, Config: c.opts.TLSConfig}).DialContext(ctx, "tcp", c.opts.Address)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", c.opts.Address)
	}
	if err != nil {
		return nil, err
	}
	return protocol.NewStreamConn(conn, c.opts.MaxFrameSize), nil
}

// Ping measures nothing; it verifies the broker answers and returns the
// session ID it assigned to this connection.
func (c *Client) Ping(ctx context.Context) (string, error) {
	if !c.state.isConnected() {
		return "", ErrNotConnected
	}
	return c.ping(ctx)
}

func (c *Client) ping(ctx context.Context) (string, error) {
	req := &types.Message{Type: types.TypePing}
	if c.opts.Name != "" {
		req.SetHeader(types.HeaderClientName, c.opts.Name)
	}
	reply, err := c.request(ctx, req)
	if err != nil {
		return "", err
	}
	if reply.Type != types.TypePong {
		return "", fmt.Errorf("unexpected %s reply to ping", reply.Type)
	}
	return reply.Header(types.HeaderClientName), nil
}

// Close permanently closes the client. Pending requests fail with
// ErrClientClosed.
func (c *Client) Close() error {
	if !c.state.close() {
		return nil
	}
	close(c.closeCh)

	c.connMu.RLock()
	done := c.readDone
	c.connMu.RUnlock()

	c.closeConn()
	if done != nil {
		<-done
	}
	c.pending.clear(ErrClientClosed)
	return nil
}

func (c *Client) closeConn() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// State returns the current client state.
func (c *Client) State() State {
	return c.state.get()
}

// SessionID returns the ID the broker assigned to the current connection.
func (c *Client) SessionID() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.sessionID
}

// send writes one frame on the current connection. A failed write closes
// the connection so the read loop reports it.
func (c *Client) send(ctx context.Context, msg *types.Message) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(msg); err != nil {
		if !errors.Is(err, protocol.ErrFrameTooLarge) && !errors.Is(err, protocol.ErrFieldTooLong) {
			conn.Close()
		}
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// request sends msg and waits for the reply carrying the same ID.
func (c *Client) request(ctx context.Context, msg *types.Message) (*types.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	op, err := c.pending.add(msg.ID)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, msg); err != nil {
		c.pending.remove(msg.ID)
		return nil, err
	}

	reply, err := op.wait(ctx)
	if err != nil {
		c.pending.remove(msg.ID)
		return nil, err
	}
	return reply, nil
}

func (c *Client) readLoop(conn protocol.Conn, done chan struct{}) {
	defer close(done)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg *types.Message) {
	switch msg.Type {
	case types.TypeResponse, types.TypePong, types.TypeAck:
		if !c.pending.complete(msg) {
			c.logger.Debug("uncorrelated reply",
				slog.String("type", msg.Type.String()),
				slog.String("id", msg.ID))
		}
	case types.TypeQueueMessage:
		c.deliver(newMessage(c, msg))
	case types.TypePing:
		pong := &types.Message{Type: types.TypePong, ID: msg.ID}
		if err := c.send(context.Background(), pong); err != nil {
			c.logger.Debug("failed to answer ping", slog.String("error", err.Error()))
		}
	default:
		c.logger.Debug("unexpected frame", slog.String("type", msg.Type.String()))
	}
}

func (c *Client) deliver(m *Message) {
	if p := c.collector(m.Queue); p != nil {
		p.add(m)
		return
	}
	select {
	case c.deliveries <- m:
	case <-c.closeCh:
	}
}

// dispatchLoop runs handlers one at a time, in delivery order, off the read
// loop so handlers may issue requests.
func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case m := <-c.deliveries:
			c.runHandler(m)
		}
	}
}

func (c *Client) runHandler(m *Message) {
	h := c.subs.handler(m.Queue)
	if h == nil {
		h = c.opts.OnMessage
	}
	if h == nil {
		c.logger.Warn("no handler for delivery",
			slog.String("queue", m.Queue),
			slog.String("message_id", m.ID))
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("message handler panicked",
					slog.String("queue", m.Queue),
					slog.String("message_id", m.ID),
					slog.Any("panic", r))
			}
		}()
		h(m)
	}()

	if c.opts.AutoAck && m.NeedsAck {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
		defer cancel()
		if err := m.Ack(ctx); err != nil {
			c.logger.Debug("auto ack failed",
				slog.String("queue", m.Queue),
				slog.String("message_id", m.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Client) connectionLost(conn protocol.Conn, err error) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connMu.Unlock()
	conn.Close()

	if c.state.isClosed() {
		c.pending.clear(ErrClientClosed)
		return
	}
	c.pending.clear(ErrConnectionLost)

	if !c.state.transition(StateConnected, StateDisconnected) {
		return
	}

	c.logger.Warn("connection lost", slog.String("error", err.Error()))
	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(err)
	}
	if c.opts.AutoReconnect {
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()

	if !c.state.transition(StateDisconnected, StateReconnecting) {
		return
	}

	delay := c.opts.ReconnectBackoff
	for attempt := 1; ; attempt++ {
		if c.state.isClosed() {
			return
		}
		if c.opts.OnReconnecting != nil {
			c.opts.OnReconnecting(attempt)
		}

		err := c.connect(context.Background())
		if err == nil {
			err = c.markConnected(StateReconnecting)
			if errors.Is(err, ErrClientClosed) {
				return
			}
			if err == nil {
				c.logger.Info("reconnected", slog.Int("attempt", attempt))
				c.resubscribe()
				if c.opts.OnConnect != nil {
					go c.opts.OnConnect()
				}
				return
			}
			// Lost again right away; the read loop could not restart us.
			c.state.transition(StateDisconnected, StateReconnecting)
		}

		c.logger.Debug("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		select {
		case <-time.After(delay):
		case <-c.closeCh:
			return
		}
		delay *= 2
		if delay > c.opts.MaxReconnectWait {
			delay = c.opts.MaxReconnectWait
		}
	}
}

func (c *Client) resubscribe() {
	for _, rec := range c.subs.snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		err := c.subscribe(ctx, rec.queue)
		cancel()
		if err != nil {
			c.logger.Error("failed to restore subscription",
				slog.String("queue", rec.queue),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Client) collector(queue string) *pullCollector {
	c.pullsMu.Lock()
	defer c.pullsMu.Unlock()
	return c.pulls[strings.ToLower(queue)]
}

func (c *Client) setCollector(queue string, p *pullCollector) {
	c.pullsMu.Lock()
	defer c.pullsMu.Unlock()
	key := strings.ToLower(queue)
	if p == nil {
		delete(c.pulls, key)
		return
	}
	c.pulls[key] = p
}
