// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned when writing to a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn carries frames over a transport. ReadMessage must be called from a
// single goroutine; WriteMessage is safe for concurrent use.
type Conn interface {
	ReadMessage() (*types.Message, error)
	WriteMessage(msg *types.Message) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// streamConn frames messages over a byte stream with a u32 length prefix.
type streamConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxSize int

	mu     sync.Mutex
	closed atomic.Bool
}

// NewStreamConn wraps a stream connection such as TCP or TLS.
func NewStreamConn(conn net.Conn, maxSize int) Conn {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &streamConn{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 8192),
		maxSize: maxSize,
	}
}

func (c *streamConn) ReadMessage() (*types.Message, error) {
	return ReadFrame(c.reader, c.maxSize)
}

func (c *streamConn) WriteMessage(msg *types.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if size := Size(msg); size > c.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, c.maxSize)
	}

	if c.closed.Load() {
		return ErrConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, msg)
}

// Close closes the underlying connection, unblocking a pending write.
func (c *streamConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	ws         *websocket.Conn
	remoteAddr string
	maxSize    int

	mu     sync.Mutex
	closed atomic.Bool
}

// NewWSConn wraps an established WebSocket connection. remoteAddr overrides
// the socket address when the peer sits behind a proxy.
func NewWSConn(ws *websocket.Conn, remoteAddr string, maxSize int) Conn {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if remoteAddr == "" {
		remoteAddr = ws.RemoteAddr().String()
	}
	ws.SetReadLimit(int64(maxSize))
	return &wsConn{
		ws:         ws,
		remoteAddr: remoteAddr,
		maxSize:    maxSize,
	}
}

func (c *wsConn) ReadMessage() (*types.Message, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return Decode(data)
		case websocket.TextMessage:
			return nil, fmt.Errorf("%w: text messages are not supported", ErrMalformedFrame)
		}
	}
}

func (c *wsConn) WriteMessage(msg *types.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > c.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), c.maxSize)
	}

	if c.closed.Load() {
		return ErrConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() net.Addr               { return &wsAddr{addr: c.remoteAddr} }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string { return "websocket" }
func (a *wsAddr) String() string  { return a.addr }
