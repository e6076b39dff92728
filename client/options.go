// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/absmach/fluxqueue/protocol"
)

// Default values.
const (
	DefaultAddress        = "localhost:7700"
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultReconnectMin   = 1 * time.Second
	DefaultReconnectMax   = 2 * time.Minute
	DefaultWSPath         = "/queue"
)

// Transports.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// DialFunc opens a framed connection to the broker.
type DialFunc func(ctx context.Context) (protocol.Conn, error)

// Options configures the client.
type Options struct {
	// Connection
	Address        string        // Broker address (host:port)
	Transport      string        // tcp or websocket
	WSPath         string        // WebSocket endpoint path
	TLSConfig      *tls.Config   // TLS configuration (nil for plain connections)
	Name           string        // Announced client name, informational
	ConnectTimeout time.Duration // Timeout for dial and handshake
	WriteTimeout   time.Duration // Timeout for a single frame write
	MaxFrameSize   int           // Largest accepted frame
	Dial           DialFunc      // Overrides Address, Transport and TLSConfig

	// Requests
	RequestTimeout time.Duration // Applied when the caller's context has no deadline

	// Consumption
	AutoAck bool // Acknowledge deliveries after the handler returns

	// Reconnection
	AutoReconnect    bool          // Enable automatic reconnection
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxReconnectWait time.Duration // Maximum reconnect delay

	// Callbacks
	OnConnect        func()            // Called on every successful connection
	OnConnectionLost func(error)       // Called when the connection drops
	OnReconnecting   func(attempt int) // Called before each reconnect attempt
	OnMessage        MessageHandler    // Called for deliveries no subscription handles

	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Address:          DefaultAddress,
		Transport:        TransportTCP,
		WSPath:           DefaultWSPath,
		ConnectTimeout:   DefaultConnectTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		RequestTimeout:   DefaultRequestTimeout,
		MaxFrameSize:     protocol.DefaultMaxFrameSize,
		AutoReconnect:    true,
		ReconnectBackoff: DefaultReconnectMin,
		MaxReconnectWait: DefaultReconnectMax,
	}
}

// SetAddress sets the broker address.
func (o *Options) SetAddress(addr string) *Options {
	o.Address = addr
	return o
}

// SetWebSocket switches the transport to WebSocket on path.
func (o *Options) SetWebSocket(path string) *Options {
	o.Transport = TransportWebSocket
	if path != "" {
		o.WSPath = path
	}
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetName sets the name announced to the broker.
func (o *Options) SetName(name string) *Options {
	o.Name = name
	return o
}

// SetDialer replaces the built-in dialer.
func (o *Options) SetDialer(dial DialFunc) *Options {
	o.Dial = dial
	return o
}

// SetRequestTimeout sets the default request timeout.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetAutoAck enables acknowledging deliveries once the handler returns.
func (o *Options) SetAutoAck(enable bool) *Options {
	o.AutoAck = enable
	return o
}

// SetAutoReconnect enables or disables automatic reconnection.
func (o *Options) SetAutoReconnect(enable bool) *Options {
	o.AutoReconnect = enable
	return o
}

// SetReconnectBackoff sets the initial and maximum reconnect delays.
func (o *Options) SetReconnectBackoff(initial, max time.Duration) *Options {
	o.ReconnectBackoff = initial
	o.MaxReconnectWait = max
	return o
}

// SetOnConnect sets the connection callback.
func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetOnReconnecting sets the reconnecting callback.
func (o *Options) SetOnReconnecting(fn func(attempt int)) *Options {
	o.OnReconnecting = fn
	return o
}

// SetOnMessage sets the fallback message handler.
func (o *Options) SetOnMessage(fn MessageHandler) *Options {
	o.OnMessage = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(logger *slog.Logger) *Options {
	o.Logger = logger
	return o
}

// Validate checks the options and fills zero values with defaults.
func (o *Options) Validate() error {
	if o.Dial == nil {
		if o.Address == "" {
			return ErrNoAddress
		}
		switch o.Transport {
		case "":
			o.Transport = TransportTCP
		case TransportTCP, TransportWebSocket:
		default:
			return ErrInvalidTransport
		}
	}
	if o.WSPath == "" {
		o.WSPath = DefaultWSPath
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectMin
	}
	if o.MaxReconnectWait < o.ReconnectBackoff {
		o.MaxReconnectWait = o.ReconnectBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
