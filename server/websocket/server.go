// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxqueue/protocol"
	"github.com/gorilla/websocket"
)

// Handler serves a framed client connection until it ends.
type Handler interface {
	HandleConnection(ctx context.Context, conn protocol.Conn) error
}

// Limiter decides whether a connection attempt from addr is accepted.
type Limiter interface {
	Allow(addr net.Addr) bool
}

type Config struct {
	Address         string
	Path            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	MaxFrameSize    int
	RateLimiter     Limiter
}

// Server accepts WebSocket clients. Every binary message carries one frame.
type Server struct {
	config   Config
	handler  Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	connCtx    context.Context
	connCancel context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

func New(cfg Config, h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/queue"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		handler:    h,
		logger:     logger,
		connCtx:    connCtx,
		connCancel: connCancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// originChecker allows every origin when none are configured. Otherwise the
// request Origin host must match one of the allowed entries; "*" matches
// anything.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// Listen serves until ctx is cancelled, then closes every open connection.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.logger.Info("websocket server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.connCancel()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("websocket server shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	err = s.server.Shutdown(shutdownCtx)
	// Hijacked connections are not tracked by http.Server.
	s.connCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("websocket connections still open after shutdown timeout")
	}

	if err != nil {
		s.logger.Error("websocket server shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("websocket server stopped")
	return nil
}

// Addr returns the bound address once the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCtx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.config.RateLimiter != nil && !s.config.RateLimiter.Allow(remoteAddr(r)) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	conn := protocol.NewWSConn(ws, r.RemoteAddr, s.config.MaxFrameSize)
	stop := context.AfterFunc(s.connCtx, func() { conn.Close() })
	defer stop()

	s.logger.Debug("websocket connection accepted", slog.String("remote_addr", r.RemoteAddr))
	if err := s.handler.HandleConnection(s.connCtx, conn); err != nil {
		s.logger.Debug("websocket connection ended with error",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
	}
}

func remoteAddr(r *http.Request) net.Addr {
	if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		return addr
	}
	return nil
}
