// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts per IP and pushes and
// subscriptions per client.
package ratelimit

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxqueue/config"
	"github.com/absmach/fluxqueue/queue"
	"github.com/absmach/fluxqueue/queue/types"
	"golang.org/x/time/rate"
)

var (
	_ queue.Authorizer    = (*Manager)(nil)
	_ queue.Authenticator = (*Manager)(nil)
)

// IPRateLimiter limits connection attempts per IP address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

func (l *IPRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ClientRateLimiter limits pushes and subscriptions per client.
type ClientRateLimiter struct {
	mu           sync.Mutex
	pushLimiters map[string]*rate.Limiter
	subLimiters  map[string]*rate.Limiter
	pushRate     rate.Limit
	pushBurst    int
	subRate      rate.Limit
	subBurst     int
}

// NewClientRateLimiter creates a new client-based rate limiter.
func NewClientRateLimiter(pushRate float64, pushBurst int, subRate float64, subBurst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		pushLimiters: make(map[string]*rate.Limiter),
		subLimiters:  make(map[string]*rate.Limiter),
		pushRate:     rate.Limit(pushRate),
		pushBurst:    pushBurst,
		subRate:      rate.Limit(subRate),
		subBurst:     subBurst,
	}
}

// AllowPush reports whether clientID may push another message.
func (l *ClientRateLimiter) AllowPush(clientID string) bool {
	return l.limiter(l.pushLimiters, clientID, l.pushRate, l.pushBurst).Allow()
}

// AllowSubscribe reports whether clientID may subscribe again.
func (l *ClientRateLimiter) AllowSubscribe(clientID string) bool {
	return l.limiter(l.subLimiters, clientID, l.subRate, l.subBurst).Allow()
}

func (l *ClientRateLimiter) limiter(m map[string]*rate.Limiter, clientID string, r rate.Limit, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := m[clientID]
	if !ok {
		limiter = rate.NewLimiter(r, burst)
		m[clientID] = limiter
	}
	return limiter
}

// RemoveClient drops the limiters of a disconnected client.
func (l *ClientRateLimiter) RemoveClient(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pushLimiters, clientID)
	delete(l.subLimiters, clientID)
}

func (l *ClientRateLimiter) clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return max(len(l.pushLimiters), len(l.subLimiters))
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Manager coordinates the limiters. It gates pushes and subscriptions as the
// queue layer's Authorizer and Authenticator, and connections through Allow.
type Manager struct {
	config   config.RateLimitConfig
	ip       *IPRateLimiter
	client   *ClientRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg config.RateLimitConfig) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	m := &Manager{config: cfg}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Push.Enabled || cfg.Subscribe.Enabled {
		m.client = NewClientRateLimiter(cfg.Push.Rate, cfg.Push.Burst, cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}
	return m
}

// Allow reports whether a new connection from addr is allowed.
func (m *Manager) Allow(addr net.Addr) bool {
	if m.disabled || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPush reports whether clientID may push.
func (m *Manager) AllowPush(clientID string) bool {
	if m.disabled || m.client == nil || !m.config.Push.Enabled {
		return true
	}
	return m.client.AllowPush(clientID)
}

// AllowSubscribe reports whether clientID may subscribe.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if m.disabled || m.client == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.client.AllowSubscribe(clientID)
}

// CanPush rejects pushes from producers over their rate. Pushes without a
// peer come from inside the process and are never limited.
func (m *Manager) CanPush(_ context.Context, _ *queue.Queue, peer types.Peer, _ *types.Message) bool {
	if peer == nil {
		return true
	}
	return m.AllowPush(peer.ID())
}

// Authenticate rejects subscriptions from clients over their rate.
func (m *Manager) Authenticate(_ context.Context, _ *queue.Queue, peer types.Peer) bool {
	return m.AllowSubscribe(peer.ID())
}

// OnClientDisconnect drops the limiters of a disconnected client.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m.disabled || m.client == nil {
		return
	}
	m.client.RemoveClient(clientID)
}

// Stop stops the background cleanup.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
