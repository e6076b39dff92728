// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxqueue/config"
	"github.com/absmach/fluxqueue/queue"
	"github.com/absmach/fluxqueue/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer string

func (p peer) ID() string                                 { return string(p) }
func (p peer) IsConnected() bool                          { return true }
func (p peer) Send(context.Context, *types.Message) error { return nil }

func TestIPRateLimiter_Allow(t *testing.T) {
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	assert.True(t, limiter.Allow(addr))
	assert.True(t, limiter.Allow(addr), "within burst")
	assert.False(t, limiter.Allow(addr), "burst exhausted")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, limiter.Allow(addr), "token refilled")
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}
	sameIP := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 9999}

	assert.True(t, limiter.Allow(addr1))
	assert.True(t, limiter.Allow(addr2))
	assert.False(t, limiter.Allow(addr1))
	assert.False(t, limiter.Allow(sameIP), "ports share the IP budget")
	assert.True(t, limiter.Allow(nil), "unknown address is allowed")
}

func TestIPRateLimiter_RemoveStale(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1")})
	limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.2")})
	require.Equal(t, 2, limiter.size())

	limiter.removeStale(time.Now().Add(-time.Hour))
	assert.Equal(t, 2, limiter.size(), "recent entries survive")

	limiter.removeStale(time.Now().Add(time.Second))
	assert.Equal(t, 0, limiter.size())

	limiter.Stop()
	limiter.Stop()
}

func TestClientRateLimiter(t *testing.T) {
	limiter := NewClientRateLimiter(10, 2, 5, 1)

	assert.True(t, limiter.AllowPush("c1"))
	assert.True(t, limiter.AllowPush("c1"))
	assert.False(t, limiter.AllowPush("c1"))
	assert.True(t, limiter.AllowPush("c2"), "clients are limited independently")

	assert.True(t, limiter.AllowSubscribe("c1"))
	assert.False(t, limiter.AllowSubscribe("c1"))

	limiter.RemoveClient("c1")
	assert.Equal(t, 1, limiter.clients())
	assert.True(t, limiter.AllowPush("c1"), "fresh budget after removal")
	assert.True(t, limiter.AllowSubscribe("c1"))
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"nil", nil, ""},
		{"tcp", &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 80}, "10.1.2.3"},
		{"udp", &net.UDPAddr{IP: net.ParseIP("::1"), Port: 53}, "::1"},
		{"host port", &net.UnixAddr{Name: "192.168.0.9:7700", Net: "unix"}, "192.168.0.9"},
		{"no port", &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, "/tmp/sock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractIP(tt.addr))
		})
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(config.RateLimitConfig{Enabled: false})
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1")}
	for i := 0; i < 100; i++ {
		require.True(t, m.Allow(addr))
		require.True(t, m.AllowPush("c"))
		require.True(t, m.AllowSubscribe("c"))
	}
	m.OnClientDisconnect("c")
}

func TestManager_SelectiveEnable(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.Enabled = true
	cfg.Connection.Enabled = false
	cfg.Push = config.ClientRateLimitConfig{Enabled: true, Rate: 1, Burst: 1}
	cfg.Subscribe.Enabled = false

	m := NewManager(cfg)
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1")}
	assert.True(t, m.Allow(addr))
	assert.True(t, m.Allow(addr), "connection limiting is off")

	assert.True(t, m.AllowPush("c"))
	assert.False(t, m.AllowPush("c"))
	assert.True(t, m.AllowSubscribe("c"))
	assert.True(t, m.AllowSubscribe("c"), "subscribe limiting is off")

	m.OnClientDisconnect("c")
	assert.True(t, m.AllowPush("c"))
}

func TestManager_GatesQueueOperations(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:   true,
		Push:      config.ClientRateLimitConfig{Enabled: true, Rate: 0.001, Burst: 2},
		Subscribe: config.ClientRateLimitConfig{Enabled: true, Rate: 0.001, Burst: 1},
	}
	limiter := NewManager(cfg)
	defer limiter.Stop()

	m := queue.NewManager(queue.Config{
		Authorizer:    limiter,
		Authenticator: limiter,
		ErrorFunc:     func(string, string, error) {},
	})
	defer m.Stop(context.Background())
	ctx := context.Background()

	qcfg := m.Defaults("jobs")
	qcfg.Status = types.StatusPull
	_, err := m.CreateQueue(ctx, qcfg)
	require.NoError(t, err)

	producer := peer("p1")
	for i := 0; i < 2; i++ {
		res, err := m.Push(ctx, &types.Message{Target: "jobs"}, producer)
		require.NoError(t, err)
		require.Equal(t, types.PushSuccess, res)
	}
	res, err := m.Push(ctx, &types.Message{Target: "jobs"}, producer)
	assert.ErrorIs(t, err, queue.ErrUnauthorized)
	assert.Equal(t, types.PushError, res)

	res, err = m.Push(ctx, &types.Message{Target: "jobs"}, nil)
	require.NoError(t, err, "pushes without a peer are not limited")
	assert.Equal(t, types.PushSuccess, res)

	sub, err := m.Subscribe(ctx, "jobs", peer("c1"))
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionSuccess, sub)
	require.NoError(t, m.Unsubscribe(ctx, "jobs", peer("c1")))

	sub, err = m.Subscribe(ctx, "jobs", peer("c1"))
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionUnauthorized, sub)
}
