// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestStateTransition(t *testing.T) {
	sm := newStateManager()

	if sm.get() != StateDisconnected {
		t.Fatalf("initial state should be Disconnected, got %v", sm.get())
	}
	if !sm.transition(StateDisconnected, StateConnecting) {
		t.Error("transition Disconnected -> Connecting should succeed")
	}
	if sm.transition(StateDisconnected, StateConnected) {
		t.Error("transition from wrong state should fail")
	}
	if !sm.transitionFrom(StateConnected, StateReconnecting, StateConnecting) {
		t.Error("transitionFrom should match the current state")
	}
	if !sm.isConnected() {
		t.Errorf("state should be Connected, got %v", sm.get())
	}
}

func TestStateClose(t *testing.T) {
	sm := newStateManager()
	sm.set(StateConnected)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sm.close() {
				mu.Lock()
				closed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if closed != 1 {
		t.Errorf("exactly one close should win, got %d", closed)
	}
	if !sm.isClosed() {
		t.Error("state should be Closed")
	}
	if sm.transitionFrom(StateConnecting, StateDisconnected, StateReconnecting) {
		t.Error("closed client must not start connecting")
	}
}
