// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateFinalDecision(t *testing.T) {
	tests := []struct {
		name  string
		votes []Decision
		want  Decision
	}{
		{
			name:  "no votes",
			votes: nil,
			want:  Decision{},
		},
		{
			name:  "single vote is kept",
			votes: []Decision{Allow().WithSave()},
			want:  Decision{Allow: true, SaveMessage: true},
		},
		{
			name:  "allow wins over deny",
			votes: []Decision{Deny(), Allow()},
			want:  Decision{Allow: true},
		},
		{
			name:  "put back start outranks end",
			votes: []Decision{PutBackDecision(PutBackEnd), PutBackDecision(PutBackStart), Deny()},
			want:  Decision{PutBack: PutBackStart},
		},
		{
			name: "strongest acknowledge wins",
			votes: []Decision{
				Deny().WithAck(AckDecisionIfSaved),
				Deny().WithAck(AckDecisionAlways),
				Deny().WithAck(AckDecisionNegative),
			},
			want: Decision{Acknowledge: AckDecisionAlways},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CreateFinalDecision(tt.votes...))
		})
	}
}

type stubPeer struct {
	id        string
	connected bool
}

func (p *stubPeer) ID() string                                   { return p.id }
func (p *stubPeer) Send(ctx context.Context, msg *Message) error { return nil }
func (p *stubPeer) IsConnected() bool                            { return p.connected }

func TestQueueMessage_Flags(t *testing.T) {
	qm := NewQueueMessage(&Message{ID: "m1", WaitResponse: true}, nil)
	assert.True(t, qm.ProducerWaitsAck)

	assert.True(t, qm.SetInQueue(true))
	assert.False(t, qm.SetInQueue(true), "second insert must not succeed")
	assert.True(t, qm.SetInQueue(false))

	assert.True(t, qm.MarkRemoved())
	assert.False(t, qm.MarkRemoved())

	assert.True(t, qm.MarkAckSent())
	assert.False(t, qm.MarkAckSent())
}

func TestQueueMessage_AllReceiversDisconnected(t *testing.T) {
	qm := NewQueueMessage(&Message{ID: "m1"}, nil)
	assert.False(t, qm.AllReceiversDisconnected(), "no receivers is not abandonment")

	a := &stubPeer{id: "a", connected: true}
	b := &stubPeer{id: "b", connected: false}
	qm.AddReceiver(a)
	qm.AddReceiver(b)
	assert.False(t, qm.AllReceiversDisconnected())

	a.connected = false
	assert.True(t, qm.AllReceiversDisconnected())

	qm.ResetReceivers()
	assert.Empty(t, qm.Receivers())
}

func TestMessage_NegativeAck(t *testing.T) {
	msg := &Message{ID: "m1", Target: "orders"}
	assert.False(t, NewAck(msg, false, "").IsNegativeAck())

	nack := NewAck(msg, true, "")
	assert.True(t, nack.IsNegativeAck())
	assert.Equal(t, "none", nack.Header(HeaderNegativeAck))
	assert.Equal(t, "m1", nack.ID)
}
