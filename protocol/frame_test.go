// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  *types.Message
	}{
		{
			name: "bare ping",
			msg:  &types.Message{Type: types.TypePing},
		},
		{
			name: "queue message",
			msg: &types.Message{
				Type:         types.TypeQueueMessage,
				ID:           "m-1",
				Target:       "orders",
				Source:       "producer-1",
				HighPriority: true,
				WaitResponse: true,
				Headers:      map[string]string{"Content-Type": "application/json", "Trace": ""},
				Payload:      []byte(`{"id":1}`),
			},
		},
		{
			name: "negative ack",
			msg: &types.Message{
				Type:    types.TypeAck,
				ID:      "m-1",
				Target:  "orders",
				Headers: map[string]string{types.HeaderNegativeAck: "bad payload"},
			},
		},
		{
			name: "large payload",
			msg: &types.Message{
				Type:    types.TypeQueueMessage,
				ID:      "big",
				Target:  "blobs",
				Payload: bytes.Repeat([]byte{0xAB}, 100_000),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Len(t, data, Size(tt.msg))

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrNilMessage)

	_, err = Encode(&types.Message{Type: 0})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Encode(&types.Message{Type: types.TypeQueueMessage, ID: strings.Repeat("x", 70000)})
	assert.ErrorIs(t, err, ErrFieldTooLong)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(&types.Message{
		Type:    types.TypeQueueMessage,
		ID:      "m-1",
		Target:  "orders",
		Headers: map[string]string{"k": "v"},
		Payload: []byte("hello"),
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"empty", nil, ErrMalformedFrame},
		{"type only", []byte{byte(types.TypeAck)}, ErrMalformedFrame},
		{"truncated payload", valid[:len(valid)-2], ErrMalformedFrame},
		{"trailing bytes", append(append([]byte(nil), valid...), 0), ErrMalformedFrame},
		{"unknown type", append([]byte{0xFF}, valid[1:]...), ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	msgs := []*types.Message{
		{Type: types.TypeSubscribe, ID: "1", Target: "orders"},
		{Type: types.TypeQueueMessage, ID: "2", Target: "orders", Payload: []byte("abc")},
		{Type: types.TypePong},
	}
	for _, m := range msgs {
		require.NoError(t, WriteFrame(&buf, m))
	}

	for _, want := range msgs {
		got, err := ReadFrame(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameLimits(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1<<20)
	_, err := ReadFrame(bytes.NewReader(hdr[:]), 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	binary.BigEndian.PutUint32(hdr[:], 10)
	_, err = ReadFrame(bytes.NewReader(append(hdr[:], 1, 2, 3)), 1024)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamConn(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamConn(a, 1024)
	server := NewStreamConn(b, 1024)
	defer client.Close()
	defer server.Close()

	msg := &types.Message{Type: types.TypeQueueMessage, ID: "m", Target: "q", Payload: []byte("hi")}
	errCh := make(chan error, 1)
	go func() { errCh <- client.WriteMessage(msg) }()

	got, err := server.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, msg, got)

	big := &types.Message{Type: types.TypeQueueMessage, Payload: make([]byte, 2048)}
	assert.ErrorIs(t, client.WriteMessage(big), ErrFrameTooLarge)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.WriteMessage(msg), ErrConnClosed)
}

func TestWSConn(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan *types.Message, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConn(ws, "", 1024)
		defer conn.Close()

		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg
		_ = conn.WriteMessage(&types.Message{Type: types.TypePong, ID: msg.ID})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn := NewWSConn(ws, "", 1024)
	defer conn.Close()

	assert.Equal(t, "websocket", conn.RemoteAddr().Network())
	require.NoError(t, conn.WriteMessage(&types.Message{Type: types.TypePing, ID: "p1"}))

	select {
	case msg := <-received:
		assert.Equal(t, types.TypePing, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("server did not receive ping")
	}

	pong, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, types.TypePong, pong.Type)
	assert.Equal(t, "p1", pong.ID)
}
