// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the binary frame format spoken between the
// broker and its clients.
//
// A frame is laid out as
//
//	type:u8 | flags:u8 | id | target | source | headers | payload
//
// where id, target and source are u16 length-prefixed strings, headers is a
// u16 count followed by key/value string pairs and payload is u32
// length-prefixed. Integers are big endian. Stream transports prefix every
// frame with its u32 length; message transports carry one frame per message.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/absmach/fluxqueue/queue/types"
)

// DefaultMaxFrameSize bounds a frame when no limit is configured.
const DefaultMaxFrameSize = 4 * 1024 * 1024

const (
	flagHighPriority byte = 1 << iota
	flagWaitResponse
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
	ErrFieldTooLong   = errors.New("field exceeds 65535 bytes")
	ErrNilMessage     = errors.New("cannot encode nil message")
)

// Size returns the encoded size of msg without the stream length prefix.
func Size(msg *types.Message) int {
	n := 2 + 2 + len(msg.ID) + 2 + len(msg.Target) + 2 + len(msg.Source) + 2
	for k, v := range msg.Headers {
		n += 2 + len(k) + 2 + len(v)
	}
	return n + 4 + len(msg.Payload)
}

// Append encodes msg and appends the frame to dst.
func Append(dst []byte, msg *types.Message) ([]byte, error) {
	if msg == nil {
		return dst, ErrNilMessage
	}
	if !validType(msg.Type) {
		return dst, fmt.Errorf("%w: %d", ErrUnknownType, msg.Type)
	}
	if len(msg.Headers) > math.MaxUint16 {
		return dst, fmt.Errorf("%w: too many headers", ErrMalformedFrame)
	}
	if uint64(len(msg.Payload)) > math.MaxUint32 {
		return dst, ErrFrameTooLarge
	}

	var flags byte
	if msg.HighPriority {
		flags |= flagHighPriority
	}
	if msg.WaitResponse {
		flags |= flagWaitResponse
	}

	var err error
	dst = append(dst, byte(msg.Type), flags)
	for _, s := range []string{msg.ID, msg.Target, msg.Source} {
		if dst, err = appendString(dst, s); err != nil {
			return dst, err
		}
	}

	dst = binary.BigEndian.AppendUint16(dst, uint16(len(msg.Headers)))
	for k, v := range msg.Headers {
		if dst, err = appendString(dst, k); err != nil {
			return dst, err
		}
		if dst, err = appendString(dst, v); err != nil {
			return dst, err
		}
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(len(msg.Payload)))
	return append(dst, msg.Payload...), nil
}

// Encode returns msg as a frame.
func Encode(msg *types.Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	return Append(make([]byte, 0, Size(msg)), msg)
}

// Decode parses a single frame. The payload is copied out of data.
func Decode(data []byte) (*types.Message, error) {
	d := decoder{buf: data}

	typ := types.MessageType(d.u8())
	flags := d.u8()
	msg := &types.Message{
		Type:         typ,
		ID:           d.str(),
		Target:       d.str(),
		Source:       d.str(),
		HighPriority: flags&flagHighPriority != 0,
		WaitResponse: flags&flagWaitResponse != 0,
	}

	if count := int(d.u16()); count > 0 && d.err == nil {
		msg.Headers = make(map[string]string, count)
		for i := 0; i < count && d.err == nil; i++ {
			k := d.str()
			msg.Headers[k] = d.str()
		}
	}

	if n := d.u32(); n > 0 {
		msg.Payload = append([]byte(nil), d.next(int(n))...)
	}

	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(d.buf))
	}
	if !validType(typ) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	return msg, nil
}

// WriteFrame writes msg to w with the stream length prefix.
func WriteFrame(w io.Writer, msg *types.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	buf := acquireBuffer(4 + Size(msg))
	defer releaseBuffer(buf)

	b := binary.BigEndian.AppendUint32((*buf)[:0], 0)
	b, err := Append(b, msg)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
	*buf = b

	_, err = w.Write(b)
	return err
}

// ReadFrame reads one length-prefixed frame from r. Frames larger than
// maxSize are rejected before their body is read.
func ReadFrame(r io.Reader, maxSize int) (*types.Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	buf := acquireBuffer(int(size))
	defer releaseBuffer(buf)

	data := (*buf)[:size]
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Decode(data)
}

func validType(t types.MessageType) bool {
	return t >= types.TypeQueueMessage && t <= types.TypePong
}

func appendString(dst []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return dst, ErrFieldTooLong
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...), nil
}

// decoder reads fields from a frame, remembering the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedFrame, n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() byte {
	if b := d.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u16()
	return string(d.next(int(n)))
}
