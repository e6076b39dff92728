// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "sync"

// Buffer size classes. Frames larger than largeBufferSize are allocated
// directly and never pooled.
const (
	smallBufferSize  = 512
	mediumBufferSize = 8192
	largeBufferSize  = 65536
)

var (
	smallBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, smallBufferSize)
			return &b
		},
	}

	mediumBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, mediumBufferSize)
			return &b
		},
	}

	largeBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, largeBufferSize)
			return &b
		},
	}
)

// acquireBuffer returns an empty buffer with capacity of at least size.
func acquireBuffer(size int) *[]byte {
	switch {
	case size <= smallBufferSize:
		return smallBufferPool.Get().(*[]byte)
	case size <= mediumBufferSize:
		return mediumBufferPool.Get().(*[]byte)
	case size <= largeBufferSize:
		return largeBufferPool.Get().(*[]byte)
	default:
		b := make([]byte, 0, size)
		return &b
	}
}

func releaseBuffer(buf *[]byte) {
	if buf == nil {
		return
	}
	*buf = (*buf)[:0]
	switch cap(*buf) {
	case smallBufferSize:
		smallBufferPool.Put(buf)
	case mediumBufferSize:
		mediumBufferPool.Put(buf)
	case largeBufferSize:
		largeBufferPool.Put(buf)
	}
}
