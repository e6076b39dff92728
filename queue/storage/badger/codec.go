// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxqueue/queue/storage"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how saved messages are compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

// DefaultCompressThreshold is used when compression is on and no threshold
// was configured.
const DefaultCompressThreshold = 1024

// Value encodings. The first byte of every stored message is one of these.
const (
	encRaw byte = iota
	encS2
	encZstd
)

var errEmptyValue = errors.New("empty value")

type codec struct {
	compression Compression
	threshold   int

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec(c Compression, threshold int) (codec, error) {
	if c == "" {
		c = CompressionNone
	}
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}

	cd := codec{compression: c, threshold: threshold}
	switch c {
	case CompressionNone, CompressionS2:
	case CompressionZstd:
		var err error
		cd.enc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return codec{}, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	default:
		return codec{}, fmt.Errorf("unknown compression %q", c)
	}

	// Values written with zstd stay readable after switching it off.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return codec{}, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	cd.dec = dec
	return cd, nil
}

func (c codec) encode(msg storage.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	if len(data) < c.threshold {
		return append([]byte{encRaw}, data...), nil
	}

	switch c.compression {
	case CompressionS2:
		return append([]byte{encS2}, s2.Encode(nil, data)...), nil
	case CompressionZstd:
		return c.enc.EncodeAll(data, []byte{encZstd}), nil
	default:
		return append([]byte{encRaw}, data...), nil
	}
}

func (c codec) decode(val []byte) (storage.Message, error) {
	var msg storage.Message
	if len(val) == 0 {
		return msg, errEmptyValue
	}

	data := val[1:]
	var err error
	switch val[0] {
	case encRaw:
	case encS2:
		data, err = s2.Decode(nil, data)
	case encZstd:
		data, err = c.dec.DecodeAll(data, nil)
	default:
		err = fmt.Errorf("unknown encoding %d", val[0])
	}
	if err != nil {
		return msg, err
	}

	err = json.Unmarshal(data, &msg)
	return msg, err
}

func (c codec) close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
