// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdEncoder and zstdDecoder are reused across calls: both types are
// safe for concurrent use and repeated construction carries real
// initialization cost.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("gateway: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("gateway: zstd decoder initialization failed: " + err.Error())
	}
}

// compressSnapshot compresses a context snapshot body. Returns
// (compressed, true) on success, or (data, false) if compression
// wasn't worthwhile — callers store the original bytes and record
// that no compression was applied.
func compressSnapshot(data []byte) ([]byte, bool) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

func decompressSnapshot(compressed []byte, uncompressedSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("gateway: zstd decompress: %w", err)
	}
	return result, nil
}
