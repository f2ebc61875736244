// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// CompressPayload lz4-compresses a persist task payload before it
// goes on the wire. lz4 trades compression ratio for speed, favoring
// the low-latency append-to-queue path over the better ratio zstd
// gives the at-rest context snapshots in gateway/. The first four
// bytes of the result are the big-endian uncompressed length. If
// compression doesn't shrink the payload, the original bytes are
// returned with a zero-length header, signaling DecompressPayload to
// pass them through unchanged.
func CompressPayload(data []byte) []byte {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, 4+bound)
	written, err := lz4.CompressBlock(data, destination[4:], nil)
	if err != nil || written == 0 || written >= len(data) {
		return append([]byte{0, 0, 0, 0}, data...)
	}
	binary.BigEndian.PutUint32(destination[:4], uint32(len(data)))
	return destination[:4+written]
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("broker: compressed payload too short")
	}
	uncompressedSize := binary.BigEndian.Uint32(data[:4])
	if uncompressedSize == 0 {
		return data[4:], nil
	}
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(data[4:], destination)
	if err != nil {
		return nil, fmt.Errorf("broker: lz4 decompress: %w", err)
	}
	if uint32(read) != uncompressedSize {
		return nil, fmt.Errorf("broker: lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}
