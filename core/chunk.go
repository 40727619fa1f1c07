package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChunkAddress is the content address of a chunk: the SHA-256 digest of its
// uncompressed payload. Two identical payloads always share one address.
type ChunkAddress [sha256.Size]byte

// AddressOf computes the content address for a chunk payload.
func AddressOf(payload []byte) ChunkAddress {
	return sha256.Sum256(payload)
}

// String returns the hex form of the address, used for file names and logs.
func (a ChunkAddress) String() string {
	return hex.EncodeToString(a[:])
}

// ParseChunkAddress parses the hex form produced by String.
func ParseChunkAddress(s string) (ChunkAddress, error) {
	var a ChunkAddress
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid chunk address %q: %w", s, err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("invalid chunk address %q: got %d bytes, want %d", s, len(b), len(a))
	}
	copy(a[:], b)
	return a, nil
}

// IsZero reports whether the address is the zero value.
func (a ChunkAddress) IsZero() bool {
	return a == ChunkAddress{}
}

// Chunk is an immutable unit of one or more contiguous committed frames.
// A chunk never contains frames from a partial transaction and never spans a
// local checkpoint event.
type Chunk struct {
	Address ChunkAddress
	Payload []byte
	// CommitSeq is the commit-boundary sequence number this chunk completes
	// up to: the highest frame sequence contained in the chunk.
	CommitSeq uint64
}
