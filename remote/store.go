// Package remote defines the volume store the push coordinator talks to:
// a content-addressed chunk sink with an atomic per-volume confirm. Both a
// filesystem-backed store and a TCP client/server pair implement it.
package remote

import (
	"context"
	"crypto/sha256"

	"github.com/google/uuid"

	"github.com/INLOpen/nexusvolume/core"
)

// RemoteState is the store's durable view of one volume.
type RemoteState struct {
	// Known is false for a volume the store has never confirmed.
	Known             bool
	ConfirmedSeq      uint64
	ConfirmedChecksum [sha256.Size]byte
	// LastSessionID is the session whose confirm produced this state.
	LastSessionID uuid.UUID
}

// VolumeStore is the destination for pushed volume data.
//
// PutChunk is idempotent: submitting an address the store already holds
// succeeds without transferring or rewriting anything. Confirm atomically
// advances the volume to targetSeq referencing the given chunk set; it is
// idempotent by session, so retrying a confirm that already landed succeeds.
type VolumeStore interface {
	PutChunk(ctx context.Context, volumeID uuid.UUID, addr core.ChunkAddress, payload []byte) error
	HasChunk(ctx context.Context, volumeID uuid.UUID, addr core.ChunkAddress) (bool, error)
	State(ctx context.Context, volumeID uuid.UUID) (RemoteState, error)
	Confirm(ctx context.Context, volumeID uuid.UUID, sessionID uuid.UUID, targetSeq uint64, checksum [sha256.Size]byte, chunks []core.ChunkAddress) error
	Close() error
}
