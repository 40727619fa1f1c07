package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptFrame indicates a WAL frame whose checksum fails on
	// full-length data. This is true corruption, distinct from a torn tail.
	ErrCorruptFrame = errors.New("corrupt WAL frame")

	// ErrTornFrame indicates an incomplete trailing write at the WAL tail.
	// Readers treat it as "no new frame yet", never as a failure.
	ErrTornFrame = errors.New("torn WAL frame at tail")

	// ErrVolumeInconsistent indicates that the local file state and the last
	// confirmed volume state disagree. Further writes are unsafe until the
	// volume is manually reconciled.
	ErrVolumeInconsistent = errors.New("local state inconsistent with confirmed volume state")

	// ErrChunkNotFound is returned by chunk stores for an unknown address.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrBarrierHeld is returned when a checkpoint would truncate WAL content
	// still covered by a held barrier token.
	ErrBarrierHeld = errors.New("checkpoint barrier held")

	// ErrVolumeClosed is returned by operations on a closed volume.
	ErrVolumeClosed = errors.New("volume is closed")
)

// TransportError wraps a retryable failure of the volume store transport.
type TransportError struct {
	Op  string // e.g. "put_chunk", "get_volume_state"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a retryable transport failure.
func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// IsTransportFailure checks if an error is a retryable transport failure.
func IsTransportFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
