package wal

import (
	"github.com/INLOpen/nexusvolume/core"
)

// FrameSource is the read side of the local WAL consumed by the capture
// pipeline.
type FrameSource interface {
	// ReadNewFrames returns committed frames with sequence numbers greater
	// than lastSeen, ascending. It must be idempotent for the same argument.
	ReadNewFrames(lastSeen uint64) ([]core.Frame, error)
}

var _ FrameSource = (*FrameReader)(nil)
