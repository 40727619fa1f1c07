package core

// Frame is a single page-write entry in the local write-ahead log.
// Frames are ephemeral: they are owned by the frame reader until they are
// folded into a chunk at a commit boundary.
type Frame struct {
	// PageNo is the 1-based page number this frame overwrites.
	PageNo uint32
	// SeqNum is the monotonically increasing frame sequence number.
	SeqNum uint64
	// Commit marks the frame that closes a transaction. Frames up to and
	// including a commit frame are durable as a unit.
	Commit bool
	// Data is the full page image.
	Data []byte
}

// FrameHeaderSize is the fixed on-disk size of a frame header:
// page number (4) + sequence number (8) + commit flag (1) + data length (4).
const FrameHeaderSize = 4 + SeqNumSize + 1 + 4
