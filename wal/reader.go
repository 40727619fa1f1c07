package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/INLOpen/nexusvolume/core"
)

// FrameReader observes committed frames in the local WAL file. It reads
// through its own file handle, so it can be re-pointed at the same position
// after a restart and always returns the same frames for the same argument.
type FrameReader struct {
	path   string
	logger *slog.Logger
}

// NewFrameReader creates a reader for the WAL file at path.
func NewFrameReader(path string, logger *slog.Logger) *FrameReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameReader{
		path:   path,
		logger: logger.With("component", "FrameReader"),
	}
}

// ReadNewFrames returns every fully committed frame with a sequence number
// greater than lastSeen, ascending. Frames past the last commit marker are
// withheld until their transaction commits. A short or unverifiable tail
// means "no new frame yet" and is not an error; a full-length frame with a
// failing checksum is surfaced as core.ErrCorruptFrame.
func (r *FrameReader) ReadNewFrames(lastSeen uint64) ([]core.Frame, error) {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open WAL for reading %s: %w", r.path, err)
	}
	defer file.Close()

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Header itself is still being written.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read WAL header from %s: %w", r.path, err)
	}
	if header.Magic != core.WALMagic {
		return nil, fmt.Errorf("invalid magic number in WAL %s: got %x, want %x", r.path, header.Magic, core.WALMagic)
	}
	var baseSeq uint64
	if err := binary.Read(file, binary.LittleEndian, &baseSeq); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read WAL base sequence from %s: %w", r.path, err)
	}

	var frames []core.Frame
	lastBoundary := 0 // count of frames up to and including the last commit marker
	for {
		f, err := readFrame(file)
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, core.ErrTornFrame) {
				r.logger.Debug("Torn tail encountered, treating as no new data", "path", r.path)
				break
			}
			return nil, err
		}
		frames = append(frames, *f)
		if f.Commit {
			lastBoundary = len(frames)
		}
	}

	// Drop the uncommitted tail, then everything already seen.
	frames = frames[:lastBoundary]
	firstNew := len(frames)
	for i, f := range frames {
		if f.SeqNum > lastSeen {
			firstNew = i
			break
		}
	}
	frames = frames[firstNew:]
	if len(frames) == 0 {
		return nil, nil
	}
	return frames, nil
}

// TruncatedThrough reports the commit boundary the WAL file was last
// truncated through, so callers can tell "nothing new" apart from
// "already discarded".
func (r *FrameReader) TruncatedThrough() (uint64, error) {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open WAL %s: %w", r.path, err)
	}
	defer file.Close()

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read WAL header from %s: %w", r.path, err)
	}
	var baseSeq uint64
	if err := binary.Read(file, binary.LittleEndian, &baseSeq); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read WAL base sequence from %s: %w", r.path, err)
	}
	return baseSeq, nil
}
