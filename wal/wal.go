// Package wal implements the frame-structured local write-ahead log: the
// engine-facing writer that appends committed page frames, and the frame
// reader the capture pipeline uses to observe them.
package wal

import (
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/INLOpen/nexusvolume/core"
)

// AdmitFunc gates physical WAL truncation. It is given the highest sequence
// number the truncation would discard and must return an error (typically
// core.ErrBarrierHeld) to defer it. A nil AdmitFunc means truncation is
// never deferred, which is exactly the unprotected aggressive-checkpoint
// configuration.
type AdmitFunc func(uptoSeq uint64) error

// Options holds configuration for the local WAL.
type Options struct {
	Path          string
	SyncMode      core.WALSyncMode
	Logger        *slog.Logger
	BytesWritten  *expvar.Int
	FramesWritten *expvar.Int
	// Admit is consulted before any truncation discards frames.
	Admit AdmitFunc
}

// PageWrite is one page image to be committed.
type PageWrite struct {
	PageNo uint32
	Data   []byte
}

// walHeaderSize is the standard file header plus the base sequence: the
// commit boundary the log was last truncated through. Recording it keeps
// sequence numbers monotonic even when the log is truncated empty.
func walHeaderSize() int64 {
	return int64(binary.Size(core.FileHeader{})) + core.SeqNumSize
}

// WAL is the local write-ahead log file. A single writer appends whole
// transactions; truncation passes through the Admit gate.
type WAL struct {
	path string
	mu   sync.Mutex
	opts Options

	file *os.File
	size int64

	baseSeq       uint64
	lastSeq       uint64
	lastCommitSeq uint64

	metricsBytesWritten  *expvar.Int
	metricsFramesWritten *expvar.Int

	logger *slog.Logger

	testingOnlyInjectAppendError error
}

// Open creates or opens the WAL file at opts.Path. An existing file is
// scanned to recover the last committed sequence; a torn tail or an
// uncommitted trailing transaction is truncated away before appending
// resumes. A corrupt frame inside the committed region is a hard error.
func Open(opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL_default")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}

	w := &WAL{
		path:                 opts.Path,
		opts:                 opts,
		logger:               opts.Logger,
		metricsBytesWritten:  opts.BytesWritten,
		metricsFramesWritten: opts.FramesWritten,
	}

	if err := w.openOrCreate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openOrCreate() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file %s: %w", w.path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL file %s: %w", w.path, err)
	}

	headerSize := walHeaderSize()
	if stat.Size() == 0 {
		header := core.NewFileHeader(core.WALMagic, core.CompressionNone)
		if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
			file.Close()
			return fmt.Errorf("failed to write WAL header to %s: %w", w.path, err)
		}
		if err := binary.Write(file, binary.LittleEndian, uint64(0)); err != nil {
			file.Close()
			return fmt.Errorf("failed to write WAL base sequence to %s: %w", w.path, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("failed to sync new WAL file %s: %w", w.path, err)
		}
		w.file = file
		w.size = headerSize
		return nil
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return fmt.Errorf("failed to read WAL header from %s: %w", w.path, err)
	}
	if header.Magic != core.WALMagic {
		file.Close()
		return fmt.Errorf("invalid magic number in WAL %s: got %x, want %x", w.path, header.Magic, core.WALMagic)
	}
	var baseSeq uint64
	if err := binary.Read(file, binary.LittleEndian, &baseSeq); err != nil {
		file.Close()
		return fmt.Errorf("failed to read WAL base sequence from %s: %w", w.path, err)
	}

	// Scan forward to find the last commit boundary and detect a torn tail.
	offset := headerSize
	commitOffset := headerSize
	lastSeq, lastCommitSeq := baseSeq, baseSeq
	for {
		f, err := readFrame(file)
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, core.ErrTornFrame) {
				w.logger.Warn("Torn frame at WAL tail, truncating", "path", w.path, "offset", offset)
				break
			}
			file.Close()
			return fmt.Errorf("WAL recovery failed at offset %d: %w", offset, err)
		}
		offset += frameEncodedSize(f)
		lastSeq = f.SeqNum
		if f.Commit {
			lastCommitSeq = f.SeqNum
			commitOffset = offset
		}
	}

	// Discard anything past the last commit boundary: a torn record, or whole
	// frames of a transaction that never committed.
	if commitOffset < stat.Size() {
		w.logger.Warn("Discarding uncommitted WAL tail",
			"path", w.path, "from_offset", commitOffset, "file_size", stat.Size())
		if err := file.Truncate(commitOffset); err != nil {
			file.Close()
			return fmt.Errorf("failed to truncate uncommitted WAL tail: %w", err)
		}
		lastSeq = lastCommitSeq
	}

	if _, err := file.Seek(commitOffset, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("failed to seek WAL to append position: %w", err)
	}

	w.file = file
	w.size = commitOffset
	w.baseSeq = baseSeq
	w.lastSeq = lastSeq
	w.lastCommitSeq = lastCommitSeq
	return nil
}

// SetTestingOnlyInjectAppendError sets an error returned by Commit.
func (w *WAL) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// Commit appends one transaction: every page write gets a frame and the last
// frame carries the commit marker. It returns the commit sequence number.
func (w *WAL) Commit(pages []PageWrite) (uint64, error) {
	if len(pages) == 0 {
		return 0, errors.New("commit requires at least one page write")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectAppendError != nil {
		return 0, w.testingOnlyInjectAppendError
	}
	if w.file == nil {
		return 0, errors.New("wal is closed")
	}

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	encoded := buf.Bytes()[:0]
	seq := w.lastSeq
	var frameCount int
	for i := range pages {
		seq++
		f := core.Frame{
			PageNo: pages[i].PageNo,
			SeqNum: seq,
			Commit: i == len(pages)-1,
			Data:   pages[i].Data,
		}
		encoded = encodeFrame(encoded, &f)
		frameCount++
	}

	if _, err := w.file.Write(encoded); err != nil {
		return 0, fmt.Errorf("failed to append WAL frames: %w", err)
	}
	if w.opts.SyncMode == core.WALSyncAlways {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	w.size += int64(len(encoded))
	w.lastSeq = seq
	w.lastCommitSeq = seq

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(int64(len(encoded)))
	}
	if w.metricsFramesWritten != nil {
		w.metricsFramesWritten.Add(int64(frameCount))
	}
	return seq, nil
}

// Sync flushes the WAL file to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.New("wal is closed")
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	return nil
}

// Truncate physically discards frames with sequence <= uptoSeq. It first
// consults the Admit gate; while a checkpoint barrier covers any of those
// frames the truncation is refused and no bytes are touched.
// The surviving tail is rewritten to a temp file and renamed into place.
func (w *WAL) Truncate(uptoSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errors.New("wal is closed")
	}
	if uptoSeq > w.lastCommitSeq {
		uptoSeq = w.lastCommitSeq
	}
	if uptoSeq == 0 {
		return nil
	}

	if w.opts.Admit != nil {
		if err := w.opts.Admit(uptoSeq); err != nil {
			return fmt.Errorf("wal truncation to seq %d refused: %w", uptoSeq, err)
		}
	}

	// Collect surviving frames through a separate read handle.
	rf, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL for truncation: %w", err)
	}
	defer rf.Close()

	var header core.FileHeader
	if err := binary.Read(rf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to read WAL header during truncation: %w", err)
	}
	var oldBase uint64
	if err := binary.Read(rf, binary.LittleEndian, &oldBase); err != nil {
		return fmt.Errorf("failed to read WAL base sequence during truncation: %w", err)
	}

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	surviving := buf.Bytes()[:0]
	for {
		f, err := readFrame(rf)
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("WAL scan failed during truncation: %w", err)
		}
		if f.SeqNum > uptoSeq {
			surviving = encodeFrame(surviving, f)
		}
	}

	tempPath := w.path + ".truncate"
	tf, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp WAL file: %w", err)
	}
	newHeader := core.NewFileHeader(core.WALMagic, core.CompressionNone)
	if err := binary.Write(tf, binary.LittleEndian, &newHeader); err != nil {
		tf.Close()
		return fmt.Errorf("failed to write temp WAL header: %w", err)
	}
	if err := binary.Write(tf, binary.LittleEndian, uptoSeq); err != nil {
		tf.Close()
		return fmt.Errorf("failed to write temp WAL base sequence: %w", err)
	}
	if _, err := tf.Write(surviving); err != nil {
		tf.Close()
		return fmt.Errorf("failed to write surviving WAL frames: %w", err)
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		return fmt.Errorf("failed to sync temp WAL file: %w", err)
	}
	if err := tf.Close(); err != nil {
		return fmt.Errorf("failed to close temp WAL file: %w", err)
	}

	if err := w.file.Close(); err != nil {
		w.logger.Error("Failed to close WAL before truncation rename", "error", err)
	}
	w.file = nil
	if err := os.Rename(tempPath, w.path); err != nil {
		return fmt.Errorf("failed to rename truncated WAL into place: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen truncated WAL: %w", err)
	}
	newSize := walHeaderSize() + int64(len(surviving))
	if _, err := file.Seek(newSize, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("failed to seek truncated WAL: %w", err)
	}
	w.file = file
	w.size = newSize
	w.baseSeq = uptoSeq

	w.logger.Info("Truncated WAL", "up_to_seq", uptoSeq, "remaining_bytes", len(surviving))
	return nil
}

// TruncatedThrough returns the commit boundary the log was last physically
// truncated through. Frames at or below it no longer exist in this file.
func (w *WAL) TruncatedThrough() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseSeq
}

// LastCommittedSeq returns the sequence number of the last commit boundary.
func (w *WAL) LastCommittedSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCommitSeq
}

// Size returns the current WAL file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the WAL file path.
func (w *WAL) Path() string {
	return w.path
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil // Already closed
	}

	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil

	if syncErr != nil {
		w.logger.Error("Error during WAL close.", "error", syncErr)
		return syncErr
	}
	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
		return closeErr
	}
	w.logger.Info("WAL closed.")
	return nil
}
