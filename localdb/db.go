package localdb

import (
	"crypto/sha256"
	"expvar"
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/wal"
)

// Options holds configuration for the local database.
type Options struct {
	// Path is the main database file; the WAL lives alongside it at
	// Path + "-wal".
	Path     string
	PageSize uint32
	SyncMode core.WALSyncMode
	Logger   *slog.Logger
	// Admit gates WAL truncation; wire it to the checkpoint guard. Leaving
	// it nil reproduces the unguarded aggressive-checkpoint configuration.
	Admit wal.AdmitFunc

	BytesWritten  *expvar.Int
	FramesWritten *expvar.Int
}

// DB is the single-writer local database: the paged main file plus its WAL.
type DB struct {
	pageFile *PageFile
	wal      *wal.WAL
	admit    wal.AdmitFunc
	logger   *slog.Logger
}

// WALPath returns the WAL path for a database at path.
func WALPath(path string) string {
	return path + "-wal"
}

// Open creates or opens the database files at opts.Path.
func Open(opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "LocalDB")

	pf, err := OpenPageFile(opts.Path, opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open page file: %w", err)
	}

	w, err := wal.Open(wal.Options{
		Path:          WALPath(opts.Path),
		SyncMode:      opts.SyncMode,
		Logger:        opts.Logger,
		Admit:         opts.Admit,
		BytesWritten:  opts.BytesWritten,
		FramesWritten: opts.FramesWritten,
	})
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	// The WAL can never be behind what was already folded into the main file.
	if w.LastCommittedSeq() < pf.CheckpointSeq() {
		w.Close()
		pf.Close()
		return nil, fmt.Errorf("%w: WAL ends at seq %d but page file is checkpointed through %d",
			core.ErrVolumeInconsistent, w.LastCommittedSeq(), pf.CheckpointSeq())
	}

	return &DB{pageFile: pf, wal: w, admit: opts.Admit, logger: logger}, nil
}

// Commit durably appends one transaction of page writes to the WAL and
// returns its commit sequence number.
func (db *DB) Commit(pages []wal.PageWrite) (uint64, error) {
	for i := range pages {
		if uint32(len(pages[i].Data)) != db.pageFile.PageSize() {
			return 0, fmt.Errorf("page %d write has %d bytes, want %d",
				pages[i].PageNo, len(pages[i].Data), db.pageFile.PageSize())
		}
	}
	return db.wal.Commit(pages)
}

// Checkpoint folds committed WAL frames up to uptoSeq into the main file and
// truncates the log. Passing 0 checkpoints everything committed. The WAL's
// Admit gate is consulted first: while a capture barrier is held the whole
// operation is deferred with core.ErrBarrierHeld and no state changes.
func (db *DB) Checkpoint(uptoSeq uint64) error {
	last := db.wal.LastCommittedSeq()
	if uptoSeq == 0 || uptoSeq > last {
		uptoSeq = last
	}
	applied := db.pageFile.CheckpointSeq()
	if uptoSeq <= applied {
		return nil // Nothing new to fold in.
	}

	if db.admit != nil {
		if err := db.admit(uptoSeq); err != nil {
			return fmt.Errorf("checkpoint to seq %d deferred: %w", uptoSeq, err)
		}
	}

	reader := wal.NewFrameReader(db.wal.Path(), db.logger)
	frames, err := reader.ReadNewFrames(applied)
	if err != nil {
		return fmt.Errorf("failed to read frames for checkpoint: %w", err)
	}

	for i := range frames {
		if frames[i].SeqNum > uptoSeq {
			break
		}
		if err := db.pageFile.WritePage(frames[i].PageNo, frames[i].Data); err != nil {
			return fmt.Errorf("failed to apply frame seq %d: %w", frames[i].SeqNum, err)
		}
	}
	if err := db.pageFile.SetCheckpointSeq(uptoSeq); err != nil {
		return err
	}
	if err := db.pageFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync page file after checkpoint: %w", err)
	}

	if err := db.wal.Truncate(uptoSeq); err != nil {
		return err
	}
	db.logger.Info("Checkpoint complete", "upto_seq", uptoSeq)
	return nil
}

// CommittedSeq returns the highest commit boundary the local database has
// made durable, whether still in the WAL or already checkpointed.
func (db *DB) CommittedSeq() uint64 {
	seq := db.wal.LastCommittedSeq()
	if cp := db.pageFile.CheckpointSeq(); cp > seq {
		seq = cp
	}
	return seq
}

// ChecksumAt computes the SHA-256 of the full database image as of commit
// sequence atSeq: the main file with every WAL frame in (checkpointSeq,
// atSeq] applied on top. It fails if frames below atSeq were already
// checkpointed away, since that image can no longer be reconstructed.
func (db *DB) ChecksumAt(atSeq uint64) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte

	applied := db.pageFile.CheckpointSeq()
	if atSeq < applied {
		return sum, fmt.Errorf("image at seq %d is not reconstructible: page file already checkpointed through %d", atSeq, applied)
	}

	reader := wal.NewFrameReader(db.wal.Path(), db.logger)
	frames, err := reader.ReadNewFrames(applied)
	if err != nil {
		return sum, fmt.Errorf("failed to read frames for checksum: %w", err)
	}

	overlay := make(map[uint32][]byte)
	maxPage := db.pageFile.PageCount()
	for i := range frames {
		if frames[i].SeqNum > atSeq {
			break
		}
		overlay[frames[i].PageNo] = frames[i].Data
		if frames[i].PageNo > maxPage {
			maxPage = frames[i].PageNo
		}
	}

	h := sha256.New()
	for pageNo := uint32(1); pageNo <= maxPage; pageNo++ {
		data, ok := overlay[pageNo]
		if !ok {
			data, err = db.pageFile.ReadPage(pageNo)
			if err != nil {
				return sum, err
			}
		}
		h.Write(data)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// WAL exposes the underlying write-ahead log.
func (db *DB) WAL() *wal.WAL {
	return db.wal
}

// PageFile exposes the underlying page file.
func (db *DB) PageFile() *PageFile {
	return db.pageFile
}

// Path returns the main database file path.
func (db *DB) Path() string {
	return db.pageFile.Path()
}

// Close closes both files.
func (db *DB) Close() error {
	walErr := db.wal.Close()
	pfErr := db.pageFile.Close()
	if walErr != nil {
		return walErr
	}
	return pfErr
}
