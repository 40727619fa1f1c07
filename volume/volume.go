package volume

import (
	"crypto/sha256"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/INLOpen/nexusvolume/checkpoint"
	"github.com/INLOpen/nexusvolume/chunkstore"
	"github.com/INLOpen/nexusvolume/compressors"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/localdb"
	"github.com/INLOpen/nexusvolume/wal"
)

// DBFileName is the main database file inside the volume directory.
const DBFileName = "volume.db"

// ChunkDirName is the local chunk store directory inside the volume directory.
const ChunkDirName = "chunks"

// Options holds configuration for opening a volume.
type Options struct {
	// Dir is the volume directory. All volume files live under it.
	Dir         string
	PageSize    uint32
	SyncMode    core.WALSyncMode
	Compression core.CompressionType
	Logger      *slog.Logger

	// UnguardedCheckpoint disconnects checkpointing from the capture
	// barrier, letting truncation discard frames no session captured. It
	// exists for fault-injection testing; the recovery verifier is what
	// catches the damage it can do.
	UnguardedCheckpoint bool

	BytesWritten        *expvar.Int
	FramesWritten       *expvar.Int
	ChunksWritten       *expvar.Int
	ChunkBytesWritten   *expvar.Int
	CheckpointsDeferred *expvar.Int
}

// Volume is one replicated volume: the local database, its checkpoint guard,
// the local chunk store, and the durable records of what the volume store
// has confirmed and what push is in flight.
type Volume struct {
	mu sync.Mutex

	id     uuid.UUID
	dir    string
	db     *localdb.DB
	guard  *checkpoint.Guard
	chunks *chunkstore.Store
	logger *slog.Logger

	meta    Meta
	session *SessionRecord
	// pushing is set while a coordinator in this process owns the session.
	// A session loaded from disk without an owner is an interrupted push.
	pushing   bool
	unguarded bool
	closed    bool
}

// Open creates or opens the volume rooted at opts.Dir and classifies its
// lifecycle state from what it finds on disk.
func Open(opts Options) (*Volume, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "Volume")

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volume directory %s: %w", opts.Dir, err)
	}

	id, err := LoadOrCreateID(filepath.Join(opts.Dir, IDFileName))
	if err != nil {
		return nil, err
	}

	meta, found, err := ReadMeta(filepath.Join(opts.Dir, MetaFileName))
	if err != nil {
		return nil, err
	}
	if !found {
		meta = Meta{VolumeID: id}
	} else if meta.VolumeID != id {
		return nil, fmt.Errorf("%w: identity file says %s but meta file says %s",
			core.ErrVolumeInconsistent, id, meta.VolumeID)
	}

	guard := checkpoint.NewGuard(opts.Logger)
	guard.SetDeferredCounter(opts.CheckpointsDeferred)

	admit := guard.Admit
	if opts.UnguardedCheckpoint {
		opts.Logger.Warn("Checkpoint guard disabled, truncation may discard uncaptured frames")
		admit = nil
	}

	db, err := localdb.Open(localdb.Options{
		Path:          filepath.Join(opts.Dir, DBFileName),
		PageSize:      opts.PageSize,
		SyncMode:      opts.SyncMode,
		Logger:        opts.Logger,
		Admit:         admit,
		BytesWritten:  opts.BytesWritten,
		FramesWritten: opts.FramesWritten,
	})
	if err != nil {
		return nil, err
	}

	compressor, err := compressors.NewCompressor(opts.Compression)
	if err != nil {
		db.Close()
		return nil, err
	}
	chunks, err := chunkstore.Open(chunkstore.Options{
		Dir:           filepath.Join(opts.Dir, ChunkDirName),
		Compressor:    compressor,
		Logger:        opts.Logger,
		ChunksWritten: opts.ChunksWritten,
		BytesWritten:  opts.ChunkBytesWritten,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	session, sessionFound, err := ReadSession(filepath.Join(opts.Dir, SessionFileName))
	if err != nil {
		db.Close()
		return nil, err
	}
	if !sessionFound {
		session = nil
	}

	v := &Volume{
		id:        id,
		dir:       opts.Dir,
		db:        db,
		guard:     guard,
		chunks:    chunks,
		logger:    logger,
		meta:      meta,
		session:   session,
		unguarded: opts.UnguardedCheckpoint,
	}

	// Frames at or below the confirmed boundary, and those held as durable
	// session chunks, are the only ones a checkpoint may discard.
	guard.AdvanceCaptured(meta.ConfirmedSeq)
	if session != nil {
		guard.AdvanceCaptured(session.TargetSeq)
	}

	logger.Info("Volume opened",
		"volume_id", id,
		"state", v.State().String(),
		"confirmed_seq", meta.ConfirmedSeq,
		"committed_seq", db.CommittedSeq())
	return v, nil
}

// ID returns the stable volume identity.
func (v *Volume) ID() uuid.UUID {
	return v.id
}

// Dir returns the volume directory.
func (v *Volume) Dir() string {
	return v.dir
}

// State classifies the volume's lifecycle state from its durable records.
func (v *Volume) State() core.VolumeState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stateLocked()
}

func (v *Volume) stateLocked() core.VolumeState {
	if v.session != nil {
		if v.pushing {
			return core.StatePushing
		}
		return core.StateInterruptedPush
	}
	committed := v.db.CommittedSeq()
	if v.meta.ConfirmedSeq == 0 && committed == 0 {
		return core.StateFresh
	}
	if committed > v.meta.ConfirmedSeq {
		return core.StateDirty
	}
	return core.StateClean
}

// Meta returns the current confirmed record.
func (v *Volume) Meta() Meta {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.meta
}

// ConfirmedSeq returns the commit boundary the volume store has confirmed.
func (v *Volume) ConfirmedSeq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.meta.ConfirmedSeq
}

// CommittedSeq returns the highest locally durable commit boundary.
func (v *Volume) CommittedSeq() uint64 {
	return v.db.CommittedSeq()
}

// Commit appends one transaction of page writes to the WAL.
func (v *Volume) Commit(pages []wal.PageWrite) (uint64, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return 0, core.ErrVolumeClosed
	}
	v.mu.Unlock()
	return v.db.Commit(pages)
}

// Checkpoint folds committed frames into the main file, subject to the
// capture barrier. Passing 0 checkpoints as far as the captured boundary
// allows; an explicit target beyond it is deferred with core.ErrBarrierHeld.
func (v *Volume) Checkpoint(uptoSeq uint64) error {
	if v.unguarded {
		return v.db.Checkpoint(uptoSeq)
	}
	if uptoSeq == 0 {
		uptoSeq = v.guard.CapturedThrough()
		if uptoSeq == 0 {
			return nil
		}
	}
	return v.db.Checkpoint(uptoSeq)
}

// DB exposes the underlying local database.
func (v *Volume) DB() *localdb.DB {
	return v.db
}

// Guard exposes the checkpoint guard for barrier acquisition.
func (v *Volume) Guard() *checkpoint.Guard {
	return v.guard
}

// ChunkStore exposes the local chunk store.
func (v *Volume) ChunkStore() *chunkstore.Store {
	return v.chunks
}

// FrameReader returns an independent reader over the volume's WAL.
func (v *Volume) FrameReader() *wal.FrameReader {
	return wal.NewFrameReader(v.db.WAL().Path(), v.logger)
}

func (v *Volume) sessionPath() string {
	return filepath.Join(v.dir, SessionFileName)
}

// Session returns the in-flight or recovered push session, if any.
func (v *Volume) Session() *SessionRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session
}

// BeginSession durably records a new push session and moves the volume to
// the pushing state. Only one session may exist at a time.
func (v *Volume) BeginSession(rec *SessionRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return core.ErrVolumeClosed
	}
	if v.session != nil {
		return fmt.Errorf("push session %s already exists", v.session.SessionID)
	}
	if err := WriteSession(v.sessionPath(), rec); err != nil {
		return err
	}
	v.session = rec
	v.pushing = true
	v.guard.AdvanceCaptured(rec.TargetSeq)
	v.logger.Info("Push session started",
		"session_id", rec.SessionID, "base_seq", rec.BaseSeq, "target_seq", rec.TargetSeq, "chunks", len(rec.Chunks))
	return nil
}

// ResumeSession claims the recovered session for a coordinator in this
// process, moving InterruptedPush back to Pushing. It returns the record to
// resume from.
func (v *Volume) ResumeSession() (*SessionRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, core.ErrVolumeClosed
	}
	if v.session == nil {
		return nil, fmt.Errorf("no push session to resume")
	}
	if v.pushing {
		return nil, fmt.Errorf("push session %s is already owned", v.session.SessionID)
	}
	v.session.Status = core.SessionActive
	if err := WriteSession(v.sessionPath(), v.session); err != nil {
		return nil, err
	}
	v.pushing = true
	v.logger.Info("Push session resumed", "session_id", v.session.SessionID, "target_seq", v.session.TargetSeq)
	return v.session, nil
}

// UpdateSession persists the session record after ack progress.
func (v *Volume) UpdateSession(rec *SessionRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil || v.session.SessionID != rec.SessionID {
		return fmt.Errorf("session %s is not current", rec.SessionID)
	}
	if err := WriteSession(v.sessionPath(), rec); err != nil {
		return err
	}
	v.session = rec
	return nil
}

// CompleteSession records the store's atomic confirmation: the meta record
// advances to the session target and the session record is removed. The
// order matters; if the process dies between the two writes the leftover
// session resolves as an already confirmed no-op on resume.
func (v *Volume) CompleteSession(rec *SessionRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil || v.session.SessionID != rec.SessionID {
		return fmt.Errorf("session %s is not current", rec.SessionID)
	}

	newMeta := Meta{
		VolumeID:          v.id,
		ConfirmedSeq:      rec.TargetSeq,
		ConfirmedChecksum: rec.TargetChecksum,
	}
	if err := WriteMeta(filepath.Join(v.dir, MetaFileName), newMeta); err != nil {
		return err
	}
	v.meta = newMeta
	if err := RemoveSession(v.sessionPath()); err != nil {
		return err
	}
	v.session = nil
	v.pushing = false
	v.logger.Info("Push session completed", "session_id", rec.SessionID, "confirmed_seq", rec.TargetSeq)
	return nil
}

// InterruptSession durably marks the in-flight session interrupted and
// releases coordinator ownership. The volume lands in InterruptedPush and a
// later push resumes the same session.
func (v *Volume) InterruptSession(rec *SessionRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil || v.session.SessionID != rec.SessionID {
		return fmt.Errorf("session %s is not current", rec.SessionID)
	}
	rec.Status = core.SessionInterrupted
	if err := WriteSession(v.sessionPath(), rec); err != nil {
		return err
	}
	v.session = rec
	v.pushing = false
	v.logger.Warn("Push session interrupted", "session_id", rec.SessionID, "target_seq", rec.TargetSeq)
	return nil
}

// AbandonSession drops a session whose target the store has already
// confirmed, without advancing meta. Used when resume discovers the confirm
// landed before the crash.
func (v *Volume) AbandonSession(rec *SessionRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil || v.session.SessionID != rec.SessionID {
		return fmt.Errorf("session %s is not current", rec.SessionID)
	}
	if err := RemoveSession(v.sessionPath()); err != nil {
		return err
	}
	v.session = nil
	v.pushing = false
	return nil
}

// SetConfirmed overwrites the confirmed record directly. Recovery uses this
// when the store's state is ahead of the local meta file.
func (v *Volume) SetConfirmed(seq uint64, checksum [sha256.Size]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	newMeta := Meta{VolumeID: v.id, ConfirmedSeq: seq, ConfirmedChecksum: checksum}
	if err := WriteMeta(filepath.Join(v.dir, MetaFileName), newMeta); err != nil {
		return err
	}
	v.meta = newMeta
	v.guard.AdvanceCaptured(seq)
	return nil
}

// Close closes the volume's files. An owned session is left on disk as is,
// so the next open resumes it.
func (v *Volume) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.pushing = false
	v.mu.Unlock()
	return v.db.Close()
}
