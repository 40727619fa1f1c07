package volume

import (
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testPageSize = 128

func openTestVolume(t *testing.T, dir string) *Volume {
	t.Helper()
	v, err := Open(Options{
		Dir:         dir,
		PageSize:    testPageSize,
		SyncMode:    core.WALSyncAlways,
		Compression: core.CompressionSnappy,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return v
}

func page(fill byte) []byte {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = fill
	}
	return data
}

func TestLoadOrCreateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), IDFileName)

	id1, err := LoadOrCreateID(path)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id1)

	id2, err := LoadOrCreateID(path)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestLoadOrCreateID_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), IDFileName)
	require.NoError(t, os.WriteFile(path, nil, 0644))

	id, err := LoadOrCreateID(path)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestMeta_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetaFileName)

	_, found, err := ReadMeta(path)
	require.NoError(t, err)
	assert.False(t, found)

	want := Meta{
		VolumeID:          uuid.New(),
		ConfirmedSeq:      42,
		ConfirmedChecksum: sha256.Sum256([]byte("image")),
	}
	require.NoError(t, WriteMeta(path, want))

	got, found, err := ReadMeta(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
}

func TestSession_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), SessionFileName)

	want := &SessionRecord{
		SessionID:      uuid.New(),
		BaseSeq:        10,
		TargetSeq:      25,
		TargetChecksum: sha256.Sum256([]byte("target")),
		Status:         core.SessionInterrupted,
		Chunks: []ChunkRef{
			{Address: core.AddressOf([]byte("a")), CommitSeq: 15, Acked: true},
			{Address: core.AddressOf([]byte("b")), CommitSeq: 25, Acked: false},
		},
	}
	require.NoError(t, WriteSession(path, want))

	got, found, err := ReadSession(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
	assert.False(t, got.AllAcked())

	require.NoError(t, RemoveSession(path))
	require.NoError(t, RemoveSession(path)) // Idempotent.
	_, found, err = ReadSession(path)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestVolume_Lifecycle(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()
	assert.Equal(t, core.StateFresh, v.State())

	seq, err := v.Commit([]wal.PageWrite{{PageNo: 1, Data: page(0x01)}})
	require.NoError(t, err)
	assert.Equal(t, core.StateDirty, v.State())

	checksum, err := v.DB().ChecksumAt(seq)
	require.NoError(t, err)
	rec := &SessionRecord{
		SessionID:      uuid.New(),
		BaseSeq:        0,
		TargetSeq:      seq,
		TargetChecksum: checksum,
		Status:         core.SessionActive,
		Chunks:         []ChunkRef{{Address: core.AddressOf([]byte("c")), CommitSeq: seq}},
	}
	require.NoError(t, v.BeginSession(rec))
	assert.Equal(t, core.StatePushing, v.State())

	rec.Chunks[0].Acked = true
	require.NoError(t, v.UpdateSession(rec))
	require.NoError(t, v.CompleteSession(rec))

	assert.Equal(t, core.StateClean, v.State())
	assert.Equal(t, seq, v.ConfirmedSeq())
	assert.Equal(t, checksum, v.Meta().ConfirmedChecksum)
	assert.Nil(t, v.Session())
}

func TestVolume_IdentitySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	v := openTestVolume(t, dir)
	id := v.ID()
	require.NoError(t, v.Close())

	v = openTestVolume(t, dir)
	defer v.Close()
	assert.Equal(t, id, v.ID())
}

func TestVolume_ReopenWithSessionIsInterruptedPush(t *testing.T) {
	dir := t.TempDir()
	v := openTestVolume(t, dir)

	seq, err := v.Commit([]wal.PageWrite{{PageNo: 1, Data: page(0x01)}})
	require.NoError(t, err)
	checksum, err := v.DB().ChecksumAt(seq)
	require.NoError(t, err)
	rec := &SessionRecord{
		SessionID:      uuid.New(),
		TargetSeq:      seq,
		TargetChecksum: checksum,
		Status:         core.SessionActive,
	}
	require.NoError(t, v.BeginSession(rec))
	require.NoError(t, v.Close())

	// No coordinator owns the on-disk session after a restart.
	v = openTestVolume(t, dir)
	defer v.Close()
	assert.Equal(t, core.StateInterruptedPush, v.State())

	resumed, err := v.ResumeSession()
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, resumed.SessionID)
	assert.Equal(t, core.SessionActive, resumed.Status)
	assert.Equal(t, core.StatePushing, v.State())
}

func TestVolume_BeginSessionRejectsSecond(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()

	seq, err := v.Commit([]wal.PageWrite{{PageNo: 1, Data: page(0x01)}})
	require.NoError(t, err)
	rec := &SessionRecord{SessionID: uuid.New(), TargetSeq: seq, Status: core.SessionActive}
	require.NoError(t, v.BeginSession(rec))

	err = v.BeginSession(&SessionRecord{SessionID: uuid.New(), TargetSeq: seq})
	require.Error(t, err)
}

func TestVolume_CheckpointWaitsForCapture(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()

	seq, err := v.Commit([]wal.PageWrite{{PageNo: 1, Data: page(0x01)}})
	require.NoError(t, err)

	// Nothing is captured yet. The lazy form is a no-op, an explicit target
	// is refused outright.
	require.NoError(t, v.Checkpoint(0))
	assert.Equal(t, uint64(0), v.DB().PageFile().CheckpointSeq())
	require.ErrorIs(t, v.Checkpoint(seq), core.ErrBarrierHeld)

	checksum, err := v.DB().ChecksumAt(seq)
	require.NoError(t, err)
	require.NoError(t, v.SetConfirmed(seq, checksum))

	require.NoError(t, v.Checkpoint(0))
	assert.Equal(t, seq, v.DB().PageFile().CheckpointSeq())
	assert.Equal(t, core.StateClean, v.State())
}

func TestVolume_UnguardedCheckpointDiscardsUncapturedFrames(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(Options{
		Dir:                 dir,
		PageSize:            testPageSize,
		SyncMode:            core.WALSyncAlways,
		UnguardedCheckpoint: true,
		Logger:              testLogger(),
	})
	require.NoError(t, err)
	defer v.Close()

	seq, err := v.Commit([]wal.PageWrite{{PageNo: 1, Data: page(0x01)}})
	require.NoError(t, err)

	// Nothing was captured, but the checkpoint runs anyway. This is the
	// configuration the recovery verifier exists to catch.
	require.NoError(t, v.Checkpoint(0))
	assert.Equal(t, seq, v.DB().PageFile().CheckpointSeq())

	frames, err := v.FrameReader().ReadNewFrames(0)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestVolume_CommitAfterClose(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	require.NoError(t, v.Close())

	_, err := v.Commit([]wal.PageWrite{{PageNo: 1, Data: page(0x01)}})
	require.ErrorIs(t, err, core.ErrVolumeClosed)
}

func TestVolume_MetaIdentityMismatch(t *testing.T) {
	dir := t.TempDir()
	v := openTestVolume(t, dir)
	require.NoError(t, v.Close())

	// Replace the meta record with one belonging to a different volume.
	require.NoError(t, WriteMeta(filepath.Join(dir, MetaFileName), Meta{VolumeID: uuid.New()}))

	_, err := Open(Options{Dir: dir, PageSize: testPageSize, Logger: testLogger()})
	require.ErrorIs(t, err, core.ErrVolumeInconsistent)
}
