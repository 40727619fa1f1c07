package recovery

import (
	"crypto/sha256"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/push"
	"github.com/INLOpen/nexusvolume/volume"
	"github.com/INLOpen/nexusvolume/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testPageSize = 128

func openTestVolume(t *testing.T, dir string) *volume.Volume {
	t.Helper()
	v, err := volume.Open(volume.Options{
		Dir:         dir,
		PageSize:    testPageSize,
		SyncMode:    core.WALSyncAlways,
		Compression: core.CompressionSnappy,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return v
}

func commitPage(t *testing.T, v *volume.Volume, pageNo uint32, fill byte) uint64 {
	t.Helper()
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = fill
	}
	seq, err := v.Commit([]wal.PageWrite{{PageNo: pageNo, Data: data}})
	require.NoError(t, err)
	return seq
}

func TestVerifier_FreshVolume(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()

	report, err := NewVerifier(v, testLogger()).Verify()
	require.NoError(t, err)
	assert.Equal(t, core.StateFresh, report.State)
	assert.False(t, report.ChecksumVerified)
}

func TestVerifier_CleanVolumeChecksumVerified(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()

	seq := commitPage(t, v, 1, 0x01)
	checksum, err := v.DB().ChecksumAt(seq)
	require.NoError(t, err)
	require.NoError(t, v.SetConfirmed(seq, checksum))

	report, err := NewVerifier(v, testLogger()).Verify()
	require.NoError(t, err)
	assert.Equal(t, core.StateClean, report.State)
	assert.True(t, report.ChecksumVerified)
	assert.Equal(t, seq, report.ConfirmedSeq)
}

func TestVerifier_ConfirmedBeyondCommitted(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()

	seq := commitPage(t, v, 1, 0x01)
	require.NoError(t, v.SetConfirmed(seq+5, sha256.Sum256([]byte("phantom"))))

	_, err := NewVerifier(v, testLogger()).Verify()
	require.ErrorIs(t, err, core.ErrVolumeInconsistent)
}

func TestVerifier_ChecksumMismatch(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()

	seq := commitPage(t, v, 1, 0x01)
	require.NoError(t, v.SetConfirmed(seq, sha256.Sum256([]byte("wrong image"))))

	_, err := NewVerifier(v, testLogger()).Verify()
	require.ErrorIs(t, err, core.ErrVolumeInconsistent)
}

func TestVerifier_CheckpointAheadButWALCoversGap(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()

	seq := commitPage(t, v, 1, 0x01)
	// Advance the applied boundary without truncating the log.
	require.NoError(t, v.DB().PageFile().SetCheckpointSeq(seq))

	report, err := NewVerifier(v, testLogger()).Verify()
	require.NoError(t, err)
	assert.Equal(t, seq, report.CheckpointSeq)
	assert.Equal(t, uint64(0), report.ConfirmedSeq)
}

func TestVerifier_SessionChunksCoverCheckpointedFrames(t *testing.T) {
	dir := t.TempDir()
	v := openTestVolume(t, dir)

	commitPage(t, v, 1, 0x01)
	seq := commitPage(t, v, 2, 0x02)

	// A capture made the frames durable as session chunks, then the process
	// died after checkpointing but before the push finished.
	frames, err := v.FrameReader().ReadNewFrames(0)
	require.NoError(t, err)
	payload := push.EncodeFrames(frames)
	addr, err := v.ChunkStore().Put(payload)
	require.NoError(t, err)

	checksum, err := v.DB().ChecksumAt(seq)
	require.NoError(t, err)
	require.NoError(t, v.BeginSession(&volume.SessionRecord{
		SessionID:      uuid.New(),
		BaseSeq:        0,
		TargetSeq:      seq,
		TargetChecksum: checksum,
		Status:         core.SessionActive,
		Chunks:         []volume.ChunkRef{{Address: addr, CommitSeq: seq}},
	}))
	require.NoError(t, v.Checkpoint(0))
	require.NoError(t, v.Close())

	v = openTestVolume(t, dir)
	defer v.Close()
	require.Equal(t, core.StateInterruptedPush, v.State())

	report, err := NewVerifier(v, testLogger()).Verify()
	require.NoError(t, err)
	assert.Equal(t, seq, report.CheckpointSeq)
	assert.Equal(t, uint64(0), report.ConfirmedSeq)
}

func TestVerifier_UncapturedCheckpointDetected(t *testing.T) {
	dir := t.TempDir()
	v, err := volume.Open(volume.Options{
		Dir:                 dir,
		PageSize:            testPageSize,
		SyncMode:            core.WALSyncAlways,
		UnguardedCheckpoint: true,
		Logger:              testLogger(),
	})
	require.NoError(t, err)
	commitPage(t, v, 1, 0x01)

	// With the guard disabled the checkpoint discards frames nothing ever
	// captured.
	require.NoError(t, v.Checkpoint(0))
	require.NoError(t, v.Close())

	v = openTestVolume(t, dir)
	defer v.Close()

	_, err = NewVerifier(v, testLogger()).Verify()
	require.ErrorIs(t, err, core.ErrVolumeInconsistent)
}
