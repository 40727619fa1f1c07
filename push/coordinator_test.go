package push

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/remote"
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

func commitPages(t *testing.T, v *volume.Volume, fills ...byte) uint64 {
	t.Helper()
	writes := make([]wal.PageWrite, len(fills))
	for i, fill := range fills {
		data := make([]byte, testPageSize)
		for j := range data {
			data[j] = fill
		}
		writes[i] = wal.PageWrite{PageNo: uint32(i + 1), Data: data}
	}
	seq, err := v.Commit(writes)
	require.NoError(t, err)
	return seq
}

// flakyStore wraps a VolumeStore with failure injection and call counting.
type flakyStore struct {
	inner remote.VolumeStore

	failPuts       int  // Fail this many PutChunk calls with a transport error.
	dropConfirmAck bool // Run Confirm against inner, then report a transport loss.

	puts     int
	confirms int
}

var _ remote.VolumeStore = (*flakyStore)(nil)

func (f *flakyStore) PutChunk(ctx context.Context, volumeID uuid.UUID, addr core.ChunkAddress, payload []byte) error {
	f.puts++
	if f.failPuts > 0 {
		f.failPuts--
		return core.NewTransportError("put_chunk", io.ErrUnexpectedEOF)
	}
	return f.inner.PutChunk(ctx, volumeID, addr, payload)
}

func (f *flakyStore) HasChunk(ctx context.Context, volumeID uuid.UUID, addr core.ChunkAddress) (bool, error) {
	return f.inner.HasChunk(ctx, volumeID, addr)
}

func (f *flakyStore) State(ctx context.Context, volumeID uuid.UUID) (remote.RemoteState, error) {
	return f.inner.State(ctx, volumeID)
}

func (f *flakyStore) Confirm(ctx context.Context, volumeID uuid.UUID, sessionID uuid.UUID, targetSeq uint64, checksum [sha256.Size]byte, chunks []core.ChunkAddress) error {
	f.confirms++
	if err := f.inner.Confirm(ctx, volumeID, sessionID, targetSeq, checksum, chunks); err != nil {
		return err
	}
	if f.dropConfirmAck {
		return core.NewTransportError("confirm", io.ErrUnexpectedEOF)
	}
	return nil
}

func (f *flakyStore) Close() error {
	return f.inner.Close()
}

func newTestStore(t *testing.T) *remote.FileStore {
	t.Helper()
	store, err := remote.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	return store
}

func TestCoordinator_FreshVolumeIsNoop(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()
	store := newTestStore(t)

	c := NewCoordinator(v, Options{Store: store, Logger: testLogger()})
	require.NoError(t, c.Push(context.Background()))
	assert.Equal(t, core.StateFresh, v.State())
}

func TestCoordinator_PushDirtyToClean(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()
	store := newTestStore(t)
	ctx := context.Background()

	commitPages(t, v, 0x01, 0x02)
	target := commitPages(t, v, 0x03)
	assert.Equal(t, core.StateDirty, v.State())

	c := NewCoordinator(v, Options{Store: store, Logger: testLogger()})
	require.NoError(t, c.Push(ctx))

	assert.Equal(t, core.StateClean, v.State())
	assert.Equal(t, target, v.ConfirmedSeq())
	assert.Nil(t, v.Session())

	state, err := store.State(ctx, v.ID())
	require.NoError(t, err)
	assert.True(t, state.Known)
	assert.Equal(t, target, state.ConfirmedSeq)
	assert.Equal(t, v.Meta().ConfirmedChecksum, state.ConfirmedChecksum)

	// With everything confirmed the checkpoint barrier is open.
	require.NoError(t, v.Checkpoint(0))
	assert.Equal(t, target, v.DB().PageFile().CheckpointSeq())
}

func TestCoordinator_PushAgainAfterClean(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()
	store := newTestStore(t)
	ctx := context.Background()

	commitPages(t, v, 0x01)
	c := NewCoordinator(v, Options{Store: store, Logger: testLogger()})
	require.NoError(t, c.Push(ctx))

	// A clean volume pushes nothing.
	require.NoError(t, c.Push(ctx))

	target := commitPages(t, v, 0x02)
	require.NoError(t, c.Push(ctx))
	assert.Equal(t, target, v.ConfirmedSeq())

	state, err := store.State(ctx, v.ID())
	require.NoError(t, err)
	assert.Equal(t, target, state.ConfirmedSeq)
}

func TestCoordinator_TransportLossInterruptsSession(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()
	store := &flakyStore{inner: newTestStore(t), failPuts: 100}

	target := commitPages(t, v, 0x01)

	c := NewCoordinator(v, Options{Store: store, Logger: testLogger(), RetryMaxAttempts: 1})
	err := c.Push(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsTransportFailure(err))

	// The session is durably interrupted, not discarded.
	assert.Equal(t, core.StateInterruptedPush, v.State())
	rec := v.Session()
	require.NotNil(t, rec)
	assert.Equal(t, core.SessionInterrupted, rec.Status)
	assert.Equal(t, target, rec.TargetSeq)

	// The session's chunks are locally durable, so its frames may be
	// checkpointed even while the push is interrupted.
	require.NoError(t, v.Checkpoint(0))
	assert.Equal(t, target, v.DB().PageFile().CheckpointSeq())
}

func TestCoordinator_ResumeCompletesInterruptedPush(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()
	backing := newTestStore(t)
	ctx := context.Background()

	target := commitPages(t, v, 0x01, 0x02)

	// First attempt loses every chunk transmission.
	c := NewCoordinator(v, Options{Store: &flakyStore{inner: backing, failPuts: 100}, Logger: testLogger(), RetryMaxAttempts: 1})
	require.Error(t, c.Push(ctx))
	require.Equal(t, core.StateInterruptedPush, v.State())
	sessionID := v.Session().SessionID

	// The next push resumes the same session instead of recapturing.
	c = NewCoordinator(v, Options{Store: backing, Logger: testLogger()})
	require.NoError(t, c.Push(ctx))

	assert.Equal(t, core.StateClean, v.State())
	assert.Equal(t, target, v.ConfirmedSeq())

	state, err := backing.State(ctx, v.ID())
	require.NoError(t, err)
	assert.Equal(t, sessionID, state.LastSessionID)
	assert.Equal(t, target, state.ConfirmedSeq)
}

func TestCoordinator_ResumeSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	v := openTestVolume(t, dir)
	backing := newTestStore(t)
	ctx := context.Background()

	target := commitPages(t, v, 0x01)

	c := NewCoordinator(v, Options{Store: &flakyStore{inner: backing, failPuts: 100}, Logger: testLogger(), RetryMaxAttempts: 1})
	require.Error(t, c.Push(ctx))
	require.NoError(t, v.Close())

	// A new process finds the session on disk and finishes it.
	v = openTestVolume(t, dir)
	defer v.Close()
	require.Equal(t, core.StateInterruptedPush, v.State())

	c = NewCoordinator(v, Options{Store: backing, Logger: testLogger()})
	require.NoError(t, c.Push(ctx))
	assert.Equal(t, core.StateClean, v.State())
	assert.Equal(t, target, v.ConfirmedSeq())
}

func TestCoordinator_ResumeAfterConfirmAckLost(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()
	backing := newTestStore(t)
	ctx := context.Background()

	target := commitPages(t, v, 0x01)

	// The store applies the confirm but the acknowledgement never arrives.
	c := NewCoordinator(v, Options{Store: &flakyStore{inner: backing, dropConfirmAck: true}, Logger: testLogger(), RetryMaxAttempts: 1})
	err := c.Push(ctx)
	require.Error(t, err)
	require.Equal(t, core.StateInterruptedPush, v.State())

	// Resume discovers the session already confirmed and only catches the
	// local records up. No second confirm is issued.
	counting := &flakyStore{inner: backing}
	c = NewCoordinator(v, Options{Store: counting, Logger: testLogger()})
	require.NoError(t, c.Push(ctx))

	assert.Equal(t, core.StateClean, v.State())
	assert.Equal(t, target, v.ConfirmedSeq())
	assert.Equal(t, 0, counting.confirms)
	assert.Equal(t, 0, counting.puts)
}

func TestCoordinator_PushWhileOwnedRejected(t *testing.T) {
	v := openTestVolume(t, t.TempDir())
	defer v.Close()

	seq := commitPages(t, v, 0x01)
	require.NoError(t, v.BeginSession(&volume.SessionRecord{
		SessionID: uuid.New(),
		TargetSeq: seq,
		Status:    core.SessionActive,
	}))

	c := NewCoordinator(v, Options{Store: newTestStore(t), Logger: testLogger()})
	require.Error(t, c.Push(context.Background()))
}
