package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileStore_PutHasGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	volumeID := uuid.New()
	payload := []byte("chunk payload")
	addr := core.AddressOf(payload)

	ok, err := store.HasChunk(ctx, volumeID, addr)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.PutChunk(ctx, volumeID, addr, payload))
	require.NoError(t, store.PutChunk(ctx, volumeID, addr, payload)) // Idempotent.

	ok, err = store.HasChunk(ctx, volumeID, addr)
	require.NoError(t, err)
	assert.True(t, ok)

	// Chunks are namespaced per volume.
	ok, err = store.HasChunk(ctx, uuid.New(), addr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_PutRejectsMismatchedAddress(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer store.Close()

	err = store.PutChunk(context.Background(), uuid.New(), core.AddressOf([]byte("other")), []byte("payload"))
	require.Error(t, err)
}

func TestFileStore_Confirm(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root, testLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	volumeID := uuid.New()
	sessionID := uuid.New()
	payload := []byte("confirmed chunk")
	addr := core.AddressOf(payload)
	checksum := sha256.Sum256([]byte("image at seq 10"))

	state, err := store.State(ctx, volumeID)
	require.NoError(t, err)
	assert.False(t, state.Known)

	// Confirm referencing a chunk the store does not hold is refused.
	err = store.Confirm(ctx, volumeID, sessionID, 10, checksum, []core.ChunkAddress{addr})
	require.ErrorIs(t, err, core.ErrChunkNotFound)

	require.NoError(t, store.PutChunk(ctx, volumeID, addr, payload))
	require.NoError(t, store.Confirm(ctx, volumeID, sessionID, 10, checksum, []core.ChunkAddress{addr}))

	state, err = store.State(ctx, volumeID)
	require.NoError(t, err)
	assert.True(t, state.Known)
	assert.Equal(t, uint64(10), state.ConfirmedSeq)
	assert.Equal(t, checksum, state.ConfirmedChecksum)
	assert.Equal(t, sessionID, state.LastSessionID)

	// A retry from the same session is a no-op, not a regression.
	require.NoError(t, store.Confirm(ctx, volumeID, sessionID, 10, checksum, []core.ChunkAddress{addr}))

	// A different session may not move the volume backwards.
	err = store.Confirm(ctx, volumeID, uuid.New(), 5, checksum, nil)
	require.Error(t, err)

	// State survives a store restart.
	store2, err := NewFileStore(root, testLogger())
	require.NoError(t, err)
	defer store2.Close()
	state, err = store2.State(ctx, volumeID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), state.ConfirmedSeq)
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("frame payload")
	require.NoError(t, WriteFrame(&buf, CmdPutChunk, payload))

	cmdType, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, CmdPutChunk, cmdType)
	assert.Equal(t, payload, got)
}

func TestFrame_CorruptPayloadDetected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, CmdState, []byte("frame payload")))

	raw := buf.Bytes()
	raw[7] ^= 0xFF // Inside the payload, after type byte and length.

	_, _, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
}

func startTestServer(t *testing.T) (*Client, VolumeStore) {
	t.Helper()
	backing, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(backing, testLogger())
	go srv.Start(lis)
	<-srv.Ready()
	t.Cleanup(srv.Stop)

	client := NewClient(lis.Addr().String(), time.Second, testLogger())
	t.Cleanup(func() { client.Close() })
	return client, backing
}

func TestClientServer_EndToEnd(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	volumeID := uuid.New()
	sessionID := uuid.New()
	payload := bytes.Repeat([]byte("wire chunk "), 50)
	addr := core.AddressOf(payload)
	checksum := sha256.Sum256([]byte("image"))

	state, err := client.State(ctx, volumeID)
	require.NoError(t, err)
	assert.False(t, state.Known)

	ok, err := client.HasChunk(ctx, volumeID, addr)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.PutChunk(ctx, volumeID, addr, payload))

	ok, err = client.HasChunk(ctx, volumeID, addr)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, client.Confirm(ctx, volumeID, sessionID, 7, checksum, []core.ChunkAddress{addr}))

	state, err = client.State(ctx, volumeID)
	require.NoError(t, err)
	assert.True(t, state.Known)
	assert.Equal(t, uint64(7), state.ConfirmedSeq)
	assert.Equal(t, checksum, state.ConfirmedChecksum)
	assert.Equal(t, sessionID, state.LastSessionID)
}

func TestClientServer_StoreRejectionIsNotTransport(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	// Mismatched payload hash is rejected by the store, not by the wire.
	err := client.PutChunk(ctx, uuid.New(), core.AddressOf([]byte("other")), []byte("payload"))
	require.Error(t, err)
	assert.False(t, core.IsTransportFailure(err))
}

func TestClient_DeadAddressIsTransportFailure(t *testing.T) {
	// A listener that is immediately closed guarantees a refused port.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	client := NewClient(addr, 500*time.Millisecond, testLogger())
	defer client.Close()

	err = client.PutChunk(context.Background(), uuid.New(), core.AddressOf([]byte("x")), []byte("x"))
	require.Error(t, err)
	assert.True(t, core.IsTransportFailure(err))
}

func TestClient_ReconnectsAfterServerRestart(t *testing.T) {
	backing, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	srv := NewServer(backing, testLogger())
	go srv.Start(lis)
	<-srv.Ready()

	client := NewClient(addr, time.Second, testLogger())
	defer client.Close()

	ctx := context.Background()
	volumeID := uuid.New()
	_, err = client.State(ctx, volumeID)
	require.NoError(t, err)

	srv.Stop()

	// The first call after the outage fails as a transport error and drops
	// the connection.
	_, err = client.State(ctx, volumeID)
	require.Error(t, err)
	assert.True(t, core.IsTransportFailure(err))

	lis2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	srv2 := NewServer(backing, testLogger())
	go srv2.Start(lis2)
	<-srv2.Ready()
	defer srv2.Stop()

	// The next call redials.
	state, err := client.State(ctx, volumeID)
	require.NoError(t, err)
	assert.False(t, state.Known)
}
