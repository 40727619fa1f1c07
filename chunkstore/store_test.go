package chunkstore

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/compressors"
	"github.com/INLOpen/nexusvolume/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, compressor core.Compressor) *Store {
	t.Helper()
	s, err := Open(Options{
		Dir:        t.TempDir(),
		Compressor: compressor,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name       string
		compressor core.Compressor
	}{
		{"None", &compressors.NoCompressionCompressor{}},
		{"Snappy", &compressors.SnappyCompressor{}},
		{"LZ4", &compressors.LZ4Compressor{}},
		{"ZSTD", compressors.NewZstdCompressor()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := openTestStore(t, tc.compressor)

			payload := bytes.Repeat([]byte("volume page data "), 100)
			addr, err := s.Put(payload)
			require.NoError(t, err)
			assert.Equal(t, core.AddressOf(payload), addr)

			got, err := s.Get(addr)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestStore_PutIsIdempotent(t *testing.T) {
	s := openTestStore(t, nil)

	payload := []byte("identical content")
	addr1, err := s.Put(payload)
	require.NoError(t, err)
	addr2, err := s.Put(payload)
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)

	addrs, err := s.Addresses()
	require.NoError(t, err)
	assert.Len(t, addrs, 1)
}

func TestStore_GetUnknownAddress(t *testing.T) {
	s := openTestStore(t, nil)

	_, err := s.Get(core.AddressOf([]byte("never stored")))
	require.ErrorIs(t, err, core.ErrChunkNotFound)
}

func TestStore_Has(t *testing.T) {
	s := openTestStore(t, nil)

	addr, err := s.Put([]byte("stored"))
	require.NoError(t, err)

	ok, err := s.Has(addr)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Has(core.AddressOf([]byte("absent")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ReopenSeesExistingChunks(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, Logger: testLogger()})
	require.NoError(t, err)

	payload := []byte("survives reopen")
	addr, err := s.Put(payload)
	require.NoError(t, err)

	s, err = Open(Options{Dir: dir, Logger: testLogger()})
	require.NoError(t, err)
	got, err := s.Get(addr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	addrs, err := s.Addresses()
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, addr, addrs[0])
}

func TestStore_GetDecompressesWithRecordedCompressor(t *testing.T) {
	// Write with zstd, read through a store configured for snappy. The
	// chunk header records the compressor, so reads must not depend on the
	// store's current setting.
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, Compressor: compressors.NewZstdCompressor(), Logger: testLogger()})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("abc"), 500)
	addr, err := s.Put(payload)
	require.NoError(t, err)

	s, err = Open(Options{Dir: dir, Compressor: &compressors.SnappyCompressor{}, Logger: testLogger()})
	require.NoError(t, err)
	got, err := s.Get(addr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
