package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
)

func frame(seq uint64, pageNo uint32, commit bool, size int) core.Frame {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(seq)
	}
	return core.Frame{PageNo: pageNo, SeqNum: seq, Commit: commit, Data: data}
}

func TestEncodeDecodeFrames(t *testing.T) {
	frames := []core.Frame{
		frame(1, 3, false, 64),
		frame(2, 7, true, 64),
	}

	payload := EncodeFrames(frames)
	got, err := DecodeFrames(payload)
	require.NoError(t, err)
	assert.Equal(t, frames, got)
}

func TestDecodeFrames_TrailingBytes(t *testing.T) {
	payload := EncodeFrames([]core.Frame{frame(1, 1, true, 8)})
	payload = append(payload, 0xFF)

	_, err := DecodeFrames(payload)
	require.Error(t, err)
}

func TestBuildChunks_SingleChunk(t *testing.T) {
	frames := []core.Frame{
		frame(1, 1, false, 32),
		frame(2, 2, true, 32),
		frame(3, 1, true, 32),
	}

	chunks, err := BuildChunks(frames, DefaultMaxChunkBytes)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uint64(3), chunks[0].CommitSeq)
	assert.Equal(t, core.AddressOf(chunks[0].Payload), chunks[0].Address)

	decoded, err := DecodeFrames(chunks[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, frames, decoded)
}

func TestBuildChunks_SplitsOnCommitBoundaries(t *testing.T) {
	// Two frames per transaction, 64 bytes of data each. With a 100 byte
	// target every transaction fills a chunk of its own, but the split must
	// land on the commit frame, never inside a transaction.
	frames := []core.Frame{
		frame(1, 1, false, 64),
		frame(2, 2, true, 64),
		frame(3, 1, false, 64),
		frame(4, 3, true, 64),
		frame(5, 2, true, 64),
	}

	chunks, err := BuildChunks(frames, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, uint64(2), chunks[0].CommitSeq)
	assert.Equal(t, uint64(4), chunks[1].CommitSeq)
	assert.Equal(t, uint64(5), chunks[2].CommitSeq)

	var total []core.Frame
	for _, c := range chunks {
		decoded, err := DecodeFrames(c.Payload)
		require.NoError(t, err)
		assert.True(t, decoded[len(decoded)-1].Commit)
		total = append(total, decoded...)
	}
	assert.Equal(t, frames, total)
}

func TestBuildChunks_SmallTransactionsShareAChunk(t *testing.T) {
	frames := []core.Frame{
		frame(1, 1, true, 8),
		frame(2, 2, true, 8),
		frame(3, 3, true, 8),
	}

	chunks, err := BuildChunks(frames, 1<<20)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uint64(3), chunks[0].CommitSeq)
}

func TestBuildChunks_RejectsOpenTransaction(t *testing.T) {
	frames := []core.Frame{
		frame(1, 1, true, 8),
		frame(2, 2, false, 8),
	}

	_, err := BuildChunks(frames, 1<<20)
	require.Error(t, err)
}

func TestBuildChunks_Empty(t *testing.T) {
	chunks, err := BuildChunks(nil, 1<<20)
	require.NoError(t, err)
	assert.Nil(t, chunks)
}
