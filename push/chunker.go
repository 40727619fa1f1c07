// Package push captures committed WAL frames into content-addressed chunks
// and drives them to the volume store: barrier, capture, transmit, atomic
// confirm. A session survives process restarts through its durable record.
package push

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/nexusvolume/core"
)

// DefaultMaxChunkBytes is the target chunk payload size before splitting at
// the next commit boundary.
const DefaultMaxChunkBytes = 1 << 20

// EncodeFrames serializes frames into a chunk payload. The encoding is
// self-delimiting so a chunk can be decoded without outside context.
func EncodeFrames(frames []core.Frame) []byte {
	var buf bytes.Buffer
	scratch := make([]byte, core.SeqNumSize)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(frames)))
	buf.Write(scratch[:4])
	for i := range frames {
		binary.LittleEndian.PutUint32(scratch[:4], frames[i].PageNo)
		buf.Write(scratch[:4])
		binary.LittleEndian.PutUint64(scratch, frames[i].SeqNum)
		buf.Write(scratch)
		if frames[i].Commit {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(frames[i].Data)))
		buf.Write(scratch[:4])
		buf.Write(frames[i].Data)
	}
	return buf.Bytes()
}

// DecodeFrames reverses EncodeFrames.
func DecodeFrames(payload []byte) ([]core.Frame, error) {
	r := bytes.NewReader(payload)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to decode frame count: %w", err)
	}
	frames := make([]core.Frame, count)
	for i := range frames {
		if err := binary.Read(r, binary.LittleEndian, &frames[i].PageNo); err != nil {
			return nil, fmt.Errorf("failed to decode frame page number: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &frames[i].SeqNum); err != nil {
			return nil, fmt.Errorf("failed to decode frame sequence: %w", err)
		}
		commit, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame commit flag: %w", err)
		}
		frames[i].Commit = commit != 0
		var dataLen uint32
		if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
			return nil, fmt.Errorf("failed to decode frame data length: %w", err)
		}
		frames[i].Data = make([]byte, dataLen)
		if _, err := io.ReadFull(r, frames[i].Data); err != nil {
			return nil, fmt.Errorf("failed to decode frame data: %w", err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("chunk payload has %d trailing bytes", r.Len())
	}
	return frames, nil
}

// BuildChunks groups committed frames into chunks. A chunk closes at the
// first commit boundary at or past maxBytes of frame data, so no chunk ever
// splits a transaction. Frames must end on a commit boundary.
func BuildChunks(frames []core.Frame, maxBytes int) ([]core.Chunk, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	if !frames[len(frames)-1].Commit {
		return nil, fmt.Errorf("frame run ends mid-transaction at seq %d", frames[len(frames)-1].SeqNum)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}

	var chunks []core.Chunk
	start := 0
	size := 0
	for i := range frames {
		size += len(frames[i].Data)
		if !frames[i].Commit || size < maxBytes && i < len(frames)-1 {
			continue
		}
		payload := EncodeFrames(frames[start : i+1])
		chunks = append(chunks, core.Chunk{
			Address:   core.AddressOf(payload),
			Payload:   payload,
			CommitSeq: frames[i].SeqNum,
		})
		start = i + 1
		size = 0
	}
	return chunks, nil
}
