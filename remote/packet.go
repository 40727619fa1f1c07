package remote

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"

	"github.com/INLOpen/nexusvolume/core"
)

// CommandType identifies one request or response frame on the wire.
type CommandType byte

const (
	CmdPutChunk CommandType = 1
	CmdHasChunk CommandType = 2
	CmdState    CommandType = 3
	CmdConfirm  CommandType = 4

	CmdResponse      CommandType = 100
	CmdHasResponse   CommandType = 101
	CmdStateResponse CommandType = 102
)

// StatusOp is the outcome carried in a response frame.
type StatusOp byte

const (
	StatusOK    StatusOp = 1
	StatusError StatusOp = 2
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// maxFramePayload bounds a single frame. Chunks are page-granular so this is
// generous.
const maxFramePayload = 64 << 20

// IPacket is implemented by every wire payload.
type IPacket interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// WriteFrame writes one frame: command type, payload length, payload, and a
// CRC-32C over the header and payload.
func WriteFrame(w io.Writer, cmdType CommandType, payload []byte) error {
	hasher := crc32.New(crc32cTable)
	multi := io.MultiWriter(w, hasher)

	if err := binary.Write(multi, binary.BigEndian, cmdType); err != nil {
		return fmt.Errorf("failed to write command type: %w", err)
	}
	if err := binary.Write(multi, binary.BigEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("failed to write payload length: %w", err)
	}
	if len(payload) > 0 {
		if _, err := multi.Write(payload); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
	}
	if err := binary.Write(w, binary.BigEndian, hasher.Sum32()); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and verifies its checksum.
func ReadFrame(r io.Reader) (CommandType, []byte, error) {
	var cmdType CommandType
	if err := binary.Read(r, binary.BigEndian, &cmdType); err != nil {
		return 0, nil, err
	}
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length > maxFramePayload {
		return 0, nil, fmt.Errorf("frame payload of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	var receivedChecksum uint32
	if err := binary.Read(r, binary.BigEndian, &receivedChecksum); err != nil {
		return 0, nil, err
	}

	hasher := crc32.New(crc32cTable)
	headerBytes := make([]byte, 5)
	headerBytes[0] = byte(cmdType)
	binary.BigEndian.PutUint32(headerBytes[1:5], length)
	hasher.Write(headerBytes)
	hasher.Write(payload)
	if hasher.Sum32() != receivedChecksum {
		return 0, nil, fmt.Errorf("frame checksum mismatch")
	}
	return cmdType, payload, nil
}

// PutChunkPacket submits one chunk to the store.
type PutChunkPacket struct {
	VolumeID uuid.UUID
	Address  core.ChunkAddress
	Payload  []byte
}

func (p *PutChunkPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(p.VolumeID[:])
	buf.Write(p.Address[:])
	lenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBytes, uint32(len(p.Payload)))
	buf.Write(lenBytes)
	buf.Write(p.Payload)
	return buf.Bytes(), nil
}

func (p *PutChunkPacket) UnmarshalBinary(data []byte) error {
	fixed := len(p.VolumeID) + len(p.Address) + 4
	if len(data) < fixed {
		return fmt.Errorf("put chunk packet too short: got %d bytes, want at least %d", len(data), fixed)
	}
	offset := 0
	copy(p.VolumeID[:], data[offset:offset+16])
	offset += 16
	copy(p.Address[:], data[offset:offset+len(p.Address)])
	offset += len(p.Address)
	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+payloadLen {
		return fmt.Errorf("put chunk packet too short for payload: got %d bytes, want %d", len(data), offset+payloadLen)
	}
	p.Payload = append([]byte(nil), data[offset:offset+payloadLen]...)
	return nil
}

// HasChunkPacket asks whether the store already holds an address.
type HasChunkPacket struct {
	VolumeID uuid.UUID
	Address  core.ChunkAddress
}

func (p *HasChunkPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(p.VolumeID[:])
	buf.Write(p.Address[:])
	return buf.Bytes(), nil
}

func (p *HasChunkPacket) UnmarshalBinary(data []byte) error {
	want := len(p.VolumeID) + len(p.Address)
	if len(data) != want {
		return fmt.Errorf("has chunk packet has %d bytes, want %d", len(data), want)
	}
	copy(p.VolumeID[:], data[:16])
	copy(p.Address[:], data[16:])
	return nil
}

// StatePacket asks for the store's view of a volume.
type StatePacket struct {
	VolumeID uuid.UUID
}

func (p *StatePacket) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), p.VolumeID[:]...), nil
}

func (p *StatePacket) UnmarshalBinary(data []byte) error {
	if len(data) != len(p.VolumeID) {
		return fmt.Errorf("state packet has %d bytes, want %d", len(data), len(p.VolumeID))
	}
	copy(p.VolumeID[:], data)
	return nil
}

// ConfirmPacket atomically advances a volume to a new confirmed boundary.
type ConfirmPacket struct {
	VolumeID  uuid.UUID
	SessionID uuid.UUID
	TargetSeq uint64
	Checksum  [sha256.Size]byte
	Chunks    []core.ChunkAddress
}

func (p *ConfirmPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(p.VolumeID[:])
	buf.Write(p.SessionID[:])
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, p.TargetSeq)
	buf.Write(seqBytes)
	buf.Write(p.Checksum[:])
	countBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(countBytes, uint32(len(p.Chunks)))
	buf.Write(countBytes)
	for i := range p.Chunks {
		buf.Write(p.Chunks[i][:])
	}
	return buf.Bytes(), nil
}

func (p *ConfirmPacket) UnmarshalBinary(data []byte) error {
	fixed := 16 + 16 + 8 + sha256.Size + 4
	if len(data) < fixed {
		return fmt.Errorf("confirm packet too short: got %d bytes, want at least %d", len(data), fixed)
	}
	offset := 0
	copy(p.VolumeID[:], data[offset:offset+16])
	offset += 16
	copy(p.SessionID[:], data[offset:offset+16])
	offset += 16
	p.TargetSeq = binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8
	copy(p.Checksum[:], data[offset:offset+sha256.Size])
	offset += sha256.Size
	count := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) != offset+count*sha256.Size {
		return fmt.Errorf("confirm packet has %d bytes, want %d for %d chunks", len(data), offset+count*sha256.Size, count)
	}
	p.Chunks = make([]core.ChunkAddress, count)
	for i := range p.Chunks {
		copy(p.Chunks[i][:], data[offset:offset+sha256.Size])
		offset += sha256.Size
	}
	return nil
}

// ResponsePacket is the generic outcome for put and confirm requests.
type ResponsePacket struct {
	Status  StatusOp
	Message string
}

func (p *ResponsePacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(p.Status))
	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, uint16(len(p.Message)))
	buf.Write(lenBytes)
	buf.WriteString(p.Message)
	return buf.Bytes(), nil
}

func (p *ResponsePacket) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("response packet too short: got %d bytes, want at least 3", len(data))
	}
	p.Status = StatusOp(data[0])
	messageLen := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) < 3+messageLen {
		return fmt.Errorf("response packet too short for message: got %d bytes, want %d", len(data), 3+messageLen)
	}
	p.Message = string(data[3 : 3+messageLen])
	return nil
}

// HasResponsePacket answers a HasChunkPacket.
type HasResponsePacket struct {
	Status StatusOp
	Exists bool
}

func (p *HasResponsePacket) MarshalBinary() ([]byte, error) {
	out := []byte{byte(p.Status), 0}
	if p.Exists {
		out[1] = 1
	}
	return out, nil
}

func (p *HasResponsePacket) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return fmt.Errorf("has response packet has %d bytes, want 2", len(data))
	}
	p.Status = StatusOp(data[0])
	p.Exists = data[1] != 0
	return nil
}

// StateResponsePacket answers a StatePacket.
type StateResponsePacket struct {
	Status        StatusOp
	Known         bool
	ConfirmedSeq  uint64
	Checksum      [sha256.Size]byte
	LastSessionID uuid.UUID
}

func (p *StateResponsePacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(p.Status))
	if p.Known {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, p.ConfirmedSeq)
	buf.Write(seqBytes)
	buf.Write(p.Checksum[:])
	buf.Write(p.LastSessionID[:])
	return buf.Bytes(), nil
}

func (p *StateResponsePacket) UnmarshalBinary(data []byte) error {
	want := 1 + 1 + 8 + sha256.Size + 16
	if len(data) != want {
		return fmt.Errorf("state response packet has %d bytes, want %d", len(data), want)
	}
	offset := 0
	p.Status = StatusOp(data[offset])
	offset++
	p.Known = data[offset] != 0
	offset++
	p.ConfirmedSeq = binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8
	copy(p.Checksum[:], data[offset:offset+sha256.Size])
	offset += sha256.Size
	copy(p.LastSessionID[:], data[offset:])
	return nil
}
