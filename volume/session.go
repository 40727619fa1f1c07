package volume

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/INLOpen/nexusvolume/core"
)

// SessionFileName is the durable push session record. Its presence on disk
// is what distinguishes an interrupted push from a clean or dirty volume.
const SessionFileName = "push_session.bin"

// ChunkRef names one chunk a session intends to transmit, with the commit
// boundary it completes and whether the store has acknowledged it yet.
type ChunkRef struct {
	Address   core.ChunkAddress
	CommitSeq uint64
	Acked     bool
}

// SessionRecord is the durable record of one push session. It is written
// before any chunk leaves the machine, updated as acknowledgements arrive,
// and removed only after the store confirms the whole session.
type SessionRecord struct {
	SessionID uuid.UUID
	// BaseSeq is the confirmed boundary the session builds on.
	BaseSeq uint64
	// TargetSeq is the commit boundary the session will confirm.
	TargetSeq uint64
	// TargetChecksum is the full-image checksum at TargetSeq.
	TargetChecksum [sha256.Size]byte
	Status         core.SessionStatus
	Chunks         []ChunkRef
}

// AllAcked reports whether every chunk in the session has been acknowledged.
func (r *SessionRecord) AllAcked() bool {
	for i := range r.Chunks {
		if !r.Chunks[i].Acked {
			return false
		}
	}
	return true
}

// WriteSession persists rec at path using write-then-rename.
func WriteSession(path string, rec *SessionRecord) error {
	var body bytes.Buffer
	body.Write(rec.SessionID[:])
	if err := binary.Write(&body, binary.LittleEndian, rec.BaseSeq); err != nil {
		return fmt.Errorf("failed to encode session base sequence: %w", err)
	}
	if err := binary.Write(&body, binary.LittleEndian, rec.TargetSeq); err != nil {
		return fmt.Errorf("failed to encode session target sequence: %w", err)
	}
	body.Write(rec.TargetChecksum[:])
	body.WriteByte(byte(rec.Status))
	if err := binary.Write(&body, binary.LittleEndian, uint32(len(rec.Chunks))); err != nil {
		return fmt.Errorf("failed to encode session chunk count: %w", err)
	}
	for i := range rec.Chunks {
		body.Write(rec.Chunks[i].Address[:])
		if err := binary.Write(&body, binary.LittleEndian, rec.Chunks[i].CommitSeq); err != nil {
			return fmt.Errorf("failed to encode chunk commit sequence: %w", err)
		}
		if rec.Chunks[i].Acked {
			body.WriteByte(1)
		} else {
			body.WriteByte(0)
		}
	}

	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}

	header := core.NewFileHeader(core.SessionMagic, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return fmt.Errorf("failed to write session header: %w", err)
	}
	if _, err := file.Write(body.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write session body: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, crc32.ChecksumIEEE(body.Bytes())); err != nil {
		file.Close()
		return fmt.Errorf("failed to write session checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync session file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename session file into place: %w", err)
	}
	return nil
}

// ReadSession loads the session record at path. A missing file returns
// found=false, meaning no push is in flight.
func ReadSession(path string) (*SessionRecord, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to open session file %s: %w", path, err)
	}
	defer file.Close()

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		return nil, false, fmt.Errorf("failed to read session header: %w", err)
	}
	if header.Magic != core.SessionMagic {
		return nil, false, fmt.Errorf("invalid magic number in session file %s: got %x, want %x", path, header.Magic, core.SessionMagic)
	}

	rest, err := io.ReadAll(file)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read session file %s: %w", path, err)
	}
	if len(rest) < 4 {
		return nil, false, fmt.Errorf("session file %s is truncated", path)
	}
	body, crcBytes := rest[:len(rest)-4], rest[len(rest)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(crcBytes) {
		return nil, false, fmt.Errorf("session file %s failed its stored checksum", path)
	}

	rec := &SessionRecord{}
	r := bytes.NewReader(body)
	if _, err := io.ReadFull(r, rec.SessionID[:]); err != nil {
		return nil, false, fmt.Errorf("failed to decode session id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.BaseSeq); err != nil {
		return nil, false, fmt.Errorf("failed to decode session base sequence: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.TargetSeq); err != nil {
		return nil, false, fmt.Errorf("failed to decode session target sequence: %w", err)
	}
	if _, err := io.ReadFull(r, rec.TargetChecksum[:]); err != nil {
		return nil, false, fmt.Errorf("failed to decode session checksum: %w", err)
	}
	status, err := r.ReadByte()
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode session status: %w", err)
	}
	rec.Status = core.SessionStatus(status)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, false, fmt.Errorf("failed to decode session chunk count: %w", err)
	}
	rec.Chunks = make([]ChunkRef, count)
	for i := range rec.Chunks {
		if _, err := io.ReadFull(r, rec.Chunks[i].Address[:]); err != nil {
			return nil, false, fmt.Errorf("failed to decode chunk address: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.Chunks[i].CommitSeq); err != nil {
			return nil, false, fmt.Errorf("failed to decode chunk commit sequence: %w", err)
		}
		acked, err := r.ReadByte()
		if err != nil {
			return nil, false, fmt.Errorf("failed to decode chunk ack flag: %w", err)
		}
		rec.Chunks[i].Acked = acked != 0
	}
	return rec, true, nil
}

// RemoveSession deletes the session record. Removing an already absent
// record is not an error, so completion is idempotent across a crash.
func RemoveSession(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file %s: %w", path, err)
	}
	return nil
}
