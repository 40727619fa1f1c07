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

// MetaFileName is the durable volume metadata file kept next to the data.
const MetaFileName = "volume_meta.bin"

// Meta is the durable record of what the volume store has confirmed. It only
// changes on an atomic confirm, so after a crash it always describes a state
// the store actually reached.
type Meta struct {
	VolumeID          uuid.UUID
	ConfirmedSeq      uint64
	ConfirmedChecksum [sha256.Size]byte
}

// WriteMeta persists m at path using write-then-rename, so the file on disk
// is always either the previous record or the new one, never a mix.
func WriteMeta(path string, m Meta) error {
	var body bytes.Buffer
	body.Write(m.VolumeID[:])
	if err := binary.Write(&body, binary.LittleEndian, m.ConfirmedSeq); err != nil {
		return fmt.Errorf("failed to encode confirmed sequence: %w", err)
	}
	body.Write(m.ConfirmedChecksum[:])

	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp meta file: %w", err)
	}

	header := core.NewFileHeader(core.MetaMagic, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return fmt.Errorf("failed to write meta header: %w", err)
	}
	if _, err := file.Write(body.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write meta body: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, crc32.ChecksumIEEE(body.Bytes())); err != nil {
		file.Close()
		return fmt.Errorf("failed to write meta checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync meta file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close meta file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename meta file into place: %w", err)
	}
	return nil
}

// ReadMeta loads the metadata record at path. A missing file returns
// found=false with a zero Meta, which is the state of a volume that has
// never confirmed anything.
func ReadMeta(path string) (Meta, bool, error) {
	var m Meta

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, false, nil
		}
		return m, false, fmt.Errorf("failed to open meta file %s: %w", path, err)
	}
	defer file.Close()

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		return m, false, fmt.Errorf("failed to read meta header: %w", err)
	}
	if header.Magic != core.MetaMagic {
		return m, false, fmt.Errorf("invalid magic number in meta file %s: got %x, want %x", path, header.Magic, core.MetaMagic)
	}

	body := make([]byte, len(m.VolumeID)+core.SeqNumSize+len(m.ConfirmedChecksum))
	if _, err := io.ReadFull(file, body); err != nil {
		return m, false, fmt.Errorf("failed to read meta body: %w", err)
	}
	var storedCRC uint32
	if err := binary.Read(file, binary.LittleEndian, &storedCRC); err != nil {
		return m, false, fmt.Errorf("failed to read meta checksum: %w", err)
	}
	if crc32.ChecksumIEEE(body) != storedCRC {
		return m, false, fmt.Errorf("meta file %s failed its stored checksum", path)
	}

	copy(m.VolumeID[:], body[:16])
	m.ConfirmedSeq = binary.LittleEndian.Uint64(body[16 : 16+core.SeqNumSize])
	copy(m.ConfirmedChecksum[:], body[16+core.SeqNumSize:])
	return m, true, nil
}
