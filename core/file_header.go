package core

import (
	"encoding/binary"
	"time"
)

const FormatVersion uint8 = 1

const (
	// WALMagic identifies local WAL files.
	WALMagic uint32 = 0x4E56574C // "NVWL"
	// PageFileMagic identifies the local page file.
	PageFileMagic uint32 = 0x4E565047 // "NVPG"
	// ChunkMagic identifies stored chunk files.
	ChunkMagic uint32 = 0x4E56434B // "NVCK"
	// MetaMagic identifies the persisted volume meta record.
	MetaMagic uint32 = 0x4E564D54 // "NVMT"
	// SessionMagic identifies persisted push session records.
	SessionMagic uint32 = 0x4E565053 // "NVPS"
)

// FileHeader is a standard header for all persistent files owned by the core.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}
