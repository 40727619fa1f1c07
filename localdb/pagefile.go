// Package localdb models the local single-writer database: a paged main file
// plus the frame-structured WAL, with the checkpoint operation that folds
// committed frames into the main file and truncates the log.
package localdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/INLOpen/nexusvolume/core"
)

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize = 4096

// pageFileHeaderSize is the standard file header plus the page size (4) and
// the checkpointed-through sequence (8).
func pageFileHeaderSize() int64 {
	return int64(binary.Size(core.FileHeader{})) + 4 + core.SeqNumSize
}

// checkpointSeqOffset is the fixed offset of the checkpointed-through
// sequence inside the page file header.
func checkpointSeqOffset() int64 {
	return int64(binary.Size(core.FileHeader{})) + 4
}

// PageFile is the paged main database file. Page n (1-based) lives at a fixed
// offset, and the header records the highest WAL sequence whose frames have
// been applied.
type PageFile struct {
	path string
	mu   sync.Mutex

	file          *os.File
	pageSize      uint32
	pageCount     uint32
	checkpointSeq uint64
}

// OpenPageFile creates or opens the page file at path.
func OpenPageFile(path string, pageSize uint32) (*PageFile, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open page file %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat page file %s: %w", path, err)
	}

	pf := &PageFile{path: path, file: file, pageSize: pageSize}

	if stat.Size() == 0 {
		header := core.NewFileHeader(core.PageFileMagic, core.CompressionNone)
		if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write page file header: %w", err)
		}
		if err := binary.Write(file, binary.LittleEndian, pageSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write page size: %w", err)
		}
		if err := binary.Write(file, binary.LittleEndian, uint64(0)); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write checkpoint sequence: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to sync new page file: %w", err)
		}
		return pf, nil
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read page file header: %w", err)
	}
	if header.Magic != core.PageFileMagic {
		file.Close()
		return nil, fmt.Errorf("invalid magic number in page file %s: got %x, want %x", path, header.Magic, core.PageFileMagic)
	}
	var storedPageSize uint32
	if err := binary.Read(file, binary.LittleEndian, &storedPageSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read page size: %w", err)
	}
	if storedPageSize != pageSize {
		file.Close()
		return nil, fmt.Errorf("page size mismatch in %s: file has %d, configured %d", path, storedPageSize, pageSize)
	}
	if err := binary.Read(file, binary.LittleEndian, &pf.checkpointSeq); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read checkpoint sequence: %w", err)
	}

	dataSize := stat.Size() - pageFileHeaderSize()
	if dataSize < 0 || dataSize%int64(pageSize) != 0 {
		file.Close()
		return nil, fmt.Errorf("page file %s has unaligned data region of %d bytes", path, dataSize)
	}
	pf.pageCount = uint32(dataSize / int64(pageSize))
	return pf, nil
}

// PageSize returns the configured page size.
func (pf *PageFile) PageSize() uint32 {
	return pf.pageSize
}

// PageCount returns the number of pages currently materialized.
func (pf *PageFile) PageCount() uint32 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.pageCount
}

// CheckpointSeq returns the highest WAL sequence applied to the main file.
func (pf *PageFile) CheckpointSeq() uint64 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.checkpointSeq
}

// WritePage stores one full page image at its fixed offset, growing the file
// as needed.
func (pf *PageFile) WritePage(pageNo uint32, data []byte) error {
	if pageNo == 0 {
		return fmt.Errorf("page numbers are 1-based")
	}
	if uint32(len(data)) != pf.pageSize {
		return fmt.Errorf("page %d write has %d bytes, want %d", pageNo, len(data), pf.pageSize)
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.file == nil {
		return os.ErrClosed
	}

	offset := pageFileHeaderSize() + int64(pageNo-1)*int64(pf.pageSize)
	if _, err := pf.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write page %d: %w", pageNo, err)
	}
	if pageNo > pf.pageCount {
		pf.pageCount = pageNo
	}
	return nil
}

// ReadPage returns the image of pageNo. A page beyond the end of the file
// reads as all zeroes, matching a never-written page.
func (pf *PageFile) ReadPage(pageNo uint32) ([]byte, error) {
	if pageNo == 0 {
		return nil, fmt.Errorf("page numbers are 1-based")
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.file == nil {
		return nil, os.ErrClosed
	}

	data := make([]byte, pf.pageSize)
	if pageNo > pf.pageCount {
		return data, nil
	}
	offset := pageFileHeaderSize() + int64(pageNo-1)*int64(pf.pageSize)
	if _, err := pf.file.ReadAt(data, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read page %d: %w", pageNo, err)
	}
	return data, nil
}

// SetCheckpointSeq persists the applied-through sequence in the header.
func (pf *PageFile) SetCheckpointSeq(seq uint64) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.file == nil {
		return os.ErrClosed
	}

	var buf [core.SeqNumSize]byte
	binary.LittleEndian.PutUint64(buf[:], seq)
	if _, err := pf.file.WriteAt(buf[:], checkpointSeqOffset()); err != nil {
		return fmt.Errorf("failed to persist checkpoint sequence: %w", err)
	}
	pf.checkpointSeq = seq
	return nil
}

// Sync flushes the page file to stable storage.
func (pf *PageFile) Sync() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.file == nil {
		return os.ErrClosed
	}
	return pf.file.Sync()
}

// Close closes the page file.
func (pf *PageFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.file == nil {
		return nil
	}
	err := pf.file.Close()
	pf.file = nil
	return err
}

// Path returns the page file path.
func (pf *PageFile) Path() string {
	return pf.path
}
