// Package chunkstore provides durable, content-addressed storage for captured
// chunks. Addresses are SHA-256 digests of the uncompressed payload; files
// are immutable once written, which makes re-submission a cheap no-op.
package chunkstore

import (
	"encoding/binary"
	"expvar"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/INLOpen/nexusvolume/compressors"
	"github.com/INLOpen/nexusvolume/core"
)

const chunkFileSuffix = ".chunk"

// Options holds configuration for the chunk store.
type Options struct {
	Dir        string
	Compressor core.Compressor
	Logger     *slog.Logger

	ChunksWritten *expvar.Int
	BytesWritten  *expvar.Int
}

// Store is a directory of content-addressed chunk files.
type Store struct {
	dir        string
	compressor core.Compressor
	logger     *slog.Logger

	metricsChunksWritten *expvar.Int
	metricsBytesWritten  *expvar.Int
}

// Open creates or opens a chunk store directory.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Compressor == nil {
		opts.Compressor = &compressors.NoCompressionCompressor{}
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk store directory %s: %w", opts.Dir, err)
	}
	return &Store{
		dir:                  opts.Dir,
		compressor:           opts.Compressor,
		logger:               opts.Logger.With("component", "ChunkStore"),
		metricsChunksWritten: opts.ChunksWritten,
		metricsBytesWritten:  opts.BytesWritten,
	}, nil
}

func (s *Store) chunkPath(addr core.ChunkAddress) string {
	return filepath.Join(s.dir, addr.String()+chunkFileSuffix)
}

// Put durably stores payload and returns its content address. Storing the
// same bytes twice returns the same address without rewriting anything.
// The file is written to a temp name, fsynced, and renamed into place, so a
// chunk file either exists completely or not at all.
func (s *Store) Put(payload []byte) (core.ChunkAddress, error) {
	addr := core.AddressOf(payload)
	finalPath := s.chunkPath(addr)

	if _, err := os.Stat(finalPath); err == nil {
		return addr, nil // Identical content already stored.
	} else if !os.IsNotExist(err) {
		return core.ChunkAddress{}, fmt.Errorf("failed to stat chunk %s: %w", addr, err)
	}

	compressed, err := s.compressor.Compress(payload)
	if err != nil {
		return core.ChunkAddress{}, fmt.Errorf("failed to compress chunk %s: %w", addr, err)
	}

	tempPath := finalPath + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return core.ChunkAddress{}, fmt.Errorf("failed to create temp chunk file: %w", err)
	}

	header := core.NewFileHeader(core.ChunkMagic, s.compressor.Type())
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return core.ChunkAddress{}, fmt.Errorf("failed to write chunk header: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(len(compressed))); err != nil {
		file.Close()
		return core.ChunkAddress{}, fmt.Errorf("failed to write chunk length: %w", err)
	}
	if _, err := file.Write(compressed); err != nil {
		file.Close()
		return core.ChunkAddress{}, fmt.Errorf("failed to write chunk data: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, crc32.ChecksumIEEE(compressed)); err != nil {
		file.Close()
		return core.ChunkAddress{}, fmt.Errorf("failed to write chunk checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return core.ChunkAddress{}, fmt.Errorf("failed to sync chunk file: %w", err)
	}
	if err := file.Close(); err != nil {
		return core.ChunkAddress{}, fmt.Errorf("failed to close chunk file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return core.ChunkAddress{}, fmt.Errorf("failed to rename chunk file into place: %w", err)
	}

	if s.metricsChunksWritten != nil {
		s.metricsChunksWritten.Add(1)
	}
	if s.metricsBytesWritten != nil {
		s.metricsBytesWritten.Add(int64(len(compressed)))
	}
	s.logger.Debug("Stored chunk", "address", addr, "payload_bytes", len(payload), "stored_bytes", len(compressed))
	return addr, nil
}

// Get returns the payload stored at addr, byte-identical to what was put.
// It returns core.ErrChunkNotFound for an unknown address.
func (s *Store) Get(addr core.ChunkAddress) ([]byte, error) {
	file, err := os.Open(s.chunkPath(addr))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", core.ErrChunkNotFound, addr)
		}
		return nil, fmt.Errorf("failed to open chunk %s: %w", addr, err)
	}
	defer file.Close()

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read chunk header for %s: %w", addr, err)
	}
	if header.Magic != core.ChunkMagic {
		return nil, fmt.Errorf("invalid magic number in chunk %s: got %x, want %x", addr, header.Magic, core.ChunkMagic)
	}

	var length uint32
	if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read chunk length for %s: %w", addr, err)
	}
	compressed := make([]byte, length)
	if _, err := io.ReadFull(file, compressed); err != nil {
		return nil, fmt.Errorf("failed to read chunk data for %s: %w", addr, err)
	}
	var storedCRC uint32
	if err := binary.Read(file, binary.LittleEndian, &storedCRC); err != nil {
		return nil, fmt.Errorf("failed to read chunk checksum for %s: %w", addr, err)
	}
	if crc32.ChecksumIEEE(compressed) != storedCRC {
		return nil, fmt.Errorf("chunk %s failed its stored checksum", addr)
	}

	decompressor, err := compressors.NewCompressor(header.CompressorType)
	if err != nil {
		return nil, fmt.Errorf("chunk %s uses unsupported compression: %w", addr, err)
	}
	rc, err := decompressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk %s: %w", addr, err)
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed chunk %s: %w", addr, err)
	}

	if core.AddressOf(payload) != addr {
		return nil, fmt.Errorf("chunk %s content does not match its address", addr)
	}
	return payload, nil
}

// Has reports whether a chunk exists at addr.
func (s *Store) Has(addr core.ChunkAddress) (bool, error) {
	if _, err := os.Stat(s.chunkPath(addr)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Addresses lists every stored chunk address.
func (s *Store) Addresses() ([]core.ChunkAddress, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk store directory: %w", err)
	}
	var addrs []core.ChunkAddress
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), chunkFileSuffix) {
			continue
		}
		addr, err := core.ParseChunkAddress(strings.TrimSuffix(e.Name(), chunkFileSuffix))
		if err != nil {
			s.logger.Warn("Skipping unparseable chunk file", "name", e.Name(), "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}
