package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/INLOpen/nexusvolume/chunkstore"
	"github.com/INLOpen/nexusvolume/core"
)

const stateFileName = "state.bin"

// FileStore is a filesystem-backed VolumeStore. Each volume gets its own
// subdirectory holding a content-addressed chunk store and a durable state
// record that only moves on Confirm.
type FileStore struct {
	mu     sync.Mutex
	root   string
	logger *slog.Logger
	stores map[uuid.UUID]*chunkstore.Store
}

var _ VolumeStore = (*FileStore)(nil)

// NewFileStore creates or opens a store rooted at root.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", root, err)
	}
	return &FileStore{
		root:   root,
		logger: logger.With("component", "FileStore"),
		stores: make(map[uuid.UUID]*chunkstore.Store),
	}, nil
}

func (s *FileStore) volumeDir(volumeID uuid.UUID) string {
	return filepath.Join(s.root, volumeID.String())
}

func (s *FileStore) chunksFor(volumeID uuid.UUID) (*chunkstore.Store, error) {
	if cs, ok := s.stores[volumeID]; ok {
		return cs, nil
	}
	cs, err := chunkstore.Open(chunkstore.Options{
		Dir:    filepath.Join(s.volumeDir(volumeID), "chunks"),
		Logger: s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.stores[volumeID] = cs
	return cs, nil
}

// PutChunk stores one chunk for volumeID. Re-submitting a held address is a
// no-op; a payload that does not hash to addr is rejected.
func (s *FileStore) PutChunk(_ context.Context, volumeID uuid.UUID, addr core.ChunkAddress, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if core.AddressOf(payload) != addr {
		return fmt.Errorf("chunk payload does not hash to its address %s", addr)
	}
	cs, err := s.chunksFor(volumeID)
	if err != nil {
		return err
	}
	_, err = cs.Put(payload)
	return err
}

// HasChunk reports whether the store holds addr for volumeID.
func (s *FileStore) HasChunk(_ context.Context, volumeID uuid.UUID, addr core.ChunkAddress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.chunksFor(volumeID)
	if err != nil {
		return false, err
	}
	return cs.Has(addr)
}

// State returns the last confirmed state of volumeID.
func (s *FileStore) State(_ context.Context, volumeID uuid.UUID) (RemoteState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readStoreState(filepath.Join(s.volumeDir(volumeID), stateFileName))
}

// Confirm atomically advances volumeID to targetSeq. Every referenced chunk
// must already be held; a retry carrying the session that already confirmed
// succeeds without changing anything.
func (s *FileStore) Confirm(_ context.Context, volumeID uuid.UUID, sessionID uuid.UUID, targetSeq uint64, checksum [sha256.Size]byte, chunks []core.ChunkAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	statePath := filepath.Join(s.volumeDir(volumeID), stateFileName)
	state, err := readStoreState(statePath)
	if err != nil {
		return err
	}
	if state.Known && state.LastSessionID == sessionID {
		return nil // Confirm already landed for this session.
	}
	if state.Known && targetSeq <= state.ConfirmedSeq {
		return fmt.Errorf("confirm would move volume %s backwards: at seq %d, asked for %d",
			volumeID, state.ConfirmedSeq, targetSeq)
	}

	cs, err := s.chunksFor(volumeID)
	if err != nil {
		return err
	}
	for _, addr := range chunks {
		ok, err := cs.Has(addr)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: confirm references %s which the store does not hold", core.ErrChunkNotFound, addr)
		}
	}

	newState := RemoteState{
		Known:             true,
		ConfirmedSeq:      targetSeq,
		ConfirmedChecksum: checksum,
		LastSessionID:     sessionID,
	}
	if err := writeStoreState(statePath, newState); err != nil {
		return err
	}
	s.logger.Info("Volume confirmed", "volume_id", volumeID, "session_id", sessionID, "confirmed_seq", targetSeq)
	return nil
}

// Close releases the store. Chunk stores hold no open handles between calls.
func (s *FileStore) Close() error {
	return nil
}

func writeStoreState(path string, state RemoteState) error {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, state.ConfirmedSeq); err != nil {
		return fmt.Errorf("failed to encode confirmed sequence: %w", err)
	}
	body.Write(state.ConfirmedChecksum[:])
	body.Write(state.LastSessionID[:])

	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	header := core.NewFileHeader(core.MetaMagic, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return fmt.Errorf("failed to write state header: %w", err)
	}
	if _, err := file.Write(body.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write state body: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, crc32.ChecksumIEEE(body.Bytes())); err != nil {
		file.Close()
		return fmt.Errorf("failed to write state checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename state file into place: %w", err)
	}
	return nil
}

func readStoreState(path string) (RemoteState, error) {
	var state RemoteState

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, fmt.Errorf("failed to open state file %s: %w", path, err)
	}
	defer file.Close()

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		return state, fmt.Errorf("failed to read state header: %w", err)
	}
	if header.Magic != core.MetaMagic {
		return state, fmt.Errorf("invalid magic number in state file %s: got %x, want %x", path, header.Magic, core.MetaMagic)
	}

	body := make([]byte, 8+sha256.Size+16)
	if _, err := io.ReadFull(file, body); err != nil {
		return state, fmt.Errorf("failed to read state body: %w", err)
	}
	var storedCRC uint32
	if err := binary.Read(file, binary.LittleEndian, &storedCRC); err != nil {
		return state, fmt.Errorf("failed to read state checksum: %w", err)
	}
	if crc32.ChecksumIEEE(body) != storedCRC {
		return state, fmt.Errorf("state file %s failed its stored checksum", path)
	}

	state.Known = true
	state.ConfirmedSeq = binary.LittleEndian.Uint64(body[:8])
	copy(state.ConfirmedChecksum[:], body[8:8+sha256.Size])
	copy(state.LastSessionID[:], body[8+sha256.Size:])
	return state, nil
}
