package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/INLOpen/nexusvolume/core"
)

// maxFrameDataLen bounds the declared frame payload length. A header whose
// length field exceeds this is treated as a torn write, not as corruption,
// because the length bytes themselves cannot be trusted.
const maxFrameDataLen = 16 * 1024 * 1024

// encodeFrame appends the binary encoding of a frame to buf and returns the
// extended slice.
// Format: page number (4) | seq (8) | commit (1) | data length (4) | data | crc32 (4)
// The checksum covers the header and the data.
func encodeFrame(buf []byte, f *core.Frame) []byte {
	start := len(buf)

	var hdr [core.FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], f.PageNo)
	binary.LittleEndian.PutUint64(hdr[4:12], f.SeqNum)
	if f.Commit {
		hdr[12] = 1
	}
	binary.LittleEndian.PutUint32(hdr[13:17], uint32(len(f.Data)))

	buf = append(buf, hdr[:]...)
	buf = append(buf, f.Data...)

	checksum := crc32.ChecksumIEEE(buf[start:])
	var crcBuf [core.ChecksumSize]byte
	binary.LittleEndian.PutUint32(crcBuf[:], checksum)
	return append(buf, crcBuf[:]...)
}

// frameEncodedSize returns the on-disk size of a frame record.
func frameEncodedSize(f *core.Frame) int64 {
	return int64(core.FrameHeaderSize + len(f.Data) + core.ChecksumSize)
}

// readFrame reads one frame record from r.
// It returns io.EOF on a clean end of the log, core.ErrTornFrame when the
// tail holds an incomplete record, and core.ErrCorruptFrame when a record of
// valid length fails its checksum.
func readFrame(r io.Reader) (*core.Frame, error) {
	var hdr [core.FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, core.ErrTornFrame
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	f := &core.Frame{
		PageNo: binary.LittleEndian.Uint32(hdr[0:4]),
		SeqNum: binary.LittleEndian.Uint64(hdr[4:12]),
		Commit: hdr[12] == 1,
	}
	dataLen := binary.LittleEndian.Uint32(hdr[13:17])
	if dataLen > maxFrameDataLen {
		// The length field itself is garbage from a torn write.
		return nil, core.ErrTornFrame
	}

	f.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, core.ErrTornFrame
		}
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}

	var crcBuf [core.ChecksumSize]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, core.ErrTornFrame
		}
		return nil, fmt.Errorf("failed to read frame checksum: %w", err)
	}

	crc := crc32.NewIEEE()
	crc.Write(hdr[:])
	crc.Write(f.Data)
	if crc.Sum32() != binary.LittleEndian.Uint32(crcBuf[:]) {
		// Full-length record with a bad checksum is true corruption.
		return nil, fmt.Errorf("%w: seq=%d page=%d", core.ErrCorruptFrame, f.SeqNum, f.PageNo)
	}

	return f, nil
}
