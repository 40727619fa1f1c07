// Package compressors provides the chunk payload compression implementations.
package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusvolume/core"
)

// NewCompressor returns the Compressor for the given type.
func NewCompressor(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", ct)
	}
}

// ParseCompression maps a config string to a CompressionType.
func ParseCompression(name string) (core.CompressionType, error) {
	switch name {
	case "", "none":
		return core.CompressionNone, nil
	case "snappy":
		return core.CompressionSnappy, nil
	case "lz4":
		return core.CompressionLZ4, nil
	case "zstd":
		return core.CompressionZSTD, nil
	default:
		return core.CompressionNone, fmt.Errorf("unknown compression name: %q", name)
	}
}
