package core

import (
	"bytes"
	"sync"
)

// bufferPool is a shared pool of bytes.Buffers used by compressors and the
// capture path to avoid per-chunk allocations.
type bufferPool struct {
	pool sync.Pool
}

// BufferPool is the process-wide buffer pool.
var BufferPool = &bufferPool{
	pool: sync.Pool{
		New: func() any { return new(bytes.Buffer) },
	},
}

func (p *bufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

func (p *bufferPool) Put(b *bytes.Buffer) {
	b.Reset()
	p.pool.Put(b)
}
