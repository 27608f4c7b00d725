package util

import (
	"sync"
)

// BufferPool provides reusable byte buffers to reduce GC pressure
// during large file operations. Buffers are zeroed before being
// returned to the pool so plaintext never lingers in freed memory.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a new buffer pool with the specified buffer size.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get retrieves a buffer from the pool.
// The buffer contents are undefined and should be overwritten.
func (p *BufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool after zeroing it.
// The buffer should not be used after calling Put.
func (p *BufferPool) Put(b []byte) {
	if len(b) != p.size {
		// Don't return mismatched buffers to avoid corruption
		return
	}
	zeroBytes(b)
	p.pool.Put(&b)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ChunkPool provides ChunkSize plaintext buffers for the import pipeline.
var ChunkPool = NewBufferPool(ChunkSize)

// GetChunkBuffer gets a chunk-sized buffer from the default pool.
func GetChunkBuffer() []byte {
	return ChunkPool.Get()
}

// PutChunkBuffer returns a chunk-sized buffer to the default pool.
func PutChunkBuffer(b []byte) {
	ChunkPool.Put(b)
}
