package util

import "testing"

func TestBufferPool(t *testing.T) {
	p := NewBufferPool(16)

	b := p.Get()
	if len(b) != 16 {
		t.Fatalf("buffer length = %d; want 16", len(b))
	}

	for i := range b {
		b[i] = 0xff
	}
	p.Put(b)

	// The returned buffer must come back zeroed.
	b2 := p.Get()
	for i, v := range b2 {
		if v != 0 {
			t.Fatalf("buffer[%d] = %#x after Put; want 0", i, v)
		}
	}
}

func TestBufferPoolRejectsMismatched(t *testing.T) {
	p := NewBufferPool(8)
	// Must not panic or poison the pool.
	p.Put(make([]byte, 4))
	if len(p.Get()) != 8 {
		t.Error("pool should only hand out buffers of its configured size")
	}
}

func TestChunkPool(t *testing.T) {
	b := GetChunkBuffer()
	if len(b) != ChunkSize {
		t.Errorf("chunk buffer length = %d; want %d", len(b), ChunkSize)
	}
	PutChunkBuffer(b)
}
