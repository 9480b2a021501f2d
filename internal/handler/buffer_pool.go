package handler

import "sync"

const copyBufferSize = 32 * 1024

// bufferPool recycles the copy buffers of httputil.ReverseProxy
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get implements httputil.BufferPool
func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put implements httputil.BufferPool
func (p *bufferPool) Put(b []byte) {
	p.pool.Put(&b)
}
