package pool

// BufferPool recycles fixed-size payload buffers. Buffers are created on
// first demand and never exceed the configured count, so a large capacity
// costs nothing until the queue actually gets that deep.
type BufferPool struct {
	size    int
	max     int
	created int
	free    [][]byte
}

// NewBufferPool creates a pool of at most capacity buffers of size bytes.
func NewBufferPool(size, capacity int) *BufferPool {
	if capacity <= 0 {
		capacity = 1
	}
	return &BufferPool{
		size: size,
		max:  capacity,
	}
}

// Get returns a buffer or ErrExhausted.
func (p *BufferPool) Get() ([]byte, error) {
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return b, nil
	}
	if p.created >= p.max {
		return nil, ErrExhausted
	}
	p.created++
	return make([]byte, p.size), nil
}

// Put returns b to the pool. A buffer of the wrong size is dropped and
// frees its slot.
func (p *BufferPool) Put(b []byte) {
	if cap(b) < p.size {
		if p.created > 0 {
			p.created--
		}
		return
	}
	if len(p.free) >= p.max {
		panic(&InvariantError{Msg: "buffer pool overfilled"})
	}
	p.free = append(p.free, b[:p.size])
}

// InUse returns the number of buffers currently handed out.
func (p *BufferPool) InUse() int { return p.created - len(p.free) }

// Size returns the buffer size.
func (p *BufferPool) Size() int { return p.size }
