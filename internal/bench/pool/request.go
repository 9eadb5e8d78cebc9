// Package pool provides the fixed-capacity allocators that bound how many
// requests a worker can have outstanding at once.
//
// Neither pool ever blocks: when capacity is exhausted Allocate/Get report
// it and the caller backs off. Capacity is the admission-control knob.
package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/wesleyorama2/blkload/internal/bench/protocol"
)

var (
	// ErrExhausted is returned when every slot is in use.
	ErrExhausted = errors.New("pool: exhausted")

	// ErrStaleHandle is returned by Lookup for a handle whose slot is free
	// or has since been reused.
	ErrStaleHandle = errors.New("pool: stale handle")
)

// Handle is the correlation token written into the wire header. The low 32
// bits index a slot, the high 32 bits carry the slot generation at the
// time of allocation.
type Handle uint64

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index encoded in h.
func (h Handle) Index() uint32 { return uint32(h) }

// Generation returns the slot generation encoded in h.
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

// State is the lifecycle position of a request.
type State uint8

const (
	StateFree State = iota
	StatePending
	StateInFlight
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Request describes one block operation from emission until its response
// has been fully received.
type Request struct {
	Op     protocol.Opcode
	LBA    uint64
	Blocks uint32
	Buf    []byte

	// SubmittedAt is stamped when the pacer admits the request; latency is
	// measured from here.
	SubmittedAt time.Time

	// SentAt is stamped when the first header byte was accepted by the
	// transport.
	SentAt time.Time

	handle Handle
	state  State

	// zeroCopyRefs counts payload chunks the transport still references.
	zeroCopyRefs int
}

// Handle returns the correlation token for the request.
func (r *Request) Handle() Handle { return r.handle }

// State returns the request's lifecycle state.
func (r *Request) State() State { return r.state }

// PayloadLen returns the number of payload bytes for the request.
func (r *Request) PayloadLen() int { return int(r.Blocks) * protocol.SectorSize }

// Header builds the wire header for the request.
func (r *Request) Header() protocol.Header {
	return protocol.NewHeader(r.Op, r.LBA, r.Blocks, uint64(r.handle))
}

// MarkInFlight records that the transport accepted part of the request.
func (r *Request) MarkInFlight(now time.Time) {
	if r.state == StatePending {
		r.state = StateInFlight
		r.SentAt = now
	}
}

// MarkCompleted records that the matching response arrived.
func (r *Request) MarkCompleted() {
	r.state = StateCompleted
}

// AcquireRef notes that the transport holds a reference to part of Buf.
func (r *Request) AcquireRef() { r.zeroCopyRefs++ }

// ReleaseRef drops one transport reference and reports whether none remain.
func (r *Request) ReleaseRef() bool {
	if r.zeroCopyRefs == 0 {
		panic(&InvariantError{Msg: fmt.Sprintf("request %#x: release of unheld zero-copy reference", uint64(r.handle))})
	}
	r.zeroCopyRefs--
	return r.zeroCopyRefs == 0
}

// Referenced reports whether the transport still holds part of Buf.
func (r *Request) Referenced() bool { return r.zeroCopyRefs > 0 }

// InvariantError reports a broken allocator or driver invariant. It is
// raised with panic and converted to a fatal run error by the caller.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violated: " + e.Msg }

// RequestPool hands out Request descriptors from a fixed slot array.
type RequestPool struct {
	slots []Request
	gens  []uint32
	free  []uint32
	live  int
}

// NewRequestPool creates a pool with the given number of slots.
func NewRequestPool(capacity int) *RequestPool {
	if capacity <= 0 {
		capacity = 1
	}
	p := &RequestPool{
		slots: make([]Request, capacity),
		gens:  make([]uint32, capacity),
		free:  make([]uint32, capacity),
	}
	// Hand out low indices first.
	for i := range p.free {
		p.free[i] = uint32(capacity - 1 - i)
	}
	return p
}

// Allocate returns a pending request or ErrExhausted.
func (p *RequestPool) Allocate() (*Request, error) {
	n := len(p.free)
	if n == 0 {
		return nil, ErrExhausted
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.gens[idx]++

	r := &p.slots[idx]
	*r = Request{
		handle: makeHandle(idx, p.gens[idx]),
		state:  StatePending,
	}
	p.live++
	if p.live > len(p.slots) {
		panic(&InvariantError{Msg: fmt.Sprintf("outstanding requests %d exceed capacity %d", p.live, len(p.slots))})
	}
	return r, nil
}

// Lookup resolves a handle received from the peer. It fails for handles
// that point outside the pool, at a free slot, or at a reused slot.
func (p *RequestPool) Lookup(h Handle) (*Request, error) {
	idx := h.Index()
	if int(idx) >= len(p.slots) {
		return nil, fmt.Errorf("%w: index %d out of range", ErrStaleHandle, idx)
	}
	r := &p.slots[idx]
	if r.state == StateFree || p.gens[idx] != h.Generation() {
		return nil, fmt.Errorf("%w: %#x", ErrStaleHandle, uint64(h))
	}
	return r, nil
}

// Free returns r to the pool. The transport must no longer reference r.Buf.
func (p *RequestPool) Free(r *Request) {
	idx := r.handle.Index()
	if int(idx) >= len(p.slots) || &p.slots[idx] != r {
		panic(&InvariantError{Msg: "free of request not owned by this pool"})
	}
	if r.state == StateFree {
		panic(&InvariantError{Msg: fmt.Sprintf("double free of request %#x", uint64(r.handle))})
	}
	if r.zeroCopyRefs > 0 {
		panic(&InvariantError{Msg: fmt.Sprintf("free of request %#x still referenced by transport", uint64(r.handle))})
	}
	r.state = StateFree
	r.Buf = nil
	p.free = append(p.free, idx)
	p.live--
}

// Each calls fn for every request that has not been freed. fn may free the
// request it is given.
func (p *RequestPool) Each(fn func(*Request)) {
	for i := range p.slots {
		if p.slots[i].state != StateFree {
			fn(&p.slots[i])
		}
	}
}

// Live returns the number of allocated requests.
func (p *RequestPool) Live() int { return p.live }

// Cap returns the pool capacity.
func (p *RequestPool) Cap() int { return len(p.slots) }
