// Package conn frames block requests onto a non-blocking transport and
// matches responses back to them by correlation handle.
//
// A Conn is driven by a single worker goroutine. Receive and SendPending
// may be called any number of times; each makes as much progress as the
// transport allows and then reports whether anything moved.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesleyorama2/blkload/internal/bench/pool"
	"github.com/wesleyorama2/blkload/internal/bench/protocol"
	"github.com/wesleyorama2/blkload/internal/bench/transport"
)

// ErrConnClosed is returned by operations on a connection that has closed.
var ErrConnClosed = errors.New("conn: connection closed")

// Status is the outcome of one handler invocation.
type Status uint8

const (
	// StatusProgress means bytes moved; calling again may move more.
	StatusProgress Status = iota
	// StatusWouldBlock means nothing could move until the next readiness event.
	StatusWouldBlock
	// StatusClosed means the connection is closing or closed.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusProgress:
		return "progress"
	case StatusWouldBlock:
		return "would-block"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// State is the connection lifecycle state.
type State uint8

const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// direction is the assembly state of one half of the stream.
type direction uint8

const (
	awaitingHeader direction = iota
	awaitingPayload
)

// CompletionFunc is called once per request whose response has been fully
// received, before the request is released.
type CompletionFunc func(r *pool.Request, now time.Time)

// Options configures a Conn.
type Options struct {
	Requests   *pool.RequestPool
	Buffers    *pool.BufferPool
	OnComplete CompletionFunc
	Logger     *slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Counters accumulate per-connection traffic totals.
type Counters struct {
	Sent      uint64
	Completed uint64
	Gets      uint64
	Sets      uint64
	BytesOut  uint64
	BytesIn   uint64
}

type rxState struct {
	dir direction
	hdr [protocol.HeaderSize]byte
	off int
	req *pool.Request
}

type txState struct {
	dir direction
	hdr [protocol.HeaderSize]byte
	off int
	req *pool.Request
}

// Conn is the per-worker connection state machine.
type Conn struct {
	tr         transport.Conn
	reqs       *pool.RequestPool
	bufs       *pool.BufferPool
	onComplete CompletionFunc
	now        func() time.Time
	logger     *slog.Logger

	state State
	err   error

	rx      rxState
	tx      txState
	pending []*pool.Request

	// zcPending counts payload chunks handed to SendZC whose callbacks
	// have not run yet.
	zcPending int

	cursor   uint64
	counters Counters
}

// New returns a connection in the Opening state.
func New(opts Options) *Conn {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnComplete == nil {
		opts.OnComplete = func(*pool.Request, time.Time) {}
	}
	return &Conn{
		reqs:       opts.Requests,
		bufs:       opts.Buffers,
		onComplete: opts.OnComplete,
		now:        opts.Now,
		logger:     opts.Logger,
		state:      StateOpening,
	}
}

// Open dials addr and moves the connection to Active.
func (c *Conn) Open(ctx context.Context, d transport.Dialer, addr string) error {
	if c.state != StateOpening {
		return fmt.Errorf("conn: open in state %s", c.state)
	}
	tr, err := d.Dial(ctx, addr)
	if err != nil {
		c.state = StateClosed
		c.err = err
		return err
	}
	c.Attach(tr)
	return nil
}

// Attach binds an already established transport and moves to Active.
func (c *Conn) Attach(tr transport.Conn) {
	c.tr = tr
	c.state = StateActive
}

// State returns the lifecycle state.
func (c *Conn) State() State { return c.state }

// Err returns the error that caused the connection to close, if any.
func (c *Conn) Err() error { return c.err }

// Counters returns a copy of the traffic counters.
func (c *Conn) Counters() Counters { return c.counters }

// Queued returns the number of requests not yet fully sent.
func (c *Conn) Queued() int {
	n := len(c.pending)
	if c.tx.req != nil {
		n++
	}
	return n
}

// Enqueue appends r to the pending FIFO. It fails once the connection has
// left the Active state; the caller still owns r in that case.
func (c *Conn) Enqueue(r *pool.Request) error {
	if c.state != StateActive {
		return ErrConnClosed
	}
	c.pending = append(c.pending, r)
	return nil
}

// SetCursor positions the sequential cursor at lba.
func (c *Conn) SetCursor(lba uint64) { c.cursor = lba }

// Cursor returns the sequential cursor.
func (c *Conn) Cursor() uint64 { return c.cursor }

// AdvanceCursor returns the current cursor and moves it forward by blocks.
// Running past limit is a workload configuration bug and panics.
func (c *Conn) AdvanceCursor(blocks uint32, limit uint64) uint64 {
	lba := c.cursor
	if lba+uint64(blocks) > limit {
		panic(&pool.InvariantError{Msg: fmt.Sprintf("sequential cursor %d + %d exceeds capacity %d", lba, blocks, limit)})
	}
	c.cursor += uint64(blocks)
	return lba
}

// Wait blocks until the transport reports readiness or timeout elapses.
func (c *Conn) Wait(ctx context.Context, timeout time.Duration) (transport.Reason, error) {
	if c.tr == nil || c.state == StateClosed {
		return transport.Closed, nil
	}
	return c.tr.Wait(ctx, timeout)
}

// Receive assembles and dispatches as many responses as the transport has
// buffered.
func (c *Conn) Receive() Status {
	if c.state != StateActive {
		return StatusClosed
	}

	moved := false
	for {
		var (
			n   int
			err error
		)
		switch c.rx.dir {
		case awaitingHeader:
			n, err = c.tr.Recv(c.rx.hdr[c.rx.off:])
		case awaitingPayload:
			n, err = c.tr.Recv(c.rx.req.Buf[c.rx.off:c.rx.req.PayloadLen()])
		}
		if n > 0 {
			moved = true
			c.rx.off += n
			c.counters.BytesIn += uint64(n)
		}
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return progressOr(moved)
			}
			c.fail(fmt.Errorf("receive: %w", err))
			return StatusClosed
		}

		switch c.rx.dir {
		case awaitingHeader:
			if c.rx.off < protocol.HeaderSize {
				continue
			}
			r, err := c.matchHeader()
			if err != nil {
				c.logger.Warn("framing error, closing connection", "error", err)
				c.fail(err)
				return StatusClosed
			}
			c.rx.req = r
			c.rx.off = 0
			if r.Op == protocol.OpGet && r.PayloadLen() > 0 {
				c.rx.dir = awaitingPayload
				continue
			}
			c.complete(r)
		case awaitingPayload:
			if c.rx.off < c.rx.req.PayloadLen() {
				continue
			}
			c.complete(c.rx.req)
		}
	}
}

// matchHeader validates the assembled header and resolves its request.
func (c *Conn) matchHeader() (*pool.Request, error) {
	h, err := protocol.DecodeValid(c.rx.hdr[:])
	if err != nil {
		return nil, err
	}
	r, err := c.reqs.Lookup(pool.Handle(h.Handle))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrFraming, err)
	}
	switch {
	case r.State() != pool.StateInFlight || r == c.tx.req:
		return nil, fmt.Errorf("%w: response for request %#x that was not fully sent", protocol.ErrFraming, h.Handle)
	case r.Op != h.Opcode:
		return nil, fmt.Errorf("%w: response opcode %s for %s request", protocol.ErrFraming, h.Opcode, r.Op)
	case r.Blocks != h.BlockCount:
		return nil, fmt.Errorf("%w: response block count %d, request had %d", protocol.ErrFraming, h.BlockCount, r.Blocks)
	case r.Op == protocol.OpGet && len(r.Buf) < r.PayloadLen():
		return nil, protocol.ErrPayloadTooBig
	}
	return r, nil
}

func (c *Conn) complete(r *pool.Request) {
	c.rx = rxState{}
	r.MarkCompleted()
	c.counters.Completed++
	c.onComplete(r, c.now())
	if !r.Referenced() {
		c.release(r)
	}
}

func (c *Conn) release(r *pool.Request) {
	if r.Buf != nil && c.bufs != nil {
		c.bufs.Put(r.Buf)
	}
	c.reqs.Free(r)
}

// SendPending writes queued requests in FIFO order until the queue is
// empty or the transport stops accepting bytes.
func (c *Conn) SendPending() Status {
	if c.state != StateActive {
		return StatusClosed
	}

	moved := false
	for {
		if c.tx.req == nil {
			if len(c.pending) == 0 {
				return progressOr(moved)
			}
			c.startNext()
		}
		r := c.tx.req

		var (
			n   int
			err error
		)
		switch c.tx.dir {
		case awaitingHeader:
			n, err = c.tr.Send(c.tx.hdr[c.tx.off:])
			if n > 0 {
				r.MarkInFlight(c.now())
			}
		case awaitingPayload:
			n, err = c.sendPayloadChunk(r)
		}
		if n > 0 {
			moved = true
			c.tx.off += n
			c.counters.BytesOut += uint64(n)
		}
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return progressOr(moved)
			}
			c.fail(fmt.Errorf("send %s: %w", r.Op, err))
			return StatusClosed
		}

		switch c.tx.dir {
		case awaitingHeader:
			if c.tx.off < protocol.HeaderSize {
				continue
			}
			if r.Op == protocol.OpSet && r.PayloadLen() > 0 {
				c.tx.dir = awaitingPayload
				c.tx.off = 0
				continue
			}
			c.finishSend()
		case awaitingPayload:
			if c.tx.off < r.PayloadLen() {
				continue
			}
			c.finishSend()
		}
	}
}

func (c *Conn) startNext() {
	r := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	if len(c.pending) == 0 {
		c.pending = c.pending[:0:0]
	}
	c.tx = txState{req: r}
	r.Header().Encode(c.tx.hdr[:])
}

func (c *Conn) finishSend() {
	r := c.tx.req
	c.tx = txState{}
	c.counters.Sent++
	if r.Op == protocol.OpGet {
		c.counters.Gets++
	} else {
		c.counters.Sets++
	}
}

// sendPayloadChunk hands the unsent part of a SET payload to the transport
// without copying. The request holds one reference per accepted chunk.
func (c *Conn) sendPayloadChunk(r *pool.Request) (int, error) {
	r.AcquireRef()
	c.zcPending++
	n, err := c.tr.SendZC(r.Buf[c.tx.off:r.PayloadLen()], func() { c.zeroCopyDone(r) })
	if n == 0 {
		r.ReleaseRef()
		c.zcPending--
	}
	return n, err
}

func (c *Conn) zeroCopyDone(r *pool.Request) {
	c.zcPending--
	if r.ReleaseRef() && r.State() == pool.StateCompleted {
		c.release(r)
	}
}

// fail handles a connection-fatal error. The close is deferred while the
// transport still references request payloads.
func (c *Conn) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	if c.zcPending > 0 {
		c.state = StateClosing
		c.logger.Debug("deferring close until zero-copy sends drain", "pending", c.zcPending)
		return
	}
	c.finishClose()
}

// Drain completes a deferred close. It waits for outstanding zero-copy
// sends until ctx is done and then tears the connection down.
func (c *Conn) Drain(ctx context.Context) error {
	for c.state == StateClosing && c.zcPending > 0 {
		// Closing the transport flushes the remaining callbacks once the
		// stream itself is gone.
		r, err := c.tr.Wait(ctx, -1)
		if err != nil || r.Has(transport.Closed) {
			break
		}
	}
	if c.state != StateClosed {
		c.finishClose()
	}
	return c.err
}

// Close shuts the connection down, waiting for zero-copy sends to drain.
func (c *Conn) Close(ctx context.Context) error {
	switch c.state {
	case StateClosed:
		return nil
	case StateOpening:
		c.state = StateClosed
		return nil
	}
	if c.err == nil {
		c.err = ErrConnClosed
	}
	c.state = StateClosing
	_ = c.Drain(ctx)
	if errors.Is(c.err, ErrConnClosed) {
		return nil
	}
	return c.err
}

// finishClose closes the transport and returns every live request to the
// pools. The transport has run all SendZC callbacks once Close returns.
func (c *Conn) finishClose() {
	c.state = StateClosed
	if err := c.tr.Close(); err != nil {
		c.logger.Debug("transport close", "error", err)
	}
	c.pending = nil
	c.tx = txState{}
	c.rx = rxState{}
	c.reqs.Each(c.release)
}

func progressOr(moved bool) Status {
	if moved {
		return StatusProgress
	}
	return StatusWouldBlock
}
