package conn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/blkload/internal/bench/pool"
	"github.com/wesleyorama2/blkload/internal/bench/protocol"
	"github.com/wesleyorama2/blkload/internal/bench/transport"
)

// scriptedTransport is an in-memory transport whose partial-I/O behaviour
// is set by the test.
type scriptedTransport struct {
	in      []byte
	rxErr   error
	maxRecv int

	out        bytes.Buffer
	sendBudget int // bytes accepted before ErrWouldBlock; <0 is unlimited
	maxSend    int
	sendErr    error

	callbacks []func()
	closed    bool
}

func newScripted() *scriptedTransport {
	return &scriptedTransport{sendBudget: -1}
}

func (s *scriptedTransport) Recv(p []byte) (int, error) {
	if s.closed {
		return 0, transport.ErrClosed
	}
	if len(s.in) == 0 {
		if s.rxErr != nil {
			return 0, s.rxErr
		}
		return 0, transport.ErrWouldBlock
	}
	if s.maxRecv > 0 && len(p) > s.maxRecv {
		p = p[:s.maxRecv]
	}
	n := copy(p, s.in)
	s.in = s.in[n:]
	return n, nil
}

func (s *scriptedTransport) accept(p []byte) (int, error) {
	if s.closed {
		return 0, transport.ErrClosed
	}
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	n := len(p)
	if s.maxSend > 0 && n > s.maxSend {
		n = s.maxSend
	}
	if s.sendBudget >= 0 {
		if s.sendBudget == 0 {
			return 0, transport.ErrWouldBlock
		}
		n = min(n, s.sendBudget)
		s.sendBudget -= n
	}
	s.out.Write(p[:n])
	return n, nil
}

func (s *scriptedTransport) Send(p []byte) (int, error) { return s.accept(p) }

func (s *scriptedTransport) SendZC(p []byte, done func()) (int, error) {
	n, err := s.accept(p)
	if n > 0 {
		s.callbacks = append(s.callbacks, done)
	}
	return n, err
}

func (s *scriptedTransport) flush() {
	cbs := s.callbacks
	s.callbacks = nil
	for _, fn := range cbs {
		fn()
	}
}

func (s *scriptedTransport) Wait(ctx context.Context, _ time.Duration) (transport.Reason, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.flush()
	var r transport.Reason
	if len(s.in) > 0 || s.rxErr != nil {
		r |= transport.Readable
	}
	if s.closed || s.rxErr != nil {
		r |= transport.Closed
	}
	return r, nil
}

func (s *scriptedTransport) Close() error {
	s.closed = true
	s.flush()
	return nil
}

// feed appends a response header (and payload for GET) for r.
func (s *scriptedTransport) feed(r *pool.Request) {
	s.in = protocol.NewHeader(r.Op, r.LBA, r.Blocks, uint64(r.Handle())).AppendEncode(s.in)
	if r.Op == protocol.OpGet {
		s.in = append(s.in, make([]byte, r.PayloadLen())...)
	}
}

type harness struct {
	tr        *scriptedTransport
	reqs      *pool.RequestPool
	bufs      *pool.BufferPool
	conn      *Conn
	completed []pool.Handle
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	h := &harness{
		tr:   newScripted(),
		reqs: pool.NewRequestPool(capacity),
		bufs: pool.NewBufferPool(8*protocol.SectorSize, capacity),
	}
	h.conn = New(Options{
		Requests: h.reqs,
		Buffers:  h.bufs,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnComplete: func(r *pool.Request, _ time.Time) {
			h.completed = append(h.completed, r.Handle())
		},
	})
	assert.Equal(t, StateOpening, h.conn.State())
	h.conn.Attach(h.tr)
	return h
}

func (h *harness) submit(t *testing.T, op protocol.Opcode, lba uint64) *pool.Request {
	t.Helper()
	r, err := h.reqs.Allocate()
	require.NoError(t, err)
	buf, err := h.bufs.Get()
	require.NoError(t, err)
	r.Op = op
	r.LBA = lba
	r.Blocks = 8
	r.Buf = buf
	require.NoError(t, h.conn.Enqueue(r))
	return r
}

// pump drives both directions until nothing moves.
func (h *harness) pump() Status {
	for {
		tx := h.conn.SendPending()
		rx := h.conn.Receive()
		if tx == StatusClosed || rx == StatusClosed {
			return StatusClosed
		}
		if tx == StatusWouldBlock && rx == StatusWouldBlock {
			return StatusWouldBlock
		}
	}
}

func TestConn_GetRoundTripWithPartialIO(t *testing.T) {
	h := newHarness(t, 4)
	h.tr.maxSend = 7
	h.tr.maxRecv = 5

	r := h.submit(t, protocol.OpGet, 64)
	handle := r.Handle()

	assert.Equal(t, StatusProgress, h.conn.SendPending())
	assert.Equal(t, pool.StateInFlight, r.State())
	require.Equal(t, protocol.HeaderSize, h.tr.out.Len(), "GET sends only a header")

	sent, err := protocol.DecodeValid(h.tr.out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, protocol.OpGet, sent.Opcode)
	assert.Equal(t, uint64(64), sent.LBA)
	assert.Equal(t, uint32(8), sent.BlockCount)
	assert.Equal(t, uint64(handle), sent.Handle)

	assert.Equal(t, StatusWouldBlock, h.conn.Receive())

	h.tr.feed(r)
	assert.Equal(t, StatusProgress, h.conn.Receive())

	assert.Equal(t, []pool.Handle{handle}, h.completed)
	assert.Equal(t, 0, h.reqs.Live())
	assert.Equal(t, 0, h.bufs.InUse())

	c := h.conn.Counters()
	assert.Equal(t, uint64(1), c.Sent)
	assert.Equal(t, uint64(1), c.Gets)
	assert.Equal(t, uint64(1), c.Completed)
	assert.Equal(t, uint64(protocol.HeaderSize+8*protocol.SectorSize), c.BytesIn)
}

func TestConn_HeaderSplitAcrossReadinessEvents(t *testing.T) {
	h := newHarness(t, 1)
	r := h.submit(t, protocol.OpGet, 0)
	require.Equal(t, StatusProgress, h.conn.SendPending())

	var resp []byte
	resp = protocol.NewHeader(protocol.OpGet, 0, 8, uint64(r.Handle())).AppendEncode(resp)
	resp = append(resp, make([]byte, r.PayloadLen())...)

	// Deliver in three slices; each Receive must resume where it stopped.
	cuts := []int{10, protocol.HeaderSize + 100, len(resp)}
	prev := 0
	for i, cut := range cuts {
		h.tr.in = append(h.tr.in, resp[prev:cut]...)
		prev = cut
		assert.Equal(t, StatusProgress, h.conn.Receive(), "slice %d", i)
		if i < len(cuts)-1 {
			assert.Empty(t, h.completed)
		}
	}
	assert.Len(t, h.completed, 1)
}

func TestConn_SetPayloadSentZeroCopy(t *testing.T) {
	h := newHarness(t, 2)
	r := h.submit(t, protocol.OpSet, 8)
	for i := range r.Buf {
		r.Buf[i] = 0xab
	}

	require.Equal(t, StatusProgress, h.conn.SendPending())
	out := h.tr.out.Bytes()
	require.Len(t, out, protocol.HeaderSize+r.PayloadLen())
	assert.Equal(t, bytes.Repeat([]byte{0xab}, r.PayloadLen()), out[protocol.HeaderSize:])
	assert.True(t, r.Referenced())

	// The response beats the zero-copy completion: release waits for it.
	h.tr.feed(r)
	require.Equal(t, StatusProgress, h.conn.Receive())
	assert.Len(t, h.completed, 1)
	assert.Equal(t, 1, h.reqs.Live(), "request freed while transport still references it")

	_, err := h.conn.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, h.reqs.Live())
	assert.Equal(t, 0, h.bufs.InUse())
}

func TestConn_OutOfOrderCompletions(t *testing.T) {
	h := newHarness(t, 3)
	a := h.submit(t, protocol.OpGet, 0)
	b := h.submit(t, protocol.OpGet, 8)
	c := h.submit(t, protocol.OpGet, 16)
	ha, hb, hc := a.Handle(), b.Handle(), c.Handle()

	require.Equal(t, StatusProgress, h.conn.SendPending())

	// Requests leave in FIFO order.
	out := h.tr.out.Bytes()
	for i, want := range []pool.Handle{ha, hb, hc} {
		hdr, err := protocol.Decode(out[i*protocol.HeaderSize:])
		require.NoError(t, err)
		assert.Equal(t, uint64(want), hdr.Handle)
	}

	h.tr.feed(c)
	h.tr.feed(a)
	h.tr.feed(b)
	require.Equal(t, StatusProgress, h.conn.Receive())

	assert.Equal(t, []pool.Handle{hc, ha, hb}, h.completed)
	assert.Equal(t, 0, h.reqs.Live())
}

func TestConn_SendBackpressureKeepsQueue(t *testing.T) {
	h := newHarness(t, 3)
	h.tr.sendBudget = protocol.HeaderSize + 4

	h.submit(t, protocol.OpGet, 0)
	h.submit(t, protocol.OpGet, 8)

	assert.Equal(t, StatusProgress, h.conn.SendPending())
	assert.Equal(t, 1, h.conn.Queued(), "second request partially sent stays queued")
	assert.Equal(t, StatusWouldBlock, h.conn.SendPending())

	h.tr.sendBudget = -1
	assert.Equal(t, StatusProgress, h.conn.SendPending())
	assert.Equal(t, 0, h.conn.Queued())
	assert.Equal(t, 2*protocol.HeaderSize, h.tr.out.Len())
}

func TestConn_FramingErrors(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(hdr []byte)
	}{
		{
			name:    "bad magic",
			corrupt: func(hdr []byte) { hdr[0] = 0x99 },
		},
		{
			name:    "unknown opcode",
			corrupt: func(hdr []byte) { hdr[2] = 7 },
		},
		{
			name:    "stale handle",
			corrupt: func(hdr []byte) { hdr[20] ^= 0xff },
		},
		{
			name:    "block count mismatch",
			corrupt: func(hdr []byte) { hdr[4] = 1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 4)
			// Room for two headers: the third request stays pending.
			h.tr.sendBudget = 2 * protocol.HeaderSize
			first := h.submit(t, protocol.OpGet, 0)
			h.submit(t, protocol.OpGet, 8)
			h.submit(t, protocol.OpGet, 16)
			require.Equal(t, StatusProgress, h.conn.SendPending())
			require.Equal(t, 1, h.conn.Queued())

			h.tr.feed(first)
			tt.corrupt(h.tr.in[:protocol.HeaderSize])

			assert.NotPanics(t, func() {
				assert.Equal(t, StatusClosed, h.conn.Receive())
			})
			assert.Equal(t, StateClosed, h.conn.State())
			assert.ErrorIs(t, h.conn.Err(), protocol.ErrFraming)
			assert.True(t, h.tr.closed)
			assert.Empty(t, h.completed)
			assert.Equal(t, 0, h.reqs.Live(), "requests must return to the pool")
			assert.Equal(t, 0, h.bufs.InUse())
			assert.Equal(t, 0, h.conn.Queued())

			assert.Equal(t, StatusClosed, h.conn.SendPending())
			assert.ErrorIs(t, h.conn.Enqueue(first), ErrConnClosed)
		})
	}
}

func TestConn_DuplicateResponseIsFraming(t *testing.T) {
	h := newHarness(t, 2)
	r := h.submit(t, protocol.OpGet, 0)
	require.Equal(t, StatusProgress, h.conn.SendPending())

	h.tr.feed(r)
	h.tr.feed(r)
	assert.Equal(t, StatusClosed, h.conn.Receive())
	assert.Len(t, h.completed, 1)
	assert.ErrorIs(t, h.conn.Err(), pool.ErrStaleHandle)
}

func TestConn_HardErrorDefersCloseForZeroCopy(t *testing.T) {
	h := newHarness(t, 2)
	h.submit(t, protocol.OpSet, 0)
	require.Equal(t, StatusProgress, h.conn.SendPending())

	h.tr.rxErr = errors.New("connection reset by peer")
	assert.Equal(t, StatusClosed, h.conn.Receive())
	assert.Equal(t, StateClosing, h.conn.State())
	assert.False(t, h.tr.closed, "transport closed while payload still referenced")
	assert.Equal(t, 1, h.reqs.Live())

	err := h.conn.Drain(context.Background())
	assert.ErrorContains(t, err, "connection reset by peer")
	assert.Equal(t, StateClosed, h.conn.State())
	assert.True(t, h.tr.closed)
	assert.Equal(t, 0, h.reqs.Live())
	assert.Equal(t, 0, h.bufs.InUse())
}

func TestConn_HardErrorWithoutZeroCopyClosesImmediately(t *testing.T) {
	h := newHarness(t, 2)
	h.submit(t, protocol.OpGet, 0)
	require.Equal(t, StatusProgress, h.conn.SendPending())

	h.tr.rxErr = transport.ErrClosed
	assert.Equal(t, StatusClosed, h.conn.Receive())
	assert.Equal(t, StateClosed, h.conn.State())
	assert.ErrorIs(t, h.conn.Err(), transport.ErrClosed)
	assert.Equal(t, 0, h.reqs.Live())
}

func TestConn_SetPayloadSendErrorIsFatal(t *testing.T) {
	h := newHarness(t, 2)
	h.tr.sendBudget = protocol.HeaderSize
	h.submit(t, protocol.OpSet, 0)
	assert.Equal(t, StatusProgress, h.conn.SendPending())

	h.tr.sendBudget = -1
	h.tr.sendErr = errors.New("broken pipe")
	assert.Equal(t, StatusClosed, h.conn.SendPending())
	assert.Equal(t, StateClosed, h.conn.State())
	assert.ErrorContains(t, h.conn.Err(), "broken pipe")
	assert.Equal(t, 0, h.reqs.Live())
}

func TestConn_CloseReleasesEverything(t *testing.T) {
	h := newHarness(t, 4)
	h.submit(t, protocol.OpSet, 0)
	h.submit(t, protocol.OpGet, 8)
	require.Equal(t, StatusProgress, h.conn.SendPending())
	h.submit(t, protocol.OpGet, 16)

	require.NoError(t, h.conn.Close(context.Background()))
	assert.Equal(t, StateClosed, h.conn.State())
	assert.Equal(t, 0, h.reqs.Live())
	assert.Equal(t, 0, h.bufs.InUse())
	require.NoError(t, h.conn.Close(context.Background()))
}

func TestConn_AdvanceCursor(t *testing.T) {
	h := newHarness(t, 1)
	h.conn.SetCursor(100)

	prev := uint64(0)
	for i := 0; i < 5; i++ {
		lba := h.conn.AdvanceCursor(10, 150)
		if i > 0 {
			assert.Equal(t, prev+10, lba)
		}
		prev = lba
	}
	assert.Equal(t, uint64(150), h.conn.Cursor())

	assert.Panics(t, func() { h.conn.AdvanceCursor(10, 150) })
}
