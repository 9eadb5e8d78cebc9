package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// TCPConfig sizes the buffers of a TCPConn.
type TCPConfig struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// RxBuffer is how many received bytes may sit unread before the
	// reader stops pulling from the socket.
	RxBuffer int

	// TxWindow is how many bytes may be queued for transmission before
	// Send and SendZC report ErrWouldBlock.
	TxWindow int

	// ReadChunk is the size of a single socket read.
	ReadChunk int
}

// DefaultTCPConfig returns buffer sizes suited to 4 KiB block traffic.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		DialTimeout: 5 * time.Second,
		RxBuffer:    4 << 20,
		TxWindow:    4 << 20,
		ReadChunk:   64 << 10,
	}
}

// TCPDialer dials TCPConns.
type TCPDialer struct {
	Config TCPConfig
}

// Dial connects to addr.
func (d *TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	cfg := d.Config
	if cfg.RxBuffer == 0 {
		cfg = DefaultTCPConfig()
	}
	nd := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewTCPConn(nc, cfg), nil
}

type segment struct {
	data []byte
	done func()
}

// TCPConn adapts a blocking net.Conn to the non-blocking Conn contract.
// A reader goroutine fills a bounded receive buffer and a writer goroutine
// drains a bounded transmit queue; both wake Wait through notify.
type TCPConn struct {
	nc  net.Conn
	cfg TCPConfig

	mu      sync.Mutex
	rx      bytes.Buffer
	rxErr   error
	rxRoom  *sync.Cond
	tx      []segment
	txBytes int
	txErr   error
	txReady *sync.Cond
	done    []func()
	closed  bool

	notify chan struct{}
	wg     sync.WaitGroup
}

// NewTCPConn wraps an established connection and starts its I/O goroutines.
func NewTCPConn(nc net.Conn, cfg TCPConfig) *TCPConn {
	c := &TCPConn{
		nc:     nc,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
	c.rxRoom = sync.NewCond(&c.mu)
	c.txReady = sync.NewCond(&c.mu)

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *TCPConn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *TCPConn) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, c.cfg.ReadChunk)
	for {
		n, err := c.nc.Read(buf)

		c.mu.Lock()
		if n > 0 {
			c.rx.Write(buf[:n])
		}
		if err != nil {
			if c.closed || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.rxErr = ErrClosed
			} else {
				c.rxErr = err
			}
		}
		for c.rxErr == nil && !c.closed && c.rx.Len() >= c.cfg.RxBuffer {
			c.rxRoom.Wait()
		}
		stop := c.rxErr != nil || c.closed
		c.mu.Unlock()

		c.wake()
		if stop {
			return
		}
	}
}

func (c *TCPConn) writeLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		for len(c.tx) == 0 && !c.closed && c.txErr == nil {
			c.txReady.Wait()
		}
		if c.closed || c.txErr != nil {
			c.mu.Unlock()
			return
		}
		seg := c.tx[0]
		c.mu.Unlock()

		_, err := c.nc.Write(seg.data)

		c.mu.Lock()
		c.tx[0] = segment{}
		c.tx = c.tx[1:]
		c.txBytes -= len(seg.data)
		if seg.done != nil {
			c.done = append(c.done, seg.done)
		}
		if err != nil {
			if c.closed || errors.Is(err, net.ErrClosed) {
				c.txErr = ErrClosed
			} else {
				c.txErr = err
			}
			c.abortTxLocked()
		}
		c.mu.Unlock()

		c.wake()
		if err != nil {
			return
		}
	}
}

// abortTxLocked drops every queued segment, scheduling its callback.
func (c *TCPConn) abortTxLocked() {
	for i, seg := range c.tx {
		if seg.done != nil {
			c.done = append(c.done, seg.done)
		}
		c.tx[i] = segment{}
	}
	c.tx = nil
	c.txBytes = 0
}

// Recv implements Conn.
func (c *TCPConn) Recv(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rx.Len() > 0 {
		n, _ := c.rx.Read(p)
		c.rxRoom.Signal()
		return n, nil
	}
	if c.rxErr != nil {
		return 0, c.rxErr
	}
	if c.closed {
		return 0, ErrClosed
	}
	return 0, ErrWouldBlock
}

// Send implements Conn.
func (c *TCPConn) Send(p []byte) (int, error) {
	return c.enqueue(p, nil, true)
}

// SendZC implements Conn.
func (c *TCPConn) SendZC(p []byte, done func()) (int, error) {
	return c.enqueue(p, done, false)
}

func (c *TCPConn) enqueue(p []byte, done func(), copyData bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.txErr != nil {
		return 0, c.txErr
	}
	room := c.cfg.TxWindow - c.txBytes
	if room <= 0 {
		return 0, ErrWouldBlock
	}

	n := min(len(p), room)
	data := p[:n]
	if copyData {
		data = append([]byte(nil), data...)
	}
	c.tx = append(c.tx, segment{data: data, done: done})
	c.txBytes += n
	c.txReady.Signal()
	return n, nil
}

// Wait implements Conn.
func (c *TCPConn) Wait(ctx context.Context, timeout time.Duration) (Reason, error) {
	if r, urgent := c.ready(); urgent || timeout == 0 {
		return r, nil
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timerC:
		r, _ := c.ready()
		return r &^ Writable, nil
	case <-c.notify:
	}

	r, _ := c.ready()
	return r, nil
}

// ready runs due SendZC callbacks and reports the current readiness.
// urgent is set when something other than transmit room is pending.
func (c *TCPConn) ready() (r Reason, urgent bool) {
	c.mu.Lock()
	if c.rx.Len() > 0 || c.rxErr != nil {
		r |= Readable
	}
	if c.rxErr != nil || c.txErr != nil || c.closed {
		r |= Closed
	} else if c.txBytes < c.cfg.TxWindow {
		r |= Writable
	}
	callbacks := c.done
	c.done = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return r, r&(Readable|Closed) != 0 || len(callbacks) > 0
}

// Close implements Conn.
func (c *TCPConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.rxRoom.Broadcast()
	c.txReady.Broadcast()
	c.mu.Unlock()

	err := c.nc.Close()
	c.wg.Wait()

	c.mu.Lock()
	c.abortTxLocked()
	callbacks := c.done
	c.done = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return err
}

var _ Conn = (*TCPConn)(nil)
