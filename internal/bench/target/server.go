// Package target is a minimal responder for the block protocol. Reads
// return zeroed payloads and writes are discarded; it exists to smoke-test
// the load generator, not to store anything.
package target

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/blkload/internal/bench/protocol"
)

// Config configures a Server.
type Config struct {
	Host     string
	BasePort int

	// Ports is how many consecutive ports to listen on, one per worker.
	Ports int

	// CapacityBlocks rejects requests addressing past the device end when
	// non-zero.
	CapacityBlocks uint64

	// MaxBlocks bounds the block count of a single request.
	MaxBlocks uint32

	// Delay is added to every response. Jitter adds a random extra delay
	// up to the given bound and lets responses overtake each other.
	Delay  time.Duration
	Jitter time.Duration

	// Observe, when set, sees every valid request header. It is called
	// concurrently from all connections.
	Observe func(h protocol.Header)
}

// Stats counts served traffic.
type Stats struct {
	Conns int64
	Open  int64
	Gets  int64
	Sets  int64
}

// Server answers block requests.
type Server struct {
	cfg    Config
	logger *slog.Logger
	zeros  []byte

	conns atomic.Int64
	gets  atomic.Int64
	sets  atomic.Int64

	mu       sync.Mutex
	open     map[net.Conn]struct{}
	stopping bool
}

// New returns a server.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.Ports < 1 {
		cfg.Ports = 1
	}
	if cfg.MaxBlocks == 0 {
		cfg.MaxBlocks = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		zeros:  make([]byte, int(cfg.MaxBlocks)*protocol.SectorSize),
		open:   make(map[net.Conn]struct{}),
	}
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	open := int64(len(s.open))
	s.mu.Unlock()
	return Stats{Conns: s.conns.Load(), Open: open, Gets: s.gets.Load(), Sets: s.sets.Load()}
}

// track registers c until its handler returns. It reports false once the
// server is stopping.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.open[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.open, c)
	s.mu.Unlock()
}

// closeAll stops tracking and closes every open connection.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
	for c := range s.open {
		c.Close()
	}
}

// Listen opens one listener per configured port.
func (s *Server) Listen() ([]net.Listener, error) {
	lns := make([]net.Listener, 0, s.cfg.Ports)
	for i := 0; i < s.cfg.Ports; i++ {
		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.BasePort+i))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range lns {
				l.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		lns = append(lns, ln)
	}
	return lns, nil
}

// ListenAndServe listens on every port and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lns, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, lns)
}

// Serve accepts connections on lns until ctx is done, then closes the
// listeners and waits for open connections to finish.
func (s *Server) Serve(ctx context.Context, lns []net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		for _, ln := range lns {
			ln.Close()
		}
		s.closeAll()
		return nil
	})

	for _, ln := range lns {
		s.logger.Info("target listening", "addr", ln.Addr().String())
		g.Go(func() error {
			for {
				c, err := ln.Accept()
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				if err != nil {
					s.logger.Warn("accept", "error", err)
					continue
				}
				if !s.track(c) {
					c.Close()
					continue
				}
				s.conns.Add(1)

				g.Go(func() error {
					defer s.untrack(c)
					if err := s.handle(c); err != nil && !isHangup(err) {
						s.logger.Warn("connection ended", "remote", c.RemoteAddr().String(), "error", err)
					}
					return nil
				})
			}
		})
	}
	return g.Wait()
}

// responder serialises writes on one connection.
type responder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (r *responder) reply(h protocol.Header, payload []byte, flush bool) error {
	var hdr [protocol.HeaderSize]byte
	h.Encode(hdr[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := r.w.Write(payload); err != nil {
			return err
		}
	}
	if flush {
		return r.w.Flush()
	}
	return nil
}

func (s *Server) handle(c net.Conn) error {
	defer c.Close()

	br := bufio.NewReaderSize(c, 256<<10)
	resp := &responder{w: bufio.NewWriterSize(c, 256<<10)}
	var inflight sync.WaitGroup
	defer inflight.Wait()

	var hdr [protocol.HeaderSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return err
		}
		h, err := protocol.DecodeValid(hdr[:])
		if err != nil {
			return err
		}
		if h.BlockCount > s.cfg.MaxBlocks {
			return fmt.Errorf("%w: %d blocks", protocol.ErrPayloadTooBig, h.BlockCount)
		}
		if s.cfg.CapacityBlocks > 0 && h.LBA+uint64(h.BlockCount) > s.cfg.CapacityBlocks {
			return fmt.Errorf("request [%d, +%d) past device end %d", h.LBA, h.BlockCount, s.cfg.CapacityBlocks)
		}

		if s.cfg.Observe != nil {
			s.cfg.Observe(h)
		}

		var payload []byte
		switch h.Opcode {
		case protocol.OpSet:
			if _, err := io.CopyN(io.Discard, br, int64(h.PayloadLen())); err != nil {
				return err
			}
			s.sets.Add(1)
		case protocol.OpGet:
			payload = s.zeros[:h.PayloadLen()]
			s.gets.Add(1)
		}

		if s.cfg.Jitter > 0 {
			d := s.cfg.Delay + rand.N(s.cfg.Jitter)
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				time.Sleep(d)
				if err := resp.reply(h, payload, true); err != nil {
					c.Close()
				}
			}()
			continue
		}

		if s.cfg.Delay > 0 {
			time.Sleep(s.cfg.Delay)
		}
		// Flush only when no further header is already buffered.
		if err := resp.reply(h, payload, br.Buffered() < protocol.HeaderSize); err != nil {
			return err
		}
	}
}

func isHangup(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
