package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/wesleyorama2/blkload/internal/bench/conn"
	"github.com/wesleyorama2/blkload/internal/bench/metrics"
	"github.com/wesleyorama2/blkload/internal/bench/pacer"
	"github.com/wesleyorama2/blkload/internal/bench/pool"
	"github.com/wesleyorama2/blkload/internal/bench/protocol"
)

// drainTimeout bounds how long a failed connection waits for zero-copy
// sends before it is torn down regardless.
const drainTimeout = 5 * time.Second

// ErrConnectionLost is returned when a worker's connection closes before
// the run is over.
var ErrConnectionLost = errors.New("sweep: connection lost")

// worker is the per-connection context: pools, connection, pacer and
// phase tracker are owned by exactly one goroutine.
type worker struct {
	rank   int
	opts   *Options
	logger *slog.Logger

	reqs  *pool.RequestPool
	bufs  *pool.BufferPool
	conn  *conn.Conn
	pacer *pacer.Pacer
	track *metrics.Tracker

	phaseDone bool
}

func newWorker(rank int, opts *Options) *worker {
	w := &worker{
		rank: rank,
		opts: opts,
		reqs: pool.NewRequestPool(opts.Outstanding),
		bufs: pool.NewBufferPool(int(opts.Workload.Blocks)*protocol.SectorSize, 2*opts.Outstanding),
	}
	w.logger = opts.Logger.With("worker", rank, "target", w.addr())
	w.conn = conn.New(conn.Options{
		Requests:   w.reqs,
		Buffers:    w.bufs,
		OnComplete: w.onComplete,
		Logger:     w.logger,
	})
	w.pacer = pacer.New(pacer.Config{
		Workload: opts.Workload,
		Cursor:   w.conn,
		Seed:     opts.Seed + uint64(rank),
		Logger:   w.logger,
	})
	w.track = metrics.NewTracker(opts.Threads)
	return w
}

func (w *worker) addr() string {
	return net.JoinHostPort(w.opts.Host, strconv.Itoa(w.opts.BasePort+w.rank))
}

// Reserve implements pacer.Emitter.
func (w *worker) Reserve() (*pool.Request, error) {
	r, err := w.reqs.Allocate()
	if err != nil {
		return nil, err
	}
	buf, err := w.bufs.Get()
	if err != nil {
		w.reqs.Free(r)
		return nil, err
	}
	r.Buf = buf
	return r, nil
}

// Submit implements pacer.Emitter.
func (w *worker) Submit(r *pool.Request) error {
	if err := w.conn.Enqueue(r); err != nil {
		w.bufs.Put(r.Buf)
		w.reqs.Free(r)
		return err
	}
	return nil
}

func (w *worker) onComplete(r *pool.Request, now time.Time) {
	if w.track.Complete(r.Op == protocol.OpGet, r.SubmittedAt, now) {
		w.phaseDone = true
	}
}

// run connects, then executes every step in lockstep with the other
// workers. Invariant violations surface as errors.
func (w *worker) run(ctx context.Context, b *Barrier, steps []Step, hooks *hooks) (out []metrics.Summary, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ie, ok := rec.(*pool.InvariantError)
			if !ok {
				panic(rec)
			}
			err = fmt.Errorf("worker %d: %w", w.rank, ie)
			w.abandon()
		}
	}()

	if err := w.conn.Open(ctx, w.opts.Dialer, w.addr()); err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.rank, err)
	}
	hooks.opened()
	defer func() {
		if cerr := w.conn.Close(context.Background()); cerr != nil && err == nil {
			err = fmt.Errorf("worker %d: close: %w", w.rank, cerr)
		}
		hooks.closed()
	}()
	w.logger.Debug("connected")

	if err := b.Wait(ctx); err != nil {
		return nil, err
	}
	if w.rank == 0 {
		hooks.header()
	}
	if w.opts.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.opts.StartDelay):
		}
	}

	for _, step := range steps {
		if err := b.Wait(ctx); err != nil {
			return out, err
		}
		w.begin(step)
		if err := w.runPhase(ctx); err != nil {
			return out, err
		}
		s := w.track.Summary()
		out = append(out, s)
		w.logger.Debug("phase complete", "phase", step.Index, "rate", step.Target, "iops", s.IOPS, "missed", s.Missed)
		if w.rank == 0 {
			hooks.row(s)
		}
	}
	return out, nil
}

// begin resets the tracker and pacer for step. In precondition mode every
// worker writes its own contiguous slice of the device exactly once.
func (w *worker) begin(step Step) {
	work := w.opts.Workload
	interval := pacer.Interval(step.Target, w.opts.Threads)
	limit := work.CapacityBlocks

	switch step.Kind {
	case metrics.KindPrecondition:
		total := work.CapacityBlocks / uint64(work.Blocks)
		count, first := Partition(total, w.opts.Threads, w.rank)
		w.conn.SetCursor(first * uint64(work.Blocks))
		limit = (first + count) * uint64(work.Blocks)
		w.track.Begin(step.Kind, step.Index, step.Target, metrics.SingleWindow(count))
	default:
		w.track.Begin(step.Kind, step.Index, step.Target, metrics.StandardWindow(step.N))
	}
	w.pacer.Reset(&w.track.Phase, interval, limit)
	w.phaseDone = w.track.Done()
}

// runPhase is the poll-and-dispatch loop for one phase.
func (w *worker) runPhase(ctx context.Context) error {
	for !w.phaseDone {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := w.pacer.Tick(time.Now(), w); err != nil {
			return w.lost(ctx, err)
		}
		tx := w.conn.SendPending()
		rx := w.conn.Receive()
		if w.phaseDone {
			break
		}
		if tx == conn.StatusClosed || rx == conn.StatusClosed {
			return w.lost(ctx, w.conn.Err())
		}
		if tx != conn.StatusWouldBlock || rx != conn.StatusWouldBlock {
			continue
		}

		// A starved pacer blocks until a response or a finished zero-copy
		// send frees a slot.
		timeout := time.Duration(-1)
		if !w.track.SendsDone() && !w.pacer.Starved() {
			next := w.pacer.Next()
			if next.IsZero() {
				continue
			}
			timeout = time.Until(next)
			if timeout <= 0 {
				continue
			}
		}
		if _, err := w.conn.Wait(ctx, timeout); err != nil {
			return err
		}
	}
	return nil
}

// lost drains a failed connection and reports the failure.
func (w *worker) lost(ctx context.Context, cause error) error {
	if cause == nil {
		cause = conn.ErrConnClosed
	}
	dctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	_ = w.conn.Drain(dctx)

	ph := w.track.Phase
	w.logger.Warn("connection closed during phase",
		"phase", ph.Index, "sent", ph.Sent, "completed", ph.Measure, "error", cause)
	return fmt.Errorf("worker %d: %w: %w", w.rank, ErrConnectionLost, cause)
}

// abandon tears the connection down after an invariant violation. Any
// further violation during teardown is ignored.
func (w *worker) abandon() {
	defer func() { _ = recover() }()
	if w.conn.State() == conn.StateActive || w.conn.State() == conn.StateClosing {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		_ = w.conn.Close(ctx)
	}
}
