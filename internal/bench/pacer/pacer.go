// Package pacer decides when a worker issues its next requests and what
// they address.
package pacer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/wesleyorama2/blkload/internal/bench/metrics"
	"github.com/wesleyorama2/blkload/internal/bench/pool"
	"github.com/wesleyorama2/blkload/internal/bench/protocol"
)

// MaxBurst caps how many requests one Tick may emit.
const MaxBurst = 32

// lbaAlign is the block alignment of random addresses.
const lbaAlign = 8

// missedSlack is the gap, in percent of the ideal interval, past which a
// send in the measure window counts as missed.
const missedSlack = 105

// Workload is the read-only request mix shared by all workers.
type Workload struct {
	ReadPercent    int
	Sequential     bool
	Precondition   bool
	Blocks         uint32
	CapacityBlocks uint64
}

// Emitter hands requests to the connection.
type Emitter interface {
	// Reserve allocates a request and its payload buffer. It returns an
	// error wrapping pool.ErrExhausted under backpressure.
	Reserve() (*pool.Request, error)

	// Submit queues a filled-in request for sending. On error the
	// request has been released.
	Submit(r *pool.Request) error
}

// Cursor is the per-connection sequential address cursor.
type Cursor interface {
	AdvanceCursor(blocks uint32, limit uint64) uint64
	Cursor() uint64
}

// Pacer admits requests against a fixed per-worker schedule.
//
// # Algorithm
//
// The ideal interval between two sends of one worker is
// I = threads / target seconds. On each Tick at time t the pacer emits
// while floor((t - Start) / I) is at least the number already sent, so a
// worker that fell behind catches up in bursts of at most MaxBurst. A Tick
// arriving less than I after the previous send does nothing.
//
// # Thread Safety
//
// A Pacer belongs to one worker and is not safe for concurrent use.
type Pacer struct {
	work     Workload
	interval time.Duration
	phase    *metrics.Phase
	cursor   Cursor
	limit    uint64
	rng      *rand.Rand
	logger   *slog.Logger

	lastSend time.Time
	starved  bool

	progress     rate.Sometimes
	nextProgress uint64
	step         uint64
}

// Config configures a Pacer.
type Config struct {
	Workload Workload
	Cursor   Cursor
	Seed     uint64
	Logger   *slog.Logger
}

// New returns a pacer. Call Reset before the first phase.
func New(cfg Config) *Pacer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pacer{
		work:     cfg.Workload,
		interval: time.Second,
		cursor:   cfg.Cursor,
		limit:    cfg.Workload.CapacityBlocks,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		logger:   cfg.Logger,
		progress: rate.Sometimes{Interval: time.Second},
		step:     max(cfg.Workload.CapacityBlocks/100, 1),
	}
}

// Interval returns the ideal gap between two sends of one worker.
func Interval(target uint64, threads int) time.Duration {
	if target == 0 {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(uint64(time.Second) * uint64(threads) / target)
}

// Reset binds the pacer to a new phase at the given per-worker interval.
// In sequential mode limit bounds the cursor for the phase.
func (p *Pacer) Reset(phase *metrics.Phase, interval time.Duration, limit uint64) {
	p.phase = phase
	p.interval = max(interval, 1)
	p.limit = limit
	p.lastSend = time.Time{}
	p.starved = false
	if p.cursor != nil {
		p.nextProgress = p.cursor.Cursor() + p.step
	}
}

// Interval returns the current per-worker interval.
func (p *Pacer) Interval() time.Duration { return p.interval }

// Starved reports whether the last Tick stopped because the emitter ran
// out of requests or buffers. Only a completion can unblock it.
func (p *Pacer) Starved() bool { return p.starved }

// Next returns the earliest time the next Tick can emit.
func (p *Pacer) Next() time.Time {
	ph := p.phase
	if ph == nil || ph.SendsDone() {
		return time.Time{}
	}
	if ph.Sent == 0 {
		return time.Time{}
	}
	due := ph.Start.Add(time.Duration(ph.Sent) * p.interval)
	if gate := p.lastSend.Add(p.interval); gate.After(due) {
		return gate
	}
	return due
}

// Tick emits the requests due at now and returns how many it emitted.
// Pool exhaustion ends the burst early without an error.
func (p *Pacer) Tick(now time.Time, em Emitter) (int, error) {
	p.starved = false
	ph := p.phase
	if ph == nil || ph.SendsDone() {
		return 0, nil
	}
	if ph.Sent > 0 && now.Sub(p.lastSend) < p.interval {
		return 0, nil
	}
	if ph.Sent == 0 {
		ph.Start = now
	}

	emitted := 0
	for emitted < MaxBurst && !ph.SendsDone() {
		if uint64(now.Sub(ph.Start)/p.interval) < ph.Sent {
			break
		}

		r, err := em.Reserve()
		if err != nil {
			if errors.Is(err, pool.ErrExhausted) {
				p.starved = true
				break
			}
			return emitted, err
		}
		r.Op = p.opcode()
		r.Blocks = p.work.Blocks
		r.LBA = p.address()
		r.SubmittedAt = now

		if ph.Sent == ph.Window.Warmup {
			ph.MeasureStart = now
		}
		if ph.SendInMeasure() && !p.lastSend.IsZero() &&
			now.Sub(p.lastSend) > p.interval*missedSlack/100 {
			ph.Missed++
		}

		if err := em.Submit(r); err != nil {
			return emitted, fmt.Errorf("submit: %w", err)
		}
		p.lastSend = now
		ph.Sent++
		emitted++
	}
	return emitted, nil
}

func (p *Pacer) opcode() protocol.Opcode {
	if p.work.Precondition {
		return protocol.OpSet
	}
	if p.rng.IntN(99) < p.work.ReadPercent {
		return protocol.OpGet
	}
	return protocol.OpSet
}

func (p *Pacer) address() uint64 {
	if !p.work.Sequential {
		return p.rng.Uint64N(p.work.CapacityBlocks) &^ (lbaAlign - 1)
	}
	lba := p.cursor.AdvanceCursor(p.work.Blocks, p.limit)
	if next := p.cursor.Cursor(); next >= p.nextProgress {
		p.nextProgress = next + p.step
		p.progress.Do(func() {
			p.logger.Info("sequential progress",
				"lba", next,
				"percent", next*100/max(p.work.CapacityBlocks, 1))
		})
	}
	return lba
}
