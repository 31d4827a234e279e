package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"memkv/pkg/dberrors"
	"memkv/pkg/types"
	"memkv/pkg/wal"
)

const (
	DefaultBacklogSize = 10_000
	DefaultBatchSize   = 128
	DefaultHeartbeat   = 500 * time.Millisecond
	DefaultRetryDelay  = 200 * time.Millisecond
)

// Source gives the primary access to the partition's log and state.
type Source interface {
	// ReadRange returns logged records with from <= Seq <= to, or
	// dberrors.ErrNotFound when the log no longer reaches back to from.
	ReadRange(from, to uint64) ([]wal.Record, error)
	// WriteSnapshot writes the current state in snapshot format and returns
	// the sequence number it covers.
	WriteSnapshot(ctx context.Context, w io.Writer) (uint64, error)
}

type Config struct {
	Partition   string
	Self        string // address replicas know this primary by
	BacklogSize int
	BatchSize   int
	Heartbeat   time.Duration
	RetryDelay  time.Duration
}

func (c *Config) defaults() {
	if c.BacklogSize <= 0 {
		c.BacklogSize = DefaultBacklogSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Primary ships a partition's log to its replicas and tracks their
// acknowledgements. Replicate is called from the partition executor after a
// record is logged; Wait is called by request goroutines.
type Primary struct {
	cfg  Config
	role Role
	src  Source
	tr   Transport
	log  *slog.Logger

	backlog *skipmap.FuncMap[uint64, wal.Record]
	first   atomic.Uint64 // oldest seq in backlog, 0 when empty
	head    atomic.Uint64

	mu        sync.Mutex
	followers map[string]*follower
	changed   chan struct{} // closed and replaced on every ack

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type follower struct {
	addr   string
	acked  atomic.Uint64
	notify chan struct{}
	cancel context.CancelFunc
}

// NewPrimary starts with an empty backlog at head. role must be a primary role.
func NewPrimary(cfg Config, role Role, head uint64, src Source, tr Transport) *Primary {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Primary{
		cfg:       cfg,
		role:      role,
		src:       src,
		tr:        tr,
		log:       slog.With("partition", cfg.Partition, "component", "replication"),
		backlog:   skipmap.NewFunc[uint64, wal.Record](func(a, b uint64) bool { return a < b }),
		followers: map[string]*follower{},
		changed:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.head.Store(head)
	return p
}

func (p *Primary) Role() Role { return p.role }

func (p *Primary) Head() uint64 { return p.head.Load() }

// Replicate appends rec to the backlog and wakes the followers.
func (p *Primary) Replicate(rec wal.Record) {
	p.backlog.Store(rec.Seq, rec)
	p.head.Store(rec.Seq)
	if p.first.Load() == 0 {
		p.first.Store(rec.Seq)
	}
	for p.backlog.Len() > p.cfg.BacklogSize {
		f := p.first.Load()
		p.backlog.Delete(f)
		p.first.Store(f + 1)
	}

	p.mu.Lock()
	for _, f := range p.followers {
		select {
		case f.notify <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()
}

// SetReplicas starts shipping to new addresses and stops the removed ones.
func (p *Primary) SetReplicas(addrs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}

	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
		if _, ok := p.followers[a]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(p.ctx)
		f := &follower{addr: a, notify: make(chan struct{}, 1), cancel: cancel}
		p.followers[a] = f
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, f)
		}()
		p.log.Info("replica attached", "addr", a)
	}
	for a, f := range p.followers {
		if !want[a] {
			f.cancel()
			delete(p.followers, a)
			p.log.Info("replica detached", "addr", a)
		}
	}
	p.signalLocked()
}

func (p *Primary) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Primary) signal() {
	p.mu.Lock()
	p.signalLocked()
	p.mu.Unlock()
}

// FollowerState is a replica's acknowledged position.
type FollowerState struct {
	Addr  string `json:"addr"`
	Acked uint64 `json:"acked"`
}

func (p *Primary) Followers() []FollowerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FollowerState, 0, len(p.followers))
	for _, f := range p.followers {
		out = append(out, FollowerState{Addr: f.addr, Acked: f.acked.Load()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Required is the number of replica acknowledgements level needs out of n replicas.
func Required(level types.Durability, n int) int {
	switch level {
	case types.DurabilityAll:
		return n
	case types.DurabilityQuorum:
		// ⌈(n+1)/2⌉
		need := (n + 2) / 2
		if need > n {
			need = n
		}
		return need
	}
	return 0
}

// Wait blocks until seq is acknowledged by enough replicas for level. When the
// context ends first the write has an unknown outcome: ErrTimeout.
func (p *Primary) Wait(ctx context.Context, seq uint64, level types.Durability) error {
	if seq == 0 {
		return nil
	}
	for {
		p.mu.Lock()
		need := Required(level, len(p.followers))
		got := 0
		for _, f := range p.followers {
			if f.acked.Load() >= seq {
				got++
			}
		}
		ch := p.changed
		p.mu.Unlock()

		if got >= need {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: seq %d acknowledged by %d of %d required replicas", dberrors.ErrTimeout, seq, got, need)
		case <-p.ctx.Done():
			return dberrors.ErrClosed
		}
	}
}

func (p *Primary) Close() {
	p.cancel()
	p.wg.Wait()
}

// collect returns up to BatchSize records starting at next, from the backlog
// if it still has them, else from the log.
func (p *Primary) collect(next uint64) ([]wal.Record, error) {
	head := p.head.Load()
	if next > head {
		return nil, nil
	}
	to := head
	if n := uint64(p.cfg.BatchSize); to-next+1 > n {
		to = next + n - 1
	}

	if first := p.first.Load(); first != 0 && next >= first {
		out := make([]wal.Record, 0, to-next+1)
		for s := next; s <= to; s++ {
			rec, ok := p.backlog.Load(s)
			if !ok {
				break
			}
			out = append(out, rec)
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	recs, err := p.src.ReadRange(next, to)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 || recs[0].Seq != next {
		return nil, fmt.Errorf("%w: log has no record %d", dberrors.ErrNotFound, next)
	}
	return recs, nil
}

func (p *Primary) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(p.cfg.RetryDelay):
		return true
	}
}

type followerMode uint8

const (
	modeHandshake followerMode = iota
	modeFullSync
	modeStream
)

func (p *Primary) run(ctx context.Context, f *follower) {
	log := p.log.With("replica", f.addr)
	mode := modeHandshake
	heartbeat := time.NewTimer(p.cfg.Heartbeat)
	defer heartbeat.Stop()

	for ctx.Err() == nil {
		switch mode {
		case modeHandshake:
			st, err := p.tr.PSync(ctx, f.addr, p.cfg.Partition, p.cfg.Self)
			if err != nil {
				log.Debug("psync failed", "error", err)
				if !p.backoff(ctx) {
					return
				}
				continue
			}
			if st.Role != KindPrimary && CanContinue(p.role, st.ReplID, st.Applied, p.head.Load()) {
				f.acked.Store(st.Applied)
				p.signal()
				mode = modeStream
				log.Info("replica continues incrementally", "applied", st.Applied, "repl_id", st.ReplID)
			} else {
				log.Info("replica needs full sync", "applied", st.Applied, "repl_id", st.ReplID, "role", st.Role.String())
				mode = modeFullSync
			}

		case modeFullSync:
			ack, err := p.tr.FullSync(ctx, f.addr, p.cfg.Partition, p.cfg.Self, func(w io.Writer) error {
				_, err := p.src.WriteSnapshot(ctx, w)
				return err
			})
			if err != nil {
				log.Warn("full sync failed", "error", err)
				if !p.backoff(ctx) {
					return
				}
				mode = modeHandshake
				continue
			}
			f.acked.Store(ack.Applied)
			p.signal()
			mode = modeStream
			log.Info("full sync done", "applied", ack.Applied)

		case modeStream:
			recs, err := p.collect(f.acked.Load() + 1)
			if errors.Is(err, dberrors.ErrNotFound) {
				log.Info("replica fell behind the log", "acked", f.acked.Load(), "error", err)
				mode = modeFullSync
				continue
			}
			if err != nil {
				log.Warn("read log for replica", "error", err)
				if !p.backoff(ctx) {
					return
				}
				continue
			}
			if len(recs) == 0 {
				select {
				case <-ctx.Done():
					return
				case <-f.notify:
					continue
				case <-heartbeat.C:
					heartbeat.Reset(p.cfg.Heartbeat)
				}
			}

			ack, err := p.tr.Apply(ctx, f.addr, p.cfg.Partition, Batch{
				From:    p.cfg.Self,
				ReplID:  p.role.ReplID,
				Head:    p.head.Load(),
				Records: recs,
			})
			var gap *dberrors.GapError
			switch {
			case errors.As(err, &gap):
				log.Debug("replica reported gap", "applied", gap.Applied)
				f.acked.Store(gap.Applied)
				continue
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				log.Warn("ship records failed", "error", err)
				if !p.backoff(ctx) {
					return
				}
				mode = modeHandshake
				continue
			}
			if ack.Applied != f.acked.Load() {
				f.acked.Store(ack.Applied)
				p.signal()
			}
		}
	}
}
