package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zhangyunhao116/skipmap"

	"memkv/pkg/command"
	"memkv/pkg/compression"
	"memkv/pkg/dberrors"
	"memkv/pkg/eviction"
	"memkv/pkg/listener"
	"memkv/pkg/replication"
	"memkv/pkg/snapshot"
	"memkv/pkg/tvs"
	"memkv/pkg/wal"
)

type task func()

// Partition is one slice of the keyspace together with its log, snapshots and
// replication role. All state changes run on a single executor goroutine; the
// exported methods submit tasks to it and wait for acknowledgements outside.
type Partition struct {
	opts Options
	log  *slog.Logger

	// owned by the executor
	store   *tvs.Store
	wal     *wal.WAL
	evict   *eviction.Manager
	tokens  *tokenTable
	applied uint64
	role    replication.Role
	primary *replication.Primary
	pending *skipmap.FuncMap[uint64, wal.Record]
	failed  error // set when the log refused an append

	changes      uint64
	lastSnapshot time.Time
	lastSweep    time.Time
	rewriteBase  int64 // log size right after the last rewrite

	snapshotting atomic.Bool
	rewriting    atomic.Bool

	// published for readers outside the executor
	appliedSeq  atomic.Uint64
	roleView    atomic.Pointer[replication.Role]
	primaryHead atomic.Uint64
	lastContact atomic.Int64

	tasks  chan task
	exec   *listener.Listener[task]
	ticker *time.Ticker
	ticks  *listener.Listener[time.Time]
	bg     sync.WaitGroup
	closed atomic.Bool
}

// Open recovers the partition from dir and starts its executor as a replica
// with no primary. The owner decides the role with ReplicaOf.
func Open(opts Options) (*Partition, error) {
	opts.defaults()
	if opts.ID == "" || opts.Dir == "" {
		return nil, fmt.Errorf("%w: partition needs an id and a directory", dberrors.ErrInvalidArgument)
	}
	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}

	p := &Partition{
		opts:    opts,
		log:     slog.With("partition", opts.ID),
		store:   tvs.New(),
		tokens:  newTokenTable(opts.TokenTTL.Milliseconds(), opts.TokenLimit),
		pending: skipmap.NewFunc[uint64, wal.Record](func(a, b uint64) bool { return a < b }),
		tasks:   make(chan task, opts.QueueSize),
	}

	ev, err := eviction.New(opts.Eviction, p.store, p.log)
	if err != nil {
		return nil, err
	}
	p.evict = ev

	if err := p.recover(); err != nil {
		if p.wal != nil {
			_ = p.wal.Close()
		}
		return nil, err
	}

	now := p.opts.Clock.Now()
	p.lastSnapshot, p.lastSweep = now, now
	p.rewriteBase = p.wal.Size()
	p.publishRole()
	p.appliedSeq.Store(p.applied)

	p.exec = listener.New[task](p.tasks, func(t task) error {
		t()
		return nil
	}).OnError(func(err error) {
		p.log.Error("partition executor error", "error", err)
	})
	p.exec.Start(context.Background())

	p.ticker = time.NewTicker(opts.TickInterval)
	p.ticks = listener.New[time.Time](p.ticker.C, func(t time.Time) error {
		// drop the tick when the executor is busy
		select {
		case p.tasks <- p.housekeep:
		default:
		}
		return nil
	}, p.ticker.Stop)
	p.ticks.Start(context.Background())

	p.log.Info("partition opened", "applied", p.applied, "keys", p.store.Len(),
		"used", humanize.IBytes(uint64(p.store.UsedMemory())), "repl_id", p.role.ReplID)
	return p, nil
}

// recover loads the newest valid snapshot, then a newer log base if there is
// one, then replays the log tail.
func (p *Partition) recover() error {
	hdr, ok, err := snapshot.LoadLatest(p.opts.Dir, p.store.Reset, p.restore)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if ok {
		p.applied = hdr.Seq
		p.role.ReplID = hdr.ReplID
	}

	w, err := wal.Open(wal.Options{
		Dir:           filepath.Join(p.opts.Dir, "wal"),
		SegmentSize:   p.opts.SegmentSize,
		Fsync:         p.opts.Fsync,
		FsyncInterval: p.opts.FsyncInterval,
	})
	if err != nil {
		return err
	}
	p.wal = w

	if base, has := w.Base(); has && base > p.applied {
		p.store.Reset()
		if err := w.ReplayBase(func(rec wal.Record) error {
			_, _, err := command.Apply(p.store, rec)
			return err
		}); err != nil {
			return fmt.Errorf("replay log base: %w", err)
		}
		p.applied = base
	}

	replayed := 0
	lost := false
	err = w.Replay(p.applied, func(rec wal.Record) error {
		if rec.Seq <= p.applied {
			return nil
		}
		if rec.Seq != p.applied+1 {
			// записи до rec.Seq ушли вместе с повреждёнными снимками:
			// поднимаемся с уцелевшего хвоста, а не отказываемся стартовать
			p.log.Error("DATA LOSS: operation log has a gap, recovering from the usable tail",
				"applied", p.applied, "next", rec.Seq, "lost_records", rec.Seq-p.applied-1)
			p.applied = rec.Seq - 1
			lost = true
		}
		if err := p.applyLogged(rec); err != nil {
			return err
		}
		replayed++
		return nil
	})
	corrupt := false
	if errors.Is(err, dberrors.ErrCorruption) {
		// всё, что лежит после битой записи, теряем, но стартуем
		p.log.Error("DATA LOSS: operation log is corrupt, dropping everything after the last good record",
			"applied", p.applied, "error", err)
		corrupt, lost, err = true, true, nil
	}
	if err != nil {
		return fmt.Errorf("replay log: %w", err)
	}

	if last := w.LastSeq(); !corrupt && last < p.applied {
		p.log.Warn("log is behind the snapshot, restarting it", "log", last, "snapshot", p.applied)
		if err := w.Reset(p.applied); err != nil {
			return err
		}
	}

	m, err := loadMeta(p.opts.Dir)
	if err != nil {
		return err
	}
	if m.ReplID != "" {
		p.role.ReplID, p.role.PrevReplID, p.role.DivergeSeq = m.ReplID, m.PrevReplID, m.DivergeSeq
	}
	if lost {
		// the surviving state is a new history: replicas must not continue
		// incrementally from the old one
		p.role.ReplID, p.role.PrevReplID, p.role.DivergeSeq = replication.NewReplID(), "", 0
		if err := saveMeta(p.opts.Dir, p.role); err != nil {
			return err
		}
	}
	if corrupt {
		// the replayed prefix only lives in memory now: pin it in a snapshot
		// before the log restarts behind it
		hdr := snapshot.Header{Seq: p.applied, ReplID: p.role.ReplID, Codec: compression.Zstd}
		if _, err := snapshot.Save(p.opts.Dir, hdr, p.store.Freeze()); err != nil {
			return fmt.Errorf("save snapshot over corrupt log: %w", err)
		}
		if err := w.Reset(p.applied); err != nil {
			return err
		}
	}
	p.log.Debug("log replayed", "records", replayed, "applied", p.applied)
	return nil
}

func (p *Partition) restore(e tvs.Entry) error {
	p.store.Restore(e.Key, e.Value, e.ExpireAt)
	return nil
}

// applyLogged applies a record that is already in the log.
func (p *Partition) applyLogged(rec wal.Record) error {
	reply, _, err := command.Apply(p.store, rec)
	if err != nil {
		return fmt.Errorf("apply record %d (%s): %w", rec.Seq, rec.Op, err)
	}
	p.tokens.put(rec.Token, reply, rec.Seq, rec.Timestamp)
	p.applied = rec.Seq
	return nil
}

func (p *Partition) ID() string { return p.opts.ID }

// Applied is the sequence number of the last applied record.
func (p *Partition) Applied() uint64 { return p.appliedSeq.Load() }

func (p *Partition) Role() replication.Role { return *p.roleView.Load() }

func (p *Partition) publishRole() {
	r := p.role
	p.roleView.Store(&r)
}

func (p *Partition) setApplied(seq uint64) {
	p.applied = seq
	p.appliedSeq.Store(seq)
}

func (p *Partition) nowMs() int64 { return p.opts.Clock.Now().UnixMilli() }

// do runs fn on the executor and waits for it.
func (p *Partition) do(ctx context.Context, fn func()) error {
	if p.closed.Load() {
		return dberrors.ErrClosed
	}
	done := make(chan struct{})
	select {
	case p.tasks <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return fmt.Errorf("%w: partition %s busy: %v", dberrors.ErrTimeout, p.opts.ID, ctx.Err())
	case <-p.exec.Done():
		return dberrors.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-p.exec.Done():
		select {
		case <-done:
			return nil
		default:
			return dberrors.ErrClosed
		}
	}
}

// Status is a point-in-time summary of the partition.
type Status struct {
	ID          string                      `json:"id"`
	Role        string                      `json:"role"`
	Of          string                      `json:"of,omitempty"`
	ReplID      string                      `json:"repl_id"`
	Applied     uint64                      `json:"applied"`
	PrimaryHead uint64                      `json:"primary_head,omitempty"`
	Keys        int                         `json:"keys"`
	UsedMemory  string                      `json:"used_memory"`
	Evicted     uint64                      `json:"evicted"`
	Tokens      int                         `json:"tokens"`
	LogSize     string                      `json:"log_size"`
	Followers   []replication.FollowerState `json:"followers,omitempty"`
}

func (p *Partition) Status(ctx context.Context) (Status, error) {
	var st Status
	err := p.do(ctx, func() {
		st = Status{
			ID:          p.opts.ID,
			Role:        p.role.Kind.String(),
			Of:          p.role.Of,
			ReplID:      p.role.ReplID,
			Applied:     p.applied,
			PrimaryHead: p.primaryHead.Load(),
			Keys:        p.store.Len(),
			UsedMemory:  humanize.IBytes(uint64(p.store.UsedMemory())),
			Evicted:     p.evict.Evicted(),
			Tokens:      p.tokens.len(),
			LogSize:     humanize.IBytes(uint64(p.wal.Size())),
		}
		if p.primary != nil {
			st.Followers = p.primary.Followers()
		}
	})
	return st, err
}

// Canonical renders the current state for consistency checks.
func (p *Partition) Canonical(ctx context.Context) ([]string, error) {
	var out []string
	err := p.do(ctx, func() { out = p.store.Canonical() })
	return out, err
}

func (p *Partition) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.ticks.Stop()

	var prim *replication.Primary
	_ = p.doUnchecked(func() {
		prim = p.primary
		p.primary = nil
	})
	if prim != nil {
		prim.Close()
	}
	p.exec.Stop()
	p.bg.Wait()

	if err := p.wal.Close(); err != nil {
		return fmt.Errorf("close partition %s: %w", p.opts.ID, err)
	}
	p.log.Info("partition closed", "applied", p.applied)
	return nil
}

// doUnchecked is do without the closed check, for shutdown.
func (p *Partition) doUnchecked(fn func()) error {
	done := make(chan struct{})
	select {
	case p.tasks <- func() { fn(); close(done) }:
	case <-p.exec.Done():
		return dberrors.ErrClosed
	}
	select {
	case <-done:
	case <-p.exec.Done():
	}
	return nil
}

var errSyncInProgress = errors.New("partition: full sync in progress")
