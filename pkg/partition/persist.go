package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"memkv/pkg/command"
	"memkv/pkg/compression"
	"memkv/pkg/replication"
	"memkv/pkg/snapshot"
	"memkv/pkg/tvs"
	"memkv/pkg/wal"
)

var errBusy = errors.New("partition: background job already running")

// housekeep runs on every tick: expiry sweep, token expiry, snapshot rules
// and the log rewrite trigger.
func (p *Partition) housekeep() {
	now := p.opts.Clock.Now()
	ms := now.UnixMilli()

	if p.role.Kind == replication.KindPrimary && p.failed == nil &&
		p.opts.SweepInterval > 0 && now.Sub(p.lastSweep) >= p.opts.SweepInterval {
		p.lastSweep = now
		p.sweep(ms)
	}
	p.tokens.expire(ms)

	if p.role.Kind != replication.KindTransitioning && p.snapshotDue(now) {
		if _, err := p.startSnapshot(now); err != nil && !errors.Is(err, errBusy) {
			p.log.Warn("scheduled snapshot not started", "error", err)
		}
	}
	if p.role.Kind != replication.KindTransitioning && p.rewriteDue() {
		if _, err := p.startRewrite(); err != nil && !errors.Is(err, errBusy) {
			p.log.Warn("log rewrite not started", "error", err)
		}
	}
}

func (p *Partition) snapshotDue(now time.Time) bool {
	if p.changes == 0 {
		return false
	}
	elapsed := now.Sub(p.lastSnapshot)
	for _, r := range p.opts.SnapshotRules {
		if elapsed >= r.After && p.changes >= r.Changes {
			return true
		}
	}
	return false
}

func (p *Partition) rewriteDue() bool {
	if p.opts.RewritePercentage <= 0 {
		return false
	}
	size := p.wal.Size()
	if size < p.opts.RewriteMinSize {
		return false
	}
	base := p.rewriteBase
	if base <= 0 {
		return true
	}
	return (size-base)*100/base >= int64(p.opts.RewritePercentage)
}

// Snapshot writes a snapshot of the current state and waits for it.
func (p *Partition) Snapshot(ctx context.Context) (snapshot.Meta, error) {
	var (
		done <-chan snapshotResult
		err  error
	)
	if derr := p.do(ctx, func() { done, err = p.startSnapshot(p.opts.Clock.Now()) }); derr != nil {
		return snapshot.Meta{}, derr
	}
	if err != nil {
		return snapshot.Meta{}, err
	}
	select {
	case res := <-done:
		return res.meta, res.err
	case <-ctx.Done():
		return snapshot.Meta{}, ctx.Err()
	}
}

type snapshotResult struct {
	meta snapshot.Meta
	err  error
}

// startSnapshot freezes the state on the executor and encodes it in the
// background. Writes continue meanwhile.
func (p *Partition) startSnapshot(now time.Time) (<-chan snapshotResult, error) {
	if !p.snapshotting.CompareAndSwap(false, true) {
		return nil, errBusy
	}
	hdr := snapshot.Header{Seq: p.applied, ReplID: p.role.ReplID, Codec: compression.Zstd}
	view := p.store.Freeze()
	p.changes = 0
	p.lastSnapshot = now

	out := make(chan snapshotResult, 1)
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer p.snapshotting.Store(false)
		m, err := p.saveSnapshot(hdr, view)
		out <- snapshotResult{meta: m, err: err}
	}()
	return out, nil
}

func (p *Partition) saveSnapshot(hdr snapshot.Header, view *tvs.View) (snapshot.Meta, error) {
	m, err := snapshot.Save(p.opts.Dir, hdr, view)
	if err != nil {
		p.log.Error("snapshot failed", "seq", hdr.Seq, "error", err)
		return m, err
	}
	oldest, err := snapshot.Prune(p.opts.Dir, p.opts.SnapshotRetain)
	if err != nil {
		return m, fmt.Errorf("prune snapshots: %w", err)
	}
	// the log is still needed behind a base that is newer than the oldest snapshot
	if base, ok := p.wal.Base(); ok && base < oldest {
		oldest = base
	}
	if err := p.wal.TruncateBefore(oldest); err != nil {
		return m, fmt.Errorf("truncate log: %w", err)
	}
	return m, nil
}

// Rewrite compacts the log into a base file reconstructing the current state.
func (p *Partition) Rewrite(ctx context.Context) error {
	var (
		done <-chan error
		err  error
	)
	if derr := p.do(ctx, func() { done, err = p.startRewrite() }); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Partition) startRewrite() (<-chan error, error) {
	if !p.rewriting.CompareAndSwap(false, true) {
		return nil, errBusy
	}
	seq, err := p.wal.BeginRewrite()
	if err != nil {
		p.rewriting.Store(false)
		return nil, err
	}
	view := p.store.Freeze()
	before := p.wal.Size()

	out := make(chan error, 1)
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer p.rewriting.Store(false)
		err := p.wal.CompleteRewrite(seq, func(emit func(wal.Record) error) error {
			var gerr error
			view.Ascend(func(e tvs.Entry) bool {
				recs, err := command.Synthesize(e)
				if err != nil {
					gerr = err
					return false
				}
				for _, r := range recs {
					if gerr = emit(r); gerr != nil {
						return false
					}
				}
				return true
			})
			return gerr
		})
		after := p.wal.Size()
		if err != nil {
			p.log.Error("log rewrite failed", "seq", seq, "error", err)
		} else {
			p.log.Info("log rewritten", "seq", seq, "keys", view.Len(),
				"before", humanize.IBytes(uint64(before)), "after", humanize.IBytes(uint64(after)))
		}
		// a failed rewrite waits for the log to grow again before retrying
		_ = p.submit(func() { p.rewriteBase = after })
		out <- err
	}()
	return out, nil
}

// submit queues fn without waiting.
func (p *Partition) submit(fn func()) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.tasks <- fn:
		return true
	case <-p.exec.Done():
		return false
	}
}
