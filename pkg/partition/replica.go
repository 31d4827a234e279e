package partition

import (
	"context"
	"fmt"
	"io"
	"os"

	"memkv/pkg/compression"
	"memkv/pkg/dberrors"
	"memkv/pkg/replication"
	"memkv/pkg/snapshot"
	"memkv/pkg/tvs"
	"memkv/pkg/wal"
)

// ReplicaOf changes the partition's role. An empty primary address promotes
// the partition; otherwise it follows that address. Changing to the current
// role is a no-op.
func (p *Partition) ReplicaOf(ctx context.Context, primaryAddr string) error {
	var (
		old *replication.Primary
		err error
	)
	derr := p.do(ctx, func() {
		if primaryAddr == "" {
			err = p.promote()
			return
		}
		old, err = p.follow(primaryAddr)
	})
	if derr != nil {
		return derr
	}
	// the old primary's followers may be waiting on this executor
	if old != nil {
		old.Close()
	}
	return err
}

func (p *Partition) promote() error {
	if p.role.Kind == replication.KindPrimary {
		return nil
	}
	next, err := replication.Transition(p.role, replication.Event{
		Kind:   replication.EventPromote,
		ReplID: replication.NewReplID(),
		Seq:    p.applied,
	})
	if err != nil {
		return err
	}
	if err := saveMeta(p.opts.Dir, next); err != nil {
		return err
	}
	p.role = next
	p.publishRole()
	p.clearPending()
	p.primaryHead.Store(0)
	p.primary = replication.NewPrimary(p.opts.Replication, next, p.applied, p, p.opts.Transport)
	p.log.Info("partition promoted to primary", "applied", p.applied, "repl_id", next.ReplID, "prev_repl_id", next.PrevReplID)
	return nil
}

// follow returns the primary it replaced, to be closed off the executor.
func (p *Partition) follow(addr string) (*replication.Primary, error) {
	if p.role.Kind == replication.KindReplica && p.role.Of == addr {
		return nil, nil
	}
	next, err := replication.Transition(p.role, replication.Event{Kind: replication.EventFollow, Addr: addr})
	if err != nil {
		return nil, err
	}
	old := p.primary
	p.primary = nil
	if old != nil {
		p.log.Info("partition demoted", "applied", p.applied, "primary", addr)
	} else {
		p.log.Info("partition follows primary", "applied", p.applied, "primary", addr)
	}
	p.role = next
	p.publishRole()
	p.clearPending()
	// a fresh follower gets a grace period before lag checks fail it
	p.lastContact.Store(p.nowMs())
	return old, nil
}

// SetReplicas tells a primary partition where its replicas are. Ignored on replicas.
func (p *Partition) SetReplicas(ctx context.Context, addrs []string) error {
	return p.do(ctx, func() {
		if p.primary != nil {
			p.primary.SetReplicas(addrs)
		}
	})
}

// PSync answers the primary's handshake with this replica's position.
func (p *Partition) PSync(ctx context.Context, from string) (replication.ReplicaState, error) {
	var (
		st  replication.ReplicaState
		err error
	)
	derr := p.do(ctx, func() {
		if p.role.Kind != replication.KindPrimary && p.role.Of != from {
			err = fmt.Errorf("%w: following %q, not %q", replication.ErrStalePrimary, p.role.Of, from)
			return
		}
		st = replication.ReplicaState{ReplID: p.role.ReplID, Applied: p.applied, Role: p.role.Kind}
	})
	if derr != nil {
		return st, derr
	}
	return st, err
}

// ApplyBatch applies records shipped by the primary strictly in sequence
// order. Records at or below the applied position are duplicates. Records past
// a gap are kept until the gap is filled; the reply then carries GapError so
// the primary retransmits.
func (p *Partition) ApplyBatch(ctx context.Context, b replication.Batch) (replication.Ack, error) {
	var (
		ack replication.Ack
		err error
	)
	derr := p.do(ctx, func() {
		ack, err = p.applyBatch(b)
	})
	if derr != nil {
		return ack, derr
	}
	return ack, err
}

func (p *Partition) applyBatch(b replication.Batch) (replication.Ack, error) {
	switch {
	case p.role.Kind == replication.KindTransitioning:
		return replication.Ack{}, errSyncInProgress
	case p.role.Kind != replication.KindReplica || p.role.Of != b.From:
		return replication.Ack{}, fmt.Errorf("%w: batch from %q", replication.ErrStalePrimary, b.From)
	}
	p.lastContact.Store(p.nowMs())
	p.primaryHead.Store(b.Head)

	if b.ReplID != "" && b.ReplID != p.role.ReplID {
		next, err := replication.Transition(p.role, replication.Event{Kind: replication.EventAdopt, ReplID: b.ReplID})
		if err != nil {
			return replication.Ack{}, err
		}
		if err := saveMeta(p.opts.Dir, next); err != nil {
			return replication.Ack{}, err
		}
		p.log.Info("replica adopted primary history", "repl_id", next.ReplID, "applied", p.applied)
		p.role = next
		p.publishRole()
	}

	for _, rec := range b.Records {
		if rec.Seq > p.applied {
			p.pending.Store(rec.Seq, rec)
		}
	}
	for {
		rec, ok := p.pending.Load(p.applied + 1)
		if !ok {
			break
		}
		p.pending.Delete(rec.Seq)
		if err := p.applyReplicated(rec); err != nil {
			return replication.Ack{Applied: p.applied}, err
		}
	}

	if p.pending.Len() > 0 {
		return replication.Ack{Applied: p.applied}, &dberrors.GapError{Applied: p.applied}
	}
	return replication.Ack{Applied: p.applied}, nil
}

// applyReplicated logs and applies a record from the primary. The replica
// keeps no clock of its own: deletions of expired keys arrive as records.
func (p *Partition) applyReplicated(rec wal.Record) error {
	if err := p.wal.Append(rec); err != nil {
		p.failed = fmt.Errorf("append to log: %w", err)
		return p.failed
	}
	if err := p.applyLogged(rec); err != nil {
		p.log.Error("replicated record failed to apply", "seq", rec.Seq, "error", err)
		return err
	}
	p.appliedSeq.Store(p.applied)
	p.changes++
	return nil
}

func (p *Partition) clearPending() {
	p.pending.Range(func(seq uint64, _ wal.Record) bool {
		p.pending.Delete(seq)
		return true
	})
}

// ReceiveSync replaces the partition's state by a snapshot streamed from the
// primary at from. The image is stored as a local snapshot first, so the
// replica can restart from it.
func (p *Partition) ReceiveSync(ctx context.Context, from string, r io.Reader) (replication.Ack, error) {
	var err error
	derr := p.do(ctx, func() {
		if p.role.Kind != replication.KindReplica || p.role.Of != from {
			err = fmt.Errorf("%w: sync from %q", replication.ErrStalePrimary, from)
			return
		}
		var next replication.Role
		if next, err = replication.Transition(p.role, replication.Event{Kind: replication.EventSyncStart}); err == nil {
			p.role = next
			p.publishRole()
		}
	})
	if derr != nil {
		return replication.Ack{}, derr
	}
	if err != nil {
		return replication.Ack{}, err
	}
	p.log.Info("full sync started", "primary", from)

	m, rerr := snapshot.Receive(p.opts.Dir, r)

	var ack replication.Ack
	derr = p.do(context.WithoutCancel(ctx), func() {
		if rerr != nil {
			err = rerr
			p.abortSync(from)
			return
		}
		ack, err = p.installSync(m)
		if err != nil {
			p.abortSync(from)
		}
	})
	if derr != nil {
		return replication.Ack{}, derr
	}
	if err != nil {
		p.log.Warn("full sync failed", "primary", from, "error", err)
		return replication.Ack{}, err
	}
	p.log.Info("full sync done", "primary", from, "applied", ack.Applied, "repl_id", p.Role().ReplID)
	return ack, nil
}

func (p *Partition) installSync(m snapshot.Meta) (replication.Ack, error) {
	p.store.Reset()
	hdr, err := snapshot.Load(m.Path, p.restore)
	if err != nil {
		// history is gone; the next handshake must ask for a full sync again
		p.store.Reset()
		p.role.ReplID = ""
		p.setApplied(0)
		return replication.Ack{}, err
	}
	if err := p.wal.Reset(hdr.Seq); err != nil {
		return replication.Ack{}, err
	}
	if err := p.discardSnapshotsExcept(m); err != nil {
		p.log.Warn("failed to remove old snapshots", "error", err)
	}

	next, err := replication.Transition(p.role, replication.Event{Kind: replication.EventSyncDone, ReplID: hdr.ReplID})
	if err != nil {
		return replication.Ack{}, err
	}
	if err := saveMeta(p.opts.Dir, next); err != nil {
		return replication.Ack{}, err
	}
	p.role = next
	p.publishRole()
	p.setApplied(hdr.Seq)
	p.clearPending()
	p.tokens.reset()
	p.changes = 0
	p.lastSnapshot = p.opts.Clock.Now()
	p.rewriteBase = p.wal.Size()
	p.primaryHead.Store(hdr.Seq)
	p.lastContact.Store(p.nowMs())
	return replication.Ack{Applied: hdr.Seq}, nil
}

func (p *Partition) abortSync(from string) {
	if p.role.Kind != replication.KindTransitioning {
		return
	}
	next, err := replication.Transition(p.role, replication.Event{Kind: replication.EventFollow, Addr: from})
	if err != nil {
		return
	}
	p.role = next
	p.publishRole()
}

// discardSnapshotsExcept removes snapshots of the replaced history.
func (p *Partition) discardSnapshotsExcept(keep snapshot.Meta) error {
	metas, err := snapshot.List(p.opts.Dir)
	if err != nil {
		return err
	}
	for _, m := range metas {
		if m.Path == keep.Path {
			continue
		}
		if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// ReadRange serves retransmissions from the log.
func (p *Partition) ReadRange(from, to uint64) ([]wal.Record, error) {
	return p.wal.ReadRange(from, to)
}

// WriteSnapshot streams a snapshot of the current state for a full sync.
func (p *Partition) WriteSnapshot(ctx context.Context, w io.Writer) (uint64, error) {
	var (
		hdr  snapshot.Header
		view *tvs.View
	)
	err := p.do(ctx, func() {
		hdr = snapshot.Header{Seq: p.applied, ReplID: p.role.ReplID, Codec: compression.Zstd}
		view = p.store.Freeze()
	})
	if err != nil {
		return 0, err
	}
	if _, err := snapshot.Write(w, hdr, view); err != nil {
		return 0, fmt.Errorf("stream snapshot: %w", err)
	}
	return hdr.Seq, nil
}
