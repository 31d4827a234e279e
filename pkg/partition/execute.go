package partition

import (
	"context"
	"fmt"
	"strings"

	"memkv/pkg/command"
	"memkv/pkg/dberrors"
	"memkv/pkg/replication"
	"memkv/pkg/tvs"
	"memkv/pkg/types"
	"memkv/pkg/wal"
)

// hidden answers reads of keys that are expired but not yet deleted on a replica.
var hidden = tvs.New()

// Execute runs cmd on this partition. Writes are acknowledged once the
// durability level in opts (or the partition default) is met; on deadline
// expiry the write may still have been applied and ErrTimeout is returned.
func (p *Partition) Execute(ctx context.Context, cmd command.Command, opts command.Options) (command.Reply, error) {
	if err := command.Validate(cmd); err != nil {
		return command.Reply{}, err
	}
	if !command.IsWrite(cmd) {
		return p.read(ctx, cmd, opts)
	}

	level := opts.Durability
	if level == "" {
		level = p.opts.Durability
	}
	if !level.Valid() {
		return command.Reply{}, fmt.Errorf("%w: durability %q", dberrors.ErrInvalidArgument, level)
	}

	var (
		reply command.Reply
		seq   uint64
		prim  *replication.Primary
		err   error
	)
	if derr := p.do(ctx, func() {
		reply, seq, err = p.write(cmd, opts.Token)
		prim = p.primary
	}); derr != nil {
		return command.Reply{}, derr
	}
	if err != nil {
		return command.Reply{}, err
	}
	if seq == 0 || level == types.DurabilityAsync || prim == nil {
		return reply, nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.AckTimeout)
		defer cancel()
	}
	if err := prim.Wait(ctx, seq, level); err != nil {
		return command.Reply{}, err
	}
	return reply, nil
}

// write applies and logs a write on the primary. seq is 0 when nothing changed;
// a repeated token yields the seq of the original record.
func (p *Partition) write(cmd command.Command, token string) (command.Reply, uint64, error) {
	if p.role.Kind != replication.KindPrimary {
		return command.Reply{}, 0, dberrors.ErrNotPrimary
	}
	if p.failed != nil {
		return command.Reply{}, 0, p.failed
	}
	now := p.nowMs()
	if token != "" {
		// повтор после таймаута ждёт ту же запись, что и исходный запрос
		if r, seq, ok := p.tokens.get(token, now); ok {
			return r, seq, nil
		}
	}

	keys := command.Keys(cmd)
	for _, k := range keys {
		if err := p.expireIfDue(k, now); err != nil {
			return command.Reply{}, 0, err
		}
	}
	if err := p.evict.Admit(command.GrowthEstimate(cmd)); err != nil {
		return command.Reply{}, 0, err
	}

	rec, err := command.Rewrite(cmd, now)
	if err != nil {
		return command.Reply{}, 0, err
	}
	rec.Token = token
	reply, changed, err := command.Apply(p.store, rec)
	if err != nil {
		return command.Reply{}, 0, err
	}
	for _, k := range keys {
		p.store.Touch(k, now)
	}

	var seq uint64
	if changed {
		if seq, err = p.append(rec); err != nil {
			return command.Reply{}, 0, err
		}
		p.tokens.put(token, reply, seq, now)
	}
	if err := p.evictIfNeeded(now); err != nil {
		return command.Reply{}, 0, err
	}
	return reply, seq, nil
}

// append logs an already applied record and hands it to replication.
func (p *Partition) append(rec wal.Record) (uint64, error) {
	rec.Seq = p.applied + 1
	if err := p.wal.Append(rec); err != nil {
		// memory is ahead of the log now; refuse further writes
		p.log.Error("log append failed, partition stops accepting writes", "seq", rec.Seq, "error", err)
		p.failed = fmt.Errorf("append to log: %w", err)
		return 0, p.failed
	}
	p.setApplied(rec.Seq)
	p.changes++
	if p.primary != nil {
		p.primary.Replicate(rec)
	}
	return rec.Seq, nil
}

// deleteLogged removes key through a logged DEL so replicas do the same.
func (p *Partition) deleteLogged(key string, now int64, reason string) error {
	rec := wal.Record{Timestamp: now, Op: command.OpDel, Key: key}
	if _, _, err := command.Apply(p.store, rec); err != nil {
		return err
	}
	seq, err := p.append(rec)
	if err != nil {
		return err
	}
	p.log.Debug("key removed", "key", key, "reason", reason, "seq", seq)
	return nil
}

func (p *Partition) expireIfDue(key string, now int64) error {
	if !p.store.Expired(key, now) {
		return nil
	}
	return p.deleteLogged(key, now, "expired")
}

func (p *Partition) evictIfNeeded(now int64) error {
	var derr error
	p.evict.MaybeEvict(func(key string) {
		if derr == nil {
			derr = p.deleteLogged(key, now, "evicted")
		}
	})
	return derr
}

// sweep deletes a bounded number of expired keys. Primary only.
func (p *Partition) sweep(now int64) {
	keys := p.store.ExpiredKeys(now, p.opts.SweepSamples)
	for _, k := range keys {
		if err := p.deleteLogged(k, now, "expired"); err != nil {
			p.log.Warn("expire sweep failed", "key", k, "error", err)
			return
		}
	}
	if len(keys) > 0 {
		p.log.Debug("expired keys swept", "count", len(keys))
	}
}

func (p *Partition) read(ctx context.Context, cmd command.Command, opts command.Options) (command.Reply, error) {
	var (
		reply command.Reply
		err   error
	)
	derr := p.do(ctx, func() {
		now := p.nowMs()
		switch {
		case p.role.Kind == replication.KindPrimary:
			reply, err = p.readPrimary(cmd, now)
		case strings.EqualFold(string(opts.Consistency), string(types.ConsistencyReplica)):
			reply, err = p.readReplica(cmd, opts, now)
		default:
			err = dberrors.ErrNotPrimary
		}
	})
	if derr != nil {
		return command.Reply{}, derr
	}
	return reply, err
}

func (p *Partition) readPrimary(cmd command.Command, now int64) (command.Reply, error) {
	keys := command.Keys(cmd)
	for _, k := range keys {
		if err := p.expireIfDue(k, now); err != nil {
			return command.Reply{}, err
		}
	}
	reply, err := command.Read(p.store, cmd, now)
	for _, k := range keys {
		p.store.Touch(k, now)
	}
	return reply, err
}

// readReplica serves a read from local state. Expired keys are hidden but
// left for the primary's DEL.
func (p *Partition) readReplica(cmd command.Command, opts command.Options, now int64) (command.Reply, error) {
	if opts.MaxLag > 0 {
		head := p.primaryHead.Load()
		if head > p.applied {
			return command.Reply{}, fmt.Errorf("%w: applied %d, primary at %d", dberrors.ErrReplicationLag, p.applied, head)
		}
		if last := p.lastContact.Load(); now-last > opts.MaxLag.Milliseconds() {
			return command.Reply{}, fmt.Errorf("%w: no contact with primary for %dms", dberrors.ErrReplicationLag, now-last)
		}
	}
	return p.readVisible(cmd, now)
}

func (p *Partition) readVisible(cmd command.Command, now int64) (command.Reply, error) {
	if strings.EqualFold(cmd.Name, command.OpBatch) {
		replies := make([]command.Reply, 0, len(cmd.Batch))
		for _, sub := range cmd.Batch {
			r, err := p.readVisible(sub, now)
			if err != nil {
				r = command.ErrorReply(err)
			}
			replies = append(replies, r)
		}
		return command.Array(replies), nil
	}
	for _, k := range command.Keys(cmd) {
		if p.store.Expired(k, now) {
			return command.Read(hidden, cmd, now)
		}
	}
	return command.Read(p.store, cmd, now)
}
