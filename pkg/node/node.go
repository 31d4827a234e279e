package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"memkv/pkg/cluster"
	"memkv/pkg/command"
	"memkv/pkg/dberrors"
	"memkv/pkg/partition"
	"memkv/pkg/replication"
	"memkv/pkg/snapshot"
	"memkv/pkg/types"
)

// ErrUnknownPartition is returned for partitions this node does not host.
var ErrUnknownPartition = fmt.Errorf("%w: partition is not hosted on this node", dberrors.ErrNotFound)

type Config struct {
	ID      string
	Addr    string // host:port other nodes reach this node at
	DataDir string
	// Partition is the template every hosted partition is opened with; ID,
	// Dir, Self and Transport are filled in per partition.
	Partition partition.Options
	Transport replication.Transport
}

// Node hosts the partitions the ring assigns to its address and routes
// commands to them.
type Node struct {
	cfg    Config
	ring   *cluster.RingHolder
	router *cluster.Router
	log    *slog.Logger

	mu    sync.RWMutex
	parts map[string]*partition.Partition

	// ring changes are applied one at a time
	reconcileMu sync.Mutex
	closed      bool
}

// New opens the partitions assigned by ring and puts them into their roles.
func New(ctx context.Context, cfg Config, ring *cluster.Ring) (*Node, error) {
	if cfg.Addr == "" || cfg.DataDir == "" {
		return nil, fmt.Errorf("%w: node needs an address and a data dir", dberrors.ErrInvalidArgument)
	}
	if ring == nil {
		return nil, fmt.Errorf("%w: node needs a ring", dberrors.ErrInvalidArgument)
	}
	holder := cluster.NewRingHolder(ring)
	n := &Node{
		cfg:    cfg,
		ring:   holder,
		router: &cluster.Router{LocalAddr: cfg.Addr, Ring: holder},
		log:    slog.With("node", cfg.ID, "addr", cfg.Addr),
		parts:  map[string]*partition.Partition{},
	}
	if err := n.reconcile(ctx, ring); err != nil {
		_ = n.Close()
		return nil, err
	}
	n.log.Info("node started", "ring_version", ring.Version(), "partitions", len(n.parts))
	return n, nil
}

func (n *Node) ID() string { return n.cfg.ID }

func (n *Node) Addr() string { return n.cfg.Addr }

// Ring returns the ring the node currently routes by.
func (n *Node) Ring() *cluster.Ring { return n.ring.Load() }

// ApplyRing installs r if it is newer than the current ring and moves the
// hosted partitions into the roles r assigns. It reports whether r was installed.
func (n *Node) ApplyRing(ctx context.Context, r *cluster.Ring) (bool, error) {
	if !n.ring.Update(r) {
		return false, nil
	}
	n.log.Info("ring updated", "version", r.Version(), "members", r.Len())
	return true, n.reconcile(ctx, r)
}

func (n *Node) reconcile(ctx context.Context, r *cluster.Ring) error {
	n.reconcileMu.Lock()
	defer n.reconcileMu.Unlock()
	if n.closed {
		return dberrors.ErrClosed
	}
	// пока мы ждали, могло прийти более новое кольцо
	if cur := n.ring.Load(); cur.Version() > r.Version() {
		return nil
	}

	assigned := map[string]cluster.Assignment{}
	for _, a := range r.Partitions(n.cfg.Addr) {
		assigned[a.Partition] = a
	}

	var errs []error
	for _, id := range sortedKeys(assigned) {
		a := assigned[id]
		p, err := n.openPartition(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := n.assume(ctx, p, a); err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", id, err))
		}
	}

	// partitions the ring moved away are closed; their files stay on disk
	n.mu.Lock()
	var gone []*partition.Partition
	for id, p := range n.parts {
		if _, ok := assigned[id]; !ok {
			gone = append(gone, p)
			delete(n.parts, id)
		}
	}
	n.mu.Unlock()
	for _, p := range gone {
		n.log.Info("partition no longer hosted", "partition", p.ID())
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// assume puts p into the role a describes.
func (n *Node) assume(ctx context.Context, p *partition.Partition, a cluster.Assignment) error {
	if a.Role == cluster.RolePrimary {
		if err := p.ReplicaOf(ctx, ""); err != nil {
			return err
		}
		addrs := make([]string, 0, len(a.Replicas))
		for _, m := range a.Replicas {
			addrs = append(addrs, m.Addr)
		}
		return p.SetReplicas(ctx, addrs)
	}
	return p.ReplicaOf(ctx, a.Primary.Addr)
}

func (n *Node) openPartition(id string) (*partition.Partition, error) {
	if p, ok := n.partition(id); ok {
		return p, nil
	}
	if id == "" || filepath.Base(id) != id || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: bad partition id %q", dberrors.ErrInvalidArgument, id)
	}
	opts := n.cfg.Partition
	opts.ID = id
	opts.Dir = filepath.Join(n.cfg.DataDir, id)
	opts.Self = n.cfg.Addr
	opts.Transport = n.cfg.Transport
	p, err := partition.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", id, err)
	}
	n.mu.Lock()
	n.parts[id] = p
	n.mu.Unlock()
	return p, nil
}

func (n *Node) partition(id string) (*partition.Partition, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.parts[id]
	return p, ok
}

func (n *Node) lookup(id string) (*partition.Partition, error) {
	p, ok := n.partition(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, id)
	}
	return p, nil
}

// Execute routes cmd to the partition owning its key. A key owned elsewhere
// yields *dberrors.RedirectError. Replica reads are served locally when the
// node holds a replica of the key's partition.
func (n *Node) Execute(ctx context.Context, cmd command.Command, opts command.Options) (command.Reply, error) {
	if err := command.Validate(cmd); err != nil {
		return command.Reply{}, err
	}
	keys := command.Keys(cmd)
	if len(keys) == 0 {
		return command.Read(nil, cmd, 0)
	}

	rt, err := n.router.Route([]byte(keys[0]))
	if err != nil {
		return command.Reply{}, err
	}
	for _, k := range keys[1:] {
		other, err := n.router.Route([]byte(k))
		if err != nil {
			return command.Reply{}, err
		}
		if other.Partition != rt.Partition {
			return command.Reply{}, fmt.Errorf("%w: batch keys span partitions %s and %s",
				dberrors.ErrInvalidArgument, rt.Partition, other.Partition)
		}
	}

	replicaRead := !command.IsWrite(cmd) &&
		strings.EqualFold(string(opts.Consistency), string(types.ConsistencyReplica))
	if !rt.Local && !(replicaRead && rt.Replica) {
		return command.Reply{}, rt.Redirect()
	}
	p, ok := n.partition(rt.Partition)
	if !ok {
		if rt.Local {
			return command.Reply{}, fmt.Errorf("%w: %s", ErrUnknownPartition, rt.Partition)
		}
		return command.Reply{}, rt.Redirect()
	}
	reply, err := p.Execute(ctx, cmd, opts)
	if errors.Is(err, dberrors.ErrNotPrimary) && !rt.Local {
		return command.Reply{}, rt.Redirect()
	}
	return reply, err
}

// ReplicaOf is the cluster interface call: an empty primaryAddr promotes the
// local copy of partition to primary, otherwise it follows primaryAddr.
func (n *Node) ReplicaOf(ctx context.Context, partitionID, primaryAddr string) error {
	p, err := n.lookup(partitionID)
	if err != nil {
		return err
	}
	return p.ReplicaOf(ctx, primaryAddr)
}

// AppliedSequence is the last sequence number the local copy of partition applied.
func (n *Node) AppliedSequence(_ context.Context, partitionID string) (uint64, error) {
	p, err := n.lookup(partitionID)
	if err != nil {
		return 0, err
	}
	return p.Applied(), nil
}

func (n *Node) PSync(ctx context.Context, partitionID, from string) (replication.ReplicaState, error) {
	p, err := n.lookup(partitionID)
	if err != nil {
		return replication.ReplicaState{}, err
	}
	return p.PSync(ctx, from)
}

func (n *Node) ApplyBatch(ctx context.Context, partitionID string, b replication.Batch) (replication.Ack, error) {
	p, err := n.lookup(partitionID)
	if err != nil {
		return replication.Ack{}, err
	}
	return p.ApplyBatch(ctx, b)
}

func (n *Node) ReceiveSync(ctx context.Context, partitionID, from string, r io.Reader) (replication.Ack, error) {
	p, err := n.lookup(partitionID)
	if err != nil {
		return replication.Ack{}, err
	}
	return p.ReceiveSync(ctx, from, r)
}

func (n *Node) Snapshot(ctx context.Context, partitionID string) (snapshot.Meta, error) {
	p, err := n.lookup(partitionID)
	if err != nil {
		return snapshot.Meta{}, err
	}
	return p.Snapshot(ctx)
}

func (n *Node) Rewrite(ctx context.Context, partitionID string) error {
	p, err := n.lookup(partitionID)
	if err != nil {
		return err
	}
	return p.Rewrite(ctx)
}

// Status describes the node and every partition it hosts.
type Status struct {
	ID          string             `json:"id"`
	Addr        string             `json:"addr"`
	RingVersion uint64             `json:"ring_version"`
	Partitions  []partition.Status `json:"partitions"`
}

func (n *Node) Status(ctx context.Context) (Status, error) {
	st := Status{ID: n.cfg.ID, Addr: n.cfg.Addr, RingVersion: n.ring.Load().Version()}
	n.mu.RLock()
	parts := make([]*partition.Partition, 0, len(n.parts))
	for _, p := range n.parts {
		parts = append(parts, p)
	}
	n.mu.RUnlock()

	for _, p := range parts {
		ps, err := p.Status(ctx)
		if err != nil {
			return st, fmt.Errorf("partition %s: %w", p.ID(), err)
		}
		st.Partitions = append(st.Partitions, ps)
	}
	sort.Slice(st.Partitions, func(i, j int) bool { return st.Partitions[i].ID < st.Partitions[j].ID })
	return st, nil
}

// Close stops every partition. Later calls are no-ops.
func (n *Node) Close() error {
	n.reconcileMu.Lock()
	if n.closed {
		n.reconcileMu.Unlock()
		return nil
	}
	n.closed = true
	n.reconcileMu.Unlock()

	n.mu.Lock()
	parts := n.parts
	n.parts = map[string]*partition.Partition{}
	n.mu.Unlock()

	var g errgroup.Group
	for _, p := range parts {
		p := p
		g.Go(p.Close)
	}
	err := g.Wait()
	n.log.Info("node stopped", "error", err)
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
