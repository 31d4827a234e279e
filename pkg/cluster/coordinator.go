package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// NodeClient is how the coordinator talks to nodes.
type NodeClient interface {
	AppliedSequence(ctx context.Context, addr, partition string) (uint64, error)
	// ReplicaOf makes addr a replica of primaryAddr for partition; an empty
	// primaryAddr promotes it to primary.
	ReplicaOf(ctx context.Context, addr, partition, primaryAddr string) error
}

// Candidate is a surviving replica and the last sequence it applied.
type Candidate struct {
	Member  Member
	Applied uint64
}

var ErrNoCandidate = errors.New("cluster: no reachable replica to promote")

// ChooseNewPrimary picks the most advanced replica; ties go to the lowest member ID.
func ChooseNewPrimary(cands []Candidate) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, ErrNoCandidate
	}
	sorted := append([]Candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Applied != sorted[j].Applied {
			return sorted[i].Applied > sorted[j].Applied
		}
		return sorted[i].Member.ID < sorted[j].Member.ID
	})
	return sorted[0], nil
}

// Coordinator реагирует на потерю ноды: для каждой партиции, чей primary
// пропал, выбирает самую продвинутую реплику и промоутит её.
type Coordinator struct {
	client  NodeClient
	timeout time.Duration
	log     *slog.Logger
}

func NewCoordinator(client NodeClient, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Coordinator{client: client, timeout: timeout, log: slog.With("component", "coordinator")}
}

// Failover promotes a replica of partition and returns the ring pointing at it.
func (c *Coordinator) Failover(ctx context.Context, ring *Ring, partition string) (*Ring, error) {
	pl, err := ring.PartitionPlacement(partition)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		cands []Candidate
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, rep := range pl.Replicas {
		rep := rep
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			applied, err := c.client.AppliedSequence(qctx, rep.Addr, partition)
			if err != nil {
				// недоступная реплика просто не участвует в выборах
				c.log.Warn("replica unreachable", "partition", partition, "addr", rep.Addr, "error", err)
				return nil
			}
			mu.Lock()
			cands = append(cands, Candidate{Member: rep, Applied: applied})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	chosen, err := ChooseNewPrimary(cands)
	if err != nil {
		return nil, fmt.Errorf("failover %s: %w", partition, err)
	}
	c.log.Info("promoting replica", "partition", partition, "addr", chosen.Member.Addr, "applied", chosen.Applied)

	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	err = c.client.ReplicaOf(pctx, chosen.Member.Addr, partition, "")
	cancel()
	if err != nil {
		return nil, fmt.Errorf("promote %s on %s: %w", partition, chosen.Member.Addr, err)
	}

	next, err := ring.WithAddress(partition, chosen.Member.Addr)
	if err != nil {
		return nil, err
	}

	for _, cand := range cands {
		if cand.Member.ID == chosen.Member.ID {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		if err := c.client.ReplicaOf(rctx, cand.Member.Addr, partition, chosen.Member.Addr); err != nil {
			c.log.Warn("repoint replica failed", "partition", partition, "addr", cand.Member.Addr, "error", err)
		}
		cancel()
	}
	return next, nil
}

// HandleMembership runs failover for every partition whose primary address is
// not among the alive nodes. It returns the (possibly unchanged) ring.
func (c *Coordinator) HandleMembership(ctx context.Context, ring *Ring, alive []Member) (*Ring, error) {
	up := make(map[string]bool, len(alive))
	for _, m := range alive {
		up[m.Addr] = true
	}
	next := ring
	var errs []error
	for _, m := range ring.Members() {
		if up[m.Addr] {
			continue
		}
		c.log.Warn("primary lost", "partition", m.ID, "addr", m.Addr)
		r, err := c.Failover(ctx, next, m.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next = r
	}
	return next, errors.Join(errs...)
}

// IsLeader reports whether self should run failover: the alive node with the
// lowest ID does, so that a single node acts on a membership change.
func IsLeader(self string, alive []Member) bool {
	for _, m := range alive {
		if m.ID < self {
			return false
		}
	}
	return true
}
