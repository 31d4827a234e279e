package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// fakeNodes имитирует ноды для координатора
type fakeNodes struct {
	mu        sync.Mutex
	applied   map[string]uint64 // addr -> applied
	down      map[string]bool
	replicaOf map[string]string // addr -> primary ("" = primary)
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{applied: map[string]uint64{}, down: map[string]bool{}, replicaOf: map[string]string{}}
}

func (f *fakeNodes) AppliedSequence(_ context.Context, addr, _ string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return 0, fmt.Errorf("%s unavailable", addr)
	}
	return f.applied[addr], nil
}

func (f *fakeNodes) ReplicaOf(_ context.Context, addr, _, primary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return fmt.Errorf("%s unavailable", addr)
	}
	f.replicaOf[addr] = primary
	return nil
}

func TestChooseNewPrimary(t *testing.T) {
	if _, err := ChooseNewPrimary(nil); err != ErrNoCandidate {
		t.Fatalf("want ErrNoCandidate, got %v", err)
	}
	got, err := ChooseNewPrimary([]Candidate{
		{Member: Member{ID: "c"}, Applied: 10},
		{Member: Member{ID: "b"}, Applied: 12},
		{Member: Member{ID: "a"}, Applied: 12},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Member.ID != "a" {
		t.Fatalf("want a (highest applied, lowest id), got %s", got.Member.ID)
	}
}

func TestCoordinator_FailoverPromotesMostAdvanced(t *testing.T) {
	r := makeRing(4)
	pl, err := r.PartitionPlacement("node1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pl.Replicas) != 2 {
		t.Fatalf("want 2 replicas, got %+v", pl)
	}
	laggard, ahead := pl.Replicas[0], pl.Replicas[1]

	nodes := newFakeNodes()
	nodes.down[pl.Primary.Addr] = true
	nodes.applied[laggard.Addr] = 90
	nodes.applied[ahead.Addr] = 100

	alive := []Member{}
	for _, m := range r.Members() {
		if m.ID != "node1" {
			alive = append(alive, m)
		}
	}

	c := NewCoordinator(nodes, 0)
	next, err := c.HandleMembership(context.Background(), r, alive)
	if err != nil {
		t.Fatal(err)
	}
	if next.Version() != r.Version()+1 {
		t.Fatalf("ring version %d, want %d", next.Version(), r.Version()+1)
	}
	m, _ := next.Member("node1")
	if m.Addr != ahead.Addr {
		t.Fatalf("partition node1 now served by %s, want %s", m.Addr, ahead.Addr)
	}
	if p, ok := nodes.replicaOf[ahead.Addr]; !ok || p != "" {
		t.Fatalf("promoted node not told to become primary: %q %v", p, ok)
	}
	if p := nodes.replicaOf[laggard.Addr]; p != ahead.Addr {
		t.Fatalf("laggard follows %q, want %q", p, ahead.Addr)
	}
}

func TestCoordinator_NoReachableReplica(t *testing.T) {
	r := makeRing(3)
	pl, _ := r.PartitionPlacement("node2")
	nodes := newFakeNodes()
	nodes.down[pl.Primary.Addr] = true
	for _, rep := range pl.Replicas {
		nodes.down[rep.Addr] = true
	}
	if _, err := NewCoordinator(nodes, 0).Failover(context.Background(), r, "node2"); err == nil {
		t.Fatal("expected failover to fail")
	}
}

func TestIsLeader(t *testing.T) {
	alive := []Member{{ID: "node2"}, {ID: "node3"}}
	if !IsLeader("node2", alive) || IsLeader("node3", alive) {
		t.Fatal("lowest alive id must lead")
	}
}
