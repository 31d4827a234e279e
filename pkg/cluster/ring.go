package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultWeight            = 150
	DefaultReplicationFactor = 3
)

var ErrEmptyRing = errors.New("cluster: ring is empty")

// Member is a ring participant. Its ID names the partition it owns; Addr is
// the node currently serving that partition as primary.
type Member struct {
	ID     string `json:"id"`
	Addr   string `json:"addr"`
	Weight int    `json:"weight,omitempty"`
}

// Placement says where a key (or a whole partition) lives.
type Placement struct {
	Partition string   `json:"partition"`
	Primary   Member   `json:"primary"`
	Replicas  []Member `json:"replicas,omitempty"`
}

type point struct {
	hash uint64
	id   string
}

// Ring реализует consistent hashing с виртуальными нодами. Значение
// неизменяемо: AddNode/RemoveNode/WithAddress возвращают новое кольцо с
// версией +1, старое продолжает работать у конкурентных читателей.
type Ring struct {
	version uint64
	factor  int
	members map[string]Member
	points  []point // отсортированы по (hash, id)
}

func NewRing(replicationFactor int) *Ring {
	if replicationFactor <= 0 {
		replicationFactor = DefaultReplicationFactor
	}
	return &Ring{factor: replicationFactor, members: map[string]Member{}}
}

func (r *Ring) Version() uint64 { return r.version }

func (r *Ring) ReplicationFactor() int { return r.factor }

func (r *Ring) Len() int { return len(r.members) }

func (r *Ring) clone() *Ring {
	members := make(map[string]Member, len(r.members))
	for id, m := range r.members {
		members[id] = m
	}
	return &Ring{version: r.version + 1, factor: r.factor, members: members, points: r.points}
}

func vnodeHash(id string, i int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s#%d", id, i))
}

func less(a, b point) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	return a.id < b.id
}

// AddNode returns a ring that includes m. Only m's virtual points are merged in,
// so keys move only to m. Re-adding an existing ID replaces it.
func (r *Ring) AddNode(m Member) *Ring {
	if m.Weight <= 0 {
		m.Weight = DefaultWeight
	}
	base := r
	if _, ok := r.members[m.ID]; ok {
		base = r.RemoveNode(m.ID)
		base.version = r.version
	}
	next := base.clone()
	next.members[m.ID] = m

	add := make([]point, m.Weight)
	for i := range add {
		add[i] = point{hash: vnodeHash(m.ID, i), id: m.ID}
	}
	sort.Slice(add, func(i, j int) bool { return less(add[i], add[j]) })

	merged := make([]point, 0, len(base.points)+len(add))
	i, j := 0, 0
	for i < len(base.points) && j < len(add) {
		if less(base.points[i], add[j]) {
			merged = append(merged, base.points[i])
			i++
		} else {
			merged = append(merged, add[j])
			j++
		}
	}
	merged = append(merged, base.points[i:]...)
	merged = append(merged, add[j:]...)
	next.points = merged
	return next
}

// RemoveNode returns a ring without id. Keys of other members stay put.
func (r *Ring) RemoveNode(id string) *Ring {
	next := r.clone()
	if _, ok := next.members[id]; !ok {
		return next
	}
	delete(next.members, id)
	filtered := make([]point, 0, len(r.points))
	for _, p := range r.points {
		if p.id != id {
			filtered = append(filtered, p)
		}
	}
	next.points = filtered
	return next
}

// WithAddress re-points partition id at addr, e.g. after a replica was promoted.
func (r *Ring) WithAddress(id, addr string) (*Ring, error) {
	m, ok := r.members[id]
	if !ok {
		return nil, fmt.Errorf("cluster: unknown member %q", id)
	}
	next := r.clone()
	m.Addr = addr
	next.members[id] = m
	return next, nil
}

func (r *Ring) Member(id string) (Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

// Members returns members sorted by ID.
func (r *Ring) Members() []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Owner возвращает ID партиции, владеющей ключом.
func (r *Ring) Owner(key []byte) (string, error) {
	if len(r.points) == 0 {
		return "", ErrEmptyRing
	}
	h := xxhash.Sum64(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].id, nil
}

func (r *Ring) Locate(key []byte) (Placement, error) {
	id, err := r.Owner(key)
	if err != nil {
		return Placement{}, err
	}
	return r.PartitionPlacement(id)
}

// PartitionPlacement returns the primary and replicas of a partition. The
// replica set is the next distinct members clockwise from the partition's
// first virtual node, skipping members served from the primary's address.
func (r *Ring) PartitionPlacement(id string) (Placement, error) {
	primary, ok := r.members[id]
	if !ok {
		return Placement{}, fmt.Errorf("cluster: unknown partition %q", id)
	}
	pl := Placement{Partition: id, Primary: primary}
	if r.factor <= 1 {
		return pl, nil
	}

	start := point{hash: vnodeHash(id, 0), id: id}
	idx := sort.Search(len(r.points), func(i int) bool { return !less(r.points[i], start) })
	seen := map[string]struct{}{id: {}}
	addrs := map[string]struct{}{primary.Addr: {}}
	for i := 1; i < len(r.points) && len(pl.Replicas) < r.factor-1; i++ {
		p := r.points[(idx+i)%len(r.points)]
		if _, dup := seen[p.id]; dup {
			continue
		}
		seen[p.id] = struct{}{}
		m := r.members[p.id]
		if _, dup := addrs[m.Addr]; dup {
			continue
		}
		addrs[m.Addr] = struct{}{}
		pl.Replicas = append(pl.Replicas, m)
	}
	return pl, nil
}

type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Assignment is one partition a node hosts.
type Assignment struct {
	Placement
	Role Role
}

// Partitions lists the partitions served from addr, sorted by partition ID.
func (r *Ring) Partitions(addr string) []Assignment {
	var out []Assignment
	for _, m := range r.Members() {
		pl, err := r.PartitionPlacement(m.ID)
		if err != nil {
			continue
		}
		if pl.Primary.Addr == addr {
			out = append(out, Assignment{Placement: pl, Role: RolePrimary})
			continue
		}
		for _, rep := range pl.Replicas {
			if rep.Addr == addr {
				out = append(out, Assignment{Placement: pl, Role: RoleReplica})
				break
			}
		}
	}
	return out
}

// OwnedFraction is the share of the hash space owned by id.
func (r *Ring) OwnedFraction(id string) float64 {
	if len(r.points) == 0 {
		return 0
	}
	var owned uint64
	prev := r.points[len(r.points)-1].hash
	for _, p := range r.points {
		// arc (prev, p.hash] belongs to p; wraps around for the first point
		if p.id == id {
			owned += p.hash - prev
		}
		prev = p.hash
	}
	if len(r.members) == 1 {
		return 1
	}
	return float64(owned) / float64(^uint64(0))
}

// RingState is the serialized form of a ring.
type RingState struct {
	Version           uint64   `json:"version"`
	ReplicationFactor int      `json:"replication_factor"`
	Members           []Member `json:"members"`
}

func (r *Ring) State() RingState {
	return RingState{Version: r.version, ReplicationFactor: r.factor, Members: r.Members()}
}

func FromState(st RingState) *Ring {
	r := NewRing(st.ReplicationFactor)
	for _, m := range st.Members {
		r = r.AddNode(m)
	}
	r.version = st.Version
	return r
}

func (r *Ring) MarshalJSON() ([]byte, error) { return json.Marshal(r.State()) }

// RingHolder publishes the current ring for lock-free readers.
type RingHolder struct {
	cur atomic.Pointer[Ring]
}

func NewRingHolder(r *Ring) *RingHolder {
	h := &RingHolder{}
	h.cur.Store(r)
	return h
}

func (h *RingHolder) Load() *Ring { return h.cur.Load() }

// Update installs r if it is newer than the current ring.
func (h *RingHolder) Update(r *Ring) bool {
	for {
		cur := h.cur.Load()
		if cur != nil && r.Version() <= cur.Version() {
			return false
		}
		if h.cur.CompareAndSwap(cur, r) {
			return true
		}
	}
}
