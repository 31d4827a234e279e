package tvs

import (
	"fmt"

	"github.com/google/btree"
	"github.com/zhangyunhao116/fastrand"
	"github.com/zhangyunhao116/skipset"

	"memkv/pkg/dberrors"
)

const (
	MaxKeyLen    = 512
	MaxStringLen = 512 << 20

	btreeDegree = 32
)

// entry is one key of the keyspace. Entries are shared between the live tree
// and frozen views; an entry whose gen is older than the store's is copied
// before it is modified.
type entry struct {
	key      string
	val      Value
	expireAt int64
	gen      uint64

	lastAccess int64
	freq       uint8
}

func (e *entry) Less(than btree.Item) bool {
	return e.key < than.(*entry).key
}

func (e *entry) size() int64 {
	return EntryCost(e.key) + e.val.bytes()
}

type expiry struct {
	at  int64
	key string
}

// Store is the typed keyspace of a single partition. It is not safe for
// concurrent use; the partition executor is its only caller. Frozen views
// returned by Freeze may be read from other goroutines.
//
// The store never expires keys on its own: callers check Expired and remove
// the key through a logged delete.
type Store struct {
	tree *btree.BTree
	gen  uint64
	used int64

	keys     sampler
	volatile *skipset.FuncSet[expiry]
}

func New() *Store {
	return &Store{
		tree: btree.New(btreeDegree),
		keys: newSampler(),
		volatile: skipset.NewFunc[expiry](func(a, b expiry) bool {
			if a.at != b.at {
				return a.at < b.at
			}
			return a.key < b.key
		}),
	}
}

// ValidateKey rejects empty and oversized keys.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("%w: key length %d exceeds %d", dberrors.ErrInvalidArgument, len(key), MaxKeyLen)
	}
	return nil
}

func (s *Store) get(key string) *entry {
	it := s.tree.Get(&entry{key: key})
	if it == nil {
		return nil
	}
	return it.(*entry)
}

// writable returns an entry that may be modified in place.
func (s *Store) writable(e *entry) *entry {
	if e.gen == s.gen {
		return e
	}
	c := *e
	c.val = e.val.clone()
	c.gen = s.gen
	s.tree.ReplaceOrInsert(&c)
	return &c
}

// mutate runs fn on a writable copy of key and keeps memory accounting and
// empty-container removal consistent.
func (s *Store) mutate(e *entry, fn func(e *entry)) {
	e = s.writable(e)
	before := e.size()
	fn(e)
	s.used += e.size() - before
	if isEmpty(e.val) {
		s.remove(e)
	}
}

func isEmpty(v Value) bool {
	switch t := v.(type) {
	case *String:
		return false
	case *Hash:
		return t.Len() == 0
	case *List:
		return t.Len() == 0
	case *Set:
		return t.Len() == 0
	case *ZSet:
		return t.Len() == 0
	default:
		panic(fmt.Sprintf("tvs: unknown value type %T", v))
	}
}

func (s *Store) insert(key string, v Value, expireAt int64) *entry {
	e := &entry{key: key, val: v, expireAt: expireAt, gen: s.gen, freq: lfuInitVal}
	s.tree.ReplaceOrInsert(e)
	s.keys.add(key)
	if expireAt > 0 {
		s.volatile.Add(expiry{at: expireAt, key: key})
	}
	s.used += e.size()
	return e
}

func (s *Store) remove(e *entry) {
	s.tree.Delete(e)
	s.keys.remove(e.key)
	if e.expireAt > 0 {
		s.volatile.Remove(expiry{at: e.expireAt, key: e.key})
	}
	s.used -= e.size()
}

func (s *Store) setExpire(e *entry, at int64) *entry {
	if e.expireAt == at {
		return e
	}
	e = s.writable(e)
	if e.expireAt > 0 {
		s.volatile.Remove(expiry{at: e.expireAt, key: e.key})
	}
	e.expireAt = at
	if at > 0 {
		s.volatile.Add(expiry{at: at, key: e.key})
	}
	return e
}

// typed returns the entry for key if it holds kind. A missing key yields (nil, nil).
func (s *Store) typed(key string, kind Kind) (*entry, error) {
	e := s.get(key)
	if e == nil {
		return nil, nil
	}
	if e.val.Kind() != kind {
		return nil, dberrors.ErrWrongType
	}
	return e, nil
}

// Len is the number of keys, including expired ones not yet removed.
func (s *Store) Len() int { return s.tree.Len() }

// UsedMemory is the approximate number of bytes held by the keyspace.
func (s *Store) UsedMemory() int64 { return s.used }

func (s *Store) Exists(key string) bool { return s.get(key) != nil }

func (s *Store) Type(key string) (Kind, bool) {
	e := s.get(key)
	if e == nil {
		return 0, false
	}
	return e.val.Kind(), true
}

// Expired reports whether key exists and its deadline is at or before nowMs.
func (s *Store) Expired(key string, nowMs int64) bool {
	e := s.get(key)
	return e != nil && e.expireAt > 0 && e.expireAt <= nowMs
}

// Del removes key and reports whether it existed.
func (s *Store) Del(key string) bool {
	e := s.get(key)
	if e == nil {
		return false
	}
	s.remove(e)
	return true
}

// Expire sets an absolute deadline in unix ms. A non-positive deadline is not
// accepted here; callers translate past deadlines into deletes.
func (s *Store) Expire(key string, atMs int64) bool {
	e := s.get(key)
	if e == nil || atMs <= 0 {
		return false
	}
	s.setExpire(e, atMs)
	return true
}

// Persist clears the deadline and reports whether one was set.
func (s *Store) Persist(key string) bool {
	e := s.get(key)
	if e == nil || e.expireAt == 0 {
		return false
	}
	s.setExpire(e, 0)
	return true
}

// ExpireAt returns the deadline of key; 0 means none.
func (s *Store) ExpireAt(key string) (int64, bool) {
	e := s.get(key)
	if e == nil {
		return 0, false
	}
	return e.expireAt, true
}

// Touch records an access for eviction policies.
func (s *Store) Touch(key string, nowMs int64) {
	e := s.get(key)
	if e == nil {
		return
	}
	e.freq = lfuIncr(lfuDecay(e.freq, e.lastAccess, nowMs))
	e.lastAccess = nowMs
}

// KeyMeta is the eviction-relevant state of a key.
type KeyMeta struct {
	LastAccess int64
	Freq       uint8
	ExpireAt   int64
	Size       int64
}

func (s *Store) Meta(key string) (KeyMeta, bool) {
	e := s.get(key)
	if e == nil {
		return KeyMeta{}, false
	}
	return KeyMeta{LastAccess: e.lastAccess, Freq: e.freq, ExpireAt: e.expireAt, Size: e.size()}, true
}

// SampleKeys returns up to n keys picked uniformly at random; duplicates are possible.
func (s *Store) SampleKeys(n int) []string {
	if s.keys.len() == 0 || n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.keys.random())
	}
	return out
}

// VolatileCount is the number of keys with a deadline.
func (s *Store) VolatileCount() int { return s.volatile.Len() }

// NextExpiring returns up to n keys with the nearest deadlines.
func (s *Store) NextExpiring(n int) []string {
	out := make([]string, 0, n)
	s.volatile.Range(func(x expiry) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, x.key)
		return true
	})
	return out
}

// ExpiredKeys returns up to limit keys whose deadline is at or before nowMs.
func (s *Store) ExpiredKeys(nowMs int64, limit int) []string {
	var out []string
	s.volatile.Range(func(x expiry) bool {
		if x.at > nowMs || len(out) >= limit {
			return false
		}
		out = append(out, x.key)
		return true
	})
	return out
}

// Reset drops every key.
func (s *Store) Reset() {
	*s = *New()
}

// Restore inserts a value loaded from a snapshot or a full sync, replacing any existing key.
func (s *Store) Restore(key string, v Value, expireAt int64) {
	if e := s.get(key); e != nil {
		s.remove(e)
	}
	s.insert(key, v, expireAt)
}

// sampler keeps the key set in a slice for O(1) random picks.
type sampler struct {
	keys []string
	idx  map[string]int
}

func newSampler() sampler {
	return sampler{idx: make(map[string]int)}
}

func (s *sampler) len() int { return len(s.keys) }

func (s *sampler) add(key string) {
	if _, ok := s.idx[key]; ok {
		return
	}
	s.idx[key] = len(s.keys)
	s.keys = append(s.keys, key)
}

func (s *sampler) remove(key string) {
	i, ok := s.idx[key]
	if !ok {
		return
	}
	last := len(s.keys) - 1
	s.keys[i] = s.keys[last]
	s.idx[s.keys[i]] = i
	s.keys = s.keys[:last]
	delete(s.idx, key)
}

func (s *sampler) random() string {
	return s.keys[int(fastrand.Uint32()%uint32(len(s.keys)))]
}

const (
	lfuInitVal   = 5
	lfuLogFactor = 10
	lfuDecayMs   = 60_000
)

// lfuIncr is a logarithmic saturating counter.
func lfuIncr(c uint8) uint8 {
	if c == 255 {
		return c
	}
	base := float64(0)
	if c > lfuInitVal {
		base = float64(c - lfuInitVal)
	}
	p := 1.0 / (base*lfuLogFactor + 1)
	if float64(fastrand.Uint32())/float64(1<<32) < p {
		c++
	}
	return c
}

func lfuDecay(c uint8, last, now int64) uint8 {
	if last == 0 {
		return lfuInitVal
	}
	periods := (now - last) / lfuDecayMs
	if periods <= 0 {
		return c
	}
	if periods >= int64(c) {
		return 0
	}
	return c - uint8(periods)
}
