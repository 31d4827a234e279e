package tvs

import (
	"sort"
)

// Kind enumerates the closed set of value types.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindHash
	KindList
	KindSet
	KindZSet
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindHash:
		return "hash"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindZSet:
		return "zset"
	}
	return "none"
}

// Value is one of *String, *Hash, *List, *Set or *ZSet.
// The unexported methods keep the union closed.
type Value interface {
	Kind() Kind
	clone() Value
	// bytes is the approximate payload size, maintained incrementally.
	bytes() int64
}

const (
	elemOverhead  = 16
	entryOverhead = 64
)

// The cost functions below are the accounting UsedMemory is made of; admission
// control uses them to bound a write before applying it.

// EntryCost is what a new key costs without its value.
func EntryCost(key string) int64 { return int64(len(key)) + entryOverhead }

// ElemCost is the cost of one list item, set member or hash field+value of n bytes.
func ElemCost(n int) int64 { return int64(n) + elemOverhead }

// ScoredCost is the cost of one sorted set member of n bytes.
func ScoredCost(n int) int64 { return int64(n) + 8 + elemOverhead*2 }

// String holds raw bytes; numeric commands parse them as int64.
type String struct {
	b []byte
}

func NewString(b []byte) *String {
	return &String{b: append([]byte(nil), b...)}
}

func (*String) Kind() Kind { return KindString }

func (s *String) clone() Value { return NewString(s.b) }

func (s *String) bytes() int64 { return int64(len(s.b)) }

// Bytes returns the stored bytes. Callers must not modify them.
func (s *String) Bytes() []byte { return s.b }

type Hash struct {
	m    map[string][]byte
	size int64
}

func NewHash() *Hash {
	return &Hash{m: make(map[string][]byte)}
}

func (*Hash) Kind() Kind { return KindHash }

func (h *Hash) clone() Value {
	c := &Hash{m: make(map[string][]byte, len(h.m)), size: h.size}
	for f, v := range h.m {
		c.m[f] = append([]byte(nil), v...)
	}
	return c
}

func (h *Hash) bytes() int64 { return h.size }

// set returns true when field is new.
func (h *Hash) set(field string, v []byte) bool {
	old, ok := h.m[field]
	if ok {
		h.size += int64(len(v) - len(old))
	} else {
		h.size += ElemCost(len(field) + len(v))
	}
	h.m[field] = append([]byte(nil), v...)
	return !ok
}

func (h *Hash) del(field string) bool {
	old, ok := h.m[field]
	if !ok {
		return false
	}
	h.size -= ElemCost(len(field) + len(old))
	delete(h.m, field)
	return true
}

func (h *Hash) Len() int { return len(h.m) }

// FieldValue is a hash field with its value.
type FieldValue struct {
	Field string
	Value []byte
}

// Fields returns all pairs ordered by field.
func (h *Hash) Fields() []FieldValue {
	out := make([]FieldValue, 0, len(h.m))
	for f, v := range h.m {
		out = append(out, FieldValue{Field: f, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

type List struct {
	d    deque
	size int64
}

func NewList() *List {
	return &List{}
}

func (*List) Kind() Kind { return KindList }

func (l *List) clone() Value {
	c := &List{size: l.size}
	c.d.grow(l.d.len())
	l.d.each(func(b []byte) {
		c.d.pushBack(append([]byte(nil), b...))
	})
	return c
}

func (l *List) bytes() int64 { return l.size }

func (l *List) Len() int { return l.d.len() }

// Items returns the elements head to tail.
func (l *List) Items() [][]byte {
	out := make([][]byte, 0, l.d.len())
	l.d.each(func(b []byte) { out = append(out, b) })
	return out
}

func (l *List) pushFront(b []byte) {
	l.size += ElemCost(len(b))
	l.d.pushFront(append([]byte(nil), b...))
}

func (l *List) pushBack(b []byte) {
	l.size += ElemCost(len(b))
	l.d.pushBack(append([]byte(nil), b...))
}

func (l *List) popFront() []byte {
	b := l.d.popFront()
	l.size -= ElemCost(len(b))
	return b
}

func (l *List) popBack() []byte {
	b := l.d.popBack()
	l.size -= ElemCost(len(b))
	return b
}

type Set struct {
	m    map[string]struct{}
	size int64
}

func NewSet() *Set {
	return &Set{m: make(map[string]struct{})}
}

func (*Set) Kind() Kind { return KindSet }

func (s *Set) clone() Value {
	c := &Set{m: make(map[string]struct{}, len(s.m)), size: s.size}
	for m := range s.m {
		c.m[m] = struct{}{}
	}
	return c
}

func (s *Set) bytes() int64 { return s.size }

func (s *Set) add(m string) bool {
	if _, ok := s.m[m]; ok {
		return false
	}
	s.m[m] = struct{}{}
	s.size += ElemCost(len(m))
	return true
}

func (s *Set) rem(m string) bool {
	if _, ok := s.m[m]; !ok {
		return false
	}
	delete(s.m, m)
	s.size -= ElemCost(len(m))
	return true
}

func (s *Set) Len() int { return len(s.m) }

// Members returns the members in lexicographic order.
func (s *Set) Members() []string {
	out := make([]string, 0, len(s.m))
	for m := range s.m {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ZSet keeps member scores in a map and a rank-aware skip list ordered by (score, member).
type ZSet struct {
	dict map[string]float64
	sl   *skipList
	size int64
}

func NewZSet() *ZSet {
	return &ZSet{dict: make(map[string]float64), sl: newSkipList()}
}

func (*ZSet) Kind() Kind { return KindZSet }

func (z *ZSet) clone() Value {
	c := NewZSet()
	c.size = z.size
	z.sl.each(func(score float64, member string) bool {
		c.dict[member] = score
		c.sl.insert(score, member)
		return true
	})
	return c
}

func (z *ZSet) bytes() int64 { return z.size }

// add inserts or updates member and reports whether it was new.
func (z *ZSet) add(score float64, member string) bool {
	old, ok := z.dict[member]
	if ok {
		if old == score {
			return false
		}
		z.sl.delete(old, member)
		z.sl.insert(score, member)
		z.dict[member] = score
		return false
	}
	z.dict[member] = score
	z.sl.insert(score, member)
	z.size += ScoredCost(len(member))
	return true
}

func (z *ZSet) rem(member string) bool {
	score, ok := z.dict[member]
	if !ok {
		return false
	}
	z.sl.delete(score, member)
	delete(z.dict, member)
	z.size -= ScoredCost(len(member))
	return true
}

func (z *ZSet) Len() int { return len(z.dict) }

// ScoredMember is one sorted set element.
type ScoredMember struct {
	Member string
	Score  float64
}

// Members returns all elements in rank order.
func (z *ZSet) Members() []ScoredMember {
	out := make([]ScoredMember, 0, len(z.dict))
	z.sl.each(func(score float64, member string) bool {
		out = append(out, ScoredMember{Member: member, Score: score})
		return true
	})
	return out
}
