package tvs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/btree"
)

// Entry is a read-only key/value pair exposed by a View.
type Entry struct {
	Key      string
	Value    Value
	ExpireAt int64
}

// View is a point-in-time image of a Store. Later writes to the store are not
// visible through it, and it may be read concurrently with them.
type View struct {
	tree *btree.BTree
	used int64
}

// Freeze captures the current keyspace in O(1). Subsequent mutations copy the
// entries they touch instead of changing them in place.
func (s *Store) Freeze() *View {
	v := &View{tree: s.tree.Clone(), used: s.used}
	s.gen++
	return v
}

func (v *View) Len() int { return v.tree.Len() }

func (v *View) UsedMemory() int64 { return v.used }

// Ascend visits entries in key order until fn returns false.
func (v *View) Ascend(fn func(Entry) bool) {
	v.tree.Ascend(func(it btree.Item) bool {
		e := it.(*entry)
		return fn(Entry{Key: e.key, Value: e.val, ExpireAt: e.expireAt})
	})
}

// Canonical renders the view as sorted, type-tagged lines. Two stores hold the
// same logical state iff their canonical forms are equal.
func (v *View) Canonical() []string {
	out := make([]string, 0, v.Len())
	v.Ascend(func(e Entry) bool {
		out = append(out, fmt.Sprintf("%q %s exp=%d %s", e.Key, e.Value.Kind(), e.ExpireAt, render(e.Value)))
		return true
	})
	return out
}

// Canonical is a convenience for tests and consistency checks on the live store.
func (s *Store) Canonical() []string {
	return (&View{tree: s.tree, used: s.used}).Canonical()
}

func render(v Value) string {
	var b strings.Builder
	switch t := v.(type) {
	case *String:
		b.WriteString(strconv.Quote(string(t.b)))
	case *Hash:
		for _, fv := range t.Fields() {
			fmt.Fprintf(&b, "%q=%q ", fv.Field, fv.Value)
		}
	case *List:
		for _, it := range t.Items() {
			fmt.Fprintf(&b, "%q ", it)
		}
	case *Set:
		for _, m := range t.Members() {
			fmt.Fprintf(&b, "%q ", m)
		}
	case *ZSet:
		for _, m := range t.Members() {
			fmt.Fprintf(&b, "%q:%s ", m.Member, strconv.FormatFloat(m.Score, 'g', -1, 64))
		}
	default:
		panic(fmt.Sprintf("tvs: unknown value type %T", v))
	}
	return b.String()
}

// Constructors used when loading persisted state.

func NewHashFrom(fields []FieldValue) *Hash {
	h := NewHash()
	for _, fv := range fields {
		h.set(fv.Field, fv.Value)
	}
	return h
}

func NewListFrom(items [][]byte) *List {
	l := NewList()
	for _, it := range items {
		l.pushBack(it)
	}
	return l
}

func NewSetFrom(members []string) *Set {
	s := NewSet()
	for _, m := range members {
		s.add(m)
	}
	return s
}

func NewZSetFrom(members []ScoredMember) *ZSet {
	z := NewZSet()
	for _, m := range members {
		z.add(m.Score, m.Member)
	}
	return z
}
