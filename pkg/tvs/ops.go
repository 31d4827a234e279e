package tvs

import (
	"fmt"
	"math"
	"strconv"

	"memkv/pkg/dberrors"
)

// strings

func (s *Store) Get(key string) ([]byte, error) {
	e, err := s.typed(key, KindString)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, dberrors.ErrNotFound
	}
	return e.val.(*String).b, nil
}

// Set overwrites key with a string of any previous type. keepTTL preserves the
// existing deadline and ignores expireAt.
func (s *Store) Set(key string, val []byte, expireAt int64, keepTTL bool) {
	if e := s.get(key); e != nil {
		if keepTTL {
			expireAt = e.expireAt
		}
		s.remove(e)
	}
	s.insert(key, NewString(val), expireAt)
}

func (s *Store) IncrBy(key string, delta int64) (int64, error) {
	e, err := s.typed(key, KindString)
	if err != nil {
		return 0, err
	}

	var cur int64
	if e != nil {
		cur, err = strconv.ParseInt(string(e.val.(*String).b), 10, 64)
		if err != nil {
			return 0, dberrors.ErrNotInteger
		}
	}
	if (delta > 0 && cur > math.MaxInt64-delta) || (delta < 0 && cur < math.MinInt64-delta) {
		return 0, fmt.Errorf("%w: increment or decrement would overflow", dberrors.ErrOutOfRange)
	}

	n := cur + delta
	b := strconv.AppendInt(nil, n, 10)
	if e == nil {
		s.insert(key, &String{b: b}, 0)
		return n, nil
	}
	s.mutate(e, func(e *entry) { e.val.(*String).b = b })
	return n, nil
}

func (s *Store) Append(key string, val []byte) (int, error) {
	e, err := s.typed(key, KindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		s.insert(key, NewString(val), 0)
		return len(val), nil
	}
	cur := e.val.(*String).b
	if len(cur)+len(val) > MaxStringLen {
		return 0, fmt.Errorf("%w: string exceeds maximum allowed size", dberrors.ErrOutOfRange)
	}
	var n int
	s.mutate(e, func(e *entry) {
		str := e.val.(*String)
		str.b = append(str.b, val...)
		n = len(str.b)
	})
	return n, nil
}

func (s *Store) StrLen(key string) (int, error) {
	e, err := s.typed(key, KindString)
	if err != nil || e == nil {
		return 0, err
	}
	return len(e.val.(*String).b), nil
}

// hashes

func (s *Store) container(key string, kind Kind, create func() Value) (*entry, error) {
	e, err := s.typed(key, kind)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = s.insert(key, create(), 0)
	}
	return e, nil
}

// HSet reports whether field was added rather than updated.
func (s *Store) HSet(key, field string, val []byte) (bool, error) {
	e, err := s.container(key, KindHash, func() Value { return NewHash() })
	if err != nil {
		return false, err
	}
	var added bool
	s.mutate(e, func(e *entry) { added = e.val.(*Hash).set(field, val) })
	return added, nil
}

func (s *Store) HGet(key, field string) ([]byte, error) {
	e, err := s.typed(key, KindHash)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, dberrors.ErrNotFound
	}
	v, ok := e.val.(*Hash).m[field]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	return v, nil
}

func (s *Store) HDel(key string, fields ...string) (int, error) {
	e, err := s.typed(key, KindHash)
	if err != nil || e == nil {
		return 0, err
	}
	n := 0
	s.mutate(e, func(e *entry) {
		h := e.val.(*Hash)
		for _, f := range fields {
			if h.del(f) {
				n++
			}
		}
	})
	return n, nil
}

func (s *Store) HLen(key string) (int, error) {
	e, err := s.typed(key, KindHash)
	if err != nil || e == nil {
		return 0, err
	}
	return e.val.(*Hash).Len(), nil
}

func (s *Store) HGetAll(key string) ([]FieldValue, error) {
	e, err := s.typed(key, KindHash)
	if err != nil || e == nil {
		return nil, err
	}
	return e.val.(*Hash).Fields(), nil
}

// lists

// LPush inserts vals at the head one by one, so the last one ends up first.
func (s *Store) LPush(key string, vals ...[]byte) (int, error) {
	return s.push(key, vals, true)
}

func (s *Store) RPush(key string, vals ...[]byte) (int, error) {
	return s.push(key, vals, false)
}

func (s *Store) push(key string, vals [][]byte, front bool) (int, error) {
	e, err := s.container(key, KindList, func() Value { return NewList() })
	if err != nil {
		return 0, err
	}
	var n int
	s.mutate(e, func(e *entry) {
		l := e.val.(*List)
		for _, v := range vals {
			if front {
				l.pushFront(v)
			} else {
				l.pushBack(v)
			}
		}
		n = l.Len()
	})
	return n, nil
}

func (s *Store) LPop(key string) ([]byte, error) {
	return s.pop(key, true)
}

func (s *Store) RPop(key string) ([]byte, error) {
	return s.pop(key, false)
}

func (s *Store) pop(key string, front bool) ([]byte, error) {
	e, err := s.typed(key, KindList)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, dberrors.ErrNotFound
	}
	var v []byte
	s.mutate(e, func(e *entry) {
		if front {
			v = e.val.(*List).popFront()
		} else {
			v = e.val.(*List).popBack()
		}
	})
	return v, nil
}

func (s *Store) LLen(key string) (int, error) {
	e, err := s.typed(key, KindList)
	if err != nil || e == nil {
		return 0, err
	}
	return e.val.(*List).Len(), nil
}

// LRange accepts negative offsets counted from the tail.
func (s *Store) LRange(key string, start, stop int) ([][]byte, error) {
	e, err := s.typed(key, KindList)
	if err != nil || e == nil {
		return nil, err
	}
	l := e.val.(*List)
	from, to, ok := normRange(start, stop, l.Len())
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, l.d.at(i))
	}
	return out, nil
}

func normRange(start, stop, n int) (int, int, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop, true
}

// sets

func (s *Store) SAdd(key string, members ...string) (int, error) {
	e, err := s.container(key, KindSet, func() Value { return NewSet() })
	if err != nil {
		return 0, err
	}
	n := 0
	s.mutate(e, func(e *entry) {
		set := e.val.(*Set)
		for _, m := range members {
			if set.add(m) {
				n++
			}
		}
	})
	return n, nil
}

func (s *Store) SRem(key string, members ...string) (int, error) {
	e, err := s.typed(key, KindSet)
	if err != nil || e == nil {
		return 0, err
	}
	n := 0
	s.mutate(e, func(e *entry) {
		set := e.val.(*Set)
		for _, m := range members {
			if set.rem(m) {
				n++
			}
		}
	})
	return n, nil
}

func (s *Store) SIsMember(key, member string) (bool, error) {
	e, err := s.typed(key, KindSet)
	if err != nil || e == nil {
		return false, err
	}
	_, ok := e.val.(*Set).m[member]
	return ok, nil
}

func (s *Store) SMembers(key string) ([]string, error) {
	e, err := s.typed(key, KindSet)
	if err != nil || e == nil {
		return nil, err
	}
	return e.val.(*Set).Members(), nil
}

func (s *Store) SCard(key string) (int, error) {
	e, err := s.typed(key, KindSet)
	if err != nil || e == nil {
		return 0, err
	}
	return e.val.(*Set).Len(), nil
}

// sorted sets

// ZAdd returns the number of new members; existing members get their score updated.
func (s *Store) ZAdd(key string, members ...ScoredMember) (int, error) {
	for _, m := range members {
		if math.IsNaN(m.Score) {
			return 0, fmt.Errorf("%w: score is not a number", dberrors.ErrInvalidArgument)
		}
	}
	e, err := s.container(key, KindZSet, func() Value { return NewZSet() })
	if err != nil {
		return 0, err
	}
	n := 0
	s.mutate(e, func(e *entry) {
		z := e.val.(*ZSet)
		for _, m := range members {
			if z.add(m.Score, m.Member) {
				n++
			}
		}
	})
	return n, nil
}

func (s *Store) ZRem(key string, members ...string) (int, error) {
	e, err := s.typed(key, KindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	n := 0
	s.mutate(e, func(e *entry) {
		z := e.val.(*ZSet)
		for _, m := range members {
			if z.rem(m) {
				n++
			}
		}
	})
	return n, nil
}

func (s *Store) ZScore(key, member string) (float64, bool, error) {
	e, err := s.typed(key, KindZSet)
	if err != nil || e == nil {
		return 0, false, err
	}
	score, ok := e.val.(*ZSet).dict[member]
	return score, ok, nil
}

// ZRank is 0-based.
func (s *Store) ZRank(key, member string) (int, bool, error) {
	e, err := s.typed(key, KindZSet)
	if err != nil || e == nil {
		return 0, false, err
	}
	z := e.val.(*ZSet)
	score, ok := z.dict[member]
	if !ok {
		return 0, false, nil
	}
	return z.sl.rank(score, member) - 1, true, nil
}

// ZRange returns members by rank, negative offsets counted from the end.
func (s *Store) ZRange(key string, start, stop int) ([]ScoredMember, error) {
	e, err := s.typed(key, KindZSet)
	if err != nil || e == nil {
		return nil, err
	}
	z := e.val.(*ZSet)
	from, to, ok := normRange(start, stop, z.Len())
	if !ok {
		return []ScoredMember{}, nil
	}
	out := make([]ScoredMember, 0, to-from+1)
	x := z.sl.byRank(from + 1)
	for i := from; i <= to && x != nil; i++ {
		out = append(out, ScoredMember{Member: x.member, Score: x.score})
		x = x.level[0].forward
	}
	return out, nil
}

// ZRangeByScore returns members with min <= score <= max.
func (s *Store) ZRangeByScore(key string, min, max float64) ([]ScoredMember, error) {
	e, err := s.typed(key, KindZSet)
	if err != nil || e == nil {
		return nil, err
	}
	out := []ScoredMember{}
	for x := e.val.(*ZSet).sl.firstGE(min); x != nil && x.score <= max; x = x.level[0].forward {
		out = append(out, ScoredMember{Member: x.member, Score: x.score})
	}
	return out, nil
}

func (s *Store) ZCard(key string) (int, error) {
	e, err := s.typed(key, KindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	return e.val.(*ZSet).Len(), nil
}
