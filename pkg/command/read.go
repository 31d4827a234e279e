package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"memkv/pkg/dberrors"
	"memkv/pkg/tvs"
)

func readPing(_ *tvs.Store, _ string, _ [][]byte, _ int64) (Reply, error) {
	return Bulk([]byte("PONG")), nil
}

func readGet(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	v, err := s.Get(key)
	if errors.Is(err, dberrors.ErrNotFound) {
		return Nil(), nil
	}
	if err != nil {
		return Reply{}, err
	}
	return Bulk(v), nil
}

func readStrLen(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	n, err := s.StrLen(key)
	return Int(int64(n)), err
}

func readExists(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	return Bool(s.Exists(key)), nil
}

func readType(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	k, ok := s.Type(key)
	if !ok {
		return Bulk([]byte("none")), nil
	}
	return Bulk([]byte(k.String())), nil
}

// readTTL answers -2 for a missing key and -1 for a key without deadline.
func readTTL(unit time.Duration) readFunc {
	return func(s *tvs.Store, key string, _ [][]byte, now int64) (Reply, error) {
		at, ok := s.ExpireAt(key)
		switch {
		case !ok:
			return Int(-2), nil
		case at == 0:
			return Int(-1), nil
		}
		left := at - now
		if left < 0 {
			left = 0
		}
		if unit == time.Second {
			return Int((left + 500) / 1000), nil
		}
		return Int(left), nil
	}
}

func readHGet(s *tvs.Store, key string, args [][]byte, _ int64) (Reply, error) {
	v, err := s.HGet(key, string(args[0]))
	if errors.Is(err, dberrors.ErrNotFound) {
		return Nil(), nil
	}
	if err != nil {
		return Reply{}, err
	}
	return Bulk(v), nil
}

func readHLen(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	n, err := s.HLen(key)
	return Int(int64(n)), err
}

func readHGetAll(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	fields, err := s.HGetAll(key)
	if err != nil {
		return Reply{}, err
	}
	out := make([]Reply, 0, 2*len(fields))
	for _, f := range fields {
		out = append(out, Bulk([]byte(f.Field)), Bulk(f.Value))
	}
	return Array(out), nil
}

func readLRange(s *tvs.Store, key string, args [][]byte, _ int64) (Reply, error) {
	start, err := parseInt(args[0])
	if err != nil {
		return Reply{}, err
	}
	stop, err := parseInt(args[1])
	if err != nil {
		return Reply{}, err
	}
	items, err := s.LRange(key, clampInt(start), clampInt(stop))
	if err != nil {
		return Reply{}, err
	}
	out := make([]Reply, len(items))
	for i, it := range items {
		out[i] = Bulk(it)
	}
	return Array(out), nil
}

func readLLen(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	n, err := s.LLen(key)
	return Int(int64(n)), err
}

func readSIsMember(s *tvs.Store, key string, args [][]byte, _ int64) (Reply, error) {
	ok, err := s.SIsMember(key, string(args[0]))
	return Bool(ok), err
}

func readSMembers(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	m, err := s.SMembers(key)
	if err != nil {
		return Reply{}, err
	}
	return BulkStrings(m), nil
}

func readSCard(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	n, err := s.SCard(key)
	return Int(int64(n)), err
}

func readZScore(s *tvs.Store, key string, args [][]byte, _ int64) (Reply, error) {
	score, ok, err := s.ZScore(key, string(args[0]))
	if err != nil || !ok {
		return Nil(), err
	}
	return Bulk(formatScore(score)), nil
}

func readZRank(s *tvs.Store, key string, args [][]byte, _ int64) (Reply, error) {
	rank, ok, err := s.ZRank(key, string(args[0]))
	if err != nil || !ok {
		return Nil(), err
	}
	return Int(int64(rank)), nil
}

// ZRANGE key start stop [WITHSCORES]
func readZRange(s *tvs.Store, key string, args [][]byte, _ int64) (Reply, error) {
	start, err := parseInt(args[0])
	if err != nil {
		return Reply{}, err
	}
	stop, err := parseInt(args[1])
	if err != nil {
		return Reply{}, err
	}
	withScores := false
	switch {
	case len(args) == 3 && strings.EqualFold(string(args[2]), "WITHSCORES"):
		withScores = true
	case len(args) > 2:
		return Reply{}, fmt.Errorf("%w: syntax error in ZRANGE", dberrors.ErrInvalidArgument)
	}
	members, err := s.ZRange(key, clampInt(start), clampInt(stop))
	if err != nil {
		return Reply{}, err
	}
	return scored(members, withScores), nil
}

func readZRangeByScore(s *tvs.Store, key string, args [][]byte, _ int64) (Reply, error) {
	min, err := parseFloat(args[0])
	if err != nil {
		return Reply{}, err
	}
	max, err := parseFloat(args[1])
	if err != nil {
		return Reply{}, err
	}
	members, err := s.ZRangeByScore(key, min, max)
	if err != nil {
		return Reply{}, err
	}
	return scored(members, false), nil
}

func readZCard(s *tvs.Store, key string, _ [][]byte, _ int64) (Reply, error) {
	n, err := s.ZCard(key)
	return Int(int64(n)), err
}

func scored(members []tvs.ScoredMember, withScores bool) Reply {
	out := make([]Reply, 0, len(members))
	for _, m := range members {
		out = append(out, Bulk([]byte(m.Member)))
		if withScores {
			out = append(out, Bulk(formatScore(m.Score)))
		}
	}
	return Array(out)
}

func formatScore(f float64) []byte {
	return strconv.AppendFloat(nil, f, 'g', 17, 64)
}

func clampInt(n int64) int {
	const maxInt = int64(^uint(0) >> 1)
	switch {
	case n > maxInt:
		return int(maxInt)
	case n < -maxInt:
		return int(-maxInt)
	}
	return int(n)
}
