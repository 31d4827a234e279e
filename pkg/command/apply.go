package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"memkv/pkg/dberrors"
	"memkv/pkg/tvs"
	"memkv/pkg/wal"
)

// applyFunc mutates the store according to a log record. changed is false when
// the record turned out to be a no-op and does not need to be logged.
type applyFunc func(s *tvs.Store, rec wal.Record) (reply Reply, changed bool, err error)

var appliers = map[string]applyFunc{
	OpSet:       applySet,
	OpDel:       applyDel,
	OpIncrBy:    applyIncrBy,
	OpAppend:    applyAppend,
	OpHSet:      applyHSet,
	OpHDel:      applyHDel,
	OpLPush:     applyPush(true),
	OpRPush:     applyPush(false),
	OpLPop:      applyPop(true),
	OpRPop:      applyPop(false),
	OpSAdd:      applySAdd,
	OpSRem:      applySRem,
	OpZAdd:      applyZAdd,
	OpZRem:      applyZRem,
	OpPExpireAt: applyPExpireAt,
	OpPersist:   applyPersist,
}

// Apply executes a log record against the store. The result depends only on
// the record and the store state, so primaries, replicas and recovery agree.
// An error means the store was left untouched.
func Apply(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	if rec.Op == OpBatch {
		return applyBatch(s, rec)
	}
	fn, ok := appliers[rec.Op]
	if !ok {
		return Reply{}, false, fmt.Errorf("%w: unknown record op %q", dberrors.ErrCorruption, rec.Op)
	}
	return fn(s, rec)
}

// applyBatch runs every sub-record in order. A failing sub-command yields an
// error reply in its slot and does not undo the others.
func applyBatch(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	replies := make([]Reply, 0, len(rec.Args))
	changed := false
	for _, raw := range rec.Args {
		sub, err := wal.Decode(raw)
		if err != nil {
			return Reply{}, false, err
		}
		var (
			r  Reply
			ch bool
		)
		if fn, ok := appliers[sub.Op]; ok {
			r, ch, err = fn(s, sub)
		} else {
			r, err = Read(s, recordCommand(sub), sub.Timestamp)
		}
		if err != nil {
			if errors.Is(err, dberrors.ErrCorruption) {
				return Reply{}, false, err
			}
			r = ErrorReply(err)
		}
		changed = changed || ch
		replies = append(replies, r)
	}
	return Array(replies), changed, nil
}

func recordCommand(rec wal.Record) Command {
	c := Command{Name: rec.Op}
	if rec.Key != "" {
		c.Args = append([][]byte{[]byte(rec.Key)}, rec.Args...)
	} else {
		c.Args = rec.Args
	}
	return c
}

func needArgs(rec wal.Record, n int) error {
	if len(rec.Args) < n {
		return fmt.Errorf("%w: %s record has %d args", dberrors.ErrCorruption, rec.Op, len(rec.Args))
	}
	return nil
}

func recordInt(rec wal.Record, b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s record has bad integer %q", dberrors.ErrCorruption, rec.Op, b)
	}
	return n, nil
}

func applySet(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	if err := needArgs(rec, 1); err != nil {
		return Reply{}, false, err
	}
	var (
		at      int64
		keepTTL bool
	)
	opts := rec.Args[1:]
	for i := 0; i < len(opts); i++ {
		switch strings.ToUpper(string(opts[i])) {
		case "PXAT":
			if i+1 >= len(opts) {
				return Reply{}, false, fmt.Errorf("%w: SET record PXAT without deadline", dberrors.ErrCorruption)
			}
			n, err := recordInt(rec, opts[i+1])
			if err != nil {
				return Reply{}, false, err
			}
			at = n
			i++
		case "KEEPTTL":
			keepTTL = true
		default:
			return Reply{}, false, fmt.Errorf("%w: SET record option %q", dberrors.ErrCorruption, opts[i])
		}
	}
	if at > 0 && at <= rec.Timestamp {
		// already expired when written
		s.Del(rec.Key)
		return OK(), true, nil
	}
	s.Set(rec.Key, rec.Args[0], at, keepTTL)
	return OK(), true, nil
}

func applyDel(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	ok := s.Del(rec.Key)
	return Bool(ok), ok, nil
}

func applyIncrBy(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	if err := needArgs(rec, 1); err != nil {
		return Reply{}, false, err
	}
	delta, err := recordInt(rec, rec.Args[0])
	if err != nil {
		return Reply{}, false, err
	}
	n, err := s.IncrBy(rec.Key, delta)
	if err != nil {
		return Reply{}, false, err
	}
	return Int(n), true, nil
}

func applyAppend(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	if err := needArgs(rec, 1); err != nil {
		return Reply{}, false, err
	}
	n, err := s.Append(rec.Key, rec.Args[0])
	if err != nil {
		return Reply{}, false, err
	}
	return Int(int64(n)), true, nil
}

func applyHSet(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	if len(rec.Args) == 0 || len(rec.Args)%2 != 0 {
		return Reply{}, false, fmt.Errorf("%w: HSET record has %d args", dberrors.ErrCorruption, len(rec.Args))
	}
	if k, ok := s.Type(rec.Key); ok && k != tvs.KindHash {
		return Reply{}, false, dberrors.ErrWrongType
	}
	added := 0
	for i := 0; i < len(rec.Args); i += 2 {
		ok, err := s.HSet(rec.Key, string(rec.Args[i]), rec.Args[i+1])
		if err != nil {
			return Reply{}, false, err
		}
		if ok {
			added++
		}
	}
	return Int(int64(added)), true, nil
}

func applyHDel(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	n, err := s.HDel(rec.Key, stringArgs(rec.Args)...)
	if err != nil {
		return Reply{}, false, err
	}
	return Int(int64(n)), n > 0, nil
}

func applyPush(front bool) applyFunc {
	return func(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
		if err := needArgs(rec, 1); err != nil {
			return Reply{}, false, err
		}
		push := s.RPush
		if front {
			push = s.LPush
		}
		n, err := push(rec.Key, rec.Args...)
		if err != nil {
			return Reply{}, false, err
		}
		return Int(int64(n)), true, nil
	}
}

func applyPop(front bool) applyFunc {
	return func(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
		pop := s.RPop
		if front {
			pop = s.LPop
		}
		v, err := pop(rec.Key)
		if errors.Is(err, dberrors.ErrNotFound) {
			return Nil(), false, nil
		}
		if err != nil {
			return Reply{}, false, err
		}
		return Bulk(v), true, nil
	}
}

func applySAdd(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	if err := needArgs(rec, 1); err != nil {
		return Reply{}, false, err
	}
	n, err := s.SAdd(rec.Key, stringArgs(rec.Args)...)
	if err != nil {
		return Reply{}, false, err
	}
	return Int(int64(n)), n > 0, nil
}

func applySRem(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	n, err := s.SRem(rec.Key, stringArgs(rec.Args)...)
	if err != nil {
		return Reply{}, false, err
	}
	return Int(int64(n)), n > 0, nil
}

func applyZAdd(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	if len(rec.Args) == 0 || len(rec.Args)%2 != 0 {
		return Reply{}, false, fmt.Errorf("%w: ZADD record has %d args", dberrors.ErrCorruption, len(rec.Args))
	}
	members := make([]tvs.ScoredMember, 0, len(rec.Args)/2)
	for i := 0; i < len(rec.Args); i += 2 {
		score, err := parseFloat(rec.Args[i])
		if err != nil {
			return Reply{}, false, fmt.Errorf("%w: ZADD record score %q", dberrors.ErrCorruption, rec.Args[i])
		}
		members = append(members, tvs.ScoredMember{Member: string(rec.Args[i+1]), Score: score})
	}
	n, err := s.ZAdd(rec.Key, members...)
	if err != nil {
		return Reply{}, false, err
	}
	return Int(int64(n)), true, nil
}

func applyZRem(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	n, err := s.ZRem(rec.Key, stringArgs(rec.Args)...)
	if err != nil {
		return Reply{}, false, err
	}
	return Int(int64(n)), n > 0, nil
}

// applyPExpireAt deletes the key when the deadline is not after the record time.
func applyPExpireAt(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	if err := needArgs(rec, 1); err != nil {
		return Reply{}, false, err
	}
	at, err := recordInt(rec, rec.Args[0])
	if err != nil {
		return Reply{}, false, err
	}
	if !s.Exists(rec.Key) {
		return Int(0), false, nil
	}
	if at <= rec.Timestamp {
		s.Del(rec.Key)
		return Int(1), true, nil
	}
	s.Expire(rec.Key, at)
	return Int(1), true, nil
}

func applyPersist(s *tvs.Store, rec wal.Record) (Reply, bool, error) {
	ok := s.Persist(rec.Key)
	return Bool(ok), ok, nil
}

func stringArgs(args [][]byte) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}
