package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"memkv/pkg/dberrors"
	"memkv/pkg/tvs"
	"memkv/pkg/wal"
)

// run executes c the way a partition does and returns the reply plus the
// record that would be logged, if any.
func run(t *testing.T, s *tvs.Store, c Command, now int64) (Reply, *wal.Record, error) {
	t.Helper()
	if err := Validate(c); err != nil {
		return Reply{}, nil, err
	}
	if !IsWrite(c) {
		r, err := Read(s, c, now)
		return r, nil, err
	}
	rec, err := Rewrite(c, now)
	if err != nil {
		return Reply{}, nil, err
	}
	r, changed, err := Apply(s, rec)
	if err != nil || !changed {
		return r, nil, err
	}
	return r, &rec, nil
}

func mustRun(t *testing.T, s *tvs.Store, now int64, name string, args ...string) Reply {
	t.Helper()
	r, _, err := run(t, s, New(name, args...), now)
	require.NoError(t, err, "%s %v", name, args)
	return r
}

func TestValidate(t *testing.T) {
	require.ErrorIs(t, Validate(New("FLUSHALL")), dberrors.ErrUnknownCommand)
	require.ErrorIs(t, Validate(New("GET")), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, Validate(New("GET", "a", "b")), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, Validate(New("SET", "", "v")), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, Validate(New("HSET", "h", "f")), dberrors.ErrInvalidArgument)
	require.NoError(t, Validate(New("hset", "h", "f", "v")))
	require.NoError(t, Validate(New("PING")))

	require.ErrorIs(t, Validate(NewBatch()), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, Validate(NewBatch(NewBatch(New("GET", "a")))), dberrors.ErrInvalidArgument)
	require.NoError(t, Validate(NewBatch(New("SET", "a", "1"), New("GET", "a"))))
}

func TestRewrite_RelativeTimesBecomeAbsolute(t *testing.T) {
	const now = 1_000_000

	rec, err := Rewrite(New("EXPIRE", "k", "10"), now)
	require.NoError(t, err)
	require.Equal(t, OpPExpireAt, rec.Op)
	require.Equal(t, "k", rec.Key)
	require.Equal(t, [][]byte{[]byte("1010000")}, rec.Args)

	rec, err = Rewrite(New("SET", "k", "v", "EX", "5"), now)
	require.NoError(t, err)
	require.Equal(t, OpSet, rec.Op)
	require.Equal(t, [][]byte{[]byte("v"), []byte("PXAT"), []byte("1005000")}, rec.Args)

	rec, err = Rewrite(New("INCR", "k"), now)
	require.NoError(t, err)
	require.Equal(t, OpIncrBy, rec.Op)
	require.Equal(t, [][]byte{[]byte("1")}, rec.Args)

	rec, err = Rewrite(New("DECRBY", "k", "7"), now)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("-7")}, rec.Args)

	_, err = Rewrite(New("SET", "k", "v", "EX", "0"), now)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	_, err = Rewrite(New("INCRBY", "k", "x"), now)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	_, err = Rewrite(New("ZADD", "z", "nan", "m"), now)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestApply_Strings(t *testing.T) {
	s := tvs.New()
	require.Equal(t, OK(), mustRun(t, s, 1, "SET", "x", "5"))
	require.Equal(t, Int(6), mustRun(t, s, 1, "INCR", "x"))
	require.Equal(t, Bulk([]byte("6")), mustRun(t, s, 1, "GET", "x"))
	require.Equal(t, Int(4), mustRun(t, s, 1, "DECRBY", "x", "2"))
	require.Equal(t, Int(3), mustRun(t, s, 1, "APPEND", "x", "00"))
	require.Equal(t, Nil(), mustRun(t, s, 1, "GET", "missing"))

	mustRun(t, s, 1, "SET", "s", "abc")
	_, rec, err := run(t, s, New("INCR", "s"), 1)
	require.ErrorIs(t, err, dberrors.ErrNotInteger)
	require.Nil(t, rec, "failed writes are not logged")

	mustRun(t, s, 1, "RPUSH", "l", "a")
	_, _, err = run(t, s, New("GET", "l"), 1)
	require.ErrorIs(t, err, dberrors.ErrWrongType)
}

func TestApply_Expiry(t *testing.T) {
	s := tvs.New()
	mustRun(t, s, 1000, "SET", "k", "v")
	require.Equal(t, Int(-1), mustRun(t, s, 1000, "TTL", "k"))
	require.Equal(t, Int(1), mustRun(t, s, 1000, "EXPIRE", "k", "10"))
	require.Equal(t, Int(10), mustRun(t, s, 1000, "TTL", "k"))
	require.Equal(t, Int(4000), mustRun(t, s, 7000, "PTTL", "k"))
	require.Equal(t, Int(1), mustRun(t, s, 7000, "PERSIST", "k"))
	require.Equal(t, Int(0), mustRun(t, s, 7000, "PERSIST", "k"))

	// a deadline that already passed removes the key
	r, rec, err := run(t, s, New("PEXPIREAT", "k", "500"), 7000)
	require.NoError(t, err)
	require.Equal(t, Int(1), r)
	require.NotNil(t, rec)
	require.False(t, s.Exists("k"))
	require.Equal(t, Int(-2), mustRun(t, s, 7000, "TTL", "k"))

	r, rec, err = run(t, s, New("EXPIRE", "nope", "10"), 7000)
	require.NoError(t, err)
	require.Equal(t, Int(0), r)
	require.Nil(t, rec)
}

func TestApply_Collections(t *testing.T) {
	s := tvs.New()
	require.Equal(t, Int(2), mustRun(t, s, 1, "HSET", "h", "a", "1", "b", "2"))
	require.Equal(t, Int(0), mustRun(t, s, 1, "HSET", "h", "a", "3"))
	require.Equal(t, Bulk([]byte("3")), mustRun(t, s, 1, "HGET", "h", "a"))
	require.Equal(t, Array([]Reply{Bulk([]byte("a")), Bulk([]byte("3")), Bulk([]byte("b")), Bulk([]byte("2"))}),
		mustRun(t, s, 1, "HGETALL", "h"))

	require.Equal(t, Int(3), mustRun(t, s, 1, "RPUSH", "l", "a", "b", "c"))
	require.Equal(t, Int(4), mustRun(t, s, 1, "LPUSH", "l", "z"))
	require.Equal(t, BulkStrings([]string{"z", "a", "b", "c"}), mustRun(t, s, 1, "LRANGE", "l", "0", "-1"))
	require.Equal(t, Bulk([]byte("c")), mustRun(t, s, 1, "RPOP", "l"))
	require.Equal(t, Nil(), mustRun(t, s, 1, "LPOP", "nolist"))

	require.Equal(t, Int(2), mustRun(t, s, 1, "SADD", "s", "x", "y", "x"))
	require.Equal(t, Int(1), mustRun(t, s, 1, "SISMEMBER", "s", "y"))
	require.Equal(t, Int(1), mustRun(t, s, 1, "SREM", "s", "y"))
	require.Equal(t, BulkStrings([]string{"x"}), mustRun(t, s, 1, "SMEMBERS", "s"))

	require.Equal(t, Int(3), mustRun(t, s, 1, "ZADD", "z", "3", "c", "1", "a", "2", "b"))
	require.Equal(t, Int(1), mustRun(t, s, 1, "ZRANK", "z", "b"))
	require.Equal(t, BulkStrings([]string{"a", "1", "b", "2"}), mustRun(t, s, 1, "ZRANGE", "z", "0", "1", "WITHSCORES"))
	require.Equal(t, BulkStrings([]string{"b", "c"}), mustRun(t, s, 1, "ZRANGEBYSCORE", "z", "2", "+inf"))
	require.Equal(t, Nil(), mustRun(t, s, 1, "ZSCORE", "z", "nope"))
	require.Equal(t, Bulk([]byte("hash")), mustRun(t, s, 1, "TYPE", "h"))
	require.Equal(t, Bulk([]byte("none")), mustRun(t, s, 1, "TYPE", "nolist"))
}

func TestApply_ReplayIsDeterministic(t *testing.T) {
	live := tvs.New()
	var log []wal.Record
	cmds := []Command{
		New("SET", "a", "1", "PX", "100"),
		New("INCR", "b"),
		New("INCRBY", "b", "41"),
		New("HSET", "h", "f", "v"),
		New("HDEL", "h", "nope"),
		New("RPUSH", "l", "1", "2", "3"),
		New("LPOP", "l"),
		New("ZADD", "z", "1.5", "m", "-inf", "n"),
		New("EXPIRE", "h", "30"),
		New("DEL", "missing"),
		NewBatch(New("SET", "c", "x"), New("APPEND", "c", "y"), New("INCR", "c"), New("GET", "c")),
	}
	for i, c := range cmds {
		_, rec, err := run(t, live, c, int64(1000+i))
		require.NoError(t, err, c.String())
		if rec != nil {
			rec.Seq = uint64(len(log) + 1)
			log = append(log, *rec)
		}
	}
	require.Len(t, log, 9, "no-op writes are not logged")

	replayed := tvs.New()
	for _, rec := range log {
		b, err := wal.Encode(rec)
		require.NoError(t, err)
		dec, err := wal.Decode(b)
		require.NoError(t, err)
		_, _, err = Apply(replayed, dec)
		require.NoError(t, err)
	}
	require.Equal(t, live.Canonical(), replayed.Canonical())
}

func TestBatch_ErrorsDoNotRollBack(t *testing.T) {
	s := tvs.New()
	r, rec, err := run(t, s, NewBatch(
		New("SET", "a", "1"),
		New("INCR", "a"),
		New("LPUSH", "a", "x"),
		New("GET", "a"),
	), 5)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Len(t, r.Array, 4)
	require.Equal(t, OK(), r.Array[0])
	require.Equal(t, Int(2), r.Array[1])
	require.Equal(t, ReplyError, r.Array[2].Kind)
	require.Equal(t, Bulk([]byte("2")), r.Array[3])
}

func TestSynthesize_RebuildsState(t *testing.T) {
	s := tvs.New()
	mustRun(t, s, 1, "SET", "str", "v", "PXAT", "99999")
	mustRun(t, s, 1, "HSET", "h", "f1", "a", "f2", "b")
	mustRun(t, s, 1, "RPUSH", "l", "x", "y", "x")
	mustRun(t, s, 1, "SADD", "s", "m1", "m2")
	mustRun(t, s, 1, "ZADD", "z", "0.1", "a", "+inf", "b", "-3", "c")
	mustRun(t, s, 1, "PEXPIREAT", "z", "123456")

	rebuilt := tvs.New()
	s.Freeze().Ascend(func(e tvs.Entry) bool {
		recs, err := Synthesize(e)
		require.NoError(t, err)
		for _, rec := range recs {
			_, _, err := Apply(rebuilt, rec)
			require.NoError(t, err)
		}
		return true
	})
	require.Equal(t, s.Canonical(), rebuilt.Canonical())
}

func TestReply_JSON(t *testing.T) {
	r := Array([]Reply{OK(), Int(7), Bulk([]byte("hi")), Nil(), {Kind: ReplyError, Err: "boom"}})
	b, err := json.Marshal(r)
	require.NoError(t, err)
	require.JSONEq(t, `["OK",7,"hi",null,{"error":"boom"}]`, string(b))

	var back Reply
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, r, back)
}

func TestGrowthEstimate_BoundsStoreAccounting(t *testing.T) {
	cmds := []Command{
		New("SET", "k", "hello world"),
		New("INCRBY", "n", "-9223372036854775807"),
		New("APPEND", "a", "xyz"),
		New("HSET", "h", "f1", "v1", "f2", "value-2"),
		New("RPUSH", "l", "a", "bb", "ccc"),
		New("SADD", "s", "m1", "m2"),
		New("ZADD", "z", "1.5", "alpha", "2", "beta"),
		NewBatch(New("LPUSH", "b", "x"), New("GET", "b")),
	}
	for _, c := range cmds {
		t.Run(c.String(), func(t *testing.T) {
			s := tvs.New()
			_, _, err := run(t, s, c, 1)
			require.NoError(t, err)
			require.GreaterOrEqual(t, GrowthEstimate(c), s.UsedMemory())
		})
	}

	require.Zero(t, GrowthEstimate(New("GET", "k")))
	require.Zero(t, GrowthEstimate(New("DEL", "k")))
	require.Zero(t, GrowthEstimate(New("EXPIRE", "k", "10")))
}

func TestRead_BatchOfReads(t *testing.T) {
	s := tvs.New()
	mustRun(t, s, 1, "SET", "a", "1")
	r, err := Read(s, NewBatch(New("GET", "a"), New("LLEN", "a"), New("GET", "b")), 1)
	require.NoError(t, err)
	require.Equal(t, Bulk([]byte("1")), r.Array[0])
	require.Equal(t, ReplyError, r.Array[1].Kind)
	require.Equal(t, Nil(), r.Array[2])
}
