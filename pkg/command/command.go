package command

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"memkv/pkg/dberrors"
	"memkv/pkg/tvs"
	"memkv/pkg/types"
	"memkv/pkg/wal"
)

// Command is a client request against a single key, or a BATCH of such requests.
type Command struct {
	Name  string    `json:"name"`
	Args  [][]byte  `json:"args,omitempty"`
	Batch []Command `json:"batch,omitempty"`
}

// Options travel with a request but are not part of the command itself.
type Options struct {
	// Token makes a write idempotent: a retry with the same token returns the
	// first reply without applying the write again.
	Token       string
	Durability  types.Durability
	Consistency types.Consistency
	// MaxLag bounds replica staleness for ConsistencyReplica reads; 0 means unbounded.
	MaxLag time.Duration
}

// New builds a command from string arguments, the first being the name.
func New(name string, args ...string) Command {
	c := Command{Name: strings.ToUpper(name)}
	for _, a := range args {
		c.Args = append(c.Args, []byte(a))
	}
	return c
}

// NewBatch groups commands that must execute atomically on one partition.
func NewBatch(cmds ...Command) Command {
	return Command{Name: OpBatch, Batch: cmds}
}

func (c Command) String() string {
	if c.Name == OpBatch {
		return fmt.Sprintf("BATCH[%d]", len(c.Batch))
	}
	var b strings.Builder
	b.WriteString(c.Name)
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(strconv.Quote(string(a)))
	}
	return b.String()
}

const (
	OpSet       = "SET"
	OpDel       = "DEL"
	OpIncrBy    = "INCRBY"
	OpAppend    = "APPEND"
	OpHSet      = "HSET"
	OpHDel      = "HDEL"
	OpLPush     = "LPUSH"
	OpRPush     = "RPUSH"
	OpLPop      = "LPOP"
	OpRPop      = "RPOP"
	OpSAdd      = "SADD"
	OpSRem      = "SREM"
	OpZAdd      = "ZADD"
	OpZRem      = "ZREM"
	OpPExpireAt = "PEXPIREAT"
	OpPersist   = "PERSIST"
	OpBatch     = "BATCH"
)

type readFunc func(s *tvs.Store, key string, args [][]byte, now int64) (Reply, error)

// rewriteFunc turns a client write into its deterministic log form.
type rewriteFunc func(args [][]byte, now int64) (op string, out [][]byte, err error)

type handler struct {
	// arity counts arguments after the key; negative means "at least -arity".
	arity   int
	keyless bool
	write   bool
	read    readFunc
	rewrite rewriteFunc
}

var handlers map[string]*handler

func init() {
	handlers = map[string]*handler{
		"PING": {arity: 0, keyless: true, read: readPing},

		"GET":    {arity: 0, read: readGet},
		"STRLEN": {arity: 0, read: readStrLen},
		"EXISTS": {arity: 0, read: readExists},
		"TYPE":   {arity: 0, read: readType},
		"TTL":    {arity: 0, read: readTTL(time.Second)},
		"PTTL":   {arity: 0, read: readTTL(time.Millisecond)},

		"SET":    {arity: -1, write: true, rewrite: rewriteSet},
		"DEL":    {arity: 0, write: true, rewrite: identity(OpDel)},
		"INCR":   {arity: 0, write: true, rewrite: rewriteIncr(1)},
		"DECR":   {arity: 0, write: true, rewrite: rewriteIncr(-1)},
		"INCRBY": {arity: 1, write: true, rewrite: rewriteIncrBy(false)},
		"DECRBY": {arity: 1, write: true, rewrite: rewriteIncrBy(true)},
		"APPEND": {arity: 1, write: true, rewrite: identity(OpAppend)},

		"HSET":    {arity: -2, write: true, rewrite: rewriteHSet},
		"HGET":    {arity: 1, read: readHGet},
		"HDEL":    {arity: -1, write: true, rewrite: identity(OpHDel)},
		"HLEN":    {arity: 0, read: readHLen},
		"HGETALL": {arity: 0, read: readHGetAll},

		"LPUSH":  {arity: -1, write: true, rewrite: identity(OpLPush)},
		"RPUSH":  {arity: -1, write: true, rewrite: identity(OpRPush)},
		"LPOP":   {arity: 0, write: true, rewrite: identity(OpLPop)},
		"RPOP":   {arity: 0, write: true, rewrite: identity(OpRPop)},
		"LRANGE": {arity: 2, read: readLRange},
		"LLEN":   {arity: 0, read: readLLen},

		"SADD":      {arity: -1, write: true, rewrite: identity(OpSAdd)},
		"SREM":      {arity: -1, write: true, rewrite: identity(OpSRem)},
		"SISMEMBER": {arity: 1, read: readSIsMember},
		"SMEMBERS":  {arity: 0, read: readSMembers},
		"SCARD":     {arity: 0, read: readSCard},

		"ZADD":          {arity: -2, write: true, rewrite: rewriteZAdd},
		"ZREM":          {arity: -1, write: true, rewrite: identity(OpZRem)},
		"ZSCORE":        {arity: 1, read: readZScore},
		"ZRANK":         {arity: 1, read: readZRank},
		"ZRANGE":        {arity: -2, read: readZRange},
		"ZRANGEBYSCORE": {arity: 2, read: readZRangeByScore},
		"ZCARD":         {arity: 0, read: readZCard},

		"EXPIRE":    {arity: 1, write: true, rewrite: rewriteExpire(time.Second)},
		"PEXPIRE":   {arity: 1, write: true, rewrite: rewriteExpire(time.Millisecond)},
		"PEXPIREAT": {arity: 1, write: true, rewrite: rewritePExpireAt},
		"PERSIST":   {arity: 0, write: true, rewrite: identity(OpPersist)},
	}
}

func lookup(name string) (*handler, error) {
	h, ok := handlers[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", dberrors.ErrUnknownCommand, name)
	}
	return h, nil
}

// Validate checks the command name, arity and key.
func Validate(c Command) error {
	if strings.EqualFold(c.Name, OpBatch) {
		if len(c.Batch) == 0 {
			return fmt.Errorf("%w: empty batch", dberrors.ErrInvalidArgument)
		}
		for _, sub := range c.Batch {
			if strings.EqualFold(sub.Name, OpBatch) {
				return fmt.Errorf("%w: nested batch", dberrors.ErrInvalidArgument)
			}
			if err := Validate(sub); err != nil {
				return err
			}
		}
		return nil
	}

	h, err := lookup(c.Name)
	if err != nil {
		return err
	}
	n := len(c.Args)
	if !h.keyless {
		if n == 0 {
			return fmt.Errorf("%w: wrong number of arguments for %s", dberrors.ErrInvalidArgument, c.Name)
		}
		if err := tvs.ValidateKey(string(c.Args[0])); err != nil {
			return err
		}
		n--
	}
	if (h.arity >= 0 && n != h.arity) || (h.arity < 0 && n < -h.arity) {
		return fmt.Errorf("%w: wrong number of arguments for %s", dberrors.ErrInvalidArgument, c.Name)
	}
	return nil
}

// IsWrite reports whether c (or any command of a batch) mutates state.
func IsWrite(c Command) bool {
	if strings.EqualFold(c.Name, OpBatch) {
		for _, sub := range c.Batch {
			if IsWrite(sub) {
				return true
			}
		}
		return false
	}
	h, err := lookup(c.Name)
	return err == nil && h.write
}

// Keys lists the keys c touches.
func Keys(c Command) []string {
	if strings.EqualFold(c.Name, OpBatch) {
		var out []string
		for _, sub := range c.Batch {
			out = append(out, Keys(sub)...)
		}
		return out
	}
	h, err := lookup(c.Name)
	if err != nil || h.keyless || len(c.Args) == 0 {
		return nil
	}
	return []string{string(c.Args[0])}
}

// GrowthEstimate is an upper bound of the bytes a write may add, in the same
// cost model the store uses for UsedMemory. Overwrites are counted as if the key
// were new.
func GrowthEstimate(c Command) int64 {
	if !IsWrite(c) {
		return 0
	}
	if strings.EqualFold(c.Name, OpBatch) {
		var n int64
		for _, sub := range c.Batch {
			n += GrowthEstimate(sub)
		}
		return n
	}
	if len(c.Args) == 0 {
		return 0
	}
	key := string(c.Args[0])
	args := c.Args[1:]
	var n int64
	switch strings.ToUpper(c.Name) {
	case "SET", "APPEND":
		if len(args) > 0 {
			n = int64(len(args[0]))
		}
	case "INCR", "DECR", "INCRBY", "DECRBY":
		n = int64(len(strconv.FormatInt(math.MinInt64, 10)))
	case "HSET":
		for i := 0; i+1 < len(args); i += 2 {
			n += tvs.ElemCost(len(args[i]) + len(args[i+1]))
		}
	case "LPUSH", "RPUSH", "SADD":
		for _, a := range args {
			n += tvs.ElemCost(len(a))
		}
	case "ZADD":
		for i := 1; i < len(args); i += 2 {
			n += tvs.ScoredCost(len(args[i]))
		}
	default:
		return 0
	}
	return tvs.EntryCost(key) + n
}

// Rewrite produces the log record for a write command at time now (unix ms).
// Relative times become absolute so that applying the record gives the same
// result on every replica and on replay.
func Rewrite(c Command, now int64) (wal.Record, error) {
	rec := wal.Record{Timestamp: now}
	if strings.EqualFold(c.Name, OpBatch) {
		rec.Op = OpBatch
		for _, sub := range c.Batch {
			var (
				subRec wal.Record
				err    error
			)
			if IsWrite(sub) {
				subRec, err = Rewrite(sub, now)
			} else {
				subRec, err = readRecord(sub, now)
			}
			if err != nil {
				return rec, err
			}
			b, err := wal.Encode(subRec)
			if err != nil {
				return rec, err
			}
			rec.Args = append(rec.Args, b)
		}
		return rec, nil
	}

	h, err := lookup(c.Name)
	if err != nil {
		return rec, err
	}
	if !h.write {
		return rec, fmt.Errorf("%w: %s is not a write", dberrors.ErrInvalidArgument, c.Name)
	}
	rec.Key = string(c.Args[0])
	rec.Op, rec.Args, err = h.rewrite(c.Args[1:], now)
	return rec, err
}

// readRecord embeds a read inside a batch record; applying it only produces a reply.
func readRecord(c Command, now int64) (wal.Record, error) {
	rec := wal.Record{Timestamp: now, Op: strings.ToUpper(c.Name)}
	h, err := lookup(c.Name)
	if err != nil {
		return rec, err
	}
	args := c.Args
	if !h.keyless {
		rec.Key = string(args[0])
		args = args[1:]
	}
	rec.Args = args
	return rec, nil
}

// Read evaluates a read-only command. Expired keys must already have been removed
// (primary) or are hidden by the caller (replica).
func Read(s *tvs.Store, c Command, now int64) (Reply, error) {
	if strings.EqualFold(c.Name, OpBatch) {
		// a read-only batch: per-slot errors like in a logged batch
		replies := make([]Reply, 0, len(c.Batch))
		for _, sub := range c.Batch {
			r, err := Read(s, sub, now)
			if err != nil {
				r = ErrorReply(err)
			}
			replies = append(replies, r)
		}
		return Array(replies), nil
	}
	h, err := lookup(c.Name)
	if err != nil {
		return Reply{}, err
	}
	if h.write {
		return Reply{}, fmt.Errorf("%w: %s is a write", dberrors.ErrInvalidArgument, c.Name)
	}
	if h.keyless {
		return h.read(s, "", c.Args, now)
	}
	return h.read(s, string(c.Args[0]), c.Args[1:], now)
}

func identity(op string) rewriteFunc {
	return func(args [][]byte, _ int64) (string, [][]byte, error) {
		return op, args, nil
	}
}

func rewriteSet(args [][]byte, now int64) (string, [][]byte, error) {
	val := args[0]
	if len(val) > tvs.MaxStringLen {
		return "", nil, fmt.Errorf("%w: string exceeds maximum allowed size", dberrors.ErrOutOfRange)
	}
	out := [][]byte{val}
	opts := args[1:]
	seenTTL := false
	for i := 0; i < len(opts); i++ {
		opt := strings.ToUpper(string(opts[i]))
		switch opt {
		case "EX", "PX", "PXAT":
			if seenTTL || i+1 >= len(opts) {
				return "", nil, fmt.Errorf("%w: syntax error in SET", dberrors.ErrInvalidArgument)
			}
			n, err := parseInt(opts[i+1])
			if err != nil {
				return "", nil, err
			}
			at := n
			switch opt {
			case "EX":
				if n <= 0 || n > math.MaxInt64/1000-now/1000 {
					return "", nil, fmt.Errorf("%w: invalid expire time in SET", dberrors.ErrInvalidArgument)
				}
				at = now + n*1000
			case "PX":
				if n <= 0 || n > math.MaxInt64-now {
					return "", nil, fmt.Errorf("%w: invalid expire time in SET", dberrors.ErrInvalidArgument)
				}
				at = now + n
			default:
				if n <= 0 {
					return "", nil, fmt.Errorf("%w: invalid expire time in SET", dberrors.ErrInvalidArgument)
				}
			}
			out = append(out, []byte("PXAT"), strconv.AppendInt(nil, at, 10))
			seenTTL = true
			i++
		case "KEEPTTL":
			if seenTTL {
				return "", nil, fmt.Errorf("%w: syntax error in SET", dberrors.ErrInvalidArgument)
			}
			out = append(out, []byte("KEEPTTL"))
			seenTTL = true
		default:
			return "", nil, fmt.Errorf("%w: syntax error in SET", dberrors.ErrInvalidArgument)
		}
	}
	return OpSet, out, nil
}

func rewriteIncr(delta int64) rewriteFunc {
	return func([][]byte, int64) (string, [][]byte, error) {
		return OpIncrBy, [][]byte{strconv.AppendInt(nil, delta, 10)}, nil
	}
}

func rewriteIncrBy(negate bool) rewriteFunc {
	return func(args [][]byte, _ int64) (string, [][]byte, error) {
		n, err := parseInt(args[0])
		if err != nil {
			return "", nil, err
		}
		if negate {
			if n == math.MinInt64 {
				return "", nil, fmt.Errorf("%w: decrement would overflow", dberrors.ErrOutOfRange)
			}
			n = -n
		}
		return OpIncrBy, [][]byte{strconv.AppendInt(nil, n, 10)}, nil
	}
}

func rewriteHSet(args [][]byte, _ int64) (string, [][]byte, error) {
	if len(args)%2 != 0 {
		return "", nil, fmt.Errorf("%w: wrong number of arguments for HSET", dberrors.ErrInvalidArgument)
	}
	return OpHSet, args, nil
}

func rewriteZAdd(args [][]byte, _ int64) (string, [][]byte, error) {
	if len(args)%2 != 0 {
		return "", nil, fmt.Errorf("%w: wrong number of arguments for ZADD", dberrors.ErrInvalidArgument)
	}
	for i := 0; i < len(args); i += 2 {
		if _, err := parseFloat(args[i]); err != nil {
			return "", nil, err
		}
	}
	return OpZAdd, args, nil
}

func rewriteExpire(unit time.Duration) rewriteFunc {
	return func(args [][]byte, now int64) (string, [][]byte, error) {
		n, err := parseInt(args[0])
		if err != nil {
			return "", nil, err
		}
		mul := unit.Milliseconds()
		if n > (math.MaxInt64-now)/mul || n < (math.MinInt64+now)/mul {
			return "", nil, fmt.Errorf("%w: invalid expire time", dberrors.ErrInvalidArgument)
		}
		at := now + n*mul
		return OpPExpireAt, [][]byte{strconv.AppendInt(nil, at, 10)}, nil
	}
}

func rewritePExpireAt(args [][]byte, _ int64) (string, [][]byte, error) {
	if _, err := parseInt(args[0]); err != nil {
		return "", nil, err
	}
	return OpPExpireAt, args, nil
}

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: value is not an integer or out of range", dberrors.ErrInvalidArgument)
	}
	return n, nil
}

func parseFloat(b []byte) (float64, error) {
	s := strings.ToLower(string(b))
	switch s {
	case "+inf", "inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: value is not a valid float", dberrors.ErrInvalidArgument)
	}
	return f, nil
}
