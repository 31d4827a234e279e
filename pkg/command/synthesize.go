package command

import (
	"fmt"
	"strconv"

	"memkv/pkg/tvs"
	"memkv/pkg/wal"
)

// Synthesize returns records that rebuild e from an empty key. It is used to
// write the base of a compacted log. The records carry timestamp 0 so that
// replaying them never treats the deadline as already passed.
func Synthesize(e tvs.Entry) ([]wal.Record, error) {
	var recs []wal.Record
	switch v := e.Value.(type) {
	case *tvs.String:
		args := [][]byte{v.Bytes()}
		if e.ExpireAt > 0 {
			args = append(args, []byte("PXAT"), strconv.AppendInt(nil, e.ExpireAt, 10))
		}
		return []wal.Record{{Op: OpSet, Key: e.Key, Args: args}}, nil
	case *tvs.Hash:
		var args [][]byte
		for _, f := range v.Fields() {
			args = append(args, []byte(f.Field), f.Value)
		}
		recs = append(recs, wal.Record{Op: OpHSet, Key: e.Key, Args: args})
	case *tvs.List:
		recs = append(recs, wal.Record{Op: OpRPush, Key: e.Key, Args: v.Items()})
	case *tvs.Set:
		recs = append(recs, wal.Record{Op: OpSAdd, Key: e.Key, Args: toBytes(v.Members())})
	case *tvs.ZSet:
		var args [][]byte
		for _, m := range v.Members() {
			args = append(args, formatScore(m.Score), []byte(m.Member))
		}
		recs = append(recs, wal.Record{Op: OpZAdd, Key: e.Key, Args: args})
	default:
		return nil, fmt.Errorf("synthesize %q: unexpected value %T", e.Key, e.Value)
	}
	if e.ExpireAt > 0 {
		recs = append(recs, wal.Record{Op: OpPExpireAt, Key: e.Key, Args: [][]byte{strconv.AppendInt(nil, e.ExpireAt, 10)}})
	}
	return recs, nil
}

func toBytes(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}
