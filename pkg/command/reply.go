package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type ReplyKind uint8

const (
	ReplyNil ReplyKind = iota
	ReplyOK
	ReplyInt
	ReplyBulk
	ReplyArray
	ReplyError
)

// Reply is the result of one command.
type Reply struct {
	Kind  ReplyKind
	Int   int64
	Bulk  []byte
	Array []Reply
	Err   string
}

func Nil() Reply { return Reply{Kind: ReplyNil} }
func OK() Reply { return Reply{Kind: ReplyOK} }
func Int(n int64) Reply { return Reply{Kind: ReplyInt, Int: n} }
func Bulk(b []byte) Reply { return Reply{Kind: ReplyBulk, Bulk: b} }
func Array(r []Reply) Reply { return Reply{Kind: ReplyArray, Array: r} }
func ErrorReply(err error) Reply { return Reply{Kind: ReplyError, Err: err.Error()} }

func Bool(b bool) Reply {
	if b {
		return Int(1)
	}
	return Int(0)
}

func BulkStrings(ss []string) Reply {
	out := make([]Reply, len(ss))
	for i, s := range ss {
		out[i] = Bulk([]byte(s))
	}
	return Array(out)
}

// String renders the reply for logs and tests.
func (r Reply) String() string {
	switch r.Kind {
	case ReplyNil:
		return "(nil)"
	case ReplyOK:
		return "OK"
	case ReplyInt:
		return "(integer) " + strconv.FormatInt(r.Int, 10)
	case ReplyBulk:
		return strconv.Quote(string(r.Bulk))
	case ReplyArray:
		return fmt.Sprint(r.Array)
	case ReplyError:
		return "(error) " + r.Err
	}
	return "?"
}

// MarshalJSON maps replies onto plain JSON values: null, "OK", numbers,
// strings, arrays and {"error": ...} objects.
func (r Reply) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case ReplyNil:
		return []byte("null"), nil
	case ReplyOK:
		return []byte(`"OK"`), nil
	case ReplyInt:
		return []byte(strconv.FormatInt(r.Int, 10)), nil
	case ReplyBulk:
		return json.Marshal(string(r.Bulk))
	case ReplyArray:
		if r.Array == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(r.Array)
	case ReplyError:
		return json.Marshal(map[string]string{"error": r.Err})
	}
	return nil, fmt.Errorf("unknown reply kind %d", r.Kind)
}

// UnmarshalJSON is the inverse of MarshalJSON. Strings equal to "OK" decode as OK replies.
func (r *Reply) UnmarshalJSON(b []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*r = fromJSON(v)
	return nil
}

func fromJSON(v any) Reply {
	switch t := v.(type) {
	case nil:
		return Nil()
	case string:
		if t == "OK" {
			return OK()
		}
		return Bulk([]byte(t))
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return Bulk([]byte(t.String()))
		}
		return Int(n)
	case []any:
		out := make([]Reply, len(t))
		for i, e := range t {
			out[i] = fromJSON(e)
		}
		return Array(out)
	case map[string]any:
		if msg, ok := t["error"].(string); ok {
			return Reply{Kind: ReplyError, Err: msg}
		}
	}
	return Reply{Kind: ReplyError, Err: fmt.Sprintf("unexpected reply %v", v)}
}
