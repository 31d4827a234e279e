package partition

import (
	"memkv/pkg/command"
)

type tokenEntry struct {
	reply command.Reply
	seq   uint64
	at    int64
}

// tokenTable remembers replies of recent writes by idempotency token, with
// the sequence number of the record so a retry can wait for its durability. Tokens
// leave in insertion order, either after ttl or when the table is full.
type tokenTable struct {
	ttl   int64 // ms
	limit int

	m     map[string]tokenEntry
	order []string
	head  int
}

func newTokenTable(ttlMs int64, limit int) *tokenTable {
	return &tokenTable{ttl: ttlMs, limit: limit, m: make(map[string]tokenEntry)}
}

func (t *tokenTable) get(token string, now int64) (command.Reply, uint64, bool) {
	e, ok := t.m[token]
	if !ok || now-e.at > t.ttl {
		return command.Reply{}, 0, false
	}
	return e.reply, e.seq, true
}

func (t *tokenTable) put(token string, reply command.Reply, seq uint64, at int64) {
	if token == "" {
		return
	}
	if _, ok := t.m[token]; !ok {
		t.order = append(t.order, token)
	}
	t.m[token] = tokenEntry{reply: reply, seq: seq, at: at}
	for len(t.m) > t.limit {
		t.pop()
	}
}

func (t *tokenTable) pop() {
	tok := t.order[t.head]
	t.order[t.head] = ""
	t.head++
	delete(t.m, tok)
	if t.head > len(t.order)/2 {
		t.order = append([]string(nil), t.order[t.head:]...)
		t.head = 0
	}
}

// expire drops tokens older than ttl.
func (t *tokenTable) expire(now int64) int {
	n := 0
	for t.head < len(t.order) {
		e, ok := t.m[t.order[t.head]]
		if ok && now-e.at <= t.ttl {
			break
		}
		t.pop()
		n++
	}
	return n
}

func (t *tokenTable) len() int { return len(t.m) }

func (t *tokenTable) reset() {
	t.m = make(map[string]tokenEntry)
	t.order = nil
	t.head = 0
}
