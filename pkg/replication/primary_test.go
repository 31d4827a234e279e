package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memkv/pkg/dberrors"
	"memkv/pkg/types"
	"memkv/pkg/wal"
)

// memLog is a Source backed by a slice; records before oldest are "truncated".
type memLog struct {
	mu     sync.Mutex
	recs   []wal.Record
	oldest uint64
	replID string
}

func (l *memLog) append(rec wal.Record) {
	l.mu.Lock()
	l.recs = append(l.recs, rec)
	l.mu.Unlock()
}

func (l *memLog) ReadRange(from, to uint64) ([]wal.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from < l.oldest {
		return nil, fmt.Errorf("%w: %d", dberrors.ErrNotFound, from)
	}
	var out []wal.Record
	for _, r := range l.recs {
		if r.Seq >= from && r.Seq <= to {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *memLog) WriteSnapshot(_ context.Context, w io.Writer) (uint64, error) {
	l.mu.Lock()
	head := uint64(len(l.recs))
	l.mu.Unlock()
	_, err := fmt.Fprintf(w, "%s %d", l.replID, head)
	return head, err
}

// fakeReplica applies records in order and reports gaps like a real one.
type fakeReplica struct {
	mu        sync.Mutex
	replID    string
	applied   uint64
	down      bool
	fullSyncs int
	batches   int
}

func (r *fakeReplica) state() (uint64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied, r.replID
}

func (r *fakeReplica) syncs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fullSyncs
}

type inprocTransport struct {
	mu       sync.Mutex
	replicas map[string]*fakeReplica
}

func newInprocTransport(addrs ...string) *inprocTransport {
	t := &inprocTransport{replicas: map[string]*fakeReplica{}}
	for _, a := range addrs {
		t.replicas[a] = &fakeReplica{}
	}
	return t
}

func (t *inprocTransport) get(addr string) (*fakeReplica, error) {
	t.mu.Lock()
	r, ok := t.replicas[addr]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no replica at %s", addr)
	}
	r.mu.Lock()
	down := r.down
	r.mu.Unlock()
	if down {
		return nil, fmt.Errorf("%s unavailable", addr)
	}
	return r, nil
}

func (t *inprocTransport) PSync(_ context.Context, addr, _, _ string) (ReplicaState, error) {
	r, err := t.get(addr)
	if err != nil {
		return ReplicaState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReplicaState{ReplID: r.replID, Applied: r.applied, Role: KindReplica}, nil
}

func (t *inprocTransport) Apply(_ context.Context, addr, _ string, b Batch) (Ack, error) {
	r, err := t.get(addr)
	if err != nil {
		return Ack{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	r.replID = b.ReplID
	for _, rec := range b.Records {
		if rec.Seq <= r.applied {
			continue
		}
		if rec.Seq != r.applied+1 {
			return Ack{}, &dberrors.GapError{Applied: r.applied}
		}
		r.applied = rec.Seq
	}
	return Ack{Applied: r.applied}, nil
}

func (t *inprocTransport) FullSync(_ context.Context, addr, _, _ string, write func(io.Writer) error) (Ack, error) {
	r, err := t.get(addr)
	if err != nil {
		return Ack{}, err
	}
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return Ack{}, err
	}
	var replID string
	var seq uint64
	if _, err := fmt.Sscanf(buf.String(), "%s %d", &replID, &seq); err != nil {
		return Ack{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replID, r.applied = replID, seq
	r.fullSyncs++
	return Ack{Applied: seq}, nil
}

func testConfig() Config {
	return Config{
		Partition:  "p1",
		Self:       "primary:1",
		BatchSize:  16,
		Heartbeat:  20 * time.Millisecond,
		RetryDelay: 5 * time.Millisecond,
	}
}

func writeN(p *Primary, l *memLog, n int) uint64 {
	var last uint64
	for i := 0; i < n; i++ {
		last = p.Head() + 1
		rec := wal.Record{Seq: last, Timestamp: 1, Op: "SET", Key: fmt.Sprintf("k%d", last), Args: [][]byte{[]byte("v")}}
		l.append(rec)
		p.Replicate(rec)
	}
	return last
}

func waitCtx(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestRequired(t *testing.T) {
	require.Equal(t, 0, Required(types.DurabilityAsync, 3))
	require.Equal(t, 0, Required(types.DurabilityQuorum, 0))
	require.Equal(t, 1, Required(types.DurabilityQuorum, 1))
	require.Equal(t, 2, Required(types.DurabilityQuorum, 2))
	require.Equal(t, 2, Required(types.DurabilityQuorum, 3))
	require.Equal(t, 3, Required(types.DurabilityQuorum, 4))
	require.Equal(t, 3, Required(types.DurabilityAll, 3))
}

func TestPrimary_QuorumAndAll(t *testing.T) {
	role := Role{Kind: KindPrimary, ReplID: "r1"}
	l := &memLog{replID: "r1"}
	tr := newInprocTransport("a:1", "b:1", "c:1")
	tr.replicas["c:1"].down = true

	p := NewPrimary(testConfig(), role, 0, l, tr)
	defer p.Close()
	p.SetReplicas([]string{"a:1", "b:1", "c:1"})

	last := writeN(p, l, 50)
	require.NoError(t, p.Wait(context.Background(), last, types.DurabilityAsync))
	require.NoError(t, p.Wait(waitCtx(t, 3*time.Second), last, types.DurabilityQuorum))

	err := p.Wait(waitCtx(t, 100*time.Millisecond), last, types.DurabilityAll)
	require.ErrorIs(t, err, dberrors.ErrTimeout)

	// the missing replica comes back and catches up from the start
	tr.replicas["c:1"].mu.Lock()
	tr.replicas["c:1"].down = false
	tr.replicas["c:1"].mu.Unlock()
	require.NoError(t, p.Wait(waitCtx(t, 3*time.Second), last, types.DurabilityAll))

	for _, f := range p.Followers() {
		require.Equal(t, last, f.Acked, f.Addr)
	}
}

func TestPrimary_NoReplicasNeedsNoAcks(t *testing.T) {
	l := &memLog{replID: "r1"}
	p := NewPrimary(testConfig(), Role{Kind: KindPrimary, ReplID: "r1"}, 0, l, newInprocTransport())
	defer p.Close()
	last := writeN(p, l, 3)
	require.NoError(t, p.Wait(waitCtx(t, time.Second), last, types.DurabilityAll))
}

func TestPrimary_CatchUpFromLogWhenBacklogTrimmed(t *testing.T) {
	cfg := testConfig()
	cfg.BacklogSize = 10
	l := &memLog{replID: "r1"}
	tr := newInprocTransport("a:1")

	p := NewPrimary(cfg, Role{Kind: KindPrimary, ReplID: "r1"}, 0, l, tr)
	defer p.Close()
	last := writeN(p, l, 100)
	tr.replicas["a:1"].replID = "r1"

	p.SetReplicas([]string{"a:1"})
	require.NoError(t, p.Wait(waitCtx(t, 3*time.Second), last, types.DurabilityAll))

	applied, _ := tr.replicas["a:1"].state()
	require.Equal(t, last, applied)
	require.Zero(t, tr.replicas["a:1"].syncs(), "records still in the log must not trigger a full sync")
}

func TestPrimary_FullSyncWhenLogTruncated(t *testing.T) {
	cfg := testConfig()
	cfg.BacklogSize = 10
	l := &memLog{replID: "r1"}
	tr := newInprocTransport("a:1")

	p := NewPrimary(cfg, Role{Kind: KindPrimary, ReplID: "r1"}, 0, l, tr)
	defer p.Close()
	writeN(p, l, 100)
	l.mu.Lock()
	l.oldest = 60
	l.mu.Unlock()
	tr.replicas["a:1"].replID = "r1"

	p.SetReplicas([]string{"a:1"})
	last := writeN(p, l, 5)
	require.NoError(t, p.Wait(waitCtx(t, 3*time.Second), last, types.DurabilityAll))

	r := tr.replicas["a:1"]
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Equal(t, 1, r.fullSyncs)
	require.Equal(t, last, r.applied)
}

func TestPrimary_UnknownHistoryGetsFullSync(t *testing.T) {
	l := &memLog{replID: "new"}
	tr := newInprocTransport("a:1", "b:1")
	// a followed the previous primary and stayed within the shared prefix,
	// b went past the divergence point
	tr.replicas["a:1"].replID, tr.replicas["a:1"].applied = "old", 5
	tr.replicas["b:1"].replID, tr.replicas["b:1"].applied = "old", 9

	role := Role{Kind: KindPrimary, ReplID: "new", PrevReplID: "old", DivergeSeq: 8}
	p := NewPrimary(testConfig(), role, 0, l, tr)
	defer p.Close()
	last := writeN(p, l, 12)

	p.SetReplicas([]string{"a:1", "b:1"})
	require.NoError(t, p.Wait(waitCtx(t, 3*time.Second), last, types.DurabilityAll))

	require.Zero(t, tr.replicas["a:1"].syncs())
	require.Equal(t, 1, tr.replicas["b:1"].syncs())
	for _, addr := range []string{"a:1", "b:1"} {
		applied, replID := tr.replicas[addr].state()
		require.Equal(t, last, applied, addr)
		require.Equal(t, "new", replID, addr)
	}
}

func TestPrimary_DetachedReplicaNoLongerCounts(t *testing.T) {
	l := &memLog{replID: "r1"}
	tr := newInprocTransport("a:1", "b:1")
	tr.replicas["b:1"].down = true

	p := NewPrimary(testConfig(), Role{Kind: KindPrimary, ReplID: "r1"}, 0, l, tr)
	defer p.Close()
	p.SetReplicas([]string{"a:1", "b:1"})
	last := writeN(p, l, 5)

	done := make(chan error, 1)
	go func() { done <- p.Wait(waitCtx(t, 3*time.Second), last, types.DurabilityAll) }()

	time.Sleep(50 * time.Millisecond)
	p.SetReplicas([]string{"a:1"})
	require.NoError(t, <-done)
}

func TestPrimary_CloseUnblocksWaiters(t *testing.T) {
	l := &memLog{replID: "r1"}
	tr := newInprocTransport("a:1")
	tr.replicas["a:1"].down = true
	p := NewPrimary(testConfig(), Role{Kind: KindPrimary, ReplID: "r1"}, 0, l, tr)
	p.SetReplicas([]string{"a:1"})
	last := writeN(p, l, 1)

	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background(), last, types.DurabilityQuorum) }()
	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, dberrors.ErrClosed), err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Close")
	}
}
