package partition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memkv/pkg/clock"
	"memkv/pkg/command"
	"memkv/pkg/dberrors"
	"memkv/pkg/eviction"
	"memkv/pkg/snapshot"
	"memkv/pkg/wal"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testOptions(dir string, clk clock.TimeProvider) Options {
	return Options{
		ID:           "p1",
		Dir:          dir,
		Self:         "self:1",
		Clock:        clk,
		Fsync:        wal.FsyncNo,
		TickInterval: time.Hour,
	}
}

func openPrimary(t *testing.T, opts Options) *Partition {
	t.Helper()
	p, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, p.ReplicaOf(context.Background(), ""))
	return p
}

func exec(t *testing.T, p *Partition, name string, args ...string) command.Reply {
	t.Helper()
	r, err := p.Execute(context.Background(), command.New(name, args...), command.Options{})
	require.NoError(t, err, "%s %v", name, args)
	return r
}

func canonical(t *testing.T, p *Partition) []string {
	t.Helper()
	c, err := p.Canonical(context.Background())
	require.NoError(t, err)
	return c
}

// fill runs a deterministic mix of writes over every value kind.
func fill(t *testing.T, p *Partition, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		switch i % 6 {
		case 0:
			exec(t, p, "SET", fmt.Sprintf("s%d", i%97), fmt.Sprintf("v%d", i))
		case 1:
			exec(t, p, "INCRBY", fmt.Sprintf("n%d", i%13), fmt.Sprint(i))
		case 2:
			exec(t, p, "HSET", fmt.Sprintf("h%d", i%7), fmt.Sprintf("f%d", i%11), fmt.Sprint(i))
		case 3:
			exec(t, p, "RPUSH", fmt.Sprintf("l%d", i%5), fmt.Sprint(i))
		case 4:
			exec(t, p, "SADD", fmt.Sprintf("set%d", i%3), fmt.Sprint(i%50))
		case 5:
			exec(t, p, "ZADD", "z", fmt.Sprint(i%17), fmt.Sprintf("m%d", i%40))
		}
	}
}

func TestPartition_IncrScenario(t *testing.T) {
	p := openPrimary(t, testOptions(t.TempDir(), clock.NewManual(epoch)))
	defer p.Close()

	exec(t, p, "SET", "x", "5")
	require.Equal(t, command.Int(6), exec(t, p, "INCR", "x"))
	require.Equal(t, command.Bulk([]byte("6")), exec(t, p, "GET", "x"))

	exec(t, p, "SET", "y", "abc")
	_, err := p.Execute(context.Background(), command.New("INCR", "y"), command.Options{})
	require.ErrorIs(t, err, dberrors.ErrWrongType)
	require.Equal(t, command.Bulk([]byte("abc")), exec(t, p, "GET", "y"))
	require.Equal(t, uint64(3), p.Applied(), "failed INCR must not be logged")
}

func TestPartition_RecoveryFromSnapshotAndLog(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(epoch)

	p := openPrimary(t, testOptions(dir, clk))
	fill(t, p, 0, 1000)
	m, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, p.Applied(), m.Seq)

	fill(t, p, 1000, 1500)
	want := canonical(t, p)
	applied := p.Applied()
	require.NoError(t, p.Close())

	again := openPrimary(t, testOptions(dir, clk))
	defer again.Close()
	require.Equal(t, applied, again.Applied())
	require.Equal(t, want, canonical(t, again))

	// recovery is idempotent
	require.NoError(t, again.Close())
	third := openPrimary(t, testOptions(dir, clk))
	defer third.Close()
	require.Equal(t, want, canonical(t, third))
}

func TestPartition_RecoveryAfterRewrite(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(epoch)

	p := openPrimary(t, testOptions(dir, clk))
	fill(t, p, 0, 600)
	exec(t, p, "SET", "ttl", "v", "EX", "3600")
	require.NoError(t, p.Rewrite(context.Background()))
	fill(t, p, 600, 900)
	exec(t, p, "DEL", "s1")

	want := canonical(t, p)
	applied := p.Applied()
	require.NoError(t, p.Close())

	again := openPrimary(t, testOptions(dir, clk))
	defer again.Close()
	require.Equal(t, applied, again.Applied())
	require.Equal(t, want, canonical(t, again))
}

func TestPartition_FallsBackToOlderSnapshot(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(epoch)
	opts := testOptions(dir, clk)
	opts.SnapshotRetain = 2

	p := openPrimary(t, opts)
	fill(t, p, 0, 300)
	_, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	fill(t, p, 300, 600)
	newest, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	fill(t, p, 600, 700)
	want := canonical(t, p)
	require.NoError(t, p.Close())

	b, err := os.ReadFile(newest.Path)
	require.NoError(t, err)
	b[len(b)/2] ^= 0xff
	require.NoError(t, os.WriteFile(newest.Path, b, 0600))

	again := openPrimary(t, opts)
	defer again.Close()
	require.Equal(t, want, canonical(t, again))
}

func TestPartition_StartsFromLogTailWhenEverySnapshotIsDamaged(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(epoch)
	opts := testOptions(dir, clk)
	opts.SnapshotRetain = 2
	opts.SegmentSize = 256

	p := openPrimary(t, opts)
	fill(t, p, 0, 300)
	_, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	fill(t, p, 300, 600)
	_, err = p.Snapshot(context.Background())
	require.NoError(t, err)
	fill(t, p, 600, 700)
	applied := p.Applied()
	oldReplID := p.Role().ReplID
	require.NoError(t, p.Close())

	metas, err := snapshot.List(dir)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	for _, m := range metas {
		b, err := os.ReadFile(m.Path)
		require.NoError(t, err)
		b[len(b)/2] ^= 0xff
		require.NoError(t, os.WriteFile(m.Path, b, 0600))
	}

	again, err := Open(opts)
	require.NoError(t, err)
	defer again.Close()
	require.Equal(t, applied, again.Applied())
	require.NotEqual(t, oldReplID, again.Role().ReplID, "recovered state starts a new history")

	require.NoError(t, again.ReplicaOf(context.Background(), ""))
	// written by the tail that survived truncation
	require.Equal(t, command.Bulk([]byte("v696")), exec(t, again, "GET", "s17"))
}

func TestPartition_StopsReplayAtCorruptLogRecord(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, clock.NewManual(epoch))
	opts.SegmentSize = 256

	p := openPrimary(t, opts)
	fill(t, p, 0, 200)
	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	fill(t, p, 200, 400)
	oldReplID := p.Role().ReplID
	require.NoError(t, p.Close())

	// damage a segment in the middle of the tail after the snapshot
	var tail []string
	entries, err := os.ReadDir(filepath.Join(dir, "wal"))
	require.NoError(t, err)
	for _, e := range entries {
		first, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), ".log"), 10, 64)
		if err == nil && strings.HasSuffix(e.Name(), ".log") && first > snap.Seq+1 {
			tail = append(tail, filepath.Join(dir, "wal", e.Name()))
		}
	}
	require.Greater(t, len(tail), 2)
	sort.Strings(tail)
	damaged := tail[len(tail)/2]
	b, err := os.ReadFile(damaged)
	require.NoError(t, err)
	b[len(b)-2] ^= 0xff
	require.NoError(t, os.WriteFile(damaged, b, 0600))

	again, err := Open(opts)
	require.NoError(t, err)
	applied := again.Applied()
	require.Greater(t, applied, snap.Seq, "good records before the damage are replayed")
	require.Less(t, applied, uint64(400))
	require.NotEqual(t, oldReplID, again.Role().ReplID, "recovered state starts a new history")

	require.NoError(t, again.ReplicaOf(context.Background(), ""))
	exec(t, again, "SET", "after", "restart")
	require.Equal(t, applied+1, again.Applied())
	want := canonical(t, again)
	require.NoError(t, again.Close())

	// the cut is durable: a second restart sees the same state
	third, err := Open(opts)
	require.NoError(t, err)
	defer third.Close()
	require.Equal(t, applied+1, third.Applied())
	require.Equal(t, want, canonical(t, third))
}

func TestPartition_SnapshotRetention(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, clock.NewManual(epoch))
	opts.SnapshotRetain = 2

	p := openPrimary(t, opts)
	defer p.Close()
	for i := 0; i < 4; i++ {
		fill(t, p, i*50, (i+1)*50)
		_, err := p.Snapshot(context.Background())
		require.NoError(t, err)
	}
	metas, err := snapshot.List(dir)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, p.Applied(), metas[0].Seq)
}

func TestPartition_LazyExpiryIsLogged(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(epoch)
	p := openPrimary(t, testOptions(dir, clk))

	exec(t, p, "SET", "k", "v", "PX", "100")
	require.Equal(t, command.Int(100), exec(t, p, "PTTL", "k"))
	before := p.Applied()

	clk.Advance(200 * time.Millisecond)
	require.Equal(t, command.Nil(), exec(t, p, "GET", "k"))
	require.Equal(t, before+1, p.Applied(), "expiry must be a logged DEL")
	require.Equal(t, command.Int(-2), exec(t, p, "TTL", "k"))
	require.NoError(t, p.Close())

	// replay yields the same result even with the clock set back
	clk.Set(epoch)
	again := openPrimary(t, testOptions(dir, clk))
	defer again.Close()
	require.Equal(t, before+1, again.Applied())
	require.Equal(t, command.Int(0), exec(t, again, "EXISTS", "k"))
}

func TestPartition_SweepDeletesExpiredKeys(t *testing.T) {
	clk := clock.NewManual(epoch)
	opts := testOptions(t.TempDir(), clk)
	opts.SweepInterval = time.Second
	p := openPrimary(t, opts)
	defer p.Close()

	for i := 0; i < 10; i++ {
		exec(t, p, "SET", fmt.Sprintf("k%d", i), "v", "PX", "500")
	}
	exec(t, p, "SET", "keep", "v")
	clk.Advance(2 * time.Second)
	require.NoError(t, p.do(context.Background(), p.housekeep))

	require.Equal(t, []string{`"keep" string exp=0 "v"`}, canonical(t, p))
	require.Equal(t, uint64(21), p.Applied())
}

func TestPartition_ReplicaRefusesWritesButServesReplicaReads(t *testing.T) {
	p, err := Open(testOptions(t.TempDir(), clock.NewManual(epoch)))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Execute(context.Background(), command.New("SET", "k", "v"), command.Options{})
	require.ErrorIs(t, err, dberrors.ErrNotPrimary)
	_, err = p.Execute(context.Background(), command.New("GET", "k"), command.Options{})
	require.ErrorIs(t, err, dberrors.ErrNotPrimary)

	r, err := p.Execute(context.Background(), command.New("GET", "k"), command.Options{Consistency: "replica"})
	require.NoError(t, err)
	require.Equal(t, command.Nil(), r)
}

func TestPartition_TokenDeduplicates(t *testing.T) {
	clk := clock.NewManual(epoch)
	p := openPrimary(t, testOptions(t.TempDir(), clk))
	defer p.Close()

	opts := command.Options{Token: "req-1"}
	for i := 0; i < 3; i++ {
		r, err := p.Execute(context.Background(), command.New("INCR", "c"), opts)
		require.NoError(t, err)
		require.Equal(t, command.Int(1), r)
	}
	require.Equal(t, uint64(1), p.Applied())

	clk.Advance(DefaultTokenTTL + time.Second)
	r, err := p.Execute(context.Background(), command.New("INCR", "c"), opts)
	require.NoError(t, err)
	require.Equal(t, command.Int(2), r, "expired token is a new request")
}

func TestPartition_EvictionKeepsMemoryBounded(t *testing.T) {
	opts := testOptions(t.TempDir(), clock.NewManual(epoch))
	opts.Eviction = eviction.Config{MaxMemory: 64 << 10, Policy: eviction.PolicyLRU}
	p := openPrimary(t, opts)
	defer p.Close()

	val := string(make([]byte, 200))
	for i := 0; i < 2000; i++ {
		exec(t, p, "SET", fmt.Sprintf("key:%d", i), val)

		var used int64
		require.NoError(t, p.do(context.Background(), func() { used = p.store.UsedMemory() }))
		require.LessOrEqual(t, used, opts.Eviction.MaxMemory)
	}
	// every eviction is a logged DEL on top of the 2000 SETs
	require.Greater(t, p.Applied(), uint64(2000))
}

func TestPartition_NoEvictionRejectsGrowth(t *testing.T) {
	opts := testOptions(t.TempDir(), clock.NewManual(epoch))
	opts.Eviction = eviction.Config{MaxMemory: 16 << 10, Policy: eviction.PolicyNoEviction}
	p := openPrimary(t, opts)
	defer p.Close()

	val := string(make([]byte, 500))
	var err error
	for i := 0; i < 100 && err == nil; i++ {
		_, err = p.Execute(context.Background(), command.New("SET", fmt.Sprintf("k%d", i), val), command.Options{})
	}
	require.ErrorIs(t, err, dberrors.ErrCapacity)

	// reads and deletes still work
	require.Equal(t, command.Bulk([]byte(val)), exec(t, p, "GET", "k0"))
	require.Equal(t, command.Int(1), exec(t, p, "DEL", "k0"))
}

func TestPartition_BatchIsOneRecord(t *testing.T) {
	p := openPrimary(t, testOptions(t.TempDir(), clock.NewManual(epoch)))
	defer p.Close()

	r, err := p.Execute(context.Background(), command.NewBatch(
		command.New("SET", "a", "1"),
		command.New("INCR", "a"),
		command.New("GET", "a"),
	), command.Options{})
	require.NoError(t, err)
	require.Equal(t, command.Array([]command.Reply{command.OK(), command.Int(2), command.Bulk([]byte("2"))}), r)
	require.Equal(t, uint64(1), p.Applied())
}

func TestPartition_ClosedRefusesWork(t *testing.T) {
	p := openPrimary(t, testOptions(t.TempDir(), clock.NewManual(epoch)))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err := p.Execute(context.Background(), command.New("GET", "k"), command.Options{})
	require.ErrorIs(t, err, dberrors.ErrClosed)
}

func TestPartition_NoEvictionCountsElementOverhead(t *testing.T) {
	opts := testOptions(t.TempDir(), clock.NewManual(epoch))
	opts.Eviction = eviction.Config{MaxMemory: 2000, Policy: eviction.PolicyNoEviction}
	p := openPrimary(t, opts)
	defer p.Close()

	args := []string{"l"}
	for i := 0; i < 200; i++ {
		args = append(args, "x")
	}
	_, err := p.Execute(context.Background(), command.New("RPUSH", args...), command.Options{})
	require.ErrorIs(t, err, dberrors.ErrCapacity)
	require.Equal(t, uint64(0), p.Applied())

	exec(t, p, "RPUSH", args[:20]...)
	var used int64
	require.NoError(t, p.do(context.Background(), func() { used = p.store.UsedMemory() }))
	require.LessOrEqual(t, used, opts.Eviction.MaxMemory)
}

func TestPartition_EvictionCycleDropsBelowLowWater(t *testing.T) {
	opts := testOptions(t.TempDir(), clock.NewManual(epoch))
	opts.Eviction = eviction.Config{MaxMemory: 32 << 10, Policy: eviction.PolicyLRU}
	p := openPrimary(t, opts)
	defer p.Close()

	val := string(make([]byte, 300))
	n := 0
	for ; n < 1000; n++ {
		exec(t, p, "SET", fmt.Sprintf("k%d", n), val)
		st, err := p.Status(context.Background())
		require.NoError(t, err)
		if st.Evicted > 0 {
			break
		}
	}
	require.Less(t, n, 1000, "eviction never ran")

	// the write that crossed the high water mark ran one full cycle
	var used int64
	require.NoError(t, p.do(context.Background(), func() { used = p.store.UsedMemory() }))
	require.Less(t, used, int64(float64(opts.Eviction.MaxMemory)*eviction.DefaultLowWater))

	st, err := p.Status(context.Background())
	require.NoError(t, err)
	missing := 0
	for i := 0; i <= n; i++ {
		if exec(t, p, "GET", fmt.Sprintf("k%d", i)).Kind == command.ReplyNil {
			missing++
		}
	}
	require.Equal(t, int(st.Evicted), missing)
}

func TestPartition_ReadOnlyBatch(t *testing.T) {
	p := openPrimary(t, testOptions(t.TempDir(), clock.NewManual(epoch)))
	defer p.Close()
	exec(t, p, "SET", "a", "1")
	exec(t, p, "SADD", "s", "m")

	r, err := p.Execute(context.Background(), command.NewBatch(
		command.New("GET", "a"),
		command.New("SISMEMBER", "s", "m"),
		command.New("GET", "s"),
	), command.Options{})
	require.NoError(t, err)
	require.Len(t, r.Array, 3)
	require.Equal(t, command.Bulk([]byte("1")), r.Array[0])
	require.Equal(t, command.Int(1), r.Array[1])
	require.Equal(t, command.ReplyError, r.Array[2].Kind)
	// reads are not logged
	require.Equal(t, uint64(2), p.Applied())
}
