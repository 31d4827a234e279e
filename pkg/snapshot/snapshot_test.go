package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"memkv/pkg/compression"
	"memkv/pkg/dberrors"
	"memkv/pkg/tvs"
)

func populated(t *testing.T) *tvs.Store {
	t.Helper()
	s := tvs.New()
	for i := 0; i < 200; i++ {
		s.Set(fmt.Sprintf("str:%d", i), []byte(fmt.Sprintf("value-%d", i)), 0, false)
	}
	s.Set("empty", nil, 0, false)
	s.Set("ttl", []byte("x"), 123456, false)
	_, err := s.HSet("h", "f1", []byte("v1"))
	require.NoError(t, err)
	_, err = s.HSet("h", "f2", []byte(""))
	require.NoError(t, err)
	_, err = s.RPush("l", []byte("a"), []byte("b"), []byte("c"))
	require.NoError(t, err)
	_, err = s.SAdd("s", "x", "y")
	require.NoError(t, err)
	_, err = s.ZAdd("z", tvs.ScoredMember{Member: "m1", Score: 1.5}, tvs.ScoredMember{Member: "m2", Score: -2})
	require.NoError(t, err)
	return s
}

func loadInto(s *tvs.Store) func(tvs.Entry) error {
	return func(e tvs.Entry) error {
		s.Restore(e.Key, e.Value, e.ExpireAt)
		return nil
	}
}

func TestSnapshot_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := populated(t)
	view := src.Freeze()

	// writes after the freeze must not leak into the snapshot
	src.Set("late", []byte("1"), 0, false)

	meta, err := Save(dir, Header{Seq: 42, ReplID: "abc", Codec: compression.Zstd}, view)
	require.NoError(t, err)
	require.Equal(t, uint64(42), meta.Seq)

	dst := tvs.New()
	hdr, err := Load(meta.Path, loadInto(dst))
	require.NoError(t, err)
	require.Equal(t, uint64(42), hdr.Seq)
	require.Equal(t, "abc", hdr.ReplID)
	require.Equal(t, view.Canonical(), dst.Canonical())
	require.False(t, dst.Exists("late"))
}

func TestSnapshot_FallbackToOlderOnCorruption(t *testing.T) {
	dir := t.TempDir()
	s := populated(t)

	_, err := Save(dir, Header{Seq: 10, Codec: compression.Zstd}, s.Freeze())
	require.NoError(t, err)
	s.Set("newer", []byte("1"), 0, false)
	newest, err := Save(dir, Header{Seq: 20, Codec: compression.Zstd}, s.Freeze())
	require.NoError(t, err)

	data, err := os.ReadFile(newest.Path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(newest.Path, data, 0600))

	_, err = Load(newest.Path, func(tvs.Entry) error { return nil })
	require.ErrorIs(t, err, dberrors.ErrCorruption)

	dst := tvs.New()
	hdr, ok, err := LoadLatest(dir, dst.Reset, loadInto(dst))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), hdr.Seq)
	require.False(t, dst.Exists("newer"))
	require.True(t, dst.Exists("h"))
}

func TestSnapshot_NoValidSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := populated(t)
	meta, err := Save(dir, Header{Seq: 5, Codec: compression.None}, s.Freeze())
	require.NoError(t, err)
	require.NoError(t, os.Truncate(meta.Path, meta.Size-10))

	dst := tvs.New()
	dst.Set("junk", []byte("1"), 0, false)
	_, ok, err := LoadLatest(dir, dst.Reset, loadInto(dst))
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, dst.Len())
}

func TestSnapshot_PruneAndReceive(t *testing.T) {
	dir := t.TempDir()
	s := populated(t)
	for _, seq := range []uint64{1, 2, 3, 4} {
		_, err := Save(dir, Header{Seq: seq, Codec: compression.Zstd}, s.Freeze())
		require.NoError(t, err)
	}
	oldest, err := Prune(dir, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(3), oldest)
	metas, err := List(dir)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, uint64(4), metas[0].Seq)

	var buf bytes.Buffer
	_, err = Write(&buf, Header{Seq: 99, Codec: compression.Zstd}, s.Freeze())
	require.NoError(t, err)

	other := t.TempDir()
	meta, err := Receive(other, &buf)
	require.NoError(t, err)
	require.Equal(t, uint64(99), meta.Seq)

	dst := tvs.New()
	_, err = Load(meta.Path, loadInto(dst))
	require.NoError(t, err)
	require.Equal(t, s.Canonical(), dst.Canonical())

	_, err = Receive(other, bytes.NewReader([]byte("garbage that is not a snapshot")))
	require.ErrorIs(t, err, dberrors.ErrCorruption)
}
