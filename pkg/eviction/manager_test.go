package eviction

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"memkv/pkg/dberrors"
	"memkv/pkg/tvs"
)

func entrySize(t *testing.T) int64 {
	t.Helper()
	s := tvs.New()
	s.Set("key-000", make([]byte, 100), 0, false)
	return s.UsedMemory()
}

func TestManager_LRUKeepsMemoryBounded(t *testing.T) {
	one := entrySize(t)
	store := tvs.New()
	m, err := New(Config{MaxMemory: 100 * one, Policy: PolicyLRU}, store, nil)
	require.NoError(t, err)

	var evicted []string
	for i := 0; i < 150; i++ {
		k := fmt.Sprintf("key-%03d", i)
		store.Set(k, make([]byte, 100), 0, false)
		store.Touch(k, int64(i+1))
		evicted = append(evicted, m.MaybeEvict(func(key string) { store.Del(key) })...)
		require.LessOrEqual(t, store.UsedMemory(), 100*one, "after insert %d", i)
	}

	require.NotEmpty(t, evicted)
	require.Equal(t, uint64(len(evicted)), m.Evicted())
	require.LessOrEqual(t, store.Len(), 100)

	// evicted keys should on average be older than the survivors
	var evictedSum, evictedN int
	for _, k := range evicted {
		var i int
		_, _ = fmt.Sscanf(k, "key-%03d", &i)
		evictedSum += i
		evictedN++
	}
	var survivorSum, survivorN int
	for i := 0; i < 150; i++ {
		if store.Exists(fmt.Sprintf("key-%03d", i)) {
			survivorSum += i
			survivorN++
		}
	}
	require.Less(t, float64(evictedSum)/float64(evictedN), float64(survivorSum)/float64(survivorN))
	require.True(t, store.Exists("key-149"), "most recent key must survive")
}

func TestManager_NoEvictionRejectsGrowth(t *testing.T) {
	one := entrySize(t)
	store := tvs.New()
	m, err := New(Config{MaxMemory: 3 * one, Policy: PolicyNoEviction}, store, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Admit(one))
		store.Set(fmt.Sprintf("key-%03d", i), make([]byte, 100), 0, false)
	}
	require.ErrorIs(t, m.Admit(one), dberrors.ErrCapacity)
	require.NoError(t, m.Admit(0), "reads and deletes are always admitted")
	require.Empty(t, m.MaybeEvict(func(string) { t.Fatal("noeviction must not evict") }))
}

func TestManager_TTLPolicyPrefersNearestDeadline(t *testing.T) {
	one := entrySize(t)
	store := tvs.New()
	m, err := New(Config{MaxMemory: 4 * one, Policy: PolicyTTL}, store, nil)
	require.NoError(t, err)

	store.Set("key-000", make([]byte, 100), 0, false)
	store.Set("key-001", make([]byte, 100), 5000, false)
	store.Set("key-002", make([]byte, 100), 1000, false)
	store.Set("key-003", make([]byte, 100), 0, false)

	out := m.MaybeEvict(func(k string) { store.Del(k) })
	require.Equal(t, []string{"key-002"}, out)
}

func TestManager_LFUPrefersColdKeys(t *testing.T) {
	one := entrySize(t)
	store := tvs.New()
	m, err := New(Config{MaxMemory: 2 * one, Policy: PolicyLFU, Samples: 64}, store, nil)
	require.NoError(t, err)

	store.Set("key-hot", make([]byte, 100), 0, false)
	for i := 0; i < 200; i++ {
		store.Touch("key-hot", 1)
	}
	store.Set("key-new", make([]byte, 100), 0, false)
	store.Touch("key-new", 1)

	out := m.MaybeEvict(func(k string) { store.Del(k) })
	require.Equal(t, []string{"key-new"}, out)
	require.True(t, store.Exists("key-hot"))
}

func TestPolicyByName(t *testing.T) {
	for _, n := range []string{PolicyLRU, PolicyLFU, PolicyTTL, PolicyRandom, PolicyNoEviction} {
		p, err := PolicyByName(n)
		require.NoError(t, err)
		require.Equal(t, n, p.Name())
	}
	_, err := PolicyByName("fifo")
	require.Error(t, err)
}

func TestManager_OneCycleFromAboveHighWater(t *testing.T) {
	one := entrySize(t)
	store := tvs.New()
	m, err := New(Config{MaxMemory: 100 * one, Policy: PolicyLRU}, store, nil)
	require.NoError(t, err)

	// 96% full, filled without intermediate eviction
	for i := 0; i < 96; i++ {
		k := fmt.Sprintf("key-%03d", i)
		store.Set(k, make([]byte, 100), 0, false)
		store.Touch(k, int64(i+1))
	}
	require.GreaterOrEqual(t, store.UsedMemory(), m.high())

	out := m.MaybeEvict(func(key string) { store.Del(key) })
	require.NotEmpty(t, out)
	require.Less(t, store.UsedMemory(), m.low())
	for _, k := range out {
		_, err := store.Get(k)
		require.ErrorIs(t, err, dberrors.ErrNotFound)
	}
	require.Empty(t, m.MaybeEvict(func(string) { t.Fatal("below high water") }))
}
