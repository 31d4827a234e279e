package eviction

import (
	"fmt"

	"memkv/pkg/tvs"
)

// Source is the view of the keyspace a policy samples from.
type Source interface {
	Len() int
	UsedMemory() int64
	SampleKeys(n int) []string
	Meta(key string) (tvs.KeyMeta, bool)
	NextExpiring(n int) []string
	VolatileCount() int
}

// Policy picks the next key to evict. ok is false when the policy has no candidate.
type Policy interface {
	Name() string
	Pick(src Source, samples int) (key string, ok bool)
}

const (
	PolicyLRU        = "lru"
	PolicyLFU        = "lfu"
	PolicyTTL        = "ttl"
	PolicyRandom     = "random"
	PolicyNoEviction = "noeviction"
)

func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", PolicyLRU:
		return lru{}, nil
	case PolicyLFU:
		return lfu{}, nil
	case PolicyTTL:
		return ttl{}, nil
	case PolicyRandom:
		return random{}, nil
	case PolicyNoEviction:
		return noEviction{}, nil
	}
	return nil, fmt.Errorf("unknown eviction policy %q", name)
}

// lru approximates least-recently-used by sampling.
type lru struct{}

func (lru) Name() string { return PolicyLRU }

func (lru) Pick(src Source, samples int) (string, bool) {
	var (
		best   string
		bestAt int64
		found  bool
	)
	for _, k := range src.SampleKeys(samples) {
		m, ok := src.Meta(k)
		if !ok {
			continue
		}
		if !found || m.LastAccess < bestAt {
			best, bestAt, found = k, m.LastAccess, true
		}
	}
	return best, found
}

// lfu evicts the sampled key with the lowest access counter, oldest access breaking ties.
type lfu struct{}

func (lfu) Name() string { return PolicyLFU }

func (lfu) Pick(src Source, samples int) (string, bool) {
	var (
		best  string
		bestM tvs.KeyMeta
		found bool
	)
	for _, k := range src.SampleKeys(samples) {
		m, ok := src.Meta(k)
		if !ok {
			continue
		}
		if !found || m.Freq < bestM.Freq || (m.Freq == bestM.Freq && m.LastAccess < bestM.LastAccess) {
			best, bestM, found = k, m, true
		}
	}
	return best, found
}

// ttl evicts the key closest to expiring; keys without a deadline are never chosen.
type ttl struct{}

func (ttl) Name() string { return PolicyTTL }

func (ttl) Pick(src Source, _ int) (string, bool) {
	keys := src.NextExpiring(1)
	if len(keys) == 0 {
		return "", false
	}
	return keys[0], true
}

type random struct{}

func (random) Name() string { return PolicyRandom }

func (random) Pick(src Source, _ int) (string, bool) {
	keys := src.SampleKeys(1)
	if len(keys) == 0 {
		return "", false
	}
	return keys[0], true
}

type noEviction struct{}

func (noEviction) Name() string { return PolicyNoEviction }

func (noEviction) Pick(Source, int) (string, bool) { return "", false }
