package eviction

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"memkv/pkg/dberrors"
)

const (
	DefaultSamples   = 5
	DefaultHighWater = 0.95
	DefaultLowWater  = 0.90
)

type Config struct {
	// MaxMemory of 0 disables the limit.
	MaxMemory int64
	Policy    string
	Samples   int
	HighWater float64
	LowWater  float64
}

// Manager keeps a partition's memory between the water marks. It runs inside
// the partition executor; evictions go through the supplied delete callback so
// they are logged and replicated like any other delete.
type Manager struct {
	cfg    Config
	policy Policy
	src    Source
	log    *slog.Logger

	evicted uint64
}

func New(cfg Config, src Source, log *slog.Logger) (*Manager, error) {
	p, err := PolicyByName(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	if cfg.HighWater <= 0 || cfg.HighWater > 1 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.LowWater <= 0 || cfg.LowWater > cfg.HighWater {
		cfg.LowWater = DefaultLowWater
		if cfg.LowWater > cfg.HighWater {
			cfg.LowWater = cfg.HighWater
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, policy: p, src: src, log: log}, nil
}

func (m *Manager) Policy() string { return m.policy.Name() }

func (m *Manager) Evicted() uint64 { return m.evicted }

func (m *Manager) high() int64 { return int64(float64(m.cfg.MaxMemory) * m.cfg.HighWater) }

func (m *Manager) low() int64 { return int64(float64(m.cfg.MaxMemory) * m.cfg.LowWater) }

// Admit rejects a write that would grow memory past the limit when the policy
// cannot make room. Other policies always admit and evict afterwards.
func (m *Manager) Admit(growth int64) error {
	if m.cfg.MaxMemory <= 0 || m.policy.Name() != PolicyNoEviction || growth <= 0 {
		return nil
	}
	if m.src.UsedMemory()+growth > m.cfg.MaxMemory {
		return fmt.Errorf("%w: used %s + %s > maxmemory %s", dberrors.ErrCapacity,
			humanize.IBytes(uint64(m.src.UsedMemory())), humanize.IBytes(uint64(growth)), humanize.IBytes(uint64(m.cfg.MaxMemory)))
	}
	return nil
}

// MaybeEvict evicts keys while usage is above the high water mark until it
// drops below the low water mark. It returns the evicted keys.
func (m *Manager) MaybeEvict(del func(key string)) []string {
	if m.cfg.MaxMemory <= 0 || m.src.UsedMemory() < m.high() {
		return nil
	}

	var out []string
	low := m.low()
	for m.src.UsedMemory() >= low && m.src.Len() > 0 {
		key, ok := m.policy.Pick(m.src, m.cfg.Samples)
		if !ok {
			break
		}
		before := m.src.UsedMemory()
		del(key)
		out = append(out, key)
		if m.src.UsedMemory() >= before {
			// the callback did not free anything; avoid spinning
			break
		}
	}
	m.evicted += uint64(len(out))

	if len(out) > 0 {
		m.log.Debug("evicted keys", "policy", m.policy.Name(), "count", len(out),
			"used", humanize.IBytes(uint64(m.src.UsedMemory())), "max", humanize.IBytes(uint64(m.cfg.MaxMemory)))
	} else if m.src.UsedMemory() >= m.high() {
		m.log.Warn("memory above high water mark and nothing to evict", "policy", m.policy.Name(),
			"used", humanize.IBytes(uint64(m.src.UsedMemory())))
	}
	return out
}
