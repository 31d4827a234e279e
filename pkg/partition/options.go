package partition

import (
	"time"

	"memkv/pkg/clock"
	"memkv/pkg/eviction"
	"memkv/pkg/replication"
	"memkv/pkg/types"
	"memkv/pkg/wal"
)

// SnapshotRule triggers a snapshot once After has passed since the previous
// one and at least Changes records were logged in between.
type SnapshotRule struct {
	After   time.Duration `yaml:"after"`
	Changes uint64        `yaml:"changes"`
}

func DefaultSnapshotRules() []SnapshotRule {
	return []SnapshotRule{
		{After: 60 * time.Second, Changes: 10000},
		{After: 300 * time.Second, Changes: 100},
		{After: 900 * time.Second, Changes: 1},
	}
}

const (
	DefaultQueueSize         = 1024
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultSweepSamples      = 20
	DefaultSnapshotRetain    = 2
	DefaultRewriteMinSize    = 64 << 20
	DefaultRewritePercentage = 100
	DefaultTokenTTL          = 5 * time.Minute
	DefaultTokenLimit        = 100_000
	DefaultAckTimeout        = 5 * time.Second
)

type Options struct {
	ID   string
	Dir  string // <data_dir>/<partition>
	Self string // address of this node

	Clock clock.TimeProvider

	Fsync         wal.FsyncPolicy
	FsyncInterval time.Duration
	SegmentSize   int64

	// RewritePercentage of 0 disables automatic log rewrites.
	RewriteMinSize    int64
	RewritePercentage int

	// Empty rules disable scheduled snapshots.
	SnapshotRules  []SnapshotRule
	SnapshotRetain int

	Eviction eviction.Config

	SweepInterval time.Duration
	SweepSamples  int

	TokenTTL   time.Duration
	TokenLimit int

	Durability  types.Durability
	AckTimeout  time.Duration
	Replication replication.Config
	Transport   replication.Transport

	QueueSize    int
	TickInterval time.Duration
}

func (o *Options) defaults() {
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.SegmentSize <= 0 {
		o.SegmentSize = wal.DefaultSegmentSize
	}
	if o.RewriteMinSize <= 0 {
		o.RewriteMinSize = DefaultRewriteMinSize
	}
	if o.SnapshotRetain <= 0 {
		o.SnapshotRetain = DefaultSnapshotRetain
	}
	if o.SweepSamples <= 0 {
		o.SweepSamples = DefaultSweepSamples
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = DefaultTokenTTL
	}
	if o.TokenLimit <= 0 {
		o.TokenLimit = DefaultTokenLimit
	}
	if o.Durability == "" {
		o.Durability = types.DurabilityAsync
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	o.Replication.Partition = o.ID
	o.Replication.Self = o.Self
}
