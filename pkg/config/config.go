package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"

	"memkv/pkg/cluster"
	"memkv/pkg/eviction"
	"memkv/pkg/node"
	"memkv/pkg/partition"
	"memkv/pkg/replication"
	"memkv/pkg/types"
	"memkv/pkg/wal"
)

// Config - корневая структура конфигурации ноды
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger      LoggerConfig      `yaml:"logger" validate:"required"`
	Server      ServerConfig      `yaml:"http-server" validate:"required"`
	Node        NodeConfig        `yaml:"node" validate:"required"`
	Cluster     ClusterConfig     `yaml:"cluster" validate:"required"`
	Storage     StorageConfig     `yaml:"storage" validate:"required"`
	Memory      MemoryConfig      `yaml:"memory"`
	Replication ReplicationConfig `yaml:"replication"`
	Expiration  ExpirationConfig  `yaml:"expiration"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// SlogLevel parses Level; unknown names fall back to INFO.
func (c LoggerConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

type NodeConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

type ClusterConfig struct {
	VNodes            int           `yaml:"vnodes" validate:"min=1"`
	ReplicationFactor int           `yaml:"replication_factor" validate:"min=1"`
	ZKServers         []string      `yaml:"zk_servers"`
	ZKRoot            string        `yaml:"zk_root"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout" validate:"required"`
}

type StorageConfig struct {
	DataDir           string                   `yaml:"data_dir" validate:"required"`
	Fsync             string                   `yaml:"fsync" validate:"oneof=always everysec no"`
	FsyncInterval     time.Duration            `yaml:"fsync_interval"`
	SegmentSize       string                   `yaml:"segment_size"`
	RewriteMinSize    string                   `yaml:"rewrite_min_size"`
	RewritePercentage int                      `yaml:"rewrite_percentage" validate:"min=0"`
	Snapshots         []partition.SnapshotRule `yaml:"snapshots"`
	SnapshotRetain    int                      `yaml:"snapshot_retain" validate:"min=1"`
}

type MemoryConfig struct {
	// MaxMemory per node, e.g. "256MiB"; empty or "0" means no limit.
	MaxMemory string  `yaml:"maxmemory"`
	Policy    string  `yaml:"policy" validate:"oneof=lru lfu ttl random noeviction"`
	Samples   int     `yaml:"samples" validate:"min=1"`
	HighWater float64 `yaml:"high_water" validate:"gt=0,lte=1"`
	LowWater  float64 `yaml:"low_water" validate:"gt=0,ltefield=HighWater"`
}

type ReplicationConfig struct {
	Durability  string        `yaml:"durability" validate:"oneof=async quorum all"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	BacklogSize int           `yaml:"backlog_size" validate:"min=1"`
	BatchSize   int           `yaml:"batch_size" validate:"min=1"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type ExpirationConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepSamples  int           `yaml:"sweep_samples" validate:"min=1"`
}

// Default returns a baseline development config: a single node on :8080.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Node: NodeConfig{
			ID:   "node-1",
			Addr: "localhost:8080",
		},
		Cluster: ClusterConfig{
			VNodes:            cluster.DefaultWeight,
			ReplicationFactor: 1,
			ZKRoot:            "/memkv",
			RPCTimeout:        5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:           "./data",
			Fsync:             string(wal.FsyncEverySec),
			FsyncInterval:     time.Second,
			SegmentSize:       "64MiB",
			RewriteMinSize:    "64MiB",
			RewritePercentage: partition.DefaultRewritePercentage,
			Snapshots:         partition.DefaultSnapshotRules(),
			SnapshotRetain:    partition.DefaultSnapshotRetain,
		},
		Memory: MemoryConfig{
			MaxMemory: "0",
			Policy:    eviction.PolicyLRU,
			Samples:   eviction.DefaultSamples,
			HighWater: eviction.DefaultHighWater,
			LowWater:  eviction.DefaultLowWater,
		},
		Replication: ReplicationConfig{
			Durability:  string(types.DurabilityAsync),
			AckTimeout:  partition.DefaultAckTimeout,
			BacklogSize: replication.DefaultBacklogSize,
			BatchSize:   replication.DefaultBatchSize,
			Heartbeat:   replication.DefaultHeartbeat,
			TokenTTL:    partition.DefaultTokenTTL,
		},
		Expiration: ExpirationConfig{
			SweepInterval: 100 * time.Millisecond,
			SweepSamples:  partition.DefaultSweepSamples,
		},
	}
}

// Parse decodes a YAML document over Default, so omitted keys keep their
// default values, and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// parseSize accepts humanized sizes ("64MiB", "1.5GB", "0").
func parseSize(field, s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s: %q is too large", field, s)
	}
	return int64(n), nil
}

// Validate checks what yaml decoding cannot: ranges, enum names and sizes.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Logger.Level != "" && c.Logger.SlogLevel().String() == strings.ToUpper(c.Logger.Level),
		"logger.level: unknown level %q", c.Logger.Level)
	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "http-server.port: %d out of range", c.Server.Port)

	check(c.Node.ID != "", "node.id is required")
	check(filepath.Base(c.Node.ID) == c.Node.ID && c.Node.ID != "." && c.Node.ID != "..",
		"node.id: %q cannot be used as a directory name", c.Node.ID)
	check(strings.Contains(c.Node.Addr, ":"), "node.addr: %q is not host:port", c.Node.Addr)

	check(c.Cluster.VNodes >= 1, "cluster.vnodes must be positive")
	check(c.Cluster.ReplicationFactor >= 1, "cluster.replication_factor must be positive")
	check(len(c.Cluster.ZKServers) == 0 || c.Cluster.ZKRoot != "", "cluster.zk_root is required with zk_servers")
	check(c.Cluster.RPCTimeout > 0, "cluster.rpc_timeout must be positive")

	check(c.Storage.DataDir != "", "storage.data_dir is required")
	switch wal.FsyncPolicy(c.Storage.Fsync) {
	case wal.FsyncAlways, wal.FsyncEverySec, wal.FsyncNo:
	default:
		errs = append(errs, fmt.Errorf("storage.fsync: unknown policy %q", c.Storage.Fsync))
	}
	check(c.Storage.RewritePercentage >= 0, "storage.rewrite_percentage must not be negative")
	check(c.Storage.SnapshotRetain >= 1, "storage.snapshot_retain must be positive")
	for i, r := range c.Storage.Snapshots {
		check(r.After > 0 && r.Changes > 0, "storage.snapshots[%d]: after and changes must be positive", i)
	}
	if _, err := parseSize("storage.segment_size", c.Storage.SegmentSize); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseSize("storage.rewrite_min_size", c.Storage.RewriteMinSize); err != nil {
		errs = append(errs, err)
	}

	if _, err := parseSize("memory.maxmemory", c.Memory.MaxMemory); err != nil {
		errs = append(errs, err)
	}
	if _, err := eviction.PolicyByName(c.Memory.Policy); err != nil {
		errs = append(errs, fmt.Errorf("memory.policy: %w", err))
	}
	check(c.Memory.Samples >= 1, "memory.samples must be positive")
	check(c.Memory.HighWater > 0 && c.Memory.HighWater <= 1, "memory.high_water must be in (0, 1]")
	check(c.Memory.LowWater > 0 && c.Memory.LowWater <= c.Memory.HighWater,
		"memory.low_water must be in (0, high_water]")

	check(types.Durability(c.Replication.Durability).Valid(),
		"replication.durability: unknown level %q", c.Replication.Durability)
	check(c.Replication.BacklogSize >= 1, "replication.backlog_size must be positive")
	check(c.Replication.BatchSize >= 1, "replication.batch_size must be positive")

	check(c.Expiration.SweepSamples >= 1, "expiration.sweep_samples must be positive")

	return errors.Join(errs...)
}

// Self is this node as a ring member.
func (c *Config) Self() cluster.Member {
	return cluster.Member{ID: c.Node.ID, Addr: c.Node.Addr, Weight: c.Cluster.VNodes}
}

// PartitionOptions builds the template every hosted partition is opened with.
// Memory limits are per node and split evenly across the partitions the
// node hosts.
func (c *Config) PartitionOptions(hosted int) (partition.Options, error) {
	segment, err := parseSize("storage.segment_size", c.Storage.SegmentSize)
	if err != nil {
		return partition.Options{}, err
	}
	rewriteMin, err := parseSize("storage.rewrite_min_size", c.Storage.RewriteMinSize)
	if err != nil {
		return partition.Options{}, err
	}
	maxMemory, err := parseSize("memory.maxmemory", c.Memory.MaxMemory)
	if err != nil {
		return partition.Options{}, err
	}
	if hosted > 1 {
		maxMemory /= int64(hosted)
	}

	return partition.Options{
		Fsync:             wal.FsyncPolicy(c.Storage.Fsync),
		FsyncInterval:     c.Storage.FsyncInterval,
		SegmentSize:       segment,
		RewriteMinSize:    rewriteMin,
		RewritePercentage: c.Storage.RewritePercentage,
		SnapshotRules:     c.Storage.Snapshots,
		SnapshotRetain:    c.Storage.SnapshotRetain,
		Eviction: eviction.Config{
			MaxMemory: maxMemory,
			Policy:    c.Memory.Policy,
			Samples:   c.Memory.Samples,
			HighWater: c.Memory.HighWater,
			LowWater:  c.Memory.LowWater,
		},
		SweepInterval: c.Expiration.SweepInterval,
		SweepSamples:  c.Expiration.SweepSamples,
		TokenTTL:      c.Replication.TokenTTL,
		Durability:    types.Durability(c.Replication.Durability),
		AckTimeout:    c.Replication.AckTimeout,
		Replication: replication.Config{
			BacklogSize: c.Replication.BacklogSize,
			BatchSize:   c.Replication.BatchSize,
			Heartbeat:   c.Replication.Heartbeat,
		},
	}, nil
}

// NodeConfig builds the node configuration around transport.
func (c *Config) NodeConfig(transport replication.Transport) (node.Config, error) {
	opts, err := c.PartitionOptions(c.Cluster.ReplicationFactor)
	if err != nil {
		return node.Config{}, err
	}
	return node.Config{
		ID:        c.Node.ID,
		Addr:      c.Node.Addr,
		DataDir:   c.Storage.DataDir,
		Partition: opts,
		Transport: transport,
	}, nil
}
