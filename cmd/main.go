package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"

	"memkv/internal/http"
	"memkv/pkg/cluster"
	"memkv/pkg/config"
	"memkv/pkg/node"
	"memkv/pkg/replication"
	"memkv/pkg/rpc"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("memkv stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("memkv stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	maxMemory := "unlimited"
	if opts, err := cfg.PartitionOptions(1); err == nil && opts.Eviction.MaxMemory > 0 {
		maxMemory = humanize.IBytes(uint64(opts.Eviction.MaxMemory))
	}
	slog.Info("memkv starting",
		"node", cfg.Node.ID, "addr", cfg.Node.Addr, "data_dir", cfg.Storage.DataDir,
		"replication_factor", cfg.Cluster.ReplicationFactor, "maxmemory", maxMemory)

	var membership *cluster.ZKMembership
	ring := cluster.NewRing(cfg.Cluster.ReplicationFactor).AddNode(cfg.Self())
	if len(cfg.Cluster.ZKServers) > 0 {
		m, err := cluster.NewZKMembership(cfg.Cluster.ZKServers, cfg.Cluster.ZKRoot, cfg.Self())
		if err != nil {
			return fmt.Errorf("connect to ZooKeeper: %w", err)
		}
		defer m.Close()
		if err := m.RegisterSelf(); err != nil {
			return fmt.Errorf("register node in ZooKeeper: %w", err)
		}
		if ring, err = m.Join(ctx, cfg.Cluster.ReplicationFactor); err != nil {
			return fmt.Errorf("join ring: %w", err)
		}
		membership = m
	} else {
		slog.Info("no zk_servers configured, running a single-node ring")
	}

	nodeCfg, err := cfg.NodeConfig(replication.NewHTTPTransport(cfg.Cluster.RPCTimeout))
	if err != nil {
		return err
	}
	n, err := node.New(ctx, nodeCfg, ring)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			slog.Error("close node", "error", err)
		}
	}()

	server := http.NewServer(n, strconv.Itoa(cfg.Server.Port))
	if membership != nil {
		// кольцо, присланное через PUT /cluster/ring, публикуем и в ZK
		server.OnRing = func(r *cluster.Ring) {
			_, err := membership.Update(ctx, cfg.Cluster.ReplicationFactor, func(cur *cluster.Ring) (*cluster.Ring, error) {
				if r.Version() <= cur.Version() {
					return cur, nil
				}
				return r, nil
			})
			if err != nil {
				slog.Warn("publish pushed ring", "version", r.Version(), "error", err)
			}
		}
		watch(ctx, cfg, membership, n)
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Error("Error stopping server", "error", err)
		}
	}()

	<-ctx.Done()
	return nil
}

// watch keeps the node on the ring published in ZooKeeper, and runs
// failover from the leader when a node's ephemeral znode disappears.
func watch(ctx context.Context, cfg config.Config, m *cluster.ZKMembership, n *node.Node) {
	m.WatchRing(ctx, func(r *cluster.Ring) {
		installed, err := n.ApplyRing(ctx, r)
		if err != nil {
			slog.Warn("apply ring", "version", r.Version(), "error", err)
			return
		}
		if installed {
			slog.Info("ring installed", "version", r.Version(), "members", len(r.Members()))
		}
	})

	coord := cluster.NewCoordinator(rpc.NewHTTPRemote(cfg.Cluster.RPCTimeout), cfg.Cluster.RPCTimeout)
	m.WatchNodes(ctx, func(alive []cluster.Member) {
		if !cluster.IsLeader(cfg.Node.ID, alive) {
			return
		}
		r, err := m.Update(ctx, cfg.Cluster.ReplicationFactor, func(cur *cluster.Ring) (*cluster.Ring, error) {
			next, err := coord.HandleMembership(ctx, cur, alive)
			if next != nil && next != cur {
				// частичный failover всё равно публикуем
				return next, nil
			}
			return next, err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("failover", "error", err)
			return
		}
		if r != nil {
			if _, err := n.ApplyRing(ctx, r); err != nil {
				slog.Warn("apply ring", "version", r.Version(), "error", err)
			}
		}
	})
}
