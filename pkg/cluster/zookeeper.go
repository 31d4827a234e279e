package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKMembership хранит в ZooKeeper живые ноды (ephemeral) и текущее кольцо.
//
//	<root>/nodes/<id>  ephemeral, data = Member (json)
//	<root>/ring        persistent, data = RingState (json)
type ZKMembership struct {
	conn *zk.Conn
	root string
	self Member
	log  *slog.Logger
}

type zkLogger struct{ log *slog.Logger }

func (l zkLogger) Printf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, root string, self Member) (*ZKMembership, error) {
	log := slog.With("component", "zk", "node", self.ID)
	conn, _, err := zk.Connect(servers, 5*time.Second, zk.WithLogger(zkLogger{log: log}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{conn: conn, root: strings.TrimRight(root, "/"), self: self, log: log}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string { return m.root + "/nodes" }

func (m *ZKMembership) ringPath() string { return m.root + "/ring" }

func (m *ZKMembership) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды. Пока сессия жива,
// нода считается доступной.
func (m *ZKMembership) RegisterSelf() error {
	// ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	data, err := json.Marshal(m.self)
	if err != nil {
		return err
	}
	nodePath := m.nodesPath() + "/" + m.self.ID
	_, err = m.conn.Create(nodePath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}
	m.log.Info("registered node", "path", nodePath, "addr", m.self.Addr)
	return nil
}

func (m *ZKMembership) readNodes(children []string) ([]Member, error) {
	out := make([]Member, 0, len(children))
	for _, c := range children {
		data, _, err := m.conn.Get(m.nodesPath() + "/" + c)
		if errors.Is(err, zk.ErrNoNode) {
			continue // ушла между Children и Get
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", c, err)
		}
		var mem Member
		if err := json.Unmarshal(data, &mem); err != nil {
			m.log.Warn("bad node data", "node", c, "error", err)
			continue
		}
		out = append(out, mem)
	}
	return out, nil
}

// AliveNodes читает список живых нод.
func (m *ZKMembership) AliveNodes() ([]Member, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return m.readNodes(children)
}

// LoadRing returns the published ring and its znode version; (nil, -1) when none exists yet.
func (m *ZKMembership) LoadRing() (*Ring, int32, error) {
	data, stat, err := m.conn.Get(m.ringPath())
	if errors.Is(err, zk.ErrNoNode) {
		return nil, -1, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("zk get ring: %w", err)
	}
	var st RingState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, 0, fmt.Errorf("decode ring: %w", err)
	}
	return FromState(st), stat.Version, nil
}

// ErrRingConflict means somebody else published a ring since it was loaded.
var ErrRingConflict = errors.New("cluster: ring changed concurrently")

// PublishRing stores r if the znode still has version zkVersion (-1: must not exist).
func (m *ZKMembership) PublishRing(r *Ring, zkVersion int32) error {
	data, err := json.Marshal(r.State())
	if err != nil {
		return err
	}
	if zkVersion < 0 {
		if err := m.ensurePath(m.root); err != nil {
			return err
		}
		_, err = m.conn.Create(m.ringPath(), data, 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			return ErrRingConflict
		}
		return err
	}
	_, err = m.conn.Set(m.ringPath(), data, zkVersion)
	if errors.Is(err, zk.ErrBadVersion) {
		return ErrRingConflict
	}
	return err
}

// Update applies fn to the current ring and publishes the result, retrying on conflicts.
func (m *ZKMembership) Update(ctx context.Context, factor int, fn func(*Ring) (*Ring, error)) (*Ring, error) {
	for {
		cur, ver, err := m.LoadRing()
		if err != nil {
			return nil, err
		}
		if cur == nil {
			cur = NewRing(factor)
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == cur {
			return cur, nil
		}
		err = m.PublishRing(next, ver)
		if err == nil {
			m.log.Info("ring published", "version", next.Version(), "members", len(next.Members()))
			return next, nil
		}
		if !errors.Is(err, ErrRingConflict) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Join adds the local node to the ring unless it is already a member.
func (m *ZKMembership) Join(ctx context.Context, factor int) (*Ring, error) {
	return m.Update(ctx, factor, func(r *Ring) (*Ring, error) {
		if cur, ok := r.Member(m.self.ID); ok && cur.Addr != "" {
			return r, nil
		}
		return r.AddNode(m.self), nil
	})
}

// WatchRing вызывает fn на каждое изменение кольца, пока ctx не отменён.
func (m *ZKMembership) WatchRing(ctx context.Context, fn func(*Ring)) {
	go func() {
		for {
			data, _, ch, err := m.conn.GetW(m.ringPath())
			if err != nil {
				if errors.Is(err, zk.ErrNoNode) {
					_, _, ch, err = m.conn.ExistsW(m.ringPath())
				}
				if err != nil {
					m.log.Warn("ring watch failed", "error", err)
					if !sleepCtx(ctx, 2*time.Second) {
						return
					}
					continue
				}
			} else {
				var st RingState
				if err := json.Unmarshal(data, &st); err != nil {
					m.log.Error("decode ring", "error", err)
				} else {
					fn(FromState(st))
				}
			}

			select {
			case ev := <-ch:
				m.log.Debug("ring event", "type", ev.Type.String(), "path", ev.Path)
			case <-ctx.Done():
				m.log.Info("ring watch stopped")
				return
			}
		}
	}()
}

// WatchNodes следит за <root>/nodes и отдаёт текущий список живых нод.
func (m *ZKMembership) WatchNodes(ctx context.Context, fn func([]Member)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				m.log.Warn("ChildrenW error", "error", err)
				if !sleepCtx(ctx, 2*time.Second) {
					return
				}
				continue
			}
			alive, err := m.readNodes(children)
			if err != nil {
				m.log.Warn("read nodes", "error", err)
			} else {
				fn(alive)
			}

			select {
			case ev := <-ch:
				m.log.Debug("nodes event", "type", ev.Type.String())
			case <-ctx.Done():
				m.log.Info("nodes watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
