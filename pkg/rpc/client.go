package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"memkv/pkg/cluster"
	"memkv/pkg/command"
	"memkv/pkg/dberrors"
	"memkv/pkg/replication"
)

const (
	defaultTimeout      = 5 * time.Second
	defaultMaxRedirects = 5
)

var ErrTooManyRedirects = errors.New("rpc: too many redirects")

// Client sends commands to the cluster. It keeps a copy of the ring to send
// each command straight to the key's primary, and follows redirects when its
// copy is stale.
type Client struct {
	seeds        []string
	http         *http.Client
	ring         *cluster.RingHolder
	maxRedirects int
	log          *slog.Logger
}

// NewClient creates a client that discovers the cluster through seeds
// (host:port of any nodes).
func NewClient(seeds []string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		seeds: seeds,
		http: &http.Client{
			Timeout: timeout,
			// редиректы обрабатываем сами, чтобы обновить кольцо
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		ring:         cluster.NewRingHolder(nil),
		maxRedirects: defaultMaxRedirects,
		log:          slog.With("component", "client"),
	}
}

// Ring is the client's current copy of the ring, nil before the first refresh.
func (c *Client) Ring() *cluster.Ring { return c.ring.Load() }

// Do executes cmd. Writes without a token get a fresh one, so a retry after a
// redirect or a lost response is applied at most once.
func (c *Client) Do(ctx context.Context, cmd command.Command, opts command.Options) (command.Reply, error) {
	if opts.Token == "" && command.IsWrite(cmd) {
		opts.Token = uuid.NewString()
	}
	body, err := json.Marshal(NewCommandRequest(cmd, opts))
	if err != nil {
		return command.Reply{}, fmt.Errorf("encode command: %w", err)
	}

	target := c.target(cmd)
	for hop := 0; hop <= c.maxRedirects; hop++ {
		resp, err := c.send(ctx, target, body)
		if err != nil {
			var remote *RemoteError
			if errors.As(err, &remote) || ctx.Err() != nil {
				return command.Reply{}, err
			}
			// узел недоступен: возможно, после failover кольцо уже другое
			if rerr := c.RefreshRing(ctx, ""); rerr != nil {
				return command.Reply{}, err
			}
			next := c.target(cmd)
			if next == target {
				return command.Reply{}, err
			}
			c.log.Debug("node unreachable, retrying on new primary", "from", target, "to", next, "error", err)
			target = next
			continue
		}
		if resp.Redirect == nil {
			return replyOf(resp)
		}

		c.log.Debug("redirected", "from", target, "to", resp.Redirect.Addr,
			"partition", resp.Redirect.Partition, "ring_version", resp.Redirect.RingVersion)
		if cur := c.ring.Load(); cur == nil || cur.Version() < resp.Redirect.RingVersion {
			if err := c.RefreshRing(ctx, resp.Redirect.Addr); err != nil {
				c.log.Warn("ring refresh failed", "addr", resp.Redirect.Addr, "error", err)
			}
		}
		target = resp.Redirect.Addr
	}
	return command.Reply{}, ErrTooManyRedirects
}

// target picks the key's primary from the local ring, falling back to a seed.
func (c *Client) target(cmd command.Command) string {
	keys := command.Keys(cmd)
	if r := c.ring.Load(); r != nil && len(keys) > 0 {
		if pl, err := r.Locate([]byte(keys[0])); err == nil {
			return pl.Primary.Addr
		}
	}
	if len(c.seeds) == 0 {
		return ""
	}
	return c.seeds[0]
}

func (c *Client) send(ctx context.Context, addr string, body []byte) (Response, error) {
	if addr == "" {
		return Response{}, fmt.Errorf("%w: no node to send to", dberrors.ErrInvalidArgument)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, replication.BaseURL(addr)+CommandPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("POST %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if out.Status == StatusError {
		return out, remoteError(out.Code, out.Error, resp.StatusCode)
	}
	return out, nil
}

func replyOf(resp Response) (command.Reply, error) {
	if resp.Reply == nil {
		return command.Nil(), nil
	}
	return *resp.Reply, nil
}

// RefreshRing fetches the ring from addr, or from the seeds when addr is empty.
func (c *Client) RefreshRing(ctx context.Context, addr string) error {
	candidates := c.seeds
	if addr != "" {
		candidates = append([]string{addr}, c.seeds...)
	}
	var errs []error
	for _, a := range candidates {
		r, err := FetchRing(ctx, c.http, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.ring.Update(r)
		return nil
	}
	return errors.Join(errs...)
}

// FetchRing reads GET /cluster/ring of the node at addr.
func FetchRing(ctx context.Context, hc *http.Client, addr string) (*cluster.Ring, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, replication.BaseURL(addr)+RingPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET ring from %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GET ring from %s: status=%d body=%s", addr, resp.StatusCode, string(b))
	}
	var st cluster.RingState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode ring: %w", err)
	}
	return cluster.FromState(st), nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := c.Do(ctx, command.New("GET", key), command.Options{})
	if err != nil {
		return nil, false, err
	}
	switch r.Kind {
	case command.ReplyNil:
		return nil, false, nil
	case command.ReplyOK:
		// JSON does not tell the string "OK" apart from a status reply
		return []byte("OK"), true, nil
	}
	return r.Bulk, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, opts command.Options) error {
	_, err := c.Do(ctx, command.New("SET", key, value), opts)
	return err
}

func (c *Client) Del(ctx context.Context, key string) (bool, error) {
	r, err := c.Do(ctx, command.New("DEL", key), command.Options{})
	if err != nil {
		return false, err
	}
	return r.Int == 1, nil
}
