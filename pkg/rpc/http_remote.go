package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"memkv/pkg/cluster"
	"memkv/pkg/replication"
)

// HTTPRemote drives the cluster interface of remote nodes. It implements
// cluster.NodeClient for the failover coordinator.
type HTTPRemote struct {
	client *http.Client
}

func NewHTTPRemote(timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPRemote{client: &http.Client{Timeout: timeout}}
}

var _ cluster.NodeClient = (*HTTPRemote)(nil)

func (s *HTTPRemote) AppliedSequence(ctx context.Context, addr, partition string) (uint64, error) {
	var out AppliedResponse
	if err := s.do(ctx, http.MethodGet, addr, AppliedPath(partition), nil, &out); err != nil {
		return 0, err
	}
	return out.Applied, nil
}

func (s *HTTPRemote) ReplicaOf(ctx context.Context, addr, partition, primaryAddr string) error {
	return s.do(ctx, http.MethodPost, addr, ReplicaOfPath(partition), ReplicaOfRequest{Primary: primaryAddr}, nil)
}

// PushRing offers r to the node at addr; the node keeps it only if it is newer.
func (s *HTTPRemote) PushRing(ctx context.Context, addr string, r *cluster.Ring) error {
	return s.do(ctx, http.MethodPut, addr, RingPath, r.State(), nil)
}

func (s *HTTPRemote) Ring(ctx context.Context, addr string) (*cluster.Ring, error) {
	return FetchRing(ctx, s.client, addr)
}

func (s *HTTPRemote) Health(ctx context.Context, addr string) error {
	return s.do(ctx, http.MethodGet, addr, HealthPath, nil, nil)
}

func (s *HTTPRemote) Snapshot(ctx context.Context, addr, partition string) (SnapshotResponse, error) {
	var out SnapshotResponse
	err := s.do(ctx, http.MethodPost, addr, SnapshotPath(partition), nil, &out)
	return out, err
}

func (s *HTTPRemote) Rewrite(ctx context.Context, addr, partition string) error {
	return s.do(ctx, http.MethodPost, addr, RewritePath(partition), nil, nil)
}

func (s *HTTPRemote) do(ctx context.Context, method, addr, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, replication.BaseURL(addr)+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s%s: %w", method, addr, path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var er Response
		if json.Unmarshal(b, &er) == nil && er.Status == StatusError {
			return remoteError(er.Code, er.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s%s failed: %d: %s", method, addr, path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s body: %w", path, err)
	}
	return nil
}
