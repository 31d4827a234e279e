package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"memkv/pkg/dberrors"
	"memkv/pkg/wal"
)

// Batch carries consecutive log records from a primary to a replica. An empty
// batch is a heartbeat that only advertises the primary's head.
type Batch struct {
	From    string       `cbor:"1,keyasint"`
	ReplID  string       `cbor:"2,keyasint"`
	Head    uint64       `cbor:"3,keyasint"`
	Records []wal.Record `cbor:"4,keyasint,omitempty"`
}

type Ack struct {
	Applied uint64 `cbor:"1,keyasint"`
}

// ReplicaState is what a replica reports in the handshake.
type ReplicaState struct {
	ReplID  string   `cbor:"1,keyasint"`
	Applied uint64   `cbor:"2,keyasint"`
	Role    RoleKind `cbor:"3,keyasint"`
}

// ErrStalePrimary is returned by a replica that follows somebody else.
var ErrStalePrimary = errors.New("replication: sender is not the primary of this replica")

// Transport moves replication traffic to one replica address.
type Transport interface {
	PSync(ctx context.Context, addr, partition, from string) (ReplicaState, error)
	// Apply returns *dberrors.GapError when the replica is missing earlier records.
	Apply(ctx context.Context, addr, partition string, b Batch) (Ack, error)
	// FullSync streams a snapshot produced by write; the replica replaces its state with it.
	FullSync(ctx context.Context, addr, partition, from string, write func(io.Writer) error) (Ack, error)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 24, MaxMapPairs: 1 << 20}).DecMode(); err != nil {
		panic(err)
	}
}

// Marshal encodes replication messages.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func Unmarshal(b []byte, v any) error { return decMode.Unmarshal(b, v) }

const (
	ContentType = "application/cbor"

	// StatusGap answers an Apply that skipped records; the body is an Ack.
	StatusGap = http.StatusConflict
	// StatusStale answers traffic from a node that is not the replica's primary.
	StatusStale = http.StatusMisdirectedRequest

	// query parameter naming the sender on psync and sync requests
	FromParam = "from"

	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

func PSyncPath(partition string) string { return "/internal/replication/" + partition + "/psync" }

func ApplyPath(partition string) string { return "/internal/replication/" + partition + "/apply" }

func SyncPath(partition string) string { return "/internal/replication/" + partition + "/sync" }

// BaseURL turns "host:port" into "http://host:port".
func BaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

// HTTPTransport ships cbor-encoded messages over HTTP.
type HTTPTransport struct {
	httpClient *http.Client
	// sync streams may take much longer than a batch
	syncClient *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = transportTimeout
	}
	return &HTTPTransport{
		httpClient: &http.Client{Timeout: timeout},
		syncClient: &http.Client{},
	}
}

func (t *HTTPTransport) PSync(ctx context.Context, addr, partition, from string) (ReplicaState, error) {
	var st ReplicaState
	u := BaseURL(addr) + PSyncPath(partition) + "?" + FromParam + "=" + url.QueryEscape(from)
	err := t.post(ctx, u, nil, &st)
	return st, err
}

func (t *HTTPTransport) Apply(ctx context.Context, addr, partition string, b Batch) (Ack, error) {
	body, err := Marshal(b)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal batch: %w", err)
	}
	var ack Ack
	err = t.post(ctx, BaseURL(addr)+ApplyPath(partition), body, &ack)
	return ack, err
}

// post retries network failures; replies from the replica are final.
func (t *HTTPTransport) post(ctx context.Context, target string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := t.send(ctx, target, body)
		if err != nil {
			lastErr = err
			slog.Debug("replication request failed, retrying", "url", target, "attempt", attempt+1, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt+1)):
			}
			continue
		}
		return decodeResponse(resp, out)
	}
	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}

func (t *HTTPTransport) send(ctx context.Context, target string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if out == nil {
			return nil
		}
		if err := Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case StatusGap:
		var ack Ack
		if err := Unmarshal(data, &ack); err != nil {
			return fmt.Errorf("decode gap: %w", err)
		}
		return &dberrors.GapError{Applied: ack.Applied}
	case StatusStale:
		return ErrStalePrimary
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
}

func (t *HTTPTransport) FullSync(ctx context.Context, addr, partition, from string, write func(io.Writer) error) (Ack, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(write(pw))
	}()

	u := BaseURL(addr) + SyncPath(partition) + "?" + FromParam + "=" + url.QueryEscape(from)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		pr.CloseWithError(err)
		return Ack{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.syncClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return Ack{}, fmt.Errorf("send snapshot: %w", err)
	}
	var ack Ack
	err = decodeResponse(resp, &ack)
	return ack, err
}
