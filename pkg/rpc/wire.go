package rpc

import (
	"fmt"
	"time"

	"memkv/pkg/command"
	"memkv/pkg/dberrors"
	"memkv/pkg/types"
)

// HTTP paths of the node API.
const (
	CommandPath = "/api/v1/command"
	RingPath    = "/cluster/ring"
	HealthPath  = "/health"

	contentTypeJSON = "application/json"
)

func ReplicaOfPath(partition string) string { return "/cluster/" + partition + "/replicaof" }

func AppliedPath(partition string) string { return "/cluster/" + partition + "/applied" }

func SnapshotPath(partition string) string { return "/admin/" + partition + "/snapshot" }

func RewritePath(partition string) string { return "/admin/" + partition + "/rewrite" }

// CommandRequest is the JSON body of POST /api/v1/command. Args holds the
// command name and its arguments; Batch holds one such list per command of
// an atomic batch.
type CommandRequest struct {
	Args        []string   `json:"args,omitempty"`
	Batch       [][]string `json:"batch,omitempty"`
	Token       string     `json:"token,omitempty"`
	Durability  string     `json:"durability,omitempty"`
	Consistency string     `json:"consistency,omitempty"`
	MaxLag      string     `json:"max_lag,omitempty"` // e.g. "500ms"
}

func NewCommandRequest(cmd command.Command, opts command.Options) CommandRequest {
	req := CommandRequest{
		Token:       opts.Token,
		Durability:  string(opts.Durability),
		Consistency: string(opts.Consistency),
	}
	if opts.MaxLag > 0 {
		req.MaxLag = opts.MaxLag.String()
	}
	if cmd.Name == command.OpBatch {
		for _, sub := range cmd.Batch {
			req.Batch = append(req.Batch, flatten(sub))
		}
		return req
	}
	req.Args = flatten(cmd)
	return req
}

func flatten(c command.Command) []string {
	out := make([]string, 0, len(c.Args)+1)
	out = append(out, c.Name)
	for _, a := range c.Args {
		out = append(out, string(a))
	}
	return out
}

// Command decodes the request into a command and its options.
func (r CommandRequest) Command() (command.Command, command.Options, error) {
	var (
		cmd  command.Command
		opts = command.Options{
			Token:       r.Token,
			Durability:  types.Durability(r.Durability),
			Consistency: types.Consistency(r.Consistency),
		}
	)
	if r.MaxLag != "" {
		d, err := time.ParseDuration(r.MaxLag)
		if err != nil || d < 0 {
			return cmd, opts, fmt.Errorf("%w: max_lag %q", dberrors.ErrInvalidArgument, r.MaxLag)
		}
		opts.MaxLag = d
	}

	switch {
	case len(r.Batch) > 0 && len(r.Args) > 0:
		return cmd, opts, fmt.Errorf("%w: args and batch are exclusive", dberrors.ErrInvalidArgument)
	case len(r.Batch) > 0:
		subs := make([]command.Command, 0, len(r.Batch))
		for _, args := range r.Batch {
			if len(args) == 0 {
				return cmd, opts, fmt.Errorf("%w: empty command in batch", dberrors.ErrInvalidArgument)
			}
			subs = append(subs, command.New(args[0], args[1:]...))
		}
		cmd = command.NewBatch(subs...)
	case len(r.Args) > 0:
		cmd = command.New(r.Args[0], r.Args[1:]...)
	default:
		return cmd, opts, fmt.Errorf("%w: empty command", dberrors.ErrInvalidArgument)
	}
	return cmd, opts, nil
}

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusRedirect Status = "redirect"
)

// Response is the JSON body every node endpoint answers with.
type Response struct {
	Status   Status         `json:"status,omitempty"`
	Reply    *command.Reply `json:"reply,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
	Redirect *Redirect      `json:"redirect,omitempty"`
}

type Redirect struct {
	Addr        string `json:"addr"`
	Partition   string `json:"partition"`
	RingVersion uint64 `json:"ring_version"`
}

// AppliedResponse answers GET /cluster/{partition}/applied.
type AppliedResponse struct {
	Partition string `json:"partition"`
	Applied   uint64 `json:"applied"`
}

// ReplicaOfRequest is the body of POST /cluster/{partition}/replicaof. An
// empty Primary promotes the partition.
type ReplicaOfRequest struct {
	Primary string `json:"primary"`
}

// SnapshotResponse answers POST /admin/{partition}/snapshot.
type SnapshotResponse struct {
	Seq  uint64 `json:"seq"`
	Path string `json:"path"`
}
