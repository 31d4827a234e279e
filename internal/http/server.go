package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"memkv/pkg/cluster"
	"memkv/pkg/command"
	"memkv/pkg/dberrors"
	"memkv/pkg/node"
	"memkv/pkg/replication"
	"memkv/pkg/rpc"
	"memkv/pkg/snapshot"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5

	// a SET may carry a value up to the string limit
	maxCommandBody = 600 << 20
	maxBatchBody   = 1 << 30
)

type iNode interface {
	Execute(ctx context.Context, cmd command.Command, opts command.Options) (command.Reply, error)
	ReplicaOf(ctx context.Context, partition, primaryAddr string) error
	AppliedSequence(ctx context.Context, partition string) (uint64, error)
	Status(ctx context.Context) (node.Status, error)

	Ring() *cluster.Ring
	ApplyRing(ctx context.Context, r *cluster.Ring) (bool, error)

	PSync(ctx context.Context, partition, from string) (replication.ReplicaState, error)
	ApplyBatch(ctx context.Context, partition string, b replication.Batch) (replication.Ack, error)
	ReceiveSync(ctx context.Context, partition, from string, r io.Reader) (replication.Ack, error)

	Snapshot(ctx context.Context, partition string) (snapshot.Meta, error)
	Rewrite(ctx context.Context, partition string) error
}

// Server exposes a node over HTTP: the command API, the cluster interface used
// by the failover coordinator, replication endpoints and admin calls.
type Server struct {
	node       iNode
	httpServer *http.Server
	URL        string
	addr       string
	// OnRing is called after PUT /cluster/ring installed a newer ring.
	OnRing func(*cluster.Ring)
}

// NewServer creates a new server instance
func NewServer(n iNode, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		node: n,
		URL:  "http://localhost:" + port,
		addr: ":" + port,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(rpc.HealthPath, s.handleHealth)
	r.Post(rpc.CommandPath, s.handleCommand)

	r.Route("/cluster", func(r chi.Router) {
		r.Get("/ring", s.handleGetRing)
		r.Put("/ring", s.handlePutRing)
		r.Post("/{partition}/replicaof", s.handleReplicaOf)
		r.Get("/{partition}/applied", s.handleApplied)
	})

	r.Route("/internal/replication/{partition}", func(r chi.Router) {
		r.Post("/psync", s.handlePSync)
		r.Post("/apply", s.handleApply)
		r.Post("/sync", s.handleSync)
	})

	r.Route("/admin/{partition}", func(r chi.Router) {
		r.Post("/snapshot", s.handleSnapshot)
		r.Post("/rewrite", s.handleRewrite)
	})
	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if re, ok := dberrors.AsRedirect(err); ok {
		// Location для обычных HTTP-клиентов, тело для rpc.Client
		w.Header().Set("Location", replication.BaseURL(re.Addr)+r.URL.Path)
		s.writeJSON(w, http.StatusTemporaryRedirect, NewRedirectResponse(re))
		return
	}
	status := statusOf(err)
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		slog.Warn("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Status rpc.Status  `json:"status"`
		Node   node.Status `json:"node"`
	}{rpc.StatusOK, st})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req rpc.CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decode command: %v", dberrors.ErrInvalidArgument, err))
		return
	}
	cmd, opts, err := req.Command()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := s.node.Execute(r.Context(), cmd, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewReplyResponse(reply))
}

func (s *Server) handleGetRing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Ring().State())
}

func (s *Server) handlePutRing(w http.ResponseWriter, r *http.Request) {
	var st cluster.RingState
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decode ring: %v", dberrors.ErrInvalidArgument, err))
		return
	}
	if len(st.Members) == 0 || st.ReplicationFactor <= 0 {
		s.writeError(w, r, fmt.Errorf("%w: ring needs members and a replication factor", dberrors.ErrInvalidArgument))
		return
	}
	ring := cluster.FromState(st)
	installed, err := s.node.ApplyRing(r.Context(), ring)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if installed && s.OnRing != nil {
		s.OnRing(ring)
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleReplicaOf(w http.ResponseWriter, r *http.Request) {
	var req rpc.ReplicaOfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decode replicaof: %v", dberrors.ErrInvalidArgument, err))
		return
	}
	if err := s.node.ReplicaOf(r.Context(), chi.URLParam(r, "partition"), req.Primary); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleApplied(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")
	applied, err := s.node.AppliedSequence(r.Context(), partition)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rpc.AppliedResponse{Partition: partition, Applied: applied})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	m, err := s.node.Snapshot(r.Context(), chi.URLParam(r, "partition"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rpc.SnapshotResponse{Seq: m.Seq, Path: m.Path})
}

func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Rewrite(r.Context(), chi.URLParam(r, "partition")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// replication endpoints speak cbor; errors are a status code plus text,
// except a gap which carries the replica's Ack.
func (s *Server) writeCBOR(w http.ResponseWriter, status int, v any) {
	b, err := replication.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", replication.ContentType)
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		slog.Warn("Error writing replication response", "error", err)
	}
}

func (s *Server) writeReplicationError(w http.ResponseWriter, err error) {
	var gap *dberrors.GapError
	if errors.As(err, &gap) {
		s.writeCBOR(w, replication.StatusGap, replication.Ack{Applied: gap.Applied})
		return
	}
	http.Error(w, err.Error(), statusOf(err))
}

func (s *Server) handlePSync(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.PSync(r.Context(), chi.URLParam(r, "partition"), r.URL.Query().Get(replication.FromParam))
	if err != nil {
		s.writeReplicationError(w, err)
		return
	}
	s.writeCBOR(w, http.StatusOK, st)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var b replication.Batch
	if err := replication.Unmarshal(body, &b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ack, err := s.node.ApplyBatch(r.Context(), chi.URLParam(r, "partition"), b)
	if err != nil {
		s.writeReplicationError(w, err)
		return
	}
	s.writeCBOR(w, http.StatusOK, ack)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ack, err := s.node.ReceiveSync(r.Context(), chi.URLParam(r, "partition"), r.URL.Query().Get(replication.FromParam), r.Body)
	if err != nil {
		s.writeReplicationError(w, err)
		return
	}
	s.writeCBOR(w, http.StatusOK, ack)
}
