package replication

import (
	"fmt"

	"github.com/google/uuid"
)

type RoleKind uint8

const (
	KindReplica RoleKind = iota
	KindPrimary
	// KindTransitioning: a replica that is replacing its state by a full sync.
	KindTransitioning
)

func (k RoleKind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindReplica:
		return "replica"
	case KindTransitioning:
		return "transitioning"
	}
	return "unknown"
}

// Role is the replication state of one partition on one node.
//
// ReplID names the history the partition's log belongs to. A primary mints a
// new one when promoted and remembers the previous one together with the
// sequence at which the histories split, so replicas of the old primary can
// continue incrementally if they did not go past that point.
type Role struct {
	Kind       RoleKind `cbor:"1,keyasint"`
	Of         string   `cbor:"2,keyasint,omitempty"` // primary address while replica
	ReplID     string   `cbor:"3,keyasint,omitempty"`
	PrevReplID string   `cbor:"4,keyasint,omitempty"`
	DivergeSeq uint64   `cbor:"5,keyasint,omitempty"`
}

func (r Role) String() string {
	if r.Kind == KindPrimary {
		return fmt.Sprintf("primary(%s)", r.ReplID)
	}
	return fmt.Sprintf("%s of %s (%s)", r.Kind, r.Of, r.ReplID)
}

type EventKind uint8

const (
	// EventPromote: become primary. Seq is the last applied sequence.
	EventPromote EventKind = iota + 1
	// EventFollow: replicate from Addr.
	EventFollow
	// EventSyncStart: a full sync from the primary began.
	EventSyncStart
	// EventSyncDone: the full sync finished; ReplID is the primary's.
	EventSyncDone
	// EventAdopt: the primary accepted an incremental continuation; the replica
	// takes over its ReplID.
	EventAdopt
)

type Event struct {
	Kind   EventKind
	Addr   string
	ReplID string
	Seq    uint64
}

// NewReplID mints a replication ID.
func NewReplID() string { return uuid.NewString() }

// Transition returns the role after ev. It does not touch r. Promote events
// must carry the new ReplID.
func Transition(r Role, ev Event) (Role, error) {
	switch ev.Kind {
	case EventPromote:
		switch r.Kind {
		case KindPrimary:
			return r, nil
		case KindTransitioning:
			return r, fmt.Errorf("cannot promote during full sync")
		}
		if ev.ReplID == "" {
			return r, fmt.Errorf("promote without replication id")
		}
		return Role{Kind: KindPrimary, ReplID: ev.ReplID, PrevReplID: r.ReplID, DivergeSeq: ev.Seq}, nil

	case EventFollow:
		if ev.Addr == "" {
			return r, fmt.Errorf("follow without primary address")
		}
		// a demoted primary keeps its ReplID: the new primary decides whether
		// its log can continue or must be replaced
		return Role{Kind: KindReplica, Of: ev.Addr, ReplID: r.ReplID}, nil

	case EventSyncStart:
		if r.Kind == KindPrimary {
			return r, fmt.Errorf("primary cannot accept a full sync")
		}
		next := r
		next.Kind = KindTransitioning
		return next, nil

	case EventSyncDone:
		if r.Kind != KindTransitioning {
			return r, fmt.Errorf("sync done in role %s", r.Kind)
		}
		return Role{Kind: KindReplica, Of: r.Of, ReplID: ev.ReplID}, nil

	case EventAdopt:
		if r.Kind != KindReplica {
			return r, fmt.Errorf("adopt in role %s", r.Kind)
		}
		next := r
		next.ReplID = ev.ReplID
		return next, nil
	}
	return r, fmt.Errorf("unknown event %d", ev.Kind)
}

// CanContinue reports whether a replica presenting (replID, applied) can be
// fed incrementally by primary p whose log ends at head. Otherwise it needs a
// full sync.
func CanContinue(p Role, replID string, applied, head uint64) bool {
	if p.Kind != KindPrimary || replID == "" {
		return false
	}
	if replID == p.ReplID {
		return applied <= head
	}
	return p.PrevReplID != "" && replID == p.PrevReplID && applied <= p.DivergeSeq
}
