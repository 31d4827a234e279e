package cluster

import (
	"fmt"
	"log/slog"

	"memkv/pkg/dberrors"
)

// Route is where a key lives as seen from the local node.
type Route struct {
	Placement
	RingVersion uint64
	// Local: the local node serves the partition as primary.
	// Replica: the local node holds a replica of it.
	Local   bool
	Replica bool
}

// Redirect points the caller at the partition's primary.
func (rt Route) Redirect() *dberrors.RedirectError {
	return &dberrors.RedirectError{Addr: rt.Primary.Addr, Partition: rt.Partition, RingVersion: rt.RingVersion}
}

// Router resolves keys against the current ring for the local node.
type Router struct {
	LocalAddr string // текущая нода
	Ring      *RingHolder
}

func (r *Router) Route(key []byte) (Route, error) {
	ring := r.Ring.Load()
	if ring == nil {
		return Route{}, fmt.Errorf("ring is not initialized")
	}
	pl, err := ring.Locate(key)
	if err != nil {
		return Route{}, err
	}
	rt := Route{Placement: pl, RingVersion: ring.Version(), Local: pl.Primary.Addr == r.LocalAddr}
	for _, m := range pl.Replicas {
		if m.Addr == r.LocalAddr {
			rt.Replica = true
			break
		}
	}
	slog.Debug("route", "partition", pl.Partition, "primary", pl.Primary.Addr, "local", rt.Local, "replica", rt.Replica)
	return rt, nil
}
