package cluster

import (
	"errors"
	"fmt"
	"testing"

	"memkv/pkg/dberrors"
)

// findKeyForOwner подбирает ключ, который попадает в нужную партицию
func findKeyForOwner(r *Ring, owner string) string {
	for i := 0; i < 1_000_000; i++ {
		k := fmt.Sprintf("k-%d", i)
		if id, err := r.Owner([]byte(k)); err == nil && id == owner {
			return k
		}
	}
	return ""
}

func TestRouter_RoutesLocalAndRemote(t *testing.T) {
	ring := makeRing(3)
	local := "node1:8080"
	router := &Router{LocalAddr: local, Ring: NewRingHolder(ring)}

	localKey := findKeyForOwner(ring, "node1")
	if localKey == "" {
		t.Fatal("failed to find key for local node")
	}
	rt, err := router.Route([]byte(localKey))
	if err != nil {
		t.Fatal(err)
	}
	if !rt.Local || rt.Replica {
		t.Fatalf("key %s should be served locally as primary: %+v", localKey, rt)
	}

	remoteKey := findKeyForOwner(ring, "node2")
	rt, err = router.Route([]byte(remoteKey))
	if err != nil {
		t.Fatal(err)
	}
	if rt.Local {
		t.Fatalf("key %s is not local: %+v", remoteKey, rt)
	}
	// при трёх нодах и RF=3 каждая нода держит реплику чужих партиций
	if !rt.Replica {
		t.Fatalf("node1 should replicate partition node2: %+v", rt)
	}

	var redirect *dberrors.RedirectError
	if err := error(rt.Redirect()); !errors.As(err, &redirect) || redirect.Addr != "node2:8080" || redirect.Partition != "node2" {
		t.Fatalf("unexpected redirect %v", err)
	}
	if redirect.RingVersion != ring.Version() {
		t.Fatalf("redirect ring version %d, want %d", redirect.RingVersion, ring.Version())
	}
}

func TestRouter_EmptyRing(t *testing.T) {
	router := &Router{LocalAddr: "a", Ring: NewRingHolder(NewRing(1))}
	if _, err := router.Route([]byte("x")); !errors.Is(err, ErrEmptyRing) {
		t.Fatalf("want ErrEmptyRing, got %v", err)
	}
}
