package partition

import (
	"fmt"
	"os"
	"path/filepath"

	"memkv/pkg/replication"
)

const metaFile = "replication.meta"

// meta is the replication history that must survive restarts.
type meta struct {
	ReplID     string `cbor:"1,keyasint"`
	PrevReplID string `cbor:"2,keyasint,omitempty"`
	DivergeSeq uint64 `cbor:"3,keyasint,omitempty"`
}

func loadMeta(dir string) (meta, error) {
	var m meta
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("read replication meta: %w", err)
	}
	if err := replication.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode replication meta: %w", err)
	}
	return m, nil
}

func saveMeta(dir string, r replication.Role) error {
	b, err := replication.Marshal(meta{ReplID: r.ReplID, PrevReplID: r.PrevReplID, DivergeSeq: r.DivergeSeq})
	if err != nil {
		return err
	}
	final := filepath.Join(dir, metaFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("write replication meta: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("install replication meta: %w", err)
	}
	return nil
}
