package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"memkv/pkg/dberrors"
	"memkv/pkg/tvs"
)

const (
	filePrefix = "snapshot-"
	fileExt    = ".snap"
	tmpExt     = ".tmp"
)

// Meta describes a snapshot file.
type Meta struct {
	Seq  uint64
	Path string
	Size int64
}

func fileName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, seq, fileExt)
}

// Save writes view into dir as a new snapshot file. The file becomes visible
// only once it is complete and synced.
func Save(dir string, hdr Header, view *tvs.View) (Meta, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return Meta{}, fmt.Errorf("create snapshot dir: %w", err)
	}
	final := filepath.Join(dir, fileName(hdr.Seq))
	tmp := final + tmpExt

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return Meta{}, fmt.Errorf("create snapshot file: %w", err)
	}
	bw := bufio.NewWriterSize(f, 256<<10)
	n, werr := Write(bw, hdr, view)
	if werr == nil {
		werr = bw.Flush()
	}
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return Meta{}, fmt.Errorf("write snapshot: %w", werr)
	}
	if err := os.Rename(tmp, final); err != nil {
		return Meta{}, fmt.Errorf("install snapshot: %w", err)
	}
	syncDir(dir)

	slog.Info("snapshot saved", "path", final, "seq", hdr.Seq, "keys", view.Len(), "size", humanize.IBytes(uint64(n)))
	return Meta{Seq: hdr.Seq, Path: final, Size: n}, nil
}

// Receive stores a snapshot image streamed from r (a full sync from the
// primary) after verifying it.
func Receive(dir string, r io.Reader) (Meta, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return Meta{}, fmt.Errorf("create snapshot dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "recv-*"+tmpExt)
	if err != nil {
		return Meta{}, fmt.Errorf("create snapshot file: %w", err)
	}
	tmp := f.Name()
	fail := func(err error) (Meta, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return Meta{}, err
	}

	n, err := io.Copy(f, r)
	if err != nil {
		return fail(fmt.Errorf("receive snapshot: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync snapshot: %w", err))
	}
	if err := Verify(f, n); err != nil {
		return fail(err)
	}
	hdr, err := Read(f, n, func(tvs.Entry) error { return nil })
	if err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return Meta{}, fmt.Errorf("close snapshot: %w", err)
	}

	final := filepath.Join(dir, fileName(hdr.Seq))
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Meta{}, fmt.Errorf("install snapshot: %w", err)
	}
	syncDir(dir)
	return Meta{Seq: hdr.Seq, Path: final, Size: n}, nil
}

// Load verifies and decodes the snapshot at path.
func Load(path string, fn func(tvs.Entry) error) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("stat snapshot: %w", err)
	}
	if err := Verify(f, st.Size()); err != nil {
		return Header{}, err
	}
	return Read(f, st.Size(), fn)
}

// List returns the snapshots in dir, newest first.
func List(dir string) ([]Meta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var out []Meta
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, tmpExt) {
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt), 10, 64)
		if err != nil {
			continue
		}
		m := Meta{Seq: seq, Path: filepath.Join(dir, name)}
		if info, err := e.Info(); err == nil {
			m.Size = info.Size()
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

// LoadLatest loads the newest valid snapshot. A damaged snapshot is skipped in
// favour of the next older one; reset is called before every attempt. ok is
// false when no snapshot could be loaded.
func LoadLatest(dir string, reset func(), fn func(tvs.Entry) error) (hdr Header, ok bool, err error) {
	metas, err := List(dir)
	if err != nil {
		return Header{}, false, err
	}
	for _, m := range metas {
		reset()
		hdr, err := Load(m.Path, fn)
		if err == nil {
			return hdr, true, nil
		}
		if !errors.Is(err, dberrors.ErrCorruption) {
			return Header{}, false, err
		}
		slog.Warn("snapshot is damaged, falling back to an older one", "path", m.Path, "error", err)
	}
	if len(metas) > 0 {
		reset()
		slog.Error("no valid snapshot found, recovering from the operation log only", "dir", dir, "candidates", len(metas))
	}
	return Header{}, false, nil
}

// Prune keeps the newest keep snapshots and returns the sequence number of the
// oldest one retained (0 if none).
func Prune(dir string, keep int) (uint64, error) {
	metas, err := List(dir)
	if err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}
	for i := keep; i < len(metas); i++ {
		if err := os.Remove(metas[i].Path); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("remove snapshot: %w", err)
		}
	}
	if len(metas) == 0 {
		return 0, nil
	}
	if len(metas) < keep {
		return metas[len(metas)-1].Seq, nil
	}
	return metas[keep-1].Seq, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
