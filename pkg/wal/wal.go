package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"memkv/pkg/dberrors"
	"memkv/pkg/listener"
)

// FsyncPolicy controls when appended records reach stable storage.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"
	FsyncEverySec FsyncPolicy = "everysec"
	FsyncNo       FsyncPolicy = "no"
)

const (
	segmentExt = ".log"
	baseExt    = ".base"
	tmpExt     = ".tmp"

	DefaultSegmentSize = 64 << 20
)

type Options struct {
	Dir           string
	SegmentSize   int64
	Fsync         FsyncPolicy
	FsyncInterval time.Duration
}

type segment struct {
	first uint64
	path  string
}

// WAL is the append-only operation log of one partition. Records are framed as
// len | crc32 | payload and split over segment files named by the sequence
// number of their first record. A base file, if present, holds synthesized
// records that rebuild the state as of its sequence number; segments before it
// have been discarded.
type WAL struct {
	opts Options

	mu       sync.Mutex
	segments []segment
	active   *os.File
	writer   *bufio.Writer
	written  int64
	lastSeq  uint64
	baseSeq  uint64
	hasBase  bool
	dirty    bool
	closed   bool

	flusher *listener.Listener[time.Time]
	ticker  *time.Ticker
}

// Open scans dir, repairs a torn tail of the newest segment and opens it for appends.
func Open(opts Options) (*WAL, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	opts.Dir = filepath.Clean(opts.Dir)
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.Fsync == "" {
		opts.Fsync = FsyncEverySec
	}
	if opts.FsyncInterval <= 0 {
		opts.FsyncInterval = time.Second
	}
	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{opts: opts}
	if err := w.scan(); err != nil {
		return nil, err
	}

	if len(w.segments) == 0 {
		start := uint64(0)
		if w.hasBase {
			start = w.baseSeq
		}
		if err := w.openSegment(start + 1); err != nil {
			return nil, err
		}
	} else {
		if err := w.recoverTail(); err != nil {
			return nil, err
		}
	}

	if opts.Fsync == FsyncEverySec {
		w.ticker = time.NewTicker(opts.FsyncInterval)
		w.flusher = listener.New(w.ticker.C, func(time.Time) error {
			return w.Sync()
		}, w.ticker.Stop).OnError(func(err error) {
			slog.Error("wal background fsync failed", "dir", opts.Dir, "error", err)
		})
		w.flusher.Start(context.Background())
	}

	return w, nil
}

func (w *WAL) scan() error {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		return fmt.Errorf("read WAL dir: %w", err)
	}
	var bases []uint64
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, tmpExt):
			_ = os.Remove(filepath.Join(w.opts.Dir, name))
		case strings.HasSuffix(name, segmentExt):
			first, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
			if err != nil {
				continue
			}
			w.segments = append(w.segments, segment{first: first, path: filepath.Join(w.opts.Dir, name)})
		case strings.HasSuffix(name, baseExt):
			seq, err := strconv.ParseUint(strings.TrimSuffix(name, baseExt), 10, 64)
			if err != nil {
				continue
			}
			bases = append(bases, seq)
		}
	}
	sort.Slice(w.segments, func(i, j int) bool { return w.segments[i].first < w.segments[j].first })
	if len(bases) > 0 {
		sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
		w.baseSeq = bases[len(bases)-1]
		w.hasBase = true
		for _, b := range bases[:len(bases)-1] {
			_ = os.Remove(w.basePath(b))
		}
	}
	return nil
}

func (w *WAL) segmentPath(first uint64) string {
	return filepath.Join(w.opts.Dir, fmt.Sprintf("%020d%s", first, segmentExt))
}

func (w *WAL) basePath(seq uint64) string {
	return filepath.Join(w.opts.Dir, fmt.Sprintf("%020d%s", seq, baseExt))
}

// recoverTail reads the newest segment, truncates an incomplete last record and reopens it for appends.
func (w *WAL) recoverTail() error {
	seg := w.segments[len(w.segments)-1]
	f, err := os.OpenFile(seg.path, os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment: %w", err)
	}

	last := seg.first - 1
	var good int64
	br := bufio.NewReader(f)
	for {
		payload, err := readFrame(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("truncating torn WAL tail", "segment", seg.path, "offset", good, "error", err)
			}
			break
		}
		rec, err := Decode(payload)
		if err != nil {
			slog.Warn("truncating undecodable WAL tail", "segment", seg.path, "offset", good, "error", err)
			break
		}
		last = rec.Seq
		good += int64(frameHeaderSize + len(payload))
	}

	if err := f.Truncate(good); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate WAL tail: %w", err)
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek WAL tail: %w", err)
	}

	w.active = f
	w.writer = bufio.NewWriter(f)
	w.written = good
	w.lastSeq = last
	if w.hasBase && w.baseSeq > w.lastSeq {
		w.lastSeq = w.baseSeq
	}
	return nil
}

func (w *WAL) openSegment(first uint64) error {
	path := w.segmentPath(first)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	w.segments = append(w.segments, segment{first: first, path: path})
	w.active = f
	w.writer = bufio.NewWriter(f)
	w.written = 0
	if first-1 > w.lastSeq {
		w.lastSeq = first - 1
	}
	return nil
}

// Append writes rec to the active segment. Sequence numbers must be strictly increasing.
func (w *WAL) Append(rec Record) error {
	payload, err := Encode(rec)
	if err != nil {
		return fmt.Errorf("failed to encode WAL record: %w", err)
	}
	data := frame(payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return dberrors.ErrClosed
	}
	if rec.Seq <= w.lastSeq {
		return fmt.Errorf("%w: WAL append seq %d after %d", dberrors.ErrInvalidArgument, rec.Seq, w.lastSeq)
	}

	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	w.written += int64(len(data))
	w.lastSeq = rec.Seq
	w.dirty = true

	if w.opts.Fsync == FsyncAlways {
		if err := w.syncLocked(); err != nil {
			return err
		}
	}

	if w.written >= w.opts.SegmentSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if !w.dirty {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.dirty = false
	return nil
}

func (w *WAL) rotateLocked() error {
	w.dirty = true
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.active.Close(); err != nil {
		return fmt.Errorf("failed to close WAL segment: %w", err)
	}
	return w.openSegment(w.lastSeq + 1)
}

func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Base reports the sequence number covered by the base file, if any.
func (w *WAL) Base() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseSeq, w.hasBase
}

// ReplayBase feeds the records of the base file to fn.
func (w *WAL) ReplayBase(fn func(Record) error) error {
	seq, ok := w.Base()
	if !ok {
		return nil
	}
	return readFile(w.basePath(seq), true, func(rec Record) error { return fn(rec) })
}

// Replay calls fn for every segment record with Seq > from, in order.
func (w *WAL) Replay(from uint64, fn func(Record) error) error {
	segs, err := w.snapshotSegments()
	if err != nil {
		return err
	}
	for i, seg := range segs {
		if i+1 < len(segs) && segs[i+1].first <= from+1 {
			continue
		}
		err := readFile(seg.path, true, func(rec Record) error {
			if rec.Seq <= from {
				return nil
			}
			return fn(rec)
		})
		if err != nil {
			return fmt.Errorf("WAL replay %s: %w", filepath.Base(seg.path), err)
		}
	}
	return nil
}

// ReadRange returns records with from <= Seq <= to. It fails with
// ErrNotFound when from precedes the oldest retained segment.
func (w *WAL) ReadRange(from, to uint64) ([]Record, error) {
	segs, err := w.snapshotSegments()
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 || from < segs[0].first {
		return nil, fmt.Errorf("%w: seq %d not in log", dberrors.ErrNotFound, from)
	}
	var out []Record
	stop := errors.New("stop")
	for i, seg := range segs {
		if i+1 < len(segs) && segs[i+1].first <= from {
			continue
		}
		if seg.first > to {
			break
		}
		err := readFile(seg.path, false, func(rec Record) error {
			if rec.Seq > to {
				return stop
			}
			if rec.Seq >= from {
				out = append(out, rec)
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			return nil, err
		}
	}
	return out, nil
}

func (w *WAL) snapshotSegments() ([]segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, dberrors.ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush WAL before read: %w", err)
	}
	return append([]segment(nil), w.segments...), nil
}

// readFile decodes framed records from path. With strict set a bad frame is
// corruption; otherwise reading stops quietly at it (the tail may be in flight).
func readFile(path string, strict bool, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	br := bufio.NewReader(f)
	for {
		payload, err := readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if !strict {
				return nil
			}
			if errors.Is(err, errShortFrame) {
				return fmt.Errorf("%w: truncated record", dberrors.ErrCorruption)
			}
			return err
		}
		rec, err := Decode(payload)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Size is the total size in bytes of the base file and all segments.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	paths := make([]string, 0, len(w.segments)+1)
	for _, s := range w.segments {
		paths = append(paths, s.path)
	}
	if w.hasBase {
		paths = append(paths, w.basePath(w.baseSeq))
	}
	w.mu.Unlock()

	var total int64
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil {
			total += st.Size()
		}
	}
	return total
}

// BeginRewrite starts a new segment so that every record up to the returned
// sequence number lives in older files. The caller captures the state at that
// sequence number and passes it to CompleteRewrite.
func (w *WAL) BeginRewrite() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, dberrors.ErrClosed
	}
	if w.written > 0 {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return w.lastSeq, nil
}

// CompleteRewrite writes a base file at seq from the records produced by gen
// and removes the files it supersedes. Appends may continue concurrently.
func (w *WAL) CompleteRewrite(seq uint64, gen func(emit func(Record) error) error) error {
	final := w.basePath(seq)
	tmp := final + tmpExt

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create base file: %w", err)
	}
	bw := bufio.NewWriter(f)
	werr := gen(func(rec Record) error {
		payload, err := Encode(rec)
		if err != nil {
			return err
		}
		_, err = bw.Write(frame(payload))
		return err
	})
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
		return fmt.Errorf("write base file: %w", werr)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("install base file: %w", err)
	}

	w.mu.Lock()
	oldBase, hadBase := w.baseSeq, w.hasBase
	w.baseSeq, w.hasBase = seq, true
	removed := w.dropSegmentsLocked(seq)
	w.mu.Unlock()

	if hadBase && oldBase != seq {
		removed = append(removed, w.basePath(oldBase))
	}
	for _, p := range removed {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove superseded WAL file", "path", p, "error", err)
		}
	}
	syncDir(w.opts.Dir)
	return nil
}

// TruncateBefore drops segments whose records all have Seq <= seq.
func (w *WAL) TruncateBefore(seq uint64) error {
	w.mu.Lock()
	removed := w.dropSegmentsLocked(seq)
	w.mu.Unlock()

	for _, p := range removed {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove WAL segment: %w", err)
		}
	}
	return nil
}

// dropSegmentsLocked never drops the active (last) segment.
func (w *WAL) dropSegmentsLocked(seq uint64) []string {
	var removed []string
	keep := w.segments[:0]
	for i, s := range w.segments {
		if i+1 < len(w.segments) && w.segments[i+1].first <= seq+1 {
			removed = append(removed, s.path)
			continue
		}
		keep = append(keep, s)
	}
	w.segments = keep
	return removed
}

// Reset discards the whole log and continues after seq. Used when the
// partition state is replaced wholesale.
func (w *WAL) Reset(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return dberrors.ErrClosed
	}

	if err := w.active.Close(); err != nil {
		slog.Warn("failed to close WAL segment on reset", "error", err)
	}
	for _, s := range w.segments {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove WAL segment: %w", err)
		}
	}
	if w.hasBase {
		if err := os.Remove(w.basePath(w.baseSeq)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove base file: %w", err)
		}
	}
	w.segments = nil
	w.hasBase = false
	w.baseSeq = 0
	w.lastSeq = seq
	w.dirty = false
	return w.openSegment(seq + 1)
}

func (w *WAL) Close() error {
	if w.flusher != nil {
		w.flusher.Stop()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.dirty = true
	if err := w.syncLocked(); err != nil {
		return fmt.Errorf("failed to flush WAL on close: %w", err)
	}
	if err := w.active.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
