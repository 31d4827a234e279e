package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/fxamacker/cbor/v2"

	"memkv/pkg/compression"
	"memkv/pkg/dberrors"
	"memkv/pkg/tvs"
)

// On-disk layout:
//
//	magic[8] | version u8 | codec u8 | seq u64 | replIDLen u8 | replID
//	compressed cbor stream of items, ending with a footer item
//	crc32 u32 over everything before it
const (
	magic   = "MKVSNAP1"
	version = 1
)

// Header identifies the log position a snapshot covers.
type Header struct {
	Seq    uint64
	ReplID string
	Codec  compression.Codec
}

type item struct {
	Key      string    `cbor:"1,keyasint,omitempty"`
	Kind     uint8     `cbor:"2,keyasint,omitempty"`
	ExpireAt int64     `cbor:"3,keyasint,omitempty"`
	Items    [][]byte  `cbor:"4,keyasint,omitempty"`
	Scores   []float64 `cbor:"5,keyasint,omitempty"`
	// set only on the footer
	Count uint64 `cbor:"6,keyasint,omitempty"`
	End   bool   `cbor:"7,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := (cbor.DecOptions{MaxArrayElements: 1 << 27}).DecMode()
	if err != nil {
		panic(err)
	}
	encMode, decMode = em, dm
}

// Write serializes view to w and returns the number of bytes written.
func Write(w io.Writer, hdr Header, view *tvs.View) (int64, error) {
	if len(hdr.ReplID) > 255 {
		return 0, fmt.Errorf("%w: replication id too long", dberrors.ErrInvalidArgument)
	}
	crc := crc32.NewIEEE()
	cnt := compression.NewCounter(io.MultiWriter(w, crc))

	h := make([]byte, 0, 32)
	h = append(h, magic...)
	h = append(h, version, uint8(hdr.Codec))
	h = binary.LittleEndian.AppendUint64(h, hdr.Seq)
	h = append(h, uint8(len(hdr.ReplID)))
	h = append(h, hdr.ReplID...)
	if _, err := cnt.Write(h); err != nil {
		return cnt.Count(), err
	}

	zw, err := compression.NewWriter(hdr.Codec, cnt)
	if err != nil {
		return cnt.Count(), err
	}
	bw := bufio.NewWriterSize(zw, 64<<10)
	enc := encMode.NewEncoder(bw)

	var (
		count uint64
		ierr  error
	)
	view.Ascend(func(e tvs.Entry) bool {
		it, err := toItem(e)
		if err == nil {
			err = enc.Encode(it)
		}
		if err != nil {
			ierr = err
			return false
		}
		count++
		return true
	})
	if ierr != nil {
		return cnt.Count(), fmt.Errorf("encode snapshot entry: %w", ierr)
	}
	if err := enc.Encode(item{End: true, Count: count}); err != nil {
		return cnt.Count(), fmt.Errorf("encode snapshot footer: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return cnt.Count(), err
	}
	if err := zw.Close(); err != nil {
		return cnt.Count(), err
	}

	sum := binary.LittleEndian.AppendUint32(nil, crc.Sum32())
	n, err := w.Write(sum)
	return cnt.Count() + int64(n), err
}

// Verify checks the trailing checksum of a complete snapshot image of the given size.
func Verify(r io.ReaderAt, size int64) error {
	if size < int64(len(magic))+4 {
		return fmt.Errorf("%w: snapshot too short", dberrors.ErrCorruption)
	}
	crc := crc32.NewIEEE()
	if _, err := io.Copy(crc, io.NewSectionReader(r, 0, size-4)); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var tail [4]byte
	if _, err := r.ReadAt(tail[:], size-4); err != nil {
		return fmt.Errorf("read snapshot trailer: %w", err)
	}
	if binary.LittleEndian.Uint32(tail[:]) != crc.Sum32() {
		return fmt.Errorf("%w: snapshot checksum mismatch", dberrors.ErrCorruption)
	}
	return nil
}

// Read decodes a verified snapshot image of the given size and calls fn for every entry.
func Read(r io.ReaderAt, size int64, fn func(tvs.Entry) error) (Header, error) {
	var hdr Header
	sr := io.NewSectionReader(r, 0, size-4)
	br := bufio.NewReader(sr)

	fixed := make([]byte, len(magic)+2+8+1)
	if _, err := io.ReadFull(br, fixed); err != nil {
		return hdr, fmt.Errorf("%w: snapshot header: %v", dberrors.ErrCorruption, err)
	}
	if string(fixed[:len(magic)]) != magic {
		return hdr, fmt.Errorf("%w: bad snapshot magic", dberrors.ErrCorruption)
	}
	off := len(magic)
	if fixed[off] != version {
		return hdr, fmt.Errorf("%w: unsupported snapshot version %d", dberrors.ErrCorruption, fixed[off])
	}
	hdr.Codec = compression.Codec(fixed[off+1])
	hdr.Seq = binary.LittleEndian.Uint64(fixed[off+2:])
	idLen := int(fixed[off+10])
	if idLen > 0 {
		id := make([]byte, idLen)
		if _, err := io.ReadFull(br, id); err != nil {
			return hdr, fmt.Errorf("%w: snapshot header: %v", dberrors.ErrCorruption, err)
		}
		hdr.ReplID = string(id)
	}

	zr, err := compression.NewReader(hdr.Codec, br)
	if err != nil {
		return hdr, fmt.Errorf("%w: %v", dberrors.ErrCorruption, err)
	}
	defer zr.Close()

	dec := decMode.NewDecoder(zr)
	var count uint64
	for {
		var it item
		if err := dec.Decode(&it); err != nil {
			if errors.Is(err, io.EOF) {
				return hdr, fmt.Errorf("%w: snapshot missing footer", dberrors.ErrCorruption)
			}
			return hdr, fmt.Errorf("%w: decode snapshot: %v", dberrors.ErrCorruption, err)
		}
		if it.End {
			if it.Count != count {
				return hdr, fmt.Errorf("%w: snapshot has %d entries, footer says %d", dberrors.ErrCorruption, count, it.Count)
			}
			return hdr, nil
		}
		e, err := fromItem(it)
		if err != nil {
			return hdr, err
		}
		if err := fn(e); err != nil {
			return hdr, err
		}
		count++
	}
}

func toItem(e tvs.Entry) (item, error) {
	it := item{Key: e.Key, Kind: uint8(e.Value.Kind()), ExpireAt: e.ExpireAt}
	switch v := e.Value.(type) {
	case *tvs.String:
		it.Items = [][]byte{v.Bytes()}
	case *tvs.Hash:
		for _, fv := range v.Fields() {
			it.Items = append(it.Items, []byte(fv.Field), fv.Value)
		}
	case *tvs.List:
		it.Items = v.Items()
	case *tvs.Set:
		for _, m := range v.Members() {
			it.Items = append(it.Items, []byte(m))
		}
	case *tvs.ZSet:
		for _, m := range v.Members() {
			it.Items = append(it.Items, []byte(m.Member))
			it.Scores = append(it.Scores, m.Score)
		}
	default:
		return it, fmt.Errorf("snapshot: unknown value type %T", e.Value)
	}
	return it, nil
}

func fromItem(it item) (tvs.Entry, error) {
	e := tvs.Entry{Key: it.Key, ExpireAt: it.ExpireAt}
	switch tvs.Kind(it.Kind) {
	case tvs.KindString:
		if len(it.Items) != 1 {
			return e, fmt.Errorf("%w: string entry %q", dberrors.ErrCorruption, it.Key)
		}
		e.Value = tvs.NewString(it.Items[0])
	case tvs.KindHash:
		if len(it.Items)%2 != 0 {
			return e, fmt.Errorf("%w: hash entry %q", dberrors.ErrCorruption, it.Key)
		}
		fields := make([]tvs.FieldValue, 0, len(it.Items)/2)
		for i := 0; i < len(it.Items); i += 2 {
			fields = append(fields, tvs.FieldValue{Field: string(it.Items[i]), Value: it.Items[i+1]})
		}
		e.Value = tvs.NewHashFrom(fields)
	case tvs.KindList:
		e.Value = tvs.NewListFrom(it.Items)
	case tvs.KindSet:
		members := make([]string, len(it.Items))
		for i, m := range it.Items {
			members[i] = string(m)
		}
		e.Value = tvs.NewSetFrom(members)
	case tvs.KindZSet:
		if len(it.Scores) != len(it.Items) {
			return e, fmt.Errorf("%w: zset entry %q", dberrors.ErrCorruption, it.Key)
		}
		members := make([]tvs.ScoredMember, len(it.Items))
		for i, m := range it.Items {
			members[i] = tvs.ScoredMember{Member: string(m), Score: it.Scores[i]}
		}
		e.Value = tvs.NewZSetFrom(members)
	default:
		return e, fmt.Errorf("%w: unknown kind %d for %q", dberrors.ErrCorruption, it.Kind, it.Key)
	}
	return e, nil
}
