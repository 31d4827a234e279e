package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"memkv/pkg/dberrors"
)

// Record is one entry of a partition's operation log. Replaying records in
// sequence order reproduces the partition state; applying a record never
// depends on anything but its own fields.
type Record struct {
	Seq       uint64   `cbor:"1,keyasint"`
	Timestamp int64    `cbor:"2,keyasint"`
	Op        string   `cbor:"3,keyasint"`
	Key       string   `cbor:"4,keyasint,omitempty"`
	Args      [][]byte `cbor:"5,keyasint,omitempty"`
	Token     string   `cbor:"6,keyasint,omitempty"`
}

const (
	frameHeaderSize = 8
	maxFrameSize    = 1 << 30
)

var errShortFrame = errors.New("short frame")

// Encode serializes the record payload without framing.
func Encode(rec Record) ([]byte, error) {
	if len(rec.Op) > math.MaxUint8 {
		return nil, fmt.Errorf("op too long: %d", len(rec.Op))
	}
	if len(rec.Token) > math.MaxUint16 {
		return nil, fmt.Errorf("token too long: %d", len(rec.Token))
	}

	size := 8 + 8 + 1 + len(rec.Op) + 4 + len(rec.Key) + 4 + 2 + len(rec.Token)
	for _, a := range rec.Args {
		size += 4 + len(a)
	}
	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint64(buf, rec.Seq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Timestamp))
	buf = append(buf, uint8(len(rec.Op)))
	buf = append(buf, rec.Op...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Key)))
	buf = append(buf, rec.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Args)))
	for _, a := range rec.Args {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a)))
		buf = append(buf, a...)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.Token)))
	buf = append(buf, rec.Token...)

	return buf, nil
}

// Decode parses a payload produced by Encode.
func Decode(b []byte) (Record, error) {
	var (
		rec Record
		r   = reader{b: b}
	)
	rec.Seq = r.u64()
	rec.Timestamp = int64(r.u64())
	rec.Op = string(r.bytes(int(r.u8())))
	rec.Key = string(r.bytes(int(r.u32())))
	n := int(r.u32())
	if r.err == nil && n > len(b) {
		return rec, fmt.Errorf("%w: arg count %d", dberrors.ErrCorruption, n)
	}
	if n > 0 {
		rec.Args = make([][]byte, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		a := r.bytes(int(r.u32()))
		rec.Args = append(rec.Args, append([]byte(nil), a...))
	}
	rec.Token = string(r.bytes(int(r.u16())))

	if r.err != nil {
		return rec, fmt.Errorf("%w: %v", dberrors.ErrCorruption, r.err)
	}
	return rec, nil
}

// frame prefixes the payload with its length and crc32.
func frame(payload []byte) []byte {
	out := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[4:8], crc32.ChecksumIEEE(payload))
	return append(out, payload...)
}

// readFrame returns io.EOF at a clean end and errShortFrame or ErrCorruption on a bad tail.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		return nil, errShortFrame
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d", dberrors.ErrCorruption, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errShortFrame
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", dberrors.ErrCorruption)
	}
	return payload, nil
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = errShortFrame
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) bytes(n int) []byte {
	return r.take(n)
}
