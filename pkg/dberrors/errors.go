package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("memkv: not found")
	ErrClosed          = errors.New("memkv: closed")
	ErrInvalidArgument = errors.New("memkv: invalid argument")
	ErrWrongType       = errors.New("memkv: operation against a key holding the wrong kind of value")
	ErrOutOfRange      = errors.New("memkv: value out of range")
	ErrCapacity        = errors.New("memkv: memory limit reached")
	ErrTimeout         = errors.New("memkv: timed out waiting for acknowledgments, outcome unknown")
	ErrReplicationLag  = errors.New("memkv: replica lags behind primary")
	ErrCorruption      = errors.New("memkv: data corruption")
	ErrNotPrimary      = errors.New("memkv: node is not primary for partition")
	ErrUnknownCommand  = errors.New("memkv: unknown command")
)

// ErrNotInteger is returned by numeric commands on non-numeric strings.
var ErrNotInteger = fmt.Errorf("%w: value is not an integer", ErrWrongType)

// RedirectError tells the caller that the key lives on another node.
type RedirectError struct {
	Addr        string
	Partition   string
	RingVersion uint64
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("memkv: moved to %s (partition %s, ring v%d)", e.Addr, e.Partition, e.RingVersion)
}

// GapError is returned by a replica that received records beyond its applied
// position. The primary must retransmit from Applied+1.
type GapError struct {
	Applied uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("memkv: replication gap, applied up to %d", e.Applied)
}

// AsRedirect unwraps a redirect from err.
func AsRedirect(err error) (*RedirectError, bool) {
	var re *RedirectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
