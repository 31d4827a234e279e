package rpc

import (
	"errors"
	"fmt"

	"memkv/pkg/dberrors"
)

// codes name the error kinds that survive a trip over the wire.
var codes = []struct {
	code string
	err  error
}{
	{"not_found", dberrors.ErrNotFound},
	{"closed", dberrors.ErrClosed},
	{"invalid_argument", dberrors.ErrInvalidArgument},
	{"unknown_command", dberrors.ErrUnknownCommand},
	{"wrong_type", dberrors.ErrWrongType},
	{"out_of_range", dberrors.ErrOutOfRange},
	{"capacity", dberrors.ErrCapacity},
	{"timeout", dberrors.ErrTimeout},
	{"replication_lag", dberrors.ErrReplicationLag},
	{"corruption", dberrors.ErrCorruption},
	{"not_primary", dberrors.ErrNotPrimary},
}

// ErrorCode returns the wire code of err, or "" for errors without one.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// RemoteError is an error reported by a node.
type RemoteError struct {
	Code    string
	Message string
	kind    error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.kind }

func remoteError(code, msg string, status int) error {
	if msg == "" {
		msg = fmt.Sprintf("remote error, status %d", status)
	}
	re := &RemoteError{Code: code, Message: msg}
	for _, c := range codes {
		if c.code == code {
			re.kind = c.err
			break
		}
	}
	return re
}
