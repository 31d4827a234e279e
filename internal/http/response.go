package http

import (
	"errors"
	"net/http"

	"memkv/pkg/command"
	"memkv/pkg/dberrors"
	"memkv/pkg/replication"
	"memkv/pkg/rpc"
)

func NewOKResponse() rpc.Response {
	return rpc.Response{Status: rpc.StatusOK}
}

func NewSuccessResponse() rpc.Response {
	return rpc.Response{Status: rpc.StatusSuccess}
}

func NewReplyResponse(reply command.Reply) rpc.Response {
	return rpc.Response{Status: rpc.StatusSuccess, Reply: &reply}
}

func NewErrorResponse(err error) rpc.Response {
	return rpc.Response{Status: rpc.StatusError, Error: err.Error(), Code: rpc.ErrorCode(err)}
}

func NewRedirectResponse(re *dberrors.RedirectError) rpc.Response {
	return rpc.Response{
		Status:   rpc.StatusRedirect,
		Error:    re.Error(),
		Redirect: &rpc.Redirect{Addr: re.Addr, Partition: re.Partition, RingVersion: re.RingVersion},
	}
}

// statusOf maps an error onto the HTTP status the node answers with.
func statusOf(err error) int {
	var gap *dberrors.GapError
	switch {
	case errors.As(err, &gap):
		return replication.StatusGap
	case errors.Is(err, replication.ErrStalePrimary):
		return replication.StatusStale
	case errors.Is(err, dberrors.ErrInvalidArgument), errors.Is(err, dberrors.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrWrongType), errors.Is(err, dberrors.ErrOutOfRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, dberrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dberrors.ErrNotPrimary):
		return http.StatusMisdirectedRequest
	case errors.Is(err, dberrors.ErrReplicationLag), errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
