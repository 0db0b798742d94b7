package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TylerJang27/bazel-bep/event"
)

// Status converts err into the gRPC status reported to the client.
//
//   - errors carrying a gRPC status (see status.FromError) keep it verbatim;
//   - context cancellation and deadlines map through status.FromContextError;
//   - protocol violations and payload decode failures are InvalidArgument;
//   - anything else is Unknown with the error text as message.
//
// Status returns an OK status for a nil error.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if s, ok := status.FromError(err); ok {
		return s
	}
	var decErr *event.DecodeError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err)
	case errors.Is(err, event.ErrProtocolViolation), errors.As(err, &decErr):
		return status.New(codes.InvalidArgument, err.Error())
	default:
		return status.New(codes.Unknown, err.Error())
	}
}
