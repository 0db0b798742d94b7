package server

import (
	"context"

	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/TylerJang27/bazel-bep/event"
	"github.com/TylerJang27/bazel-bep/handler"
)

// PublishLifecycleEvent handles a build lifecycle event. Requests without a
// populated event succeed without invoking the handler. Malformed requests
// are rejected with InvalidArgument and handler failures are returned as
// their status. The caller owns retries.
//
// Events whose kind belongs on the tool stream are still handed to the
// handler, but are logged and counted as unexpected.
func (s *Service) PublishLifecycleEvent(ctx context.Context, req *build.PublishLifecycleEventRequest) (*emptypb.Empty, error) {
	ev, err := event.FromLifecycle(req, s.opts.decoder)
	if err != nil {
		s.reject(ctx, rpcLifecycle, err)
		return nil, handler.Status(err).Err()
	}
	if ev == nil {
		return &emptypb.Empty{}, nil
	}
	s.opts.logger.Debug(ctx, "lifecycle event",
		"stream", ev.StreamID.String(),
		"seq", ev.SequenceNumber,
		"kind", ev.Kind.String(),
		"project", req.GetProjectId(),
	)
	if !ev.Kind.Lifecycle() {
		s.opts.metrics.IncCounter(MetricUnexpectedKind, 1, "rpc", rpcLifecycle, "kind", ev.Kind.String())
		s.opts.logger.Warn(ctx, "unexpected event kind on lifecycle rpc",
			"stream", ev.StreamID.String(),
			"kind", ev.Kind.String(),
		)
	}
	if _, err := s.invoke(ctx, rpcLifecycle, ev); err != nil {
		return nil, handler.Status(err).Err()
	}
	return &emptypb.Empty{}, nil
}
