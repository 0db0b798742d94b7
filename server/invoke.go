package server

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TylerJang27/bazel-bep/event"
)

const (
	rpcLifecycle = "lifecycle"
	rpcStream    = "stream"
)

// invoke runs the handler on ev inside a span, honoring the rate limiter and
// recording latency and failures.
func (s *Service) invoke(ctx context.Context, rpc string, ev *event.Event) (event.StreamID, error) {
	ctx, span := s.opts.tracer.Start(ctx, "bep.event", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		"bep.rpc", rpc,
		"bep.kind", ev.Kind.String(),
		"bep.sequence_number", ev.SequenceNumber,
	)
	kind := ev.Kind.String()
	s.opts.metrics.IncCounter(MetricEventsReceived, 1, "rpc", rpc, "kind", kind)

	if s.opts.limiter != nil {
		if err := s.opts.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limit wait")
			return event.StreamID{}, err
		}
	}

	start := time.Now()
	id, err := s.handler.HandleEvent(ctx, ev)
	s.opts.metrics.RecordTimer(MetricHandlerDuration, time.Since(start), "rpc", rpc, "kind", kind)
	if err != nil {
		s.opts.metrics.IncCounter(MetricHandlerFailures, 1, "rpc", rpc, "kind", kind)
		s.opts.logger.Warn(ctx, "handler failed",
			"stream", ev.StreamID.String(),
			"seq", ev.SequenceNumber,
			"kind", kind,
			"err", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return event.StreamID{}, err
	}
	span.SetStatus(codes.Ok, "")
	return id, nil
}

// reject records a request that could not be turned into an event.
func (s *Service) reject(ctx context.Context, rpc string, err error) {
	s.opts.metrics.IncCounter(MetricEventsRejected, 1, "rpc", rpc)
	s.opts.logger.Warn(ctx, "rejected request", "rpc", rpc, "err", err)
}
