package server

import (
	"context"

	"github.com/google/uuid"
	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/TylerJang27/bazel-bep/handler"
)

// PublishBuildToolEventStream handles a stream of tool events. Events are
// processed by a worker goroutine and acknowledged in inbound order.
//
// gRPC carries a single terminal status per call, so a failed event produces
// no response: the events that follow it are still acknowledged and the call
// ends with the status of the first failure. With WithAbortOnError the call
// ends at the first failure instead. When the inbound stream fails, the
// acknowledgments already queued are sent before the call returns.
func (s *Service) PublishBuildToolEventStream(stream build.PublishBuildEvent_PublishBuildToolEventStreamServer) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	callID := uuid.NewString()
	ctx = log.With(ctx, log.KV{K: "bep.call", V: callID})
	ctx, span := s.opts.tracer.Start(ctx, "bep.PublishBuildToolEventStream", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes("bep.call", callID)

	acks := make(chan Ack, s.opts.queueSize)
	done := make(chan error, 1)
	go func() {
		done <- s.Process(ctx, stream, acks)
	}()

	var (
		sent     int
		firstErr error
	)
	for ack := range acks {
		if err := ack.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if s.opts.abortOnError {
				break
			}
			continue
		}
		if err := stream.Send(ack.Response); err != nil {
			// The worker may be blocked in Recv or in the handler: cancel
			// it and return without waiting.
			s.opts.logger.Warn(ctx, "send failed", "err", err, "sent", sent)
			span.RecordError(err)
			span.SetStatus(codes.Error, "send")
			return err
		}
		sent++
		s.opts.metrics.IncCounter(MetricAcksSent, 1)
	}
	if firstErr != nil {
		span.SetStatus(codes.Error, firstErr.Error())
		s.opts.logger.Info(ctx, "stream closed", "sent", sent, "err", firstErr)
		return firstErr
	}

	if err := <-done; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.opts.logger.Warn(ctx, "stream aborted", "sent", sent, "err", err)
		return handler.Status(err).Err()
	}
	span.SetStatus(codes.Ok, "")
	s.opts.logger.Info(ctx, "stream closed", "sent", sent)
	return nil
}
