package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"goa.design/clue/log"
	"google.golang.org/grpc/status"

	"github.com/TylerJang27/bazel-bep/event"
	"github.com/TylerJang27/bazel-bep/handler"
)

type (
	// Source yields the inbound requests of a streaming call. Recv returns
	// io.EOF once the client has finished sending.
	Source interface {
		Recv() (*build.PublishBuildToolEventStreamRequest, error)
	}

	// Ack is the outcome of one inbound event: either the response to send
	// or the status describing why the event failed.
	Ack struct {
		Response *build.PublishBuildToolEventStreamResponse
		Status   *status.Status
	}
)

// Err returns the error carried by the acknowledgment, if any.
func (a Ack) Err() error {
	if a.Status == nil {
		return nil
	}
	return a.Status.Err()
}

// Process consumes src until it ends, producing exactly one Ack per inbound
// request on out, in inbound order. It closes out before returning.
//
// Sending on out blocks while the queue is full. Process returns nil once src
// reports io.EOF, the wrapped receive error if src fails, and ctx.Err() if the
// context ends while it waits. Unless WithAbortOnError is set, a failed event
// does not stop processing of the events that follow it.
func (s *Service) Process(ctx context.Context, src Source, out chan<- Ack) error {
	defer close(out)
	var seen bool
	for {
		req, err := src.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		ev, err := event.FromToolStream(req, s.opts.decoder)
		var ack Ack
		switch {
		case err != nil:
			s.reject(ctx, rpcStream, err)
			ack = Ack{Status: handler.Status(err)}
		default:
			if !seen {
				seen = true
				ctx = s.recordStream(ctx, ev.StreamID)
			}
			ack = s.acknowledge(ctx, ev)
		}

		select {
		case out <- ack:
			s.opts.metrics.RecordGauge(MetricQueueDepth, float64(len(out)))
		case <-ctx.Done():
			return ctx.Err()
		}
		if ack.Status != nil && s.opts.abortOnError {
			return nil
		}
	}
}

// acknowledge invokes the handler and builds the Ack for ev. Tool stream
// events are handed to the handler without a timestamp.
func (s *Service) acknowledge(ctx context.Context, ev *event.Event) Ack {
	id, err := s.invoke(ctx, rpcStream, ev)
	if err != nil {
		return Ack{Status: handler.Status(err)}
	}
	return Ack{Response: &build.PublishBuildToolEventStreamResponse{
		StreamId:       id.Proto(),
		SequenceNumber: ev.SequenceNumber,
	}}
}

// recordStream attaches the stream id of the first event of a call to the
// logging context and the call span.
func (s *Service) recordStream(ctx context.Context, id event.StreamID) context.Context {
	s.opts.tracer.Span(ctx).SetAttributes(
		"bep.build_id", id.BuildID,
		"bep.invocation_id", id.InvocationID,
		"bep.component", id.Component.String(),
	)
	ctx = log.With(ctx, log.KV{K: "bep.stream", V: id.String()})
	s.opts.logger.Info(ctx, "stream opened", "stream", id.String())
	return ctx
}
