// Package client publishes build events to a Build Event Protocol service.
package client

import (
	"context"
	"fmt"
	"time"

	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/TylerJang27/bazel-bep/event"
)

type (
	// Publisher sends lifecycle events and opens tool event streams.
	Publisher struct {
		client    build.PublishBuildEventClient
		projectID string
	}

	// Option configures a Publisher.
	Option func(*Publisher)

	// ToolStream is an open PublishBuildToolEventStream call.
	ToolStream struct {
		stream build.PublishBuildEvent_PublishBuildToolEventStreamClient
		id     event.StreamID
	}
)

// WithProjectID sets the project id attached to every request.
func WithProjectID(id string) Option {
	return func(p *Publisher) { p.projectID = id }
}

// New returns a Publisher using conn.
func New(conn grpc.ClientConnInterface, opts ...Option) *Publisher {
	p := &Publisher{client: build.NewPublishBuildEventClient(conn)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishLifecycle sends ev as event seq of stream id, timestamped at.
func (p *Publisher) PublishLifecycle(ctx context.Context, id event.StreamID, seq int64, at time.Time, ev *build.BuildEvent) error {
	if ev == nil {
		ev = &build.BuildEvent{}
	} else {
		ev = proto.Clone(ev).(*build.BuildEvent)
	}
	ev.EventTime = timestamppb.New(at)
	_, err := p.client.PublishLifecycleEvent(ctx, &build.PublishLifecycleEventRequest{
		ProjectId: p.projectID,
		BuildEvent: &build.OrderedBuildEvent{
			StreamId:       id.Proto(),
			SequenceNumber: seq,
			Event:          ev,
		},
	})
	if err != nil {
		return fmt.Errorf("publish lifecycle event %d: %w", seq, err)
	}
	return nil
}

// OpenStream starts a tool event stream for id. Canceling ctx aborts the
// call.
func (p *Publisher) OpenStream(ctx context.Context, id event.StreamID) (*ToolStream, error) {
	stream, err := p.client.PublishBuildToolEventStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open tool event stream: %w", err)
	}
	return &ToolStream{stream: stream, id: id}, nil
}

// Send publishes ev as event seq of the stream. It returns io.EOF when the
// server has ended the call; Recv then reports the final status.
func (s *ToolStream) Send(seq int64, ev *build.BuildEvent) error {
	return s.stream.Send(&build.PublishBuildToolEventStreamRequest{
		OrderedBuildEvent: &build.OrderedBuildEvent{
			StreamId:       s.id.Proto(),
			SequenceNumber: seq,
			Event:          ev,
		},
	})
}

// Recv returns the next acknowledgment: the stream id echoed by the server
// and the acknowledged sequence number. It returns io.EOF once the server has
// acknowledged everything and closed the call cleanly.
func (s *ToolStream) Recv() (event.StreamID, int64, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return event.StreamID{}, 0, err
	}
	id, err := event.StreamIDFromProto(resp.GetStreamId())
	if err != nil {
		return event.StreamID{}, 0, err
	}
	return id, resp.GetSequenceNumber(), nil
}

// CloseSend signals that no more events will be sent.
func (s *ToolStream) CloseSend() error {
	return s.stream.CloseSend()
}

// PackBazelEvent wraps msg in a bazel_event build event envelope.
func PackBazelEvent(msg proto.Message) (*build.BuildEvent, error) {
	payload, err := anypb.New(msg)
	if err != nil {
		return nil, fmt.Errorf("pack bazel event: %w", err)
	}
	return &build.BuildEvent{Event: &build.BuildEvent_BazelEvent{BazelEvent: payload}}, nil
}
