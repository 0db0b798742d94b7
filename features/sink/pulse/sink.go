// Package pulse routes build events to goa.design/pulse streams backed by
// Redis. Sink is an asynchronous handler publishing one JSON envelope per
// event; Subscriber reads them back.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/TylerJang27/bazel-bep/event"
	"github.com/TylerJang27/bazel-bep/features/sink/pulse/clients/pulse"
	"github.com/TylerJang27/bazel-bep/handler"
	"github.com/TylerJang27/bazel-bep/telemetry"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the envelopes. Required.
		Client pulse.Client
		// StreamName derives the target stream from an event. Defaults to
		// "bep/<build_id>".
		StreamName func(*event.Event) (string, error)
		// MarshalEnvelope overrides the envelope serialization.
		MarshalEnvelope func(*Envelope) ([]byte, error)
		// Detach publishes with a context that is not canceled with the
		// RPC but keeps its values (logger, span). Combine with a client
		// OperationTimeout.
		Detach bool
		// Logger reports publish failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Sink publishes build events to Pulse streams. It implements
	// handler.AsyncHandler and is safe for concurrent use.
	Sink struct {
		client     pulse.Client
		streamName func(*event.Event) (string, error)
		marshal    func(*Envelope) ([]byte, error)
		detach     bool
		logger     telemetry.Logger
	}

	// Envelope is the JSON document written for each build event.
	Envelope struct {
		// Kind is the event kind, for example "bazel_event".
		Kind string `json:"kind"`
		// BuildID, InvocationID and Component identify the event stream.
		BuildID      string `json:"build_id"`
		InvocationID string `json:"invocation_id"`
		Component    string `json:"component"`
		// SequenceNumber is the position of the event in its stream.
		SequenceNumber int64 `json:"sequence_number"`
		// EventTime is set for lifecycle events only.
		EventTime *time.Time `json:"event_time,omitempty"`
		// PublishedAt records when the sink wrote the entry (UTC).
		PublishedAt time.Time `json:"published_at"`
		// Event is the binary encoding of the build event envelope.
		Event []byte `json:"event"`
		// Payload is the JSON encoding of the decoded payload, if any.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

var _ handler.AsyncHandler = (*Sink)(nil)

// NewSink returns a Pulse sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:     opts.Client,
		streamName: DefaultStreamName,
		marshal:    func(env *Envelope) ([]byte, error) { return json.Marshal(env) },
		detach:     opts.Detach,
		logger:     opts.Logger,
	}
	if opts.StreamName != nil {
		s.streamName = opts.StreamName
	}
	if opts.MarshalEnvelope != nil {
		s.marshal = opts.MarshalEnvelope
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	return s, nil
}

// DefaultStreamName returns "bep/<build_id>".
func DefaultStreamName(ev *event.Event) (string, error) {
	if ev.StreamID.BuildID == "" {
		return "", errors.New("event has no build id")
	}
	return "bep/" + ev.StreamID.BuildID, nil
}

// HandleEventAsync publishes ev on a new goroutine. The outcome acknowledges
// the event under its own stream id once the entry is written.
func (s *Sink) HandleEventAsync(ctx context.Context, ev *event.Event) <-chan handler.Outcome {
	if s.detach {
		ctx = context.WithoutCancel(ctx)
	}
	return handler.Go(func() (event.StreamID, error) {
		if _, err := s.Publish(ctx, ev); err != nil {
			s.logger.Error(ctx, "pulse publish failed", "stream", ev.StreamID.String(), "seq", ev.SequenceNumber, "err", err)
			return event.StreamID{}, err
		}
		return ev.StreamID, nil
	})
}

// Publish writes ev to its stream and returns the Redis entry id.
func (s *Sink) Publish(ctx context.Context, ev *event.Event) (string, error) {
	name, err := s.streamName(ev)
	if err != nil {
		return "", err
	}
	env, err := NewEnvelope(ev)
	if err != nil {
		return "", err
	}
	body, err := s.marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return "", err
	}
	return str.Add(ctx, env.Kind, body)
}

// Close releases the client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// NewEnvelope builds the envelope of ev.
func NewEnvelope(ev *event.Event) (*Envelope, error) {
	env := &Envelope{
		Kind:           ev.Kind.String(),
		BuildID:        ev.StreamID.BuildID,
		InvocationID:   ev.StreamID.InvocationID,
		Component:      ev.StreamID.Component.String(),
		SequenceNumber: ev.SequenceNumber,
		PublishedAt:    time.Now().UTC(),
	}
	if ev.HasTime() {
		t := ev.Time.UTC()
		env.EventTime = &t
	}
	if ev.Envelope != nil {
		b, err := proto.Marshal(ev.Envelope)
		if err != nil {
			return nil, fmt.Errorf("marshal build event: %w", err)
		}
		env.Event = b
	}
	if ev.Payload != nil {
		b, err := protojson.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = b
	}
	return env, nil
}
