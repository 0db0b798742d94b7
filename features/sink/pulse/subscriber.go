package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	streamopts "goa.design/pulse/streaming/options"
	"google.golang.org/protobuf/proto"

	"github.com/TylerJang27/bazel-bep/features/sink/pulse/clients/pulse"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads the streams. Required.
		Client pulse.Client
		// SinkName names the Pulse consumer group. Defaults to "bep_subscriber".
		SinkName string
		// Buffer is the capacity of the envelope channel. Defaults to 64.
		Buffer int
	}

	// Subscriber reads build event envelopes from Pulse streams.
	Subscriber struct {
		client pulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{client: opts.Client, name: opts.SinkName, buffer: opts.Buffer}
	if s.name == "" {
		s.name = "bep_subscriber"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	return s, nil
}

// Subscribe opens a consumer group on the named stream and emits every
// envelope read from it. Each entry is acknowledged once delivered. Both
// channels are closed when consumption stops; the returned cancel function
// stops it and closes the consumer group.
//
//	envs, errs, cancel, err := sub.Subscribe(ctx, "bep/b1")
//	defer cancel()
//	for env := range envs {
//	    ...
//	}
func (s *Subscriber) Subscribe(ctx context.Context, stream string, opts ...streamopts.Sink) (<-chan *Envelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(stream)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	envs := make(chan *Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, envs, errs)
	return envs, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink pulse.Sink, out chan<- *Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(ev.Payload, &env); err != nil {
				errs <- fmt.Errorf("decode envelope %s: %w", ev.ID, err)
				return
			}
			select {
			case out <- &env:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, ev); err != nil {
				errs <- fmt.Errorf("ack %s: %w", ev.ID, err)
				return
			}
		}
	}
}

// BuildEvent decodes the build event carried by e.
func (e *Envelope) BuildEvent() (*build.BuildEvent, error) {
	var ev build.BuildEvent
	if err := proto.Unmarshal(e.Event, &ev); err != nil {
		return nil, fmt.Errorf("decode build event: %w", err)
	}
	return &ev, nil
}
