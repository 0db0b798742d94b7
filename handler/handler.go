// Package handler defines the extension point of the publish service: the
// collaborator that interprets decoded build events.
//
// Two capabilities are supported. A Handler processes an event synchronously
// on the calling goroutine. An AsyncHandler starts processing and delivers the
// outcome later on a channel. The service is written once against Handler;
// asynchronous handlers run through Await, which is the only place the two
// execution strategies differ.
//
// Implementations must be safe for concurrent use: the service invokes the
// same handler from every in-flight RPC and performs no locking of its own.
package handler

import (
	"context"
	"errors"

	"github.com/TylerJang27/bazel-bep/event"
)

type (
	// Handler processes one event and returns the stream id to echo in the
	// acknowledgment. Returning an id different from ev.StreamID rewrites the
	// stream as seen by the client. Errors are converted with Status before
	// they reach the client.
	Handler interface {
		HandleEvent(ctx context.Context, ev *event.Event) (event.StreamID, error)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, ev *event.Event) (event.StreamID, error)

	// AsyncHandler starts processing one event and returns a channel that
	// yields exactly one Outcome. The channel should be buffered so the
	// producer never blocks if the caller has gone away.
	AsyncHandler interface {
		HandleEventAsync(ctx context.Context, ev *event.Event) <-chan Outcome
	}

	// AsyncHandlerFunc adapts a function to AsyncHandler.
	AsyncHandlerFunc func(ctx context.Context, ev *event.Event) <-chan Outcome

	// Outcome is the result of an asynchronous invocation.
	Outcome struct {
		// StreamID is the id to acknowledge when Err is nil.
		StreamID event.StreamID
		// Err is the handler failure, if any.
		Err error
	}

	awaiter struct {
		h AsyncHandler
	}
)

// ErrNoOutcome is returned by an awaited handler whose outcome channel is nil
// or closed without delivering a value.
var ErrNoOutcome = errors.New("async handler produced no outcome")

// HandleEvent calls f(ctx, ev).
func (f HandlerFunc) HandleEvent(ctx context.Context, ev *event.Event) (event.StreamID, error) {
	return f(ctx, ev)
}

// HandleEventAsync calls f(ctx, ev).
func (f AsyncHandlerFunc) HandleEventAsync(ctx context.Context, ev *event.Event) <-chan Outcome {
	return f(ctx, ev)
}

// Await returns a Handler that invokes h and suspends until its outcome is
// delivered or ctx is done, whichever comes first.
func Await(h AsyncHandler) Handler {
	return awaiter{h: h}
}

// HandleEvent implements Handler.
func (a awaiter) HandleEvent(ctx context.Context, ev *event.Event) (event.StreamID, error) {
	ch := a.h.HandleEventAsync(ctx, ev)
	if ch == nil {
		return event.StreamID{}, ErrNoOutcome
	}
	select {
	case out, ok := <-ch:
		if !ok {
			return event.StreamID{}, ErrNoOutcome
		}
		return out.StreamID, out.Err
	case <-ctx.Done():
		return event.StreamID{}, ctx.Err()
	}
}

// Go runs fn on a new goroutine and delivers its result as an Outcome. It is
// a convenience for AsyncHandler implementations.
func Go(fn func() (event.StreamID, error)) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		id, err := fn()
		ch <- Outcome{StreamID: id, Err: err}
	}()
	return ch
}

// Echo is a Handler that accepts every event and acknowledges it under its
// own stream id.
var Echo Handler = HandlerFunc(func(_ context.Context, ev *event.Event) (event.StreamID, error) {
	return ev.StreamID, nil
})
