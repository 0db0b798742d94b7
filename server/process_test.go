package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"

	"github.com/TylerJang27/bazel-bep/event"
	"github.com/TylerJang27/bazel-bep/server"
)

// TestProcessOrdering verifies that Process emits exactly one Ack per inbound
// event, in inbound order, with failures reported at their own position and
// the events after them still acknowledged.
func TestProcessOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("acks mirror inbound order", prop.ForAll(
		func(seqs []int64, failEvery int) bool {
			rec := &recorder{fn: func(_ context.Context, ev *event.Event) (event.StreamID, error) {
				if ev.SequenceNumber%int64(failEvery) == 0 {
					return event.StreamID{}, errBoom
				}
				return ev.StreamID, nil
			}}
			svc, err := server.New(rec, server.WithDecoder(event.NopDecoder))
			if err != nil {
				return false
			}
			src := &sliceSource{}
			for _, seq := range seqs {
				src.reqs = append(src.reqs, toolRequest(toolStream, seq))
			}

			out := make(chan server.Ack, len(seqs)+1)
			if err := svc.Process(context.Background(), src, out); err != nil {
				return false
			}
			acks := drain(out)
			if len(acks) != len(seqs) {
				return false
			}
			for i, ack := range acks {
				failed := seqs[i]%int64(failEvery) == 0
				if failed != (ack.Status != nil) {
					return false
				}
				if failed {
					if ack.Status.Code() != codes.Unknown {
						return false
					}
					continue
				}
				if ack.Response.GetSequenceNumber() != seqs[i] {
					return false
				}
			}
			return rec.count() == len(seqs)
		},
		gen.SliceOf(gen.Int64Range(1, 1000)),
		gen.IntRange(2, 7),
	))

	properties.TestingRun(t)
}

func TestProcessBackpressure(t *testing.T) {
	rec := &recorder{}
	svc, err := server.New(rec, server.WithDecoder(event.NopDecoder))
	require.NoError(t, err)
	src := &sliceSource{}
	for seq := int64(1); seq <= 5; seq++ {
		src.reqs = append(src.reqs, toolRequest(toolStream, seq))
	}

	out := make(chan server.Ack, 1)
	done := make(chan error, 1)
	go func() { done <- svc.Process(context.Background(), src, out) }()

	// One ack fills the queue and the worker blocks pushing the second.
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return rec.count() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	acks := drain(out)
	require.NoError(t, <-done)
	require.Len(t, acks, 5)
	require.Equal(t, 5, rec.count())
}

func TestProcessTransportFailure(t *testing.T) {
	rec := &recorder{}
	svc, err := server.New(rec, server.WithDecoder(event.NopDecoder))
	require.NoError(t, err)
	src := &sliceSource{
		reqs: []*build.PublishBuildToolEventStreamRequest{toolRequest(toolStream, 1), toolRequest(toolStream, 2)},
		err:  errBoom,
	}

	out := make(chan server.Ack, server.DefaultQueueSize)
	err = svc.Process(context.Background(), src, out)
	require.ErrorIs(t, err, errBoom)

	acks := drain(out)
	require.Len(t, acks, 2)
	require.Equal(t, int64(2), acks[1].Response.GetSequenceNumber())
}

func TestProcessCanceledWhileBlocked(t *testing.T) {
	svc, err := server.New(&recorder{}, server.WithDecoder(event.NopDecoder))
	require.NoError(t, err)
	src := &sliceSource{reqs: []*build.PublishBuildToolEventStreamRequest{toolRequest(toolStream, 1), toolRequest(toolStream, 2)}}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan server.Ack) // never read
	done := make(chan error, 1)
	go func() { done <- svc.Process(ctx, src, out) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Process did not return after cancellation")
	}
	_, open := <-out
	require.False(t, open)
}

func TestProcessAbortOnError(t *testing.T) {
	rec := &recorder{fn: func(_ context.Context, ev *event.Event) (event.StreamID, error) {
		if ev.SequenceNumber == 2 {
			return event.StreamID{}, errBoom
		}
		return ev.StreamID, nil
	}}
	svc, err := server.New(rec, server.WithDecoder(event.NopDecoder), server.WithAbortOnError())
	require.NoError(t, err)
	src := &sliceSource{}
	for seq := int64(1); seq <= 4; seq++ {
		src.reqs = append(src.reqs, toolRequest(toolStream, seq))
	}

	out := make(chan server.Ack, 4)
	require.NoError(t, svc.Process(context.Background(), src, out))
	acks := drain(out)
	require.Len(t, acks, 2)
	require.NoError(t, acks[0].Err())
	require.Error(t, acks[1].Err())
	require.Equal(t, 2, rec.count())
}

func TestProcessRateLimit(t *testing.T) {
	rec := &recorder{}
	svc, err := server.New(rec, server.WithDecoder(event.NopDecoder), server.WithRateLimit(rate.Limit(1000), 1))
	require.NoError(t, err)
	src := &sliceSource{}
	for seq := int64(1); seq <= 3; seq++ {
		src.reqs = append(src.reqs, toolRequest(toolStream, seq))
	}

	out := make(chan server.Ack, 3)
	require.NoError(t, svc.Process(context.Background(), src, out))
	require.Len(t, drain(out), 3)
}

func TestProcessRateLimitHonorsContext(t *testing.T) {
	rec := &recorder{}
	svc, err := server.New(rec, server.WithDecoder(event.NopDecoder), server.WithRateLimit(rate.Limit(0.001), 1))
	require.NoError(t, err)
	src := &sliceSource{reqs: []*build.PublishBuildToolEventStreamRequest{toolRequest(toolStream, 1), toolRequest(toolStream, 2)}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := make(chan server.Ack, 2)
	_ = svc.Process(ctx, src, out)
	acks := drain(out)
	require.NotEmpty(t, acks)
	require.NoError(t, acks[0].Err())
	if len(acks) > 1 {
		require.Error(t, acks[1].Err())
	}
	require.Equal(t, 1, rec.count())
}
