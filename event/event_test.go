package event_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/TylerJang27/bazel-bep/event"
	"github.com/TylerJang27/bazel-bep/internal/testschema"
)

var toolStream = event.StreamID{BuildID: "b1", InvocationID: "i1", Component: event.ComponentTool}

func enqueued() *build.BuildEvent {
	return &build.BuildEvent{
		EventTime: timestamppb.New(time.Unix(1700000000, 42).UTC()),
		Event:     &build.BuildEvent_BuildEnqueued_{BuildEnqueued: &build.BuildEvent_BuildEnqueued{}},
	}
}

func bazelEvent(payload *anypb.Any) *build.BuildEvent {
	return &build.BuildEvent{Event: &build.BuildEvent_BazelEvent{BazelEvent: payload}}
}

func TestStreamIDRoundTrip(t *testing.T) {
	got, err := event.StreamIDFromProto(toolStream.Proto())
	require.NoError(t, err)
	require.Equal(t, toolStream, got)
	require.Equal(t, "b1/i1/tool", got.String())

	other := toolStream
	other.Component = event.ComponentController
	require.NotEqual(t, toolStream, other)
}

func TestStreamIDFromProtoNil(t *testing.T) {
	_, err := event.StreamIDFromProto(nil)
	require.ErrorIs(t, err, event.ErrProtocolViolation)
}

func TestComponentString(t *testing.T) {
	require.Equal(t, "controller", event.ComponentController.String())
	require.Equal(t, "worker", event.ComponentWorker.String())
	require.Equal(t, "unknown", event.ComponentUnknown.String())
	require.Equal(t, "component(9)", event.Component(9).String())
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		ev   *build.BuildEvent
		want event.Kind
	}{
		{"nil", nil, event.KindUnknown},
		{"empty", &build.BuildEvent{}, event.KindUnknown},
		{"enqueued", enqueued(), event.KindBuildEnqueued},
		{"bazel", bazelEvent(nil), event.KindBazelEvent},
		{"attempt started", &build.BuildEvent{Event: &build.BuildEvent_InvocationAttemptStarted_{
			InvocationAttemptStarted: &build.BuildEvent_InvocationAttemptStarted{AttemptNumber: 1},
		}}, event.KindInvocationAttemptStarted},
		{"stream finished", &build.BuildEvent{Event: &build.BuildEvent_ComponentStreamFinished{
			ComponentStreamFinished: &build.BuildEvent_BuildComponentStreamFinished{},
		}}, event.KindComponentStreamFinished},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, event.KindOf(tc.ev))
		})
	}
	require.True(t, event.KindBuildEnqueued.Lifecycle())
	require.False(t, event.KindBazelEvent.Lifecycle())
	require.Equal(t, "bazel_event", event.KindBazelEvent.String())
}

func TestFromLifecycle(t *testing.T) {
	t.Run("absent build event is a no-op", func(t *testing.T) {
		ev, err := event.FromLifecycle(&build.PublishLifecycleEventRequest{}, nil)
		require.NoError(t, err)
		require.Nil(t, ev)
	})

	t.Run("absent event kind is a no-op", func(t *testing.T) {
		req := &build.PublishLifecycleEventRequest{BuildEvent: &build.OrderedBuildEvent{
			StreamId: toolStream.Proto(),
			Event:    &build.BuildEvent{EventTime: timestamppb.Now()},
		}}
		ev, err := event.FromLifecycle(req, nil)
		require.NoError(t, err)
		require.Nil(t, ev)
	})

	t.Run("extracts stream, sequence and time", func(t *testing.T) {
		env := enqueued()
		req := &build.PublishLifecycleEventRequest{BuildEvent: &build.OrderedBuildEvent{
			StreamId:       toolStream.Proto(),
			SequenceNumber: 7,
			Event:          env,
		}}
		ev, err := event.FromLifecycle(req, nil)
		require.NoError(t, err)
		require.Equal(t, toolStream, ev.StreamID)
		require.Equal(t, int64(7), ev.SequenceNumber)
		require.True(t, ev.HasTime())
		require.True(t, ev.Time.Equal(env.GetEventTime().AsTime()))
		require.Equal(t, event.KindBuildEnqueued, ev.Kind)
		require.Same(t, env, ev.Envelope)
		require.Nil(t, ev.Payload)
	})

	t.Run("missing stream id is rejected", func(t *testing.T) {
		req := &build.PublishLifecycleEventRequest{BuildEvent: &build.OrderedBuildEvent{Event: enqueued()}}
		_, err := event.FromLifecycle(req, nil)
		require.ErrorIs(t, err, event.ErrProtocolViolation)
		require.Contains(t, err.Error(), "stream_id")
	})

	t.Run("missing event time is rejected", func(t *testing.T) {
		env := enqueued()
		env.EventTime = nil
		req := &build.PublishLifecycleEventRequest{BuildEvent: &build.OrderedBuildEvent{
			StreamId: toolStream.Proto(),
			Event:    env,
		}}
		_, err := event.FromLifecycle(req, nil)
		require.ErrorIs(t, err, event.ErrProtocolViolation)
		require.Contains(t, err.Error(), "event_time")
	})
}

func TestFromToolStream(t *testing.T) {
	payload := testschema.NewBuildEvent("hello", "", false)
	dec := event.NewDecoder(testschema.Types())

	t.Run("decodes bazel payload", func(t *testing.T) {
		req := &build.PublishBuildToolEventStreamRequest{OrderedBuildEvent: &build.OrderedBuildEvent{
			StreamId:       toolStream.Proto(),
			SequenceNumber: 3,
			Event:          bazelEvent(testschema.Pack(payload)),
		}}
		ev, err := event.FromToolStream(req, dec)
		require.NoError(t, err)
		require.Equal(t, toolStream, ev.StreamID)
		require.Equal(t, int64(3), ev.SequenceNumber)
		require.False(t, ev.HasTime())
		require.True(t, proto.Equal(payload, ev.Payload))
	})

	t.Run("drops client timestamp", func(t *testing.T) {
		req := &build.PublishBuildToolEventStreamRequest{OrderedBuildEvent: &build.OrderedBuildEvent{
			StreamId: toolStream.Proto(),
			Event:    enqueued(),
		}}
		ev, err := event.FromToolStream(req, dec)
		require.NoError(t, err)
		require.False(t, ev.HasTime())
		require.NotNil(t, ev.Envelope.GetEventTime())
	})

	t.Run("nop decoder leaves payload opaque", func(t *testing.T) {
		req := &build.PublishBuildToolEventStreamRequest{OrderedBuildEvent: &build.OrderedBuildEvent{
			StreamId: toolStream.Proto(),
			Event:    bazelEvent(testschema.Pack(payload)),
		}}
		ev, err := event.FromToolStream(req, event.NopDecoder)
		require.NoError(t, err)
		require.Nil(t, ev.Payload)
		require.NotNil(t, ev.Envelope.GetBazelEvent())
	})

	violations := map[string]*build.PublishBuildToolEventStreamRequest{
		"no ordered event": {},
		"no stream id": {OrderedBuildEvent: &build.OrderedBuildEvent{
			Event: enqueued(),
		}},
		"no event": {OrderedBuildEvent: &build.OrderedBuildEvent{
			StreamId: toolStream.Proto(),
		}},
		"no event kind": {OrderedBuildEvent: &build.OrderedBuildEvent{
			StreamId: toolStream.Proto(),
			Event:    &build.BuildEvent{},
		}},
	}
	for name, req := range violations {
		t.Run(name, func(t *testing.T) {
			ev, err := event.FromToolStream(req, dec)
			require.Nil(t, ev)
			require.ErrorIs(t, err, event.ErrProtocolViolation)
		})
	}

	t.Run("undecodable payload is reported", func(t *testing.T) {
		bad := &anypb.Any{TypeUrl: event.BazelEventTypeURL, Value: []byte{0xff, 0xff, 0xff}}
		req := &build.PublishBuildToolEventStreamRequest{OrderedBuildEvent: &build.OrderedBuildEvent{
			StreamId: toolStream.Proto(),
			Event:    bazelEvent(bad),
		}}
		_, err := event.FromToolStream(req, dec)
		var decErr *event.DecodeError
		require.True(t, errors.As(err, &decErr))
		require.Equal(t, event.BazelEventTypeURL, decErr.TypeURL)
	})
}
