package event

import (
	"fmt"
	"time"

	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

type (
	// Kind identifies which variant of the google.devtools.build.v1.BuildEvent
	// oneof an event carries.
	Kind int

	// Event is a single decoded build event as handed to handlers. Events are
	// built per request and are not retained by the service.
	Event struct {
		// StreamID identifies the stream the event belongs to.
		StreamID StreamID
		// SequenceNumber is the client-assigned position of the event in
		// its stream. It is echoed unchanged in the acknowledgment.
		SequenceNumber int64
		// Time is the event time reported by the client. It is the zero
		// value when the transport carries no timestamp for the event, which
		// is always the case for tool stream events.
		Time time.Time
		// Kind is the variant of the envelope's event oneof. Never
		// KindUnknown for events produced by this package.
		Kind Kind
		// Envelope is the wire envelope. Handlers that need fields this
		// package does not surface read them from here.
		Envelope *build.BuildEvent
		// Payload is the decoded payload for the Any-carrying kinds
		// (KindBazelEvent, KindBuildExecutionEvent, KindSourceFetchEvent). It
		// is nil for the other kinds and when payload decoding is disabled.
		Payload proto.Message
	}
)

const (
	KindUnknown Kind = iota
	KindInvocationAttemptStarted
	KindInvocationAttemptFinished
	KindBuildEnqueued
	KindBuildFinished
	KindConsoleOutput
	KindComponentStreamFinished
	KindBazelEvent
	KindBuildExecutionEvent
	KindSourceFetchEvent
)

var kindNames = [...]string{
	KindUnknown:                   "unknown",
	KindInvocationAttemptStarted:  "invocation_attempt_started",
	KindInvocationAttemptFinished: "invocation_attempt_finished",
	KindBuildEnqueued:             "build_enqueued",
	KindBuildFinished:             "build_finished",
	KindConsoleOutput:             "console_output",
	KindComponentStreamFinished:   "component_stream_finished",
	KindBazelEvent:                "bazel_event",
	KindBuildExecutionEvent:       "build_execution_event",
	KindSourceFetchEvent:          "source_fetch_event",
}

// String returns the snake_case name of the oneof field.
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Lifecycle reports whether k is a build or invocation state transition,
// i.e. the kinds published through the unary lifecycle RPC.
func (k Kind) Lifecycle() bool {
	switch k {
	case KindInvocationAttemptStarted, KindInvocationAttemptFinished, KindBuildEnqueued, KindBuildFinished:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of e, KindUnknown when e or its oneof is unset.
func KindOf(e *build.BuildEvent) Kind {
	switch e.GetEvent().(type) {
	case *build.BuildEvent_InvocationAttemptStarted_:
		return KindInvocationAttemptStarted
	case *build.BuildEvent_InvocationAttemptFinished_:
		return KindInvocationAttemptFinished
	case *build.BuildEvent_BuildEnqueued_:
		return KindBuildEnqueued
	case *build.BuildEvent_BuildFinished_:
		return KindBuildFinished
	case *build.BuildEvent_ConsoleOutput_:
		return KindConsoleOutput
	case *build.BuildEvent_ComponentStreamFinished:
		return KindComponentStreamFinished
	case *build.BuildEvent_BazelEvent:
		return KindBazelEvent
	case *build.BuildEvent_BuildExecutionEvent:
		return KindBuildExecutionEvent
	case *build.BuildEvent_SourceFetchEvent:
		return KindSourceFetchEvent
	default:
		return KindUnknown
	}
}

// HasTime reports whether the event carries a client timestamp.
func (e *Event) HasTime() bool {
	return !e.Time.IsZero()
}

// FromLifecycle extracts the event carried by a lifecycle request.
//
// A request without a build event, or whose build event has no event kind
// set, carries nothing to handle: FromLifecycle then returns a nil event and a
// nil error. When an event is present its stream id and event time are
// required and their absence is reported as a protocol violation.
func FromLifecycle(req *build.PublishLifecycleEventRequest, dec Decoder) (*Event, error) {
	ordered := req.GetBuildEvent()
	envelope := ordered.GetEvent()
	kind := KindOf(envelope)
	if kind == KindUnknown {
		return nil, nil
	}
	id, err := StreamIDFromProto(ordered.GetStreamId())
	if err != nil {
		return nil, err
	}
	ts := envelope.GetEventTime()
	if ts == nil {
		return nil, missing("event_time")
	}
	if err := ts.CheckValid(); err != nil {
		return nil, fmt.Errorf("%w: invalid event_time: %v", ErrProtocolViolation, err)
	}
	payload, err := decodeEnvelope(dec, envelope)
	if err != nil {
		return nil, err
	}
	return &Event{
		StreamID:       id,
		SequenceNumber: ordered.GetSequenceNumber(),
		Time:           ts.AsTime(),
		Kind:           kind,
		Envelope:       envelope,
		Payload:        payload,
	}, nil
}

// FromToolStream extracts the event carried by one request of a build tool
// event stream. The ordered event, its stream id, its envelope, and the
// envelope's event kind are all required. Tool stream events are handed to
// handlers without a timestamp.
func FromToolStream(req *build.PublishBuildToolEventStreamRequest, dec Decoder) (*Event, error) {
	ordered := req.GetOrderedBuildEvent()
	if ordered == nil {
		return nil, missing("ordered_build_event")
	}
	id, err := StreamIDFromProto(ordered.GetStreamId())
	if err != nil {
		return nil, err
	}
	envelope := ordered.GetEvent()
	if envelope == nil {
		return nil, missing("event")
	}
	kind := KindOf(envelope)
	if kind == KindUnknown {
		return nil, missing("event kind")
	}
	payload, err := decodeEnvelope(dec, envelope)
	if err != nil {
		return nil, err
	}
	return &Event{
		StreamID:       id,
		SequenceNumber: ordered.GetSequenceNumber(),
		Kind:           kind,
		Envelope:       envelope,
		Payload:        payload,
	}, nil
}

// payloadOf returns the Any carried by the payload kinds, nil otherwise.
func payloadOf(e *build.BuildEvent) *anypb.Any {
	switch v := e.GetEvent().(type) {
	case *build.BuildEvent_BazelEvent:
		return v.BazelEvent
	case *build.BuildEvent_BuildExecutionEvent:
		return v.BuildExecutionEvent
	case *build.BuildEvent_SourceFetchEvent:
		return v.SourceFetchEvent
	default:
		return nil
	}
}

func decodeEnvelope(dec Decoder, e *build.BuildEvent) (proto.Message, error) {
	payload := payloadOf(e)
	if payload == nil {
		return nil, nil
	}
	if dec == nil {
		dec = NopDecoder
	}
	return dec.Decode(payload)
}
