package event

import (
	"errors"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/anypb"
)

// BazelEventTypeURL is the type URL Bazel uses when it wraps a
// build_event_stream.BuildEvent into the bazel_event field.
const BazelEventTypeURL = "type.googleapis.com/build_event_stream.BuildEvent"

type (
	// Decoder turns the opaque payload of an event into a message of the
	// schema named by its type URL.
	Decoder interface {
		// Decode returns the decoded payload. A nil message with a nil error
		// means the decoder leaves payloads opaque.
		Decode(payload *anypb.Any) (proto.Message, error)
	}

	resolverDecoder struct {
		resolver protoregistry.MessageTypeResolver
	}

	nopDecoder struct{}
)

// NopDecoder leaves every payload undecoded. Handlers still see the raw Any
// through Event.Envelope.
var NopDecoder Decoder = nopDecoder{}

// NewDecoder returns a Decoder that resolves payload types through resolver.
// A nil resolver uses protoregistry.GlobalTypes, which knows every generated
// message linked into the binary. The Bazel build_event_stream types come
// from schema.Resolver.
func NewDecoder(resolver protoregistry.MessageTypeResolver) Decoder {
	if resolver == nil {
		resolver = protoregistry.GlobalTypes
	}
	return resolverDecoder{resolver: resolver}
}

// DecodePayload decodes payload using resolver, see NewDecoder.
func DecodePayload(payload *anypb.Any, resolver protoregistry.MessageTypeResolver) (proto.Message, error) {
	return NewDecoder(resolver).Decode(payload)
}

func (d resolverDecoder) Decode(payload *anypb.Any) (proto.Message, error) {
	if payload == nil {
		return nil, &DecodeError{Err: errors.New("payload is nil")}
	}
	url := payload.GetTypeUrl()
	if url == "" {
		return nil, &DecodeError{Err: errors.New("empty type URL")}
	}
	mt, err := d.resolver.FindMessageByURL(url)
	if err != nil {
		return nil, &DecodeError{TypeURL: url, Err: err}
	}
	msg := mt.New().Interface()
	if err := proto.Unmarshal(payload.GetValue(), msg); err != nil {
		return nil, &DecodeError{TypeURL: url, Err: err}
	}
	return msg, nil
}

func (nopDecoder) Decode(*anypb.Any) (proto.Message, error) {
	return nil, nil
}
