// Package testschema builds build_event_stream messages from the embedded
// Bazel schema for tests. Packed payloads carry the type URL Bazel sends.
package testschema

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/TylerJang27/bazel-bep/schema"
)

// Types returns the registry of the Bazel schema types.
func Types() *protoregistry.Types {
	return mustLoad().Types()
}

// BuildEventType returns the build_event_stream.BuildEvent type.
func BuildEventType() protoreflect.MessageType {
	return mustLoad().BuildEventType()
}

// NewBuildEvent returns a BuildEvent whose progress carries stdout and
// stderr, with last_message set as given.
func NewBuildEvent(stdout, stderr string, last bool) proto.Message {
	msg := BuildEventType().New()
	fields := msg.Descriptor().Fields()
	progress := msg.Mutable(fields.ByName("progress")).Message()
	pfields := progress.Descriptor().Fields()
	if stdout != "" {
		progress.Set(pfields.ByName("stdout"), protoreflect.ValueOfString(stdout))
	}
	if stderr != "" {
		progress.Set(pfields.ByName("stderr"), protoreflect.ValueOfString(stderr))
	}
	if last {
		msg.Set(fields.ByName("last_message"), protoreflect.ValueOfBool(true))
	}
	return msg.Interface()
}

// Pack wraps msg into an Any, panicking on failure. Only for tests.
func Pack(msg proto.Message) *anypb.Any {
	a, err := anypb.New(msg)
	if err != nil {
		panic(err)
	}
	return a
}

func mustLoad() *schema.Schema {
	s, err := schema.Load()
	if err != nil {
		panic(err)
	}
	return s
}
