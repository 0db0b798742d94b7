// Package event models the identity, ordering, and payload of Build Event
// Protocol events as they cross the publish service.
//
// Every event the service accepts belongs to exactly one StreamID and carries
// one sequence number. The service does not enforce ordering itself: handlers
// decide what an out-of-order or duplicate sequence number means. This package
// only guarantees that the pair supplied by the client is extracted intact and
// can be echoed back in acknowledgments.
package event

import (
	"fmt"

	build "google.golang.org/genproto/googleapis/devtools/build/v1"
)

type (
	// Component discriminates the producers that share a build, mirroring
	// google.devtools.build.v1.StreamId.BuildComponent.
	Component int32

	// StreamID identifies one logical, ordered channel of events. It is a
	// comparable value: two IDs are equal iff all three fields match, so it can
	// be used directly as a map key.
	StreamID struct {
		// InvocationID identifies the invocation (one attempt of a command).
		InvocationID string
		// BuildID identifies the build the invocation belongs to.
		BuildID string
		// Component identifies the producer of the stream.
		Component Component
	}
)

const (
	// ComponentUnknown is the zero value and matches UNKNOWN_COMPONENT.
	ComponentUnknown = Component(build.StreamId_UNKNOWN_COMPONENT)
	// ComponentController is the build controller (typically the build queue).
	ComponentController = Component(build.StreamId_CONTROLLER)
	// ComponentWorker is a remote worker process.
	ComponentWorker = Component(build.StreamId_WORKER)
	// ComponentTool is the build tool itself, e.g. Bazel.
	ComponentTool = Component(build.StreamId_TOOL)
)

// String returns the lower-case component name.
func (c Component) String() string {
	switch c {
	case ComponentController:
		return "controller"
	case ComponentWorker:
		return "worker"
	case ComponentTool:
		return "tool"
	case ComponentUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("component(%d)", int32(c))
	}
}

// StreamIDFromProto converts the wire stream id. A nil id is a protocol
// violation: clients must identify the stream on every event.
func StreamIDFromProto(id *build.StreamId) (StreamID, error) {
	if id == nil {
		return StreamID{}, missing("stream_id")
	}
	return StreamID{
		InvocationID: id.GetInvocationId(),
		BuildID:      id.GetBuildId(),
		Component:    Component(id.GetComponent()),
	}, nil
}

// Proto returns the wire representation of id.
func (id StreamID) Proto() *build.StreamId {
	return &build.StreamId{
		BuildId:      id.BuildID,
		InvocationId: id.InvocationID,
		Component:    build.StreamId_BuildComponent(id.Component),
	}
}

// String renders id as build/invocation/component for logs and span
// attributes.
func (id StreamID) String() string {
	return id.BuildID + "/" + id.InvocationID + "/" + id.Component.String()
}
