// Package logging provides a handler that logs every build event it
// receives and acknowledges it unchanged.
package logging

import (
	"context"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/TylerJang27/bazel-bep/event"
	"github.com/TylerJang27/bazel-bep/handler"
	"github.com/TylerJang27/bazel-bep/telemetry"
)

// Handler logs build events. Summaries are logged at info level and decoded
// payloads at debug level.
type Handler struct {
	logger telemetry.Logger
}

var _ handler.Handler = (*Handler)(nil)

// New returns a logging handler writing to logger. A nil logger uses Clue.
func New(logger telemetry.Logger) *Handler {
	if logger == nil {
		logger = telemetry.NewClueLogger()
	}
	return &Handler{logger: logger}
}

// HandleEvent logs ev and returns its stream id.
func (h *Handler) HandleEvent(ctx context.Context, ev *event.Event) (event.StreamID, error) {
	kvs := []any{
		"stream", ev.StreamID.String(),
		"seq", ev.SequenceNumber,
		"kind", ev.Kind.String(),
	}
	if ev.HasTime() {
		kvs = append(kvs, "time", ev.Time)
	}
	h.logger.Info(ctx, "build event", kvs...)
	if ev.Payload != nil {
		b, err := protojson.Marshal(ev.Payload)
		if err != nil {
			h.logger.Warn(ctx, "payload not printable", "seq", ev.SequenceNumber, "err", err)
		} else {
			h.logger.Debug(ctx, "build event payload", "seq", ev.SequenceNumber, "payload", string(b))
		}
	}
	return ev.StreamID, nil
}
