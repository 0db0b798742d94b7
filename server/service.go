// Package server implements the Build Event Protocol publish service.
//
// A Service binds one handler to both RPCs of
// google.devtools.build.v1.PublishBuildEvent:
//
//   - PublishLifecycleEvent invokes the handler once per populated lifecycle
//     event, on the RPC goroutine.
//   - PublishBuildToolEventStream runs a worker goroutine per call. The worker
//     reads inbound events, invokes the handler, and pushes acknowledgments onto
//     a bounded queue that the RPC goroutine drains into the response stream. A
//     full queue blocks the worker, so a slow client throttles only its own
//     call.
//
// Synchronous handlers are called directly; asynchronous handlers are awaited
// through handler.Await. Serve exposes the gRPC service and an auxiliary HTTP
// router on a single listener.
package server

import (
	"fmt"

	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/TylerJang27/bazel-bep/event"
	"github.com/TylerJang27/bazel-bep/handler"
	"github.com/TylerJang27/bazel-bep/schema"
	"github.com/TylerJang27/bazel-bep/telemetry"
)

// DefaultQueueSize is the capacity of the acknowledgment queue of a streaming
// call.
const DefaultQueueSize = 500

// Metric names recorded by the service.
const (
	MetricEventsReceived  = "bep.events.received"
	MetricEventsRejected  = "bep.events.rejected"
	MetricUnexpectedKind  = "bep.events.unexpected_kind"
	MetricHandlerFailures = "bep.handler.failures"
	MetricHandlerDuration = "bep.handler.duration"
	MetricAcksSent        = "bep.acks.sent"
	MetricQueueDepth      = "bep.queue.depth"
)

type (
	// Service implements build.PublishBuildEventServer on top of a Handler.
	// It holds no mutable state and is safe for concurrent use as long as the
	// handler is.
	Service struct {
		build.UnimplementedPublishBuildEventServer

		handler handler.Handler
		opts    options
	}

	// Option configures a Service.
	Option func(*options)

	options struct {
		queueSize    int
		decoder      event.Decoder
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
		limiter      *rate.Limiter
		abortOnError bool
	}
)

var _ build.PublishBuildEventServer = (*Service)(nil)

// WithQueueSize sets the capacity of the acknowledgment queue of each
// streaming call. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithDecoder sets the decoder applied to opaque event payloads. The default
// resolves payload types through the embedded Bazel schema, then through
// protoregistry.GlobalTypes; use event.NopDecoder to hand payloads to the
// handler undecoded.
func WithDecoder(d event.Decoder) Option {
	return func(o *options) {
		if d != nil {
			o.decoder = d
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer. Defaults to a no-op tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithRateLimit throttles handler invocations across all calls of the
// service to limit events per second with the given burst.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		if limit > 0 && burst > 0 {
			o.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithAbortOnError ends a streaming call with the status of the first failed
// event instead of acknowledging the events that follow it.
func WithAbortOnError() Option {
	return func(o *options) {
		o.abortOnError = true
	}
}

// New returns a Service that invokes h synchronously.
func New(h handler.Handler, opts ...Option) (*Service, error) {
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}
	o := options{
		queueSize: DefaultQueueSize,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.decoder == nil {
		res, err := schema.Resolver()
		if err != nil {
			return nil, fmt.Errorf("load build event schema: %w", err)
		}
		o.decoder = event.NewDecoder(res)
	}
	return &Service{handler: h, opts: o}, nil
}

// NewAsync returns a Service that invokes h and awaits each outcome.
func NewAsync(h handler.AsyncHandler, opts ...Option) (*Service, error) {
	if h == nil {
		return nil, fmt.Errorf("async handler is required")
	}
	return New(handler.Await(h), opts...)
}

// Register registers s with the gRPC server r.
func Register(r grpc.ServiceRegistrar, s *Service) {
	build.RegisterPublishBuildEventServer(r.(*grpc.Server), s)
}
