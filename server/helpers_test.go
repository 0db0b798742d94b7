package server_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/TylerJang27/bazel-bep/event"
	"github.com/TylerJang27/bazel-bep/internal/testschema"
	"github.com/TylerJang27/bazel-bep/server"
)

const bufSize = 1 << 20

var toolStream = event.StreamID{BuildID: "b1", InvocationID: "i1", Component: event.ComponentTool}

// recorder is a concurrency-safe handler recording every event it sees. fn,
// when set, decides the outcome; otherwise the event's stream id is echoed.
type recorder struct {
	mu     sync.Mutex
	events []*event.Event
	fn     func(context.Context, *event.Event) (event.StreamID, error)
}

func (r *recorder) HandleEvent(ctx context.Context, ev *event.Event) (event.StreamID, error) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, ev)
	}
	return ev.StreamID, nil
}

func (r *recorder) seen() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Event(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// bufDialer returns a gRPC dial option connecting to lis.
func bufDialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func dial(t *testing.T, lis *bufconn.Listener) build.PublishBuildEventClient {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		bufDialer(lis),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return build.NewPublishBuildEventClient(conn)
}

// startServer serves svc over an in-memory listener and returns a client.
func startServer(t *testing.T, svc *server.Service) build.PublishBuildEventClient {
	t.Helper()
	gs := grpc.NewServer()
	server.Register(gs, svc)
	lis := bufconn.Listen(bufSize)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return dial(t, lis)
}

func newService(t *testing.T, h *recorder, opts ...server.Option) *server.Service {
	t.Helper()
	svc, err := server.New(h, opts...)
	require.NoError(t, err)
	return svc
}

func toolRequest(id event.StreamID, seq int64) *build.PublishBuildToolEventStreamRequest {
	payload := testschema.NewBuildEvent(fmt.Sprintf("line %d", seq), "", false)
	return &build.PublishBuildToolEventStreamRequest{
		OrderedBuildEvent: &build.OrderedBuildEvent{
			StreamId:       id.Proto(),
			SequenceNumber: seq,
			Event:          &build.BuildEvent{Event: &build.BuildEvent_BazelEvent{BazelEvent: testschema.Pack(payload)}},
		},
	}
}

// sliceSource is a server.Source replaying reqs, then returning err (io.EOF
// when nil).
type sliceSource struct {
	reqs []*build.PublishBuildToolEventStreamRequest
	err  error
}

func (s *sliceSource) Recv() (*build.PublishBuildToolEventStreamRequest, error) {
	if len(s.reqs) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	req := s.reqs[0]
	s.reqs = s.reqs[1:]
	return req, nil
}

// drain collects every ack sent on acks until it is closed.
func drain(acks <-chan server.Ack) []server.Ack {
	var out []server.Ack
	for a := range acks {
		out = append(out, a)
	}
	return out
}

var errBoom = errors.New("boom")

// countingMetrics sums counter increments by metric name.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

func (m *countingMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] += value
}

func (m *countingMetrics) RecordTimer(string, time.Duration, ...string) {}

func (m *countingMetrics) RecordGauge(string, float64, ...string) {}

func (m *countingMetrics) get(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}
