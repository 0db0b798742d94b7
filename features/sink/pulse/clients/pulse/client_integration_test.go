package pulse

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/TylerJang27/bazel-bep/internal/testredis"
)

var testRedis *testredis.Instance

func TestMain(m *testing.M) {
	ctx := context.Background()
	inst, err := testredis.Start(ctx)
	if err != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", err)
	}
	testRedis = inst
	code := m.Run()
	testRedis.Close(ctx)
	os.Exit(code)
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestStreamCachesHandles(t *testing.T) {
	rdb := testRedis.Redis(t)
	c, err := New(Options{Redis: rdb, StreamMaxLen: 10})
	require.NoError(t, err)

	a, err := c.Stream("bep/b1")
	require.NoError(t, err)
	b, err := c.Stream("bep/b1")
	require.NoError(t, err)
	require.Same(t, a, b)

	_, err = c.Stream("")
	require.Error(t, err)

	require.NoError(t, c.Close(context.Background()))
	d, err := c.Stream("bep/b1")
	require.NoError(t, err)
	require.NotSame(t, a, d)
}

func TestAddAndConsume(t *testing.T) {
	rdb := testRedis.Redis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(Options{Redis: rdb, OperationTimeout: 5 * time.Second})
	require.NoError(t, err)
	str, err := c.Stream("bep/b1")
	require.NoError(t, err)
	defer func() { _ = str.Destroy(context.Background()) }()

	_, err = str.Add(ctx, "", []byte("x"))
	require.Error(t, err)

	sink, err := str.NewSink(ctx, "reader", streamopts.WithSinkStartAtOldest())
	require.NoError(t, err)
	defer sink.Close(context.Background())

	id, err := str.Add(ctx, "bazel_event", []byte(`{"seq":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case ev := <-sink.Subscribe():
		require.Equal(t, "bazel_event", ev.EventName)
		require.Equal(t, `{"seq":1}`, string(ev.Payload))
		require.NoError(t, sink.Ack(ctx, ev))
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestPinger(t *testing.T) {
	rdb := testRedis.Redis(t)
	p := NewPinger(rdb)
	require.Equal(t, "redis", p.Name())
	require.NoError(t, p.Ping(context.Background()))
}
