package server_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	build "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/TylerJang27/bazel-bep/server"
)

func TestServeSharesListener(t *testing.T) {
	rec := &recorder{}
	gs := grpc.NewServer()
	server.Register(gs, newService(t, rec))

	view := http.NewServeMux()
	view.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})

	lis := bufconn.Listen(bufSize)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, lis, gs, view) }()

	client := dial(t, lis)
	resps, err := collect(t, client, toolRequest(toolStream, 1), toolRequest(toolStream, 2))
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, sequences(resps))
	_, err = client.PublishLifecycleEvent(context.Background(), &build.PublishLifecycleEventRequest{})
	require.NoError(t, err)

	httpClient := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			},
		},
	}
	resp, err := httpClient.Get("http://bufnet" + server.ViewPrefix + "/ping")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "pong", string(body))

	resp, err = httpClient.Get("http://bufnet/ping")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	httpClient.CloseIdleConnections()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
