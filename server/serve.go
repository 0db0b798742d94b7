package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
)

// ViewPrefix is the path prefix under which the auxiliary router is mounted.
const ViewPrefix = "/view"

// ShutdownTimeout bounds the graceful shutdown performed by Serve.
const ShutdownTimeout = 30 * time.Second

// Handler returns an http.Handler that routes gRPC requests to gs and every
// request under ViewPrefix to view, with the prefix stripped. Cleartext
// HTTP/2 is accepted through h2c. view may be nil.
func Handler(gs *grpc.Server, view http.Handler) http.Handler {
	mux := http.NewServeMux()
	if view != nil {
		mux.Handle(ViewPrefix+"/", http.StripPrefix(ViewPrefix, view))
	}
	return h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && isGRPCContentType(r.Header.Get("Content-Type")) {
			gs.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	}), &http2.Server{})
}

// Serve serves gs and view on lis until ctx is canceled, then shuts down
// gracefully within ShutdownTimeout and stops gs.
func Serve(ctx context.Context, lis net.Listener, gs *grpc.Server, view http.Handler) error {
	srv := &http.Server{
		Handler:           Handler(gs, view),
		ReadHeaderTimeout: 60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(lis)
	}()

	select {
	case err := <-errc:
		gs.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	// Hijacked h2c connections are not tracked by http.Server.
	gs.Stop()
	<-errc
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func ListenAndServe(ctx context.Context, addr string, gs *grpc.Server, view http.Handler) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return Serve(ctx, lis, gs, view)
}

// isGRPCContentType reports whether ct is application/grpc, optionally
// followed by a subtype ("+proto") or parameters.
func isGRPCContentType(ct string) bool {
	s, ok := strings.CutPrefix(ct, "application/grpc")
	return ok && (s == "" || s[0] == '+' || s[0] == ';')
}
