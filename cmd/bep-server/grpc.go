package main

import (
	"context"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/TylerJang27/bazel-bep/server"
)

// newGRPCServer returns a gRPC server exposing svc and the reflection
// service.
func newGRPCServer(ctx context.Context, svc *server.Service, dbg bool) *grpc.Server {
	// Create interceptor which sets up the logger in each request context.
	chain := grpc.ChainUnaryInterceptor(log.UnaryServerInterceptor(ctx))
	if dbg {
		// Log request and response content if debug logs are enabled.
		chain = grpc.ChainUnaryInterceptor(log.UnaryServerInterceptor(ctx), debug.UnaryServerInterceptor())
	}
	streamchain := grpc.ChainStreamInterceptor(log.StreamServerInterceptor(ctx))
	if dbg {
		streamchain = grpc.ChainStreamInterceptor(log.StreamServerInterceptor(ctx), debug.StreamServerInterceptor())
	}

	srv := grpc.NewServer(chain, streamchain)
	server.Register(srv, svc)
	reflection.Register(srv)

	for name, info := range srv.GetServiceInfo() {
		for _, m := range info.Methods {
			log.Printf(ctx, "serving gRPC method %s", name+"/"+m.Name)
		}
	}
	return srv
}
