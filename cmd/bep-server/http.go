package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
)

// newViewHandler returns the handler mounted under /view. Paths are relative
// to the prefix.
func newViewHandler(ctx context.Context, gatherer prometheus.Gatherer, checker health.Checker, dbg bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(checker))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if dbg {
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(mux)
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(mux)
	}

	var handler http.Handler = mux
	if dbg {
		// Log request and response content if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}
