// Command bep-server receives Build Event Protocol streams from Bazel.
//
//	bazel build --bes_backend=grpc://localhost:8080 //...
//
// gRPC and the /view endpoints (health, metrics and, with -debug, pprof)
// share one listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/TylerJang27/bazel-bep/config"
	"github.com/TylerJang27/bazel-bep/event"
	"github.com/TylerJang27/bazel-bep/features/sink/logging"
	"github.com/TylerJang27/bazel-bep/features/sink/pulse"
	clientspulse "github.com/TylerJang27/bazel-bep/features/sink/pulse/clients/pulse"
	"github.com/TylerJang27/bazel-bep/server"
	"github.com/TylerJang27/bazel-bep/telemetry"
)

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "addr", V: cfg.Addr}, log.KV{K: "sink", V: cfg.Sink})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "exited")
}

func run(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logger := telemetry.NewClueLogger()
	opts := []server.Option{
		server.WithQueueSize(cfg.QueueSize),
		server.WithLogger(logger),
		server.WithMetrics(telemetry.MultiMetrics(
			telemetry.NewPrometheusMetrics(reg, cfg.MetricsNamespace),
			telemetry.NewClueMetrics(),
		)),
		server.WithTracer(telemetry.NewClueTracer()),
	}
	if !cfg.DecodePayloads {
		opts = append(opts, server.WithDecoder(event.NopDecoder))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, server.WithRateLimit(rate.Limit(cfg.RateLimit), cfg.RateBurst))
	}
	if cfg.AbortOnError {
		opts = append(opts, server.WithAbortOnError())
	}

	var (
		svc     *server.Service
		pingers []health.Pinger
	)
	switch cfg.Sink {
	case config.SinkPulse:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.URL, Password: cfg.Redis.Password})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "failed to close redis client")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %q: %w", cfg.Redis.URL, err)
		}
		pc, err := clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			StreamMaxLen:     cfg.Redis.StreamMaxLen,
			OperationTimeout: cfg.Redis.Timeout,
		})
		if err != nil {
			return err
		}
		sink, err := pulse.NewSink(pulse.Options{Client: pc, Detach: true, Logger: logger})
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(context.WithoutCancel(ctx)); err != nil {
				log.Errorf(ctx, err, "failed to close pulse sink")
			}
		}()
		if svc, err = server.NewAsync(sink, opts...); err != nil {
			return err
		}
		pingers = append(pingers, clientspulse.NewPinger(rdb))
	default:
		var err error
		if svc, err = server.New(logging.New(logger), opts...); err != nil {
			return err
		}
	}

	gs := newGRPCServer(ctx, svc, cfg.Debug)
	view := newViewHandler(ctx, reg, health.NewChecker(pingers...), cfg.Debug)

	log.Printf(ctx, "listening on %q", cfg.Addr)
	return server.ListenAndServe(ctx, cfg.Addr, gs, view)
}
