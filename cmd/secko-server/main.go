// Command secko-server runs one replica of the secko cluster: a client-
// facing listener, a peer-facing anti-entropy listener, and the durability
// pipeline described in SPEC_FULL.md.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/pranav-super/secko/internal/commitlog"
	"github.com/pranav-super/secko/internal/config"
	"github.com/pranav-super/secko/internal/logging"
	"github.com/pranav-super/secko/internal/metrics"
	"github.com/pranav-super/secko/internal/replica"
	"github.com/pranav-super/secko/internal/server"
	"github.com/pranav-super/secko/internal/sysmonitor"
)

func main() {
	var (
		binding   = flag.String("b", "127.0.0.1:9000", "client-facing listen address")
		sendRate  = flag.Float64("r", 1.0, "initial anti-entropy digests-per-second rate")
		commit    = flag.String("c", "/tmp/commit_log.txt", "commit log file path")
		snapshot  = flag.String("s", "/tmp/secko_snapshot", "snapshot file path")
		metricsFl = flag.String("m", "", "metrics bind address (overrides SECKO_METRICS_ADDR)")
	)
	flag.Parse()

	positional := flag.Args()
	if len(positional) < 2 {
		fmt.Fprintln(os.Stderr, "usage: secko-server [flags] <self_peer_socket> <neighbour_socket>...")
		os.Exit(1)
	}
	selfAddr := positional[0]
	neighbours := positional[1:]

	if _, err := replica.Encode(selfAddr); err != nil {
		fmt.Fprintf(os.Stderr, "invalid self peer socket %q: %v\n", selfAddr, err)
		os.Exit(1)
	}
	for _, n := range neighbours {
		if _, err := replica.Encode(n); err != nil {
			fmt.Fprintf(os.Stderr, "invalid neighbour socket %q: %v\n", n, err)
			os.Exit(1)
		}
	}

	bootstrapLogger := logging.New(logging.Config{Level: "info", Format: "json", Service: "secko-server"})

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *metricsFl != "" {
		cfg.MetricsAddr = *metricsFl
	}

	logger := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: logging.Format(cfg.LogFormat), Service: "secko-server"})
	cfg.Log(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("runtime configured")

	st, log, err := commitlog.Recover(*snapshot, *commit, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}

	srv, err := server.New(cfg, server.Options{
		SelfAddr:       selfAddr,
		ClientBindAddr: *binding,
		Neighbours:     neighbours,
		SendRate:       *sendRate,
		Store:          st,
		Log:            log,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct server")
	}

	snapshotter := commitlog.NewSnapshotter(log, st, *snapshot, cfg.SnapshotInterval, logger)

	monitor, err := sysmonitor.New(cfg.SysMonitorInterval, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("resource monitor unavailable, continuing without it")
		monitor = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	go snapshotter.Run(ctx)
	if monitor != nil {
		go monitor.Run(ctx)
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
			logger.Error().Err(err).Msg("metrics server exited with error")
		}
	}()

	logger.Info().
		Str("self", selfAddr).
		Str("client_bind", *binding).
		Int("neighbours", len(neighbours)).
		Str("commit_log", *commit).
		Str("snapshot", *snapshot).
		Msg("starting secko replica")

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}
