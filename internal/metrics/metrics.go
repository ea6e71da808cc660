// Package metrics exposes Prometheus instrumentation for every core
// subsystem (store, commit log, snapshotter, anti-entropy, request handler).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Store
	StoreKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "secko_store_keys",
		Help: "Current number of keys held in the local store.",
	})

	// Client-facing requests
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secko_requests_total",
		Help: "Client requests handled, by message type.",
	}, []string{"type"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "secko_request_duration_seconds",
		Help:    "Client request handling latency, by message type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	PushRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secko_push_rejected_total",
		Help: "Pushes rejected because the claimed key did not match the value's fingerprint.",
	})

	// Commit log
	CommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secko_commits_total",
		Help: "Commits durably appended to the commit log.",
	})

	CommitEnqueueDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "secko_commit_enqueue_duration_seconds",
		Help:    "Time spent enqueueing a commit onto the persister's channel.",
		Buckets: prometheus.DefBuckets,
	})

	CommitErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secko_commit_errors_total",
		Help: "Commit log append failures (local-durability errors).",
	})

	// Snapshotter
	SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "secko_snapshot_duration_seconds",
		Help:    "Wall-clock time to serialize and publish one snapshot.",
		Buckets: prometheus.DefBuckets,
	})

	SnapshotErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secko_snapshot_errors_total",
		Help: "Snapshot write failures (local-durability errors).",
	})

	// Anti-entropy
	GossipSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secko_gossip_sends_total",
		Help: "Digests sent by the gossip sender, by outcome.",
	}, []string{"outcome"})

	DigestsReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secko_digests_received_total",
		Help: "Digest messages received from peers.",
	})

	UpdatesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secko_updates_received_total",
		Help: "Update messages received from peers.",
	})

	UpdateKeyValuesSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "secko_update_key_values_size",
		Help:    "Number of distinct keys carried by one received update message.",
		Buckets: []float64{0, 1, 10, 50, 100, 150, 200, 250},
	})

	// Worker pools
	WorkerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "secko_worker_queue_depth",
		Help: "Current number of tasks waiting in a worker pool queue.",
	}, []string{"pool"})

	WorkerTasksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secko_worker_tasks_dropped_total",
		Help: "Tasks dropped because a worker pool queue was full.",
	}, []string{"pool"})

	// Admission control
	ConnectionsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secko_connections_accepted_total",
		Help: "Accepted TCP connections, by listener.",
	}, []string{"listener"})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secko_connections_rejected_total",
		Help: "Connections rejected by the admission rate limiter, by listener.",
	}, []string{"listener"})

	// Resource monitor
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "secko_process_cpu_percent",
		Help: "Process CPU usage percentage, sampled periodically.",
	})

	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "secko_process_memory_bytes",
		Help: "Process resident memory usage in bytes, sampled periodically.",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "secko_goroutines_active",
		Help: "Current goroutine count.",
	})
)

func init() {
	prometheus.MustRegister(
		StoreKeys,
		RequestsTotal,
		RequestDuration,
		PushRejected,
		CommitsTotal,
		CommitEnqueueDuration,
		CommitErrors,
		SnapshotDuration,
		SnapshotErrors,
		GossipSendsTotal,
		DigestsReceivedTotal,
		UpdatesReceivedTotal,
		UpdateKeyValuesSize,
		WorkerQueueDepth,
		WorkerTasksDropped,
		ConnectionsAccepted,
		ConnectionsRejected,
		ProcessCPUPercent,
		ProcessMemoryBytes,
		GoroutinesActive,
	)
}

// Serve starts the /metrics HTTP endpoint and blocks until ctx is cancelled
// or the listener fails. It mirrors the teacher's handleMetrics wiring but
// is lifecycle-aware via context cancellation.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
		return err
	}
}
