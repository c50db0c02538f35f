package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crawlgrid/crawlgrid/internal/config"
	"github.com/crawlgrid/crawlgrid/internal/db"
	"github.com/crawlgrid/crawlgrid/internal/egress"
	"github.com/crawlgrid/crawlgrid/internal/events"
	"github.com/crawlgrid/crawlgrid/internal/fetch"
	"github.com/crawlgrid/crawlgrid/internal/health"
	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/metrics"
	"github.com/crawlgrid/crawlgrid/internal/queue"
	"github.com/crawlgrid/crawlgrid/internal/retry"
	"github.com/crawlgrid/crawlgrid/internal/tracing"
	"github.com/crawlgrid/crawlgrid/internal/worker"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("crawlgrid-worker")

	shutdownTracing, err := tracing.InitTracing(ctx, "crawlgrid-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("schema setup failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler("crawlgrid-worker", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	var emitter events.Emitter = events.Nop{}
	if cfg.NSQ.Enabled {
		nsqEmitter, err := events.NewNSQEmitter(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.EventsTopic, cfg.NSQ.DLQTopic, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer nsqEmitter.Stop()
		emitter = nsqEmitter
	}

	policy := retry.Policy{
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
		JitterPct: cfg.Retry.JitterPct,
	}
	q := queue.New(pool, policy, emitter, logger)

	var egressProvider worker.EgressProvider = worker.DirectEgress{}
	if cfg.Egress.ProviderURL != "" {
		egressProvider = egress.New(cfg.Egress.ProviderURL, cfg.Egress.Timeout)
	}

	fetcher := fetch.New(cfg.Worker.MaxTaskDuration)
	rt := worker.New(q, fetcher, egressProvider, worker.Config{
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		ExtendThreshold:   cfg.Worker.ExtendThreshold,
		MaxTaskDuration:   cfg.Worker.MaxTaskDuration,
	}, logger)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-stop:
		logger.Plain().WithWorker(rt.ID).Info("drain requested, finishing current task")
		rt.Drain()
		select {
		case err := <-done:
			if err != nil {
				logger.Plain().WithWorker(rt.ID).WithError(err).Error("worker exited with error")
			}
		case <-time.After(cfg.Worker.MaxTaskDuration + 30*time.Second):
			logger.Plain().WithWorker(rt.ID).Warn("drain deadline exceeded, forcing exit")
			cancel()
			<-done
		}
	case err := <-done:
		if err != nil {
			logger.Plain().WithWorker(rt.ID).WithError(err).Error("worker exited with error")
		}
	}

	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}
