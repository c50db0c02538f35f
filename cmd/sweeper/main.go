package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crawlgrid/crawlgrid/internal/config"
	"github.com/crawlgrid/crawlgrid/internal/db"
	"github.com/crawlgrid/crawlgrid/internal/events"
	"github.com/crawlgrid/crawlgrid/internal/health"
	"github.com/crawlgrid/crawlgrid/internal/liveness"
	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/metrics"
	"github.com/crawlgrid/crawlgrid/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("crawlgrid-sweeper")

	shutdownTracing, err := tracing.InitTracing(ctx, "crawlgrid-sweeper")
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
	mux.HandleFunc("/healthz", health.HTTPHandler("crawlgrid-sweeper", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Sweeper.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("sweeper HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("sweeper HTTP server failed")
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

	mon := liveness.New(pool, emitter, logger, cfg.Sweeper.Interval, cfg.Sweeper.DeadWorkerThreshold)
	go mon.Run(ctx)

	logger.Plain().Info("sweeper service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down sweeper service")
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("sweeper service stopped")
}
