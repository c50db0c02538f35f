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

	"github.com/crawlgrid/crawlgrid/internal/admission"
	"github.com/crawlgrid/crawlgrid/internal/auth"
	"github.com/crawlgrid/crawlgrid/internal/config"
	"github.com/crawlgrid/crawlgrid/internal/db"
	"github.com/crawlgrid/crawlgrid/internal/events"
	"github.com/crawlgrid/crawlgrid/internal/health"
	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/metrics"
	"github.com/crawlgrid/crawlgrid/internal/queue"
	"github.com/crawlgrid/crawlgrid/internal/registry"
	"github.com/crawlgrid/crawlgrid/internal/retry"
	"github.com/crawlgrid/crawlgrid/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("crawlgrid-api")

	shutdownTracing, err := tracing.InitTracing(ctx, "crawlgrid-api")
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

	stats := registry.New(pool, logger)
	go stats.Run(ctx, 15*time.Second)

	svc := admission.NewService(q, stats, logger, cfg.Retry.MaxAttempts)

	apiMux := http.NewServeMux()
	svc.Routes(apiMux)

	var handler http.Handler = apiMux
	if cfg.API.JWTSecret != "" {
		handler = auth.NewValidator(cfg.API.JWTSecret).HTTPMiddleware(apiMux)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", handler)
	mux.HandleFunc("/healthz", health.HTTPHandler("crawlgrid-api", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.API.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Info("api server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("api service stopped")
}
