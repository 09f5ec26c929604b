package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"auditlog/internal/platform/broker"
	"auditlog/internal/platform/config"
	"auditlog/internal/platform/httpserver"
	"auditlog/internal/platform/logger"
	"auditlog/internal/platform/metrics"
	"auditlog/internal/platform/postgres"
	"auditlog/internal/platform/redis"
	"auditlog/pkg/platform/audit/consumer"
	auditStore "auditlog/pkg/platform/audit/store/postgres"
)

// main runs the durable consumer that persists audit events from the
// broker.
func main() {
	cfg, err := config.LoadAuditor()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Error("auditor stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Auditor, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otel.SetTextMapPropagator(propagation.TraceContext{})

	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	store := auditStore.New(db.DB)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	var tracker consumer.DeliveryTracker = consumer.NewMemoryTracker()
	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		tracker = rdb.DeliveryTracker()
		log.Info("tracking redeliveries in redis")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	c := consumer.New(
		broker.NewConnector(cfg.AMQP.URL, broker.TopologyFrom(cfg.AMQP), "auditor"),
		consumer.NewHandler(store, log),
		consumer.WithTracker(tracker),
		consumer.WithMaxDeliveries(cfg.MaxDeliveries),
		consumer.WithRetryDelay(cfg.RetryDelay),
		consumer.WithLogger(log),
		consumer.WithMetrics(m),
	)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return httpserver.Serve(gctx, httpserver.New(cfg.MetricsAddr, metricsMux), log) })
	return g.Wait()
}
