package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	historyHandler "auditlog/internal/history/handler"
	"auditlog/internal/jwttoken"
	"auditlog/internal/platform/broker"
	"auditlog/internal/platform/config"
	"auditlog/internal/platform/httpserver"
	"auditlog/internal/platform/logger"
	"auditlog/internal/platform/metrics"
	"auditlog/internal/platform/postgres"
	usersHandler "auditlog/internal/users/handler"
	usersService "auditlog/internal/users/service"
	usersStore "auditlog/internal/users/store"
	"auditlog/pkg/platform/audit/history"
	"auditlog/pkg/platform/audit/publisher"
	auditStore "auditlog/pkg/platform/audit/store/postgres"
	"auditlog/pkg/platform/middleware/auth"
	"auditlog/pkg/platform/middleware/metadata"
	"auditlog/pkg/platform/middleware/request"
	"auditlog/pkg/platform/middleware/requesttime"
)

// main wires the users API, its audit publisher and the history endpoints.
// A broker that cannot be reached at startup is fatal.
func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.API, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otel.SetTextMapPropagator(propagation.TraceContext{})

	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	users := usersStore.NewPostgres(db.DB)
	if err := users.EnsureSchema(ctx); err != nil {
		return err
	}
	events := auditStore.New(db.DB)
	if err := events.EnsureSchema(ctx); err != nil {
		return err
	}

	conn, err := broker.DialPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		return fmt.Errorf("audit transport unavailable at startup: %w", err)
	}
	defer conn.Close()

	priv, pub, err := jwttoken.LoadKeys(cfg.Auth.PrivateKeyFile, cfg.Auth.PublicKeyFile)
	if err != nil {
		return err
	}
	tokens := jwttoken.NewJWTService(priv, pub, cfg.Auth.Issuer, cfg.Auth.TTL)

	m := metrics.New(prometheus.DefaultRegisterer)
	auditPublisher := publisher.New(conn,
		publisher.WithExchange(cfg.AMQP.Exchange),
		publisher.WithDomain(cfg.AMQP.Domain),
		publisher.WithLogger(log),
		publisher.WithMetrics(m),
	)
	emitter := publisher.NewEmitter(auditPublisher, publisher.NewCircuitBreaker(5, 30*time.Second), log)

	uh := usersHandler.New(usersService.New(users, emitter, log), tokens, log)
	hh := historyHandler.New(history.New(events), m, log)

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(request.Logger(log))
	r.Use(chimw.Recoverer)
	r.Use(requesttime.Middleware)
	uh.RegisterPublic(r)
	hh.Register(r)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens, log))
		uh.Register(r)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpserver.Serve(gctx, httpserver.New(cfg.Addr, r), log) })
	g.Go(func() error { return httpserver.Serve(gctx, httpserver.New(cfg.MetricsAddr, metricsMux), log) })
	return g.Wait()
}
