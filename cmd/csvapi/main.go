// Service csvapi accepts CSV uploads over HTTP. Files are ingested within
// the request or handed to the relay stages, and stored records are served
// back per owner.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/prompted/csvrelay/internal/api"
	"github.com/prompted/csvrelay/internal/config"
	"github.com/prompted/csvrelay/internal/ingest"
	"github.com/prompted/csvrelay/internal/logging"
	"github.com/prompted/csvrelay/internal/records"
	"github.com/prompted/csvrelay/internal/relay"
	"github.com/prompted/csvrelay/internal/telemetry"
)

const serviceName = "csvapi"

func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	_, syncLogs, err := logging.New(serviceName, cfg.SlogLevel())
	if err != nil {
		slog.Error("failed to build logger", "error", err)
		os.Exit(1)
	}
	defer syncLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer flush(shutdownTracing)

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := records.Open(connCtx, cfg.StoreDriver, cfg.DatabaseURL, cfg.MigrationsDir)
	connCancel()
	if err != nil {
		slog.Error("failed to open record store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	svc := ingest.NewService(store)

	pub, closePub, err := newPublisher(cfg, svc)
	if err != nil {
		slog.Error("failed to start relay publisher", "transport", cfg.Relay.Transport, "error", err)
		os.Exit(1)
	}
	defer closePub()

	handler := api.NewHandler(svc, pub, cfg.MaxUploadBytes)
	router := api.NewRouter(handler, api.RouterOptions{
		Service:     serviceName,
		OwnerHeader:    cfg.OwnerHeader,
		RequestTimeout: cfg.Relay.RequestTimeout(),
		Ready:          store.Ping,
	})

	serve(ctx, cfg.Base, router, cfg.Relay.RequestTimeout())
}

// newPublisher returns the relay transport. The inproc transport runs the
// stage handlers inside this process.
func newPublisher(cfg config.API, svc *ingest.Service) (relay.Publisher, func(), error) {
	policy := relay.FanoutPolicy(cfg.Relay.FanoutPolicy)

	if cfg.Relay.Transport == config.TransportInproc {
		pub := relay.NewInprocPublisher()
		pub.Bind(relay.NewHandler(svc, pub, policy))
		slog.Info("relay running in process", "fanout_policy", policy)
		return pub, func() {}, nil
	}

	conn, err := amqp.Dial(cfg.Relay.RabbitURL)
	if err != nil {
		return nil, nil, err
	}
	pub, err := relay.NewAMQPPublisher(conn, relay.PublisherOptions{
		QueuePrefix:         cfg.Relay.QueuePrefix,
		ReplyTimeout:        cfg.Relay.ReplyTimeout,
		ProcessReplyTimeout: cfg.Relay.ProcessReplyTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return pub, func() {
		_ = pub.Close()
		_ = conn.Close()
	}, nil
}

func serve(ctx context.Context, cfg config.Base, handler http.Handler, requestTimeout time.Duration) {
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("csvapi listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func flush(shutdown telemetry.Shutdown) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Error("tracer shutdown", "error", err)
	}
}
