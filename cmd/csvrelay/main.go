// Service csvrelay consumes the upload, process and save stage queues and
// replies to every request on its reply queue.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/prompted/csvrelay/internal/config"
	"github.com/prompted/csvrelay/internal/ingest"
	"github.com/prompted/csvrelay/internal/logging"
	"github.com/prompted/csvrelay/internal/metrics"
	"github.com/prompted/csvrelay/internal/models"
	"github.com/prompted/csvrelay/internal/records"
	"github.com/prompted/csvrelay/internal/relay"
	"github.com/prompted/csvrelay/internal/telemetry"
)

const serviceName = "csvrelay"

func main() {
	cfg, err := config.LoadRelayWorker()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Relay.Transport != config.TransportAMQP {
		slog.Error("csvrelay requires RELAY_TRANSPORT=amqp", "transport", cfg.Relay.Transport)
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
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := records.Open(connCtx, cfg.StoreDriver, cfg.DatabaseURL, cfg.MigrationsDir)
	connCancel()
	if err != nil {
		slog.Error("failed to open record store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	conn, err := amqp.Dial(cfg.Relay.RabbitURL)
	if err != nil {
		slog.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	// The process stage publishes each record to the save stage and waits for
	// its reply, so the worker needs its own publisher.
	pub, err := relay.NewAMQPPublisher(conn, relay.PublisherOptions{
		QueuePrefix:         cfg.Relay.QueuePrefix,
		ReplyTimeout:        cfg.Relay.ReplyTimeout,
		ProcessReplyTimeout: cfg.Relay.ProcessReplyTimeout,
	})
	if err != nil {
		slog.Error("failed to start relay publisher", "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	handler := relay.NewHandler(ingest.NewService(store), pub, relay.FanoutPolicy(cfg.Relay.FanoutPolicy))
	consumer := relay.NewConsumer(conn, handler, relay.ConsumerOptions{
		QueuePrefix: cfg.Relay.QueuePrefix,
		Prefetch:    cfg.Relay.Prefetch,
		Workers: map[relay.Stage]int{
			relay.StageUpload:  cfg.Relay.UploadWorkers,
			relay.StageProcess: cfg.Relay.ProcessWorkers,
			relay.StageSave:    cfg.Relay.SaveWorkers,
		},
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      probes(store.Ping, conn),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("csvrelay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("relay worker stopped", "error", err)
		os.Exit(1)
	}
}

func probes(ping func(context.Context) error, conn *amqp.Connection) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ok", Service: serviceName})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		err := ping(r.Context())
		if err == nil && conn.IsClosed() {
			err = amqp.ErrClosed
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable,
				models.HealthResponse{Status: "unavailable", Service: serviceName, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ready", Service: serviceName})
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
