package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid or unknown-driver messages received",
	})
	directoryUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_directory_updates_total",
		Help: "Total successful driver directory updates",
	})
	directoryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_directory_errors_total",
		Help: "Total driver directory updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, directoryUpdates, directoryErrors)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return err
	}
	flagSet := pflag.NewFlagSet("ride-dispatch-consumer", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flagSet.StringVar(&cfg.KafkaTopic, "topic", cfg.KafkaTopic, "driver location topic")
	flagSet.StringVar(&cfg.KafkaGroup, "group", cfg.KafkaGroup, "consumer group id")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger := logging.NewLogger("ride-dispatch-consumer", cfg.LogLevel)

	dir := directory.NewRedisFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
	defer dir.Close()

	go serveHealth(cfg.MetricsAddr, dir, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		p, err := ingest.DecodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "offset", m.Offset, "error", err)
			continue
		}
		if p.At.IsZero() {
			p.At = m.Time
		}

		switch err := applyWithRetry(ctx, dir, p, cfg.Attempts, cfg.RetryDelay); {
		case err == nil:
			directoryUpdates.Inc()
		case errors.Is(err, directory.ErrDriverNotFound):
			msgsInvalid.Inc()
			logger.Warn("location for unknown driver", "driver_id", p.DriverID)
		default:
			directoryErrors.Inc()
			logger.Error("directory update failed", "driver_id", p.DriverID, "error", err)
		}
	}
}

func serveHealth(addr string, dir *directory.Redis, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := dir.Ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// locationApplier is the part of the driver directory the consumer writes to.
type locationApplier interface {
	UpdateLocation(ctx context.Context, id string, loc models.Location) error
	SetOnline(ctx context.Context, id string, online bool) error
}

// applyWithRetry writes a ping with exponential backoff between attempts.
// Unknown drivers are not retried.
func applyWithRetry(ctx context.Context, dir locationApplier, p models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = apply(ctx, dir, p); err == nil || errors.Is(err, directory.ErrDriverNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func apply(ctx context.Context, dir locationApplier, p models.LocationPing) error {
	if err := dir.UpdateLocation(ctx, p.DriverID, models.Location{Coord: p.Loc, UpdatedAt: p.At}); err != nil {
		return err
	}
	if p.Online != nil {
		return dir.SetOnline(ctx, p.DriverID, *p.Online)
	}
	return nil
}
