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

	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/ratelimit"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("ride-dispatch", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "address to listen on")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.StringVar(&cfg.PricingFile, "pricing-file", cfg.PricingFile, "YAML pricing settings (defaults apply when empty)")
	flagSet.BoolVar(&cfg.RunMigrations, "migrate", cfg.RunMigrations, "apply the embedded Postgres migrations on start")
	flagSet.BoolVar(&cfg.ReconcileOnStart, "reconcile", cfg.ReconcileOnStart, "re-arm timers for open trips on start")
	flagSet.IntVar(&cfg.MaxBroadcastCycles, "max-broadcast-cycles", cfg.MaxBroadcastCycles, "cancel a trip after this many unanswered broadcasts (0 = never)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := loadPricing(cfg)
	if err != nil {
		return err
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	var store storage.TripStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, trips are kept in memory")
		store = storage.NewMemoryStore()
	}

	var dir directory.Directory
	if cfg.RedisAddr != "" {
		rd := directory.NewRedisFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		if err := rd.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, rd.Close)
		dir = rd
	} else {
		logger.Warn("REDIS_ADDR not set, driver directory is in memory")
		dir = directory.NewMemory()
	}

	routes, err := routeEstimator(cfg, logger)
	if err != nil {
		return err
	}

	wsreg := dispatch.NewWSRegistry()
	sinks := dispatch.Fanout{wsreg}
	if cfg.ChatWebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookNotifier(cfg.ChatWebhookURL, cfg.ChatWebhookKey))
	}
	if cfg.RabbitURL != "" {
		rb, err := dispatch.DialRabbitBroadcaster(cfg.RabbitURL)
		if err != nil {
			return err
		}
		closers = append(closers, rb.Close)
		sinks = append(sinks, rb)
	}
	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaEventsTopic)
		closers = append(closers, kp.Close)
		sinks = append(sinks, kp)
	}

	clk := clock.Real()
	cascade := dispatch.NewCascade(store, matcher.New(dir), sinks, clk, logger, dispatch.Config{
		PriorityTimeout:    cfg.PriorityTimeout,
		BroadcastTimeout:   cfg.BroadcastTimeout,
		PriorityFanout:     cfg.PriorityFanout,
		MaxBroadcastCycles: cfg.MaxBroadcastCycles,
		NotifyRiderOnDelay: cfg.NotifyRiderOnDelay,
	})
	defer cascade.Close()

	deps := engine.Deps{
		Store:     store,
		Directory: dir,
		Pricing:   pricing.NewEngine(settings),
		Cascade:   cascade,
		Routes:    routes,
		Limiter:   ratelimit.New(clk),
		Notifier:  sinks,
		Clock:     clk,
		Logger:    logger,
	}
	if kp != nil {
		deps.Locations = kp
	}
	eng := engine.New(deps, engine.Config{
		Limits: map[string]ratelimit.Policy{
			engine.ActionCreateTrip: {Max: cfg.CreateTripLimit, Window: cfg.CreateTripWindow},
			engine.ActionAccept:     {Max: cfg.AcceptLimit, Window: cfg.AcceptWindow},
		},
		DefaultRoute: eta.Route{DistanceM: cfg.FallbackDistanceM, DurationS: cfg.FallbackDurationS},
	})

	if cfg.ReconcileOnStart {
		n, err := cascade.Reconcile(ctx)
		if err != nil {
			logger.Error("reconcile failed", "error", err)
		} else {
			logger.Info("open trips re-armed", "count", n)
		}
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(eng, wsreg, httpapi.NewAuthenticator(cfg.JWTSecret), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadPricing(cfg config.ServerConfig) (pricing.Settings, error) {
	settings := pricing.DefaultSettings()
	if cfg.PricingFile != "" {
		s, err := pricing.LoadFile(cfg.PricingFile)
		if err != nil {
			return pricing.Settings{}, err
		}
		settings = s
	}
	if cfg.Timezone != "" {
		settings.Timezone = cfg.Timezone
	}
	if err := settings.Validate(); err != nil {
		return pricing.Settings{}, fmt.Errorf("pricing settings: %w", err)
	}
	return settings, nil
}

// routeEstimator picks OSRM, then Google Maps, then a straight-line guess,
// behind a cache and the configured default route.
func routeEstimator(cfg config.ServerConfig, logger *slog.Logger) (eta.Estimator, error) {
	var primary eta.Estimator
	switch {
	case cfg.OSRMURL != "":
		primary = eta.NewOSRMClient(cfg.OSRMURL)
	case cfg.GoogleMapsKey != "":
		g, err := eta.NewGoogleMaps(cfg.GoogleMapsKey)
		if err != nil {
			return nil, err
		}
		primary = g
	default:
		primary = eta.StraightLine{SpeedMps: cfg.FallbackSpeedMps}
	}
	return &eta.Fallback{
		Primary: primary,
		Cache:   eta.NewCache(cfg.RouteCacheTTL, nil),
		Default: eta.Route{DistanceM: cfg.FallbackDistanceM, DurationS: cfg.FallbackDurationS},
		Logger:  logger,
	}, nil
}
