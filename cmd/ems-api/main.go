// README: Entry point; loads config, wires stores, bus, services and the HTTP server, then runs until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"emsdispatch/internal/config"
	httptransport "emsdispatch/internal/http"
	"emsdispatch/internal/http/middleware"
	"emsdispatch/internal/infra"
	"emsdispatch/internal/maps"
	"emsdispatch/internal/modules/assignment"
	"emsdispatch/internal/modules/events"
	"emsdispatch/internal/modules/location"
	"emsdispatch/internal/modules/query"
	"emsdispatch/internal/modules/request"
)

// fallbackSpeedKmh is the straight-line speed used when the directions API is unavailable.
const fallbackSpeedKmh = 40

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ems-api exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		if cfg.Bus.RelayEnabled {
			return err
		}
		// Redis is optional unless the relay is enabled.
		logger.Warn("redis unavailable; using in-process location state", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	bus := events.NewBus(events.Options{Buffer: cfg.Bus.SubscriberBuffer, MaxPending: cfg.Bus.MaxPending}, logger.Named("bus"))
	defer bus.Close()
	var publisher request.Publisher = bus
	if cfg.Bus.RelayEnabled {
		relay := events.NewRelay(bus, redisClient, cfg.Bus.RelayChannel, logger.Named("relay"))
		publisher = relay
		g.Go(func() error { return relay.Run(ctx) })
	}

	requests := request.NewService(store, publisher, logger.Named("request"))

	var gate location.SampleGate = location.NewMemoryGate()
	var positions location.PositionIndex = location.NewMemoryPositions()
	if redisClient != nil {
		gate = location.NewRedisGate(redisClient)
		positions = location.NewRedisPositions(redisClient)
	}
	tracker := location.NewTracker(requests, gate, positions, newEstimator(cfg.Maps, logger), location.Options{
		SourceTimeout: cfg.Tracking.SourceTimeout,
		LastKnownTTL:  cfg.Tracking.LastKnownTTL,
	}, logger.Named("location"))
	coordinator := assignment.NewCoordinator(requests, tracker, logger.Named("assignment"))
	queries := query.NewService(requests, tracker, logger.Named("query"))

	auth := middleware.DebugAuth()
	var app *firebase.App
	if cfg.Firebase.AuthEnabled || cfg.Firebase.DatabaseURL != "" {
		app, err = infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
		if err != nil {
			return err
		}
	}
	if cfg.Firebase.AuthEnabled {
		verifier, err := infra.NewFirebaseVerifier(ctx, app)
		if err != nil {
			return err
		}
		auth = middleware.Auth(verifier)
	} else {
		logger.Warn("auth disabled; trusting debug headers")
	}

	if cfg.Firebase.DatabaseURL != "" {
		rtdb, err := infra.NewRealtimeDB(ctx, app)
		if err != nil {
			return err
		}
		mirror := location.NewMirror(location.NewRTDBWriter(rtdb), logger.Named("mirror"))
		g.Go(func() error { return mirror.Follow(ctx, bus, requests) })
	}

	limiter := middleware.NewRateLimiter(cfg.Tracking.RateLimitRPS, cfg.Tracking.RateLimitBurst, 10*time.Minute)
	g.Go(func() error {
		limiter.Run(ctx.Done(), time.Minute)
		return nil
	})

	if cfg.Log.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := httptransport.NewRouter(httptransport.RouterDeps{
		Lifecycle:       requests,
		Queries:         queries,
		Tracker:         tracker,
		Assigner:        coordinator,
		Bus:             bus,
		Auth:            auth,
		LocationLimiter: limiter,
		Logger:          logger.Named("http"),
	})
	if err != nil {
		return err
	}
	server := httptransport.NewServer(cfg.HTTP, router, logger.Named("http"))
	g.Go(func() error { return server.Run(ctx) })

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (request.Store, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory request store; state is lost on restart and not shared across instances")
		return request.NewMemoryStore(), func() {}, nil
	}
	if cfg.Migrate {
		if err := infra.Migrate(cfg.DSN, cfg.MigrationsDir); err != nil {
			return nil, nil, err
		}
	}
	pool, err := infra.NewDB(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return request.NewPostgresStore(pool), pool.Close, nil
}

func newEstimator(cfg config.MapsConfig, logger *zap.Logger) maps.Estimator {
	fallback := maps.HaversineEstimator{SpeedKmh: fallbackSpeedKmh}
	if cfg.APIKey == "" {
		return fallback
	}
	routes, err := maps.NewRouteService(cfg.APIKey, cfg.Timeout)
	if err != nil {
		logger.Warn("directions client unavailable; using straight-line estimates", zap.Error(err))
		return fallback
	}
	return maps.Fallback{Primary: routes, Secondary: fallback, Logger: logger.Named("maps")}
}
