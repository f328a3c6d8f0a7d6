// Package main wires configuration, dependencies, and HTTP server startup.
//
// @Title SOS Alert API
// @Version 0.1.0
// @Description Emergency alert intake, dispatch and escalation for the ride-hailing operations console.
// @Server http://localhost:8080 Local development
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ridehail/sos/internal/config"
	"ridehail/sos/internal/database"
	"ridehail/sos/internal/dispatch"
	"ridehail/sos/internal/engine"
	"ridehail/sos/internal/escalation"
	"ridehail/sos/internal/metrics"
	"ridehail/sos/internal/notify"
	"ridehail/sos/internal/server"
	"ridehail/sos/internal/store"

	"github.com/natefinch/lumberjack"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("sos engine stopped")
		closeLog()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	checks := map[string]server.HealthCheck{}

	var (
		alerts  store.Store
		auditor notify.Auditor
	)
	if cfg.Database.URL != "" {
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		alerts = store.NewPostgres(pool)
		auditor = store.NewAuditLog(pool)
		checks["postgres"] = database.HealthCheck(pool)
	} else {
		logger.Warn().Msg("DB_URL not set, alerts are kept in memory only")
		alerts = store.NewMemory()
		auditor = notify.NewLogAuditor(logger)
	}

	var (
		pub        notify.Publisher
		sub        notify.Subscriber
		driverKeys server.DriverKeys
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not reachable yet")
		}
		pub = notify.NewRedisPublisher(rdb)
		sub = notify.NewRedisSubscriber(rdb, logger)
		driverKeys = server.NewRedisDriverKeys(rdb)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		hub := notify.NewHub(256, logger)
		pub, sub = hub, hub
	}

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer, metrics.DefaultTargets(), cfg.Engine.ComplianceWindow, logger)
	registry := dispatch.NewConfiguredRegistry(cfg.Connectors, pub, logger)

	regions, err := engine.NewRegionPolicy(cfg.Regions)
	if err != nil {
		return err
	}
	var access engine.AccessPolicy = engine.AllowAll{}
	if len(cfg.Regions) > 0 {
		access = regions
	}

	var drivers engine.DriverStatus
	if cfg.DriverStatus.URL != "" {
		drivers = engine.NewHTTPDriverStatus(cfg.DriverStatus.URL, cfg.DriverStatus.Timeout, logger)
	}

	policy, err := policyFrom(cfg.Engine)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Deps{
		Store:        alerts,
		Coordinator:  dispatch.NewCoordinator(registry, cfg.Engine.DispatchTimeout, nil, logger),
		Broadcaster:  notify.NewBroadcaster(pub, auditor, cfg.Engine.BroadcastQueue, logger, notify.WithRetry(cfg.Engine.BroadcastRetries, cfg.Engine.BroadcastBackoff)),
		Metrics:      recorder,
		Drivers:      drivers,
		Access:       access,
		Policy:       policy,
		StoreTimeout: cfg.Engine.StoreTimeout,
		Log:          logger,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("engine shutdown incomplete")
		}
	}()

	if n, err := eng.Recover(ctx); err != nil {
		logger.Error().Err(err).Msg("escalation timers not recovered")
	} else {
		logger.Info().Int("rearmed", n).Msg("escalation timers recovered")
	}

	janitor, err := engine.NewJanitor(eng, cfg.Engine.SweepSchedule, cfg.Engine.CloseAfter, logger)
	if err != nil {
		return err
	}
	janitor.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		janitor.Stop(stopCtx)
	}()

	var auth server.Authenticator = server.DevAuthenticator{}
	if !cfg.Keycloak.Disabled {
		mw, err := server.NewAuthMiddleware(ctx, cfg.Keycloak, logger)
		if err != nil {
			return err
		}
		defer mw.Close()
		auth = mw
	} else {
		logger.Warn().Msg("keycloak disabled, every request is treated as an operator")
	}

	srv := server.New(cfg, server.Deps{
		Engine:     eng,
		Metrics:    recorder,
		Subscriber: sub,
		Auth:       auth,
		DriverKeys: driverKeys,
		Checks:     checks,
	}, logger)
	return srv.Run(ctx)
}

func policyFrom(cfg config.EngineConfig) (escalation.Policy, error) {
	p := escalation.DefaultPolicy()
	if cfg.PanicWindow > 0 {
		p.Panic = cfg.PanicWindow
	}
	if cfg.DefaultWindow > 0 {
		p.Default = cfg.DefaultWindow
	}
	if cfg.CriticalWindow > 0 {
		p.Critical = cfg.CriticalWindow
	}
	if cfg.SecondaryWindow > 0 {
		p.Secondary = cfg.SecondaryWindow
	}
	if cfg.MaxEscalationLevel > 0 {
		p.MaxLevel = cfg.MaxEscalationLevel
	}
	byType, err := escalation.ParseTypeWindows(cfg.TypeWindows)
	if err != nil {
		return escalation.Policy{}, err
	}
	p.ByType = byType
	return p, nil
}

// newLogger writes JSON to stdout and, when LOG_FILE is set, to a rotated file as well.
func newLogger(cfg config.Config) (zerolog.Logger, func()) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var console io.Writer = os.Stdout
	if cfg.Env == "development" {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC822}
	}

	closeFn := func() {}
	out := console
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, file)
		closeFn = func() { _ = file.Close() }
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("env", cfg.Env).Str("app", cfg.AppName).Logger()
	return logger, closeFn
}
