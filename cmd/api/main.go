package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aiox-platform/usagegate/internal/alert"
	"github.com/aiox-platform/usagegate/internal/api"
	"github.com/aiox-platform/usagegate/internal/auth"
	"github.com/aiox-platform/usagegate/internal/config"
	"github.com/aiox-platform/usagegate/internal/database"
	mw "github.com/aiox-platform/usagegate/internal/middleware"
	inats "github.com/aiox-platform/usagegate/internal/nats"
	"github.com/aiox-platform/usagegate/internal/quota"
	iredis "github.com/aiox-platform/usagegate/internal/redis"
	"github.com/aiox-platform/usagegate/internal/server"
	"github.com/aiox-platform/usagegate/internal/store"
)

const alertLogCapacity = 1000

var errNATSDisconnected = errors.New("nats connection lost")

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var readiness []api.ReadinessCheck

	// PostgreSQL, only for the postgres backend
	var pool *pgxpool.Pool
	if cfg.Store.Backend == "postgres" {
		if err := database.RunMigrations(cfg.DB); err != nil {
			return err
		}
		var err error
		pool, err = database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer pool.Close()
		readiness = append(readiness, api.ReadinessCheck{Name: "database", Check: database.HealthCheck(pool), Required: true})
	}

	// Redis
	var redisClient *goredis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = iredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		readiness = append(readiness, api.ReadinessCheck{
			Name:     "redis",
			Check:    iredis.HealthCheck(redisClient),
			Required: cfg.Store.Backend == "redis",
		})
	}

	// Usage store
	st, err := openStore(cfg, pool, redisClient)
	if err != nil {
		return err
	}
	defer st.Close()
	readiness = append(readiness, api.ReadinessCheck{
		Name:     "store",
		Check:    func(ctx context.Context) error { return store.Ping(ctx, st) },
		Required: true,
	})

	// Policies
	base := quota.DefaultPolicies(cfg.Quota.DailyRequestLimit)
	table := base
	if cfg.Quota.PolicyFile != "" {
		table, err = quota.LoadPolicyFile(cfg.Quota.PolicyFile, base)
		if err != nil {
			return err
		}
	}
	policies, err := quota.NewPolicySet(table)
	if err != nil {
		return err
	}
	slog.Info("quota policies loaded", "services", table.Services())

	if cfg.Quota.PolicyWatch {
		watcher := quota.NewPolicyWatcher(cfg.Quota.PolicyFile, base, policies)
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				slog.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	// NATS (optional)
	var (
		natsClient *inats.Client
		events     alert.EventPublisher
	)
	if cfg.NATS.Enabled() {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		events = inats.NewPublisher(natsClient.JetStream())
		readiness = append(readiness, api.ReadinessCheck{
			Name: "nats",
			Check: func(context.Context) error {
				if !natsClient.Healthy() {
					return errNATSDisconnected
				}
				return nil
			},
		})
	} else {
		readiness = append(readiness, api.ReadinessCheck{Name: "nats"})
	}

	// Alerts
	opts := []alert.Option{alert.WithWebhook(cfg.Alert.WebhookURL, cfg.Alert.WebhookTimeout)}
	if events != nil {
		opts = append(opts, alert.WithEvents(events))
	}
	dispatcher := alert.NewDispatcher(openAlertRepository(pool, redisClient), opts...)
	if cfg.Alert.WebhookURL == "" {
		slog.Warn("alert webhook not configured, alerts are only logged")
	}

	// Quota
	granularity, err := quota.ParseGranularity(cfg.Quota.DefaultGranularity)
	if err != nil {
		return err
	}
	svc := quota.NewService(st, policies, dispatcher, quota.Options{
		SafetyEnabled:      cfg.Quota.SafetyEnabled,
		DefaultGranularity: granularity,
		StoreTimeout:       cfg.Store.Timeout,
		WriteRetries:       cfg.Store.WriteRetries,
	})
	quotaHandler := quota.NewHandler(svc, dispatcher)

	var locker quota.Locker
	if redisClient != nil {
		locker = iredis.NewLocker(redisClient)
	}
	scheduler := quota.NewScheduler(svc.Roller(), cfg.Quota.RolloverSchedule, locker)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	if next := scheduler.NextRun(); next != nil {
		slog.Info("next rollover", "at", next)
	}

	if natsClient != nil {
		ingestor := quota.NewIngestor(svc, inats.NewConsumerManager(natsClient.JetStream()))
		go func() {
			if err := ingestor.Start(ctx); err != nil {
				slog.Error("usage ingestor stopped", "error", err)
			}
		}()
	}

	// Router
	jwtManager := auth.NewJWTManager(cfg.Admin.JWTSecret, cfg.Admin.JWTExpiry)
	routerCfg := api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		Readiness:          readiness,
	}
	if redisClient != nil {
		routerCfg.RateLimiter = mw.NewRateLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.WindowSec).Middleware
	}

	router := api.NewRouter(routerCfg, api.HandlerSet{
		GetAllUsage: quotaHandler.GetAll,
		GetUsage:    quotaHandler.Get,
		CheckLimit:  quotaHandler.Check,
		RecordUsage: quotaHandler.Record,

		Rollover:   quotaHandler.Rollover,
		ListAlerts: quotaHandler.ListAlerts,
		GetArchive: quotaHandler.GetArchive,

		AdminMiddleware: auth.Middleware(jwtManager),
	})

	srv := server.New(cfg.Server, router)
	srv.OnShutdown(func(context.Context) { scheduler.Stop() })
	return srv.Run(ctx)
}

func openStore(cfg *config.Config, pool *pgxpool.Pool, redisClient *goredis.Client) (store.Store, error) {
	slog.Info("opening usage store", "backend", cfg.Store.Backend)
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresStore(pool), nil
	case "redis":
		return store.NewRedisStore(redisClient), nil
	case "file":
		return store.NewFileStore(cfg.Store.FilePath)
	default:
		slog.Warn("memory usage store in use, counters are lost on restart")
		return store.NewMemoryStore(), nil
	}
}

// openAlertRepository keeps the alert log next to the usage data when a
// shared backend exists.
func openAlertRepository(pool *pgxpool.Pool, redisClient *goredis.Client) alert.Repository {
	switch {
	case pool != nil:
		return alert.NewPostgresRepository(pool)
	case redisClient != nil:
		return alert.NewRedisRepository(redisClient, alertLogCapacity)
	default:
		return alert.NewMemoryRepository(alertLogCapacity)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler).With("service", "usagegate"))
}
