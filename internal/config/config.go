package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Quota     QuotaConfig
	Alert     AlertConfig
	Admin     AdminConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// StoreConfig selects the usage store backend.
type StoreConfig struct {
	Backend      string // memory, file, redis, postgres
	FilePath     string
	Timeout      time.Duration
	WriteRetries int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables JetStream.
type NATSConfig struct {
	URL string
}

func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

type QuotaConfig struct {
	DailyRequestLimit  float64
	SafetyEnabled      bool
	DefaultGranularity string
	PolicyFile         string
	PolicyWatch        bool
	RolloverSchedule   string
}

type AlertConfig struct {
	WebhookURL     string
	WebhookTimeout time.Duration
}

type AdminConfig struct {
	JWTSecret string
	JWTExpiry time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	Requests  int
	WindowSec int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		Store: StoreConfig{
			Backend:      strings.ToLower(k.String("store.backend")),
			FilePath:     k.String("store.file.path"),
			WriteRetries: k.Int("store.write.retries"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Enabled:  k.Bool("redis.enabled"),
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Quota: QuotaConfig{
			DailyRequestLimit:  k.Float64("daily.request.limit"),
			SafetyEnabled:      parseSwitch(k.String("safety.enabled"), true),
			DefaultGranularity: strings.ToLower(k.String("default.granularity")),
			PolicyFile:         k.String("quota.policy.file"),
			PolicyWatch:        k.Bool("quota.policy.watch"),
			RolloverSchedule:   k.String("rollover.schedule"),
		},
		Alert: AlertConfig{
			WebhookURL: k.String("usage.alert.webhook.url"),
		},
		Admin: AdminConfig{
			JWTSecret: k.String("admin.jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			Requests:  k.Int("rate.limit.requests"),
			WindowSec: k.Int("rate.limit.window.sec"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.FilePath == "" {
		cfg.Store.FilePath = "usage.json"
	}
	if !k.Exists("store.write.retries") {
		cfg.Store.WriteRetries = 3
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "usagegate"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "usagegate"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Store.Backend == "redis" {
		cfg.Redis.Enabled = true
	}
	if cfg.Quota.DailyRequestLimit == 0 {
		cfg.Quota.DailyRequestLimit = 100
	}
	if cfg.Quota.DefaultGranularity == "" {
		cfg.Quota.DefaultGranularity = "daily"
	}
	if cfg.Quota.RolloverSchedule == "" {
		cfg.Quota.RolloverSchedule = "5 0 * * *"
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 120
	}
	if cfg.RateLimit.WindowSec == 0 {
		cfg.RateLimit.WindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	origins := k.String("cors.allowed.origins")
	if origins == "" {
		origins = "http://localhost:3000"
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
		}
	}

	// Parse durations
	cfg.Store.Timeout, err = parseDuration(k.String("store.timeout"), "2s")
	if err != nil {
		return nil, fmt.Errorf("parsing store timeout: %w", err)
	}

	cfg.Alert.WebhookTimeout, err = parseDuration(k.String("webhook.timeout"), "3s")
	if err != nil {
		return nil, fmt.Errorf("parsing webhook timeout: %w", err)
	}

	cfg.Admin.JWTExpiry, err = parseDuration(k.String("admin.jwt.expiry"), "1h")
	if err != nil {
		return nil, fmt.Errorf("parsing admin jwt expiry: %w", err)
	}

	return cfg, nil
}

func parseDuration(raw, fallback string) (time.Duration, error) {
	if raw == "" {
		raw = fallback
	}
	return time.ParseDuration(raw)
}

// parseSwitch reads an on/off flag. Only "0" and "false" (any case) switch
// it off; unset falls back to def.
func parseSwitch(raw string, def bool) bool {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return def
	}
	return raw != "0" && raw != "false"
}
