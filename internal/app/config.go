package app

import (
	"time"

	"github.com/apiforge/apiforge-backend/internal/platform/envutil"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type Config struct {
	Port        string
	Environment string
	Version     string

	JWTSecretKey    string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// RunServer serves the HTTP API; RunWorker runs the Temporal worker. A
	// single-process deployment sets both.
	RunServer bool
	RunWorker bool

	// MetricsAddr, when set, serves /metrics on its own listener in addition
	// to the API route.
	MetricsAddr string

	SandboxPushWorkers int
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Port:               envutil.Str("PORT", "8080"),
		Environment:        envutil.Str("APP_ENV", "development"),
		Version:            envutil.Str("APP_VERSION", "dev"),
		JWTSecretKey:       envutil.Str("JWT_SECRET_KEY", "defaultsecret"),
		AccessTokenTTL:     envutil.Duration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:    envutil.Duration("REFRESH_TOKEN_TTL", 24*time.Hour),
		RunServer:          envutil.Bool("RUN_SERVER", true),
		RunWorker:          envutil.Bool("RUN_WORKER", true),
		MetricsAddr:        envutil.Str("METRICS_ADDR", ""),
		SandboxPushWorkers: envutil.Int("SANDBOX_PUSH_WORKERS", 4),
	}
	if cfg.JWTSecretKey == "defaultsecret" && log != nil {
		log.Warn("JWT_SECRET_KEY not set; using the development default")
	}
	return cfg
}
