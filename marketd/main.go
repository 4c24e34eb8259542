package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/FlashTheFire/nexnum/common/config"
	"github.com/FlashTheFire/nexnum/common/tracing"
)

var (
	serviceName = "marketd"
	grpcAddr    = config.GetEnv("GRPC_ADDR", "localhost:2010")
	metricsAddr = config.GetEnv("METRICS_ADDR", "localhost:9010")
	consulAddr  = config.GetEnv("CONSUL_ADDR", "localhost:8500")
	amqpUser    = config.GetEnv("RABBITMQ_USER", "guest")
	amqpPass    = config.GetEnv("RABBITMQ_PASS", "guest")
	amqpHost    = config.GetEnv("RABBITMQ_HOST", "localhost")
	amqpPort    = config.GetEnv("RABBITMQ_PORT", "5672")
	// PostgreSQL connection details
	postgresHost = config.GetEnv("POSTGRES_HOST", "localhost")
	postgresPort = config.GetEnv("POSTGRES_PORT", "5432")
	postgresUser = config.GetEnv("POSTGRES_USER", "nexnum")
	postgresPass = config.GetEnv("POSTGRES_PASSWORD", "nexnum123")
	postgresDB   = config.GetEnv("POSTGRES_DB", "nexnum")
	// Redis backs the poll due-index and the provider balance cache.
	redisAddr = config.GetEnv("REDIS_ADDR", "localhost:6379")
	redisPass = config.GetEnv("REDIS_PASSWORD", "")
	// Meilisearch holds the offer catalog. Empty host falls back to the
	// in-process index, which only makes sense for local development.
	meiliHost = config.GetEnv("MEILI_HOST", "")
	meiliKey  = config.GetEnv("MEILI_API_KEY", "")
	// Upstream SMS provider credentials. An adapter without credentials is
	// not registered.
	smshubBaseURL  = config.GetEnv("SMSHUB_BASE_URL", "https://smshub.org/stubs/handler_api.php")
	smshubAPIKey   = config.GetEnv("SMSHUB_API_KEY", "")
	fivesimBaseURL = config.GetEnv("FIVESIM_BASE_URL", "https://5sim.net/v1")
	fivesimToken   = config.GetEnv("FIVESIM_TOKEN", "")

	providerRPS   = config.GetEnvInt("PROVIDER_RPS", 8)
	providerBurst = config.GetEnvInt("PROVIDER_BURST", 4)
	syncInterval  = config.GetEnvDuration("CATALOG_SYNC_INTERVAL", 10*time.Minute)

	shutdownTimeout = 30 * time.Second
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	zap.ReplaceGlobals(logger)

	shutdownTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		logger.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApp(ctx)
	if err != nil {
		logger.Fatal("failed to assemble service", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		logger.Fatal("failed to start service", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
}
