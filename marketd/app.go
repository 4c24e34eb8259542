package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/meilisearch/meilisearch-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/FlashTheFire/nexnum/activation"
	"github.com/FlashTheFire/nexnum/catalog"
	"github.com/FlashTheFire/nexnum/common/broker"
	"github.com/FlashTheFire/nexnum/common/logger"
	"github.com/FlashTheFire/nexnum/common/metrics"
	"github.com/FlashTheFire/nexnum/discovery"
	"github.com/FlashTheFire/nexnum/discovery/consul"
	"github.com/FlashTheFire/nexnum/discovery/inmem"
	"github.com/FlashTheFire/nexnum/orders"
	"github.com/FlashTheFire/nexnum/outbox"
	"github.com/FlashTheFire/nexnum/poller"
	"github.com/FlashTheFire/nexnum/provider"
	"github.com/FlashTheFire/nexnum/provider/fivesim"
	"github.com/FlashTheFire/nexnum/provider/smshub"
	"github.com/FlashTheFire/nexnum/reaper"
	"github.com/FlashTheFire/nexnum/store"
	"github.com/FlashTheFire/nexnum/wallet"
)

// App owns every long-running component of the daemon and starts and stops
// them in dependency order.
type App struct {
	logger *slog.Logger

	store     *store.Store
	redis     *redis.Client
	channel   *amqp.Channel
	closeAMQP func() error

	registry   discovery.Registry
	instanceID string
	healthStop context.CancelFunc

	dispatcher *outbox.Dispatcher
	poller     *poller.Manager
	reaper     *reaper.Reaper
	syncer     *catalog.Syncer
	consumer   *smsConsumer

	grpcServer    *grpc.Server
	health        *health.Server
	metricsServer *http.Server
}

func NewApp(ctx context.Context) (*App, error) {
	log := logger.NewLogger(serviceName)

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPass, postgresHost, postgresPort, postgresDB)

	st, err := store.NewStore(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := st.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("postgres ready", slog.String("database", postgresDB))

	rdb, err := poller.Connect(redisAddr, redisPass)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("redis connected", slog.String("addr", redisAddr))

	ch, closeAMQP, err := broker.Connect(amqpUser, amqpPass, amqpHost, amqpPort)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	log.Info("rabbitmq connected", slog.String("host", amqpHost), slog.String("port", amqpPort))

	var registry discovery.Registry
	if consulAddr != "" {
		registry, err = consul.NewRegistry(consulAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to consul: %w", err)
		}
		log.Info("consul registry initialized", slog.String("addr", consulAddr))
	} else {
		registry = inmem.NewRegistry()
		log.Warn("CONSUL_ADDR empty, using in-process registry")
	}

	reg := prometheus.NewRegistry()

	providers := provider.NewRegistry(metrics.NewProviderMetrics(reg, serviceName), log)
	if smshubAPIKey != "" {
		providers.Register(
			smshub.New(smshubBaseURL, smshubAPIKey, logger.NewComponentLogger(log, "smshub")),
			float64(providerRPS), providerBurst,
		)
	}
	if fivesimToken != "" {
		providers.Register(
			fivesim.New(fivesimBaseURL, fivesimToken, logger.NewComponentLogger(log, "fivesim")),
			float64(providerRPS), providerBurst,
		)
	}
	if len(providers.Names()) == 0 {
		log.Warn("no provider credentials configured, acquisitions will fail")
	}

	var index catalog.Index
	if meiliHost != "" {
		meili, err := catalog.NewMeiliIndex(ctx, meilisearch.New(meiliHost, meilisearch.WithAPIKey(meiliKey)), "offers")
		if err != nil {
			return nil, fmt.Errorf("failed to prepare offer index: %w", err)
		}
		index = meili
		log.Info("meilisearch index ready", slog.String("host", meiliHost))
	} else {
		index = catalog.NewMemoryIndex()
		log.Warn("MEILI_HOST empty, offers served from the in-process index")
	}

	ledger := wallet.NewGateway()
	publisher := broker.NewPublisher(ch)
	activationMetrics := metrics.NewActivationMetrics(reg, serviceName)

	kernel := activation.NewKernel(st, publisher, activationMetrics, log)
	activations := activation.NewService(st, ledger, kernel, activationMetrics, log)

	pollManager := poller.NewManager(
		st, poller.NewDueIndex(rdb), providers, activations,
		metrics.NewPollerMetrics(reg, serviceName), log,
	)

	ordersSvc := orders.NewService(orders.Deps{
		Store:     st,
		Ledger:    ledger,
		Kernel:    kernel,
		Providers: providers,
		Resolver:  catalog.NewResolver(index),
		Scheduler: pollManager,
		Refunder:  activations,
		Balances:  poller.NewBalanceCache(rdb),
		Metrics:   activationMetrics,
		Logger:    log,
	})

	dispatcher := outbox.NewDispatcher(outbox.Deps{
		Store:     st,
		Orders:    ordersSvc,
		Refunder:  activations,
		Providers: providers,
		Projector: catalog.NewProjector(index, log),
		Events:    publisher,
		Metrics:   metrics.NewOutboxMetrics(reg, serviceName),
		Logger:    log,
	})

	sweeper := reaper.New(reaper.Deps{
		Store:     st,
		Kernel:    kernel,
		Ledger:    ledger,
		Providers: providers,
		Ingestor:  activations,
		Scheduler: pollManager,
		Metrics:   metrics.NewReaperMetrics(reg, serviceName),
		Logger:    log,
	})

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &App{
		logger:        log,
		store:         st,
		redis:         rdb,
		channel:       ch,
		closeAMQP:     closeAMQP,
		registry:      registry,
		dispatcher:    dispatcher,
		poller:        pollManager,
		reaper:        sweeper,
		syncer:        catalog.NewSyncer(st, providers, syncInterval, log),
		consumer:      newSmsConsumer(ch, activations, log),
		grpcServer:    grpcServer,
		health:        healthServer,
		metricsServer: &http.Server{Addr: metricsAddr, Handler: mux},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.instanceID = discovery.GenerateInstanceID(serviceName)
	if err := a.registry.Register(ctx, a.instanceID, serviceName, grpcAddr); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	a.healthStop = cancel
	go discovery.HealthLoop(healthCtx, a.registry, a.instanceID, serviceName, a.logger)

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}
	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Error("grpc server stopped", slog.Any("error", err))
		}
	}()

	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()

	a.dispatcher.Start(ctx)
	a.poller.Start(ctx)
	if err := a.reaper.Start(ctx); err != nil {
		return err
	}
	a.syncer.Start(ctx)
	go a.consumer.Listen(ctx)

	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.logger.Info("service started",
		slog.String("instance_id", a.instanceID),
		slog.String("grpc", grpcAddr),
		slog.String("metrics", metricsAddr),
	)
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	a.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if a.healthStop != nil {
		a.healthStop()
	}
	if a.instanceID != "" {
		if err := a.registry.Deregister(ctx, a.instanceID, serviceName); err != nil {
			a.logger.Error("failed to deregister service", slog.Any("error", err))
		}
	}

	// Stop work producers before the infrastructure they write to.
	a.syncer.Stop()
	a.reaper.Stop()
	a.poller.Stop()
	a.dispatcher.Stop()

	// Closing the channel ends the consumer loop as well.
	if err := a.closeAMQP(); err != nil {
		a.logger.Error("error closing rabbitmq", slog.Any("error", err))
	}

	a.grpcServer.GracefulStop()
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		a.logger.Error("error closing metrics server", slog.Any("error", err))
	}

	if err := a.redis.Close(); err != nil {
		a.logger.Error("error closing redis", slog.Any("error", err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing postgres", slog.Any("error", err))
	}

	a.logger.Info("shutdown complete")
	return nil
}
