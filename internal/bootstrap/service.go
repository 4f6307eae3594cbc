package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/app"
	httpserver "github.com/LerianStudio/payment-outbox/internal/http"
	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"github.com/LerianStudio/payment-outbox/internal/outbox"
	outboxpostgres "github.com/LerianStudio/payment-outbox/internal/outbox/postgres"
	"github.com/LerianStudio/payment-outbox/internal/payment"
	paymentpostgres "github.com/LerianStudio/payment-outbox/internal/payment/postgres"
	"github.com/LerianStudio/payment-outbox/internal/postgres"
	"github.com/LerianStudio/payment-outbox/internal/rabbitmq"
	"github.com/LerianStudio/payment-outbox/internal/redis"
	"github.com/LerianStudio/payment-outbox/internal/stripe"
	"github.com/LerianStudio/payment-outbox/internal/transaction"
	"github.com/LerianStudio/payment-outbox/internal/zap"
)

const shutdownTimeout = 30 * time.Second

// Service is the wired application.
type Service struct {
	launcher   *app.Launcher
	logger     log.Logger
	dispatcher *outbox.Dispatcher
	closers    []closer
}

type closer struct {
	name  string
	close func(ctx context.Context) error
}

// Run starts every app and blocks until ctx given to InitServers is cancelled
// or an app fails, then releases resources in reverse start order.
func (s *Service) Run() error {
	runErr := s.launcher.RunWithError()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(runErr, s.Shutdown(ctx))
}

// Shutdown waits for the in-flight dispatcher cycle and closes connections.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]

		if err := c.close(ctx); err != nil {
			s.logger.Log(ctx, log.LevelWarn, "failed to close resource", log.String("resource", c.name), log.Err(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}

	s.logger.Log(ctx, log.LevelInfo, "service stopped")
	_ = s.logger.Sync(ctx)

	return errors.Join(errs...)
}

func (s *Service) onShutdown(name string, fn func(ctx context.Context) error) {
	s.closers = append(s.closers, closer{name: name, close: fn})
}

// InitServers connects every dependency and builds the launcher. ctx is the
// root context; cancelling it stops the service. On error every resource
// opened so far is closed.
func InitServers(ctx context.Context, cfg *Config) (_ *Service, err error) {
	logger, err := zap.New(zap.Config{
		Environment:     zap.Environment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: cfg.OtelLibraryName,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	svc := &Service{logger: logger}

	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			for i := len(svc.closers) - 1; i >= 0; i-- {
				_ = svc.closers[i].close(closeCtx)
			}
		}
	}()

	telemetry, err := opentelemetry.InitializeTelemetry(ctx, &opentelemetry.TelemetryConfig{
		LibraryName:               cfg.OtelLibraryName,
		ServiceName:               cfg.OtelServiceName,
		ServiceVersion:            cfg.OtelServiceVersion,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.OtelExporterEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	svc.onShutdown("telemetry", telemetry.ShutdownTelemetry)

	tracer := telemetry.TracerProvider.Tracer(cfg.OtelLibraryName)

	// PostgreSQL
	pg := postgres.New(postgres.Config{
		PrimaryDSN:         cfg.PostgresPrimaryDSN,
		ReplicaDSN:         cfg.PostgresReplicaDSN,
		DBName:             cfg.PostgresDBName,
		MigrationsPath:     cfg.PostgresMigrationsPath,
		MaxOpenConnections: cfg.PostgresMaxOpenConns,
		MaxIdleConnections: cfg.PostgresMaxIdleConns,
	}, logger)

	if err := pg.Connect(ctx); err != nil {
		return nil, err
	}

	svc.onShutdown("postgres", func(context.Context) error { return pg.Close() })

	primary, err := pg.Primary()
	if err != nil {
		return nil, err
	}

	manager, err := transaction.NewSQLManager(primary)
	if err != nil {
		return nil, err
	}

	outboxRepo, err := outboxpostgres.NewRepository(primary, outboxpostgres.WithTracer(tracer))
	if err != nil {
		return nil, err
	}

	paymentRepo, err := paymentpostgres.NewRepository(primary, tracer)
	if err != nil {
		return nil, err
	}

	writer, err := outbox.NewWriter(outboxRepo, manager,
		outbox.WithRetention(cfg.OutboxMessageTTL),
		outbox.WithWriterLogger(logger))
	if err != nil {
		return nil, err
	}

	// Redis
	redisClient, err := redis.New(ctx, redis.Config{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return nil, err
	}

	svc.onShutdown("redis", func(context.Context) error { return redisClient.Close() })

	dedupe, err := redis.NewDeduplicator(redisClient, cfg.WebhookDedupeTTL, cfg.WebhookClaimLease)
	if err != nil {
		return nil, err
	}

	// RabbitMQ
	broker := rabbitmq.NewConnection(cfg.RabbitMQURI, logger)
	if err := broker.Connect(ctx); err != nil {
		return nil, err
	}

	svc.onShutdown("rabbitmq", func(context.Context) error { return broker.Close() })

	topology := rabbitmq.TopologyConfig{
		Exchange:  cfg.RabbitMQExchange,
		AckQueue:  cfg.AckQueue,
		DLQ:       cfg.AckDLQ,
		QuorumDLQ: true,
	}

	if err := declareTopology(ctx, broker, topology); err != nil {
		return nil, err
	}

	publisherChannel, err := broker.Channel(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := rabbitmq.NewConfirmablePublisher(publisherChannel, cfg.RabbitMQExchange,
		rabbitmq.WithPublisherLogger(logger),
		rabbitmq.WithConfirmTimeout(cfg.RabbitMQConfirmTimeout),
		rabbitmq.WithChannelProvider(func(ctx context.Context) (rabbitmq.ConfirmableChannel, error) {
			return broker.Channel(ctx)
		}))
	if err != nil {
		_ = publisherChannel.Close()
		return nil, err
	}

	svc.onShutdown("rabbitmq publisher", func(context.Context) error { return publisher.Close() })

	// Stripe
	provider, err := stripe.New(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	}, logger)
	if err != nil {
		return nil, err
	}

	// Outbox dispatch
	registry := outbox.NewHandlerRegistry()

	if err := outbox.RegisterBrokerHandlers(registry, publisher, nil); err != nil {
		return nil, err
	}

	if err := payment.RegisterHandlers(registry, provider); err != nil {
		return nil, err
	}

	dispatcherOpts := []outbox.DispatcherOption{
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithDispatchInterval(cfg.OutboxDispatchInterval),
		outbox.WithCleanupInterval(cfg.OutboxCleanupInterval),
		outbox.WithMaxRetries(cfg.OutboxMaxRetries),
		outbox.WithRetryDelay(cfg.OutboxRetryDelay),
		outbox.WithMaxRetryDelay(cfg.OutboxMaxRetryDelay),
		outbox.WithExponentialBackoff(cfg.OutboxExponentialBackoff),
		outbox.WithProcessingTimeout(cfg.OutboxProcessingTimeout),
		outbox.WithMeterProvider(telemetry.MeterProvider),
	}

	if cfg.OutboxCycleLock {
		locker, err := redis.NewCycleLocker(redisClient, 0, logger)
		if err != nil {
			return nil, err
		}

		dispatcherOpts = append(dispatcherOpts, outbox.WithCycleLocker(locker))
	}

	dispatcher, err := outbox.NewDispatcher(outboxRepo, registry, logger, tracer, dispatcherOpts...)
	if err != nil {
		return nil, err
	}

	svc.dispatcher = dispatcher

	// Acknowledgments
	receiver, err := outbox.NewAcknowledgmentReceiver(outboxRepo, logger, tracer,
		outbox.WithAcknowledgmentMeterProvider(telemetry.MeterProvider))
	if err != nil {
		return nil, err
	}

	consumerChannel, err := broker.Channel(ctx)
	if err != nil {
		return nil, err
	}

	svc.onShutdown("rabbitmq consumer channel", func(context.Context) error {
		if consumerChannel.IsClosed() {
			return nil
		}

		return consumerChannel.Close()
	})

	consumer, err := rabbitmq.NewAcknowledgmentConsumer(consumerChannel, receiver, rabbitmq.ConsumerConfig{
		AckQueue:      cfg.AckQueue,
		DLQ:           cfg.AckDLQ,
		Prefetch:      cfg.RabbitMQPrefetch,
		MaxDeliveries: cfg.AckMaxDeliveries,
	}, logger, tracer)
	if err != nil {
		return nil, err
	}

	// Webhooks
	webhooks, err := payment.NewWebhookService(paymentRepo, writer, manager, provider,
		payment.WithDeduplicator(dedupe),
		payment.WithLogger(logger),
		payment.WithTracer(tracer))
	if err != nil {
		return nil, err
	}

	router, err := httpserver.NewRouter(httpserver.RouterConfig{
		Webhooks: webhooks,
		Logger:   logger,
		Tracer:   tracer,
		Dependencies: []httpserver.DependencyCheck{
			{Name: "postgres", Check: pg.Ping},
			{Name: "rabbitmq", Check: broker.Ping},
			{Name: "redis", Check: redisClient.Ping},
		},
	})
	if err != nil {
		return nil, err
	}

	svc.launcher = app.NewLauncher(
		app.WithLogger(logger),
		app.WithContext(ctx),
		app.RunApp("http", httpserver.NewServer(router, cfg.ServerAddress, logger)),
		app.RunApp("outbox dispatcher", dispatcher),
		app.RunApp("acknowledgment consumer", consumer),
	)

	return svc, nil
}

func declareTopology(ctx context.Context, broker *rabbitmq.Connection, cfg rabbitmq.TopologyConfig) error {
	ch, err := broker.Channel(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = ch.Close() }()

	return rabbitmq.DeclareTopology(ch, cfg)
}
