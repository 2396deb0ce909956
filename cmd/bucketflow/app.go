package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"bucketflow/internal/broker"
	"bucketflow/internal/config"
	"bucketflow/internal/constants"
	"bucketflow/internal/deadletter"
	"bucketflow/internal/dedupe"
	"bucketflow/internal/dispatch"
	"bucketflow/internal/handler"
	"bucketflow/internal/handlers"
	"bucketflow/internal/ingest"
	"bucketflow/internal/logger"
	"bucketflow/internal/routing"
	"bucketflow/pkg/bootstrap"
	"bucketflow/pkg/cel"
	"bucketflow/pkg/health"
	"bucketflow/pkg/logging"
	"bucketflow/pkg/metrics"
	"bucketflow/pkg/migrations"
	"bucketflow/pkg/ratelimit"
	"bucketflow/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	cloud          *bootstrap.CloudConnector
	redis          *redis.Client
	db             *sql.DB
	mongoClient    *mongo.Client
	mongoDB        *mongo.Database
	storageClient  *storage.Client
	pubsubClient   *pubsub.Client
	tracerProvider *tracing.TracerProvider

	guard        *dedupe.Guard
	registry     *handler.Registry
	routes       *routing.Holder
	buildRoutes  routing.BuildFunc
	sink         deadletter.Sink
	dispatcher   *dispatch.Dispatcher
	kafkaSource  *ingest.KafkaSource
	pubsubSource *ingest.PubSubSource
	limiter      *ratelimit.Limiter
	health       *health.CheckerRegistry
	server       *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		cloud:       bootstrap.NewCloudConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.Register()

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitProducer(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initCloud(ctx); err != nil {
		return fmt.Errorf("failed to initialize cloud clients: %w", err)
	}

	if err := a.initDedupe(); err != nil {
		return fmt.Errorf("failed to initialize dedupe: %w", err)
	}

	if err := a.initHandlers(); err != nil {
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}

	if err := a.initRoutes(); err != nil {
		return fmt.Errorf("failed to initialize routes: %w", err)
	}

	if err := a.initDispatcher(); err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	processor := ingest.NewProcessor(a.dispatcher, a.Logger)

	if err := a.initSources(processor); err != nil {
		return fmt.Errorf("failed to initialize sources: %w", err)
	}

	a.initHTTPServer(processor)
	a.registerHealthChecks()

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	var err error

	if a.redis, err = a.dbConnector.InitRedis(ctx); err != nil {
		return err
	}
	if a.db, err = a.dbConnector.InitPostgreSQL(ctx); err != nil {
		return err
	}
	if a.mongoClient, err = a.dbConnector.InitMongoDB(ctx); err != nil {
		return err
	}
	if a.mongoClient != nil {
		a.mongoDB = a.mongoClient.Database(a.Config.Database.MongoDB.Database)
	}

	if !a.Config.Database.RunMigrations {
		return nil
	}

	if a.db != nil {
		if err := migrations.MigratePostgres(a.db); err != nil {
			return err
		}
	}
	if a.mongoDB != nil {
		if a.Config.DeadLetter.Type == constants.SinkTypeMongoDB {
			if err := migrations.EnsureDeadLetterCollection(ctx, a.mongoDB, a.Config.DeadLetter.MongoCollection); err != nil {
				return err
			}
		}
		if a.Config.Handlers.Metadata.Enabled {
			if err := migrations.EnsureMetadataCollection(ctx, a.mongoDB, a.Config.Handlers.Metadata.Collection); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *App) initCloud(ctx context.Context) error {
	var err error
	if a.storageClient, err = a.cloud.InitStorage(ctx); err != nil {
		return err
	}
	if a.pubsubClient, err = a.cloud.InitPubSub(ctx); err != nil {
		return err
	}
	return nil
}

func (a *App) initDedupe() error {
	store, err := dedupe.NewStore(a.Config.Dedupe, a.Config.CircuitBreaker, a.redis)
	if err != nil {
		return err
	}
	a.guard = dedupe.NewGuard(store, a.Config.Dedupe, a.Logger.Named("dedupe"))
	a.guard.StartMetrics()
	return nil
}

func (a *App) initHandlers() error {
	a.registry = handler.NewRegistry()

	deps := handlers.Dependencies{
		Mongo:    a.mongoDB,
		Producer: a.Producer,
	}
	if a.storageClient != nil {
		deps.Objects = handlers.NewGCSReader(a.storageClient)
	}

	if err := handlers.Register(a.registry, a.Config.Handlers, deps, a.Logger); err != nil {
		return err
	}

	a.Logger.Infow("Handlers registered", "handlers", a.registry.IDs())
	return nil
}

func (a *App) initRoutes() error {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return err
	}

	opts := routing.Options{
		DefaultRetry: routing.RetryPolicyFromConfig(&a.Config.Dispatch.DefaultRetry, routing.DefaultRetryPolicy()),
		Evaluator:    evaluator,
		Logger:       a.Logger.Named("routing"),
	}
	a.buildRoutes = func(defs []config.RouteDefinition) (*routing.Table, error) {
		return routing.Load(defs, a.registry, opts)
	}

	defs, err := routing.Definitions(a.Config.Routes)
	if err != nil {
		return err
	}
	table, err := a.buildRoutes(defs)
	if err != nil {
		return err
	}

	a.routes = routing.NewHolder(table, a.Logger.Named("routing"))
	a.Logger.Infow("Route table loaded", "routes_count", table.Len())
	return nil
}

func (a *App) initDispatcher() error {
	sink, err := deadletter.NewSink(a.Config.DeadLetter, a.Config.CircuitBreaker, deadletter.Deps{
		Producer: a.Producer,
		Postgres: a.db,
		Mongo:    a.mongoDB,
	}, a.Logger.Named("deadletter"))
	if err != nil {
		return err
	}
	a.sink = sink

	a.dispatcher = dispatch.New(a.guard, a.routes, a.registry, sink, dispatch.Options{
		HandlerTimeout: a.Config.Dispatch.HandlerTimeout,
		SinkName:       a.Config.DeadLetter.Type,
		Logger:         a.Logger,
	})
	return nil
}

func (a *App) initSources(processor *ingest.Processor) error {
	ingestion := a.Config.Ingestion

	if ingestion.Kafka.Enabled {
		reader, err := broker.NewReader(a.Config.Broker, ingestion.Kafka.Topic, a.Logger)
		if err != nil {
			return err
		}
		a.kafkaSource = ingest.NewKafkaSource(reader, ingestion.Kafka.Topic, processor, ingestion.Concurrency, a.Logger)
	}

	if ingestion.PubSub.Enabled {
		a.pubsubSource = ingest.NewPubSubSource(a.pubsubClient, ingestion.PubSub, processor, a.Logger)
	}

	return nil
}

func (a *App) initHTTPServer(processor *ingest.Processor) {
	if a.Config.RateLimit.Enabled {
		a.limiter = ratelimit.New(ratelimit.FromConfig(a.Config.RateLimit))
	}

	srv := ingest.NewHTTPServer(processor, a.routes, ingest.HTTPOptions{
		MaxPayloadBytes: a.Config.Server.MaxPayloadBytes,
		RateLimiter:     a.limiter,
		Health:          a.health,
	}, a.Logger)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

// registerHealthChecks marks a backend required when dispatch cannot proceed
// without it and optional when it only feeds dead-letters or a handler.
func (a *App) registerHealthChecks() {
	if a.redis != nil {
		a.health.Register(health.NewRedisChecker(a.redis))
	}
	if a.db != nil {
		a.health.RegisterOptional(health.NewPostgreSQLChecker(a.db))
	}
	if a.mongoClient != nil {
		a.health.RegisterOptional(health.NewMongoDBChecker(a.mongoClient))
	}

	brokers := a.Config.Broker.Kafka.Brokers
	switch {
	case a.kafkaSource != nil:
		a.health.Register(health.NewKafkaChecker(brokers))
	case a.Producer != nil:
		a.health.RegisterOptional(health.NewKafkaChecker(brokers))
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gCtx)
			return nil
		})
	}

	if a.Config.Routes.File != "" && a.Config.Routes.Watch {
		g.Go(func() error {
			return a.routes.Watch(gCtx, a.Config.Routes.File, a.buildRoutes)
		})
	}

	if a.kafkaSource != nil {
		g.Go(func() error {
			return a.kafkaSource.Run(gCtx)
		})
	}

	if a.pubsubSource != nil {
		g.Go(func() error {
			return a.pubsubSource.Run(gCtx)
		})
	}

	return g.Wait()
}

// Shutdown releases resources in dependency order: intake first, then
// in-flight dispatches, then the stores they write to.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down bucketflow")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.kafkaSource != nil {
			if err := a.kafkaSource.Close(); err != nil {
				errs = append(errs, fmt.Errorf("kafka source close error: %w", err))
			}
		}

		if a.dispatcher != nil {
			if err := a.dispatcher.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("dispatcher shutdown error: %w", err))
			}
		}

		if a.sink != nil {
			if err := a.sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dead-letter sink close error: %w", err))
			}
		}

		if a.guard != nil {
			if err := a.guard.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dedupe guard close error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.cloud.ShutdownClients(a.storageClient, a.pubsubClient)...)
		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)...)

		return errs
	}

	return a.Base.Shutdown(shutdownCtx, additionalShutdown)
}
