package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/broker"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/db"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/handlers"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository/cache"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository/postgres"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/fxrate"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/ledger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/settlement"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/transaction"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/user"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	// Settlement consumer
	topic      string
	worker     broker.Handler
	subscriber broker.Subscriber
	sweeper    *settlement.Sweeper

	publisher broker.Publisher
	redis     *redis.Client
	pool      *pgxpool.Pool
	logger    logger.Logger
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN, db.PoolOptions{MaxConns: c.DatabaseMaxConns})
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	app := &ServerApp{
		ListenAddr: c.ListenAddr,
		topic:      c.KafkaTopic,
		pool:       pool,
		logger:     logger,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize command channel
	brokerMetrics := broker.NewMetrics(registry)
	switch c.Broker {
	case BrokerMemory:
		mem := broker.NewMemory(c.SettlementPartitions, logger, brokerMetrics)
		app.publisher, app.subscriber = mem, mem
	case BrokerKafka:
		producer, err := broker.NewKafkaProducer(c.KafkaBrokers, logger, brokerMetrics)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("error while creating kafka producer. Err: %w", err)
		}
		app.publisher = producer

		consumer, err := broker.NewKafkaConsumer(c.KafkaBrokers, c.KafkaGroup, logger, brokerMetrics)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("error while creating kafka consumer. Err: %w", err)
		}
		app.subscriber = consumer
	default:
		app.close()
		return nil, fmt.Errorf("unknown broker %q", c.Broker)
	}

	// Initialize exchange rate resolver; cache is optional
	fxClient := fxrate.NewClient(c.FXAPIURL, logger)
	fxMetrics := fxrate.NewMetrics(registry)
	var resolver *fxrate.Resolver
	if c.RedisAddr != "" {
		app.redis = cache.NewRedisClient(cache.RedisConfig{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		resolver = fxrate.NewResolver(cache.NewRateCache(app.redis, c.FXCacheTTL), fxClient, fxMetrics, logger)
	} else {
		logger.Warn("Redis address not set, exchange rates are not cached")
		resolver = fxrate.NewResolver(nil, fxClient, fxMetrics, logger)
	}

	// Initialize services
	storage := postgres.NewStorage(pool)
	balances := ledger.New(storage, logger)
	userService := user.NewService(user.DefaultHasher, storage.User())
	transactionService := transaction.NewService(storage, balances, app.publisher, c.KafkaTopic, logger)

	settlementMetrics := settlement.NewMetrics(registry)
	app.worker = settlement.NewWorker(
		storage,
		balances,
		resolver,
		app.publisher,
		settlement.Config{
			MaxAttempts:     c.SettlementMaxAttempts,
			DeadLetterTopic: c.KafkaDLQTopic,
		},
		settlementMetrics,
		logger,
	)
	app.sweeper = settlement.NewSweeper(
		storage,
		app.publisher,
		c.KafkaTopic,
		settlement.SweeperConfig{
			Interval:   c.SettlementSweepInterval,
			StaleAfter: c.SettlementStaleAfter,
		},
		settlementMetrics,
		logger,
	)

	app.Handler = handlers.NewRouter(userService, transactionService, pool, registry, logger)

	return app, nil
}

// Run starts settlement consumer, stale transactions sweeper and http server, closes all of them gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.close()

	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	consumerStopped := make(chan struct{})
	go func() {
		defer close(consumerStopped)

		err := s.subscriber.Consume(srvCtx, []string{s.topic}, s.worker)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Settlement consumer stopped with error, shutting down", "error", err)
			srvCtxCancel()
			return
		}
		s.logger.Info("Settlement consumer stopped")
	}()

	sweeperStopped := s.sweeper.Run(srvCtx)

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	<-consumerStopped
	<-sweeperStopped

	return err
}

func (s *ServerApp) close() {
	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			s.logger.Error("Failed to close subscriber", "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("Failed to close publisher", "error", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
