// Package main is the entry point of the rating service.
package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/eroshiva/rateable/internal/config"
	"github.com/eroshiva/rateable/internal/ratings"
	"github.com/eroshiva/rateable/internal/server"
	"github.com/eroshiva/rateable/pkg/client/db"
	"github.com/eroshiva/rateable/pkg/logger"
	"github.com/eroshiva/rateable/pkg/metrics"
	"github.com/eroshiva/rateable/pkg/rabbitmq"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/eroshiva/rateable/pkg/store/memory"
	"golang.org/x/sync/errgroup"
)

var zlog = logger.NewLogger("main")

// openStore opens the Entity Store the configuration selects.
func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	if cfg.Driver == config.DriverMemory {
		zlog.Warn().Msg("Using the in-memory store, entities are lost on shutdown")
		return memory.New(), nil
	}
	drv, err := db.RunSchemaMigration(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return db.NewStore(drv), nil
}

func main() { //nolint:unused // this is a main entry point to our service.
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.SetGlobalLevel(cfg.LogLevel)
	zlog.Info().Msgf("Starting rating service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		zlog.Fatal().Err(err).Msgf("Failed to open %s store", cfg.Store.Driver)
	}

	m := metrics.New()
	opts := []ratings.Option{
		ratings.WithMetrics(m),
		ratings.WithConflictRetries(cfg.Ratings.ConflictRetries),
		ratings.WithRatingRange(cfg.Ratings.Min, cfg.Ratings.Max),
	}
	aggregator := ratings.NewAggregator(s, opts...)
	aggregator.Register("")

	cache, err := server.NewCache(cfg.Cache.Size, cfg.Cache.TTL)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create cache")
	}

	serverOpts := server.Options{
		Store:      s,
		Gateway:    ratings.NewGateway(s, opts...),
		Aggregator: aggregator,
		Metrics:    m,
		Cache:      cache,
	}

	// connecting to RabbitMQ
	var mq *rabbitmq.Client
	if cfg.Events.Enabled {
		mq, err = rabbitmq.Connect(cfg.Events.AMQPURL, cfg.Events.QueueName)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		serverOpts.Publisher = mq
	}

	// channels to handle termination
	termChan := make(chan bool)
	reverseProxyTermChan := make(chan bool)
	readyChan := make(chan bool, 1)
	reverseProxyReadyChan := make(chan bool, 1)

	// waitgroup lets main wait for the servers to exit cleanly
	wg := &sync.WaitGroup{}
	g := errgroup.Group{}
	g.Go(func() error {
		<-ctx.Done()
		zlog.Info().Msg("Shutdown signal received. Closing channels...")
		close(termChan)
		close(reverseProxyTermChan)
		return nil
	})
	g.Go(func() error {
		server.StartServer(cfg.Server.GRPCAddress, cfg.Server.HTTPAddress, serverOpts, wg,
			termChan, readyChan, reverseProxyReadyChan, reverseProxyTermChan)
		return nil
	})
	g.Go(func() error {
		<-readyChan
		<-reverseProxyReadyChan
		zlog.Info().Msgf("Rating service is ready on %s", cfg.Server.HTTPAddress)
		return nil
	})

	if err = g.Wait(); err != nil {
		zlog.Error().Err(err).Msg("Rating service stopped with an error")
	}
	wg.Wait()
	zlog.Info().Msg("Shutting down rating service")

	// gracefully closing clients
	cache.Close()
	if mq != nil {
		mq.Close()
	}
	if err = s.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to gracefully close the store")
	}

	zlog.Info().Msgf("Shutdown is complete. Goodbye!")
}
