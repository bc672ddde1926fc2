// Package main is a consumer of rating events. It reconciles the aggregate of every parent an
// event names, so aggregates drifted by out-of-band edits are repaired.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/eroshiva/rateable/internal/config"
	"github.com/eroshiva/rateable/internal/ratings"
	"github.com/eroshiva/rateable/pkg/client/db"
	"github.com/eroshiva/rateable/pkg/logger"
	"github.com/eroshiva/rateable/pkg/metrics"
	"github.com/eroshiva/rateable/pkg/rabbitmq"
	"github.com/eroshiva/rateable/pkg/store"
	amqp "github.com/rabbitmq/amqp091-go"
)

const consumerName = "rateable-consumer"

var zlog = logger.NewLogger("rateable-consumer")

// reconciler rebuilds the aggregate of a parent. *ratings.Aggregator implements it.
type reconciler interface {
	Recompute(ctx context.Context, parent store.Ref) (*ratings.Aggregate, error)
}

func ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		zlog.Error().Err(err).Msgf("Failed to acknowledge delivery %d", d.DeliveryTag)
	}
}

func nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		zlog.Error().Err(err).Msgf("Failed to reject delivery %d (requeue=%t)", d.DeliveryTag, requeue)
	}
}

func handle(ctx context.Context, r reconciler, d amqp.Delivery) {
	ev, err := rabbitmq.Decode(d.Body)
	if err != nil {
		zlog.Error().Err(err).Msgf("Dropping malformed message: %s", d.Body)
		nack(d, false)
		return
	}
	zlog.Info().Msgf("Received %s event for (%s)", ev.Action, ev.Parent)

	agg, err := r.Recompute(ctx, store.Ref(ev.Parent))
	if err != nil {
		// only store outages are requeued
		requeue := ratings.IsKind(err, ratings.KindStoreUnavailable)
		zlog.Error().Err(err).Msgf("Failed to reconcile (%s), requeue=%t", ev.Parent, requeue)
		nack(d, requeue)
		return
	}
	if agg != nil {
		zlog.Debug().Msgf("Aggregate of (%s) is %.2f over %d ratings", ev.Parent, agg.Average, agg.Count)
	}
	ack(d)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.SetGlobalLevel(cfg.LogLevel)
	if cfg.Store.Driver != config.DriverPostgres {
		zlog.Fatal().Msg("The consumer needs the postgres store driver to share entities with the service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	drv, err := db.Connect(ctx, cfg.Store.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	s := db.NewStore(drv)
	defer func() {
		if err := s.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close the store")
		}
	}()
	aggregator := ratings.NewAggregator(s,
		ratings.WithMetrics(metrics.New()),
		ratings.WithConflictRetries(cfg.Ratings.ConflictRetries))

	mq, err := rabbitmq.Connect(cfg.Events.AMQPURL, cfg.Events.QueueName)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer mq.Close()

	msgs, err := mq.Consume(consumerName)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to consume rating events")
	}

	zlog.Info().Msgf("Listening for messages")
	for {
		select {
		case <-ctx.Done():
			zlog.Info().Msg("Shutdown signal is received. Wrapping up...")
			return
		case d, ok := <-msgs:
			if !ok {
				zlog.Warn().Msg("Delivery channel closed")
				return
			}
			handle(ctx, aggregator, d)
		}
	}
}
