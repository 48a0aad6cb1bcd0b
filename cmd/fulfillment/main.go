package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-storefront/internal/config"
	"github.com/ariefcatur/go-storefront/internal/fulfillment"
	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/logging"
	"github.com/ariefcatur/go-storefront/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("storefront-fulfillment", "info")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.ServiceName+"-fulfillment", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()

	svc := &fulfillment.Service{
		Dedup:       &redisx.Cache{RDB: rdb, Log: log},
		ServiceName: cfg.ServiceName + "-fulfillment",
		Log:         log,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.FulfillmentGroup, fulfillment.Topics, cfg.FulfillmentWorkers, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("group", cfg.FulfillmentGroup).Strs("topics", fulfillment.Topics).Int("workers", cfg.FulfillmentWorkers).
			Msg("fulfillment consumer started")
		return cons.Start(gctx, svc.HandleEvent)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("consumer exit")
		os.Exit(1)
	}
	log.Info().Msg("fulfillment consumer stopped")
}
