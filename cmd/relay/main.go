package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-storefront/internal/config"
	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/logging"
	"github.com/ariefcatur/go-storefront/internal/outbox"
	"github.com/ariefcatur/go-storefront/internal/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("storefront-relay", "info")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.ServiceName+"-relay", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	defer prod.Close()

	relay := &outbox.Relay{
		DB:       db,
		Pub:      prod,
		Batch:    cfg.RelayBatch,
		Interval: cfg.RelayInterval,
		Log:      log,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Strs("brokers", cfg.KafkaBrokers).Dur("interval", cfg.RelayInterval).Msg("outbox relay started")
		return relay.Run(gctx)
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("relay exit")
		os.Exit(1)
	}
	log.Info().Msg("relay stopped")
}
