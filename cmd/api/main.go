package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-storefront/internal/auth"
	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/checkout"
	"github.com/ariefcatur/go-storefront/internal/config"
	"github.com/ariefcatur/go-storefront/internal/httpx"
	"github.com/ariefcatur/go-storefront/internal/logging"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/payment"
	"github.com/ariefcatur/go-storefront/internal/postgres"
	"github.com/ariefcatur/go-storefront/internal/pricing"
	"github.com/ariefcatur/go-storefront/internal/reconcile"
	"github.com/ariefcatur/go-storefront/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("storefront-api", "info")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.ServiceName+"-api", cfg.LogLevel)
	if cfg.Gateway.AllowUnsigned {
		log.Warn().Msg("unsigned webhooks are accepted, never enable this in production")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RunMigration {
		if err := postgres.Migrate(cfg.PostgresDSN, log); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()
	cache := &redisx.Cache{RDB: rdb, Log: log}

	policy, err := auth.LoadPolicy(cfg.RolePolicyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("role policy")
	}

	gateway := payment.NewClient(payment.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		SecretKey:   cfg.Gateway.SecretKey,
		Timeout:     cfg.Gateway.Timeout,
		CallbackURL: cfg.Gateway.CallbackURL,
		ReturnURL:   cfg.Gateway.ReturnURL,
		CancelURL:   cfg.Gateway.CancelURL,
	})

	repo := &orders.Repo{DB: db, Service: cfg.ServiceName}
	orch := &checkout.Orchestrator{
		Store:   &checkout.PGStore{DB: db, Service: cfg.ServiceName},
		Gateway: gateway,
		Cache:   cache,
		Rules: pricing.Rules{
			DeliveryFeeCents:      cfg.DeliveryFeeCents,
			FreeDeliveryThreshold: cfg.FreeDeliveryThreshold,
			TaxRate:               cfg.TaxRate,
		},
		Currency:       cfg.Currency,
		GatewayTimeout: cfg.Gateway.Timeout,
		Log:            log.With().Str("component", "checkout").Logger(),
	}
	rec := &reconcile.Reconciler{
		Store:          repo,
		Gateway:        gateway,
		Dedup:          cache,
		WebhookSecret:  cfg.Gateway.WebhookSecret,
		AllowUnsigned:  cfg.Gateway.AllowUnsigned,
		GatewayTimeout: cfg.Gateway.Timeout,
		Log:            log.With().Str("component", "reconcile").Logger(),
	}

	router := httpx.NewRouter(log)
	api := &httpx.API{
		Checkout:        orch,
		Reconcile:       rec,
		Orders:          repo,
		Carts:           &cart.Repo{DB: db},
		Catalog:         &catalog.Repo{DB: db},
		Auth:            auth.Verifier{Secret: []byte(cfg.JWTSecret)},
		Policy:          policy,
		SignatureHeader: cfg.Gateway.SignatureHeader,
		Log:             log,
	}
	api.Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// graceful shutdown
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	cancel()
}

