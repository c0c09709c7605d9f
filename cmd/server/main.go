package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/config"
	"retailpos/backend/internal/discount"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/httpapi"
	"retailpos/backend/internal/inventory"
	"retailpos/backend/internal/logging"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/pricing"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
	pgstore "retailpos/backend/internal/store/postgres"
	"retailpos/backend/internal/txlock"
	"retailpos/backend/internal/versioning"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err := validateConfig(cfg); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	policy, _ := discount.ParsePolicy(cfg.DiscountCombinabilityPolicy)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Store
	closers := make([]func() error, 0, 4)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatalf("apply schema: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	if err := bootstrapManager(ctx, repo, cfg); err != nil {
		logger.Fatalf("bootstrap manager: %v", err)
	}

	priceCache := cache.PriceCache(cache.NoopPriceCache{})
	locker := txlock.Locker(txlock.Noop{})
	if cfg.RedisAddr != "" {
		rdb := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisPriceCache(rdb)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warnf("redis unavailable (%v), using noop price cache and in-process locking", err)
			_ = rdb.Close()
		} else {
			priceCache = redisCache
			locker = txlock.NewRedisLocker(rdb, time.Duration(cfg.TxnLockTTLSeconds)*time.Second)
			closers = append(closers, rdb.Close)
			logger.Info("cache and transaction lock: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	publisher := notify.Publisher(notify.LogPublisher{Logger: logger})
	if cfg.PubSubProjectID != "" {
		ps, err := notify.NewPubSubPublisher(ctx, cfg.PubSubProjectID, cfg.PubSubTopic, cfg.PubSubCredentialsJSON)
		if err != nil {
			logger.Warnf("pubsub unavailable (%v), logging events instead", err)
		} else {
			publisher = ps
			closers = append(closers, ps.Close)
			logger.WithField("topic", cfg.PubSubTopic).Info("notifications: pubsub")
		}
	}
	dispatcher := notify.NewDispatcher(publisher, logger, 256)

	offers, err := loadOffers(cfg)
	if err != nil {
		logger.Fatalf("offer rules: %v", err)
	}

	svc := service.New(service.Deps{
		Store:     repo,
		Prices:    pricing.NewResolver(priceCache, time.Duration(cfg.PriceCacheTTLSeconds)*time.Second, logger),
		Discounts: discount.NewEngine(policy),
		Offers:    offers,
		Ledger:    inventory.NewLedger(cfg.AllowNegativeStock),
		Recorder:  versioning.NewRecorder(),
		Locker:    locker,
		Notifier:  dispatcher,
		Logger:    logger,
	}, service.Options{
		MaxAttempts:        cfg.MutationMaxAttempts,
		RetryBackoff:       time.Duration(cfg.MutationRetryBackoffMS) * time.Millisecond,
		RequireFullPayment: cfg.RequireFullPayment,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infof("retail POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error: %v", err)
	}

	// Drain queued events before the publisher goes away.
	if err := dispatcher.Close(); err != nil {
		logger.Errorf("notification drain: %v", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Errorf("close error: %v", err)
		}
	}

	logger.Info("server stopped")
}

func validateConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if _, err := discount.ParsePolicy(cfg.DiscountCombinabilityPolicy); err != nil {
		return err
	}
	if cfg.BootstrapManagerUsername != "" && len(cfg.BootstrapManagerPassword) < 8 {
		return fmt.Errorf("BOOTSTRAP_MANAGER_PASSWORD must be at least 8 characters")
	}
	return nil
}

// loadOffers returns the static rule set from OFFER_RULES_FILE, or no offers
// when the file is not configured.
func loadOffers(cfg config.Config) (discount.OfferResolver, error) {
	if cfg.OfferRulesFile == "" {
		return discount.NoOffers{}, nil
	}
	rules, err := discount.LoadRules(cfg.OfferRulesFile)
	if err != nil {
		return nil, err
	}
	return discount.StaticOffers{Rules: rules}, nil
}

// bootstrapManager creates the configured manager account once. An existing
// account with the same name is left untouched.
func bootstrapManager(ctx context.Context, users store.Store, cfg config.Config) error {
	if cfg.BootstrapManagerUsername == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.BootstrapManagerPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	err = users.CreateUser(ctx, domain.UserAccount{
		Username: cfg.BootstrapManagerUsername,
		Password: string(hash),
		Role:     domain.RoleManager,
		Active:   true,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}
