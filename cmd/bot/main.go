package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/digkill/TGImageBot/internal/admin"
	"github.com/digkill/TGImageBot/internal/cache"
	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/kie"
	"github.com/digkill/TGImageBot/internal/metrics"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
	"github.com/digkill/TGImageBot/internal/service"
	"github.com/digkill/TGImageBot/internal/storage"
	"github.com/digkill/TGImageBot/internal/telegram"
	"github.com/digkill/TGImageBot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logr := logger.New(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Connect(cfg)
	if err != nil {
		logr.Fatal().Err(err).Msg("database connect")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		logr.Fatal().Err(err).Msg("database migrate")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(registry)

	store, closeStore, err := openCache(ctx, cfg, logr, rec)
	if err != nil {
		logr.Fatal().Err(err).Str("backend", cfg.CacheBackend).Msg("cache")
	}
	defer closeStore()

	uploader, err := storage.NewUploader(storage.ConfigFrom(cfg))
	if err != nil {
		logr.Fatal().Err(err).Msg("storage uploader")
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logr.Fatal().Err(err).Msg("telegram bot")
	}

	kieClient := kie.NewClient(cfg, logr)
	executor := kie.NewExecutor(kieClient, uploader, models.ModelType(cfg.KIEModel))

	userRepo := repository.NewUserRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	generationRepo := repository.NewGenerationRepository(db)

	ledgerService := service.NewLedgerService(userRepo)
	paymentService := service.NewPaymentService(cfg, db, paymentRepo, userRepo, logr, rec)
	generationService := service.NewGenerationService(cfg, ledgerService, store, executor, generationRepo, logr, rec)

	bot := telegram.NewBot(cfg, botAPI, logr, ledgerService, paymentService, generationService)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, admin.Deps{
		Ledger:      ledgerService,
		Payments:    paymentService,
		Stats:       generationRepo,
		Broadcaster: bot,
		DB:          db,
		Gatherer:    registry,
	})
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error().Err(err).Msg("admin server stopped")
		}
	}()

	logr.Info().
		Str("model", cfg.KIEModel).
		Str("cache", cfg.CacheBackend).
		Int("max_concurrent", cfg.MaxConcurrentRequests).
		Msg("bot starting")

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error().Err(err).Msg("bot stopped")
	}
	logr.Info().Msg("bot shut down")
}

// openCache builds the configured result cache. The file backend also gets a
// background janitor applying the eviction policy.
func openCache(ctx context.Context, cfg config.Config, logr zerolog.Logger, rec *metrics.Recorder) (cache.Store, func(), error) {
	noop := func() {}
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		store, err := cache.NewRedisStore(ctx, cache.RedisOptions{
			URL:       cfg.RedisURL,
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Namespace: cfg.RedisNamespace,
			TTL:       cfg.CacheMaxAge,
		})
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil

	case config.CacheBackendS3:
		store, err := storage.NewObjectCache(storage.ConfigFrom(cfg))
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil

	default:
		store, err := cache.NewFileStore(cfg.CacheDir)
		if err != nil {
			return nil, noop, err
		}
		policy := cache.PolicyFor(cfg.CacheMaxAge, cfg.CacheMaxBytes)
		go cache.RunJanitor(ctx, store, policy, cfg.CachePruneInterval, logr, rec)
		return store, noop, nil
	}
}
