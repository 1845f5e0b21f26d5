package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/wtf-ops/backend/internal/ai"
	"github.com/wtf-ops/backend/internal/config"
	"github.com/wtf-ops/backend/internal/db"
	"github.com/wtf-ops/backend/internal/delivery"
	"github.com/wtf-ops/backend/internal/dispatch"
	"github.com/wtf-ops/backend/internal/escalation"
	"github.com/wtf-ops/backend/internal/events"
	"github.com/wtf-ops/backend/internal/guard"
	httpapi "github.com/wtf-ops/backend/internal/http"
	"github.com/wtf-ops/backend/internal/http/handlers"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
	"github.com/wtf-ops/backend/internal/seed"
	"github.com/wtf-ops/backend/internal/service"
)

type transport interface {
	delivery.Notifier
	registry.Prober
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "routing-engine").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store   *db.Store
		persist registry.Persister
		audit   escalation.AuditStore
	)
	if cfg.DatabaseURL != "" {
		store, err = db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect db")
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate db")
		}
		persist, audit = store, store
	} else {
		logger.Warn().Msg("DATABASE_URL not set, configuration and audit trail are kept in memory")
	}

	catalog := registry.NewCatalog(persist, logger)
	bus := events.NewBus(cfg.EventBuffer, logger)
	if store != nil {
		bus.SubscribeAll(func(ev models.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := store.InsertEvent(ctx, ev); err != nil {
				logger.Error().Err(err).Str("event_id", ev.ID).Str("type", ev.Type).Msg("failed to persist event")
			}
		})
	}

	var tr transport
	switch {
	case cfg.SlackToken != "":
		tr = delivery.NewSlackNotifier(cfg.SlackToken)
		logger.Info().Msg("delivering to Slack")
	case cfg.DeliveryURL != "":
		tr = delivery.HTTPNotifier{BaseURL: cfg.DeliveryURL, Token: cfg.DeliveryToken}
		logger.Info().Str("url", cfg.DeliveryURL).Msg("delivering through WhatsApp bridge")
	default:
		tr = delivery.MockNotifier{Logger: logger}
		logger.Info().Msg("using mock delivery")
	}

	var keys delivery.KeyStore = delivery.NewMemoryKeyStore()
	if cfg.RedisURL != "" {
		rk, err := delivery.NewRedisKeyStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rk.Close()
		keys = rk
	}
	notifier := delivery.Deduplicating{Next: tr, Keys: keys, TTL: cfg.IdempotencyTTL, Logger: logger}

	clk := clock.RealClock{}
	channels := registry.NewChannelRegistry(catalog, tr, cfg.LivenessTTL, clk, logger)
	g := guard.New(catalog, channels, bus, logger)

	if err := loadConfiguration(ctx, cfg, store, catalog, g, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to load routing configuration")
	}

	d := dispatch.New(catalog, channels, notifier, bus, dispatch.Options{
		RetryBase:          cfg.RetryBase,
		RetryFactor:        cfg.RetryFactor,
		MaxAttempts:        cfg.RetryMaxAttempts,
		RatePerSec:         cfg.ChannelRatePerSec,
		RateBurst:          cfg.ChannelRateBurst,
		BreakerFailures:    cfg.BreakerFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
		FallbackChannelID:  cfg.FallbackChannelID,
	}, clk, logger)
	machine := escalation.New(catalog, d, bus, audit, cfg.EscalationMaxLevel, clk, logger)
	machine.SetRetention(cfg.DispatchRetention)
	d.Tracker = machine

	var adapter ai.Adapter
	if cfg.ClassifierURL == "" {
		adapter = ai.KeywordAdapter{Categories: catalog}
		logger.Info().Msg("using keyword classifier")
	} else {
		adapter = ai.HTTPAdapter{BaseURL: cfg.ClassifierURL}
	}

	svc := &service.RoutingService{
		Catalog:    catalog,
		Dispatcher: d,
		AI:         adapter,
		Events:     bus,
		FanOut:     cfg.FanOut,
		Workers:    cfg.Workers,
		Logger:     logger.With().Str("component", "routing").Logger(),
	}

	queue := make(chan models.ClassifiedMessage, cfg.QueueSize)
	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(context.Background(), queue) }()

	if cfg.SeedWatch && cfg.SeedFile != "" {
		w, err := seed.NewWatcher(cfg.SeedFile, g, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create seed watcher")
		}
		if err := w.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to watch seed file")
		}
		defer w.Stop()
	}

	h := &handlers.Handler{
		Store:      store,
		Service:    svc,
		Catalog:    catalog,
		Categories: registry.NewCategoryRegistry(catalog),
		Channels:   channels,
		Rules:      registry.NewRuleTable(catalog),
		Guard:      g,
		Escalation: machine,
		Events:     bus,
		Queue:      queue,
		Validator:  registry.Validator(),
		Logger:     logger,
	}
	router := httpapi.Router(cfg, h)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)

	close(queue)
	select {
	case <-runDone:
	case <-ctxShutdown.Done():
		logger.Warn().Msg("inbound queue not drained before shutdown deadline")
	}
	machine.Close()
	logger.Info().Msg("server stopped")
}

// loadConfiguration restores the stored configuration, then applies
// SEED_FILE if set. An empty store with no seed file gets the built-in seed.
func loadConfiguration(ctx context.Context, cfg config.Config, store *db.Store, catalog *registry.Catalog, g *guard.Guard, logger zerolog.Logger) error {
	if store != nil {
		cats, chans, rules, err := store.LoadConfig(ctx)
		if err != nil {
			return err
		}
		if len(cats)+len(chans)+len(rules) > 0 {
			catalog.Restore(cats, chans, rules)
		}
	}

	if cfg.SeedFile != "" {
		rep, err := seed.ApplyFile(ctx, g, cfg.SeedFile)
		if err != nil {
			return err
		}
		logger.Info().Str("path", cfg.SeedFile).Uint64("version", rep.Version).Int("rules", rep.Rules).Msg("seed file applied")
		return nil
	}
	if len(catalog.Snapshot().Rules) > 0 {
		return nil
	}

	b, err := seed.Default()
	if err != nil {
		return err
	}
	rep, err := g.Reseed(ctx, b)
	if err != nil {
		return err
	}
	logger.Info().Uint64("version", rep.Version).Int("rules", rep.Rules).Msg("built-in seed applied")
	return nil
}
