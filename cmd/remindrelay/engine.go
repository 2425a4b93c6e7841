package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shohag/remindrelay/internal/alert"
	"github.com/shohag/remindrelay/internal/cache"
	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/delivery"
	"github.com/shohag/remindrelay/internal/events"
	"github.com/shohag/remindrelay/internal/metrics"
	"github.com/shohag/remindrelay/internal/platform"
	"github.com/shohag/remindrelay/internal/schedule"
	"github.com/shohag/remindrelay/internal/storage"
)

// engine is every long-lived component built from one config.
type engine struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      storage.Storage
	collector  *metrics.Collector
	breakers   *delivery.Breakers
	dispatcher *delivery.Dispatcher
	fetcher    *delivery.Fetcher
	service    *schedule.Service
	alerter    alert.Reporter

	closers []func()
}

// newEngine wires the engine. Provider clients are only built when
// withPlatforms is set, so read-only commands never dial Telegram.
func newEngine(configPath string, withPlatforms bool) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	e := &engine{cfg: cfg, log: log}

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	e.store = store
	e.closers = append(e.closers, func() { store.Close() })

	if err := store.Migrate(context.Background()); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	registry := platform.NewRegistry()
	if withPlatforms {
		if err := e.setupPlatforms(registry); err != nil {
			e.Close()
			return nil, err
		}
	}

	e.alerter = e.setupAlerting()
	publisher := e.setupEvents()
	receipts := e.setupCache()

	e.collector = metrics.NewCollector(cfg.Health)
	e.breakers = delivery.NewBreakers(cfg.Breaker, log)
	tracker := delivery.NewTracker(store, e.collector, e.alerter, publisher, log)
	templates := platform.Templates(cfg.Templates)

	e.dispatcher = delivery.NewDispatcher(delivery.DispatcherDeps{
		Store:     store,
		Tracker:   tracker,
		Registry:  registry,
		Templates: templates,
		Breakers:  e.breakers,
		Retry:     delivery.NewRetryPolicy(cfg.Delivery),
		Collector: e.collector,
		Alerter:   e.alerter,
		Receipts:  receipts,
	}, log)
	e.fetcher = delivery.NewFetcher(cfg.Delivery, store, tracker, e.dispatcher, e.breakers, log)

	e.service = schedule.NewService(schedule.Deps{
		Store:      store,
		Tracker:    tracker,
		Dispatcher: e.dispatcher,
		Breakers:   e.breakers,
		Collector:  e.collector,
		Receipts:   receipts,
		Templates:  templates,
	}, log)

	return e, nil
}

func (e *engine) setupPlatforms(registry *platform.Registry) error {
	pc := e.cfg.Platforms
	if pc.Telegram.Enabled {
		tg, err := platform.NewTelegram(pc.Telegram, e.log)
		if err != nil {
			return err
		}
		registry.Register(platform.RateLimited(tg, pc.Telegram.RateLimit))
	}
	if pc.WhatsApp.Enabled {
		registry.Register(platform.RateLimited(platform.NewWhatsApp(pc.WhatsApp, e.log), pc.WhatsApp.RateLimit))
	}
	if len(registry.Platforms()) == 0 {
		e.log.Warn().Msg("no platforms enabled, every delivery will fail")
	}
	return nil
}

func (e *engine) setupAlerting() alert.Reporter {
	if e.cfg.Alerting.SentryDSN == "" {
		return alert.Nop{}
	}
	s, err := alert.NewSentry(e.cfg.Alerting, "remindrelay@"+version)
	if err != nil {
		e.log.Error().Err(err).Msg("sentry disabled")
		return alert.Nop{}
	}
	e.closers = append(e.closers, func() { s.Flush(2 * time.Second) })
	e.log.Info().Str("environment", e.cfg.Alerting.Environment).Msg("sentry alerting enabled")
	return s
}

func (e *engine) setupEvents() events.Publisher {
	if e.cfg.Events.AMQPURL == "" {
		return events.NopPublisher{}
	}
	p := events.NewAMQPPublisher(e.cfg.Events.AMQPURL, e.cfg.Events.Exchange, e.log)
	e.closers = append(e.closers, func() { p.Close() })
	e.log.Info().Str("exchange", e.cfg.Events.Exchange).Msg("publishing lifecycle events")
	return p
}

func (e *engine) setupCache() cache.Receipts {
	cc := e.cfg.Cache
	if cc.RedisAddr == "" {
		return cache.Nop{}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cc.RedisAddr,
		Password: cc.Password,
		DB:       cc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		e.log.Warn().Err(err).Str("addr", cc.RedisAddr).Msg("redis unreachable, receipts will not be cached until it recovers")
	}
	e.closers = append(e.closers, func() { rdb.Close() })
	return cache.NewRedisReceipts(rdb, cc.TTL)
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Msg("using PostgreSQL storage")
		return storage.NewPostgres(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
