package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricefeed/internal/alerting"
	"pricefeed/internal/config"
	"pricefeed/internal/fetcher"
	"pricefeed/internal/httpapi"
	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/poller"
	"pricefeed/internal/publish"
	"pricefeed/internal/service"
	"pricefeed/internal/storage"
)

// ErrLockHeld is returned by Run when another instance owns the advisory lock.
var ErrLockHeld = errors.New("another pricefeed instance holds the advisory lock")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchers() []fetcher.QuoteFetcher {
	src := a.Config.Sources
	return []fetcher.QuoteFetcher{
		fetcher.NewPrimary(fetcherOptions(src.Primary), a.Logger),
		fetcher.NewFallback(fetcherOptions(src.Fallback), a.Logger),
	}
}

func fetcherOptions(cfg config.SourceConfig) fetcher.Options {
	return fetcher.Options{
		URL:       cfg.URL,
		Timeout:   cfg.Timeout,
		UserAgent: cfg.UserAgent,
		Headers:   cfg.Headers,
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) newPushSender() alerting.PushSender {
	if !a.Config.Alerting.Push.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Push
	return alerting.NewHTTPPushSender(alerting.PushOptions{
		URL:       cfg.URL,
		ServerKey: cfg.ServerKey,
		Timeout:   cfg.Timeout,
	}, a.Logger)
}

func (a *App) newSinks(ctx context.Context) ([]publish.Sink, func(), error) {
	if !a.Config.Redis.Enabled {
		return nil, func() {}, nil
	}
	cfg := a.Config.Redis
	sink, err := publish.NewRedisSink(ctx, publish.RedisConfig{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		LatestKey: cfg.LatestKey,
		Channel:   cfg.Channel,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return []publish.Sink{sink}, func() { _ = sink.Close() }, nil
}

func (a *App) openStore(ctx context.Context) (storage.Repository, func(), error) {
	if a.Config.Database.Driver == "memory" {
		a.Logger.Warn().Msg("database.driver=memory; state is lost on restart")
		store := storage.NewMemoryStore()
		return store, store.Close, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

func (a *App) acquireLock(ctx context.Context, store storage.Repository) (func(), error) {
	locker, ok := store.(storage.AdvisoryLocker)
	key := a.Config.Database.AdvisoryLockKey
	if !ok || key == 0 {
		return func() {}, nil
	}
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("%w (key %d)", ErrLockHeld, key)
	}
	a.Logger.Info().Int64("key", key).Msg("advisory lock acquired")
	return unlock, nil
}

func (a *App) serviceOptions() (service.Options, error) {
	loc, err := a.Config.Location()
	if err != nil {
		return service.Options{}, err
	}
	src := a.Config.Sources
	opts := service.Options{
		Pollers: map[model.Source]poller.Config{
			model.SourcePrimary:  pollerConfig(src.Primary),
			model.SourceFallback: pollerConfig(src.Fallback),
		},
		FailoverCheckInterval: a.Config.Failover.CheckInterval,
		FailoverDefaults: model.FailoverConfig{
			ActiveSource:        model.Source(a.Config.Failover.DefaultSource),
			AutoFallbackEnabled: a.Config.Failover.AutoFallback,
			StaleAfterSeconds:   a.Config.Failover.StaleAfterSeconds,
		},
		Location:         loc,
		SubscriberBuffer: a.Config.Publisher.SubscriberBuffer,
		QueueSize:        a.Config.Publisher.QueueSize,
		PersistTimeout:   a.Config.Publisher.PersistTimeout,
		NotifyTimeout:    a.Config.Alerting.Telegram.Timeout,
	}
	if a.Config.History.Enabled {
		opts.HistoryInterval = a.Config.History.Interval
	}
	return opts, nil
}

func pollerConfig(cfg config.SourceConfig) poller.Config {
	return poller.Config{
		Interval:         cfg.Interval,
		Timeout:          cfg.Timeout,
		FailureThreshold: cfg.FailureThreshold,
	}
}

// Run executes the long-running price manager and, when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	unlock, err := a.acquireLock(ctx, store)
	if err != nil {
		return err
	}
	defer unlock()

	sinks, closeSinks, err := a.newSinks(ctx)
	if err != nil {
		return err
	}
	defer closeSinks()

	opts, err := a.serviceOptions()
	if err != nil {
		return err
	}

	m := metrics.New()
	evaluator := alerting.NewEvaluator(store, a.newPushSender(), nil, m, a.Logger)

	svc, err := service.New(opts, service.Dependencies{
		Store:     store,
		Fetchers:  a.newFetchers(),
		Sinks:     sinks,
		Evaluator: evaluator,
		Notifier:  a.newNotifier(),
		Metrics:   m,
	}, a.Logger)
	if err != nil {
		return err
	}

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	err = svc.Init(initCtx)
	cancelInit()
	if err != nil {
		return fmt.Errorf("initialise price manager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if a.Config.HTTP.Enabled {
		var exposed *metrics.Metrics
		if a.Config.Metrics.Enabled {
			exposed = m
		}
		server := httpapi.NewServer(httpapi.Options{
			Addr:            a.Config.HTTP.Addr,
			Mode:            a.Config.HTTP.Mode,
			AdminToken:      a.Config.HTTP.AdminToken,
			ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
		}, svc, evaluator, exposed, a.Logger)
		g.Go(func() error {
			return server.ListenAndServe(gctx)
		})
	}

	a.Logger.Info().Msg("starting price manager")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("price manager terminated with error")
		return err
	}

	a.Logger.Info().Msg("price manager stopped")
	return nil
}

// ExportOptions hold parameters for exporting sampled prices.
type ExportOptions struct {
	Instrument string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// FetchOptions configure the fetch command.
type FetchOptions struct {
	Source model.Source
}
