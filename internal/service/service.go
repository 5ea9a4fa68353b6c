// Package service runs the price source manager: pollers, failover checks and
// the single loop that derives and publishes prices.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricefeed/internal/alerting"
	"pricefeed/internal/cache"
	"pricefeed/internal/derive"
	"pricefeed/internal/events"
	"pricefeed/internal/extrema"
	"pricefeed/internal/failover"
	"pricefeed/internal/fetcher"
	"pricefeed/internal/formula"
	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/poller"
	"pricefeed/internal/publish"
	"pricefeed/internal/scheduler"
	"pricefeed/internal/storage"
)

var (
	// ErrUnknownSource rejects a source other than primary or fallback.
	ErrUnknownSource = errors.New("service: unknown source")
	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("service: stopped")
	// ErrNotInitialized is returned by Run when Init was not called.
	ErrNotInitialized = errors.New("service: not initialized")
)

// Options tune the manager.
type Options struct {
	Pollers               map[model.Source]poller.Config
	FailoverCheckInterval time.Duration
	FailoverDefaults      model.FailoverConfig
	Location              *time.Location
	SubscriberBuffer      int
	QueueSize             int
	PersistTimeout        time.Duration
	HistoryInterval       time.Duration
	NotifyTimeout         time.Duration
}

// Dependencies are the collaborators supplied by the caller. Only Store and
// Fetchers are required.
type Dependencies struct {
	Store     storage.Repository
	Fetchers  []fetcher.QuoteFetcher
	Sinks     []publish.Sink
	Evaluator *alerting.Evaluator
	Notifier  alerting.Notifier
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
}

// Service owns every piece of mutable price state. All mutations run on the
// loop goroutine; readers go through the components' own locks.
type Service struct {
	opts    Options
	store   storage.Repository
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	queue      *events.Queue
	pollers    map[model.Source]*poller.Poller
	cache      *cache.SourceCache
	catalogue  *formula.Catalogue
	engine     *derive.Engine
	tracker    *extrema.Tracker
	publisher  *publish.Publisher
	controller *failover.Controller
	evaluator  *alerting.Evaluator
	notifier   alerting.Notifier

	fetchers []fetcher.QuoteFetcher
	// lastSuccess is stamped on the loop when a QuotesUpdated event is
	// handled, so failover never sees a success whose quotes are still queued.
	lastSuccess map[model.Source]time.Time

	initialized   bool
	lastHistoryAt time.Time

	stopOnce sync.Once
	stopped  chan struct{}
	notifyWG sync.WaitGroup
}

// DefaultOptions returns the stock cadence.
func DefaultOptions() Options {
	return Options{
		Pollers: map[model.Source]poller.Config{
			model.SourcePrimary:  poller.DefaultConfig(model.SourcePrimary),
			model.SourceFallback: poller.DefaultConfig(model.SourceFallback),
		},
		FailoverCheckInterval: 10 * time.Second,
		FailoverDefaults: model.FailoverConfig{
			ActiveSource:        model.SourcePrimary,
			AutoFallbackEnabled: true,
			StaleAfterSeconds:   60,
		},
		Location:         time.Local,
		SubscriberBuffer: 16,
		QueueSize:        64,
		PersistTimeout:   5 * time.Second,
		NotifyTimeout:    10 * time.Second,
	}
}

// New wires the manager. Call Init before Run.
func New(opts Options, deps Dependencies, logger zerolog.Logger) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("service: store is required")
	}
	def := DefaultOptions()
	if opts.FailoverCheckInterval <= 0 {
		opts.FailoverCheckInterval = def.FailoverCheckInterval
	}
	if !opts.FailoverDefaults.ActiveSource.Valid() {
		opts.FailoverDefaults.ActiveSource = def.FailoverDefaults.ActiveSource
	}
	if opts.FailoverDefaults.StaleAfterSeconds <= 0 {
		opts.FailoverDefaults.StaleAfterSeconds = def.FailoverDefaults.StaleAfterSeconds
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = def.PersistTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = def.NotifyTimeout
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Service{
		opts:        opts,
		store:       deps.Store,
		clock:       clock,
		metrics:     deps.Metrics,
		logger:      logger.With().Str("component", "service").Logger(),
		queue:       events.NewQueue(opts.QueueSize),
		pollers:     make(map[model.Source]*poller.Poller, len(deps.Fetchers)),
		cache:       cache.New(deps.Store, logger),
		catalogue:   formula.New(deps.Store, logger),
		engine:      derive.NewEngine(logger),
		tracker:     extrema.New(deps.Store, opts.Location, logger),
		controller:  failover.New(opts.FailoverDefaults),
		evaluator:   deps.Evaluator,
		notifier:    deps.Notifier,
		fetchers:    deps.Fetchers,
		lastSuccess: make(map[model.Source]time.Time, len(model.Sources)),
		stopped:     make(chan struct{}),
	}
	hub := publish.NewHub(opts.SubscriberBuffer, deps.Metrics)
	s.publisher = publish.NewPublisher(publish.Options{PersistTimeout: opts.PersistTimeout}, deps.Store, hub, deps.Sinks, deps.Metrics, logger)

	for _, f := range deps.Fetchers {
		source := f.Source()
		if !source.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
		}
		if _, dup := s.pollers[source]; dup {
			return nil, fmt.Errorf("service: duplicate fetcher for %s", source)
		}
		cfg, ok := opts.Pollers[source]
		if !ok {
			cfg = poller.DefaultConfig(source)
		}
		if cfg.PersistTimeout <= 0 {
			cfg.PersistTimeout = opts.PersistTimeout
		}
		s.pollers[source] = poller.New(cfg, f, s.queue, deps.Store, clock, deps.Metrics, logger)
	}
	return s, nil
}

// Init restores persisted state. The failover config is created with the
// configured defaults when absent; any storage error is fatal.
func (s *Service) Init(ctx context.Context) error {
	cfg, err := s.store.LoadFailoverConfig(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cfg = s.opts.FailoverDefaults
		cfg.ManualOverride = false
		cfg.UpdatedAt = s.clock.Now().UTC()
		if err := s.store.SaveFailoverConfig(ctx, cfg); err != nil {
			return fmt.Errorf("create default failover config: %w", err)
		}
		s.logger.Info().Str("active_source", string(cfg.ActiveSource)).Msg("created default failover config")
	case err != nil:
		return fmt.Errorf("load failover config: %w", err)
	}
	s.controller = failover.New(cfg)

	if err := s.catalogue.Load(ctx); err != nil {
		return err
	}
	if err := s.cache.Restore(ctx); err != nil {
		return err
	}
	if err := s.publisher.Restore(ctx); err != nil {
		return err
	}
	if err := s.tracker.Restore(ctx); err != nil {
		return err
	}

	statuses, err := s.store.ListSourceStatus(ctx)
	if err != nil {
		return fmt.Errorf("load source status: %w", err)
	}
	for _, st := range statuses {
		if p, ok := s.pollers[st.Source]; ok {
			p.Restore(st)
		}
	}
	for source, p := range s.pollers {
		st := p.Status()
		s.lastSuccess[source] = st.LastSuccessAt
		s.metrics.SetConnected(source, st.Connected)
	}
	s.metrics.SetActive(cfg.ActiveSource)

	s.initialized = true
	s.logger.Info().
		Str("active_source", string(cfg.ActiveSource)).
		Bool("auto_fallback", cfg.AutoFallbackEnabled).
		Bool("manual_override", cfg.ManualOverride).
		Int("restored_prices", len(s.publisher.Snapshot())).
		Msg("service initialized")
	return nil
}

// Run starts the pollers, the failover timer, the alert evaluator and the
// manager loop, and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	defer s.stopOnce.Do(func() { close(s.stopped) })

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.pollers {
		p := p
		g.Go(func() error { return ignoreCancel(p.Run(gctx)) })
	}

	check := scheduler.New(scheduler.Options{
		Name:     "failover_check",
		Interval: s.opts.FailoverCheckInterval,
	}, s.clock, s.logger)
	g.Go(func() error {
		return ignoreCancel(check.Run(gctx, func(ctx context.Context, at time.Time) error {
			return s.queue.Publish(ctx, events.FailoverCheck{At: at})
		}))
	})

	if s.evaluator != nil {
		// restored prices predate the restart and must not fire alerts
		sub := s.publisher.SubscribeUpdates()
		defer sub.Close()
		g.Go(func() error { return s.evaluator.Run(gctx, sub.C()) })
	}

	g.Go(func() error { return s.publisher.Run(gctx) })
	g.Go(func() error { return s.loop(gctx) })

	s.logger.Info().Int("pollers", len(s.pollers)).Dur("failover_check", s.opts.FailoverCheckInterval).Msg("service started")
	err := g.Wait()
	s.notifyWG.Wait()
	s.closeFetchers()
	s.logger.Info().Msg("service stopped")
	return err
}

// closeFetchers releases outbound connections of fetchers that hold any.
func (s *Service) closeFetchers() {
	for _, f := range s.fetchers {
		if c, ok := f.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

func (s *Service) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.queue.C():
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.QuotesUpdated:
		s.onQuotes(ctx, e)
	case events.SourceError:
		s.logger.Debug().Str("source", string(e.Source)).Int("consecutive_errors", e.ConsecutiveErrors).Msg("source error received")
	case events.ConnectivityChanged:
		s.onConnectivity(ctx, e)
	case events.FailoverCheck:
		s.checkFailover(ctx)
	case events.Command:
		err := e.Apply(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("command", e.Name).Msg("command failed")
		}
		e.Done <- err
	default:
		s.logger.Warn().Str("type", fmt.Sprintf("%T", ev)).Msg("unknown event ignored")
	}
}

func (s *Service) onQuotes(ctx context.Context, e events.QuotesUpdated) {
	if e.At.After(s.lastSuccess[e.Source]) {
		s.lastSuccess[e.Source] = e.At
	}
	if err := s.cache.Upsert(ctx, e.Source, e.Quotes); err != nil {
		s.metrics.PersistFailed("raw_quotes")
	}
	if e.Source != s.controller.Active() {
		return
	}
	s.rederive(ctx)
}

func (s *Service) onConnectivity(ctx context.Context, e events.ConnectivityChanged) {
	s.metrics.SetConnected(e.Source, e.Connected)
	s.logger.Info().Str("source", string(e.Source)).Bool("connected", e.Connected).Msg("source connectivity changed")
	s.notify(ctx, alerting.Notification{
		Kind:      alerting.KindConnectivity,
		At:        e.At,
		Source:    string(e.Source),
		Connected: e.Connected,
	})
}

func (s *Service) checkFailover(ctx context.Context) {
	if tr, ok := s.controller.Evaluate(s.clock.Now().UTC(), s.lastSuccess[model.SourcePrimary]); ok {
		s.applyTransition(ctx, tr)
	}
}

func (s *Service) applyTransition(ctx context.Context, tr failover.Transition) {
	s.persistFailover(ctx)
	s.metrics.Transition(tr.From, tr.To, tr.Reason)
	s.metrics.SetActive(tr.To)
	s.logger.Warn().
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("reason", tr.Reason).
		Msg("active source switched")
	s.notify(ctx, alerting.Notification{
		Kind:   alerting.KindFailover,
		At:     tr.At,
		From:   string(tr.From),
		To:     string(tr.To),
		Reason: tr.Reason,
	})

	if s.cache.Len(tr.To) == 0 || !s.rederive(ctx) {
		if s.publisher.Republish() {
			s.logger.Warn().Str("source", string(tr.To)).Msg("no derivable quotes for new source, republished last snapshot")
		}
	}
}

// rederive computes and publishes the active source's prices. It reports
// false when there was nothing to publish.
func (s *Service) rederive(ctx context.Context) bool {
	source := s.controller.Active()
	now := s.clock.Now().UTC()
	previous := model.Snapshot(s.publisher.Snapshot()).Index()

	prices, ok := s.engine.Derive(source, s.catalogue.Visible(source), s.cache.Get(source), previous, now)
	if !ok {
		return false
	}

	if err := s.tracker.Observe(ctx, prices, now); err != nil {
		s.metrics.PersistFailed("daily_extrema")
	}
	if err := s.publisher.Publish(ctx, prices); err != nil {
		s.logger.Error().Err(err).Int("prices", len(prices)).Msg("snapshot not persisted, broadcast anyway")
	}
	s.recordHistory(ctx, prices, now)
	return true
}

func (s *Service) recordHistory(ctx context.Context, prices []model.DerivedPrice, now time.Time) {
	if s.opts.HistoryInterval <= 0 {
		return
	}
	if !s.lastHistoryAt.IsZero() && now.Sub(s.lastHistoryAt) < s.opts.HistoryInterval {
		return
	}
	points := make([]model.HistoryPoint, 0, len(prices))
	for _, p := range prices {
		points = append(points, model.HistoryPoint{InstrumentCode: p.InstrumentCode, RecordedAt: now, Bid: p.Bid, Ask: p.Ask})
	}
	if err := s.store.AppendHistory(ctx, points); err != nil {
		s.metrics.PersistFailed("price_history")
		s.logger.Error().Err(err).Msg("failed to append price history")
		return
	}
	s.lastHistoryAt = now
}

func (s *Service) persistFailover(ctx context.Context) {
	saveCtx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()
	if err := s.store.SaveFailoverConfig(saveCtx, s.controller.Config()); err != nil {
		s.metrics.PersistFailed("failover_config")
		s.logger.Error().Err(err).Msg("failed to persist failover config")
	}
}

// notify hands a notice to the ops notifier without blocking the loop.
func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.NotifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(nctx, note); err != nil {
			s.logger.Error().Err(err).Str("kind", note.Kind).Msg("failed to send ops notification")
		}
	}()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
