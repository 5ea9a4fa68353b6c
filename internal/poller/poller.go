// Package poller runs one upstream fetcher on its own cadence and reports
// results as events.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"pricefeed/internal/events"
	"pricefeed/internal/fetcher"
	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/scheduler"
	"pricefeed/internal/storage"
)

// Config tunes one poller.
type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	PersistTimeout   time.Duration
}

// DefaultConfig returns the cadence used for a source when nothing is configured.
func DefaultConfig(source model.Source) Config {
	cfg := Config{
		Interval:         5 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		PersistTimeout:   5 * time.Second,
	}
	if source == model.SourceFallback {
		cfg.Interval = 30 * time.Second
	}
	return cfg
}

// Poller owns the SourceStatus of one feed.
type Poller struct {
	cfg     Config
	fetcher fetcher.QuoteFetcher
	queue   *events.Queue
	store   storage.StatusStore
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.RWMutex
	status model.SourceStatus
}

// New constructs a poller. store and m may be nil.
func New(cfg Config, f fetcher.QuoteFetcher, queue *events.Queue, store storage.StatusStore, clock clockwork.Clock, m *metrics.Metrics, logger zerolog.Logger) *Poller {
	def := DefaultConfig(f.Source())
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		cfg:     cfg,
		fetcher: f,
		queue:   queue,
		store:   store,
		clock:   clock,
		metrics: m,
		logger:  logger.With().Str("component", "poller").Str("source", string(f.Source())).Logger(),
		status:  model.SourceStatus{Source: f.Source(), Connected: true},
	}
}

// Source reports the feed this poller drives.
func (p *Poller) Source() model.Source {
	return p.fetcher.Source()
}

// Restore seeds the status from persistence before Run.
func (p *Poller) Restore(st model.SourceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st.Source = p.fetcher.Source()
	p.status = st
}

// Status returns a copy of the current connectivity record.
func (p *Poller) Status() model.SourceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Run polls immediately and then once per interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{
		Name:      "poll_" + string(p.Source()),
		Interval:  p.cfg.Interval,
		Immediate: true,
	}, p.clock, p.logger)
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		p.PollOnce(ctx)
		return nil
	})
}

// PollOnce performs a single fetch and emits the resulting events. The fetch
// is detached from ctx cancellation so an in-flight request finishes or times
// out on its own.
func (p *Poller) PollOnce(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	started := p.clock.Now()
	quotes, err := p.fetcher.Fetch(fetchCtx)
	cancel()
	elapsed := p.clock.Since(started)
	p.metrics.ObservePoll(p.Source(), err == nil, elapsed)

	now := p.clock.Now().UTC()
	if err != nil {
		p.onFailure(ctx, now, err)
		return
	}
	p.onSuccess(ctx, now, quotes)
}

func (p *Poller) onFailure(ctx context.Context, now time.Time, err error) {
	p.mu.Lock()
	p.status.ConsecutiveErrors++
	p.status.LastAttemptAt = now
	p.status.LastError = err.Error()
	flipped := false
	if p.status.Connected && p.status.ConsecutiveErrors >= p.cfg.FailureThreshold {
		p.status.Connected = false
		flipped = true
	}
	st := p.status
	p.mu.Unlock()

	p.logger.Warn().Err(err).Int("consecutive_errors", st.ConsecutiveErrors).Msg("poll failed")
	p.persist(ctx, st)

	p.emit(ctx, events.SourceError{Source: st.Source, Err: err, ConsecutiveErrors: st.ConsecutiveErrors, At: now})
	if flipped {
		p.logger.Error().Int("threshold", p.cfg.FailureThreshold).Msg("source marked disconnected")
		p.emit(ctx, events.ConnectivityChanged{Source: st.Source, Connected: false, At: now})
	}
}

func (p *Poller) onSuccess(ctx context.Context, now time.Time, quotes map[string]model.RawQuote) {
	p.mu.Lock()
	flipped := !p.status.Connected
	p.status.Connected = true
	p.status.ConsecutiveErrors = 0
	p.status.LastError = ""
	p.status.LastAttemptAt = now
	p.status.LastSuccessAt = now
	st := p.status
	p.mu.Unlock()

	p.logger.Debug().Int("quotes", len(quotes)).Msg("poll succeeded")
	p.persist(ctx, st)

	p.emit(ctx, events.QuotesUpdated{Source: st.Source, Quotes: quotes, At: now})
	if flipped {
		p.logger.Info().Msg("source reconnected")
		p.emit(ctx, events.ConnectivityChanged{Source: st.Source, Connected: true, At: now})
	}
}

func (p *Poller) persist(ctx context.Context, st model.SourceStatus) {
	if p.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()
	if err := p.store.SaveSourceStatus(saveCtx, st); err != nil {
		p.metrics.PersistFailed("source_status")
		p.logger.Error().Err(err).Msg("failed to persist source status")
	}
}

func (p *Poller) emit(ctx context.Context, ev events.Event) {
	if err := p.queue.Publish(ctx, ev); err != nil {
		p.logger.Debug().Err(err).Msg("event dropped, manager stopping")
	}
}
