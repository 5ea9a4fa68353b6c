package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

// Sink receives every published snapshot after local fan-out. Sends run on
// the sink's own goroutine started by Run.
type Sink interface {
	Name() string
	Send(ctx context.Context, prices []model.DerivedPrice) error
}

// Options tune the publisher.
type Options struct {
	PersistTimeout time.Duration
}

// Publisher persists a snapshot and then fans it out. Calls must come from a
// single goroutine.
type Publisher struct {
	opts    Options
	store   storage.SnapshotStore
	hub     *Hub
	workers []*sinkWorker
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewPublisher wires the snapshot store, hub and optional sinks.
func NewPublisher(opts Options, store storage.SnapshotStore, hub *Hub, sinks []Sink, m *metrics.Metrics, logger zerolog.Logger) *Publisher {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	p := &Publisher{
		opts:    opts,
		store:   store,
		hub:     hub,
		metrics: m,
		logger:  logger.With().Str("component", "publisher").Logger(),
	}
	for _, sink := range sinks {
		p.workers = append(p.workers, newSinkWorker(sink, opts.PersistTimeout, m, p.logger))
	}
	return p
}

// Publish writes prices to storage first and then broadcasts them. A storage
// failure is counted and returned for the caller to log; it does not stop the
// broadcast.
func (p *Publisher) Publish(ctx context.Context, prices []model.DerivedPrice) error {
	started := time.Now()
	var persistErr error
	if p.store != nil {
		saveCtx, cancel := context.WithTimeout(ctx, p.opts.PersistTimeout)
		if err := p.store.SaveSnapshot(saveCtx, prices); err != nil {
			p.metrics.PersistFailed("price_snapshot")
			persistErr = fmt.Errorf("persist snapshot: %w", err)
		}
		cancel()
	}

	p.fanOut(prices)
	p.metrics.Published(time.Since(started))
	return persistErr
}

// Republish retransmits the current snapshot unchanged. It reports false when
// nothing has been published yet.
func (p *Publisher) Republish() bool {
	current := p.Snapshot()
	if len(current) == 0 {
		return false
	}
	p.fanOut(current)
	p.metrics.Republished()
	return true
}

// Snapshot returns a copy of the current published list.
func (p *Publisher) Snapshot() []model.DerivedPrice {
	p.hub.mu.RLock()
	defer p.hub.mu.RUnlock()
	return append([]model.DerivedPrice(nil), p.hub.current...)
}

// Subscribe registers a live subscriber.
func (p *Publisher) Subscribe() *Subscription {
	return p.hub.Subscribe()
}

// SubscribeUpdates registers a subscriber that skips the current snapshot.
func (p *Publisher) SubscribeUpdates() *Subscription {
	return p.hub.SubscribeUpdates()
}

// Restore loads the persisted snapshot as current without broadcasting.
func (p *Publisher) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	prices, err := p.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if len(prices) > 0 {
		p.hub.SetCurrent(prices)
		p.logger.Info().Int("prices", len(prices)).Msg("restored published snapshot")
	}
	return nil
}

func (p *Publisher) fanOut(prices []model.DerivedPrice) {
	p.hub.Broadcast(prices)
	for _, w := range p.workers {
		w.offer(prices)
	}
}
