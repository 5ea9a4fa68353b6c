package publish

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
)

const sinkBuffer = 4

// sinkWorker decouples one Sink from the publishing goroutine. Offers never
// block; when the buffer is full the oldest pending snapshot is dropped.
type sinkWorker struct {
	sink    Sink
	queue   chan []model.DerivedPrice
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func newSinkWorker(sink Sink, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *sinkWorker {
	return &sinkWorker{
		sink:    sink,
		queue:   make(chan []model.DerivedPrice, sinkBuffer),
		timeout: timeout,
		metrics: m,
		logger:  logger.With().Str("sink", sink.Name()).Logger(),
	}
}

func (w *sinkWorker) offer(prices []model.DerivedPrice) {
	select {
	case w.queue <- prices:
		return
	default:
	}
	select {
	case <-w.queue:
		w.metrics.SinkDropped(w.sink.Name())
		w.logger.Warn().Msg("sink is lagging, dropped oldest pending snapshot")
	default:
	}
	select {
	case w.queue <- prices:
	default:
		w.metrics.SinkDropped(w.sink.Name())
	}
}

func (w *sinkWorker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case prices := <-w.queue:
			sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
			if err := w.sink.Send(sendCtx, prices); err != nil {
				w.logger.Warn().Err(err).Msg("sink delivery failed")
			}
			cancel()
		}
	}
}

// Run delivers queued snapshots to every sink until ctx is cancelled. Publish
// only enqueues, so a slow sink never delays the caller.
func (p *Publisher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.run(gctx) })
	}
	return g.Wait()
}
