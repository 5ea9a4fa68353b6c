// Package extrema maintains per-instrument daily highs and lows.
package extrema

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

// Tracker applies every published tick to the daily extrema rows. The reset
// is lazy: the first tick whose local date differs from LastResetDate
// collapses the row to that tick.
type Tracker struct {
	store    storage.ExtremaStore
	location *time.Location
	logger   zerolog.Logger

	mu   sync.RWMutex
	rows map[string]model.DailyExtrema
}

// New constructs a Tracker evaluating calendar days in loc.
func New(store storage.ExtremaStore, loc *time.Location, logger zerolog.Logger) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	return &Tracker{
		store:    store,
		location: loc,
		logger:   logger.With().Str("component", "extrema").Logger(),
		rows:     make(map[string]model.DailyExtrema),
	}
}

// Apply folds one tick into row and reports whether it changed.
func Apply(row model.DailyExtrema, exists bool, bid, ask decimal.Decimal, now time.Time, today string) (model.DailyExtrema, bool) {
	if !exists || row.LastResetDate != today {
		return model.DailyExtrema{
			InstrumentCode: row.InstrumentCode,
			HighBid:        bid,
			LowBid:         bid,
			HighBidAt:      now,
			LowBidAt:       now,
			HighAsk:        ask,
			LowAsk:         ask,
			HighAskAt:      now,
			LowAskAt:       now,
			LastResetDate:  today,
		}, true
	}

	changed := false
	if bid.GreaterThan(row.HighBid) {
		row.HighBid, row.HighBidAt = bid, now
		changed = true
	}
	if bid.LessThan(row.LowBid) {
		row.LowBid, row.LowBidAt = bid, now
		changed = true
	}
	if ask.GreaterThan(row.HighAsk) {
		row.HighAsk, row.HighAskAt = ask, now
		changed = true
	}
	if ask.LessThan(row.LowAsk) {
		row.LowAsk, row.LowAskAt = ask, now
		changed = true
	}
	return row, changed
}

// Observe applies prices at now and persists the rows that changed. The
// in-memory state is updated even when the write fails.
func (t *Tracker) Observe(ctx context.Context, prices []model.DerivedPrice, now time.Time) error {
	local := now.In(t.location)
	today := local.Format(model.DateLayout)

	t.mu.Lock()
	changed := make([]model.DailyExtrema, 0, len(prices))
	for _, p := range prices {
		row, exists := t.rows[p.InstrumentCode]
		row.InstrumentCode = p.InstrumentCode
		next, dirty := Apply(row, exists, p.Bid, p.Ask, now, today)
		if !dirty {
			continue
		}
		if exists && row.LastResetDate != today {
			t.logger.Info().Str("instrument", p.InstrumentCode).Str("from", row.LastResetDate).Str("to", today).Msg("daily extrema reset")
		}
		t.rows[p.InstrumentCode] = next
		changed = append(changed, next)
	}
	t.mu.Unlock()

	if len(changed) == 0 || t.store == nil {
		return nil
	}
	if err := t.store.UpsertExtrema(ctx, changed); err != nil {
		t.logger.Error().Err(err).Int("rows", len(changed)).Msg("failed to persist extrema")
		return fmt.Errorf("persist extrema: %w", err)
	}
	return nil
}

// Restore loads persisted rows.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	rows, err := t.store.ListExtrema(ctx)
	if err != nil {
		return fmt.Errorf("restore extrema: %w", err)
	}
	t.mu.Lock()
	for _, r := range rows {
		t.rows[r.InstrumentCode] = r
	}
	t.mu.Unlock()
	return nil
}

// Get returns the row of one instrument.
func (t *Tracker) Get(code string) (model.DailyExtrema, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rows[code]
	return r, ok
}

// All returns every row ordered by instrument.
func (t *Tracker) All() []model.DailyExtrema {
	t.mu.RLock()
	out := make([]model.DailyExtrema, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentCode < out[j].InstrumentCode })
	return out
}
