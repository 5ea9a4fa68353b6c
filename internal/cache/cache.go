// Package cache holds the latest normalised quotes of every source and mirrors
// them to storage.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

// SourceCache keeps one merged quote map per source.
type SourceCache struct {
	store  storage.QuoteStore
	logger zerolog.Logger

	mu     sync.RWMutex
	quotes map[model.Source]map[string]model.RawQuote
}

// New constructs an empty cache. store may be nil.
func New(store storage.QuoteStore, logger zerolog.Logger) *SourceCache {
	return &SourceCache{
		store:  store,
		logger: logger.With().Str("component", "source_cache").Logger(),
		quotes: make(map[model.Source]map[string]model.RawQuote, len(model.Sources)),
	}
}

// Upsert merges quotes into the source map and persists the merged entries.
// Instruments absent from quotes are left untouched. The in-memory update
// happens even when persistence fails; the error is returned for accounting.
func (c *SourceCache) Upsert(ctx context.Context, source model.Source, quotes map[string]model.RawQuote) error {
	if len(quotes) == 0 {
		return nil
	}

	c.mu.Lock()
	current, ok := c.quotes[source]
	if !ok {
		current = make(map[string]model.RawQuote, len(quotes))
		c.quotes[source] = current
	}
	merged := make([]model.RawQuote, 0, len(quotes))
	for code, q := range quotes {
		q.InstrumentCode = code
		q.Source = source
		if prev, exists := current[code]; exists {
			q = prev.Merge(q)
		}
		current[code] = q
		merged = append(merged, q)
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.UpsertRawQuotes(ctx, merged); err != nil {
		c.logger.Error().Err(err).Str("source", string(source)).Int("quotes", len(merged)).Msg("failed to persist raw quotes")
		return fmt.Errorf("persist %s quotes: %w", source, err)
	}
	return nil
}

// Get returns a copy of the source map; it never blocks on I/O.
func (c *SourceCache) Get(source model.Source) map[string]model.RawQuote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	current := c.quotes[source]
	out := make(map[string]model.RawQuote, len(current))
	for k, v := range current {
		out[k] = v
	}
	return out
}

// Len reports how many instruments are cached for source.
func (c *SourceCache) Len(source model.Source) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes[source])
}

// Restore loads persisted quotes of every source into memory.
func (c *SourceCache) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	for _, source := range model.Sources {
		rows, err := c.store.ListRawQuotes(ctx, source)
		if err != nil {
			return fmt.Errorf("restore %s quotes: %w", source, err)
		}
		c.mu.Lock()
		m := make(map[string]model.RawQuote, len(rows))
		for _, q := range rows {
			m[q.InstrumentCode] = q
		}
		c.quotes[source] = m
		c.mu.Unlock()
		c.logger.Info().Str("source", string(source)).Int("quotes", len(rows)).Msg("restored cached quotes")
	}
	return nil
}
