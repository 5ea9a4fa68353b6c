// Package formula keeps a read cache of the admin formula catalogue.
package formula

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

// Catalogue caches formula rows per source. Writes go to the store first and
// are picked up by Reload.
type Catalogue struct {
	store  storage.FormulaStore
	logger zerolog.Logger

	mu   sync.RWMutex
	rows map[model.Source][]model.FormulaRow
}

// New constructs an empty catalogue.
func New(store storage.FormulaStore, logger zerolog.Logger) *Catalogue {
	return &Catalogue{
		store:  store,
		logger: logger.With().Str("component", "formula_catalogue").Logger(),
		rows:   make(map[model.Source][]model.FormulaRow),
	}
}

// Load replaces the cache with every row in the store.
func (c *Catalogue) Load(ctx context.Context) error {
	all, err := c.store.ListFormulas(ctx)
	if err != nil {
		return fmt.Errorf("load formulas: %w", err)
	}
	grouped := make(map[model.Source][]model.FormulaRow, len(model.Sources))
	for _, r := range all {
		grouped[r.Source] = append(grouped[r.Source], r.Normalised())
	}
	for s := range grouped {
		sortRows(grouped[s])
	}

	c.mu.Lock()
	c.rows = grouped
	c.mu.Unlock()
	c.logger.Info().Int("rows", len(all)).Msg("formula catalogue loaded")
	return nil
}

// Reload refreshes the rows of one source.
func (c *Catalogue) Reload(ctx context.Context, source model.Source) error {
	all, err := c.store.ListFormulas(ctx)
	if err != nil {
		return fmt.Errorf("reload %s formulas: %w", source, err)
	}
	rows := make([]model.FormulaRow, 0)
	for _, r := range all {
		if r.Source == source {
			rows = append(rows, r.Normalised())
		}
	}
	sortRows(rows)

	c.mu.Lock()
	c.rows[source] = rows
	c.mu.Unlock()
	return nil
}

// Visible returns the visible rows of source in display order.
func (c *Catalogue) Visible(source model.Source) []model.FormulaRow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.FormulaRow, 0, len(c.rows[source]))
	for _, r := range c.rows[source] {
		if r.Visible {
			out = append(out, r)
		}
	}
	return out
}

// All returns every cached row of source, visible or not.
func (c *Catalogue) All(source model.Source) []model.FormulaRow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.FormulaRow(nil), c.rows[source]...)
}

func sortRows(rows []model.FormulaRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].DisplayOrder != rows[j].DisplayOrder {
			return rows[i].DisplayOrder < rows[j].DisplayOrder
		}
		return rows[i].InstrumentCode < rows[j].InstrumentCode
	})
}
