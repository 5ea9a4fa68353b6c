package service

import (
	"context"
	"fmt"
	"time"

	"pricefeed/internal/events"
	"pricefeed/internal/model"
	"pricefeed/internal/publish"
)

// Status is the manager state reported to collaborators.
type Status struct {
	ActiveSource        model.Source         `json:"active_source"`
	AutoFallbackEnabled bool                 `json:"auto_fallback_enabled"`
	StaleAfterSeconds   int                  `json:"stale_after_seconds"`
	ManualOverride      bool                 `json:"manual_override"`
	LastPrimaryPollAt   *time.Time           `json:"last_primary_poll_at,omitempty"`
	LastFallbackPollAt  *time.Time           `json:"last_fallback_poll_at,omitempty"`
	PrimaryConnected    bool                 `json:"primary_connected"`
	FallbackConnected   bool                 `json:"fallback_connected"`
	Sources             []model.SourceStatus `json:"sources"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Snapshot returns the current published price list.
func (s *Service) Snapshot() []model.DerivedPrice {
	return s.publisher.Snapshot()
}

// Subscribe streams every published snapshot, starting with the current one.
func (s *Service) Subscribe() *publish.Subscription {
	return s.publisher.Subscribe()
}

// Status reports failover settings and source connectivity.
func (s *Service) Status() Status {
	cfg := s.controller.Config()
	st := Status{
		ActiveSource:        cfg.ActiveSource,
		AutoFallbackEnabled: cfg.AutoFallbackEnabled,
		StaleAfterSeconds:   cfg.StaleAfterSeconds,
		ManualOverride:      cfg.ManualOverride,
		UpdatedAt:           cfg.UpdatedAt,
		Sources:             make([]model.SourceStatus, 0, len(model.Sources)),
	}
	for _, source := range model.Sources {
		p, ok := s.pollers[source]
		if !ok {
			continue
		}
		ps := p.Status()
		st.Sources = append(st.Sources, ps)
		var last *time.Time
		if !ps.LastSuccessAt.IsZero() {
			t := ps.LastSuccessAt
			last = &t
		}
		switch source {
		case model.SourcePrimary:
			st.LastPrimaryPollAt = last
			st.PrimaryConnected = ps.Connected
		case model.SourceFallback:
			st.LastFallbackPollAt = last
			st.FallbackConnected = ps.Connected
		}
	}
	return st
}

// Extrema returns today's highs and lows per instrument.
func (s *Service) Extrema() []model.DailyExtrema {
	return s.tracker.All()
}

// Formulas returns every formula row of source, hidden ones included.
func (s *Service) Formulas(source model.Source) ([]model.FormulaRow, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return s.catalogue.All(source), nil
}

// History returns sampled prices of one instrument in [from, to).
func (s *Service) History(ctx context.Context, instrument string, from, to time.Time) ([]model.HistoryPoint, error) {
	return s.store.ListHistory(ctx, model.NormaliseCode(instrument), from, to)
}

// SetActiveSource forces source and sets the manual override. The new
// source's cached quotes are published immediately.
func (s *Service) SetActiveSource(ctx context.Context, source model.Source) error {
	if !source.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return s.submit(ctx, "set_active_source", func(ctx context.Context) error {
		tr, err := s.controller.SetActiveSource(source, s.clock.Now().UTC())
		if err != nil {
			return err
		}
		s.applyTransition(ctx, tr)
		return nil
	})
}

// SetAutoFallback toggles automatic failover. Enabling clears the manual
// override and evaluates the state machine right away.
func (s *Service) SetAutoFallback(ctx context.Context, enabled bool) error {
	return s.submit(ctx, "set_auto_fallback", func(ctx context.Context) error {
		s.controller.SetAutoFallback(enabled, s.clock.Now().UTC())
		s.persistFailover(ctx)
		if enabled {
			s.checkFailover(ctx)
		}
		return nil
	})
}

// SetStaleAfterSeconds changes the primary staleness timeout.
func (s *Service) SetStaleAfterSeconds(ctx context.Context, seconds int) error {
	return s.submit(ctx, "set_stale_after", func(ctx context.Context) error {
		if err := s.controller.SetStaleAfter(seconds, s.clock.Now().UTC()); err != nil {
			return err
		}
		s.persistFailover(ctx)
		return nil
	})
}

// ResetManualOverride re-enables automatic transitions and evaluates them.
func (s *Service) ResetManualOverride(ctx context.Context) error {
	return s.submit(ctx, "reset_manual_override", func(ctx context.Context) error {
		s.controller.ResetManualOverride(s.clock.Now().UTC())
		s.persistFailover(ctx)
		s.checkFailover(ctx)
		return nil
	})
}

// OnFormulaCatalogueChanged reloads source's rows and re-derives at once when
// source is active.
func (s *Service) OnFormulaCatalogueChanged(ctx context.Context, source model.Source) error {
	if !source.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return s.submit(ctx, "formula_catalogue_changed", func(ctx context.Context) error {
		return s.reloadFormulas(ctx, source)
	})
}

// UpsertFormula stores row and applies it.
func (s *Service) UpsertFormula(ctx context.Context, row model.FormulaRow) error {
	row = row.Normalised()
	if err := row.Validate(); err != nil {
		return err
	}
	return s.submit(ctx, "upsert_formula", func(ctx context.Context) error {
		if err := s.store.UpsertFormula(ctx, row); err != nil {
			return fmt.Errorf("upsert formula: %w", err)
		}
		return s.reloadFormulas(ctx, row.Source)
	})
}

// DeleteFormula removes the (instrument, source) row and applies the change.
func (s *Service) DeleteFormula(ctx context.Context, instrument string, source model.Source) error {
	if !source.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	instrument = model.NormaliseCode(instrument)
	return s.submit(ctx, "delete_formula", func(ctx context.Context) error {
		if err := s.store.DeleteFormula(ctx, instrument, source); err != nil {
			return fmt.Errorf("delete formula: %w", err)
		}
		return s.reloadFormulas(ctx, source)
	})
}

func (s *Service) reloadFormulas(ctx context.Context, source model.Source) error {
	if err := s.catalogue.Reload(ctx, source); err != nil {
		return err
	}
	if source == s.controller.Active() {
		s.rederive(ctx)
	}
	return nil
}

// submit runs fn on the loop goroutine and waits for its result.
func (s *Service) submit(ctx context.Context, name string, fn func(context.Context) error) error {
	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}

	done := make(chan error, 1)
	if err := s.queue.Publish(ctx, events.Command{Name: name, Apply: fn, Done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
