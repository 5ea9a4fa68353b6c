// Package failover owns the active-source state machine.
package failover

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pricefeed/internal/model"
)

// Reasons recorded on a transition.
const (
	ReasonPrimaryStale     = "primary_stale"
	ReasonPrimaryRecovered = "primary_recovered"
	ReasonManual           = "manual"
)

// ErrInvalidStaleAfter rejects non-positive staleness timeouts.
var ErrInvalidStaleAfter = errors.New("failover: stale_after_seconds must be positive")

// Transition describes an active source switch.
type Transition struct {
	From   model.Source
	To     model.Source
	Reason string
	At     time.Time
}

// Controller guards a copy of FailoverConfig. It performs no I/O; the caller
// persists Config() after every mutation.
type Controller struct {
	mu  sync.RWMutex
	cfg model.FailoverConfig
}

// New constructs a controller from a loaded or default config.
func New(cfg model.FailoverConfig) *Controller {
	if !cfg.ActiveSource.Valid() {
		cfg.ActiveSource = model.SourcePrimary
	}
	return &Controller{cfg: cfg}
}

// Config returns a copy of the current config.
func (c *Controller) Config() model.FailoverConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Active returns the currently authoritative source.
func (c *Controller) Active() model.Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.ActiveSource
}

// IsStale reports whether the primary's last success is older than the
// timeout. A primary that never succeeded is stale.
func IsStale(now, lastSuccess time.Time, staleAfter time.Duration) bool {
	if lastSuccess.IsZero() {
		return true
	}
	return now.Sub(lastSuccess) > staleAfter
}

// Evaluate runs one automatic step of the state machine.
func (c *Controller) Evaluate(now, primaryLastSuccess time.Time) (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.AutoFallbackEnabled || c.cfg.ManualOverride {
		return Transition{}, false
	}

	stale := IsStale(now, primaryLastSuccess, c.cfg.StaleAfter())
	switch {
	case c.cfg.ActiveSource == model.SourcePrimary && stale:
		return c.switchLocked(model.SourceFallback, ReasonPrimaryStale, now), true
	case c.cfg.ActiveSource == model.SourceFallback && !stale:
		return c.switchLocked(model.SourcePrimary, ReasonPrimaryRecovered, now), true
	}
	return Transition{}, false
}

// SetActiveSource forces source and sets the manual override. It always
// yields a transition so the caller re-derives immediately.
func (c *Controller) SetActiveSource(source model.Source, now time.Time) (Transition, error) {
	if !source.Valid() {
		return Transition{}, fmt.Errorf("failover: unknown source %q", source)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ManualOverride = true
	return c.switchLocked(source, ReasonManual, now), nil
}

// SetAutoFallback toggles automatic failover. Enabling it clears the manual
// override.
func (c *Controller) SetAutoFallback(enabled bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.AutoFallbackEnabled = enabled
	if enabled {
		c.cfg.ManualOverride = false
	}
	c.cfg.UpdatedAt = now
}

// SetStaleAfter changes the staleness timeout.
func (c *Controller) SetStaleAfter(seconds int, now time.Time) error {
	if seconds <= 0 {
		return ErrInvalidStaleAfter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.StaleAfterSeconds = seconds
	c.cfg.UpdatedAt = now
	return nil
}

// ResetManualOverride re-enables automatic transitions.
func (c *Controller) ResetManualOverride(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ManualOverride = false
	c.cfg.UpdatedAt = now
}

func (c *Controller) switchLocked(to model.Source, reason string, now time.Time) Transition {
	t := Transition{From: c.cfg.ActiveSource, To: to, Reason: reason, At: now}
	c.cfg.ActiveSource = to
	c.cfg.UpdatedAt = now
	return t
}
