package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pricefeed/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// QuoteStore persists raw upstream quotes keyed by (instrument, source).
type QuoteStore interface {
	UpsertRawQuotes(ctx context.Context, quotes []model.RawQuote) error
	ListRawQuotes(ctx context.Context, source model.Source) ([]model.RawQuote, error)
}

// FormulaStore persists the admin formula catalogue.
type FormulaStore interface {
	UpsertFormula(ctx context.Context, row model.FormulaRow) error
	DeleteFormula(ctx context.Context, instrument string, source model.Source) error
	ListFormulas(ctx context.Context) ([]model.FormulaRow, error)
}

// SnapshotStore persists the last published price list.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, prices []model.DerivedPrice) error
	LoadSnapshot(ctx context.Context) ([]model.DerivedPrice, error)
}

// ExtremaStore persists per-instrument daily high/low rows.
type ExtremaStore interface {
	UpsertExtrema(ctx context.Context, rows []model.DailyExtrema) error
	ListExtrema(ctx context.Context) ([]model.DailyExtrema, error)
}

// FailoverStore persists the failover singleton.
type FailoverStore interface {
	// LoadFailoverConfig returns ErrNotFound when no row exists yet.
	LoadFailoverConfig(ctx context.Context) (model.FailoverConfig, error)
	SaveFailoverConfig(ctx context.Context, cfg model.FailoverConfig) error
}

// StatusStore persists poller connectivity records.
type StatusStore interface {
	SaveSourceStatus(ctx context.Context, status model.SourceStatus) error
	ListSourceStatus(ctx context.Context) ([]model.SourceStatus, error)
}

// AlertStore persists subscriber price alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error)
	ListActiveAlerts(ctx context.Context) ([]model.Alert, error)
	ListAlertsBySubscriber(ctx context.Context, subscriberID string) ([]model.Alert, error)
	// MarkAlertTriggered deactivates an active alert. It reports false when
	// the alert was already inactive, so a firing happens at most once.
	MarkAlertTriggered(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ReactivateAlert(ctx context.Context, id uuid.UUID) error
}

// HistoryStore persists sampled prices for charting.
type HistoryStore interface {
	AppendHistory(ctx context.Context, points []model.HistoryPoint) error
	ListHistory(ctx context.Context, instrument string, from, to time.Time) ([]model.HistoryPoint, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository aggregates every store used by the service.
type Repository interface {
	QuoteStore
	FormulaStore
	SnapshotStore
	ExtremaStore
	FailoverStore
	StatusStore
	AlertStore
	HistoryStore
	Close()
}
