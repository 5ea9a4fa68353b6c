package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricefeed/internal/model"
)

type quoteKey struct {
	code   string
	source model.Source
}

// MemoryStore keeps every table in process memory. It backs tests and runs
// without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	quotes   map[quoteKey]model.RawQuote
	formulas map[quoteKey]model.FormulaRow
	snapshot []model.DerivedPrice
	extrema  map[string]model.DailyExtrema
	failover *model.FailoverConfig
	status   map[model.Source]model.SourceStatus
	alerts   map[uuid.UUID]model.Alert
	history  map[string][]model.HistoryPoint

	// FailWrites makes every mutating call return this error when set.
	FailWrites error
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotes:   make(map[quoteKey]model.RawQuote),
		formulas: make(map[quoteKey]model.FormulaRow),
		extrema:  make(map[string]model.DailyExtrema),
		status:   make(map[model.Source]model.SourceStatus),
		alerts:   make(map[uuid.UUID]model.Alert),
		history:  make(map[string][]model.HistoryPoint),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() {}

// SetFailWrites toggles write failures for tests.
func (m *MemoryStore) SetFailWrites(err error) {
	m.mu.Lock()
	m.FailWrites = err
	m.mu.Unlock()
}

func (m *MemoryStore) UpsertRawQuotes(_ context.Context, quotes []model.RawQuote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for _, q := range quotes {
		key := quoteKey{q.InstrumentCode, q.Source}
		if prev, ok := m.quotes[key]; ok {
			q = prev.Merge(q)
		}
		m.quotes[key] = q
	}
	return nil
}

func (m *MemoryStore) ListRawQuotes(_ context.Context, source model.Source) ([]model.RawQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.RawQuote, 0)
	for k, q := range m.quotes {
		if k.source == source {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentCode < out[j].InstrumentCode })
	return out, nil
}

func (m *MemoryStore) UpsertFormula(_ context.Context, row model.FormulaRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	m.formulas[quoteKey{row.InstrumentCode, row.Source}] = row
	return nil
}

func (m *MemoryStore) DeleteFormula(_ context.Context, instrument string, source model.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	key := quoteKey{instrument, source}
	if _, ok := m.formulas[key]; !ok {
		return ErrNotFound
	}
	delete(m.formulas, key)
	return nil
}

func (m *MemoryStore) ListFormulas(_ context.Context) ([]model.FormulaRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.FormulaRow, 0, len(m.formulas))
	for _, r := range m.formulas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].InstrumentCode < out[j].InstrumentCode
	})
	return out, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, prices []model.DerivedPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.snapshot = append([]model.DerivedPrice(nil), prices...)
	return nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context) ([]model.DerivedPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.DerivedPrice(nil), m.snapshot...), nil
}

func (m *MemoryStore) UpsertExtrema(_ context.Context, rows []model.DailyExtrema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for _, r := range rows {
		m.extrema[r.InstrumentCode] = r
	}
	return nil
}

func (m *MemoryStore) ListExtrema(_ context.Context) ([]model.DailyExtrema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.DailyExtrema, 0, len(m.extrema))
	for _, r := range m.extrema {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentCode < out[j].InstrumentCode })
	return out, nil
}

func (m *MemoryStore) LoadFailoverConfig(_ context.Context) (model.FailoverConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failover == nil {
		return model.FailoverConfig{}, ErrNotFound
	}
	return *m.failover, nil
}

func (m *MemoryStore) SaveFailoverConfig(_ context.Context, cfg model.FailoverConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.failover = &cfg
	return nil
}

func (m *MemoryStore) SaveSourceStatus(_ context.Context, status model.SourceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.status[status.Source] = status
	return nil
}

func (m *MemoryStore) ListSourceStatus(_ context.Context) ([]model.SourceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SourceStatus, 0, len(m.status))
	for _, s := range m.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, alert model.Alert) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return model.Alert{}, m.FailWrites
	}
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.Active = true
	alert.TriggeredAt = nil
	m.alerts[alert.ID] = alert
	return alert, nil
}

func (m *MemoryStore) ListActiveAlerts(_ context.Context) ([]model.Alert, error) {
	return m.filterAlerts(func(a model.Alert) bool { return a.Active }), nil
}

func (m *MemoryStore) ListAlertsBySubscriber(_ context.Context, subscriberID string) ([]model.Alert, error) {
	return m.filterAlerts(func(a model.Alert) bool { return a.SubscriberID == subscriberID }), nil
}

func (m *MemoryStore) MarkAlertTriggered(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return false, m.FailWrites
	}
	a, ok := m.alerts[id]
	if !ok || !a.Active {
		return false, nil
	}
	a.Active = false
	a.TriggeredAt = &at
	m.alerts[id] = a
	return true, nil
}

func (m *MemoryStore) ReactivateAlert(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Active = true
	a.TriggeredAt = nil
	m.alerts[id] = a
	return nil
}

func (m *MemoryStore) filterAlerts(keep func(model.Alert) bool) []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) AppendHistory(_ context.Context, points []model.HistoryPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for _, p := range points {
		m.history[p.InstrumentCode] = append(m.history[p.InstrumentCode], p)
	}
	return nil
}

func (m *MemoryStore) ListHistory(_ context.Context, instrument string, from, to time.Time) ([]model.HistoryPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.HistoryPoint, 0)
	for _, p := range m.history[instrument] {
		if !p.RecordedAt.Before(from) && p.RecordedAt.Before(to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

var _ Repository = (*MemoryStore)(nil)
