package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"pricefeed/internal/model"
)

// UpsertRawQuotes persists a batch of quotes. Absent sides keep their stored value.
func (s *Store) UpsertRawQuotes(ctx context.Context, quotes []model.RawQuote) error {
	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(upsertRawQuoteSQL,
			q.InstrumentCode,
			string(q.Source),
			q.DisplayName,
			nullableDecimal(q.Bid),
			nullableDecimal(q.Ask),
			nullableDecimal(q.DailyHigh),
			nullableDecimal(q.DailyLow),
			q.SourceDirection,
			q.UpdatedAt,
		)
	}
	return s.sendBatch(ctx, batch, "upsert raw quotes")
}

// ListRawQuotes returns every stored quote for a source.
func (s *Store) ListRawQuotes(ctx context.Context, source model.Source) ([]model.RawQuote, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRawQuotesSQL, string(source))
	if queryErr != nil {
		return nil, fmt.Errorf("list raw quotes: %w", queryErr)
	}
	defer rows.Close()

	quotes := make([]model.RawQuote, 0)
	for rows.Next() {
		var (
			q                model.RawQuote
			src              string
			bid, ask, hi, lo sql.NullString
		)
		if err := rows.Scan(&q.InstrumentCode, &src, &q.DisplayName, &bid, &ask, &hi, &lo, &q.SourceDirection, &q.UpdatedAt); err != nil {
			return nil, err
		}
		q.Source = model.Source(src)
		if q.Bid, err = parseNullDecimal(bid, "bid"); err != nil {
			return nil, err
		}
		if q.Ask, err = parseNullDecimal(ask, "ask"); err != nil {
			return nil, err
		}
		if q.DailyHigh, err = parseNullDecimal(hi, "daily_high"); err != nil {
			return nil, err
		}
		if q.DailyLow, err = parseNullDecimal(lo, "daily_low"); err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return quotes, nil
}

// UpsertFormula inserts or replaces one catalogue row.
func (s *Store) UpsertFormula(ctx context.Context, row model.FormulaRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	updated := row.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, execErr := pool.Exec(ctx, upsertFormulaSQL,
		row.InstrumentCode,
		string(row.Source),
		row.DisplayName,
		row.Category,
		row.BidSourceCode,
		string(row.BidSourceField),
		row.BidMultiplier.String(),
		row.BidAddition.String(),
		row.AskSourceCode,
		string(row.AskSourceField),
		row.AskMultiplier.String(),
		row.AskAddition.String(),
		row.Decimals,
		row.DisplayOrder,
		row.Visible,
		updated,
	)
	if execErr != nil {
		return fmt.Errorf("upsert formula: %w", execErr)
	}
	return nil
}

// DeleteFormula removes one catalogue row.
func (s *Store) DeleteFormula(ctx context.Context, instrument string, source model.Source) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deleteFormulaSQL, instrument, string(source))
	if execErr != nil {
		return fmt.Errorf("delete formula: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFormulas returns the full catalogue for both sources.
func (s *Store) ListFormulas(ctx context.Context) ([]model.FormulaRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFormulasSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list formulas: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.FormulaRow, 0)
	for rows.Next() {
		var (
			r                              model.FormulaRow
			src, bidField, askField        string
			bidMul, bidAdd, askMul, askAdd string
		)
		if err := rows.Scan(
			&r.InstrumentCode,
			&src,
			&r.DisplayName,
			&r.Category,
			&r.BidSourceCode,
			&bidField,
			&bidMul,
			&bidAdd,
			&r.AskSourceCode,
			&askField,
			&askMul,
			&askAdd,
			&r.Decimals,
			&r.DisplayOrder,
			&r.Visible,
			&r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		r.Source = model.Source(src)
		r.BidSourceField = model.Field(bidField)
		r.AskSourceField = model.Field(askField)
		if r.BidMultiplier, err = parseDecimal(bidMul, "bid_multiplier"); err != nil {
			return nil, err
		}
		if r.BidAddition, err = parseDecimal(bidAdd, "bid_addition"); err != nil {
			return nil, err
		}
		if r.AskMultiplier, err = parseDecimal(askMul, "ask_multiplier"); err != nil {
			return nil, err
		}
		if r.AskAddition, err = parseDecimal(askAdd, "ask_addition"); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// SaveSnapshot upserts every published row and prunes instruments no longer published.
func (s *Store) SaveSnapshot(ctx context.Context, prices []model.DerivedPrice) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	codes := make([]string, 0, len(prices))
	for _, p := range prices {
		codes = append(codes, p.InstrumentCode)
		batch.Queue(upsertSnapshotSQL,
			p.InstrumentCode,
			p.DisplayName,
			p.Category,
			p.Bid.String(),
			p.Ask.String(),
			p.Spread.String(),
			p.SpreadPct.String(),
			string(p.Direction),
			string(p.Source),
			p.Decimals,
			p.DisplayOrder,
			p.UpdatedAt,
		)
	}
	batch.Queue(pruneSnapshotSQL, codes)

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the last persisted price list.
func (s *Store) LoadSnapshot(ctx context.Context) ([]model.DerivedPrice, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, loadSnapshotSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load snapshot: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.DerivedPrice, 0)
	for rows.Next() {
		var (
			p                     model.DerivedPrice
			bid, ask, spread, pct string
			direction, src        string
		)
		if err := rows.Scan(
			&p.InstrumentCode,
			&p.DisplayName,
			&p.Category,
			&bid,
			&ask,
			&spread,
			&pct,
			&direction,
			&src,
			&p.Decimals,
			&p.DisplayOrder,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.Direction = model.Direction(direction)
		p.Source = model.Source(src)
		if p.Bid, err = parseDecimal(bid, "bid"); err != nil {
			return nil, err
		}
		if p.Ask, err = parseDecimal(ask, "ask"); err != nil {
			return nil, err
		}
		if p.Spread, err = parseDecimal(spread, "spread"); err != nil {
			return nil, err
		}
		if p.SpreadPct, err = parseDecimal(pct, "spread_pct"); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertExtrema writes one row per instrument.
func (s *Store) UpsertExtrema(ctx context.Context, rows []model.DailyExtrema) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertExtremaSQL,
			r.InstrumentCode,
			r.HighBid.String(),
			r.LowBid.String(),
			r.HighBidAt,
			r.LowBidAt,
			r.HighAsk.String(),
			r.LowAsk.String(),
			r.HighAskAt,
			r.LowAskAt,
			r.LastResetDate,
		)
	}
	return s.sendBatch(ctx, batch, "upsert extrema")
}

// ListExtrema returns every stored extrema row.
func (s *Store) ListExtrema(ctx context.Context) ([]model.DailyExtrema, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listExtremaSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list extrema: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.DailyExtrema, 0)
	for rows.Next() {
		var (
			r                                model.DailyExtrema
			highBid, lowBid, highAsk, lowAsk string
		)
		if err := rows.Scan(
			&r.InstrumentCode,
			&highBid,
			&lowBid,
			&r.HighBidAt,
			&r.LowBidAt,
			&highAsk,
			&lowAsk,
			&r.HighAskAt,
			&r.LowAskAt,
			&r.LastResetDate,
		); err != nil {
			return nil, err
		}
		if r.HighBid, err = parseDecimal(highBid, "daily_high_bid"); err != nil {
			return nil, err
		}
		if r.LowBid, err = parseDecimal(lowBid, "daily_low_bid"); err != nil {
			return nil, err
		}
		if r.HighAsk, err = parseDecimal(highAsk, "daily_high_ask"); err != nil {
			return nil, err
		}
		if r.LowAsk, err = parseDecimal(lowAsk, "daily_low_ask"); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// LoadFailoverConfig reads the singleton row.
func (s *Store) LoadFailoverConfig(ctx context.Context) (model.FailoverConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.FailoverConfig{}, err
	}

	var (
		cfg    model.FailoverConfig
		active string
	)
	scanErr := pool.QueryRow(ctx, loadFailoverSQL).Scan(
		&active,
		&cfg.AutoFallbackEnabled,
		&cfg.StaleAfterSeconds,
		&cfg.ManualOverride,
		&cfg.UpdatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return model.FailoverConfig{}, ErrNotFound
	}
	if scanErr != nil {
		return model.FailoverConfig{}, fmt.Errorf("load failover config: %w", scanErr)
	}
	cfg.ActiveSource = model.Source(active)
	return cfg, nil
}

// SaveFailoverConfig upserts the singleton row.
func (s *Store) SaveFailoverConfig(ctx context.Context, cfg model.FailoverConfig) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	updated := cfg.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, saveFailoverSQL,
		string(cfg.ActiveSource),
		cfg.AutoFallbackEnabled,
		cfg.StaleAfterSeconds,
		cfg.ManualOverride,
		updated,
	); execErr != nil {
		return fmt.Errorf("save failover config: %w", execErr)
	}
	return nil
}

// SaveSourceStatus upserts one poller record.
func (s *Store) SaveSourceStatus(ctx context.Context, status model.SourceStatus) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, saveSourceStatusSQL,
		string(status.Source),
		status.Connected,
		nullableTime(status.LastSuccessAt),
		nullableTime(status.LastAttemptAt),
		status.ConsecutiveErrors,
		nullableString(status.LastError),
	); execErr != nil {
		return fmt.Errorf("save source status: %w", execErr)
	}
	return nil
}

// ListSourceStatus returns every persisted poller record.
func (s *Store) ListSourceStatus(ctx context.Context) ([]model.SourceStatus, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSourceStatusSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list source status: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.SourceStatus, 0, 2)
	for rows.Next() {
		var (
			st               model.SourceStatus
			src              string
			success, attempt *time.Time
			lastErr          sql.NullString
		)
		if err := rows.Scan(&src, &st.Connected, &success, &attempt, &st.ConsecutiveErrors, &lastErr); err != nil {
			return nil, err
		}
		st.Source = model.Source(src)
		st.LastSuccessAt = derefTime(success)
		st.LastAttemptAt = derefTime(attempt)
		st.LastError = lastErr.String
		out = append(out, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// CreateAlert inserts a new active alert, assigning an id when missing.
func (s *Store) CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Alert{}, err
	}
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.Active = true
	alert.TriggeredAt = nil

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.SubscriberID,
		alert.DeviceToken,
		alert.InstrumentCode,
		string(alert.Field),
		string(alert.Comparator),
		alert.TargetValue.String(),
		alert.CreatedAt,
	); execErr != nil {
		return model.Alert{}, fmt.Errorf("insert alert: %w", execErr)
	}
	return alert, nil
}

// ListActiveAlerts returns alerts that may still fire.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]model.Alert, error) {
	return s.queryAlerts(ctx, "list active alerts", listActiveAlertsSQL)
}

// ListAlertsBySubscriber returns every alert of one subscriber.
func (s *Store) ListAlertsBySubscriber(ctx context.Context, subscriberID string) ([]model.Alert, error) {
	return s.queryAlerts(ctx, "list subscriber alerts", listAlertsBySubscriberSQL, subscriberID)
}

// MarkAlertTriggered deactivates an alert only if it is still active.
func (s *Store) MarkAlertTriggered(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, markAlertTriggeredSQL, id, at)
	if execErr != nil {
		return false, fmt.Errorf("mark alert triggered: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// ReactivateAlert re-arms an alert and clears its trigger time.
func (s *Store) ReactivateAlert(ctx context.Context, id uuid.UUID) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, reactivateAlertSQL, id)
	if execErr != nil {
		return fmt.Errorf("reactivate alert: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryAlerts(ctx context.Context, what, query string, args ...interface{}) ([]model.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", what, queryErr)
	}
	defer rows.Close()

	out := make([]model.Alert, 0)
	for rows.Next() {
		var (
			a                         model.Alert
			field, comparator, target string
		)
		if err := rows.Scan(
			&a.ID,
			&a.SubscriberID,
			&a.DeviceToken,
			&a.InstrumentCode,
			&field,
			&comparator,
			&target,
			&a.Active,
			&a.TriggeredAt,
			&a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Field = model.Field(field)
		a.Comparator = model.Comparator(comparator)
		if a.TargetValue, err = parseDecimal(target, "target_value"); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// AppendHistory inserts sampled points; duplicates are ignored.
func (s *Store) AppendHistory(ctx context.Context, points []model.HistoryPoint) error {
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(appendHistorySQL, p.InstrumentCode, p.RecordedAt, p.Bid.String(), p.Ask.String())
	}
	return s.sendBatch(ctx, batch, "append history")
}

// ListHistory lists points of one instrument within [from, to).
func (s *Store) ListHistory(ctx context.Context, instrument string, from, to time.Time) ([]model.HistoryPoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL, instrument, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list history: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.HistoryPoint, 0)
	for rows.Next() {
		var (
			p        model.HistoryPoint
			bid, ask string
		)
		if err := rows.Scan(&p.InstrumentCode, &p.RecordedAt, &bid, &ask); err != nil {
			return nil, err
		}
		if p.Bid, err = parseDecimal(bid, "bid"); err != nil {
			return nil, err
		}
		if p.Ask, err = parseDecimal(ask, "ask"); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
