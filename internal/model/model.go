// Package model holds the domain types shared by the price pipeline.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies one of the upstream quote feeds.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

// Sources lists every known feed in priority order.
var Sources = []Source{SourcePrimary, SourceFallback}

// Valid reports whether s names a known feed.
func (s Source) Valid() bool {
	return s == SourcePrimary || s == SourceFallback
}

// Other returns the opposite feed.
func (s Source) Other() Source {
	if s == SourcePrimary {
		return SourceFallback
	}
	return SourcePrimary
}

// ParseSource validates a user supplied source name.
func ParseSource(v string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", v)
	}
	return s, nil
}

// Field selects one side of a two-sided quote.
type Field string

const (
	FieldBid Field = "bid"
	FieldAsk Field = "ask"
)

// Valid reports whether f is bid or ask.
func (f Field) Valid() bool {
	return f == FieldBid || f == FieldAsk
}

// Direction is the tick direction of a published ask.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionSame Direction = "same"
)

// RawQuote is one normalised upstream quote. Bid and Ask are nullable so a
// provider that omits a side does not erase what an earlier poll reported.
type RawQuote struct {
	InstrumentCode  string              `json:"instrument_code"`
	Source          Source              `json:"source"`
	DisplayName     string              `json:"display_name"`
	Bid             decimal.NullDecimal `json:"bid"`
	Ask             decimal.NullDecimal `json:"ask"`
	DailyHigh       decimal.NullDecimal `json:"daily_high"`
	DailyLow        decimal.NullDecimal `json:"daily_low"`
	SourceDirection string              `json:"source_direction,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Value returns the requested side, if present.
func (q RawQuote) Value(f Field) (decimal.Decimal, bool) {
	switch f {
	case FieldBid:
		return q.Bid.Decimal, q.Bid.Valid
	case FieldAsk:
		return q.Ask.Decimal, q.Ask.Valid
	}
	return decimal.Zero, false
}

// Merge overlays the fields present in next onto q.
func (q RawQuote) Merge(next RawQuote) RawQuote {
	out := q
	if out.InstrumentCode == "" {
		out.InstrumentCode = next.InstrumentCode
	}
	if next.Source != "" {
		out.Source = next.Source
	}
	if next.DisplayName != "" {
		out.DisplayName = next.DisplayName
	}
	if next.Bid.Valid {
		out.Bid = next.Bid
	}
	if next.Ask.Valid {
		out.Ask = next.Ask
	}
	if next.DailyHigh.Valid {
		out.DailyHigh = next.DailyHigh
	}
	if next.DailyLow.Valid {
		out.DailyLow = next.DailyLow
	}
	if next.SourceDirection != "" {
		out.SourceDirection = next.SourceDirection
	}
	if next.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = next.UpdatedAt
	}
	return out
}

// FormulaRow maps a displayed instrument onto source fields through a linear
// transform. Rows are keyed by (InstrumentCode, Source).
type FormulaRow struct {
	InstrumentCode string          `json:"instrument_code"`
	Source         Source          `json:"source"`
	DisplayName    string          `json:"display_name"`
	Category       string          `json:"category"`
	BidSourceCode  string          `json:"bid_source_code"`
	BidSourceField Field           `json:"bid_source_field"`
	BidMultiplier  decimal.Decimal `json:"bid_multiplier"`
	BidAddition    decimal.Decimal `json:"bid_addition"`
	AskSourceCode  string          `json:"ask_source_code"`
	AskSourceField Field           `json:"ask_source_field"`
	AskMultiplier  decimal.Decimal `json:"ask_multiplier"`
	AskAddition    decimal.Decimal `json:"ask_addition"`
	Decimals       int32           `json:"decimals"`
	DisplayOrder   int             `json:"display_order"`
	Visible        bool            `json:"visible"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NormaliseCode is the canonical form of an instrument or upstream code. Both
// fetchers and the formula catalogue key by it.
func NormaliseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Normalised returns r with every code in canonical form.
func (r FormulaRow) Normalised() FormulaRow {
	r.InstrumentCode = NormaliseCode(r.InstrumentCode)
	r.BidSourceCode = NormaliseCode(r.BidSourceCode)
	r.AskSourceCode = NormaliseCode(r.AskSourceCode)
	return r
}

// Validate checks the row before it is stored.
func (r FormulaRow) Validate() error {
	if strings.TrimSpace(r.InstrumentCode) == "" {
		return fmt.Errorf("formula: instrument code is required")
	}
	if !r.Source.Valid() {
		return fmt.Errorf("formula %s: unknown source %q", r.InstrumentCode, r.Source)
	}
	if strings.TrimSpace(r.BidSourceCode) == "" || strings.TrimSpace(r.AskSourceCode) == "" {
		return fmt.Errorf("formula %s: bid and ask source codes are required", r.InstrumentCode)
	}
	if !r.BidSourceField.Valid() || !r.AskSourceField.Valid() {
		return fmt.Errorf("formula %s: source fields must be bid or ask", r.InstrumentCode)
	}
	if r.Decimals < 0 || r.Decimals > 8 {
		return fmt.Errorf("formula %s: decimals must be between 0 and 8", r.InstrumentCode)
	}
	return nil
}

// Identity returns a row publishing code from the same upstream code unchanged.
func Identity(code string, source Source, decimals int32) FormulaRow {
	return FormulaRow{
		InstrumentCode: code,
		Source:         source,
		BidSourceCode:  code,
		BidSourceField: FieldBid,
		BidMultiplier:  decimal.NewFromInt(1),
		BidAddition:    decimal.Zero,
		AskSourceCode:  code,
		AskSourceField: FieldAsk,
		AskMultiplier:  decimal.NewFromInt(1),
		AskAddition:    decimal.Zero,
		Decimals:       decimals,
		Visible:        true,
	}
}

// DailyExtrema tracks the intraday high/low of one instrument.
type DailyExtrema struct {
	InstrumentCode string          `json:"instrument_code"`
	HighBid        decimal.Decimal `json:"daily_high_bid"`
	LowBid         decimal.Decimal `json:"daily_low_bid"`
	HighBidAt      time.Time       `json:"daily_high_bid_at"`
	LowBidAt       time.Time       `json:"daily_low_bid_at"`
	HighAsk        decimal.Decimal `json:"daily_high_ask"`
	LowAsk         decimal.Decimal `json:"daily_low_ask"`
	HighAskAt      time.Time       `json:"daily_high_ask_at"`
	LowAskAt       time.Time       `json:"daily_low_ask_at"`
	LastResetDate  string          `json:"last_reset_date"`
}

// DateLayout formats DailyExtrema.LastResetDate.
const DateLayout = "2006-01-02"

// SourceStatus is the connectivity record owned by a poller.
type SourceStatus struct {
	Source            Source    `json:"source"`
	Connected         bool      `json:"connected"`
	LastSuccessAt     time.Time `json:"last_successful_poll_at"`
	LastAttemptAt     time.Time `json:"last_attempt_at"`
	ConsecutiveErrors int       `json:"consecutive_error_count"`
	LastError         string    `json:"last_error,omitempty"`
}

// FailoverConfig is the singleton selecting the authoritative feed.
type FailoverConfig struct {
	ActiveSource        Source    `json:"active_source"`
	AutoFallbackEnabled bool      `json:"auto_fallback_enabled"`
	StaleAfterSeconds   int       `json:"stale_after_seconds"`
	ManualOverride      bool      `json:"manual_override"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// StaleAfter returns the staleness timeout as a duration.
func (c FailoverConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// HistoryPoint is one sampled bid/ask pair.
type HistoryPoint struct {
	InstrumentCode string          `json:"instrument_code"`
	RecordedAt     time.Time       `json:"recorded_at"`
	Bid            decimal.Decimal `json:"bid"`
	Ask            decimal.Decimal `json:"ask"`
}
