package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DerivedPrice is one published instrument row.
type DerivedPrice struct {
	InstrumentCode string
	DisplayName    string
	Category       string
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	Spread         decimal.Decimal
	SpreadPct      decimal.Decimal
	Direction      Direction
	Source         Source
	Decimals       int32
	DisplayOrder   int
	UpdatedAt      time.Time
}

// Value returns the requested side of the price.
func (p DerivedPrice) Value(f Field) decimal.Decimal {
	if f == FieldBid {
		return p.Bid
	}
	return p.Ask
}

type derivedPriceJSON struct {
	InstrumentCode string    `json:"instrument_code"`
	DisplayName    string    `json:"display_name"`
	Category       string    `json:"category"`
	Bid            string    `json:"bid"`
	Ask            string    `json:"ask"`
	Spread         string    `json:"spread"`
	SpreadPct      string    `json:"spread_pct"`
	Direction      Direction `json:"direction"`
	Source         Source    `json:"source"`
	Decimals       int32     `json:"decimals"`
	DisplayOrder   int       `json:"display_order"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MarshalJSON renders prices with their configured precision so clients see
// "4000.00" rather than "4000".
func (p DerivedPrice) MarshalJSON() ([]byte, error) {
	return json.Marshal(derivedPriceJSON{
		InstrumentCode: p.InstrumentCode,
		DisplayName:    p.DisplayName,
		Category:       p.Category,
		Bid:            p.Bid.StringFixed(p.Decimals),
		Ask:            p.Ask.StringFixed(p.Decimals),
		Spread:         p.Spread.StringFixed(p.Decimals),
		SpreadPct:      p.SpreadPct.StringFixed(2),
		Direction:      p.Direction,
		Source:         p.Source,
		Decimals:       p.Decimals,
		DisplayOrder:   p.DisplayOrder,
		UpdatedAt:      p.UpdatedAt,
	})
}

// UnmarshalJSON accepts the format produced by MarshalJSON.
func (p *DerivedPrice) UnmarshalJSON(data []byte) error {
	var raw derivedPriceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := DerivedPrice{
		InstrumentCode: raw.InstrumentCode,
		DisplayName:    raw.DisplayName,
		Category:       raw.Category,
		Direction:      raw.Direction,
		Source:         raw.Source,
		Decimals:       raw.Decimals,
		DisplayOrder:   raw.DisplayOrder,
		UpdatedAt:      raw.UpdatedAt,
	}
	for _, f := range []struct {
		in  string
		out *decimal.Decimal
	}{
		{raw.Bid, &out.Bid},
		{raw.Ask, &out.Ask},
		{raw.Spread, &out.Spread},
		{raw.SpreadPct, &out.SpreadPct},
	} {
		if f.in == "" {
			continue
		}
		d, err := decimal.NewFromString(f.in)
		if err != nil {
			return err
		}
		*f.out = d
	}
	*p = out
	return nil
}

// Snapshot is the published list keyed by instrument.
type Snapshot []DerivedPrice

// Index returns the snapshot keyed by instrument code.
func (s Snapshot) Index() map[string]DerivedPrice {
	out := make(map[string]DerivedPrice, len(s))
	for _, p := range s {
		out[p.InstrumentCode] = p
	}
	return out
}

// Comparator is the alert threshold direction.
type Comparator string

const (
	ComparatorAbove Comparator = "above"
	ComparatorBelow Comparator = "below"
)

// Valid reports whether c is above or below.
func (c Comparator) Valid() bool {
	return c == ComparatorAbove || c == ComparatorBelow
}

// Alert is a one-shot threshold watcher owned by a subscriber.
type Alert struct {
	ID             uuid.UUID       `json:"id"`
	SubscriberID   string          `json:"subscriber_id"`
	DeviceToken    string          `json:"device_token,omitempty"`
	InstrumentCode string          `json:"instrument_code"`
	Field          Field           `json:"field"`
	Comparator     Comparator      `json:"comparator"`
	TargetValue    decimal.Decimal `json:"target_value"`
	Active         bool            `json:"active"`
	TriggeredAt    *time.Time      `json:"triggered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Matches reports whether the observed value crosses the alert threshold.
func (a Alert) Matches(observed decimal.Decimal) bool {
	switch a.Comparator {
	case ComparatorAbove:
		return observed.GreaterThanOrEqual(a.TargetValue)
	case ComparatorBelow:
		return observed.LessThanOrEqual(a.TargetValue)
	}
	return false
}
