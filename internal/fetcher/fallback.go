package fetcher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"pricefeed/internal/model"
)

// Fallback reads the grouped feed, flattening every group into one map:
//
//	{"Update_Date":"...","Rates":{"GOLD":{"GRAM":{"Name":..,"Buying":..,"Selling":..,"High":..,"Low":..,"Change":..}}}}
type Fallback struct {
	httpSource
}

// NewFallback constructs the fallback provider.
func NewFallback(opts Options, logger zerolog.Logger) *Fallback {
	return &Fallback{httpSource: newHTTPSource(model.SourceFallback, opts, logger)}
}

type fallbackDocument struct {
	UpdateDate string                              `json:"Update_Date"`
	Rates      map[string]map[string]fallbackEntry `json:"Rates"`
}

type fallbackEntry struct {
	Name    string `json:"Name"`
	Buying  any    `json:"Buying"`
	Selling any    `json:"Selling"`
	High    any    `json:"High"`
	Low     any    `json:"Low"`
	Change  any    `json:"Change"`
}

// Fetch issues one GET and normalises the response.
func (f *Fallback) Fetch(ctx context.Context) (map[string]model.RawQuote, error) {
	body, err := f.get(ctx)
	if err != nil {
		return nil, err
	}
	return f.parse(body)
}

func (f *Fallback) parse(body []byte) (map[string]model.RawQuote, error) {
	var doc fallbackDocument
	if err := decodeJSON(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode fallback payload: %v", ErrMalformed, err)
	}

	now := f.now()
	quotes := make(map[string]model.RawQuote)
	for group, entries := range doc.Rates {
		for key, entry := range entries {
			code := model.NormaliseCode(key)
			if code == "" {
				continue
			}
			if _, dup := quotes[code]; dup {
				f.logger.Warn().Str("code", code).Str("group", group).Msg("duplicate code across groups, keeping first")
				continue
			}
			q := model.RawQuote{
				InstrumentCode:  code,
				Source:          model.SourceFallback,
				DisplayName:     entry.Name,
				Bid:             nullNumber(entry.Buying),
				Ask:             nullNumber(entry.Selling),
				DailyHigh:       nullNumber(entry.High),
				DailyLow:        nullNumber(entry.Low),
				SourceDirection: changeDirection(entry.Change),
				UpdatedAt:       now,
			}
			if !q.Bid.Valid && !q.Ask.Valid {
				continue
			}
			quotes[code] = q
		}
	}

	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: no usable quotes", ErrMalformed)
	}
	return quotes, nil
}

func changeDirection(v any) string {
	d, ok := ParseNumber(v)
	if !ok {
		return ""
	}
	switch d.Sign() {
	case 1:
		return string(model.DirectionUp)
	case -1:
		return string(model.DirectionDown)
	default:
		return string(model.DirectionSame)
	}
}

var _ QuoteFetcher = (*Fallback)(nil)
