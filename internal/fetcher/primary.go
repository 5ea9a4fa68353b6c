package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"pricefeed/internal/model"
)

// Primary reads the flat keyed feed:
//
//	{"meta":{...},"data":{"GOLD":{"code":"GOLD","alis":"4000","satis":"4010","dusuk":..,"yuksek":..,"dir":{"satis_dir":"up"}}}}
type Primary struct {
	httpSource
}

// NewPrimary constructs the primary provider.
func NewPrimary(opts Options, logger zerolog.Logger) *Primary {
	return &Primary{httpSource: newHTTPSource(model.SourcePrimary, opts, logger)}
}

type primaryDocument struct {
	Meta map[string]any          `json:"meta"`
	Data map[string]primaryEntry `json:"data"`
}

type primaryEntry struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Alis   any    `json:"alis"`
	Satis  any    `json:"satis"`
	Dusuk  any    `json:"dusuk"`
	Yuksek any    `json:"yuksek"`
	Dir    struct {
		SatisDir string `json:"satis_dir"`
	} `json:"dir"`
}

// Fetch issues one GET and normalises the response.
func (p *Primary) Fetch(ctx context.Context) (map[string]model.RawQuote, error) {
	body, err := p.get(ctx)
	if err != nil {
		return nil, err
	}
	return p.parse(body)
}

func (p *Primary) parse(body []byte) (map[string]model.RawQuote, error) {
	var doc primaryDocument
	if err := decodeJSON(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode primary payload: %v", ErrMalformed, err)
	}

	now := p.now()
	quotes := make(map[string]model.RawQuote, len(doc.Data))
	for key, entry := range doc.Data {
		code := model.NormaliseCode(entry.Code)
		if code == "" {
			code = model.NormaliseCode(key)
		}
		if code == "" {
			continue
		}
		q := model.RawQuote{
			InstrumentCode:  code,
			Source:          model.SourcePrimary,
			DisplayName:     entry.Name,
			Bid:             nullNumber(entry.Alis),
			Ask:             nullNumber(entry.Satis),
			DailyLow:        nullNumber(entry.Dusuk),
			DailyHigh:       nullNumber(entry.Yuksek),
			SourceDirection: normaliseDirection(entry.Dir.SatisDir),
			UpdatedAt:       now,
		}
		if !q.Bid.Valid && !q.Ask.Valid {
			p.logger.Debug().Str("code", code).Msg("skipping quote without bid or ask")
			continue
		}
		quotes[code] = q
	}

	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: no usable quotes", ErrMalformed)
	}
	return quotes, nil
}

func normaliseDirection(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "up", "yukari", "increase", "1", "+":
		return string(model.DirectionUp)
	case "down", "asagi", "decrease", "-1", "-":
		return string(model.DirectionDown)
	case "":
		return ""
	default:
		return string(model.DirectionSame)
	}
}

var _ QuoteFetcher = (*Primary)(nil)
