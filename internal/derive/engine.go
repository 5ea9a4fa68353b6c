// Package derive turns cached source quotes into the published price list.
package derive

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
)

var (
	hundred = decimal.NewFromInt(100)
	// DirectionEpsilon is the minimum ask move reported as up or down.
	DirectionEpsilon = decimal.RequireFromString("0.01")
)

// Engine applies formula rows to a quote map. It holds no state; the caller
// supplies the previously published prices.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger.With().Str("component", "derive").Logger()}
}

// Derive computes one DerivedPrice per row. It reports false when there is
// nothing to publish: no rows configured, or no row yielded a price.
//
// An instrument whose bid and ask inputs are both missing keeps its previous
// price verbatim and is omitted when it has none. A single missing side
// contributes a base of zero.
func (e *Engine) Derive(source model.Source, rows []model.FormulaRow, quotes map[string]model.RawQuote, previous map[string]model.DerivedPrice, now time.Time) ([]model.DerivedPrice, bool) {
	if len(rows) == 0 {
		return nil, false
	}

	out := make([]model.DerivedPrice, 0, len(rows))
	for _, row := range rows {
		bidBase, bidOK := lookup(quotes, row.BidSourceCode, row.BidSourceField)
		askBase, askOK := lookup(quotes, row.AskSourceCode, row.AskSourceField)
		prev, hasPrev := previous[row.InstrumentCode]

		if !bidOK && !askOK {
			if hasPrev {
				out = append(out, prev)
			} else {
				e.logger.Debug().Str("instrument", row.InstrumentCode).Msg("no inputs and no previous price, skipping")
			}
			continue
		}
		if !bidOK || !askOK {
			e.logger.Debug().Str("instrument", row.InstrumentCode).Bool("bid", bidOK).Bool("ask", askOK).Msg("formula input missing, using zero base")
		}

		bid := bidBase.Mul(row.BidMultiplier).Add(row.BidAddition)
		ask := askBase.Mul(row.AskMultiplier).Add(row.AskAddition)
		spread := ask.Sub(bid)
		spreadPct := decimal.Zero
		if bid.IsPositive() {
			spreadPct = spread.Div(bid).Mul(hundred)
		}

		direction := model.DirectionSame
		if hasPrev {
			direction = Direction(prev.Ask, ask)
		}

		name := row.DisplayName
		if name == "" {
			if q, ok := quotes[row.AskSourceCode]; ok && q.DisplayName != "" {
				name = q.DisplayName
			} else {
				name = row.InstrumentCode
			}
		}

		out = append(out, model.DerivedPrice{
			InstrumentCode: row.InstrumentCode,
			DisplayName:    name,
			Category:       row.Category,
			Bid:            bid.Round(row.Decimals),
			Ask:            ask.Round(row.Decimals),
			Spread:         spread.Round(row.Decimals),
			SpreadPct:      spreadPct.Round(2),
			Direction:      direction,
			Source:         source,
			Decimals:       row.Decimals,
			DisplayOrder:   row.DisplayOrder,
			UpdatedAt:      now,
		})
	}

	return out, len(out) > 0
}

// Direction classifies the move from the previous published ask to next.
func Direction(prevAsk, nextAsk decimal.Decimal) model.Direction {
	diff := nextAsk.Sub(prevAsk)
	switch {
	case diff.GreaterThan(DirectionEpsilon):
		return model.DirectionUp
	case diff.LessThan(DirectionEpsilon.Neg()):
		return model.DirectionDown
	default:
		return model.DirectionSame
	}
}

func lookup(quotes map[string]model.RawQuote, code string, field model.Field) (decimal.Decimal, bool) {
	q, ok := quotes[code]
	if !ok {
		return decimal.Zero, false
	}
	return q.Value(field)
}
