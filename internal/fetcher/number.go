package fetcher

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

var numberNoise = strings.NewReplacer("%", "", "₺", "", "$", "", "€", "", "TL", "", " ", "", "\u00a0", "")

// ParseNumber converts a loosely typed JSON value into a decimal. Strings may
// use either "." or "," as the decimal separator and the other as grouping:
// "4.000,12" and "4,000.12" both parse as 4000.12. A lone comma is a decimal
// separator, repeated separators of one kind are grouping.
func ParseNumber(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, false
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return parseNumberString(t.String())
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case string:
		return parseNumberString(t)
	}
	return decimal.Zero, false
}

func parseNumberString(raw string) (decimal.Decimal, bool) {
	s := numberNoise.Replace(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "+")
	if s == "" || s == "-" {
		return decimal.Zero, false
	}

	commas := strings.Count(s, ",")
	dots := strings.Count(s, ".")
	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case commas == 1:
		s = strings.Replace(s, ",", ".", 1)
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	case dots > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func nullNumber(v any) decimal.NullDecimal {
	d, ok := ParseNumber(v)
	if !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func decodeJSON(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(dst)
}
