package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func nd(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(v))
}

func TestRawQuoteMergeKeepsMissingSides(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	old := RawQuote{InstrumentCode: "GOLD", Bid: nd("4000"), Ask: nd("4010"), DailyHigh: nd("4050"), UpdatedAt: t0}
	next := RawQuote{InstrumentCode: "GOLD", Ask: nd("4020"), UpdatedAt: t0.Add(time.Second)}

	merged := old.Merge(next)
	if !merged.Bid.Decimal.Equal(decimal.RequireFromString("4000")) {
		t.Fatalf("bid overwritten: %s", merged.Bid.Decimal)
	}
	if !merged.Ask.Decimal.Equal(decimal.RequireFromString("4020")) {
		t.Fatalf("ask not merged: %s", merged.Ask.Decimal)
	}
	if !merged.DailyHigh.Valid {
		t.Fatalf("daily high dropped")
	}
	if !merged.UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("updated_at not advanced")
	}
}

func TestParseSource(t *testing.T) {
	if s, err := ParseSource(" Fallback "); err != nil || s != SourceFallback {
		t.Fatalf("parse fallback: %v %v", s, err)
	}
	if _, err := ParseSource("tertiary"); err == nil {
		t.Fatalf("expected error for unknown source")
	}
	if SourcePrimary.Other() != SourceFallback || SourceFallback.Other() != SourcePrimary {
		t.Fatalf("Other mismatch")
	}
}

func TestFormulaRowValidate(t *testing.T) {
	row := Identity("GOLD", SourcePrimary, 2)
	if err := row.Validate(); err != nil {
		t.Fatalf("identity row invalid: %v", err)
	}
	row.AskSourceField = "mid"
	if err := row.Validate(); err == nil {
		t.Fatalf("expected invalid field error")
	}
}

func TestDerivedPriceJSONUsesFixedPrecision(t *testing.T) {
	p := DerivedPrice{
		InstrumentCode: "GOLD",
		Bid:            decimal.RequireFromString("4000"),
		Ask:            decimal.RequireFromString("4010"),
		Spread:         decimal.RequireFromString("10"),
		SpreadPct:      decimal.RequireFromString("0.25"),
		Direction:      DirectionSame,
		Decimals:       2,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"bid":"4000.00"`, `"ask":"4010.00"`, `"spread":"10.00"`, `"spread_pct":"0.25"`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("expected %s in %s", want, raw)
		}
	}

	var back DerivedPrice
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Ask.Equal(p.Ask) || back.Decimals != 2 {
		t.Fatalf("unexpected decode: %+v", back)
	}
}

func TestAlertMatches(t *testing.T) {
	above := Alert{Comparator: ComparatorAbove, TargetValue: decimal.NewFromInt(100)}
	if !above.Matches(decimal.NewFromInt(100)) {
		t.Fatalf("above should fire at target")
	}
	if above.Matches(decimal.RequireFromString("99.99")) {
		t.Fatalf("above fired below target")
	}
	below := Alert{Comparator: ComparatorBelow, TargetValue: decimal.NewFromInt(100)}
	if !below.Matches(decimal.NewFromInt(99)) || below.Matches(decimal.NewFromInt(101)) {
		t.Fatalf("below comparator mismatch")
	}
}

func TestFormulaRowNormalised(t *testing.T) {
	row := Identity(" gold ", SourcePrimary, 2)
	row.AskSourceCode = "gold_alt"
	got := row.Normalised()
	if got.InstrumentCode != "GOLD" || got.BidSourceCode != "GOLD" || got.AskSourceCode != "GOLD_ALT" {
		t.Fatalf("codes not normalised: %+v", got)
	}
	if row.BidSourceCode != " gold " {
		t.Fatalf("Normalised must not mutate the receiver")
	}
}
