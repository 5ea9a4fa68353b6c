package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
)

func TestMemoryStoreMergesQuotes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	bid := decimal.NewNullDecimal(decimal.NewFromInt(4000))
	ask := decimal.NewNullDecimal(decimal.NewFromInt(4010))

	if err := s.UpsertRawQuotes(ctx, []model.RawQuote{{InstrumentCode: "GOLD", Source: model.SourcePrimary, Bid: bid, Ask: ask}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertRawQuotes(ctx, []model.RawQuote{{InstrumentCode: "GOLD", Source: model.SourcePrimary, Ask: decimal.NewNullDecimal(decimal.NewFromInt(4020))}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertRawQuotes(ctx, []model.RawQuote{{InstrumentCode: "GOLD", Source: model.SourceFallback, Bid: bid}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	primary, _ := s.ListRawQuotes(ctx, model.SourcePrimary)
	if len(primary) != 1 {
		t.Fatalf("expected 1 primary quote, got %d", len(primary))
	}
	if !primary[0].Bid.Decimal.Equal(decimal.NewFromInt(4000)) || !primary[0].Ask.Decimal.Equal(decimal.NewFromInt(4020)) {
		t.Fatalf("unexpected merged quote %+v", primary[0])
	}
	fallback, _ := s.ListRawQuotes(ctx, model.SourceFallback)
	if len(fallback) != 1 {
		t.Fatalf("sources must be keyed separately")
	}
}

func TestMemoryStoreAlertFiresOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, err := s.CreateAlert(ctx, model.Alert{SubscriberID: "sub", InstrumentCode: "GOLD", Field: model.FieldAsk, Comparator: model.ComparatorAbove, TargetValue: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	if fired, err := s.MarkAlertTriggered(ctx, a.ID, now); err != nil || !fired {
		t.Fatalf("first trigger: fired=%v err=%v", fired, err)
	}
	if fired, _ := s.MarkAlertTriggered(ctx, a.ID, now); fired {
		t.Fatalf("inactive alert triggered twice")
	}
	if active, _ := s.ListActiveAlerts(ctx); len(active) != 0 {
		t.Fatalf("expected no active alerts")
	}

	if err := s.ReactivateAlert(ctx, a.ID); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	list, _ := s.ListAlertsBySubscriber(ctx, "sub")
	if len(list) != 1 || !list[0].Active || list[0].TriggeredAt != nil {
		t.Fatalf("reactivation must clear triggered_at: %+v", list)
	}
}

func TestMemoryStoreFailoverNotFoundAndFailures(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.LoadFailoverConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	boom := errors.New("disk full")
	s.SetFailWrites(boom)
	if err := s.SaveFailoverConfig(ctx, model.FailoverConfig{ActiveSource: model.SourcePrimary}); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := s.DeleteFormula(ctx, "X", model.SourcePrimary); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	s.SetFailWrites(nil)
	if err := s.DeleteFormula(ctx, "X", model.SourcePrimary); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreHistoryWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_ = s.AppendHistory(ctx, []model.HistoryPoint{{InstrumentCode: "GOLD", RecordedAt: t0.Add(time.Duration(i) * time.Hour)}})
	}
	got, _ := s.ListHistory(ctx, "GOLD", t0.Add(time.Hour), t0.Add(3*time.Hour))
	if len(got) != 2 {
		t.Fatalf("expected half-open window of 2 points, got %d", len(got))
	}
}
