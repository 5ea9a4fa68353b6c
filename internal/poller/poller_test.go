package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricefeed/internal/events"
	"pricefeed/internal/fetcher"
	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

type scriptedFetcher struct {
	mu     sync.Mutex
	source model.Source
	fail   bool
	calls  int
}

func (f *scriptedFetcher) Source() model.Source { return f.source }

func (f *scriptedFetcher) Fetch(ctx context.Context) (map[string]model.RawQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, fetcher.ErrUnreachable
	}
	return map[string]model.RawQuote{
		"GOLD": {InstrumentCode: "GOLD", Source: f.source, Bid: decimal.NewNullDecimal(decimal.NewFromInt(4000))},
	}, nil
}

func (f *scriptedFetcher) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func drain(q *events.Queue) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-q.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countConnectivity(evs []events.Event) (down, up int) {
	for _, ev := range evs {
		if c, ok := ev.(events.ConnectivityChanged); ok {
			if c.Connected {
				up++
			} else {
				down++
			}
		}
	}
	return down, up
}

func TestPollerDisconnectsExactlyOnceAndRecovers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	f := &scriptedFetcher{source: model.SourcePrimary, fail: true}
	q := events.NewQueue(128)
	store := storage.NewMemoryStore()
	p := New(Config{FailureThreshold: 5}, f, q, store, clock, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		p.PollOnce(ctx)
	}
	if !p.Status().Connected {
		t.Fatalf("should stay connected below threshold")
	}

	for i := 0; i < 6; i++ {
		p.PollOnce(ctx)
	}
	st := p.Status()
	if st.Connected || st.ConsecutiveErrors != 10 {
		t.Fatalf("unexpected status after failures: %+v", st)
	}
	down, up := countConnectivity(drain(q))
	if down != 1 || up != 0 {
		t.Fatalf("expected one disconnect event, got down=%d up=%d", down, up)
	}

	clock.Advance(time.Minute)
	f.setFail(false)
	p.PollOnce(ctx)
	st = p.Status()
	if !st.Connected || st.ConsecutiveErrors != 0 || !st.LastSuccessAt.Equal(clock.Now().UTC()) {
		t.Fatalf("single success must reset status: %+v", st)
	}
	evs := drain(q)
	down, up = countConnectivity(evs)
	if down != 0 || up != 1 {
		t.Fatalf("expected one reconnect event, got down=%d up=%d", down, up)
	}
	if _, ok := evs[0].(events.QuotesUpdated); !ok {
		t.Fatalf("quotes must be emitted before the reconnect notice, got %T", evs[0])
	}

	persisted, _ := store.ListSourceStatus(ctx)
	if len(persisted) != 1 || !persisted[0].Connected {
		t.Fatalf("status not persisted: %+v", persisted)
	}
}

func TestPollerFailureKeepsNoQuotes(t *testing.T) {
	f := &scriptedFetcher{source: model.SourceFallback, fail: true}
	q := events.NewQueue(8)
	p := New(Config{}, f, q, nil, clockwork.NewFakeClock(), nil, zerolog.Nop())
	p.PollOnce(context.Background())

	evs := drain(q)
	if len(evs) != 1 {
		t.Fatalf("expected a single SourceError, got %d events", len(evs))
	}
	se, ok := evs[0].(events.SourceError)
	if !ok || !errors.Is(se.Err, fetcher.ErrUnreachable) || se.ConsecutiveErrors != 1 {
		t.Fatalf("unexpected event %+v", evs[0])
	}
}

func TestPollerRunUsesInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := &scriptedFetcher{source: model.SourceFallback}
	q := events.NewQueue(16)
	p := New(Config{Interval: 30 * time.Second}, f, q, nil, clock, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	waitEvent := func() {
		select {
		case <-q.C():
		case <-time.After(2 * time.Second):
			t.Fatalf("no poll event")
		}
	}
	waitEvent()
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	waitEvent()

	f.mu.Lock()
	calls := f.calls
	f.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected immediate poll plus one tick, got %d", calls)
	}
}

func TestDefaultConfig(t *testing.T) {
	if DefaultConfig(model.SourcePrimary).Interval != 5*time.Second {
		t.Fatalf("primary default interval should be 5s")
	}
	if DefaultConfig(model.SourceFallback).Interval != 30*time.Second {
		t.Fatalf("fallback default interval should be 30s")
	}
}
