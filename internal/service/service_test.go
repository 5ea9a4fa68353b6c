package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricefeed/internal/alerting"
	"pricefeed/internal/events"
	"pricefeed/internal/fetcher"
	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/publish"
	"pricefeed/internal/storage"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubFetcher struct {
	mu     sync.Mutex
	source model.Source
	quotes map[string]model.RawQuote
	err    error
	closed bool
}

func (f *stubFetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *stubFetcher) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *stubFetcher) Source() model.Source { return f.source }

func (f *stubFetcher) Fetch(context.Context) (map[string]model.RawQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]model.RawQuote, len(f.quotes))
	for k, v := range f.quotes {
		out[k] = v
	}
	return out, nil
}

func (f *stubFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func gold(source model.Source, bid, ask int64) *stubFetcher {
	return &stubFetcher{source: source, quotes: map[string]model.RawQuote{
		"GOLD": {
			InstrumentCode: "GOLD",
			Bid:            decimal.NewNullDecimal(decimal.NewFromInt(bid)),
			Ask:            decimal.NewNullDecimal(decimal.NewFromInt(ask)),
		},
	}}
}

type harness struct {
	svc     *Service
	store   *storage.MemoryStore
	clock   clockwork.FakeClock
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, fetchers ...fetcher.QuoteFetcher) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for _, source := range model.Sources {
		if err := store.UpsertFormula(ctx, model.Identity("GOLD", source, 2)); err != nil {
			t.Fatalf("seed formula: %v", err)
		}
	}
	return newHarnessWithStore(t, store, fetchers...)
}

func newHarnessWithStore(t *testing.T, store *storage.MemoryStore, fetchers ...fetcher.QuoteFetcher) *harness {
	t.Helper()
	opts := DefaultOptions()
	opts.Location = time.UTC
	clock := clockwork.NewFakeClockAt(t0)
	m := metrics.New()
	svc, err := New(opts, Dependencies{Store: store, Fetchers: fetchers, Clock: clock, Metrics: m}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return &harness{svc: svc, store: store, clock: clock, metrics: m}
}

// start runs the service and waits until both pollers and the failover timer
// have armed their tickers.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("service did not stop")
		}
	})
	h.clock.BlockUntil(len(h.svc.pollers) + 1)
}

func waitSnapshot(t *testing.T, sub *publish.Subscription, pred func([]model.DerivedPrice) bool) []model.DerivedPrice {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed")
			}
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("等待快照超时")
			return nil
		}
	}
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fromSource(source model.Source) func([]model.DerivedPrice) bool {
	return func(s []model.DerivedPrice) bool {
		return len(s) > 0 && s[0].Source == source
	}
}

func TestPublishesDerivedPricesFromPrimary(t *testing.T) {
	h := newHarness(t, gold(model.SourcePrimary, 4000, 4010), gold(model.SourceFallback, 3990, 4000))
	sub := h.svc.Subscribe()
	defer sub.Close()
	h.start(t)

	snap := waitSnapshot(t, sub, fromSource(model.SourcePrimary))
	p := snap[0]
	if p.Bid.StringFixed(2) != "4000.00" || p.Ask.StringFixed(2) != "4010.00" {
		t.Fatalf("unexpected bid/ask %s/%s", p.Bid, p.Ask)
	}
	if p.Spread.StringFixed(2) != "10.00" || p.SpreadPct.StringFixed(2) != "0.25" {
		t.Fatalf("unexpected spread %s (%s%%)", p.Spread, p.SpreadPct)
	}

	saved, _ := h.store.LoadSnapshot(context.Background())
	if len(saved) != 1 {
		t.Fatalf("snapshot not persisted")
	}
	if ex := h.svc.Extrema(); len(ex) != 1 || !ex[0].HighAsk.Equal(decimal.NewFromInt(4010)) {
		t.Fatalf("extrema not tracked: %+v", ex)
	}
	// both sources are cached and persisted even though only one is active
	eventually(t, "fallback quotes to be persisted", func() bool {
		fallbackQuotes, _ := h.store.ListRawQuotes(context.Background(), model.SourceFallback)
		return len(fallbackQuotes) == 1
	})
	if snap := h.svc.Snapshot(); snap[0].Source != model.SourcePrimary {
		t.Fatalf("inactive source must not be published, got %s", snap[0].Source)
	}
}

func TestStalePrimaryFailsOverToFallback(t *testing.T) {
	primary := gold(model.SourcePrimary, 4000, 4010)
	h := newHarness(t, primary, gold(model.SourceFallback, 3990, 4000))
	sub := h.svc.Subscribe()
	defer sub.Close()
	h.start(t)

	waitSnapshot(t, sub, fromSource(model.SourcePrimary))
	primary.fail(fetcher.ErrUnreachable)

	for i := 0; i < 7; i++ {
		h.clock.Advance(10 * time.Second)
		h.clock.BlockUntil(len(h.svc.pollers) + 1)
	}

	snap := waitSnapshot(t, sub, fromSource(model.SourceFallback))
	if !snap[0].Bid.Equal(decimal.NewFromInt(3990)) {
		t.Fatalf("expected fallback-derived bid, got %s", snap[0].Bid)
	}
	st := h.svc.Status()
	if st.ActiveSource != model.SourceFallback || st.ManualOverride {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.LastPrimaryPollAt == nil || !st.LastPrimaryPollAt.Equal(t0) {
		t.Fatalf("last primary poll should stay at first success, got %v", st.LastPrimaryPollAt)
	}
	cfg, err := h.store.LoadFailoverConfig(context.Background())
	if err != nil || cfg.ActiveSource != model.SourceFallback {
		t.Fatalf("failover config not persisted: %+v %v", cfg, err)
	}
}

func TestManualOverrideHoldsUntilReset(t *testing.T) {
	h := newHarness(t, gold(model.SourcePrimary, 4000, 4010), gold(model.SourceFallback, 3990, 4000))
	sub := h.svc.Subscribe()
	defer sub.Close()
	h.start(t)
	waitSnapshot(t, sub, fromSource(model.SourcePrimary))

	ctx := context.Background()
	if err := h.svc.SetActiveSource(ctx, model.SourceFallback); err != nil {
		t.Fatalf("set active source: %v", err)
	}
	if snap := h.svc.Snapshot(); snap[0].Source != model.SourceFallback {
		t.Fatalf("switch must republish immediately, got %s", snap[0].Source)
	}
	if !h.svc.Status().ManualOverride {
		t.Fatalf("manual switch must set override")
	}

	// primary is healthy, yet the override holds fallback
	check := func(ctx context.Context) error { h.svc.checkFailover(ctx); return nil }
	if err := h.svc.submit(ctx, "check", check); err != nil {
		t.Fatalf("check: %v", err)
	}
	if h.svc.Status().ActiveSource != model.SourceFallback {
		t.Fatalf("override must suppress automatic recovery")
	}

	if err := h.svc.ResetManualOverride(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	st := h.svc.Status()
	if st.ActiveSource != model.SourcePrimary || st.ManualOverride {
		t.Fatalf("reset should restore primary, got %+v", st)
	}
	if got := testutil.ToFloat64(h.metrics.FailoverTransitions.WithLabelValues("fallback", "primary", "primary_recovered")); got != 1 {
		t.Fatalf("recovery transition not counted: %v", got)
	}
}

func TestSwitchToEmptySourceRepublishes(t *testing.T) {
	fallback := gold(model.SourceFallback, 3990, 4000)
	fallback.fail(fetcher.ErrUnreachable)
	h := newHarness(t, gold(model.SourcePrimary, 4000, 4010), fallback)
	sub := h.svc.Subscribe()
	defer sub.Close()
	h.start(t)
	first := waitSnapshot(t, sub, fromSource(model.SourcePrimary))

	if err := h.svc.SetActiveSource(context.Background(), model.SourceFallback); err != nil {
		t.Fatalf("set active source: %v", err)
	}
	again := waitSnapshot(t, sub, func([]model.DerivedPrice) bool { return true })
	if len(again) != len(first) || again[0].Source != model.SourcePrimary || !again[0].Bid.Equal(first[0].Bid) {
		t.Fatalf("expected unchanged snapshot, got %+v", again)
	}
	if got := testutil.ToFloat64(h.metrics.RepublishesTotal); got != 1 {
		t.Fatalf("republish not counted: %v", got)
	}
}

func TestFormulaChangesRederiveImmediately(t *testing.T) {
	h := newHarness(t, gold(model.SourcePrimary, 4000, 4010))
	sub := h.svc.Subscribe()
	defer sub.Close()
	h.start(t)
	waitSnapshot(t, sub, fromSource(model.SourcePrimary))

	ctx := context.Background()
	row := model.Identity("gold", model.SourcePrimary, 2)
	row.BidMultiplier = decimal.NewFromInt(2)
	row.AskAddition = decimal.NewFromInt(5)
	if err := h.svc.UpsertFormula(ctx, row); err != nil {
		t.Fatalf("upsert formula: %v", err)
	}
	snap := h.svc.Snapshot()
	if !snap[0].Bid.Equal(decimal.NewFromInt(8000)) || !snap[0].Ask.Equal(decimal.NewFromInt(4015)) {
		t.Fatalf("formula not applied: %s/%s", snap[0].Bid, snap[0].Ask)
	}

	if err := h.svc.DeleteFormula(ctx, "GOLD", model.SourcePrimary); err != nil {
		t.Fatalf("delete formula: %v", err)
	}
	if snap := h.svc.Snapshot(); len(snap) != 1 {
		t.Fatalf("empty catalogue must keep the previous snapshot, got %d rows", len(snap))
	}
	if err := h.svc.DeleteFormula(ctx, "GOLD", model.SourcePrimary); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInitCreatesDefaultsAndFailsLoudly(t *testing.T) {
	h := newHarness(t, gold(model.SourcePrimary, 1, 2))
	cfg, err := h.store.LoadFailoverConfig(context.Background())
	if err != nil || cfg.ActiveSource != model.SourcePrimary || !cfg.AutoFallbackEnabled || cfg.StaleAfterSeconds != 60 {
		t.Fatalf("defaults not persisted: %+v %v", cfg, err)
	}

	broken := storage.NewMemoryStore()
	broken.SetFailWrites(errors.New("db down"))
	svc, err := New(DefaultOptions(), Dependencies{Store: broken}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Init(context.Background()); err == nil {
		t.Fatalf("init must fail when defaults cannot be stored")
	}
	if err := svc.Run(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitRestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveFailoverConfig(ctx, model.FailoverConfig{ActiveSource: model.SourceFallback, AutoFallbackEnabled: true, StaleAfterSeconds: 90, ManualOverride: true})
	_ = store.SaveSnapshot(ctx, []model.DerivedPrice{{InstrumentCode: "GOLD", Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(2), Source: model.SourceFallback}})
	_ = store.SaveSourceStatus(ctx, model.SourceStatus{Source: model.SourcePrimary, Connected: false, LastSuccessAt: t0, ConsecutiveErrors: 7})

	h := newHarnessWithStore(t, store, gold(model.SourcePrimary, 1, 2))
	st := h.svc.Status()
	if st.ActiveSource != model.SourceFallback || !st.ManualOverride || st.StaleAfterSeconds != 90 {
		t.Fatalf("failover config not restored: %+v", st)
	}
	if st.PrimaryConnected || st.LastPrimaryPollAt == nil {
		t.Fatalf("source status not restored: %+v", st)
	}
	if snap := h.svc.Snapshot(); len(snap) != 1 || snap[0].InstrumentCode != "GOLD" {
		t.Fatalf("snapshot not restored: %+v", snap)
	}
}

func TestCommandValidationAndStop(t *testing.T) {
	h := newHarness(t, gold(model.SourcePrimary, 1, 2))
	ctx := context.Background()
	if err := h.svc.SetActiveSource(ctx, "tertiary"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(runCtx) }()
	h.clock.BlockUntil(2)
	if err := h.svc.SetStaleAfterSeconds(ctx, 0); err == nil {
		t.Fatalf("zero stale-after must be rejected")
	}
	if err := h.svc.SetAutoFallback(ctx, false); err != nil {
		t.Fatalf("set auto fallback: %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if err := h.svc.SetAutoFallback(ctx, true); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if h.svc.Status().AutoFallbackEnabled {
		t.Fatalf("auto fallback should remain disabled")
	}
}

func TestHistorySampledAtMostOncePerInterval(t *testing.T) {
	h := newHarness(t, gold(model.SourcePrimary, 4000, 4010))
	h.svc.opts.HistoryInterval = time.Minute
	ctx := context.Background()

	prices := []model.DerivedPrice{{InstrumentCode: "GOLD", Bid: decimal.NewFromInt(4000), Ask: decimal.NewFromInt(4010)}}
	h.svc.recordHistory(ctx, prices, t0)
	h.svc.recordHistory(ctx, prices, t0.Add(30*time.Second))
	h.svc.recordHistory(ctx, prices, t0.Add(61*time.Second))

	points, err := h.svc.History(ctx, "gold", t0.Add(-time.Minute), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 sampled points, got %d", len(points))
	}
	if !points[1].RecordedAt.Equal(t0.Add(61 * time.Second)) {
		t.Fatalf("unexpected second sample time %v", points[1].RecordedAt)
	}
}

func TestFormulaSourceCodesAreCaseInsensitive(t *testing.T) {
	h := newHarness(t, gold(model.SourcePrimary, 4000, 4010))
	sub := h.svc.Subscribe()
	defer sub.Close()
	h.start(t)
	waitSnapshot(t, sub, fromSource(model.SourcePrimary))

	row := model.Identity("Gold", model.SourcePrimary, 2)
	row.BidSourceCode = " gold"
	row.AskSourceCode = "gOLD "
	row.AskAddition = decimal.NewFromInt(1)
	if err := h.svc.UpsertFormula(context.Background(), row); err != nil {
		t.Fatalf("upsert formula: %v", err)
	}
	snap := h.svc.Snapshot()
	if len(snap) != 1 || !snap[0].Ask.Equal(decimal.NewFromInt(4011)) {
		t.Fatalf("小写来源代码应匹配上游报价: %+v", snap)
	}
	rows, _ := h.svc.Formulas(model.SourcePrimary)
	if rows[0].BidSourceCode != "GOLD" || rows[0].AskSourceCode != "GOLD" {
		t.Fatalf("source codes not stored normalised: %+v", rows[0])
	}
}

func TestStopClosesFetchers(t *testing.T) {
	primary := gold(model.SourcePrimary, 1, 2)
	fallback := gold(model.SourceFallback, 1, 2)
	h := newHarness(t, primary, fallback)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()
	h.clock.BlockUntil(len(h.svc.pollers) + 1)
	if primary.isClosed() {
		t.Fatalf("fetcher closed while running")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !primary.isClosed() || !fallback.isClosed() {
		t.Fatalf("stopping the service must close every fetcher")
	}
}

func TestRestoredSnapshotDoesNotFireAlerts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveSnapshot(ctx, []model.DerivedPrice{{InstrumentCode: "GOLD", Bid: decimal.NewFromInt(5000), Ask: decimal.NewFromInt(5010), Source: model.SourcePrimary}})
	for _, source := range model.Sources {
		_ = store.UpsertFormula(ctx, model.Identity("GOLD", source, 2))
	}
	alert, err := store.CreateAlert(ctx, model.Alert{
		ID:             uuid.New(),
		SubscriberID:   "sub-1",
		InstrumentCode: "GOLD",
		Field:          model.FieldBid,
		Comparator:     model.ComparatorAbove,
		TargetValue:    decimal.NewFromInt(4500),
		Active:         true,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	opts := DefaultOptions()
	opts.Location = time.UTC
	clock := clockwork.NewFakeClockAt(t0)
	primary := gold(model.SourcePrimary, 4000, 4010)
	evaluator := alerting.NewEvaluator(store, nil, clock, nil, zerolog.Nop())
	svc, err := New(opts, Dependencies{Store: store, Fetchers: []fetcher.QuoteFetcher{primary}, Evaluator: evaluator, Clock: clock}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	sub := svc.publisher.SubscribeUpdates()
	defer sub.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()
	// the first live snapshot (4000) is below target; the restored 5000 is not evaluated
	waitSnapshot(t, sub, func(s []model.DerivedPrice) bool { return len(s) > 0 && s[0].Bid.Equal(decimal.NewFromInt(4000)) })

	clock.BlockUntil(2)
	primary.mu.Lock()
	primary.quotes["GOLD"] = model.RawQuote{
		InstrumentCode: "GOLD",
		Bid:            decimal.NewNullDecimal(decimal.NewFromInt(4600)),
		Ask:            decimal.NewNullDecimal(decimal.NewFromInt(4610)),
	}
	primary.mu.Unlock()
	clock.Advance(5 * time.Second)
	waitSnapshot(t, sub, func(s []model.DerivedPrice) bool { return len(s) > 0 && s[0].Bid.Equal(decimal.NewFromInt(4600)) })

	eventually(t, "alert to fire on a live price", func() bool {
		alerts, _ := store.ListAlertsBySubscriber(ctx, "sub-1")
		return len(alerts) == 1 && !alerts[0].Active
	})
	alerts, _ := store.ListAlertsBySubscriber(ctx, "sub-1")
	if alerts[0].ID != alert.ID || alerts[0].TriggeredAt == nil {
		t.Fatalf("unexpected alert state %+v", alerts[0])
	}
}

func TestFailoverIgnoresSuccessStillQueued(t *testing.T) {
	h := newHarness(t, gold(model.SourcePrimary, 4000, 4010), gold(model.SourceFallback, 3990, 4000))
	ctx := context.Background()

	// primary never answered: the first check fails over
	h.clock.Advance(2 * time.Minute)
	h.svc.checkFailover(ctx)
	if h.svc.controller.Active() != model.SourceFallback {
		t.Fatalf("never-polled primary should fail over")
	}

	// primary succeeds, but its quotes are still in the queue
	h.svc.pollers[model.SourcePrimary].PollOnce(ctx)
	h.svc.checkFailover(ctx)
	if h.svc.controller.Active() != model.SourceFallback {
		t.Fatalf("recovery must wait until the primary quotes are handled")
	}

	ev := <-h.svc.queue.C()
	if _, ok := ev.(events.QuotesUpdated); !ok {
		t.Fatalf("expected QuotesUpdated, got %T", ev)
	}
	h.svc.handle(ctx, ev)
	h.svc.checkFailover(ctx)
	if h.svc.controller.Active() != model.SourcePrimary {
		t.Fatalf("primary should be active once its quotes are handled")
	}
	if snap := h.svc.Snapshot(); len(snap) != 1 || !snap[0].Bid.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("recovery must publish the fresh primary quotes: %+v", snap)
	}
}

func TestSnapshotPersistFailureStillBroadcasts(t *testing.T) {
	h := newHarness(t, gold(model.SourcePrimary, 4000, 4010))
	h.store.SetFailWrites(errors.New("disk full"))
	sub := h.svc.Subscribe()
	defer sub.Close()
	h.start(t)

	waitSnapshot(t, sub, fromSource(model.SourcePrimary))
	if got := testutil.ToFloat64(h.metrics.PersistFailures.WithLabelValues("price_snapshot")); got < 1 {
		t.Fatalf("snapshot persist failure not counted, got %v", got)
	}
}
