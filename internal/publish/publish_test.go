package publish

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

func price(code, bid string) model.DerivedPrice {
	return model.DerivedPrice{
		InstrumentCode: code,
		Bid:            decimal.RequireFromString(bid),
		Ask:            decimal.RequireFromString(bid),
		Source:         model.SourcePrimary,
		Decimals:       2,
		UpdatedAt:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func recv(t *testing.T, sub *Subscription) []model.DerivedPrice {
	t.Helper()
	select {
	case snap := <-sub.C():
		return snap
	case <-time.After(time.Second):
		t.Fatalf("没有收到快照")
		return nil
	}
}

type recordingSink struct {
	sent chan []model.DerivedPrice
	err  error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{sent: make(chan []model.DerivedPrice, 16)}
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(_ context.Context, prices []model.DerivedPrice) error {
	r.sent <- prices
	return r.err
}

// blockingSink never completes a send until its context ends.
type blockingSink struct {
	started chan struct{}
}

func (b *blockingSink) Name() string { return "blocking" }

func (b *blockingSink) Send(ctx context.Context, _ []model.DerivedPrice) error {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func runPublisher(t *testing.T, pub *Publisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSubscribeReceivesCurrentSnapshot(t *testing.T) {
	hub := NewHub(4, nil)
	empty := hub.Subscribe()
	defer empty.Close()
	select {
	case <-empty.C():
		t.Fatalf("no snapshot expected before first publish")
	default:
	}

	hub.Broadcast([]model.DerivedPrice{price("GOLD", "1")})
	late := hub.Subscribe()
	defer late.Close()
	if snap := recv(t, late); len(snap) != 1 || snap[0].InstrumentCode != "GOLD" {
		t.Fatalf("late subscriber should get current snapshot, got %+v", snap)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	m := metrics.New()
	hub := NewHub(2, m)
	sub := hub.Subscribe()
	defer sub.Close()

	for _, bid := range []string{"1", "2", "3", "4"} {
		hub.Broadcast([]model.DerivedPrice{price("GOLD", bid)})
	}

	first := recv(t, sub)
	second := recv(t, sub)
	if first[0].Bid.String() != "3" || second[0].Bid.String() != "4" {
		t.Fatalf("expected newest two snapshots, got %s %s", first[0].Bid, second[0].Bid)
	}
	if got := testutil.ToFloat64(m.SubscriberDrops); got != 2 {
		t.Fatalf("expected 2 drops, got %v", got)
	}
}

func TestCloseClosesChannel(t *testing.T) {
	hub := NewHub(1, nil)
	sub := hub.Subscribe()
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatalf("channel should be closed")
	}
	if hub.Len() != 0 {
		t.Fatalf("subscriber not removed")
	}
	hub.Broadcast([]model.DerivedPrice{price("GOLD", "1")})
}

func TestPublishPersistsThenBroadcasts(t *testing.T) {
	store := storage.NewMemoryStore()
	sink := newRecordingSink()
	pub := NewPublisher(Options{}, store, NewHub(4, nil), []Sink{sink}, nil, zerolog.Nop())
	runPublisher(t, pub)
	sub := pub.Subscribe()
	defer sub.Close()

	prices := []model.DerivedPrice{price("GOLD", "4000"), price("USD", "32.5")}
	if err := pub.Publish(context.Background(), prices); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recv(t, sub); len(got) != 2 {
		t.Fatalf("subscriber got %d prices", len(got))
	}
	saved, err := store.LoadSnapshot(context.Background())
	if err != nil || len(saved) != 2 {
		t.Fatalf("snapshot not persisted: %v %d", err, len(saved))
	}
	select {
	case got := <-sink.sent:
		if len(got) != 2 {
			t.Fatalf("sink got %d prices", len(got))
		}
	case <-time.After(time.Second):
		t.Fatalf("sink not called")
	}
}

func TestHangingSinkDoesNotDelayPublish(t *testing.T) {
	hanging := &blockingSink{started: make(chan struct{}, 1)}
	m := metrics.New()
	pub := NewPublisher(Options{PersistTimeout: time.Minute}, storage.NewMemoryStore(), NewHub(4, m), []Sink{hanging}, m, zerolog.Nop())
	runPublisher(t, pub)
	sub := pub.Subscribe()
	defer sub.Close()

	ctx := context.Background()
	_ = pub.Publish(ctx, []model.DerivedPrice{price("GOLD", "1")})
	select {
	case <-hanging.started:
	case <-time.After(time.Second):
		t.Fatalf("sink never started")
	}

	started := time.Now()
	for i := 0; i < 20; i++ {
		if err := pub.Publish(ctx, []model.DerivedPrice{price("GOLD", "2")}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("publish blocked on a hanging sink for %s", elapsed)
	}
	if got := testutil.ToFloat64(m.SinkDrops.WithLabelValues("blocking")); got == 0 {
		t.Fatalf("lagging sink should drop the oldest pending snapshots")
	}
	if got := recv(t, sub); len(got) != 1 {
		t.Fatalf("local subscribers must still receive snapshots")
	}
}

func TestPublishBroadcastsWhenStoreFails(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetFailWrites(errors.New("disk full"))
	m := metrics.New()
	pub := NewPublisher(Options{}, store, NewHub(4, m), nil, m, zerolog.Nop())
	sub := pub.Subscribe()
	defer sub.Close()

	err := pub.Publish(context.Background(), []model.DerivedPrice{price("GOLD", "1")})
	if err == nil {
		t.Fatalf("expected persistence error")
	}
	if got := recv(t, sub); len(got) != 1 {
		t.Fatalf("broadcast must still happen")
	}
	if got := testutil.ToFloat64(m.PersistFailures.WithLabelValues("price_snapshot")); got != 1 {
		t.Fatalf("persist failure not counted: %v", got)
	}
}

func TestRepublishAndRestore(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := NewPublisher(Options{}, store, NewHub(4, nil), nil, nil, zerolog.Nop())
	if pub.Republish() {
		t.Fatalf("republish without snapshot should report false")
	}
	_ = pub.Publish(context.Background(), []model.DerivedPrice{price("GOLD", "7")})

	sub := pub.Subscribe()
	defer sub.Close()
	recv(t, sub)
	if !pub.Republish() {
		t.Fatalf("republish should succeed")
	}
	if got := recv(t, sub); got[0].Bid.String() != "7" {
		t.Fatalf("republish changed content: %+v", got)
	}

	restored := NewPublisher(Options{}, store, NewHub(4, nil), nil, nil, zerolog.Nop())
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if snap := restored.Snapshot(); len(snap) != 1 || snap[0].InstrumentCode != "GOLD" {
		t.Fatalf("restore lost snapshot: %+v", snap)
	}
}

func TestRedisSinkRoundTrip(t *testing.T) {
	addr := os.Getenv("PRICEFEED_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRICEFEED_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	sink, err := NewRedisSink(ctx, RedisConfig{Addr: addr, LatestKey: "pricefeed:test:latest"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sink.Close()

	if err := sink.Send(ctx, []model.DerivedPrice{price("GOLD", "4000")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := sink.Latest(ctx)
	if err != nil || len(got) != 1 || !got[0].Bid.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("latest mismatch: %+v %v", got, err)
	}
}
