package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/ledgerline/tradecore/internal/bus/eventbus"
	"github.com/ledgerline/tradecore/internal/schema"
)

func closed1m(openTimeMs int64, open, high, low, close, volume float64) *schema.Event {
	return &schema.Event{
		Venue:    "okx",
		Symbol:   "BTC-USDT",
		Interval: "1m",
		Type:     schema.EventTypeKline,
		Payload: schema.KlinePayload{
			Open: open, High: high, Low: low, Close: close, Volume: volume,
			Closed: true, OpenTimeMs: openTimeMs,
		},
	}
}

func TestAggregatorEmitsOnCompleteBucket(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.Config{BufferSize: 32, FanoutWorkers: 2})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subID, ch, err := bus.Subscribe(ctx, "kline-closed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer bus.Unsubscribe(subID)

	agg := New(bus)

	// Five consecutive 1m bars complete a 5m bucket; the sixth bar
	// (belonging to the next 5m period) triggers the emit.
	const minuteMs = 60_000
	for i := int64(0); i < 5; i++ {
		agg.handle(ctx, closed1m(i*minuteMs, 100, 105, 95, 102, 10))
	}
	agg.handle(ctx, closed1m(5*minuteMs, 102, 108, 101, 107, 20))

	select {
	case evt := <-ch:
		if evt.Interval != "5m" {
			t.Fatalf("expected a 5m emission, got interval %q", evt.Interval)
		}
		bar, ok := evt.Payload.(schema.KlinePayload)
		if !ok {
			t.Fatalf("expected KlinePayload, got %T", evt.Payload)
		}
		if !bar.Closed || bar.OpenTimeMs != 0 {
			t.Errorf("expected closed bar starting at period 0, got %+v", bar)
		}
		if bar.High != 105 || bar.Low != 95 {
			t.Errorf("expected folded high=105 low=95, got high=%v low=%v", bar.High, bar.Low)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for 5m emission")
	}
}

func TestAggregatorDiscardsIncompleteBucketSilently(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.Config{BufferSize: 32, FanoutWorkers: 2})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subID, ch, err := bus.Subscribe(ctx, "kline-closed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer bus.Unsubscribe(subID)

	agg := New(bus)

	const minuteMs = 60_000
	// Only 3 of the 5 constituent 1m bars for the first bucket arrive
	// (bars at minutes 3 and 4 are missing) before the next period starts — the
	// bucket must be discarded, not emitted partial.
	agg.handle(ctx, closed1m(0*minuteMs, 100, 101, 99, 100, 1))
	agg.handle(ctx, closed1m(1*minuteMs, 100, 101, 99, 100, 1))
	agg.handle(ctx, closed1m(2*minuteMs, 100, 101, 99, 100, 1))
	agg.handle(ctx, closed1m(5*minuteMs, 100, 101, 99, 100, 1)) // next 5m period

	select {
	case evt := <-ch:
		t.Fatalf("expected no emission for an incomplete bucket, got %+v", evt)
	case <-time.After(200 * time.Millisecond):
		// Expected: the incomplete bucket was discarded, nothing published.
	}
}

func TestAggregatorIgnoresNonClosedAndNon1mBars(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.Config{BufferSize: 32})
	defer bus.Close()
	ctx := context.Background()

	agg := New(bus)

	agg.handle(ctx, nil)
	agg.handle(ctx, &schema.Event{Type: schema.EventTypeTrade})
	agg.handle(ctx, &schema.Event{Type: schema.EventTypeKline, Interval: "5m", Payload: schema.KlinePayload{Closed: true}})
	agg.handle(ctx, &schema.Event{Type: schema.EventTypeKline, Interval: "1m", Payload: schema.KlinePayload{Closed: false}})

	if len(agg.workers) != 0 {
		t.Errorf("expected no worker state created from ignored events, got %d venues", len(agg.workers))
	}
}

func TestTargetIntervalsOrder(t *testing.T) {
	want := []string{"5m", "15m", "30m", "1h", "4h", "8h"}
	if len(TargetIntervals) != len(want) {
		t.Fatalf("expected %d target intervals, got %d", len(want), len(TargetIntervals))
	}
	for i, v := range want {
		if TargetIntervals[i] != v {
			t.Errorf("expected TargetIntervals[%d] = %q, got %q", i, v, TargetIntervals[i])
		}
	}
}
