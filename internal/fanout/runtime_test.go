package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/ledgerline/tradecore/internal/bus/eventbus"
	"github.com/ledgerline/tradecore/internal/schema"
)

func drain(t *testing.T, bus eventbus.Bus, topic string, timeout time.Duration) *schema.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	id, ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	defer bus.Unsubscribe(id)
	select {
	case evt := <-ch:
		return evt
	case <-time.After(timeout):
		return nil
	}
}

func TestTopicForVenue(t *testing.T) {
	cases := map[schema.Venue]string{
		schema.VenueOKX:     "market-okx",
		schema.VenueBinance: "market-binance",
		schema.Venue("dydx"): "market-dydx",
	}
	for v, want := range cases {
		if got := TopicForVenue(v); got != want {
			t.Errorf("TopicForVenue(%q) = %q, want %q", v, got, want)
		}
	}
}

func TestRuntimePublishesToVenueAndUnifiedTopics(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.Config{BufferSize: 16, FanoutWorkers: 2})
	defer bus.Close()

	r := NewRuntime(bus, schema.VenueOKX)
	events := make(chan *schema.Event, 1)
	events <- &schema.Event{Venue: schema.VenueOKX, Symbol: "BTC-USDT", Type: schema.EventTypeTrade}
	close(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := r.Start(ctx, events)

	if evt := drain(t, bus, "market-okx", time.Second); evt == nil {
		t.Fatal("expected event on venue-scoped topic")
	}
	select {
	case err, ok := <-errCh:
		if ok {
			t.Errorf("unexpected fan-out error: %v", err)
		}
	case <-time.After(time.Second):
	}
}

func TestRuntimeOnlyPublishesClosedKlinesToKlineClosedTopic(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.Config{BufferSize: 16, FanoutWorkers: 2})
	defer bus.Close()

	r := NewRuntime(bus, schema.VenueOKX)
	events := make(chan *schema.Event, 2)
	events <- &schema.Event{Venue: schema.VenueOKX, Symbol: "BTC-USDT", Type: schema.EventTypeKline, Interval: "1m",
		Payload: schema.KlinePayload{Closed: false}}
	events <- &schema.Event{Venue: schema.VenueOKX, Symbol: "BTC-USDT", Type: schema.EventTypeKline, Interval: "1m",
		Payload: schema.KlinePayload{Closed: true}}
	close(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, events)

	evt := drain(t, bus, "kline-closed", time.Second)
	if evt == nil {
		t.Fatal("expected the closed kline to reach kline-closed")
	}
	bar := evt.Payload.(schema.KlinePayload)
	if !bar.Closed {
		t.Error("expected only a closed bar to reach kline-closed")
	}
}

func TestRuntimeDedupesDuplicateExecReports(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.Config{BufferSize: 16, FanoutWorkers: 2})
	defer bus.Close()

	r := NewRuntime(bus, schema.VenueOKX)
	report := schema.ExecReportPayload{ExchangeOrderID: "ex-1", State: schema.ExecReportStateFilled}
	events := make(chan *schema.Event, 2)
	events <- &schema.Event{Venue: schema.VenueOKX, Type: schema.EventTypeExecReport, Payload: report}
	events <- &schema.Event{Venue: schema.VenueOKX, Type: schema.EventTypeExecReport, Payload: report}
	close(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, ch, err := bus.Subscribe(ctx, "market-okx")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	r.Start(ctx, events)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected first exec report to pass through")
	}
	select {
	case evt := <-ch:
		t.Fatalf("expected the duplicate exec report to be suppressed, got %+v", evt)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRuntimeSkipsNilEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.Config{BufferSize: 16})
	defer bus.Close()

	r := NewRuntime(bus, schema.VenueOKX)
	events := make(chan *schema.Event, 1)
	events <- nil
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	errCh := r.Start(ctx, events)

	select {
	case _, ok := <-errCh:
		if ok {
			t.Error("did not expect an error for a nil event")
		}
	case <-ctx.Done():
	}
}
