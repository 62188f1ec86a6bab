package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ledgerline/tradecore/internal/schema"
)

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 10})
	defer bus.Close()

	err := bus.Publish(context.Background(), "market-okx", &schema.Event{Type: schema.EventTypeTrade, Symbol: "BTC-USDT"})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishNilEvent(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), "market-okx", nil); err != nil {
		t.Errorf("expected no error for nil event, got %v", err)
	}
}

func TestMemoryBusPublishEmptyTopic(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 10})
	defer bus.Close()

	err := bus.Publish(context.Background(), "", &schema.Event{Type: schema.EventTypeTrade})
	if err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestMemoryBusSubscribeEmptyTopic(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 10})
	defer bus.Close()

	if _, _, err := bus.Subscribe(context.Background(), ""); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subID, ch, err := bus.Subscribe(ctx, "kline-closed")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	evt := &schema.Event{Venue: "okx", Symbol: "BTC-USDT", Interval: "5m", Type: schema.EventTypeKline}
	if err := bus.Publish(ctx, "kline-closed", evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case received := <-ch:
		if received.Symbol != "BTC-USDT" || received.Interval != "5m" {
			t.Errorf("unexpected event: %+v", received)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryBusMultipleSubscribersSeeIndependentClones(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx := context.Background()
	sub1, ch1, err := bus.Subscribe(ctx, "market-unified")
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	defer bus.Unsubscribe(sub1)
	sub2, ch2, err := bus.Subscribe(ctx, "market-unified")
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	defer bus.Unsubscribe(sub2)

	if err := bus.Publish(ctx, "market-unified", &schema.Event{Symbol: "ETH-USDT", Type: schema.EventTypeTicker}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	timeout := time.After(1 * time.Second)
	var got1, got2 bool
	for !got1 || !got2 {
		select {
		case e := <-ch1:
			if e.Symbol == "ETH-USDT" {
				got1 = true
			}
		case e := <-ch2:
			if e.Symbol == "ETH-USDT" {
				got2 = true
			}
		case <-timeout:
			t.Fatalf("timed out: got1=%v got2=%v", got1, got2)
		}
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	subID, ch, err := bus.Subscribe(ctx, "market-okx")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	bus.Unsubscribe(subID)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
}

func TestMemoryBusCloseClosesAllSubscriptions(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 10})

	_, ch, err := bus.Subscribe(context.Background(), "market-binance")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	bus.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after bus close")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
}

func TestMemoryBusDeliveryDropsOldestOnFullBuffer(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1, FanoutWorkers: 1})
	defer bus.Close()

	ctx := context.Background()
	subID, ch, err := bus.Subscribe(ctx, "market-okx")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	if err := bus.Publish(ctx, "market-okx", &schema.Event{Symbol: "first"}); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	if err := bus.Publish(ctx, "market-okx", &schema.Event{Symbol: "second"}); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	select {
	case received := <-ch:
		if received.Symbol != "second" {
			t.Errorf("expected the newest event to survive backpressure, got %q", received.Symbol)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{}.normalize()
	if cfg.BufferSize <= 0 {
		t.Error("expected positive buffer size after normalization")
	}
	if cfg.FanoutWorkers <= 0 {
		t.Error("expected positive fanout worker count after normalization")
	}
}
