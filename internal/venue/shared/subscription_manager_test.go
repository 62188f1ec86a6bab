package shared

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ledgerline/tradecore/internal/route"
	"github.com/ledgerline/tradecore/internal/schema"
)

type fakeSubscriber struct {
	subscribed   []route.Route
	unsubscribed []route.Route
	subscribeErr error
}

func (f *fakeSubscriber) SubscribeRoute(r route.Route) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, r)
	return nil
}

func (f *fakeSubscriber) UnsubscribeRoute(r route.Route) error {
	f.unsubscribed = append(f.unsubscribed, r)
	return nil
}

func tradeRoute(symbols ...string) route.Route {
	return route.Route{
		Provider: "okx",
		Type:     schema.RouteTypeTrade,
		Filters:  []route.FilterRule{{Field: "symbol", Op: "in", Value: symbols}},
	}
}

func TestActivateNewRouteSubscribesOnce(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewSubscriptionManager(sub)

	if err := m.Activate(tradeRoute("BTC-USDT")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(sub.subscribed) != 1 {
		t.Fatalf("expected 1 subscribe call, got %d", len(sub.subscribed))
	}
}

func TestActivateIdenticalRouteIsANoop(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewSubscriptionManager(sub)

	r := tradeRoute("BTC-USDT")
	if err := m.Activate(r); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Activate(r); err != nil {
		t.Fatalf("Activate (repeat): %v", err)
	}
	if len(sub.subscribed) != 1 {
		t.Errorf("expected no additional subscribe call for an identical route, got %d", len(sub.subscribed))
	}
}

func TestActivateIssuesIncrementalSymbolDelta(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewSubscriptionManager(sub)

	if err := m.Activate(tradeRoute("BTC-USDT", "ETH-USDT")); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Activate(tradeRoute("ETH-USDT", "SOL-USDT")); err != nil {
		t.Fatalf("Activate (delta): %v", err)
	}

	if len(sub.unsubscribed) != 1 {
		t.Fatalf("expected 1 unsubscribe call for the dropped symbol, got %d", len(sub.unsubscribed))
	}
	if got := sub.unsubscribed[0].Symbols(); !reflect.DeepEqual(got, []string{"BTC-USDT"}) {
		t.Errorf("expected BTC-USDT unsubscribed, got %v", got)
	}

	if len(sub.subscribed) != 2 {
		t.Fatalf("expected 2 subscribe calls (initial + added symbol), got %d", len(sub.subscribed))
	}
	if got := sub.subscribed[1].Symbols(); !reflect.DeepEqual(got, []string{"SOL-USDT"}) {
		t.Errorf("expected SOL-USDT subscribed as the delta, got %v", got)
	}
}

func TestActivatePropagatesSubscribeError(t *testing.T) {
	sub := &fakeSubscriber{subscribeErr: errors.New("ws not connected")}
	m := NewSubscriptionManager(sub)

	if err := m.Activate(tradeRoute("BTC-USDT")); err == nil {
		t.Fatal("expected Activate to propagate the subscriber's error")
	}
}

func TestDeactivateRemovesAndUnsubscribes(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewSubscriptionManager(sub)
	r := tradeRoute("BTC-USDT")

	if err := m.Activate(r); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Deactivate(r); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if len(sub.unsubscribed) != 1 {
		t.Fatalf("expected 1 unsubscribe call, got %d", len(sub.unsubscribed))
	}
	if len(m.Snapshot()) != 0 {
		t.Errorf("expected an empty snapshot after deactivation, got %v", m.Snapshot())
	}
}

func TestDeactivateUnknownRouteIsANoop(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewSubscriptionManager(sub)

	if err := m.Deactivate(tradeRoute("BTC-USDT")); err != nil {
		t.Fatalf("expected Deactivate on an unknown route to be a no-op, got %v", err)
	}
	if len(sub.unsubscribed) != 0 {
		t.Errorf("expected no unsubscribe call, got %d", len(sub.unsubscribed))
	}
}

func TestSnapshotSortedByRouteType(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewSubscriptionManager(sub)

	tickerRoute := route.Route{Provider: "okx", Type: schema.RouteTypeTicker}
	if err := m.Activate(route.Route{Provider: "okx", Type: schema.RouteTypeTrade}); err != nil {
		t.Fatalf("Activate trade: %v", err)
	}
	if err := m.Activate(tickerRoute); err != nil {
		t.Fatalf("Activate ticker: %v", err)
	}

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 active routes, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if string(snap[i-1].Type) > string(snap[i].Type) {
			t.Errorf("expected routes sorted by type, got %v then %v", snap[i-1].Type, snap[i].Type)
		}
	}
}
