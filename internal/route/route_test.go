package route

import (
	"reflect"
	"testing"

	"github.com/ledgerline/tradecore/internal/schema"
)

func TestEqualRoutesCaseInsensitiveProvider(t *testing.T) {
	a := Route{Provider: "OKX", Type: schema.RouteTypeTrade, WSTopics: []string{"trades"}}
	b := Route{Provider: "okx", Type: schema.RouteTypeTrade, WSTopics: []string{"trades"}}
	if !EqualRoutes(a, b) {
		t.Error("expected routes differing only by provider case to be equal")
	}
}

func TestEqualRoutesDifferByFilters(t *testing.T) {
	a := Route{Provider: "okx", Type: schema.RouteTypeTrade, Filters: []FilterRule{{Field: "symbol", Op: "in", Value: []string{"BTC-USDT"}}}}
	b := Route{Provider: "okx", Type: schema.RouteTypeTrade, Filters: []FilterRule{{Field: "symbol", Op: "in", Value: []string{"ETH-USDT"}}}}
	if EqualRoutes(a, b) {
		t.Error("expected routes with different filter values to not be equal")
	}
}

func TestEqualRoutesDifferByRouteType(t *testing.T) {
	a := Route{Provider: "okx", Type: schema.RouteTypeTrade}
	b := Route{Provider: "okx", Type: schema.RouteTypeTicker}
	if EqualRoutes(a, b) {
		t.Error("expected routes with different route types to not be equal")
	}
}

func TestSymbolsFromStringSliceFilterSortsOutput(t *testing.T) {
	r := Route{Filters: []FilterRule{{Field: "symbol", Op: "in", Value: []string{"ETH-USDT", "BTC-USDT"}}}}
	got := r.Symbols()
	want := []string{"BTC-USDT", "ETH-USDT"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Symbols() = %v, want %v", got, want)
	}
}

func TestSymbolsFromSingleStringFilter(t *testing.T) {
	r := Route{Filters: []FilterRule{{Field: "Symbol", Op: "eq", Value: "BTC-USDT"}}}
	got := r.Symbols()
	if !reflect.DeepEqual(got, []string{"BTC-USDT"}) {
		t.Errorf("Symbols() = %v, want [BTC-USDT]", got)
	}
}

func TestSymbolsNoFilterReturnsNil(t *testing.T) {
	r := Route{}
	if got := r.Symbols(); got != nil {
		t.Errorf("expected nil symbols with no filters, got %v", got)
	}
}
