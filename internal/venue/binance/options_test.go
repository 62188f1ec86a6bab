package binance

import (
	"testing"
	"time"
)

func TestConfigWithDefaultsFillsUnsetFields(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.HTTPTimeout != defaultHTTPTimeout {
		t.Errorf("expected default HTTP timeout, got %v", cfg.HTTPTimeout)
	}
	if cfg.InstrumentRefresh != defaultInstrumentRefresh {
		t.Errorf("expected default instrument refresh, got %v", cfg.InstrumentRefresh)
	}
	if cfg.RestPacing != defaultRestPacing {
		t.Errorf("expected default REST pacing, got %v", cfg.RestPacing)
	}
	if cfg.ConsecutiveFailures != defaultConsecutiveFailures {
		t.Errorf("expected default consecutive failures, got %d", cfg.ConsecutiveFailures)
	}
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{HTTPTimeout: 2 * time.Second, ConsecutiveFailures: 9}.withDefaults()
	if cfg.HTTPTimeout != 2*time.Second {
		t.Errorf("expected the explicit HTTP timeout preserved, got %v", cfg.HTTPTimeout)
	}
	if cfg.ConsecutiveFailures != 9 {
		t.Errorf("expected the explicit failure count preserved, got %d", cfg.ConsecutiveFailures)
	}
}

func TestRestEndpointJoinsBaseAndPath(t *testing.T) {
	cases := map[string]string{
		"/fapi/v1/order": "https://fapi.binance.com/fapi/v1/order",
		"fapi/v1/order":  "https://fapi.binance.com/fapi/v1/order",
	}
	for path, want := range cases {
		if got := restEndpoint(path); got != want {
			t.Errorf("restEndpoint(%q) = %q, want %q", path, got, want)
		}
	}
}
