package okx

import (
	"testing"
	"time"

	"github.com/ledgerline/tradecore/internal/venue"
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
	cfg := Config{HTTPTimeout: 3 * time.Second, ConsecutiveFailures: 2}.withDefaults()
	if cfg.HTTPTimeout != 3*time.Second {
		t.Errorf("expected the explicit HTTP timeout preserved, got %v", cfg.HTTPTimeout)
	}
	if cfg.ConsecutiveFailures != 2 {
		t.Errorf("expected the explicit failure count preserved, got %d", cfg.ConsecutiveFailures)
	}
}

func TestRestEndpointJoinsBaseAndPath(t *testing.T) {
	cases := map[string]string{
		"/api/v5/trade/order": "https://www.okx.com/api/v5/trade/order",
		"api/v5/trade/order":  "https://www.okx.com/api/v5/trade/order",
	}
	for path, want := range cases {
		if got := restEndpoint(path); got != want {
			t.Errorf("restEndpoint(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestWSURLForRoleSelectsDedicatedEndpoint(t *testing.T) {
	cases := map[venue.Role]string{
		venue.RolePublicMarket:  endpoints.publicWSURL,
		venue.RoleBusinessKline: endpoints.businessWSURL,
		venue.RolePrivateUser:   endpoints.privateWSURL,
		venue.Role("unknown"):   endpoints.publicWSURL,
	}
	for role, want := range cases {
		if got := wsURLForRole(role); got != want {
			t.Errorf("wsURLForRole(%q) = %q, want %q", role, got, want)
		}
	}
}
