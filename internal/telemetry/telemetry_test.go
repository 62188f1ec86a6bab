package telemetry

import (
	"context"
	"testing"
)

func TestDefaultConfigAppliesFallbacks(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("TRADECORE_ENV", "")
	t.Setenv("OTEL_ENABLED", "")

	cfg := DefaultConfig()
	if cfg.OTLPEndpoint != "localhost:4318" {
		t.Errorf("expected default endpoint, got %q", cfg.OTLPEndpoint)
	}
	if cfg.Environment != "development" {
		t.Errorf("expected default environment, got %q", cfg.Environment)
	}
	if !cfg.Enabled {
		t.Error("expected Enabled to default true when OTEL_ENABLED is unset")
	}
}

func TestDefaultConfigDisabledViaEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	if DefaultConfig().Enabled {
		t.Error("expected Enabled false when OTEL_ENABLED=false")
	}
}

func TestStripSchemeRemovesHTTPPrefixes(t *testing.T) {
	cases := map[string]string{
		"http://localhost:4318":  "localhost:4318",
		"https://otel.internal":  "otel.internal",
		"localhost:4318":         "localhost:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Errorf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewProviderDisabledIsNoopAndSafeToShutdown(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("expected a disabled provider to shut down cleanly, got %v", err)
	}
	// Meter must be safe to call even though no SDK provider was installed.
	_ = p.Meter("test")
}

func TestNilProviderMeterAndShutdownAreSafe(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil *Provider.Shutdown to be a no-op, got %v", err)
	}
	_ = p.Meter("test")
}

func TestEnvironmentDefaultsWhenUnset(t *testing.T) {
	globalEnvironment = ""
	if got := Environment(); got != "development" {
		t.Errorf("expected default environment, got %q", got)
	}
}
