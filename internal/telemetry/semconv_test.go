package telemetry

import "testing"

func TestEventAttributesIncludesCoreDimensions(t *testing.T) {
	attrs := EventAttributes("production", "Trade", "okx", "BTC-USDT")
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	if attrs[0].Value.AsString() != "production" {
		t.Errorf("expected environment first, got %+v", attrs[0])
	}
}

func TestOrderAttributesOmitsEmptyOptionalFields(t *testing.T) {
	attrs := OrderAttributes("production", "binance", "", "", "")
	if len(attrs) != 2 {
		t.Fatalf("expected only environment+venue when symbol/side/type are empty, got %d: %+v", len(attrs), attrs)
	}
}

func TestOrderAttributesIncludesOptionalFieldsWhenSet(t *testing.T) {
	attrs := OrderAttributes("production", "binance", "BTC-USDT", "buy", "limit")
	if len(attrs) != 5 {
		t.Fatalf("expected 5 attributes with all optional fields set, got %d: %+v", len(attrs), attrs)
	}
}

func TestBarAttributesIncludesInterval(t *testing.T) {
	attrs := BarAttributes("production", "okx", "BTC-USDT", "5m")
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	if attrs[3].Key != AttrInterval {
		t.Errorf("expected the last attribute keyed %q, got %q", AttrInterval, attrs[3].Key)
	}
}

func TestConnectionAttributesIncludesState(t *testing.T) {
	attrs := ConnectionAttributes("production", "okx", "CONNECTED")
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	if attrs[2].Value.AsString() != "CONNECTED" {
		t.Errorf("expected connection state value, got %+v", attrs[2])
	}
}

func TestOperationResultAttributesIncludesOperationAndResult(t *testing.T) {
	attrs := OperationResultAttributes("production", "okx", "submit_order", "rejected")
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	if attrs[2].Key != AttrOperation || attrs[3].Key != AttrResult {
		t.Errorf("expected operation then result keys, got %+v", attrs)
	}
}
