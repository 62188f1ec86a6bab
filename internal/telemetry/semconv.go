package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys, namespaced per OpenTelemetry
// convention (namespace.attribute_name).
const (
	AttrEventType        = attribute.Key("event.type")
	AttrVenue            = attribute.Key("venue")
	AttrSymbol           = attribute.Key("symbol")
	AttrInterval         = attribute.Key("interval")
	AttrTopic            = attribute.Key("topic")
	AttrCurrency         = attribute.Key("currency")
	AttrOrderSide        = attribute.Key("order.side")
	AttrOrderType        = attribute.Key("order.type")
	AttrOrderState       = attribute.Key("order.state")
	AttrStrategyID       = attribute.Key("strategy.id")
	AttrAccountID        = attribute.Key("account.id")
	AttrEnvironment      = attribute.Key("environment")
	AttrErrorType        = attribute.Key("error.type")
	AttrReason           = attribute.Key("reason")
	AttrConnectionState  = attribute.Key("connection.state")
	AttrOperation        = attribute.Key("operation")
	AttrResult           = attribute.Key("result")
)

// EventAttributes returns the common attribute set stamped on every
// fan-out metric.
func EventAttributes(environment, eventType, venue, symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrVenue.String(venue),
		AttrSymbol.String(symbol),
	}
}

// BarAttributes returns attributes for aggregator/archive bar metrics.
func BarAttributes(environment, venue, symbol, interval string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrSymbol.String(symbol),
		AttrInterval.String(interval),
	}
}

// OrderAttributes returns attributes for gateway order metrics.
func OrderAttributes(environment, venue, symbol, side, orderType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	return attrs
}

// ConnectionAttributes returns attributes for venue connection metrics.
func ConnectionAttributes(environment, venue, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrConnectionState.String(state),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// OperationResultAttributes returns attributes for a gateway/gaprepair
// operation tagged with its outcome.
func OperationResultAttributes(environment, venue, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
