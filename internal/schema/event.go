// Package schema defines the canonical event envelope and route types
// shared by every component: venue clients publish into it, the fan-out
// and aggregator consume and re-publish it, and the archive serializes it.
package schema

import (
	"strings"
	"time"

	"github.com/ledgerline/tradecore/internal/errs"
)

// Venue identifies an exchange the core speaks to.
type Venue string

const (
	VenueOKX     Venue = "okx"
	VenueBinance Venue = "binance"
)

// Normalize lowercases and trims a venue tag.
func (v Venue) Normalize() Venue {
	return Venue(strings.ToLower(strings.TrimSpace(string(v))))
}

// RouteType identifies a canonical subscription/route kind. Venue clients
// expose capabilities keyed by RouteType; C2/C5/C6 only ever speak this
// vocabulary, never a venue-specific channel name.
type RouteType string

const (
	RouteTypeTrade             RouteType = "TRADE"
	RouteTypeTicker            RouteType = "TICKER"
	RouteTypeOrderbookSnapshot RouteType = "ORDERBOOK.SNAPSHOT"
	RouteTypeKline1m           RouteType = "KLINE.1M"
	RouteTypeFundingRate       RouteType = "FUNDING.RATE"
	RouteTypeMarkPrice         RouteType = "MARK.PRICE"
	RouteTypeExecutionReport   RouteType = "EXECUTION.REPORT"
	RouteTypeAccountBalance    RouteType = "ACCOUNT.BALANCE"
	RouteTypePosition          RouteType = "POSITION"
	RouteTypeInstrumentUpdate  RouteType = "INSTRUMENT.UPDATE"
)

// NormalizeRouteType trims and uppercases a route type for map-key use.
func NormalizeRouteType(route RouteType) RouteType {
	trimmed := strings.TrimSpace(string(route))
	if trimmed == "" {
		return ""
	}
	return RouteType(strings.ToUpper(trimmed))
}

var routeToEventType = map[RouteType]EventType{
	RouteTypeTrade:             EventTypeTrade,
	RouteTypeTicker:            EventTypeTicker,
	RouteTypeOrderbookSnapshot: EventTypeBookSnapshot,
	RouteTypeKline1m:           EventTypeKline,
	RouteTypeFundingRate:       EventTypeFundingRate,
	RouteTypeMarkPrice:         EventTypeMarkPrice,
	RouteTypeExecutionReport:   EventTypeExecReport,
	RouteTypeAccountBalance:    EventTypeBalanceUpdate,
	RouteTypePosition:          EventTypePosition,
	RouteTypeInstrumentUpdate:  EventTypeInstrumentUpdate,
}

// EventTypeForRoute resolves the event type a given route publishes.
func EventTypeForRoute(route RouteType) (EventType, bool) {
	evt, ok := routeToEventType[NormalizeRouteType(route)]
	return evt, ok
}

// EventType enumerates canonical event payload kinds.
type EventType string

const (
	EventTypeTrade            EventType = "Trade"
	EventTypeTicker           EventType = "Ticker"
	EventTypeBookSnapshot     EventType = "BookSnapshot"
	EventTypeKline            EventType = "Kline"
	EventTypeFundingRate      EventType = "FundingRate"
	EventTypeMarkPrice        EventType = "MarkPrice"
	EventTypeExecReport       EventType = "ExecReport"
	EventTypeBalanceUpdate    EventType = "BalanceUpdate"
	EventTypePosition         EventType = "Position"
	EventTypeInstrumentUpdate EventType = "InstrumentUpdate"
)

// Event is the canonical envelope every frame is normalized into before
// publish. Reset and the returned flag let a caller recycle events through
// a pool; no pool is kept in this module, and the venue clients allocate a
// new Event for every frame.
type Event struct {
	returned bool

	Venue       Venue     `json:"venue"`
	Symbol      string    `json:"symbol"`
	Interval    string    `json:"interval,omitempty"`
	Type        EventType `json:"type"`
	TimestampMs int64     `json:"timestamp_ms"`
	TimestampNs int64     `json:"timestamp_ns"`
	Payload     any       `json:"payload"`
}

// Reset zeroes the event for pool reuse.
func (e *Event) Reset() {
	if e == nil {
		return
	}
	e.Venue = ""
	e.Symbol = ""
	e.Interval = ""
	e.Type = ""
	e.TimestampMs = 0
	e.TimestampNs = 0
	e.Payload = nil
}

// SetReturned toggles the pool-ownership flag.
func (e *Event) SetReturned(flag bool) {
	if e == nil {
		return
	}
	e.returned = flag
}

// IsReturned reports whether the event currently resides in the pool.
func (e *Event) IsReturned() bool {
	if e == nil {
		return false
	}
	return e.returned
}

// Clone returns a deep-enough copy suitable for handing to a second
// subscriber without aliasing the pooled original (payload structs are
// themselves value types, so a shallow struct copy plus Payload reassignment
// is sufficient — none of the payloads below hold slices that mutate after
// publish).
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.returned = false
	return &clone
}

// PriceLevel describes one order book price/quantity pair, carried as
// decimal strings end to end so presentation never rounds twice.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// BookSnapshotPayload conveys a full depth snapshot. Venue clients must
// always assemble the complete book before publishing; delta maintenance
// is the adapter's internal concern.
type BookSnapshotPayload struct {
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Checksum  string       `json:"checksum,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TradeSide captures the taker direction of a trade or order.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// TradePayload represents a single executed trade print.
type TradePayload struct {
	TradeID   string    `json:"trade_id"`
	Side      TradeSide `json:"side"`
	Price     string    `json:"price"`
	Quantity  string    `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// TickerPayload conveys best bid/ask and last-traded statistics.
type TickerPayload struct {
	LastPrice string    `json:"last_price"`
	BidPrice  string    `json:"bid_price"`
	AskPrice  string    `json:"ask_price"`
	Volume24h string    `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// FundingRatePayload reports a perpetual swap's funding rate.
type FundingRatePayload struct {
	Rate        string    `json:"rate"`
	NextFunding time.Time `json:"next_funding"`
	Timestamp   time.Time `json:"timestamp"`
}

// MarkPricePayload reports a perpetual swap's mark price.
type MarkPricePayload struct {
	MarkPrice string    `json:"mark_price"`
	Timestamp time.Time `json:"timestamp"`
}

// KlinePayload is the canonical OHLCV bar carried on market frames, the
// kline-closed side channel, and the archive write path. Fields mirror
// the Bar data-model entry exactly: Closed gates C3/C4 delivery.
type KlinePayload struct {
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Closed    bool    `json:"closed"`
	OpenTimeMs int64  `json:"open_time_ms"`
}

// Validate checks the bar invariants from the data model.
func (k KlinePayload) Validate() error {
	if k.Low > k.Open || k.Low > k.Close || k.High < k.Open || k.High < k.Close {
		return errs.New("", errs.Local, errs.WithCanonicalCode(errs.CanonicalAggregationState),
			errs.WithMessage("bar invariant violated: low <= {open,close} <= high"))
	}
	if k.Volume < 0 {
		return errs.New("", errs.Local, errs.WithCanonicalCode(errs.CanonicalAggregationState),
			errs.WithMessage("bar invariant violated: volume >= 0"))
	}
	return nil
}

// ExecReportState enumerates order lifecycle states surfaced on the
// report channel.
type ExecReportState string

const (
	ExecReportStateAccepted ExecReportState = "accepted"
	ExecReportStatePartial  ExecReportState = "partial"
	ExecReportStateFilled   ExecReportState = "filled"
	ExecReportStateRejected ExecReportState = "rejected"
	ExecReportStateCancelled ExecReportState = "cancelled"
)

// ExecReportPayload represents an order state transition.
type ExecReportPayload struct {
	StrategyID      string          `json:"strategy_id"`
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	State           ExecReportState `json:"state"`
	ErrorMsg        string          `json:"error_msg,omitempty"`
	FilledQuantity  string          `json:"filled_quantity,omitempty"`
	AvgFillPrice    string          `json:"avg_fill_price,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// BalanceUpdatePayload reports a currency balance snapshot.
type BalanceUpdatePayload struct {
	Currency  string    `json:"currency"`
	Total     string    `json:"total"`
	Available string    `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionPayload reports a futures position snapshot.
type PositionPayload struct {
	Symbol        string    `json:"symbol"`
	PosSide       string    `json:"pos_side"`
	Quantity      string    `json:"quantity"`
	EntryPrice    string    `json:"entry_price"`
	UnrealizedPnL string    `json:"unrealized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}

// InstrumentUpdatePayload advertises a refreshed instrument definition.
type InstrumentUpdatePayload struct {
	Instrument Instrument `json:"instrument"`
}
