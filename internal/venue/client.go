// Package venue defines the capability set every concrete venue client
// (OKX, Binance) implements, so C2/C5/C6 speak only this interface and
// never a venue-specific type.
package venue

import (
	"context"
	"time"

	"github.com/ledgerline/tradecore/internal/route"
	"github.com/ledgerline/tradecore/internal/schema"
)

// Credentials binds a venue client to a single API identity.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string // OKX only
	IsTestnet  bool
}

// ConnState enumerates the WebSocket connection lifecycle.
type ConnState string

const (
	StateDisconnected  ConnState = "DISCONNECTED"
	StateConnecting    ConnState = "CONNECTING"
	StateConnected     ConnState = "CONNECTED"
	StateAuthenticated ConnState = "AUTHENTICATED"
	StateSubscribed    ConnState = "SUBSCRIBED"
	StateDegraded      ConnState = "DEGRADED"
)

// Role enumerates the three client roles a venue instance may play.
type Role string

const (
	RolePublicMarket Role = "public-market"
	RoleBusinessKline Role = "business-kline"
	RolePrivateUser   Role = "private-user"
)

// HistoryRequest parametrizes a REST history-candles call used by gap
// repair.
type HistoryRequest struct {
	Symbol    string
	Interval  string
	After     int64 // OKX descending cursor (exclusive)
	StartTime int64 // Binance ascending cursor (inclusive)
	EndTime   int64
	Limit     int
}

// Bar is the raw OHLCV tuple returned from a venue's REST history
// endpoint before it is wrapped into a schema.Event.
type Bar struct {
	TimestampMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// OrderResult is the venue-level result of a single order/cancel/amend
// REST call, before it is translated into a schema.OrderReport.
type OrderResult struct {
	ExchangeOrderID string
	Accepted        bool
	ErrorMsg        string
}

// Balance is a single-currency balance entry returned by a venue's
// account-balance REST call.
type Balance struct {
	Currency  string
	Available string
	Frozen    string
}

// Position is a single open position entry returned by a venue's
// positions REST call.
type Position struct {
	Symbol        string
	PosSide       string
	Quantity      string
	EntryPrice    string
	UnrealizedPnL string
}

// OrderStatus is the venue-level result of an order-status or
// pending-orders REST call.
type OrderStatus struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Status          string
	FilledQty       string
	AvgPrice        string
}

// Instance is the capability set a concrete venue client implements.
// Two concrete implementations exist (OKX, Binance); every other
// component speaks only this interface.
type Instance interface {
	// Name identifies the venue ("okx" or "binance").
	Name() schema.Venue
	// Role reports which of the three roles this instance plays.
	Role() Role

	// Start dials the WebSocket, begins the reconnect supervisor, and
	// returns once the initial connection attempt has been issued.
	Start(ctx context.Context) error
	// Stop requests an orderly shutdown; it returns once the
	// WebSocket has been asked to close.
	Stop(ctx context.Context) error

	// Events delivers normalized frames as they arrive. The channel is
	// closed when the instance stops.
	Events() <-chan *schema.Event
	// Errors delivers non-fatal client errors (decode failures,
	// surfaced permanent REST errors) for observability.
	Errors() <-chan error

	// State reports the current WebSocket state machine position.
	State() ConnState

	// SubscribeRoute/UnsubscribeRoute mutate the local subscription
	// state; see shared.SubscriptionManager for the delta-diffing
	// this drives.
	SubscribeRoute(r route.Route) error
	UnsubscribeRoute(r route.Route) error

	// SubmitOrder places a single order via REST.
	SubmitOrder(ctx context.Context, req schema.OrderRequest) (OrderResult, error)
	// SubmitOrderBatch places up to the venue's batch limit of orders in
	// one REST call, returning one result per request in the same order.
	SubmitOrderBatch(ctx context.Context, reqs []schema.OrderRequest) ([]OrderResult, error)
	// CancelOrder cancels an order via REST.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (OrderResult, error)
	// AmendOrder amends an order via REST.
	AmendOrder(ctx context.Context, symbol, exchangeOrderID string, newPrice, newQty *string) (OrderResult, error)

	// HistoryCandles fetches closed bars from the venue's public
	// history endpoint; used by gap repair.
	HistoryCandles(ctx context.Context, req HistoryRequest) ([]Bar, error)
	// Instruments returns the last-refreshed instrument catalogue.
	Instruments() []schema.Instrument

	// AccountBalance fetches the authenticated account's per-currency
	// balances, serving query:balance.
	AccountBalance(ctx context.Context) ([]Balance, error)
	// OpenPositions fetches the authenticated account's open positions,
	// serving query:positions.
	OpenPositions(ctx context.Context) ([]Position, error)
	// PendingOrders fetches open orders, optionally filtered to symbol
	// (empty fetches every symbol), serving query:pending_orders.
	PendingOrders(ctx context.Context, symbol string) ([]OrderStatus, error)
	// OrderStatusByID fetches a single order's status by exchange or
	// client order ID, serving query:order.
	OrderStatusByID(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (OrderStatus, error)

	// RestPacing reports the client's current REST call spacing,
	// widened on a venue rate-limit reply.
	RestPacing() time.Duration
}
