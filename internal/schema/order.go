package schema

import "time"

// OrderType enumerates order types accepted by place_order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest is a single place_order payload.
type OrderRequest struct {
	returned bool

	StrategyID    string    `json:"strategy_id"`
	Venue         Venue     `json:"venue"`
	Symbol        string    `json:"symbol"`
	Side          TradeSide `json:"side"`
	OrderType     OrderType `json:"order_type"`
	Price         *string   `json:"price,omitempty"`
	Quantity      string    `json:"quantity"`
	TdMode        string    `json:"td_mode"`
	PosSide       string    `json:"pos_side,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Reset zeroes the order request for pool reuse.
func (o *OrderRequest) Reset() {
	if o == nil {
		return
	}
	o.StrategyID = ""
	o.Venue = ""
	o.Symbol = ""
	o.Side = ""
	o.OrderType = ""
	o.Price = nil
	o.Quantity = ""
	o.TdMode = ""
	o.PosSide = ""
	o.ClientOrderID = ""
	o.Timestamp = time.Time{}
}

// SetReturned toggles the pool-ownership flag.
func (o *OrderRequest) SetReturned(flag bool) {
	if o == nil {
		return
	}
	o.returned = flag
}

// IsReturned reports whether the request resides in the pool.
func (o *OrderRequest) IsReturned() bool {
	if o == nil {
		return false
	}
	return o.returned
}

// OrderStatus enumerates the report status vocabulary.
type OrderStatus string

const (
	OrderStatusAccepted OrderStatus = "accepted"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusPartial  OrderStatus = "partial"
)

// OrderReport is returned for place/cancel/amend operations.
type OrderReport struct {
	StrategyID      string      `json:"strategy_id"`
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	Status          OrderStatus `json:"status"`
	ErrorMsg        string      `json:"error_msg,omitempty"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	AckedAt         time.Time   `json:"acked_at,omitempty"`
}

// BatchOrderReport is returned for place_batch_orders / cancel_batch_orders.
type BatchOrderReport struct {
	Status       OrderStatus   `json:"status"`
	Results      []OrderReport `json:"results"`
	SuccessCount int           `json:"success_count"`
	FailCount    int           `json:"fail_count"`
}

// QuerySubtype enumerates the sub-types of the `query` control message.
type QuerySubtype string

const (
	QueryBalance           QuerySubtype = "balance"
	QueryPositions         QuerySubtype = "positions"
	QueryPendingOrders     QuerySubtype = "pending_orders"
	QueryOrder             QuerySubtype = "order"
	QueryInstruments       QuerySubtype = "instruments"
	QueryRegisteredAccounts QuerySubtype = "registered_accounts"
)

// QueryRequest is the `query` control message payload.
type QueryRequest struct {
	StrategyID string       `json:"strategy_id"`
	Venue      Venue        `json:"venue"`
	Subtype    QuerySubtype `json:"query_type"`
	Symbol     string       `json:"symbol,omitempty"`
	OrderID    string       `json:"order_id,omitempty"`
}

// QueryResponse is the `query` REP reply.
type QueryResponse struct {
	Code      int    `json:"code"`
	QueryType string `json:"query_type,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}
