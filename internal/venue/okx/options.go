package okx

import (
	"strings"
	"time"

	"github.com/ledgerline/tradecore/internal/venue"
)

const (
	defaultHTTPTimeout       = 10 * time.Second
	defaultInstrumentRefresh = 15 * time.Minute
	defaultRestPacing        = 100 * time.Millisecond
	defaultConsecutiveFailures = 5

	maxChannelsPerConnection = 480
	subscribeBatchSize       = 100
	subscribeBatchPacing     = 500 * time.Millisecond
)

var endpoints = struct {
	restBase          string
	publicWSURL       string
	businessWSURL     string
	privateWSURL      string
	instrumentsPath   string
	historyPath       string
	booksPath         string
	orderPath         string
	batchOrdersPath   string
	cancelPath        string
	amendPath         string
	balancePath       string
	positionsPath     string
	pendingOrdersPath string
}{
	restBase:          "https://www.okx.com",
	publicWSURL:       "wss://ws.okx.com:8443/ws/v5/public",
	businessWSURL:     "wss://ws.okx.com:8443/ws/v5/business",
	privateWSURL:      "wss://ws.okx.com:8443/ws/v5/private",
	instrumentsPath:   "/api/v5/public/instruments",
	historyPath:       "/api/v5/market/history-candles",
	booksPath:         "/api/v5/market/books",
	orderPath:         "/api/v5/trade/order",
	batchOrdersPath:   "/api/v5/trade/batch-orders",
	cancelPath:        "/api/v5/trade/cancel-order",
	amendPath:         "/api/v5/trade/amend-order",
	balancePath:       "/api/v5/account/balance",
	positionsPath:     "/api/v5/account/positions",
	pendingOrdersPath: "/api/v5/trade/orders-pending",
}

// Config captures user-overridable OKX client settings.
type Config struct {
	HTTPTimeout         time.Duration
	InstrumentRefresh   time.Duration
	RestPacing          time.Duration
	ConsecutiveFailures uint32
	IsTestnet           bool
}

func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.InstrumentRefresh <= 0 {
		c.InstrumentRefresh = defaultInstrumentRefresh
	}
	if c.RestPacing <= 0 {
		c.RestPacing = defaultRestPacing
	}
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = defaultConsecutiveFailures
	}
	return c
}

func restEndpoint(path string) string {
	base := strings.TrimSuffix(endpoints.restBase, "/")
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

func wsURLForRole(role venue.Role) string {
	switch role {
	case venue.RolePublicMarket:
		return endpoints.publicWSURL
	case venue.RoleBusinessKline:
		return endpoints.businessWSURL
	case venue.RolePrivateUser:
		return endpoints.privateWSURL
	default:
		return endpoints.publicWSURL
	}
}
