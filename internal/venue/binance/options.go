package binance

import (
	"strings"
	"time"
)

const (
	defaultHTTPTimeout         = 10 * time.Second
	defaultInstrumentRefresh   = 15 * time.Minute
	defaultRestPacing          = 100 * time.Millisecond
	defaultConsecutiveFailures = 5

	controlMessageInterval = 250 * time.Millisecond
	maxStreamsPerRequest   = 100
	pingInterval           = 30 * time.Second
)

var endpoints = struct {
	restBase         string
	wsBase           string
	exchangeInfoPath string
	klinesPath       string
	orderPath        string
	batchOrdersPath  string
	balancePath      string
	positionRiskPath string
	openOrdersPath   string
	listenKeyPath    string
}{
	restBase:         "https://fapi.binance.com",
	wsBase:           "wss://fstream.binance.com/ws",
	exchangeInfoPath: "/fapi/v1/exchangeInfo",
	klinesPath:       "/fapi/v1/klines",
	orderPath:        "/fapi/v1/order",
	batchOrdersPath:  "/fapi/v1/batchOrders",
	balancePath:      "/fapi/v2/balance",
	positionRiskPath: "/fapi/v2/positionRisk",
	openOrdersPath:   "/fapi/v1/openOrders",
	listenKeyPath:    "/fapi/v1/listenKey",
}

// Config captures user-overridable Binance USDT-perp client settings.
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
