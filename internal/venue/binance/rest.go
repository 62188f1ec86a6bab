package binance

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/tradecore/internal/errs"
	"github.com/ledgerline/tradecore/internal/venue"
	"github.com/ledgerline/tradecore/internal/venue/shared"
)

type restClient struct {
	http  *http.Client
	creds venue.Credentials
	pacer *shared.RestPacer
}

func newRestClient(creds venue.Credentials, cfg Config) *restClient {
	return &restClient{
		http:  &http.Client{Timeout: cfg.HTTPTimeout},
		creds: creds,
		pacer: shared.NewRestPacer(cfg.RestPacing),
	}
}

// do issues a REST call. signed adds the timestamp/recvWindow/signature
// query params (trade and account endpoints); keyOnly sends just the
// API-key header without a signature (user-data-stream endpoints).
func (c *restClient) do(ctx context.Context, method, path string, params url.Values, signed, keyOnly bool) (json.RawMessage, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		query := params.Encode()
		params.Set("signature", sign(c.creds.SecretKey, query))
	}

	reqURL := restEndpoint(path)
	if q := params.Encode(); q != "" {
		reqURL += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, errs.New("binance", errs.Local, errs.WithCause(err))
	}
	if signed || keyOnly {
		req.Header.Set("X-MBX-APIKEY", c.creds.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New("binance", errs.Transient, errs.WithCanonicalCode(errs.CanonicalNetwork), errs.WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New("binance", errs.Transient, errs.WithCanonicalCode(errs.CanonicalNetwork), errs.WithCause(err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		c.pacer.ReportRateLimited()
		return nil, errs.New("binance", errs.Transient, errs.WithCanonicalCode(errs.CanonicalRateLimited), errs.WithHTTP(resp.StatusCode))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errs.New("binance", errs.Permanent, errs.WithCanonicalCode(errs.CanonicalAuth), errs.WithHTTP(resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, errs.New("binance", errs.Transient, errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(string(raw)))
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		return nil, errs.New("binance", errs.Permanent, errs.WithHTTP(resp.StatusCode),
			errs.WithRawCode(strconv.Itoa(apiErr.Code)), errs.WithRawMessage(apiErr.Msg))
	}
	return raw, nil
}

type binanceSymbol struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	QuoteAsset   string `json:"quoteAsset"`
}

type exchangeInfoResp struct {
	Symbols []binanceSymbol `json:"symbols"`
}

func (c *restClient) fetchInstruments(ctx context.Context) ([]binanceSymbol, error) {
	data, err := c.do(ctx, http.MethodGet, endpoints.exchangeInfoPath, nil, false, false)
	if err != nil {
		return nil, err
	}
	var out exchangeInfoResp
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	return out.Symbols, nil
}

// historyCandles calls GET /fapi/v1/klines, which returns rows in
// ascending time order; callers page forward with startTime.
func (c *restClient) historyCandles(ctx context.Context, req venue.HistoryRequest) ([]venue.Bar, error) {
	limit := req.Limit
	if limit <= 0 || limit > 1500 {
		limit = 1000
	}
	params := url.Values{
		"symbol":   {req.Symbol},
		"interval": {binanceIntervalParam(req.Interval)},
		"limit":    {strconv.Itoa(limit)},
	}
	if req.StartTime > 0 {
		params.Set("startTime", strconv.FormatInt(req.StartTime, 10))
	}
	if req.EndTime > 0 {
		params.Set("endTime", strconv.FormatInt(req.EndTime, 10))
	}
	data, err := c.do(ctx, http.MethodGet, endpoints.klinesPath, params, false, false)
	if err != nil {
		return nil, err
	}
	var rows [][]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	bars := make([]venue.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := parseKlineRow(row)
		if err != nil {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseKlineRow(row []any) (venue.Bar, error) {
	if len(row) < 6 {
		return venue.Bar{}, errs.New("binance", errs.Local, errs.WithMessage("short kline row"))
	}
	ts, ok := row[0].(float64)
	if !ok {
		return venue.Bar{}, errs.New("binance", errs.Local, errs.WithMessage("bad open time"))
	}
	open := parseFloatField(row[1])
	high := parseFloatField(row[2])
	low := parseFloatField(row[3])
	closeP := parseFloatField(row[4])
	vol := parseFloatField(row[5])
	return venue.Bar{TimestampMs: int64(ts), Open: open, High: high, Low: low, Close: closeP, Volume: vol}, nil
}

func parseFloatField(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func binanceIntervalParam(interval string) string {
	switch interval {
	case "1m", "5m", "15m", "30m", "1h", "4h", "8h":
		return interval
	default:
		return interval
	}
}

type binanceOrderResp struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

func (c *restClient) submitOrder(ctx context.Context, symbol, side, orderType, qty string, price *string, clientOrderID string) (venue.OrderResult, error) {
	params := url.Values{
		"symbol":           {symbol},
		"side":             {side},
		"type":             {orderType},
		"quantity":         {qty},
		"newClientOrderId": {clientOrderID},
	}
	if orderType == "LIMIT" && price != nil {
		params.Set("price", *price)
		params.Set("timeInForce", "GTC")
	}
	data, err := c.do(ctx, http.MethodPost, endpoints.orderPath, params, true, false)
	if err != nil {
		if e, ok := err.(*errs.E); ok && e.Kind == errs.Permanent {
			return venue.OrderResult{Accepted: false, ErrorMsg: e.RawMsg}, nil
		}
		return venue.OrderResult{}, err
	}
	var resp binanceOrderResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return venue.OrderResult{}, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure))
	}
	return venue.OrderResult{ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10), Accepted: true}, nil
}

type binanceBatchOrderParam struct {
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	Type             string `json:"type"`
	Quantity         string `json:"quantity"`
	Price            string `json:"price,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	NewClientOrderID string `json:"newClientOrderId"`
}

type binanceBatchOrderResultRow struct {
	OrderID int64  `json:"orderId"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

// submitOrderBatch places up to 20 orders in a single REST call via
// POST /fapi/v1/batchOrders, where the order list travels as a
// JSON-encoded string in the batchOrders form field. The response
// array is positionally aligned with the request array; an individual
// failed order comes back as {code, msg} instead of {orderId, ...}.
func (c *restClient) submitOrderBatch(ctx context.Context, orders []binanceBatchOrderParam) ([]venue.OrderResult, error) {
	payload, err := json.Marshal(orders)
	if err != nil {
		return nil, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	params := url.Values{"batchOrders": {string(payload)}}
	data, err := c.do(ctx, http.MethodPost, endpoints.batchOrdersPath, params, true, false)
	if err != nil {
		if e, ok := err.(*errs.E); ok && e.Kind == errs.Permanent {
			out := make([]venue.OrderResult, len(orders))
			for i := range out {
				out[i] = venue.OrderResult{Accepted: false, ErrorMsg: e.RawMsg}
			}
			return out, nil
		}
		return nil, err
	}
	var rows []binanceBatchOrderResultRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	out := make([]venue.OrderResult, len(rows))
	for i, r := range rows {
		if r.Code != 0 {
			out[i] = venue.OrderResult{Accepted: false, ErrorMsg: r.Msg}
			continue
		}
		out[i] = venue.OrderResult{ExchangeOrderID: strconv.FormatInt(r.OrderID, 10), Accepted: true}
	}
	return out, nil
}

func (c *restClient) cancelOrder(ctx context.Context, symbol, orderID, clientOrderID string) (venue.OrderResult, error) {
	params := url.Values{"symbol": {symbol}}
	if orderID != "" {
		params.Set("orderId", orderID)
	}
	if clientOrderID != "" {
		params.Set("origClientOrderId", clientOrderID)
	}
	data, err := c.do(ctx, http.MethodDelete, endpoints.orderPath, params, true, false)
	if err != nil {
		if e, ok := err.(*errs.E); ok && e.Kind == errs.Permanent {
			return venue.OrderResult{Accepted: false, ErrorMsg: e.RawMsg}, nil
		}
		return venue.OrderResult{}, err
	}
	var resp binanceOrderResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return venue.OrderResult{}, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure))
	}
	return venue.OrderResult{ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10), Accepted: true}, nil
}

type binanceBalanceRow struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// accountBalance calls GET /fapi/v2/balance. Frozen is derived as
// balance-availableBalance using decimal to avoid float rounding on the
// wire-string subtraction, matching the numeric-fidelity discipline
// applied to every other price/quantity field at this boundary.
func (c *restClient) accountBalance(ctx context.Context) ([]venue.Balance, error) {
	data, err := c.do(ctx, http.MethodGet, endpoints.balancePath, nil, true, false)
	if err != nil {
		return nil, err
	}
	var rows []binanceBalanceRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	out := make([]venue.Balance, 0, len(rows))
	for _, r := range rows {
		total, _ := decimal.NewFromString(r.Balance)
		avail, _ := decimal.NewFromString(r.AvailableBalance)
		out = append(out, venue.Balance{Currency: r.Asset, Available: r.AvailableBalance, Frozen: total.Sub(avail).String()})
	}
	return out, nil
}

type binancePositionRow struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
}

// openPositions calls GET /fapi/v2/positionRisk, filtering out flat
// (zero-quantity) entries every symbol otherwise always returns.
func (c *restClient) openPositions(ctx context.Context) ([]venue.Position, error) {
	data, err := c.do(ctx, http.MethodGet, endpoints.positionRiskPath, nil, true, false)
	if err != nil {
		return nil, err
	}
	var rows []binancePositionRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	out := make([]venue.Position, 0, len(rows))
	for _, r := range rows {
		amt, _ := decimal.NewFromString(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		out = append(out, venue.Position{Symbol: r.Symbol, PosSide: r.PositionSide, Quantity: r.PositionAmt, EntryPrice: r.EntryPrice, UnrealizedPnL: r.UnRealizedProfit})
	}
	return out, nil
}

type binanceOrderStatusRow struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

func binanceRowsToOrderStatuses(rows []binanceOrderStatusRow) []venue.OrderStatus {
	out := make([]venue.OrderStatus, 0, len(rows))
	for _, r := range rows {
		out = append(out, venue.OrderStatus{
			ExchangeOrderID: strconv.FormatInt(r.OrderID, 10), ClientOrderID: r.ClientOrderID, Symbol: r.Symbol,
			Status: r.Status, FilledQty: r.ExecutedQty, AvgPrice: r.AvgPrice,
		})
	}
	return out
}

// pendingOrders calls GET /fapi/v1/openOrders. An empty symbol returns
// open orders across every symbol.
func (c *restClient) pendingOrders(ctx context.Context, symbol string) ([]venue.OrderStatus, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	data, err := c.do(ctx, http.MethodGet, endpoints.openOrdersPath, params, true, false)
	if err != nil {
		return nil, err
	}
	var rows []binanceOrderStatusRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	return binanceRowsToOrderStatuses(rows), nil
}

// orderStatus calls GET /fapi/v1/order with either orderID or
// clientOrderID (at least one must be set).
func (c *restClient) orderStatus(ctx context.Context, symbol, orderID, clientOrderID string) (venue.OrderStatus, error) {
	params := url.Values{"symbol": {symbol}}
	if orderID != "" {
		params.Set("orderId", orderID)
	}
	if clientOrderID != "" {
		params.Set("origClientOrderId", clientOrderID)
	}
	data, err := c.do(ctx, http.MethodGet, endpoints.orderPath, params, true, false)
	if err != nil {
		return venue.OrderStatus{}, err
	}
	var row binanceOrderStatusRow
	if err := json.Unmarshal(data, &row); err != nil {
		return venue.OrderStatus{}, errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure))
	}
	return binanceRowsToOrderStatuses([]binanceOrderStatusRow{row})[0], nil
}

// amendOrder has no direct Binance USDT-perp REST equivalent for plain
// orders; this always reports an unsupported-operation failure to the
// caller, and no cancel-then-replace is attempted.
func (c *restClient) amendOrder(ctx context.Context, symbol, orderID string, newPrice, newQty *string) (venue.OrderResult, error) {
	return venue.OrderResult{Accepted: false, ErrorMsg: "binance usdt-perp has no native order amend; use cancel+replace"}, nil
}

func (c *restClient) fetchListenKey(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodPost, endpoints.listenKeyPath, nil, false, true)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure))
	}
	return resp.ListenKey, nil
}

func (c *restClient) keepAliveListenKey(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, endpoints.listenKeyPath, nil, false, true)
	return err
}
