package okx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
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

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *restClient) do(ctx context.Context, method, path, query string, body any, signed bool) (json.RawMessage, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
		}
	}

	fullPath := path
	url := restEndpoint(path)
	if query != "" {
		fullPath = path + "?" + query
		url = restEndpoint(path) + "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, errs.New("okx", errs.Local, errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		ts := restTimestamp(time.Now())
		sig := sign(c.creds, ts, method, fullPath, string(bodyBytes))
		req.Header.Set("OK-ACCESS-KEY", c.creds.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", sig)
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
		if c.creds.IsTestnet {
			req.Header.Set("x-simulated-trading", "1")
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New("okx", errs.Transient, errs.WithCanonicalCode(errs.CanonicalNetwork), errs.WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New("okx", errs.Transient, errs.WithCanonicalCode(errs.CanonicalNetwork), errs.WithCause(err))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.pacer.ReportRateLimited()
		return nil, errs.New("okx", errs.Transient, errs.WithCanonicalCode(errs.CanonicalRateLimited), errs.WithHTTP(resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, errs.New("okx", errs.Transient, errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(string(raw)))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errs.New("okx", errs.Permanent, errs.WithCanonicalCode(errs.CanonicalAuth), errs.WithHTTP(resp.StatusCode))
	}

	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	if env.Code != "" && env.Code != "0" {
		return nil, errs.New("okx", errs.Permanent, errs.WithRawCode(env.Code), errs.WithRawMessage(env.Msg))
	}
	return env.Data, nil
}

// fetchInstruments retrieves the SWAP instrument catalogue.
func (c *restClient) fetchInstruments(ctx context.Context) ([]okxInstrument, error) {
	data, err := c.do(ctx, http.MethodGet, endpoints.instrumentsPath, "instType=SWAP", nil, false)
	if err != nil {
		return nil, err
	}
	var out []okxInstrument
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	return out, nil
}

type okxInstrument struct {
	InstID    string `json:"instId"`
	State     string `json:"state"`
	SettleCcy string `json:"settleCcy"`
}

// historyCandles calls GET /api/v5/market/history-candles. Response
// data is descending; callers that need ascending order reverse it.
func (c *restClient) historyCandles(ctx context.Context, req venue.HistoryRequest) ([]venue.Bar, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := fmt.Sprintf("instId=%s&bar=%s&limit=%d", req.Symbol, okxBarParam(req.Interval), limit)
	if req.After > 0 {
		query += "&after=" + strconv.FormatInt(req.After, 10)
	}
	data, err := c.do(ctx, http.MethodGet, endpoints.historyPath, query, nil, false)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	bars := make([]venue.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := parseCandleRow(row)
		if err != nil {
			continue // one malformed row never kills the backfill; Local error, skipped
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseCandleRow(row []string) (venue.Bar, error) {
	if len(row) < 6 {
		return venue.Bar{}, errs.New("okx", errs.Local, errs.WithMessage("short candle row"))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return venue.Bar{}, errs.New("okx", errs.Local, errs.WithCause(err))
	}
	open, _ := decimal.NewFromString(row[1])
	high, _ := decimal.NewFromString(row[2])
	low, _ := decimal.NewFromString(row[3])
	close_, _ := decimal.NewFromString(row[4])
	vol, _ := decimal.NewFromString(row[5])
	o, _ := open.Float64()
	h, _ := high.Float64()
	l, _ := low.Float64()
	cl, _ := close_.Float64()
	v, _ := vol.Float64()
	return venue.Bar{TimestampMs: ts, Open: o, High: h, Low: l, Close: cl, Volume: v}, nil
}

func okxBarParam(interval string) string {
	switch interval {
	case "1m", "5m", "15m", "30m":
		return interval
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "8h":
		return "8H"
	default:
		return interval
	}
}

// submitOrder places a single order via REST.
func (c *restClient) submitOrder(ctx context.Context, req okxOrderRequest) (venue.OrderResult, error) {
	data, err := c.do(ctx, http.MethodPost, endpoints.orderPath, "", req, true)
	if err != nil {
		if e, ok := err.(*errs.E); ok && e.Kind == errs.Permanent {
			return venue.OrderResult{Accepted: false, ErrorMsg: e.RawMsg}, nil
		}
		return venue.OrderResult{}, err
	}
	var results []okxOrderResult
	if err := json.Unmarshal(data, &results); err != nil || len(results) == 0 {
		return venue.OrderResult{}, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure))
	}
	r := results[0]
	if r.SCode != "" && r.SCode != "0" {
		return venue.OrderResult{Accepted: false, ErrorMsg: r.SMsg}, nil
	}
	return venue.OrderResult{ExchangeOrderID: r.OrdID, Accepted: true}, nil
}

type okxOrderRequest struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	PosSide string `json:"posSide,omitempty"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	Px      string `json:"px,omitempty"`
	ClOrdID string `json:"clOrdId,omitempty"`
}

type okxOrderResult struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// submitOrderBatch places up to 20 orders in a single REST call via
// POST /api/v5/trade/batch-orders; the response array is positionally
// aligned with the request array.
func (c *restClient) submitOrderBatch(ctx context.Context, reqs []okxOrderRequest) ([]venue.OrderResult, error) {
	data, err := c.do(ctx, http.MethodPost, endpoints.batchOrdersPath, "", reqs, true)
	if err != nil {
		if e, ok := err.(*errs.E); ok && e.Kind == errs.Permanent {
			out := make([]venue.OrderResult, len(reqs))
			for i := range out {
				out[i] = venue.OrderResult{Accepted: false, ErrorMsg: e.RawMsg}
			}
			return out, nil
		}
		return nil, err
	}
	var results []okxOrderResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	out := make([]venue.OrderResult, len(results))
	for i, r := range results {
		if r.SCode != "" && r.SCode != "0" {
			out[i] = venue.OrderResult{Accepted: false, ErrorMsg: r.SMsg}
			continue
		}
		out[i] = venue.OrderResult{ExchangeOrderID: r.OrdID, Accepted: true}
	}
	return out, nil
}

func (c *restClient) cancelOrder(ctx context.Context, instID, ordID, clOrdID string) (venue.OrderResult, error) {
	req := map[string]string{"instId": instID}
	if ordID != "" {
		req["ordId"] = ordID
	}
	if clOrdID != "" {
		req["clOrdId"] = clOrdID
	}
	data, err := c.do(ctx, http.MethodPost, endpoints.cancelPath, "", req, true)
	if err != nil {
		if e, ok := err.(*errs.E); ok && e.Kind == errs.Permanent {
			return venue.OrderResult{Accepted: false, ErrorMsg: e.RawMsg}, nil
		}
		return venue.OrderResult{}, err
	}
	var results []okxOrderResult
	if err := json.Unmarshal(data, &results); err != nil || len(results) == 0 {
		return venue.OrderResult{}, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure))
	}
	r := results[0]
	if r.SCode != "" && r.SCode != "0" {
		return venue.OrderResult{Accepted: false, ErrorMsg: r.SMsg}, nil
	}
	return venue.OrderResult{ExchangeOrderID: r.OrdID, Accepted: true}, nil
}

type okxBalanceRow struct {
	Details []okxBalanceDetail `json:"details"`
}

type okxBalanceDetail struct {
	Ccy       string `json:"ccy"`
	AvailBal  string `json:"availBal"`
	FrozenBal string `json:"frozenBal"`
}

// accountBalance calls GET /api/v5/account/balance.
func (c *restClient) accountBalance(ctx context.Context) ([]venue.Balance, error) {
	data, err := c.do(ctx, http.MethodGet, endpoints.balancePath, "", nil, true)
	if err != nil {
		return nil, err
	}
	var rows []okxBalanceRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	var out []venue.Balance
	for _, row := range rows {
		for _, d := range row.Details {
			out = append(out, venue.Balance{Currency: d.Ccy, Available: d.AvailBal, Frozen: d.FrozenBal})
		}
	}
	return out, nil
}

type okxPositionRow struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	Upl     string `json:"upl"`
}

// openPositions calls GET /api/v5/account/positions.
func (c *restClient) openPositions(ctx context.Context) ([]venue.Position, error) {
	data, err := c.do(ctx, http.MethodGet, endpoints.positionsPath, "instType=SWAP", nil, true)
	if err != nil {
		return nil, err
	}
	var rows []okxPositionRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	out := make([]venue.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, venue.Position{Symbol: r.InstID, PosSide: r.PosSide, Quantity: r.Pos, EntryPrice: r.AvgPx, UnrealizedPnL: r.Upl})
	}
	return out, nil
}

type okxOrderStatusRow struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	State     string `json:"state"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
}

func okxRowsToOrderStatuses(rows []okxOrderStatusRow) []venue.OrderStatus {
	out := make([]venue.OrderStatus, 0, len(rows))
	for _, r := range rows {
		out = append(out, venue.OrderStatus{
			ExchangeOrderID: r.OrdID, ClientOrderID: r.ClOrdID, Symbol: r.InstID,
			Status: r.State, FilledQty: r.AccFillSz, AvgPrice: r.AvgPx,
		})
	}
	return out
}

// pendingOrders calls GET /api/v5/trade/orders-pending. An empty instID
// returns open orders across every SWAP instrument.
func (c *restClient) pendingOrders(ctx context.Context, instID string) ([]venue.OrderStatus, error) {
	query := "instType=SWAP"
	if instID != "" {
		query += "&instId=" + instID
	}
	data, err := c.do(ctx, http.MethodGet, endpoints.pendingOrdersPath, query, nil, true)
	if err != nil {
		return nil, err
	}
	var rows []okxOrderStatusRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	return okxRowsToOrderStatuses(rows), nil
}

// orderStatus calls GET /api/v5/trade/order with either ordID or
// clOrdID (at least one must be set).
func (c *restClient) orderStatus(ctx context.Context, instID, ordID, clOrdID string) (venue.OrderStatus, error) {
	query := "instId=" + instID
	if ordID != "" {
		query += "&ordId=" + ordID
	}
	if clOrdID != "" {
		query += "&clOrdId=" + clOrdID
	}
	data, err := c.do(ctx, http.MethodGet, endpoints.orderPath, query, nil, true)
	if err != nil {
		return venue.OrderStatus{}, err
	}
	var rows []okxOrderStatusRow
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return venue.OrderStatus{}, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure))
	}
	return okxRowsToOrderStatuses(rows[:1])[0], nil
}

func (c *restClient) amendOrder(ctx context.Context, instID, ordID string, newPx, newSz *string) (venue.OrderResult, error) {
	req := map[string]string{"instId": instID, "ordId": ordID}
	if newPx != nil {
		req["newPx"] = *newPx
	}
	if newSz != nil {
		req["newSz"] = *newSz
	}
	data, err := c.do(ctx, http.MethodPost, endpoints.amendPath, "", req, true)
	if err != nil {
		if e, ok := err.(*errs.E); ok && e.Kind == errs.Permanent {
			return venue.OrderResult{Accepted: false, ErrorMsg: e.RawMsg}, nil
		}
		return venue.OrderResult{}, err
	}
	var results []okxOrderResult
	if err := json.Unmarshal(data, &results); err != nil || len(results) == 0 {
		return venue.OrderResult{}, errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure))
	}
	r := results[0]
	if r.SCode != "" && r.SCode != "0" {
		return venue.OrderResult{Accepted: false, ErrorMsg: r.SMsg}, nil
	}
	return venue.OrderResult{ExchangeOrderID: r.OrdID, Accepted: true}, nil
}
