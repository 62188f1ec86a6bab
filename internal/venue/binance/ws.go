package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/ledgerline/tradecore/internal/errs"
	"github.com/ledgerline/tradecore/internal/route"
	"github.com/ledgerline/tradecore/internal/schema"
	"github.com/ledgerline/tradecore/internal/venue"
	"github.com/ledgerline/tradecore/internal/venue/shared"
)

// wsManager owns a single role's WebSocket connection. Public-market and
// business-kline roles share the combined-stream endpoint; the private
// role dials a listen-key-scoped user-data stream instead.
type wsManager struct {
	role  venue.Role
	creds venue.Credentials
	rest  *restClient

	mu      sync.Mutex
	conn    *websocket.Conn
	state   venue.ConnState
	sub     *shared.SubscriptionManager
	breaker *gobreaker.CircuitBreaker[struct{}]

	msgID atomic.Uint64

	events chan<- *schema.Event
	errsCh chan<- error

	onState func(venue.ConnState)
}

func newWSManager(role venue.Role, creds venue.Credentials, rest *restClient, consecutiveFailures uint32, events chan<- *schema.Event, errCh chan<- error, onState func(venue.ConnState)) *wsManager {
	m := &wsManager{
		role:    role,
		creds:   creds,
		rest:    rest,
		state:   venue.StateDisconnected,
		events:  events,
		errsCh:  errCh,
		onState: onState,
	}
	m.breaker = shared.DegradedBreaker(fmt.Sprintf("binance-%s", role), consecutiveFailures, func(tripped bool) {
		if tripped {
			m.setState(venue.StateDegraded)
		}
	})
	m.sub = shared.NewSubscriptionManager(m)
	return m
}

func (m *wsManager) setState(s venue.ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.onState != nil {
		m.onState(s)
	}
}

func (m *wsManager) currentState() venue.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *wsManager) run(ctx context.Context) error {
	return shared.RunReconnectLoop(ctx, m.breaker, m.connectAndServe)
}

func (m *wsManager) dialURL(ctx context.Context) (string, error) {
	if m.role != venue.RolePrivateUser {
		return strings.TrimSuffix(endpoints.wsBase, "/ws") + "/stream", nil
	}
	listenKey, err := m.rest.fetchListenKey(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(endpoints.wsBase, "/ws") + "/ws/" + listenKey, nil
}

func (m *wsManager) connectAndServe(ctx context.Context) error {
	m.setState(venue.StateConnecting)
	url, err := m.dialURL(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return errs.New("binance", errs.Transient, errs.WithCanonicalCode(errs.CanonicalWSDisconnect), errs.WithCause(err))
	}
	conn.SetReadLimit(2 << 20)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(venue.StateConnected)
	if m.role == venue.RolePrivateUser {
		m.setState(venue.StateAuthenticated)
	}

	if err := m.resubscribeAll(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "resubscribe failed")
		return err
	}
	m.setState(venue.StateSubscribed)

	keepaliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if m.role == venue.RolePrivateUser {
		go m.listenKeyKeepAliveLoop(keepaliveCtx)
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			m.setState(venue.StateDisconnected)
			return errs.New("binance", errs.Transient, errs.WithCanonicalCode(errs.CanonicalWSDisconnect), errs.WithCause(err))
		}
		m.handleFrame(raw)
	}
}

func (m *wsManager) listenKeyKeepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.rest.keepAliveListenKey(ctx); err != nil {
				m.emitErr(err)
			}
		}
	}
}

func (m *wsManager) resubscribeAll(ctx context.Context, conn *websocket.Conn) error {
	routes := m.sub.Snapshot()
	var streams []string
	for _, r := range routes {
		streams = append(streams, r.WSTopics...)
	}
	return sendSubscribeBatched(ctx, conn, &m.msgID, "SUBSCRIBE", streams)
}

func sendSubscribeBatched(ctx context.Context, conn *websocket.Conn, msgID *atomic.Uint64, method string, streams []string) error {
	for i := 0; i < len(streams); i += maxStreamsPerRequest {
		end := i + maxStreamsPerRequest
		if end > len(streams) {
			end = len(streams)
		}
		req := subscribeRequest{Method: method, Params: streams[i:end], ID: msgID.Add(1)}
		payload, err := json.Marshal(req)
		if err != nil {
			return errs.New("binance", errs.Local, errs.WithCause(err))
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return errs.New("binance", errs.Transient, errs.WithCanonicalCode(errs.CanonicalWSDisconnect), errs.WithCause(err))
		}
		if end < len(streams) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(controlMessageInterval):
			}
		}
	}
	return nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

func (m *wsManager) SubscribeRoute(r route.Route) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errs.New("binance", errs.Local, errs.WithMessage("subscribe before connect"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sendSubscribeBatched(ctx, conn, &m.msgID, "SUBSCRIBE", r.WSTopics)
}

func (m *wsManager) UnsubscribeRoute(r route.Route) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sendSubscribeBatched(ctx, conn, &m.msgID, "UNSUBSCRIBE", r.WSTopics)
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	// combined-stream frames carry the above; raw single-stream frames
	// (the listen-key connection) carry only an "e" event-type field.
	EventType string `json:"e"`
}

func (m *wsManager) handleFrame(raw []byte) {
	if len(raw) == 0 {
		return
	}
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.emitErr(errs.New("binance", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err)))
		return
	}
	if env.EventType != "" {
		m.handleUserDataEvent(env.EventType, raw)
		return
	}
	if env.Stream == "" {
		return
	}
	switch {
	case strings.Contains(env.Stream, "@aggTrade") || strings.Contains(env.Stream, "@trade"):
		m.handleTrade(env.Stream, env.Data)
	case strings.Contains(env.Stream, "@ticker"):
		m.handleTicker(env.Stream, env.Data)
	case strings.Contains(env.Stream, "@depth"):
		m.handleBook(env.Stream, env.Data)
	case strings.Contains(env.Stream, "@continuousKline") || strings.Contains(env.Stream, "@kline"):
		m.handleKline(env.Stream, env.Data)
	case strings.Contains(env.Stream, "@markPrice"):
		m.handleMarkPrice(env.Stream, env.Data)
	}
}

func (m *wsManager) emit(ev *schema.Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func (m *wsManager) emitErr(err error) {
	select {
	case m.errsCh <- err:
	default:
	}
}

func symbolFromStream(stream string) string {
	idx := strings.Index(stream, "@")
	if idx < 0 {
		return strings.ToUpper(stream)
	}
	return strings.ToUpper(stream[:idx])
}

type binanceTradeFrame struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Qty    string `json:"q"`
	Time   int64  `json:"T"`
	Maker  bool   `json:"m"`
}

func (m *wsManager) handleTrade(stream string, data json.RawMessage) {
	var f binanceTradeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	side := schema.TradeSideBuy
	if f.Maker {
		side = schema.TradeSideSell
	}
	ev := &schema.Event{
		Venue:       schema.VenueBinance,
		Symbol:      f.Symbol,
		Type:        schema.EventTypeTrade,
		TimestampMs: f.Time,
		TimestampNs: time.Now().UnixNano(),
		Payload: schema.TradePayload{
			Price:    f.Price,
			Quantity: f.Qty,
			Side:     side,
		},
	}
	m.emit(ev)
}

type binanceTickerFrame struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	Volume    string `json:"v"`
	EventTime int64  `json:"E"`
}

func (m *wsManager) handleTicker(stream string, data json.RawMessage) {
	var f binanceTickerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	ev := &schema.Event{
		Venue:       schema.VenueBinance,
		Symbol:      f.Symbol,
		Type:        schema.EventTypeTicker,
		TimestampMs: f.EventTime,
		TimestampNs: time.Now().UnixNano(),
		Payload: schema.TickerPayload{
			LastPrice: f.LastPrice,
			BidPrice:  f.BidPrice,
			AskPrice:  f.AskPrice,
			Volume24h: f.Volume,
		},
	}
	m.emit(ev)
}

type binanceBookFrame struct {
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
	EventTime int64       `json:"E"`
}

func (m *wsManager) handleBook(stream string, data json.RawMessage) {
	var f binanceBookFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	ev := &schema.Event{
		Venue:       schema.VenueBinance,
		Symbol:      symbolFromStream(stream),
		Type:        schema.EventTypeBookSnapshot,
		TimestampMs: f.EventTime,
		TimestampNs: time.Now().UnixNano(),
		Payload: schema.BookSnapshotPayload{
			Bids: levelsFrom(f.Bids),
			Asks: levelsFrom(f.Asks),
		},
	}
	m.emit(ev)
}

func levelsFrom(rows [][2]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(rows))
	for _, r := range rows {
		out = append(out, schema.PriceLevel{Price: r[0], Quantity: r[1]})
	}
	return out
}

// binanceKlineFrame covers both the plain kline stream ("k") and the
// continuous-contract kline stream; the wire shape is identical.
type binanceKlineFrame struct {
	Kline struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Interval string `json:"i"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

func (m *wsManager) handleKline(stream string, data json.RawMessage) {
	var f binanceKlineFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	open, _ := strconv.ParseFloat(f.Kline.Open, 64)
	high, _ := strconv.ParseFloat(f.Kline.High, 64)
	low, _ := strconv.ParseFloat(f.Kline.Low, 64)
	closeP, _ := strconv.ParseFloat(f.Kline.Close, 64)
	vol, _ := strconv.ParseFloat(f.Kline.Volume, 64)
	ev := &schema.Event{
		Venue:       schema.VenueBinance,
		Symbol:      symbolFromStream(stream),
		Interval:    f.Kline.Interval,
		Type:        schema.EventTypeKline,
		TimestampMs: f.Kline.OpenTime,
		TimestampNs: time.Now().UnixNano(),
		Payload: schema.KlinePayload{
			Open: open, High: high, Low: low, Close: closeP, Volume: vol,
			Closed: f.Kline.Closed, OpenTimeMs: f.Kline.OpenTime,
		},
	}
	m.emit(ev)
}

type binanceMarkPriceFrame struct {
	MarkPrice string `json:"p"`
	EventTime int64  `json:"E"`
}

func (m *wsManager) handleMarkPrice(stream string, data json.RawMessage) {
	var f binanceMarkPriceFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	ev := &schema.Event{
		Venue:       schema.VenueBinance,
		Symbol:      symbolFromStream(stream),
		Type:        schema.EventTypeMarkPrice,
		TimestampMs: f.EventTime,
		TimestampNs: time.Now().UnixNano(),
		Payload: schema.MarkPricePayload{
			MarkPrice: f.MarkPrice,
		},
	}
	m.emit(ev)
}

// handleUserDataEvent dispatches listen-key stream events (ORDER_TRADE_UPDATE,
// ACCOUNT_UPDATE) which arrive as single, unwrapped frames rather than the
// combined-stream envelope.
func (m *wsManager) handleUserDataEvent(eventType string, raw []byte) {
	switch eventType {
	case "ORDER_TRADE_UPDATE":
		m.handleOrderUpdate(raw)
	case "ACCOUNT_UPDATE":
		m.handleAccountUpdate(raw)
	}
}

type binanceOrderUpdateFrame struct {
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		FilledQty     string `json:"z"`
		AvgPrice      string `json:"ap"`
		EventTime     int64  `json:"T"`
	} `json:"o"`
}

func (m *wsManager) handleOrderUpdate(raw []byte) {
	var f binanceOrderUpdateFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	ev := &schema.Event{
		Venue:       schema.VenueBinance,
		Symbol:      f.Order.Symbol,
		Type:        schema.EventTypeExecReport,
		TimestampMs: f.Order.EventTime,
		TimestampNs: time.Now().UnixNano(),
		Payload: schema.ExecReportPayload{
			ClientOrderID:   f.Order.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(f.Order.OrderID, 10),
			State:           binanceOrderState(f.Order.Status),
			FilledQuantity:  f.Order.FilledQty,
			AvgFillPrice:    f.Order.AvgPrice,
		},
	}
	m.emit(ev)
}

func binanceOrderState(status string) schema.ExecReportState {
	switch status {
	case "NEW":
		return schema.ExecReportStateAccepted
	case "PARTIALLY_FILLED":
		return schema.ExecReportStatePartial
	case "FILLED":
		return schema.ExecReportStateFilled
	case "CANCELED", "EXPIRED":
		return schema.ExecReportStateCancelled
	default:
		return schema.ExecReportStateRejected
	}
}

type binanceAccountUpdateFrame struct {
	Update struct {
		Balances []struct {
			Asset              string `json:"a"`
			WalletBalance      string `json:"wb"`
			CrossWalletBalance string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			PositionAmt   string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnl string `json:"up"`
			PositionSide  string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
	EventTime int64 `json:"E"`
}

func (m *wsManager) handleAccountUpdate(raw []byte) {
	var f binanceAccountUpdateFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	for _, b := range f.Update.Balances {
		m.emit(&schema.Event{
			Venue:       schema.VenueBinance,
			Symbol:      b.Asset,
			Type:        schema.EventTypeBalanceUpdate,
			TimestampMs: f.EventTime,
			TimestampNs: time.Now().UnixNano(),
			Payload: schema.BalanceUpdatePayload{
				Currency:  b.Asset,
				Total:     b.WalletBalance,
				Available: b.CrossWalletBalance,
			},
		})
	}
	for _, p := range f.Update.Positions {
		m.emit(&schema.Event{
			Venue:       schema.VenueBinance,
			Symbol:      p.Symbol,
			Type:        schema.EventTypePosition,
			TimestampMs: f.EventTime,
			TimestampNs: time.Now().UnixNano(),
			Payload: schema.PositionPayload{
				Symbol:        p.Symbol,
				PosSide:       p.PositionSide,
				Quantity:      p.PositionAmt,
				EntryPrice:    p.EntryPrice,
				UnrealizedPnL: p.UnrealizedPnl,
			},
		})
	}
}
