package okx

import (
	"context"
	"fmt"
	"strconv"
	"sync"
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

// wsManager owns a single role's WebSocket connection (public, business or
// private) and its reconnect/resubscribe lifecycle. One instance exists
// per role that the client actually uses.
type wsManager struct {
	role  venue.Role
	creds venue.Credentials

	mu       sync.Mutex
	conn     *websocket.Conn
	state    venue.ConnState
	sub      *shared.SubscriptionManager
	breaker  *gobreaker.CircuitBreaker[struct{}]

	events chan<- *schema.Event
	errsCh chan<- error
	onState func(venue.ConnState)
}

func newWSManager(role venue.Role, creds venue.Credentials, consecutiveFailures uint32, events chan<- *schema.Event, errCh chan<- error, onState func(venue.ConnState)) *wsManager {
	m := &wsManager{
		role:    role,
		creds:   creds,
		state:   venue.StateDisconnected,
		events:  events,
		errsCh:  errCh,
		onState: onState,
	}
	m.breaker = shared.DegradedBreaker(fmt.Sprintf("okx-%s", role), consecutiveFailures, func(tripped bool) {
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

// run drives the reconnect loop until ctx is cancelled.
func (m *wsManager) run(ctx context.Context) error {
	return shared.RunReconnectLoop(ctx, m.breaker, m.connectAndServe)
}

func (m *wsManager) connectAndServe(ctx context.Context) error {
	m.setState(venue.StateConnecting)
	conn, _, err := websocket.Dial(ctx, wsURLForRole(m.role), nil)
	if err != nil {
		return errs.New("okx", errs.Transient, errs.WithCanonicalCode(errs.CanonicalWSDisconnect), errs.WithCause(err))
	}
	conn.SetReadLimit(1 << 20)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(venue.StateConnected)

	if m.role == venue.RolePrivateUser {
		if err := m.login(ctx, conn); err != nil {
			conn.Close(websocket.StatusInternalError, "login failed")
			return err
		}
		m.setState(venue.StateAuthenticated)
	}

	if err := m.resubscribeAll(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "resubscribe failed")
		return err
	}
	m.setState(venue.StateSubscribed)

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go m.pingLoop(pingCtx, conn)

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			m.setState(venue.StateDisconnected)
			return errs.New("okx", errs.Transient, errs.WithCanonicalCode(errs.CanonicalWSDisconnect), errs.WithCause(err))
		}
		m.handleFrame(raw)
	}
}

func (m *wsManager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.Write(ctx, websocket.MessageText, []byte("ping"))
		}
	}
}

type okxLoginReq struct {
	Op   string         `json:"op"`
	Args []okxLoginArgs `json:"args"`
}

type okxLoginArgs struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

func (m *wsManager) login(ctx context.Context, conn *websocket.Conn) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := okxLoginReq{
		Op: "login",
		Args: []okxLoginArgs{{
			APIKey:     m.creds.APIKey,
			Passphrase: m.creds.Passphrase,
			Timestamp:  ts,
			Sign:       wsLoginSign(m.creds, ts),
		}},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return errs.New("okx", errs.Local, errs.WithCause(err))
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return errs.New("okx", errs.Transient, errs.WithCanonicalCode(errs.CanonicalWSDisconnect), errs.WithCause(err))
	}
	_, raw, err := conn.Read(ctx)
	if err != nil {
		return errs.New("okx", errs.Transient, errs.WithCanonicalCode(errs.CanonicalWSDisconnect), errs.WithCause(err))
	}
	var resp struct {
		Event string `json:"event"`
		Code  string `json:"code"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Event == "error" {
		return errs.New("okx", errs.Permanent, errs.WithCanonicalCode(errs.CanonicalAuth), errs.WithRawCode(resp.Code), errs.WithRawMessage(resp.Msg))
	}
	return nil
}

// resubscribeAll replays every route the subscription manager currently
// tracks, in deterministic order, batched per the subscribe pacing rules.
func (m *wsManager) resubscribeAll(ctx context.Context, conn *websocket.Conn) error {
	routes := m.sub.Snapshot()
	var topics []string
	for _, r := range routes {
		topics = append(topics, r.WSTopics...)
	}
	return sendSubscribeBatched(ctx, conn, "subscribe", topics)
}

type okxChannelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

type okxSubReq struct {
	Op   string          `json:"op"`
	Args []okxChannelArg `json:"args"`
}

func sendSubscribeBatched(ctx context.Context, conn *websocket.Conn, op string, topics []string) error {
	args := make([]okxChannelArg, 0, len(topics))
	for _, t := range topics {
		args = append(args, parseTopic(t))
	}
	for i := 0; i < len(args); i += subscribeBatchSize {
		end := i + subscribeBatchSize
		if end > len(args) {
			end = len(args)
		}
		req := okxSubReq{Op: op, Args: args[i:end]}
		payload, err := json.Marshal(req)
		if err != nil {
			return errs.New("okx", errs.Local, errs.WithCause(err))
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return errs.New("okx", errs.Transient, errs.WithCanonicalCode(errs.CanonicalWSDisconnect), errs.WithCause(err))
		}
		if end < len(args) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(subscribeBatchPacing):
			}
		}
	}
	return nil
}

// parseTopic splits a "channel:instId" route topic into the channel-arg
// struct the OKX subscribe frame expects.
func parseTopic(topic string) okxChannelArg {
	for i := 0; i < len(topic); i++ {
		if topic[i] == ':' {
			return okxChannelArg{Channel: topic[:i], InstID: topic[i+1:]}
		}
	}
	return okxChannelArg{Channel: topic}
}

// SubscribeRoute and UnsubscribeRoute implement shared.RouteSubscriber so
// the SubscriptionManager can issue the minimal wire diff directly.
func (m *wsManager) SubscribeRoute(r route.Route) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errs.New("okx", errs.Local, errs.WithMessage("subscribe before connect"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sendSubscribeBatched(ctx, conn, "subscribe", r.WSTopics)
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
	return sendSubscribeBatched(ctx, conn, "unsubscribe", r.WSTopics)
}

type okxFrame struct {
	Event string          `json:"event"`
	Arg   okxChannelArg   `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

func (m *wsManager) handleFrame(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if string(raw) == "pong" {
		return
	}
	var f okxFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		m.emitErr(errs.New("okx", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err)))
		return
	}
	if f.Event != "" {
		if f.Event == "error" {
			m.emitErr(errs.New("okx", errs.Transient, errs.WithMessage("venue error event")))
		}
		return
	}
	switch f.Arg.Channel {
	case "trades":
		m.handleTrades(f)
	case "tickers":
		m.handleTicker(f)
	case "books", "books5":
		m.handleBook(f)
	case "candle1m":
		m.handleKline(f)
	case "orders":
		m.handleOrders(f)
	case "account":
		m.handleBalance(f)
	case "positions":
		m.handlePositions(f)
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

type okxTradeRow struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

func (m *wsManager) handleTrades(f okxFrame) {
	var rows []okxTradeRow
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.Ts, 10, 64)
		side := schema.TradeSideBuy
		if r.Side == "sell" {
			side = schema.TradeSideSell
		}
		ev := &schema.Event{
			Venue:       schema.VenueOKX,
			Symbol:      r.InstID,
			Type:        schema.EventTypeTrade,
			TimestampMs: ts,
			TimestampNs: time.Now().UnixNano(),
			Payload: schema.TradePayload{
				TradeID: r.TradeID,
				Price:   r.Px,
				Quantity: r.Sz,
				Side:    side,
			},
		}
		m.emit(ev)
	}
}

type okxTickerRow struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	Ts      string `json:"ts"`
}

func (m *wsManager) handleTicker(f okxFrame) {
	var rows []okxTickerRow
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.Ts, 10, 64)
		ev := &schema.Event{
			Venue:       schema.VenueOKX,
			Symbol:      r.InstID,
			Type:        schema.EventTypeTicker,
			TimestampMs: ts,
			TimestampNs: time.Now().UnixNano(),
			Payload: schema.TickerPayload{
				LastPrice: r.Last,
				BidPrice:  r.BidPx,
				AskPrice:  r.AskPx,
			},
		}
		m.emit(ev)
	}
}

type okxBookRow struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
	Ts   string      `json:"ts"`
	Checksum int64   `json:"checksum"`
}

func (m *wsManager) handleBook(f okxFrame) {
	var rows []okxBookRow
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.Ts, 10, 64)
		ev := &schema.Event{
			Venue:       schema.VenueOKX,
			Symbol:      f.Arg.InstID,
			Type:        schema.EventTypeBookSnapshot,
			TimestampMs: ts,
			TimestampNs: time.Now().UnixNano(),
			Payload: schema.BookSnapshotPayload{
				Bids:     levelsFrom(r.Bids),
				Asks:     levelsFrom(r.Asks),
				Checksum: strconv.FormatInt(r.Checksum, 10),
			},
		}
		m.emit(ev)
	}
}

func levelsFrom(rows [][2]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(rows))
	for _, r := range rows {
		out = append(out, schema.PriceLevel{Price: r[0], Quantity: r[1]})
	}
	return out
}

type okxCandleRow = []string

func (m *wsManager) handleKline(f okxFrame) {
	var rows []okxCandleRow
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return
	}
	for _, row := range rows {
		if len(row) < 9 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		open, _ := strconv.ParseFloat(row[1], 64)
		high, _ := strconv.ParseFloat(row[2], 64)
		low, _ := strconv.ParseFloat(row[3], 64)
		closeP, _ := strconv.ParseFloat(row[4], 64)
		vol, _ := strconv.ParseFloat(row[5], 64)
		closed := row[8] == "1"
		ev := &schema.Event{
			Venue:       schema.VenueOKX,
			Symbol:      f.Arg.InstID,
			Interval:    "1m",
			Type:        schema.EventTypeKline,
			TimestampMs: ts,
			TimestampNs: time.Now().UnixNano(),
			Payload: schema.KlinePayload{
				Open: open, High: high, Low: low, Close: closeP, Volume: vol,
				Closed: closed, OpenTimeMs: ts,
			},
		}
		m.emit(ev)
	}
}

type okxOrderRow struct {
	InstID  string `json:"instId"`
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	State   string `json:"state"`
	Sz      string `json:"sz"`
	FillSz  string `json:"accFillSz"`
	Ts      string `json:"uTime"`
}

func (m *wsManager) handleOrders(f okxFrame) {
	var rows []okxOrderRow
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.Ts, 10, 64)
		ev := &schema.Event{
			Venue:       schema.VenueOKX,
			Symbol:      r.InstID,
			Type:        schema.EventTypeExecReport,
			TimestampMs: ts,
			TimestampNs: time.Now().UnixNano(),
			Payload: schema.ExecReportPayload{
				ExchangeOrderID: r.OrdID,
				ClientOrderID:   r.ClOrdID,
				State:           okxOrderState(r.State),
				FilledQuantity:  r.FillSz,
			},
		}
		m.emit(ev)
	}
}

func okxOrderState(state string) schema.ExecReportState {
	switch state {
	case "live":
		return schema.ExecReportStateAccepted
	case "partially_filled":
		return schema.ExecReportStatePartial
	case "filled":
		return schema.ExecReportStateFilled
	case "canceled":
		return schema.ExecReportStateCancelled
	default:
		return schema.ExecReportStateRejected
	}
}

type okxWSBalanceRow struct {
	Details []struct {
		Ccy     string `json:"ccy"`
		Eq      string `json:"eq"`
		AvailEq string `json:"availEq"`
	} `json:"details"`
	UTime string `json:"uTime"`
}

func (m *wsManager) handleBalance(f okxFrame) {
	var rows []okxWSBalanceRow
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.UTime, 10, 64)
		for _, d := range r.Details {
			ev := &schema.Event{
				Venue:       schema.VenueOKX,
				Symbol:      d.Ccy,
				Type:        schema.EventTypeBalanceUpdate,
				TimestampMs: ts,
				TimestampNs: time.Now().UnixNano(),
				Payload: schema.BalanceUpdatePayload{
					Currency:  d.Ccy,
					Total:     d.Eq,
					Available: d.AvailEq,
				},
			}
			m.emit(ev)
		}
	}
}

type okxWSPositionRow struct {
	InstID   string `json:"instId"`
	PosSide  string `json:"posSide"`
	Pos      string `json:"pos"`
	AvgPx    string `json:"avgPx"`
	Upl      string `json:"upl"`
	UTime    string `json:"uTime"`
}

func (m *wsManager) handlePositions(f okxFrame) {
	var rows []okxWSPositionRow
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.UTime, 10, 64)
		ev := &schema.Event{
			Venue:       schema.VenueOKX,
			Symbol:      r.InstID,
			Type:        schema.EventTypePosition,
			TimestampMs: ts,
			TimestampNs: time.Now().UnixNano(),
			Payload: schema.PositionPayload{
				Symbol:        r.InstID,
				PosSide:       r.PosSide,
				Quantity:      r.Pos,
				EntryPrice:    r.AvgPx,
				UnrealizedPnL: r.Upl,
			},
		}
		m.emit(ev)
	}
}
