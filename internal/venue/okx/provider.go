// Package okx implements the OKX USDT-margined perpetual swap venue
// client: public/business/private WebSocket roles, REST order routing,
// and instrument bootstrap.
package okx

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledgerline/tradecore/internal/errs"
	"github.com/ledgerline/tradecore/internal/route"
	"github.com/ledgerline/tradecore/internal/schema"
	"github.com/ledgerline/tradecore/internal/venue"
)

// Client implements venue.Instance for a single OKX role (public market
// data, business klines, or private user data). A deployment runs one
// Client per role it actually needs.
type Client struct {
	role  venue.Role
	creds venue.Credentials
	cfg   Config

	rest *restClient
	ws   *wsManager

	events chan *schema.Event
	errsCh chan error

	started atomic.Bool
	cancel  context.CancelFunc

	instrumentsMu sync.RWMutex
	instruments   []schema.Instrument
}

// NewClient constructs an OKX venue client bound to role and creds.
func NewClient(role venue.Role, creds venue.Credentials, cfg Config) *Client {
	cfg = cfg.withDefaults()
	events := make(chan *schema.Event, 4096)
	errCh := make(chan error, 64)
	c := &Client{
		role:   role,
		creds:  creds,
		cfg:    cfg,
		rest:   newRestClient(creds, cfg),
		events: events,
		errsCh: errCh,
	}
	c.ws = newWSManager(role, creds, cfg.ConsecutiveFailures, events, errCh, nil)
	return c
}

func (c *Client) Name() schema.Venue { return schema.VenueOKX }

func (c *Client) Role() venue.Role { return c.role }

func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.role == venue.RolePublicMarket || c.role == venue.RoleBusinessKline {
		if err := c.refreshInstruments(ctx); err != nil {
			c.emitErr(err)
		}
	}

	go func() {
		if err := c.ws.run(runCtx); err != nil && runCtx.Err() == nil {
			c.emitErr(err)
		}
	}()

	if c.role == venue.RolePublicMarket {
		go c.instrumentRefreshLoop(runCtx)
	}
	return nil
}

func (c *Client) instrumentRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.InstrumentRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refreshInstruments(ctx); err != nil {
				c.emitErr(err)
			}
		}
	}
}

func (c *Client) refreshInstruments(ctx context.Context) error {
	rows, err := c.rest.fetchInstruments(ctx)
	if err != nil {
		return err
	}
	out := make([]schema.Instrument, 0, len(rows))
	for _, r := range rows {
		inst := schema.Instrument{
			Venue:        schema.VenueOKX,
			Symbol:       r.InstID,
			SettleCcy:    r.SettleCcy,
			ContractType: "SWAP",
			State:        r.State,
		}
		if !inst.IsLiveUSDTPerp() {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })

	c.instrumentsMu.Lock()
	c.instruments = out
	c.instrumentsMu.Unlock()
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	if !c.started.CompareAndSwap(true, false) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Client) Events() <-chan *schema.Event { return c.events }

func (c *Client) Errors() <-chan error { return c.errsCh }

func (c *Client) State() venue.ConnState { return c.ws.currentState() }

func (c *Client) SubscribeRoute(r route.Route) error {
	return c.ws.sub.Activate(r)
}

func (c *Client) UnsubscribeRoute(r route.Route) error {
	return c.ws.sub.Deactivate(r)
}

func (c *Client) SubmitOrder(ctx context.Context, req schema.OrderRequest) (venue.OrderResult, error) {
	orderType := "market"
	if req.OrderType == schema.OrderTypeLimit {
		orderType = "limit"
	}
	wireReq := okxOrderRequest{
		InstID:  req.Symbol,
		TdMode:  req.TdMode,
		Side:    string(req.Side),
		PosSide: req.PosSide,
		OrdType: orderType,
		Sz:      req.Quantity,
		ClOrdID: req.ClientOrderID,
	}
	if req.Price != nil {
		wireReq.Px = *req.Price
	}
	return c.rest.submitOrder(ctx, wireReq)
}

func (c *Client) SubmitOrderBatch(ctx context.Context, reqs []schema.OrderRequest) ([]venue.OrderResult, error) {
	wireReqs := make([]okxOrderRequest, len(reqs))
	for i, req := range reqs {
		orderType := "market"
		if req.OrderType == schema.OrderTypeLimit {
			orderType = "limit"
		}
		wireReqs[i] = okxOrderRequest{
			InstID: req.Symbol, TdMode: req.TdMode, Side: string(req.Side), PosSide: req.PosSide,
			OrdType: orderType, Sz: req.Quantity, ClOrdID: req.ClientOrderID,
		}
		if req.Price != nil {
			wireReqs[i].Px = *req.Price
		}
	}
	return c.rest.submitOrderBatch(ctx, wireReqs)
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (venue.OrderResult, error) {
	return c.rest.cancelOrder(ctx, symbol, exchangeOrderID, clientOrderID)
}

func (c *Client) AmendOrder(ctx context.Context, symbol, exchangeOrderID string, newPrice, newQty *string) (venue.OrderResult, error) {
	return c.rest.amendOrder(ctx, symbol, exchangeOrderID, newPrice, newQty)
}

func (c *Client) HistoryCandles(ctx context.Context, req venue.HistoryRequest) ([]venue.Bar, error) {
	if req.Interval != "1m" && req.Interval != "5m" && req.Interval != "15m" &&
		req.Interval != "30m" && req.Interval != "1h" && req.Interval != "4h" && req.Interval != "8h" {
		return nil, errs.New("okx", errs.Local, errs.WithMessage("unsupported interval: "+req.Interval))
	}
	return c.rest.historyCandles(ctx, req)
}

func (c *Client) AccountBalance(ctx context.Context) ([]venue.Balance, error) {
	return c.rest.accountBalance(ctx)
}

func (c *Client) OpenPositions(ctx context.Context) ([]venue.Position, error) {
	return c.rest.openPositions(ctx)
}

func (c *Client) PendingOrders(ctx context.Context, symbol string) ([]venue.OrderStatus, error) {
	return c.rest.pendingOrders(ctx, symbol)
}

func (c *Client) OrderStatusByID(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (venue.OrderStatus, error) {
	return c.rest.orderStatus(ctx, symbol, exchangeOrderID, clientOrderID)
}

func (c *Client) Instruments() []schema.Instrument {
	c.instrumentsMu.RLock()
	defer c.instrumentsMu.RUnlock()
	out := make([]schema.Instrument, len(c.instruments))
	copy(out, c.instruments)
	return out
}

func (c *Client) RestPacing() time.Duration {
	return c.rest.pacer.Current()
}

func (c *Client) emitErr(err error) {
	select {
	case c.errsCh <- err:
	default:
	}
}

var _ venue.Instance = (*Client)(nil)
