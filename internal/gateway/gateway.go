package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/tradecore/internal/errs"
	"github.com/ledgerline/tradecore/internal/route"
	"github.com/ledgerline/tradecore/internal/schema"
	"github.com/ledgerline/tradecore/internal/telemetry"
	"github.com/ledgerline/tradecore/internal/venue"
)

const maxBatchOrders = 20

// orderJob is one unit of order-worker work: a single place/cancel/
// amend request plus the channel its report is delivered on.
type orderJob struct {
	kind        string // "place", "cancel", "amend", "place_batch", "cancel_batch"
	single      schema.OrderRequest
	batch       []schema.OrderRequest
	cancel      cancelRequest
	cancelBatch []cancelRequest
	amend       amendRequest
	reply       chan any
}

type cancelRequest struct {
	StrategyID      string
	Venue           schema.Venue
	Symbol          string
	ExchangeOrderID string
	ClientOrderID   string
}

type amendRequest struct {
	StrategyID      string
	Venue           schema.Venue
	Symbol          string
	ExchangeOrderID string
	NewPrice        *string
	NewQuantity     *string
}

type queryJob struct {
	req   schema.QueryRequest
	reply chan schema.QueryResponse
}

// controlJob is one unit of control-worker work: a subscription-state
// mutation or an account registration change. Both share a worker
// because both are low-volume, latency-insensitive operator actions
// that must never queue behind order-placement REST calls.
type controlJob struct {
	kind string // "subscribe", "unsubscribe", "register", "unregister"

	strategyID string
	venue      schema.Venue
	route      route.Route
	client     venue.Instance

	reply chan error
}

// Gateway owns three dedicated worker goroutines — order, query, and
// subscribe/control — each with its own bounded input channel so a
// slow REST call on the order worker can never starve query or
// subscribe traffic.
type Gateway struct {
	registry *Registry

	orderCh   chan orderJob
	queryCh   chan queryJob
	controlCh chan controlJob

	stopOrder   chan struct{}
	stopQuery   chan struct{}
	stopControl chan struct{}
	doneOrder   chan struct{}
	doneQuery   chan struct{}
	doneControl chan struct{}

	ordersCounter  metric.Int64Counter
	queriesCounter metric.Int64Counter
}

// New constructs a Gateway bound to registry, with each worker's input
// channel sized from queueDepth.
func New(registry *Registry, queueDepth int) *Gateway {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	meter := otel.Meter("gateway")
	orders, _ := meter.Int64Counter("gateway.orders.processed",
		metric.WithDescription("Order/cancel/amend requests processed"), metric.WithUnit("{request}"))
	queries, _ := meter.Int64Counter("gateway.queries.processed",
		metric.WithDescription("Query requests processed"), metric.WithUnit("{request}"))

	return &Gateway{
		registry:       registry,
		orderCh:        make(chan orderJob, queueDepth),
		queryCh:        make(chan queryJob, queueDepth),
		controlCh:      make(chan controlJob, queueDepth),
		stopOrder:      make(chan struct{}),
		stopQuery:      make(chan struct{}),
		stopControl:    make(chan struct{}),
		doneOrder:      make(chan struct{}),
		doneQuery:      make(chan struct{}),
		doneControl:    make(chan struct{}),
		ordersCounter:  orders,
		queriesCounter: queries,
	}
}

// Run starts the three worker goroutines and blocks until ctx is
// cancelled. Workers keep accepting jobs past that point — ctx only
// bounds the venue/registry calls they make — until Shutdown stops
// them explicitly, in sequence. Run itself does not wait for the
// workers to drain; call Shutdown afterward to join them in the order
// the order gateway's failure policy requires: order, then query,
// then control, so in-flight order submissions finish before balance/
// position queries are abandoned, and both finish before subscription
// state (which the venue clients' WS quiesce depends on next) stops
// changing.
func (g *Gateway) Run(ctx context.Context) {
	go func() { g.runOrderWorker(ctx); close(g.doneOrder) }()
	go func() { g.runQueryWorker(ctx); close(g.doneQuery) }()
	go func() { g.runControlWorker(ctx); close(g.doneControl) }()
	<-ctx.Done()
}

// Shutdown stops the order worker, waits for it to exit, then the
// query worker, then the control worker — each step bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	steps := []struct {
		name string
		stop chan struct{}
		done chan struct{}
	}{
		{"order", g.stopOrder, g.doneOrder},
		{"query", g.stopQuery, g.doneQuery},
		{"control", g.stopControl, g.doneControl},
	}
	for _, s := range steps {
		close(s.stop)
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("gateway: timed out draining %s worker: %w", s.name, ctx.Err())
		}
	}
	return nil
}

func (g *Gateway) runOrderWorker(ctx context.Context) {
	for {
		select {
		case <-g.stopOrder:
			return
		case job := <-g.orderCh:
			g.handleOrderJob(ctx, job)
		}
	}
}

func (g *Gateway) runQueryWorker(ctx context.Context) {
	for {
		select {
		case <-g.stopQuery:
			return
		case job := <-g.queryCh:
			job.reply <- g.handleQuery(ctx, job.req)
		}
	}
}

func (g *Gateway) runControlWorker(ctx context.Context) {
	for {
		select {
		case <-g.stopControl:
			return
		case job := <-g.controlCh:
			job.reply <- g.handleControl(ctx, job)
		}
	}
}

// PlaceOrder submits req through the order worker and blocks for its
// report. A resolution failure or REST error surfaces as a rejected
// report rather than a Go error, matching C6's failure policy.
func (g *Gateway) PlaceOrder(ctx context.Context, req schema.OrderRequest) schema.OrderReport {
	reply := make(chan any, 1)
	select {
	case g.orderCh <- orderJob{kind: "place", single: req, reply: reply}:
	case <-ctx.Done():
		return rejectedReport(req.StrategyID, req.ClientOrderID, ctx.Err())
	}
	select {
	case r := <-reply:
		return r.(schema.OrderReport)
	case <-ctx.Done():
		return rejectedReport(req.StrategyID, req.ClientOrderID, ctx.Err())
	}
}

// PlaceBatch submits up to maxBatchOrders orders as one venue call
// batch and blocks for the aggregate report.
func (g *Gateway) PlaceBatch(ctx context.Context, reqs []schema.OrderRequest) schema.BatchOrderReport {
	if len(reqs) > maxBatchOrders {
		reqs = reqs[:maxBatchOrders]
	}
	reply := make(chan any, 1)
	select {
	case g.orderCh <- orderJob{kind: "place_batch", batch: reqs, reply: reply}:
	case <-ctx.Done():
		return schema.BatchOrderReport{Status: schema.OrderStatusRejected, FailCount: len(reqs)}
	}
	select {
	case r := <-reply:
		return r.(schema.BatchOrderReport)
	case <-ctx.Done():
		return schema.BatchOrderReport{Status: schema.OrderStatusRejected, FailCount: len(reqs)}
	}
}

// CancelOrder submits a cancel through the order worker.
func (g *Gateway) CancelOrder(ctx context.Context, req cancelRequest) schema.OrderReport {
	reply := make(chan any, 1)
	select {
	case g.orderCh <- orderJob{kind: "cancel", cancel: req, reply: reply}:
	case <-ctx.Done():
		return rejectedReport(req.StrategyID, req.ClientOrderID, ctx.Err())
	}
	select {
	case r := <-reply:
		return r.(schema.OrderReport)
	case <-ctx.Done():
		return rejectedReport(req.StrategyID, req.ClientOrderID, ctx.Err())
	}
}

// AmendOrder submits an amend through the order worker.
func (g *Gateway) AmendOrder(ctx context.Context, req amendRequest) schema.OrderReport {
	reply := make(chan any, 1)
	select {
	case g.orderCh <- orderJob{kind: "amend", amend: req, reply: reply}:
	case <-ctx.Done():
		return rejectedReport(req.StrategyID, "", ctx.Err())
	}
	select {
	case r := <-reply:
		return r.(schema.OrderReport)
	case <-ctx.Done():
		return rejectedReport(req.StrategyID, "", ctx.Err())
	}
}

// CancelBatch submits up to maxBatchOrders cancels and blocks for the
// aggregate report. Unlike PlaceBatch, no venue exposes a single
// batch-cancel REST call for USDT-perp order books of this shape, so
// each cancel still issues its own REST round-trip; the batching here
// is purely at the report level (one aggregate success/fail count).
func (g *Gateway) CancelBatch(ctx context.Context, reqs []cancelRequest) schema.BatchOrderReport {
	if len(reqs) > maxBatchOrders {
		reqs = reqs[:maxBatchOrders]
	}
	reply := make(chan any, 1)
	select {
	case g.orderCh <- orderJob{kind: "cancel_batch", cancelBatch: reqs, reply: reply}:
	case <-ctx.Done():
		return schema.BatchOrderReport{Status: schema.OrderStatusRejected, FailCount: len(reqs)}
	}
	select {
	case r := <-reply:
		return r.(schema.BatchOrderReport)
	case <-ctx.Done():
		return schema.BatchOrderReport{Status: schema.OrderStatusRejected, FailCount: len(reqs)}
	}
}

// Query submits a query through the query worker.
func (g *Gateway) Query(ctx context.Context, req schema.QueryRequest) schema.QueryResponse {
	reply := make(chan schema.QueryResponse, 1)
	select {
	case g.queryCh <- queryJob{req: req, reply: reply}:
	case <-ctx.Done():
		return schema.QueryResponse{Code: -1, Error: ctx.Err().Error()}
	}
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return schema.QueryResponse{Code: -1, Error: ctx.Err().Error()}
	}
}

// SubscribeRoute/UnsubscribeRoute submit a subscription-state mutation
// through the control worker.
func (g *Gateway) SubscribeRoute(ctx context.Context, strategyID string, v schema.Venue, r route.Route) error {
	return g.submitControl(ctx, controlJob{kind: "subscribe", strategyID: strategyID, venue: v, route: r})
}

func (g *Gateway) UnsubscribeRoute(ctx context.Context, strategyID string, v schema.Venue, r route.Route) error {
	return g.submitControl(ctx, controlJob{kind: "unsubscribe", strategyID: strategyID, venue: v, route: r})
}

// RegisterAccount binds strategyID to client on venue. An empty
// strategyID registers that venue's default fallback account.
func (g *Gateway) RegisterAccount(ctx context.Context, strategyID string, v schema.Venue, client venue.Instance) error {
	return g.submitControl(ctx, controlJob{kind: "register", strategyID: strategyID, venue: v, client: client})
}

// UnregisterAccount removes strategyID's binding on venue.
func (g *Gateway) UnregisterAccount(ctx context.Context, strategyID string, v schema.Venue) error {
	return g.submitControl(ctx, controlJob{kind: "unregister", strategyID: strategyID, venue: v})
}

// ListAccounts returns every registration, sorted by venue then
// strategy ID, for the registered_accounts query subtype.
func (g *Gateway) ListAccounts() []Registration {
	return g.registry.List()
}

func (g *Gateway) submitControl(ctx context.Context, job controlJob) error {
	job.reply = make(chan error, 1)
	select {
	case g.controlCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) handleControl(ctx context.Context, job controlJob) error {
	switch job.kind {
	case "register":
		return g.registry.Register(ctx, job.strategyID, job.venue, job.client)
	case "unregister":
		return g.registry.Unregister(ctx, job.strategyID, job.venue)
	case "subscribe", "unsubscribe":
		client, fellBack, err := g.registry.Resolve(job.strategyID, job.venue)
		if err != nil {
			return err
		}
		if fellBack {
			log.Printf("gateway: strategy %q has no binding on %s, using default account for %s", job.strategyID, job.venue, job.kind)
		}
		if job.kind == "unsubscribe" {
			return client.UnsubscribeRoute(job.route)
		}
		return client.SubscribeRoute(job.route)
	default:
		return errs.BadRequest("unknown control job kind " + job.kind)
	}
}

func (g *Gateway) handleOrderJob(ctx context.Context, job orderJob) {
	switch job.kind {
	case "place":
		job.reply <- g.placeOne(ctx, job.single)
	case "place_batch":
		job.reply <- g.placeBatch(ctx, job.batch)
	case "cancel":
		job.reply <- g.cancelOne(ctx, job.cancel)
	case "cancel_batch":
		job.reply <- g.cancelBatch(ctx, job.cancelBatch)
	case "amend":
		job.reply <- g.amendOne(ctx, job.amend)
	}
}

func (g *Gateway) placeOne(ctx context.Context, req schema.OrderRequest) schema.OrderReport {
	client, fellBack, err := g.registry.Resolve(req.StrategyID, req.Venue)
	if err != nil {
		return reportFromErr(req.StrategyID, req.ClientOrderID, err)
	}
	if fellBack {
		log.Printf("gateway: strategy %q has no binding on %s, using default account", req.StrategyID, req.Venue)
	}

	submittedAt := time.Now()
	result, err := client.SubmitOrder(ctx, req)
	g.recordOrder(ctx, req.Venue, req.Symbol, string(req.Side), string(req.OrderType), err == nil && result.Accepted)
	if err != nil {
		return reportFromErr(req.StrategyID, req.ClientOrderID, err)
	}
	if !result.Accepted {
		return schema.OrderReport{
			StrategyID: req.StrategyID, ClientOrderID: req.ClientOrderID,
			Status: schema.OrderStatusRejected, ErrorMsg: result.ErrorMsg, SubmittedAt: submittedAt,
		}
	}
	return schema.OrderReport{
		StrategyID: req.StrategyID, ClientOrderID: req.ClientOrderID,
		ExchangeOrderID: result.ExchangeOrderID, Status: schema.OrderStatusAccepted,
		SubmittedAt: submittedAt, AckedAt: time.Now(),
	}
}

// placeBatch resolves one client for the whole batch (a batch REST call
// is inherently one account, one venue) and submits every order in a
// single SubmitOrderBatch call rather than looping placeOne.
func (g *Gateway) placeBatch(ctx context.Context, reqs []schema.OrderRequest) schema.BatchOrderReport {
	if len(reqs) == 0 {
		return schema.BatchOrderReport{Status: schema.OrderStatusAccepted}
	}

	client, fellBack, err := g.registry.Resolve(reqs[0].StrategyID, reqs[0].Venue)
	if err != nil {
		return rejectedBatch(reqs, err)
	}
	if fellBack {
		log.Printf("gateway: strategy %q has no binding on %s, using default account for batch", reqs[0].StrategyID, reqs[0].Venue)
	}

	submittedAt := time.Now()
	batchResults, err := client.SubmitOrderBatch(ctx, reqs)
	if err != nil {
		return rejectedBatch(reqs, err)
	}

	results := make([]schema.OrderReport, len(reqs))
	success, fail := 0, 0
	for i, req := range reqs {
		var r venue.OrderResult
		if i < len(batchResults) {
			r = batchResults[i]
		}
		g.recordOrder(ctx, req.Venue, req.Symbol, string(req.Side), string(req.OrderType), r.Accepted)
		if r.Accepted {
			success++
			results[i] = schema.OrderReport{
				StrategyID: req.StrategyID, ClientOrderID: req.ClientOrderID,
				ExchangeOrderID: r.ExchangeOrderID, Status: schema.OrderStatusAccepted,
				SubmittedAt: submittedAt, AckedAt: time.Now(),
			}
			continue
		}
		fail++
		results[i] = schema.OrderReport{
			StrategyID: req.StrategyID, ClientOrderID: req.ClientOrderID,
			Status: schema.OrderStatusRejected, ErrorMsg: r.ErrorMsg, SubmittedAt: submittedAt,
		}
	}
	status := schema.OrderStatusAccepted
	switch {
	case fail > 0 && success > 0:
		status = schema.OrderStatusPartial
	case fail > 0 && success == 0:
		status = schema.OrderStatusRejected
	}
	return schema.BatchOrderReport{Status: status, Results: results, SuccessCount: success, FailCount: fail}
}

func rejectedBatch(reqs []schema.OrderRequest, err error) schema.BatchOrderReport {
	results := make([]schema.OrderReport, len(reqs))
	for i, req := range reqs {
		results[i] = reportFromErr(req.StrategyID, req.ClientOrderID, err)
	}
	return schema.BatchOrderReport{Status: schema.OrderStatusRejected, Results: results, FailCount: len(reqs)}
}

func (g *Gateway) cancelBatch(ctx context.Context, reqs []cancelRequest) schema.BatchOrderReport {
	results := make([]schema.OrderReport, 0, len(reqs))
	success, fail := 0, 0
	for _, req := range reqs {
		report := g.cancelOne(ctx, req)
		if report.Status == schema.OrderStatusAccepted || report.Status == schema.OrderStatusPartial {
			success++
		} else {
			fail++
		}
		results = append(results, report)
	}
	status := schema.OrderStatusAccepted
	switch {
	case fail > 0 && success > 0:
		status = schema.OrderStatusPartial
	case fail > 0 && success == 0:
		status = schema.OrderStatusRejected
	}
	return schema.BatchOrderReport{Status: status, Results: results, SuccessCount: success, FailCount: fail}
}

func (g *Gateway) cancelOne(ctx context.Context, req cancelRequest) schema.OrderReport {
	client, fellBack, err := g.registry.Resolve(req.StrategyID, req.Venue)
	if err != nil {
		return reportFromErr(req.StrategyID, req.ClientOrderID, err)
	}
	if fellBack {
		log.Printf("gateway: strategy %q has no binding on %s, using default account for cancel", req.StrategyID, req.Venue)
	}
	result, err := client.CancelOrder(ctx, req.Symbol, req.ExchangeOrderID, req.ClientOrderID)
	g.recordOrder(ctx, req.Venue, req.Symbol, "", "", err == nil && result.Accepted)
	if err != nil {
		return reportFromErr(req.StrategyID, req.ClientOrderID, err)
	}
	if !result.Accepted {
		return schema.OrderReport{StrategyID: req.StrategyID, ClientOrderID: req.ClientOrderID, Status: schema.OrderStatusRejected, ErrorMsg: result.ErrorMsg, SubmittedAt: time.Now()}
	}
	return schema.OrderReport{StrategyID: req.StrategyID, ClientOrderID: req.ClientOrderID, ExchangeOrderID: result.ExchangeOrderID, Status: schema.OrderStatusAccepted, SubmittedAt: time.Now(), AckedAt: time.Now()}
}

func (g *Gateway) amendOne(ctx context.Context, req amendRequest) schema.OrderReport {
	client, fellBack, err := g.registry.Resolve(req.StrategyID, req.Venue)
	if err != nil {
		return reportFromErr(req.StrategyID, "", err)
	}
	if fellBack {
		log.Printf("gateway: strategy %q has no binding on %s, using default account for amend", req.StrategyID, req.Venue)
	}
	result, err := client.AmendOrder(ctx, req.Symbol, req.ExchangeOrderID, req.NewPrice, req.NewQuantity)
	g.recordOrder(ctx, req.Venue, req.Symbol, "", "", err == nil && result.Accepted)
	if err != nil {
		return reportFromErr(req.StrategyID, "", err)
	}
	if !result.Accepted {
		return schema.OrderReport{StrategyID: req.StrategyID, Status: schema.OrderStatusRejected, ErrorMsg: result.ErrorMsg, SubmittedAt: time.Now()}
	}
	return schema.OrderReport{StrategyID: req.StrategyID, ExchangeOrderID: result.ExchangeOrderID, Status: schema.OrderStatusAccepted, SubmittedAt: time.Now(), AckedAt: time.Now()}
}

func (g *Gateway) handleQuery(ctx context.Context, req schema.QueryRequest) schema.QueryResponse {
	client, fellBack, err := g.registry.Resolve(req.StrategyID, req.Venue)
	if err != nil {
		return schema.QueryResponse{Code: -1, QueryType: string(req.Subtype), Error: err.Error()}
	}
	if fellBack {
		log.Printf("gateway: strategy %q has no binding on %s, using default account for query", req.StrategyID, req.Venue)
	}

	if g.queriesCounter != nil {
		g.queriesCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.OperationResultAttributes(telemetry.Environment(), string(req.Venue), string(req.Subtype), "processed")...))
	}

	switch req.Subtype {
	case schema.QueryInstruments:
		return schema.QueryResponse{Code: 0, QueryType: string(req.Subtype), Data: client.Instruments()}
	case schema.QueryRegisteredAccounts:
		return schema.QueryResponse{Code: 0, QueryType: string(req.Subtype), Data: g.registry.List()}
	case schema.QueryBalance:
		balances, err := client.AccountBalance(ctx)
		if err != nil {
			return schema.QueryResponse{Code: -1, QueryType: string(req.Subtype), Error: err.Error()}
		}
		return schema.QueryResponse{Code: 0, QueryType: string(req.Subtype), Data: balances}
	case schema.QueryPositions:
		positions, err := client.OpenPositions(ctx)
		if err != nil {
			return schema.QueryResponse{Code: -1, QueryType: string(req.Subtype), Error: err.Error()}
		}
		return schema.QueryResponse{Code: 0, QueryType: string(req.Subtype), Data: positions}
	case schema.QueryPendingOrders:
		orders, err := client.PendingOrders(ctx, req.Symbol)
		if err != nil {
			return schema.QueryResponse{Code: -1, QueryType: string(req.Subtype), Error: err.Error()}
		}
		return schema.QueryResponse{Code: 0, QueryType: string(req.Subtype), Data: orders}
	case schema.QueryOrder:
		status, err := client.OrderStatusByID(ctx, req.Symbol, req.OrderID, "")
		if err != nil {
			return schema.QueryResponse{Code: -1, QueryType: string(req.Subtype), Error: err.Error()}
		}
		return schema.QueryResponse{Code: 0, QueryType: string(req.Subtype), Data: status}
	default:
		return schema.QueryResponse{Code: -1, QueryType: string(req.Subtype), Error: errs.BadRequest("unknown query subtype").Error()}
	}
}

func (g *Gateway) recordOrder(ctx context.Context, v schema.Venue, symbol, side, orderType string, accepted bool) {
	if g.ordersCounter == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	g.ordersCounter.Add(ctx, 1, metric.WithAttributes(
		append(telemetry.OrderAttributes(telemetry.Environment(), string(v), symbol, side, orderType),
			telemetry.AttrResult.String(result))...))
}

func reportFromErr(strategyID, clientOrderID string, err error) schema.OrderReport {
	return schema.OrderReport{
		StrategyID: strategyID, ClientOrderID: clientOrderID,
		Status: schema.OrderStatusRejected, ErrorMsg: err.Error(), SubmittedAt: time.Now(),
	}
}

func rejectedReport(strategyID, clientOrderID string, err error) schema.OrderReport {
	return reportFromErr(strategyID, clientOrderID, err)
}
