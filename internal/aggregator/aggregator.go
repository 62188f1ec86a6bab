// Package aggregator implements the bar aggregator (C3): it rolls
// closed 1m bars into 5m/15m/30m/1h/4h/8h bars under a strict
// completeness rule — a higher-interval bucket is only ever emitted
// when every constituent 1m bar was observed; a bucket with any
// missing 1m bar is discarded silently rather than emitted partial.
// Hole repair belongs to the gap-repair batch job (C5), not here.
package aggregator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/tradecore/internal/bus/eventbus"
	"github.com/ledgerline/tradecore/internal/schema"
	"github.com/ledgerline/tradecore/internal/telemetry"
)

// targetMultipliers maps a target interval to its count of constituent
// 1m bars.
var targetMultipliers = map[string]int64{
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"1h":  60,
	"4h":  240,
	"8h":  480,
}

// TargetIntervals lists every interval the aggregator rolls up to, in
// a fixed order used when seeding a fresh (venue, symbol) worker.
var TargetIntervals = []string{"5m", "15m", "30m", "1h", "4h", "8h"}

func targetMs(interval string) int64 {
	return targetMultipliers[interval] * 60_000
}

// state tracks one (venue, symbol, target interval) in-progress bucket.
// Never shared across goroutines: each (venue, symbol) pair owns a
// private map of these, mutated only by its own worker goroutine.
type state struct {
	periodStart int64
	open        float64
	high        float64
	low         float64
	close       float64
	volume      float64
	count       int64
}

func (s *state) seed(bar schema.KlinePayload, periodStart int64) {
	s.periodStart = periodStart
	s.open = bar.Open
	s.high = bar.High
	s.low = bar.Low
	s.close = bar.Close
	s.volume = bar.Volume
	s.count = 1
}

func (s *state) fold(bar schema.KlinePayload) {
	if bar.High > s.high {
		s.high = bar.High
	}
	if bar.Low < s.low {
		s.low = bar.Low
	}
	s.close = bar.Close
	s.volume += bar.Volume
	s.count++
}

func (s *state) complete(target string) bool {
	return s.count == targetMultipliers[target]
}

// worker owns every target-interval bucket for one (venue, symbol).
type worker struct {
	venue  schema.Venue
	symbol string
	states map[string]*state

	clock func() time.Time

	emittedCounter   metric.Int64Counter
	discardedCounter metric.Int64Counter
}

func newWorker(venue schema.Venue, symbol string, emitted, discarded metric.Int64Counter) *worker {
	states := make(map[string]*state, len(TargetIntervals))
	for _, interval := range TargetIntervals {
		states[interval] = &state{}
	}
	return &worker{
		venue:            venue,
		symbol:           symbol,
		states:           states,
		clock:            time.Now,
		emittedCounter:   emitted,
		discardedCounter: discarded,
	}
}

func (w *worker) recordEmit(ctx context.Context, interval string) {
	if w.emittedCounter != nil {
		w.emittedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.BarAttributes(telemetry.Environment(), string(w.venue), w.symbol, interval)...))
	}
}

func (w *worker) recordDiscard(ctx context.Context, interval string) {
	if w.discardedCounter != nil {
		w.discardedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.BarAttributes(telemetry.Environment(), string(w.venue), w.symbol, interval)...))
	}
}

// Aggregator subscribes to the kline-closed topic and republishes
// completed higher-interval bars back onto it, distinguished by the
// Interval field on the envelope.
type Aggregator struct {
	bus     eventbus.Bus
	workers map[schema.Venue]map[string]*worker

	emittedCounter   metric.Int64Counter
	discardedCounter metric.Int64Counter
}

// New constructs an Aggregator bound to bus. Call Run to start
// consuming.
func New(bus eventbus.Bus) *Aggregator {
	meter := otel.Meter("aggregator")
	emitted, _ := meter.Int64Counter("aggregator.bars.emitted",
		metric.WithDescription("Completed higher-interval bars emitted"),
		metric.WithUnit("{bar}"))
	discarded, _ := meter.Int64Counter("aggregator.bars.discarded",
		metric.WithDescription("Incomplete higher-interval buckets discarded under strict completeness"),
		metric.WithUnit("{bar}"))
	return &Aggregator{
		bus:              bus,
		workers:          make(map[schema.Venue]map[string]*worker),
		emittedCounter:   emitted,
		discardedCounter: discarded,
	}
}

// Run subscribes to kline-closed and processes bars until ctx is
// cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	id, ch, err := a.bus.Subscribe(ctx, "kline-closed")
	if err != nil {
		return err
	}
	defer a.bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			a.handle(ctx, evt)
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, evt *schema.Event) {
	if evt == nil || evt.Type != schema.EventTypeKline || evt.Interval != "1m" {
		return
	}
	bar, ok := evt.Payload.(schema.KlinePayload)
	if !ok || !bar.Closed {
		return
	}

	bySymbol, ok := a.workers[evt.Venue]
	if !ok {
		bySymbol = make(map[string]*worker)
		a.workers[evt.Venue] = bySymbol
	}
	w, ok := bySymbol[evt.Symbol]
	if !ok {
		w = newWorker(evt.Venue, evt.Symbol, a.emittedCounter, a.discardedCounter)
		bySymbol[evt.Symbol] = w
	}

	a.ingestAndPublish(ctx, w, bar)
}

// ingestAndPublish folds bar through every target bucket owned by w,
// publishing a closed schema.Event for each bucket that completes.
func (a *Aggregator) ingestAndPublish(ctx context.Context, w *worker, bar schema.KlinePayload) {
	for _, interval := range TargetIntervals {
		s := w.states[interval]
		tMs := targetMs(interval)
		periodStart := (bar.OpenTimeMs / tMs) * tMs

		switch {
		case s.count == 0:
			s.seed(bar, periodStart)
		case periodStart == s.periodStart:
			s.fold(bar)
		default:
			if s.complete(interval) {
				completed := schema.KlinePayload{
					Open: s.open, High: s.high, Low: s.low, Close: s.close,
					Volume: s.volume, Closed: true, OpenTimeMs: s.periodStart,
				}
				w.recordEmit(ctx, interval)
				a.publish(ctx, w.venue, w.symbol, interval, completed)
			} else {
				w.recordDiscard(ctx, interval)
			}
			s.seed(bar, periodStart)
		}
	}
}

func (a *Aggregator) publish(ctx context.Context, venue schema.Venue, symbol, interval string, bar schema.KlinePayload) {
	evt := &schema.Event{
		Venue:       venue,
		Symbol:      symbol,
		Interval:    interval,
		Type:        schema.EventTypeKline,
		TimestampMs: bar.OpenTimeMs,
		TimestampNs: time.Now().UnixNano(),
		Payload:     bar,
	}
	_ = a.bus.Publish(ctx, "kline-closed", evt)
}
