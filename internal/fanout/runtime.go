// Package fanout implements the market fan-out (C2): it drains the
// normalized event stream each venue client publishes, dedups private
// order-update replays, stamps a steady-clock timestamp, and republishes
// onto the venue-scoped, unified and kline-closed bus topics.
package fanout

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/tradecore/internal/bus/eventbus"
	"github.com/ledgerline/tradecore/internal/schema"
	"github.com/ledgerline/tradecore/internal/telemetry"
)

// TopicUnified carries every market event regardless of venue.
const TopicUnified = "market-unified"

// TopicKlineClosed carries only closed bars, for C3/C4 consumption: the
// venues' closed 1m bars, plus the higher-interval bars the aggregator
// republishes onto it.
const TopicKlineClosed = "kline-closed"

// TopicForVenue returns the per-venue market topic name.
func TopicForVenue(v schema.Venue) string {
	switch v {
	case schema.VenueOKX:
		return "market-okx"
	case schema.VenueBinance:
		return "market-binance"
	default:
		return "market-" + string(v)
	}
}

// Runtime drains one venue client's event channel and republishes onto
// the bus. One Runtime per venue.Instance.
type Runtime struct {
	bus   eventbus.Bus
	venue schema.Venue
	clock func() time.Time

	dedupe         map[string]time.Time
	dedupeWindow   time.Duration
	dedupeCapacity int

	eventsIngestedCounter  metric.Int64Counter
	eventsDroppedCounter   metric.Int64Counter
	eventsDuplicateCounter metric.Int64Counter
	processingDuration     metric.Float64Histogram
}

// NewRuntime constructs a fan-out runtime for one venue.
func NewRuntime(bus eventbus.Bus, v schema.Venue) *Runtime {
	r := &Runtime{
		bus:            bus,
		venue:          v,
		clock:          time.Now,
		dedupe:         make(map[string]time.Time, 1024),
		dedupeWindow:   5 * time.Minute,
		dedupeCapacity: 8192,
	}

	meter := otel.Meter("fanout")
	r.eventsIngestedCounter, _ = meter.Int64Counter("fanout.events.ingested",
		metric.WithDescription("Number of venue events ingested by the fan-out"),
		metric.WithUnit("{event}"))
	r.eventsDroppedCounter, _ = meter.Int64Counter("fanout.events.dropped",
		metric.WithDescription("Number of events dropped by the fan-out"),
		metric.WithUnit("{event}"))
	r.eventsDuplicateCounter, _ = meter.Int64Counter("fanout.events.duplicate",
		metric.WithDescription("Number of duplicate private frames suppressed"),
		metric.WithUnit("{event}"))
	r.processingDuration, _ = meter.Float64Histogram("fanout.processing.duration",
		metric.WithDescription("Per-event fan-out normalization+publish latency"),
		metric.WithUnit("ms"))

	return r
}

// Start consumes events until ctx is cancelled or the channel closes.
// Errors from Publish are reported on the returned channel; Start never
// blocks the caller.
func (r *Runtime) Start(ctx context.Context, events <-chan *schema.Event) <-chan error {
	errCh := make(chan error, 4)
	go r.run(ctx, events, errCh)
	return errCh
}

func (r *Runtime) run(ctx context.Context, events <-chan *schema.Event, errCh chan<- error) {
	defer close(errCh)
	venueTopic := TopicForVenue(r.venue)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt == nil {
				continue
			}
			start := r.clock()

			if r.eventsIngestedCounter != nil {
				r.eventsIngestedCounter.Add(ctx, 1, metric.WithAttributes(
					telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), string(evt.Venue), evt.Symbol)...))
			}

			if evt.TimestampNs == 0 {
				evt.TimestampNs = r.clock().UnixNano()
			}

			if key := dedupeKey(evt); key != "" && !r.markSeen(key) {
				if r.eventsDuplicateCounter != nil {
					r.eventsDuplicateCounter.Add(ctx, 1, metric.WithAttributes(
						telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), string(evt.Venue), evt.Symbol)...))
				}
				continue
			}

			r.publish(ctx, venueTopic, evt, errCh)

			if r.processingDuration != nil {
				r.processingDuration.Record(ctx, float64(r.clock().Sub(start).Microseconds())/1000, metric.WithAttributes(
					telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), string(evt.Venue), evt.Symbol)...))
			}
		}
	}
}

// publish fans one event out to its venue topic, the unified topic and,
// for a closed kline, the kline-closed side-channel. An in-progress bar
// (Closed == false) only reaches market-unified and its venue topic; it
// is never archived or aggregated.
func (r *Runtime) publish(ctx context.Context, venueTopic string, evt *schema.Event, errCh chan<- error) {
	if err := r.bus.Publish(ctx, venueTopic, evt); err != nil {
		r.reportDrop(ctx, evt, errCh, err)
	}
	if err := r.bus.Publish(ctx, TopicUnified, evt); err != nil {
		r.reportDrop(ctx, evt, errCh, err)
	}

	if evt.Type != schema.EventTypeKline {
		return
	}
	kline, ok := evt.Payload.(schema.KlinePayload)
	if !ok || !kline.Closed {
		return
	}
	if err := r.bus.Publish(ctx, TopicKlineClosed, evt); err != nil {
		r.reportDrop(ctx, evt, errCh, err)
	}
}

func (r *Runtime) reportDrop(ctx context.Context, evt *schema.Event, errCh chan<- error, err error) {
	if r.eventsDroppedCounter != nil {
		r.eventsDroppedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), string(evt.Venue), evt.Symbol)...))
	}
	select {
	case errCh <- err:
	default:
	}
}

// dedupeKey builds the (venue, exchange_order_id, state) key used to
// suppress duplicate execution-report deliveries after a reconnect
// replay. Non-private event types are never deduped.
func dedupeKey(evt *schema.Event) string {
	if evt.Type != schema.EventTypeExecReport {
		return ""
	}
	report, ok := evt.Payload.(schema.ExecReportPayload)
	if !ok || report.ExchangeOrderID == "" {
		return ""
	}
	return string(evt.Venue) + "|" + report.ExchangeOrderID + "|" + string(report.State)
}

func (r *Runtime) markSeen(key string) bool {
	now := r.clock().UTC()
	if ts, ok := r.dedupe[key]; ok && now.Sub(ts) < r.dedupeWindow {
		return false
	}
	r.dedupe[key] = now
	if len(r.dedupe) > r.dedupeCapacity {
		r.gcDedupe(now)
	}
	return true
}

func (r *Runtime) gcDedupe(now time.Time) {
	threshold := now.Add(-r.dedupeWindow)
	for key, ts := range r.dedupe {
		if ts.Before(threshold) {
			delete(r.dedupe, key)
		}
	}
}
