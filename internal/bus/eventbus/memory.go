package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/tradecore/internal/errs"
	"github.com/ledgerline/tradecore/internal/schema"
)

// MemoryBus is an in-memory, topic-keyed implementation of Bus.
type MemoryBus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[string]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryBlockedCounter metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *schema.Event
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish fans evt out to every subscriber of topic. Route-first: counts
// subscribers before cloning, short-circuits when there are none.
func (b *MemoryBus) Publish(ctx context.Context, topic string, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if topic == "" {
		return errs.New("", errs.Local, errs.WithMessage("eventbus publish: topic required"))
	}

	start := time.Now()
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
				attribute.String("topic", topic),
				attribute.String("event_type", string(evt.Type))))
		}
	}()

	b.mu.RLock()
	subMap := b.subscribers[topic]
	n := len(subMap)
	subs := make([]*subscriber, 0, n)
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(n), metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("event_type", string(evt.Type))))
	}

	if n == 0 {
		return nil
	}

	workerLimit := b.cfg.FanoutWorkers
	p := concpool.New().WithMaxGoroutines(workerLimit)
	for i, sub := range subs {
		clone := evt
		if i > 0 {
			clone = evt.Clone()
		}
		s := sub
		c := clone
		p.Go(func() { b.deliver(ctx, topic, s, c) })
	}
	p.Wait()

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("event_type", string(evt.Type))))
	}
	return nil
}

// deliver sends evt to sub's channel, dropping the oldest buffered
// event and retrying once if the buffer is full rather than blocking
// the fan-out indefinitely on one slow subscriber.
func (b *MemoryBus) deliver(ctx context.Context, topic string, sub *subscriber, evt *schema.Event) {
	select {
	case <-b.ctx.Done():
		return
	case <-ctx.Done():
		return
	case <-sub.ctx.Done():
		return
	case sub.ch <- evt:
		return
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	log.Printf("eventbus: subscriber buffer full on topic=%s; dropped oldest event type=%s symbol=%s", topic, evt.Type, evt.Symbol)
	if b.deliveryBlockedCounter != nil {
		b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("event_type", string(evt.Type))))
	}
	select {
	case sub.ch <- evt:
	default:
	}
}

// Subscribe registers for topic and returns a subscription ID and channel.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (SubscriptionID, <-chan *schema.Event, error) {
	if topic == "" {
		return "", nil, errs.New("", errs.Local, errs.WithMessage("eventbus subscribe: topic required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)

	sub := &subscriber{
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan *schema.Event, b.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	}
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for topic, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(attribute.String("topic", topic)))
			}
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and every subscription.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		defer b.mu.Unlock()
		for topic, subs := range b.subscribers {
			for id, sub := range subs {
				sub.close()
				delete(subs, id)
			}
			delete(b.subscribers, topic)
		}
	})
}

var _ Bus = (*MemoryBus)(nil)
