// Package eventbus implements the in-memory publish/subscribe fabric the
// market fan-out uses to deliver normalized events onto the
// market-okx/market-binance/market-unified/kline-closed topics.
package eventbus

import (
	"context"

	"github.com/ledgerline/tradecore/internal/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers canonical events to interested subscribers on a named
// topic. A topic is an opaque string — the fan-out's channel names
// (market-okx, market-binance, market-unified, kline-closed); the bus
// itself has no opinion on topic naming.
type Bus interface {
	Publish(ctx context.Context, topic string, evt *schema.Event) error
	Subscribe(ctx context.Context, topic string) (SubscriptionID, <-chan *schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// Config configures the in-memory bus buffers and fan-out concurrency.
type Config struct {
	BufferSize    int
	FanoutWorkers int
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
