package shared

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
)

// ReconnectPolicy returns the exponential backoff policy used for venue
// reconnects: base 2s, cap 30s, jittered. backoff.Retry draws a fresh
// jittered interval from it before each new attempt.
func ReconnectPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	return b
}

// DegradedBreaker trips after N consecutive reconnect failures and
// reports every state change through onDegraded (true when the breaker
// opens). The venue clients use it to move to StateDegraded; no event is
// published on the bus. While open, attempts fail fast until the 30s
// timeout lets one probe through.
func DegradedBreaker(name string, consecutiveFailures uint32, onDegraded func(tripped bool)) *gobreaker.CircuitBreaker[struct{}] {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			if onDegraded == nil {
				return
			}
			onDegraded(to == gobreaker.StateOpen)
		},
	}
	return gobreaker.NewCircuitBreaker[struct{}](settings)
}

// RunReconnectLoop retries connect on the ReconnectPolicy schedule until
// connect returns nil or backoff.Retry stops (for example when ctx is
// cancelled). Every attempt goes through the circuit breaker; while it is
// open an attempt fails fast with gobreaker.ErrOpenState and is retried
// like any other failure.
func RunReconnectLoop(ctx context.Context, breaker *gobreaker.CircuitBreaker[struct{}], connect func(ctx context.Context) error) error {
	operation := func() (struct{}, error) {
		_, err := breaker.Execute(func() (struct{}, error) {
			return struct{}{}, connect(ctx)
		})
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(ReconnectPolicy()))
	return err
}
