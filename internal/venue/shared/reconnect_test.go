package shared

import (
	"context"
	"errors"
	"testing"
)

func TestDegradedBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	var tripped []bool
	breaker := DegradedBreaker("okx-ws", 3, func(isOpen bool) {
		tripped = append(tripped, isOpen)
	})

	failing := func() (struct{}, error) { return struct{}{}, errors.New("dial failed") }
	for i := 0; i < 3; i++ {
		_, _ = breaker.Execute(failing)
	}

	if len(tripped) == 0 || !tripped[len(tripped)-1] {
		t.Fatalf("expected the breaker to report tripped=true after 3 consecutive failures, got %v", tripped)
	}
}

func TestRunReconnectLoopSucceedsOnFirstAttempt(t *testing.T) {
	breaker := DegradedBreaker("binance-ws", 5, nil)
	calls := 0
	err := RunReconnectLoop(context.Background(), breaker, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error on an immediately successful connect, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one connect attempt, got %d", calls)
	}
}

func TestRunReconnectLoopReturnsOnContextCancellation(t *testing.T) {
	breaker := DegradedBreaker("okx-ws", 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunReconnectLoop(ctx, breaker, func(ctx context.Context) error {
		return errors.New("dial failed")
	})
	if err == nil {
		t.Fatal("expected RunReconnectLoop to return an error for a cancelled context")
	}
}
