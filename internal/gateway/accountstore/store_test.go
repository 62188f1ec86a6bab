package accountstore

import (
	"context"
	"testing"
	"time"
)

// A nil pool puts Store in memory-only mode: every method must be a
// safe no-op so Registry can run without Postgres configured.
func TestStoreNilPoolIsNoop(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	if err := s.Save(ctx, Record{Venue: "okx", StrategyID: "strat-1", BoundAt: time.Now()}); err != nil {
		t.Fatalf("Save with nil pool should be a no-op, got %v", err)
	}
	if err := s.Delete(ctx, "okx", "strat-1"); err != nil {
		t.Fatalf("Delete with nil pool should be a no-op, got %v", err)
	}
	records, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll with nil pool should be a no-op, got %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records from a nil pool, got %v", records)
	}
}
