package shared

import (
	"context"
	"testing"
	"time"
)

func TestNewRestPacerDefaultsNonPositiveBase(t *testing.T) {
	p := NewRestPacer(0)
	if p.Current() != 100*time.Millisecond {
		t.Errorf("expected default base 100ms, got %v", p.Current())
	}
}

func TestReportRateLimitedDoublesSpacingUpToCap(t *testing.T) {
	p := NewRestPacer(2 * time.Second)
	p.ReportRateLimited()
	if p.Current() != 4*time.Second {
		t.Fatalf("expected spacing doubled to 4s, got %v", p.Current())
	}
	p.ReportRateLimited() // 8s, clamps to the 5s cap
	if p.Current() != 5*time.Second {
		t.Errorf("expected spacing clamped to the 5s cap, got %v", p.Current())
	}
}

func TestResetRestoresBaseSpacing(t *testing.T) {
	p := NewRestPacer(time.Second)
	p.ReportRateLimited()
	p.Reset()
	if p.Current() != time.Second {
		t.Errorf("expected Reset to restore the base spacing, got %v", p.Current())
	}
}

func TestWaitReturnsWhenContextCancelled(t *testing.T) {
	p := NewRestPacer(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("expected Wait to return an error for an already-cancelled context")
	}
}
