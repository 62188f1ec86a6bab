package shared

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RestPacer enforces a minimum REST call spacing, configurable per venue,
// and doubles that spacing (capped at 5s) on each rate-limit reply. The
// widened spacing stays in effect until Reset is called; the pacer does
// not restore it on its own.
type RestPacer struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	base     time.Duration
	current  time.Duration
}

// NewRestPacer constructs a pacer with the given base spacing.
func NewRestPacer(base time.Duration) *RestPacer {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &RestPacer{
		limiter: rate.NewLimiter(rate.Every(base), 1),
		base:    base,
		current: base,
	}
}

// Wait blocks until the next call is permitted under the current pacing.
func (p *RestPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	limiter := p.limiter
	p.mu.Unlock()
	return limiter.Wait(ctx)
}

// ReportRateLimited doubles the current spacing, capped at 5s, after a
// venue rate-limit reply. The new spacing holds until Reset.
func (p *RestPacer) ReportRateLimited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.current * 2
	const cap = 5 * time.Second
	if next > cap {
		next = cap
	}
	p.current = next
	p.limiter.SetLimit(rate.Every(p.current))
}

// Reset restores the base spacing.
func (p *RestPacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = p.base
	p.limiter.SetLimit(rate.Every(p.base))
}

// Current reports the pacer's current spacing.
func (p *RestPacer) Current() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
