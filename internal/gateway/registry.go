// Package gateway implements the order gateway (C6): a multi-tenant
// strategy→venue→credential registry and the order/query/subscribe
// dispatch that routes control messages to the bound venue.Instance.
package gateway

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ledgerline/tradecore/internal/errs"
	"github.com/ledgerline/tradecore/internal/gateway/accountstore"
	"github.com/ledgerline/tradecore/internal/schema"
	"github.com/ledgerline/tradecore/internal/venue"
)

// Registration binds one strategy to one venue.Instance, or — when
// StrategyID is empty — names the venue's default fallback account.
type Registration struct {
	StrategyID string
	Venue      schema.Venue
	Client     venue.Instance
	Default    bool
	BoundAt    time.Time
}

// Registry is the reader-preferring strategy→venue→credential
// resolution table every order/query/subscribe path reads. Mutated
// only by Register/Unregister; read on every request.
type Registry struct {
	mu       sync.RWMutex
	byVenue  map[schema.Venue]map[string]*Registration // strategyID -> registration
	defaults map[schema.Venue]*Registration

	store *accountstore.Store
}

// NewRegistry constructs an empty registry. A nil store runs the
// registry in memory-only mode: registrations do not survive restart.
func NewRegistry(store *accountstore.Store) *Registry {
	return &Registry{
		byVenue:  make(map[schema.Venue]map[string]*Registration),
		defaults: make(map[schema.Venue]*Registration),
		store:    store,
	}
}

// Register binds strategyID to client on venue. An empty strategyID
// registers (or replaces) that venue's default fallback account. The
// binding is persisted to the account store before it becomes visible
// to readers, so a crash between the two never loses a registration
// a caller believes succeeded.
func (r *Registry) Register(ctx context.Context, strategyID string, v schema.Venue, client venue.Instance) error {
	boundAt := time.Now()
	if r.store != nil {
		if err := r.store.Save(ctx, accountstore.Record{
			Venue: string(v), StrategyID: strategyID, Default: strategyID == "", BoundAt: boundAt,
		}); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &Registration{StrategyID: strategyID, Venue: v, Client: client, BoundAt: boundAt}
	if strategyID == "" {
		reg.Default = true
		r.defaults[v] = reg
		return nil
	}
	if _, ok := r.byVenue[v]; !ok {
		r.byVenue[v] = make(map[string]*Registration)
	}
	r.byVenue[v][strategyID] = reg
	return nil
}

// Unregister removes a strategy's binding on venue. An empty
// strategyID clears that venue's default account.
func (r *Registry) Unregister(ctx context.Context, strategyID string, v schema.Venue) error {
	if r.store != nil {
		if err := r.store.Delete(ctx, string(v), strategyID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if strategyID == "" {
		delete(r.defaults, v)
		return nil
	}
	if m, ok := r.byVenue[v]; ok {
		delete(m, strategyID)
	}
	return nil
}

// Bootstrap reloads every persisted registration and rebinds it to a
// live venue.Instance via resolveClient(venue). Registrations whose
// venue resolveClient cannot serve (credential removed from config) are
// logged and skipped rather than aborting the whole bootstrap.
func (r *Registry) Bootstrap(ctx context.Context, resolveClient func(schema.Venue) (venue.Instance, bool)) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		v := schema.Venue(rec.Venue)
		client, ok := resolveClient(v)
		if !ok {
			log.Printf("gateway: skipping persisted registration for strategy %q on %s: no configured credential", rec.StrategyID, v)
			continue
		}
		reg := &Registration{StrategyID: rec.StrategyID, Venue: v, Client: client, Default: rec.Default, BoundAt: rec.BoundAt}
		if rec.StrategyID == "" {
			r.defaults[v] = reg
			continue
		}
		if _, ok := r.byVenue[v]; !ok {
			r.byVenue[v] = make(map[string]*Registration)
		}
		r.byVenue[v][rec.StrategyID] = reg
	}
	return nil
}

// Resolve implements the routing rule: a strategy-specific binding
// wins; absent that, the venue's default account is used (the caller
// is expected to log the fallback); absent both, NoAccountBound.
func (r *Registry) Resolve(strategyID string, v schema.Venue) (venue.Instance, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.byVenue[v]; ok {
		if reg, ok := m[strategyID]; ok {
			return reg.Client, false, nil
		}
	}
	if reg, ok := r.defaults[v]; ok {
		return reg.Client, true, nil
	}
	return nil, false, errs.NoAccountBound(strategyID, string(v))
}

// List returns every registration across every venue, sorted for
// deterministic query responses.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0)
	for _, m := range r.byVenue {
		for _, reg := range m {
			out = append(out, *reg)
		}
	}
	for _, reg := range r.defaults {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}
