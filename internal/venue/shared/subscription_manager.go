// Package shared provides utilities common to the OKX and Binance venue
// clients: incremental subscription-state management and instrument
// symbol-set diffing.
package shared

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ledgerline/tradecore/internal/route"
	"github.com/ledgerline/tradecore/internal/schema"
)

// RouteSubscriber is the subset of a venue client's capability surface
// needed to drive subscription deltas.
type RouteSubscriber interface {
	SubscribeRoute(r route.Route) error
	UnsubscribeRoute(r route.Route) error
}

// SubscriptionManager tracks the set of routes currently active against
// a venue client and issues the minimal subscribe/unsubscribe delta
// needed to reach a newly requested route set, so a client reconnect
// can replay the full active set verbatim on reconnect.
type SubscriptionManager struct {
	mu         sync.Mutex
	active     map[routeKey]route.Route
	subscriber RouteSubscriber
}

// NewSubscriptionManager constructs a manager bound to a subscriber.
func NewSubscriptionManager(subscriber RouteSubscriber) *SubscriptionManager {
	return &SubscriptionManager{
		active:     make(map[routeKey]route.Route),
		subscriber: subscriber,
	}
}

// Activate registers r, issuing only the incremental subscribe/unsubscribe
// calls needed versus the currently active route of the same type.
func (m *SubscriptionManager) Activate(r route.Route) error {
	key := makeRouteKey(r)

	m.mu.Lock()
	existing, ok := m.active[key]
	m.mu.Unlock()

	if ok && route.EqualRoutes(existing, r) {
		return nil
	}

	if !ok {
		if m.subscriber != nil {
			if err := m.subscriber.SubscribeRoute(r); err != nil {
				return fmt.Errorf("subscribe route: %w", err)
			}
		}
		m.mu.Lock()
		m.active[key] = r
		m.mu.Unlock()
		return nil
	}

	additions := diffSymbols(r.Symbols(), existing.Symbols())
	removals := diffSymbols(existing.Symbols(), r.Symbols())

	if len(removals) > 0 && m.subscriber != nil {
		if err := m.subscriber.UnsubscribeRoute(withSymbols(existing, removals)); err != nil {
			return fmt.Errorf("unsubscribe route: %w", err)
		}
	}
	if len(additions) > 0 && m.subscriber != nil {
		if err := m.subscriber.SubscribeRoute(withSymbols(r, additions)); err != nil {
			return fmt.Errorf("subscribe route: %w", err)
		}
	}

	m.mu.Lock()
	m.active[key] = r
	m.mu.Unlock()
	return nil
}

// Deactivate removes r from the active set and unsubscribes it.
func (m *SubscriptionManager) Deactivate(r route.Route) error {
	key := makeRouteKey(r)

	m.mu.Lock()
	existing, ok := m.active[key]
	if ok {
		delete(m.active, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if m.subscriber != nil {
		if err := m.subscriber.UnsubscribeRoute(existing); err != nil {
			return fmt.Errorf("unsubscribe route: %w", err)
		}
	}
	return nil
}

// Snapshot returns the currently active routes, sorted for deterministic
// replay order on reconnect.
func (m *SubscriptionManager) Snapshot() []route.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) == 0 {
		return nil
	}
	routes := make([]route.Route, 0, len(m.active))
	for _, r := range m.active {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool {
		return string(routes[i].Type) < string(routes[j].Type)
	})
	return routes
}

type routeKey struct {
	provider string
	typ      schema.RouteType
}

func makeRouteKey(r route.Route) routeKey {
	return routeKey{
		provider: strings.ToLower(strings.TrimSpace(r.Provider)),
		typ:      schema.NormalizeRouteType(r.Type),
	}
}

func diffSymbols(target, reference []string) []string {
	if len(target) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(reference))
	for _, s := range reference {
		seen[s] = struct{}{}
	}
	var out []string
	for _, s := range target {
		if _, ok := seen[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func withSymbols(base route.Route, symbols []string) route.Route {
	out := base
	filters := make([]route.FilterRule, 0, len(base.Filters))
	for _, f := range base.Filters {
		if strings.EqualFold(f.Field, "symbol") {
			continue
		}
		filters = append(filters, f)
	}
	filters = append(filters, route.FilterRule{Field: "symbol", Op: "in", Value: symbols})
	out.Filters = filters
	return out
}
