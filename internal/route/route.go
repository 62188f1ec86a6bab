// Package route defines the Route descriptor venue clients, the
// subscription manager, and the market fan-out speak, keyed by the
// canonical schema.RouteType vocabulary rather than any venue-native
// channel name.
package route

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ledgerline/tradecore/internal/schema"
)

// RestFn configures a REST polling routine a venue client runs to
// satisfy a route that has no push-based WS equivalent (e.g. instrument
// refresh).
type RestFn struct {
	Name     string
	Endpoint string
}

// FilterRule narrows a route to a subset of symbols or fields. The
// venue client applies filters when deciding which native channels to
// actually subscribe to.
type FilterRule struct {
	Field string
	Op    string
	Value any
}

// Route captures one canonical subscription a strategy (or the core
// itself, for C3/C4 seeding) has asked a venue client to maintain.
type Route struct {
	Provider string
	Type     schema.RouteType
	WSTopics []string
	RestFns  []RestFn
	Filters  []FilterRule
}

// EqualRoutes reports whether two routes describe the same
// provider/type/topics/rest-fns/filters, used by the subscription
// manager to detect no-op Activate calls.
func EqualRoutes(a, b Route) bool {
	if !strings.EqualFold(a.Provider, b.Provider) {
		return false
	}
	if schema.NormalizeRouteType(a.Type) != schema.NormalizeRouteType(b.Type) {
		return false
	}
	if !equalStrings(a.WSTopics, b.WSTopics) {
		return false
	}
	if !equalRestFns(a.RestFns, b.RestFns) {
		return false
	}
	if !equalFilters(a.Filters, b.Filters) {
		return false
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalRestFns(a, b []RestFn) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalFilters(a, b []FilterRule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Field != b[i].Field || a[i].Op != b[i].Op || fmt.Sprint(a[i].Value) != fmt.Sprint(b[i].Value) {
			return false
		}
	}
	return true
}

// Symbols extracts the "symbol in [...]" filter values from a route,
// the common case venue clients use to decide which instruments to
// subscribe to for a given route type.
func (r Route) Symbols() []string {
	for _, f := range r.Filters {
		if !strings.EqualFold(f.Field, "symbol") {
			continue
		}
		switch v := f.Value.(type) {
		case []string:
			out := append([]string(nil), v...)
			sort.Strings(out)
			return out
		case string:
			return []string{v}
		}
	}
	return nil
}
