// Package errs provides the structured error taxonomy shared across the
// venue clients, fan-out, archive, gap repair and gateway components.
package errs

import (
	"strconv"
	"strings"
)

// Kind classifies a failure into one of the three categories the core
// distinguishes: errors that are retried locally, errors that must be
// surfaced to the caller, and errors that indicate a local bug or
// corrupted state.
type Kind string

const (
	// Transient errors are retried locally with bounded backoff: network
	// timeouts, 5xx responses, rate-limit replies, WebSocket disconnects.
	Transient Kind = "transient"
	// Permanent errors are surfaced to the caller as a rejected report:
	// authentication failure, validation error, insufficient funds,
	// unknown symbol.
	Permanent Kind = "permanent"
	// Local errors indicate a bug or corrupted state: JSON parse
	// failure, inconsistent aggregation state, registry lookup miss.
	// They are logged and skipped for the affected message or request
	// only; they never kill the owning stream.
	Local Kind = "local"
)

// CanonicalCode captures a venue-agnostic error category usable in
// errors.Is comparisons and report payloads.
type CanonicalCode string

const (
	CanonicalUnknown             CanonicalCode = "unknown"
	CanonicalNoAccountBound      CanonicalCode = "no_account_bound"
	CanonicalBadRequest          CanonicalCode = "bad_request"
	CanonicalRateLimited         CanonicalCode = "rate_limited"
	CanonicalAuth                CanonicalCode = "auth"
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	CanonicalInvalidSymbol       CanonicalCode = "invalid_symbol"
	CanonicalOrderNotFound       CanonicalCode = "order_not_found"
	CanonicalNetwork             CanonicalCode = "network"
	CanonicalWSDisconnect        CanonicalCode = "ws_disconnect"
	CanonicalAggregationState    CanonicalCode = "aggregation_state"
	CanonicalDecodeFailure       CanonicalCode = "decode_failure"
)

// E is the structured error envelope produced across the core.
type E struct {
	Venue     string
	Kind      Kind
	Canonical CanonicalCode
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope of the given kind for the given venue.
// venue may be empty for venue-agnostic failures (registry, aggregator).
func New(venue string, kind Kind, opts ...Option) *E {
	e := &E{
		Venue:     strings.TrimSpace(venue),
		Kind:      kind,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithCanonicalCode sets the canonical category of the failure.
func WithCanonicalCode(code CanonicalCode) Option {
	return func(e *E) {
		if strings.TrimSpace(string(code)) == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = code
	}
}

// WithHTTP records the associated HTTP status code, if any.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) { e.RawCode = trimmed }
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) { e.RawMsg = msg }
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "core"
	}
	parts = append(parts, "venue="+venue)
	parts = append(parts, "kind="+string(e.Kind))

	if cc := string(e.Canonical); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsKind reports whether err is an *E of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *E
	return asE(err, &e) && e.Kind == kind
}

// IsCanonical reports whether err is an *E carrying the given canonical code.
func IsCanonical(err error, code CanonicalCode) bool {
	var e *E
	return asE(err, &e) && e.Canonical == code
}

func asE(err error, target **E) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// NoAccountBound is returned by the gateway when no per-strategy or
// default credential exists for the requested venue.
func NoAccountBound(strategyID, venue string) *E {
	return New(venue, Permanent,
		WithCanonicalCode(CanonicalNoAccountBound),
		WithMessage("no account bound for strategy "+strconv.Quote(strategyID)))
}

// BadRequest is returned for a malformed control-message payload.
func BadRequest(msg string) *E {
	return New("", Permanent, WithCanonicalCode(CanonicalBadRequest), WithMessage(msg))
}
