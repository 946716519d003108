// Package rerrors defines the typed error kinds that flow out of the
// routing and dispatch core. The dispatchers in internal/dispatch, the
// admission limiter in internal/ratelimit, and the handlers in
// internal/httpapi return or raise these instead of an ad-hoc error, so the
// HTTP layer can map each to a fixed status code without inspecting
// strings.
package rerrors

import "fmt"

// Kind identifies one of the error categories the core can surface.
type Kind string

const (
	// NoAvailableWorkers means every worker for a model is unhealthy or
	// circuit-open. Maps to HTTP 503.
	NoAvailableWorkers Kind = "no_available_workers"

	// PolicySelectionFailed means a policy returned no choice despite the
	// registry reporting available workers. This is a bug in the policy,
	// not a capacity problem; it still degrades to 503 after falling back
	// to the first available worker. Maps to HTTP 503.
	PolicySelectionFailed Kind = "policy_selection_failed"

	// UpstreamNetworkError means the outbound request to a worker failed
	// before a response was received (dial/timeout/connection reset).
	// Maps to HTTP 502 once retries are exhausted.
	UpstreamNetworkError Kind = "upstream_network_error"

	// UpstreamServerError means a worker answered with a 5xx that was not
	// passed through to the client. Maps to HTTP 502; the worker's own
	// status code is not carried.
	UpstreamServerError Kind = "upstream_server_error"

	// UpstreamClientError means a worker answered with a 4xx that was not
	// passed through to the client; it is never counted against the
	// worker's circuit breaker. Maps to HTTP 400; the worker's own status
	// code is not carried.
	UpstreamClientError Kind = "upstream_client_error"

	// BadRequest covers invalid JSON, an invalid "@rank" suffix, or an
	// outbound request that cannot be built. Maps to 400.
	BadRequest Kind = "bad_request"

	// RateLimited means the request was rejected by the admission limiter
	// because its queue wait exceeded queue_timeout_secs. Maps to 429.
	RateLimited Kind = "rate_limited"

	// QueueFull means the admission queue was at capacity and rejected
	// the request outright. Maps to 503.
	QueueFull Kind = "queue_full"
)

// Error is a typed error carrying one of the Kind values above plus the
// underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/kind with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error for op/kind wrapping err.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var rerr *Error
	if err == nil {
		return "", false
	}
	if asError(err, &rerr) {
		return rerr.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
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
