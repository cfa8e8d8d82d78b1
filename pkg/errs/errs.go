// Package errs defines the sentinel error kinds shared across the cache
// fabric and the middleware pipeline, so callers can branch on error
// class with errors.Is/errors.As instead of string matching.
//
// Grounded on the teacher's ad hoc fmt.Errorf/errors.New scattered across
// cache-manager and invalidation; this package centralizes that into the
// single sentinel-error idiom the rest of the pack (llmux's pkg/errors)
// also follows.
package errs

import "errors"

var (
	// ErrValidation marks a request that failed input validation.
	ErrValidation = errors.New("cachefabric: validation failed")
	// ErrTierUnavailable marks a tier operation that could not reach its backend.
	ErrTierUnavailable = errors.New("cachefabric: tier unavailable")
	// ErrSerialization marks a failure encoding or decoding a cache value.
	ErrSerialization = errors.New("cachefabric: serialization failed")
	// ErrPolicyDenied marks a request rejected by an authorization policy.
	ErrPolicyDenied = errors.New("cachefabric: policy denied")
	// ErrMiddlewarePanic marks a middleware that panicked during execution.
	ErrMiddlewarePanic = errors.New("cachefabric: middleware panicked")
	// ErrShuttingDown marks a request rejected because the service is
	// draining in-flight work before shutdown.
	ErrShuttingDown = errors.New("cachefabric: shutting down")
	// ErrRateLimited marks a request rejected by the rate limiter.
	ErrRateLimited = errors.New("cachefabric: rate limited")
	// ErrUnauthenticated marks a request missing valid credentials.
	ErrUnauthenticated = errors.New("cachefabric: unauthenticated")
	// ErrForbidden marks an authenticated request lacking permission.
	ErrForbidden = errors.New("cachefabric: forbidden")
)

// Kind classifies an error for structured logging and metrics labeling.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindTierUnavailable Kind = "tier_unavailable"
	KindSerialization   Kind = "serialization"
	KindPolicyDenied    Kind = "policy_denied"
	KindMiddlewarePanic Kind = "middleware_panic"
	KindShuttingDown    Kind = "shutting_down"
	KindRateLimited     Kind = "rate_limited"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindUnknown         Kind = "unknown"
)

// Classify maps an error to its Kind via errors.Is, falling back to
// KindUnknown for errors this package doesn't define.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTierUnavailable):
		return KindTierUnavailable
	case errors.Is(err, ErrSerialization):
		return KindSerialization
	case errors.Is(err, ErrPolicyDenied):
		return KindPolicyDenied
	case errors.Is(err, ErrMiddlewarePanic):
		return KindMiddlewarePanic
	case errors.Is(err, ErrShuttingDown):
		return KindShuttingDown
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindUnknown
	}
}
