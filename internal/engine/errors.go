package engine

import "errors"

// Sentinel errors returned by search executors. The orchestrator routes on
// these with errors.Is, so executors must wrap rather than replace them.
var (
	// ErrProductNotFound means the origin answered and the answer is "no such
	// product". It is the only error that may be cached negatively.
	ErrProductNotFound = errors.New("product not found")

	// ErrBlocked means the origin served an anti-bot challenge or an explicit
	// 403/429. Counts toward the origin circuit breaker.
	ErrBlocked = errors.New("blocked by origin")

	// ErrTimeout means a stage deadline expired before the origin answered.
	// Counts toward the origin circuit breaker.
	ErrTimeout = errors.New("stage timed out")

	// ErrParse means the origin answered with a page we could not interpret,
	// usually a markup change.
	ErrParse = errors.New("unparseable response")

	// ErrNetwork covers DNS, connect and TLS failures before any response.
	ErrNetwork = errors.New("network failure")

	// ErrBrowserCrash means the leased browser page died mid-navigation. The
	// lease must be released as failed so the pool destroys the page.
	ErrBrowserCrash = errors.New("browser page crashed")

	// ErrBudgetExhausted means the request ran out of wall-clock budget
	// before any stage produced a terminal answer.
	ErrBudgetExhausted = errors.New("time budget exhausted")

	// ErrInvalidQuery is returned by the normalizer for queries that fail
	// input validation.
	ErrInvalidQuery = errors.New("invalid query")
)

// ClassifyError maps an executor error to the metric / log label used for it.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrProductNotFound):
		return "not_found"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrBrowserCrash):
		return "browser_crash"
	case errors.Is(err, ErrBudgetExhausted):
		return "budget_exhausted"
	case errors.Is(err, ErrInvalidQuery):
		return "invalid_query"
	default:
		return "unknown"
	}
}
