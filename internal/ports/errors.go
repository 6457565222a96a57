package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these sentinels so the
// retry policy can classify failures without inspecting adapter internals.
var (
	// General errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")

	// Data-mapping errors: the event is logged and dropped, never counted
	// as success and never retried.
	ErrMappingFailed = errors.New("failed to map exchange record to ledger schema")

	// Store errors
	ErrDuplicateEntry = errors.New("record already exists")
	ErrStoreConn      = errors.New("store connection error")
	ErrQueryFailed    = errors.New("store query failed")
	ErrUpdateFailed   = errors.New("store update failed")

	// Cache errors. Cache failures never stop ingestion; the cache is
	// rebuildable from the ledger plus exchange truth.
	ErrCacheUnavailable = errors.New("position cache unavailable")
)

// IsRetryable reports whether an error belongs to the transient I/O
// category of the error taxonomy. Authentication, mapping and validation
// failures are not retryable at the event level.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrExchangeUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrStoreConn),
		errors.Is(err, ErrCacheUnavailable):
		return true
	}
	return false
}
