package domain

import "errors"

var (
	// ErrInaccessible marks a post that is deleted, private or region-blocked.
	// It is never retried.
	ErrInaccessible = errors.New("post inaccessible")

	// ErrRetryable marks a transient failure.
	ErrRetryable = errors.New("transient failure")

	// ErrRateLimited is returned when the platform throttles requests.
	ErrRateLimited = errors.New("rate limited")

	// ErrHardBlocked is returned on a platform-level IP or account block.
	ErrHardBlocked = errors.New("hard blocked")

	// ErrResourceUnavailable is returned when an optional external tool is
	// not installed.
	ErrResourceUnavailable = errors.New("external tool unavailable")

	// ErrNoFormats signals that the backend found no usable formats, which
	// usually means the current credential is stale.
	ErrNoFormats = errors.New("no usable formats")
)
