package source

import "errors"

var (
	// ErrAuthExpired marks an authorization failure. Recoverable: the caller
	// refreshes the credential exactly once and retries exactly once.
	ErrAuthExpired = errors.New("upstream auth expired")

	// ErrUpstreamUnavailable marks network/timeout failures. Non-retryable
	// within a cycle; the recipient is skipped and counted as failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrMalformedContent marks responses that could not be decoded.
	ErrMalformedContent = errors.New("malformed upstream content")
)
