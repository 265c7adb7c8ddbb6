package token

import "errors"

var (
	// ErrInvalidToken is returned for any verification failure: bad
	// signature, malformed payload, wrong kind, or expiry. Verification
	// fails closed and never distinguishes which check failed.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid token config")
)
