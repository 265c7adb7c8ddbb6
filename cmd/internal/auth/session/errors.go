package session

import "errors"

var (
	// ErrAuthInvalid is returned for any missing, malformed, expired, or
	// signature-mismatched credential. The message is deliberately
	// generic: login failures never reveal which verification step failed.
	ErrAuthInvalid = errors.New("invalid or expired credentials")

	// ErrChallengeMismatch is returned when the challenge-response chain
	// breaks: wrong signer, substituted account, or a stale challenge
	// token. Logged with full context for abuse investigation; callers
	// surface it to clients as ErrAuthInvalid.
	ErrChallengeMismatch = errors.New("challenge verification failed")

	// ErrSessionEnded is returned when a session has an explicit end.
	ErrSessionEnded = errors.New("session ended")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)
