package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEngineNotReady is returned when an engine method is called on
	// a nil or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrInvalidCredentials covers wrong password and unknown user
	// alike. The two are indistinguishable from the outside.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountDisabled is returned for administratively disabled
	// accounts, after the password checked out.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrUnauthorized is returned when a presented token carries no
	// authority: bad signature, expired, or its session is gone.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLoginRateLimited is returned when login attempts for the
	// identifier or source address are throttled or locked out.
	// Joined with a RateLimitedError carrying the retry hint.
	ErrLoginRateLimited = errors.New("login rate limited")

	// ErrRefreshRateLimited throttles token refresh.
	ErrRefreshRateLimited = errors.New("refresh rate limited")

	// ErrMFARateLimited throttles MFA code verification.
	ErrMFARateLimited = errors.New("mfa verification rate limited")

	// ErrRefreshReuse is returned when a superseded refresh token is
	// presented. The whole session is terminated.
	ErrRefreshReuse = errors.New("refresh token reuse detected")

	// ErrMFARequired signals that password verification succeeded and
	// an MFA challenge must be completed to finish the login.
	ErrMFARequired = errors.New("mfa required")

	// ErrMFAInvalid covers wrong codes, replayed codes, and spent
	// backup codes. Deliberately one error for all three.
	ErrMFAInvalid = errors.New("invalid mfa code")

	// ErrMFAChallengeInvalid is returned for unknown or expired login
	// challenges.
	ErrMFAChallengeInvalid = errors.New("mfa challenge invalid")

	// ErrMFAAttemptsExceeded is returned when a login challenge burns
	// through its attempt budget. The challenge is deleted.
	ErrMFAAttemptsExceeded = errors.New("mfa challenge attempts exceeded")

	// ErrBackendUnavailable is returned when an operation that must
	// fail closed cannot reach its backing store.
	ErrBackendUnavailable = errors.New("auth backend unavailable")
)

// RateLimitedError carries the retry hint alongside the rate limit
// sentinel it wraps. RetryAfter is safe to surface to clients; it
// reveals nothing about whether the identifier exists.
type RateLimitedError struct {
	Sentinel   error
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%v: retry after %s", e.Sentinel, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Sentinel
}

// RetryAfterOf extracts the retry hint from an error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return limited.RetryAfter
	}
	return 0
}
