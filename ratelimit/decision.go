package ratelimit

import (
	"errors"
	"time"
)

// ErrRedisUnavailable wraps Redis transport failures. Check and the
// record operations swallow it (fail open); Clear and LockoutInfo
// surface it.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrInvalidRule is returned for rules the limiter cannot enforce.
var ErrInvalidRule = errors.New("invalid rate limit rule")

// ErrUnknownAction is returned when no rule is configured for an action.
var ErrUnknownAction = errors.New("unknown rate limit action")

// Verdict is the outcome of a limit check.
type Verdict uint8

const (
	// VerdictAllowed means the attempt may proceed.
	VerdictAllowed Verdict = iota
	// VerdictLimited means the sliding window is full; no lockout is
	// engaged and the verdict clears as attempts age out.
	VerdictLimited
	// VerdictBlocked means an explicit lockout is active.
	VerdictBlocked
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllowed:
		return "allowed"
	case VerdictLimited:
		return "rate_limited"
	case VerdictBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// UnboundedRemaining is the Remaining sentinel when the limiter failed
// open and the true attempt budget is unknown.
const UnboundedRemaining = -1

// Decision is the typed result of Check and RecordFailure.
type Decision struct {
	Verdict Verdict
	// Remaining attempts before the limit engages, or
	// UnboundedRemaining after a fail-open.
	Remaining int
	// TotalAttempts currently inside the sliding window.
	TotalAttempts int
	// RetryAfter is how long until the caller may try again. Zero when
	// allowed.
	RetryAfter time.Duration
	// LockoutExpires is the absolute lockout end, set only for
	// VerdictBlocked.
	LockoutExpires time.Time
	// FailedOpen is set when the backing store was unreachable and the
	// attempt was allowed through.
	FailedOpen bool
}

// Allowed reports whether the attempt may proceed.
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllowed
}

// LockoutState describes an identifier's lockout, if any.
type LockoutState struct {
	Active   bool
	Attempts int
	// Duration is the full length of the active lockout.
	Duration  time.Duration
	ExpiresAt time.Time
	// RetryAfter is the remaining lockout time.
	RetryAfter time.Duration
	// Backoff is the sequential-lockout escalation state.
	Backoff BackoffState
}

// BackoffState is the explicit escalation counter. A zero value means
// no backoff: the next lockout uses the base duration.
type BackoffState struct {
	Count    int
	DecaysAt time.Time
}
