package ratelimit

import "time"

// Action identifies a rate-limited operation category. The set is
// closed: rules are keyed by Action values, and strings appear only in
// Redis keys and audit output.
type Action uint8

const (
	// ActionLogin covers password login attempts per identifier and per IP.
	ActionLogin Action = iota
	// ActionMFAVerify covers TOTP and backup code verification attempts.
	ActionMFAVerify
	// ActionTokenRefresh covers refresh-token exchange attempts.
	ActionTokenRefresh
	// ActionPasswordVerify covers step-up password confirmation attempts.
	ActionPasswordVerify
	actionCount
)

func (a Action) String() string {
	switch a {
	case ActionLogin:
		return "login"
	case ActionMFAVerify:
		return "mfa_verify"
	case ActionTokenRefresh:
		return "token_refresh"
	case ActionPasswordVerify:
		return "password_verify"
	default:
		return "unknown"
	}
}

// keyPart is the short namespace fragment used in Redis keys.
func (a Action) keyPart() string {
	switch a {
	case ActionLogin:
		return "lg"
	case ActionMFAVerify:
		return "mf"
	case ActionTokenRefresh:
		return "rf"
	case ActionPasswordVerify:
		return "pw"
	default:
		return "xx"
	}
}

// Valid reports whether the action is a known category.
func (a Action) Valid() bool {
	return a < actionCount
}

// Rule is the immutable policy for one action category. A zero Lockout
// means the category throttles (RATE_LIMITED until the window slides)
// without ever engaging a lockout.
type Rule struct {
	// MaxAttempts failures within Window engage the limit.
	MaxAttempts int
	// Window is the sliding observation window.
	Window time.Duration
	// Lockout is the base lockout duration once MaxAttempts is reached.
	Lockout time.Duration
	// BackoffMultiplier grows repeated lockouts: the nth sequential
	// lockout lasts Lockout * BackoffMultiplier^n, capped at MaxBackoff.
	BackoffMultiplier float64
	// MaxBackoff caps the grown lockout duration.
	MaxBackoff time.Duration
	// BackoffDecay is how long the sequential-lockout counter survives
	// after the last lockout before resetting to zero.
	BackoffDecay time.Duration
}

// Validate rejects rules the limiter cannot enforce.
func (r Rule) Validate() error {
	if r.MaxAttempts <= 0 {
		return ErrInvalidRule
	}
	if r.Window <= 0 {
		return ErrInvalidRule
	}
	if r.Lockout < 0 {
		return ErrInvalidRule
	}
	if r.Lockout > 0 {
		if r.BackoffMultiplier < 1 {
			return ErrInvalidRule
		}
		if r.MaxBackoff < r.Lockout {
			return ErrInvalidRule
		}
		if r.BackoffDecay <= 0 {
			return ErrInvalidRule
		}
	}
	return nil
}

// DefaultRules returns the built-in policy set. Callers override per
// action through Config.Rules or per call through CheckRule.
func DefaultRules() map[Action]Rule {
	return map[Action]Rule{
		ActionLogin: {
			MaxAttempts:       5,
			Window:            15 * time.Minute,
			Lockout:           30 * time.Minute,
			BackoffMultiplier: 2,
			MaxBackoff:        24 * time.Hour,
			BackoffDecay:      24 * time.Hour,
		},
		ActionMFAVerify: {
			MaxAttempts:       5,
			Window:            5 * time.Minute,
			Lockout:           15 * time.Minute,
			BackoffMultiplier: 2,
			MaxBackoff:        4 * time.Hour,
			BackoffDecay:      12 * time.Hour,
		},
		ActionTokenRefresh: {
			MaxAttempts: 30,
			Window:      time.Minute,
		},
		ActionPasswordVerify: {
			MaxAttempts:       5,
			Window:            15 * time.Minute,
			Lockout:           15 * time.Minute,
			BackoffMultiplier: 2,
			MaxBackoff:        12 * time.Hour,
			BackoffDecay:      12 * time.Hour,
		},
	}
}
