package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "arl"

const (
	statusOpen   int64 = 1
	statusLocked int64 = 2
)

// checkScript reads the lockout and window state for one identifier.
// An expired lockout is purged here, on read; there is no sweeper.
//
// KEYS[1] lockout, KEYS[2] attempts ZSET.
// ARGV[1] now (unix millis), ARGV[2] window millis.
//
// Returns {2, lockout_expires} when locked, else
// {1, attempt_count, oldest_attempt_score}.
const checkScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local lock = redis.call("GET", KEYS[1])
if lock then
  local sep = string.find(lock, "|", 1, true)
  local expires = tonumber(string.sub(lock, 1, sep - 1))
  if expires and expires > now then
    return {2, expires}
  end
  redis.call("DEL", KEYS[1])
end

redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[2])
local oldest = 0
if count > 0 then
  local head = redis.call("ZRANGE", KEYS[2], 0, 0, "WITHSCORES")
  oldest = tonumber(head[2])
end
return {1, count, oldest}
`

var checkLua = redis.NewScript(checkScript)

// recordFailureScript appends one failure to the sliding window and,
// when the window reaches the rule threshold, engages a lockout in the
// same atomic step. The lockout duration applies exponential backoff
// from the explicit escalation counter, which is itself evaluated
// against its decay deadline here rather than trusted blindly.
//
// KEYS[1] attempts ZSET, KEYS[2] lockout, KEYS[3] backoff state.
// ARGV: now, window, member, max_attempts, lockout_ms, multiplier,
// max_backoff_ms, decay_ms.
//
// Returns {2, attempt_count, lockout_expires} when a lockout engaged,
// else {1, attempt_count, oldest_attempt_score}.
const recordFailureScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]
local max = tonumber(ARGV[4])
local lockout = tonumber(ARGV[5])
local multiplier = tonumber(ARGV[6])
local max_backoff = tonumber(ARGV[7])
local decay = tonumber(ARGV[8])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
redis.call("ZADD", KEYS[1], now, member)
redis.call("PEXPIRE", KEYS[1], window)
local count = redis.call("ZCARD", KEYS[1])

if count < max or lockout <= 0 then
  local oldest = now
  local head = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  if head[2] then
    oldest = tonumber(head[2])
  end
  return {1, count, oldest}
end

local backoff_count = 0
local state = redis.call("GET", KEYS[3])
if state then
  local sep = string.find(state, "|", 1, true)
  local c = tonumber(string.sub(state, 1, sep - 1))
  local decays_at = tonumber(string.sub(state, sep + 1))
  if c and decays_at and decays_at > now then
    backoff_count = c
  end
end

local duration = lockout
for _ = 1, backoff_count do
  duration = duration * multiplier
  if duration >= max_backoff then
    break
  end
end
if duration > max_backoff then
  duration = max_backoff
end
duration = math.floor(duration)

local expires = now + duration
redis.call("SET", KEYS[2], expires .. "|" .. duration .. "|" .. count, "PX", duration)
redis.call("SET", KEYS[3], (backoff_count + 1) .. "|" .. (now + decay), "PX", decay)
redis.call("DEL", KEYS[1])

return {2, count, expires}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// Config holds limiter tuning parameters. Rules given here override
// the matching entries of [DefaultRules]; actions not listed keep the
// defaults. Now is injectable for deterministic tests and defaults to
// time.Now.
type Config struct {
	KeyPrefix string
	Rules     map[Action]Rule
	Now       func() time.Time
}

// Limiter enforces sliding-window rate limits with lockout escalation,
// backed by Redis. All compound mutations run as single Lua scripts so
// no client ever performs a read-modify-write cycle.
//
// The limiter fails open: when Redis is unreachable, Check and the
// record operations log, flag the decision, and allow the attempt.
// Availability of login outranks strict enforcement here; session
// validation makes the opposite call.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	rules  map[Action]Rule
	now    func() time.Time
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) (*Limiter, error) {
	rules := DefaultRules()
	for action, rule := range cfg.Rules {
		if !action.Valid() {
			return nil, ErrUnknownAction
		}
		rules[action] = rule
	}
	for action, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("%w: action %s", err, action)
		}
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		rules:  rules,
		now:    now,
	}, nil
}

// Rule returns the configured rule for an action.
func (l *Limiter) Rule(action Action) (Rule, error) {
	rule, ok := l.rules[action]
	if !ok {
		return Rule{}, ErrUnknownAction
	}
	return rule, nil
}

// Check reports whether an attempt may proceed without recording
// anything. Missing state means allowed; checking never reveals
// whether the identifier exists.
func (l *Limiter) Check(ctx context.Context, action Action, identifier string) (Decision, error) {
	rule, err := l.Rule(action)
	if err != nil {
		return Decision{}, err
	}
	return l.CheckRule(ctx, action, identifier, rule)
}

// CheckRule is Check with a per-call rule override.
func (l *Limiter) CheckRule(ctx context.Context, action Action, identifier string, rule Rule) (Decision, error) {
	if !action.Valid() {
		return Decision{}, ErrUnknownAction
	}
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}

	now := l.now()
	result, err := checkLua.Run(
		ctx,
		l.redis,
		[]string{l.lockoutKey(action, identifier), l.attemptsKey(action, identifier)},
		now.UnixMilli(),
		rule.Window.Milliseconds(),
	).Result()
	if err != nil {
		return l.failOpen("check", err), nil
	}

	return l.decisionFromScript(result, rule, now, false)
}

// RecordFailure records one failed attempt and returns the resulting
// state. When the failure is the one that fills the window for a rule
// with a lockout, the lockout engages atomically within the same call.
func (l *Limiter) RecordFailure(ctx context.Context, action Action, identifier string) (Decision, error) {
	rule, err := l.Rule(action)
	if err != nil {
		return Decision{}, err
	}
	return l.RecordFailureRule(ctx, action, identifier, rule)
}

// RecordFailureRule is RecordFailure with a per-call rule override.
func (l *Limiter) RecordFailureRule(ctx context.Context, action Action, identifier string, rule Rule) (Decision, error) {
	if !action.Valid() {
		return Decision{}, ErrUnknownAction
	}
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}

	now := l.now()
	result, err := recordFailureLua.Run(
		ctx,
		l.redis,
		[]string{
			l.attemptsKey(action, identifier),
			l.lockoutKey(action, identifier),
			l.backoffKey(action, identifier),
		},
		now.UnixMilli(),
		rule.Window.Milliseconds(),
		uuid.NewString(),
		rule.MaxAttempts,
		rule.Lockout.Milliseconds(),
		formatMultiplier(rule.BackoffMultiplier),
		rule.MaxBackoff.Milliseconds(),
		rule.BackoffDecay.Milliseconds(),
	).Result()
	if err != nil {
		return l.failOpen("record failure", err), nil
	}

	return l.decisionFromScript(result, rule, now, true)
}

// RecordSuccess resets the attempt window for the identifier and
// returns the fresh-start state. A success never clears an active
// lockout or the escalation counter.
func (l *Limiter) RecordSuccess(ctx context.Context, action Action, identifier string) (Decision, error) {
	rule, err := l.Rule(action)
	if err != nil {
		return Decision{}, err
	}
	return l.RecordSuccessRule(ctx, action, identifier, rule)
}

// RecordSuccessRule is RecordSuccess with a per-call rule override.
func (l *Limiter) RecordSuccessRule(ctx context.Context, action Action, identifier string, rule Rule) (Decision, error) {
	if !action.Valid() {
		return Decision{}, ErrUnknownAction
	}
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}

	if err := l.redis.Del(ctx, l.attemptsKey(action, identifier)).Err(); err != nil {
		return l.failOpen("success reset", err), nil
	}
	return Decision{Verdict: VerdictAllowed, Remaining: rule.MaxAttempts}, nil
}

// LockoutInfo returns the lockout and escalation state for an
// identifier. Expired lockouts are purged on read.
func (l *Limiter) LockoutInfo(ctx context.Context, action Action, identifier string) (LockoutState, error) {
	if !action.Valid() {
		return LockoutState{}, ErrUnknownAction
	}

	now := l.now()
	var state LockoutState

	lock, err := l.redis.Get(ctx, l.lockoutKey(action, identifier)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return LockoutState{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if err == nil {
		expires, duration, attempts, parseErr := parseLockoutValue(lock)
		if parseErr != nil {
			return LockoutState{}, parseErr
		}
		if expires.After(now) {
			state.Active = true
			state.Attempts = attempts
			state.Duration = duration
			state.ExpiresAt = expires
			state.RetryAfter = expires.Sub(now)
		} else {
			_ = l.redis.Del(ctx, l.lockoutKey(action, identifier)).Err()
		}
	}

	backoff, err := l.redis.Get(ctx, l.backoffKey(action, identifier)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return LockoutState{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if err == nil {
		count, decaysAt, parseErr := parseBackoffValue(backoff)
		if parseErr != nil {
			return LockoutState{}, parseErr
		}
		if decaysAt.After(now) {
			state.Backoff = BackoffState{Count: count, DecaysAt: decaysAt}
		}
	}

	return state, nil
}

// Clear removes all limiter state for the identifier: attempts,
// lockout, and escalation counter. Administrative unblock.
func (l *Limiter) Clear(ctx context.Context, action Action, identifier string) error {
	if !action.Valid() {
		return ErrUnknownAction
	}

	keys := []string{
		l.attemptsKey(action, identifier),
		l.lockoutKey(action, identifier),
		l.backoffKey(action, identifier),
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) attemptsKey(action Action, identifier string) string {
	return l.prefix + ":a:" + action.keyPart() + ":" + identifier
}

func (l *Limiter) lockoutKey(action Action, identifier string) string {
	return l.prefix + ":l:" + action.keyPart() + ":" + identifier
}

func (l *Limiter) backoffKey(action Action, identifier string) string {
	return l.prefix + ":b:" + action.keyPart() + ":" + identifier
}

func (l *Limiter) failOpen(op string, err error) Decision {
	log.Printf("authcore: rate limiter failing open on %s: %v", op, err)
	return Decision{
		Verdict:    VerdictAllowed,
		Remaining:  UnboundedRemaining,
		FailedOpen: true,
	}
}

func (l *Limiter) decisionFromScript(result interface{}, rule Rule, now time.Time, recorded bool) (Decision, error) {
	parts, ok := result.([]interface{})
	if !ok || len(parts) < 2 {
		return l.failOpen("script response", fmt.Errorf("invalid response %v", result)), nil
	}

	status, ok := parts[0].(int64)
	if !ok {
		return l.failOpen("script response", fmt.Errorf("invalid status %v", parts[0])), nil
	}

	switch status {
	case statusLocked:
		// Check returns {2, expires}; RecordFailure returns {2, count, expires}.
		expiresIdx := 1
		var attempts int64
		if recorded {
			if len(parts) < 3 {
				return l.failOpen("script response", fmt.Errorf("short locked response %v", parts)), nil
			}
			attempts, _ = parts[1].(int64)
			expiresIdx = 2
		}

		expiresMilli, ok := parts[expiresIdx].(int64)
		if !ok {
			return l.failOpen("script response", fmt.Errorf("invalid expiry %v", parts[expiresIdx])), nil
		}
		expires := time.UnixMilli(expiresMilli)

		return Decision{
			Verdict:        VerdictBlocked,
			Remaining:      0,
			TotalAttempts:  int(attempts),
			RetryAfter:     expires.Sub(now),
			LockoutExpires: expires,
		}, nil

	case statusOpen:
		count := int64(0)
		if c, ok := parts[1].(int64); ok {
			count = c
		}
		oldest := int64(0)
		if len(parts) >= 3 {
			if o, ok := parts[2].(int64); ok {
				oldest = o
			}
		}

		d := Decision{
			TotalAttempts: int(count),
			Remaining:     rule.MaxAttempts - int(count),
		}
		if d.Remaining < 0 {
			d.Remaining = 0
		}

		if int(count) >= rule.MaxAttempts {
			d.Verdict = VerdictLimited
			if oldest > 0 {
				windowClears := time.UnixMilli(oldest).Add(rule.Window)
				if windowClears.After(now) {
					d.RetryAfter = windowClears.Sub(now)
				}
			}
		}
		return d, nil

	default:
		return l.failOpen("script response", fmt.Errorf("unknown status %d", status)), nil
	}
}

func parseLockoutValue(value string) (time.Time, time.Duration, int, error) {
	parts := strings.SplitN(value, "|", 3)
	if len(parts) != 3 {
		return time.Time{}, 0, 0, fmt.Errorf("%w: corrupt lockout value", ErrRedisUnavailable)
	}

	expiresMilli, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, 0, 0, fmt.Errorf("%w: corrupt lockout value", ErrRedisUnavailable)
	}
	durationMilli, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, 0, fmt.Errorf("%w: corrupt lockout value", ErrRedisUnavailable)
	}
	attempts, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, 0, 0, fmt.Errorf("%w: corrupt lockout value", ErrRedisUnavailable)
	}

	return time.UnixMilli(expiresMilli), time.Duration(durationMilli) * time.Millisecond, attempts, nil
}

func parseBackoffValue(value string) (int, time.Time, error) {
	parts := strings.SplitN(value, "|", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: corrupt backoff value", ErrRedisUnavailable)
	}

	count, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: corrupt backoff value", ErrRedisUnavailable)
	}
	decaysMilli, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: corrupt backoff value", ErrRedisUnavailable)
	}

	return count, time.UnixMilli(decaysMilli), nil
}

func formatMultiplier(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}
