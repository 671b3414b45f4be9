// Package session manages the hybrid session model: signed tokens
// carry identity and authorization, a durable record carries liveness,
// and a Redis cache-aside layer keeps the validation hot path off the
// durable store.
//
// The failure posture is deliberately asymmetric with rate limiting:
// validation fails closed. A token that cannot be checked against its
// record carries no authority.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authcore-dev/authcore/internal"
	"github.com/authcore-dev/authcore/token"
)

// ErrNotActive is returned when the backing session is missing,
// invalidated, or expired. Callers present it to clients exactly like
// a bad token; only audit output tells the cases apart.
var ErrNotActive = errors.New("session not active")

// ErrTokenInvalid wraps signature, expiry, schema, and type failures.
var ErrTokenInvalid = errors.New("invalid token")

// ErrRefreshReuse is returned when a superseded refresh token is
// presented. The session is already terminated by the time callers
// see it.
var ErrRefreshReuse = errors.New("refresh token reuse detected")

// ErrStoreUnavailable is returned when liveness cannot be established
// because both the cache and the durable store failed. Fail closed.
var ErrStoreUnavailable = errors.New("session store unavailable")

// Config tunes session lifetimes. Zero values get defaults.
type Config struct {
	// TTL is the absolute session lifetime.
	TTL time.Duration
	// RememberMeTTL applies instead of TTL for remember-me sessions.
	RememberMeTTL time.Duration
	// IdleTimeout expires a session with no validated activity.
	IdleTimeout time.Duration
	// RememberMeIdleTimeout applies instead for remember-me sessions.
	RememberMeIdleTimeout time.Duration

	CachePrefix string
	CacheTTL    time.Duration
	// ActivityFlushInterval bounds how often a cache-served validation
	// writes the activity watermark through to the durable store.
	ActivityFlushInterval time.Duration

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.RememberMeTTL <= 0 {
		c.RememberMeTTL = 30 * 24 * time.Hour
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.RememberMeIdleTimeout <= 0 {
		c.RememberMeIdleTimeout = 7 * 24 * time.Hour
	}
	if c.ActivityFlushInterval <= 0 {
		c.ActivityFlushInterval = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CreateParams captures everything a new session needs at login time.
type CreateParams struct {
	UserID      string
	Role        string
	Permissions []string
	IPHash      [32]byte
	DeviceHash  [32]byte
	MFAVerified bool
	RememberMe  bool
}

// Manager drives the session lifecycle over a durable [Records] store,
// a Redis validation cache, and a token manager.
type Manager struct {
	records Records
	cache   *Cache
	tokens  *token.Manager
	config  Config
}

// NewManager creates a session [Manager].
func NewManager(records Records, redisClient redis.UniversalClient, tokens *token.Manager, cfg Config) (*Manager, error) {
	if records == nil {
		return nil, errors.New("session records store is required")
	}
	if redisClient == nil {
		return nil, errors.New("redis client is required")
	}
	if tokens == nil {
		return nil, errors.New("token manager is required")
	}
	cfg.applyDefaults()

	return &Manager{
		records: records,
		cache:   NewCache(redisClient, cfg.CachePrefix, cfg.CacheTTL),
		tokens:  tokens,
		config:  cfg,
	}, nil
}

// Create opens a fresh session and issues its token pair. Every login
// gets a new session ID; IDs are never reused across logins.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Session, *TokenPair, error) {
	sessionID, err := internal.NewCacheKeyID()
	if err != nil {
		return nil, nil, err
	}

	accessToken, err := m.tokens.IssueAccess(
		params.UserID, sessionID, params.Role, params.Permissions, params.MFAVerified,
	)
	if err != nil {
		return nil, nil, err
	}
	refreshToken, rotationID, err := m.tokens.IssueRefresh(params.UserID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	now := m.config.Now()
	ttl := m.config.TTL
	if params.RememberMe {
		ttl = m.config.RememberMeTTL
	}

	sess := &Session{
		SessionID:        sessionID,
		UserID:           params.UserID,
		Role:             params.Role,
		Permissions:      params.Permissions,
		IPHash:           params.IPHash,
		DeviceHash:       params.DeviceHash,
		MFAVerified:      params.MFAVerified,
		RememberMe:       params.RememberMe,
		RefreshTokenHash: internal.HashToken(rotationID),
		State:            StateActive,
		CreatedAt:        now,
		LastActivityAt:   now,
		ExpiresAt:        now.Add(ttl),
	}

	if err := m.records.Insert(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("insert session: %w", err)
	}
	if err := m.cache.Put(ctx, sessionID, sess); err != nil {
		// Cache is an accelerator; the durable record exists.
		log.Printf("authcore: session cache prime failed: %v", err)
	}

	return sess, &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Validate checks an access token and its backing session. The cache
// answers when it can; otherwise the durable store does and the cache
// is repopulated. When neither can answer, validation fails closed
// with ErrStoreUnavailable.
func (m *Manager) Validate(ctx context.Context, accessToken string) (*Identity, error) {
	claims, err := m.tokens.Parse(accessToken, token.TypeAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	sessionID := claims.SessionID
	now := m.config.Now()

	entry, hit, cacheErr := m.cache.Get(ctx, sessionID)
	if cacheErr != nil {
		log.Printf("authcore: session cache read failed, using durable store: %v", cacheErr)
	}

	if hit {
		if entry.State != StateActive {
			return nil, ErrNotActive
		}
		lastActivity := time.Unix(entry.LastActivityAt, 0)
		expiresAt := time.Unix(entry.ExpiresAt, 0)
		if !now.Before(expiresAt) {
			m.expire(ctx, sessionID, "expired", now)
			return nil, ErrNotActive
		}
		if m.idleExpired(lastActivity, entry.RememberMe, now) {
			m.expire(ctx, sessionID, "idle_timeout", now)
			return nil, ErrNotActive
		}

		if err := m.cache.Touch(ctx, sessionID, entry, now); err != nil {
			log.Printf("authcore: session cache touch failed: %v", err)
		}
		if now.Sub(lastActivity) >= m.config.ActivityFlushInterval {
			if err := m.records.UpdateActivity(ctx, sessionID, now); err != nil {
				log.Printf("authcore: activity flush failed: %v", err)
			}
		}

		return identityFromClaims(claims), nil
	}

	rec, err := m.records.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotActive
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !rec.Alive() {
		if cacheErr == nil {
			_ = m.cache.Put(ctx, sessionID, rec)
		}
		return nil, ErrNotActive
	}
	if !now.Before(rec.ExpiresAt) {
		m.expire(ctx, sessionID, "expired", now)
		return nil, ErrNotActive
	}
	if m.idleExpired(rec.LastActivityAt, rec.RememberMe, now) {
		m.expire(ctx, sessionID, "idle_timeout", now)
		return nil, ErrNotActive
	}

	rec.LastActivityAt = now
	if err := m.records.UpdateActivity(ctx, sessionID, now); err != nil {
		log.Printf("authcore: activity update failed: %v", err)
	}
	if cacheErr == nil {
		if err := m.cache.Put(ctx, sessionID, rec); err != nil {
			log.Printf("authcore: session cache repopulate failed: %v", err)
		}
	}

	return identityFromClaims(claims), nil
}

// Refresh rotates the token pair for a live session. The session ID is
// preserved. Presenting a superseded refresh token terminates the
// session and returns ErrRefreshReuse: someone is replaying stolen
// material, and the honest holder will re-authenticate.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Session, *TokenPair, error) {
	claims, err := m.tokens.Parse(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	sessionID := claims.SessionID
	now := m.config.Now()

	rec, err := m.records.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrNotActive
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !rec.Alive() {
		return nil, nil, ErrNotActive
	}
	if !now.Before(rec.ExpiresAt) {
		m.expire(ctx, sessionID, "expired", now)
		return nil, nil, ErrNotActive
	}
	if m.idleExpired(rec.LastActivityAt, rec.RememberMe, now) {
		m.expire(ctx, sessionID, "idle_timeout", now)
		return nil, nil, ErrNotActive
	}

	presented := internal.HashToken(claims.ID)
	if presented != rec.RefreshTokenHash {
		m.terminateForReuse(ctx, sessionID, now)
		return nil, nil, ErrRefreshReuse
	}

	newRefresh, rotationID, err := m.tokens.IssueRefresh(rec.UserID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	next := internal.HashToken(rotationID)

	if err := m.records.RotateRefresh(ctx, sessionID, presented, next, now); err != nil {
		switch {
		case errors.Is(err, ErrRefreshMismatch):
			// Lost a race against another rotation of the same token.
			m.terminateForReuse(ctx, sessionID, now)
			return nil, nil, ErrRefreshReuse
		case errors.Is(err, ErrNotFound):
			return nil, nil, ErrNotActive
		default:
			return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	rec.RefreshTokenHash = next
	rec.LastActivityAt = now

	// The new access token re-issues the snapshot captured at login.
	// Authorization changes apply at the next full login.
	accessToken, err := m.tokens.IssueAccess(
		rec.UserID, sessionID, rec.Role, rec.Permissions, rec.MFAVerified,
	)
	if err != nil {
		return nil, nil, err
	}

	if err := m.cache.Put(ctx, sessionID, rec); err != nil {
		log.Printf("authcore: session cache update failed: %v", err)
	}

	return rec, &TokenPair{AccessToken: accessToken, RefreshToken: newRefresh}, nil
}

// Invalidate terminates one session. The durable write must succeed;
// the cache purge is best effort on top of it.
func (m *Manager) Invalidate(ctx context.Context, sessionID, reason string) error {
	now := m.config.Now()
	if err := m.records.Terminate(ctx, sessionID, StateInvalidated, reason, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotActive
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := m.cache.Delete(ctx, sessionID); err != nil {
		log.Printf("authcore: session cache purge failed: %v", err)
	}
	return nil
}

// InvalidateAll terminates every active session of a user and returns
// how many were touched.
func (m *Manager) InvalidateAll(ctx context.Context, userID, reason string) (int, error) {
	now := m.config.Now()
	sessionIDs, err := m.records.TerminateAllForUser(ctx, userID, StateInvalidated, reason, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := m.cache.Delete(ctx, sessionIDs...); err != nil {
		log.Printf("authcore: session cache purge failed: %v", err)
	}
	return len(sessionIDs), nil
}

// ActiveSessions lists the user's live sessions for introspection.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := m.records.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sessions, nil
}

func (m *Manager) idleExpired(lastActivity time.Time, rememberMe bool, now time.Time) bool {
	limit := m.config.IdleTimeout
	if rememberMe {
		limit = m.config.RememberMeIdleTimeout
	}
	return now.Sub(lastActivity) > limit
}

// expire marks a session EXPIRED on read. Best effort: the next read
// repeats the evaluation if either write fails.
func (m *Manager) expire(ctx context.Context, sessionID, reason string, now time.Time) {
	if err := m.records.Terminate(ctx, sessionID, StateExpired, reason, now); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("authcore: session expiry write failed: %v", err)
	}
	if err := m.cache.Delete(ctx, sessionID); err != nil {
		log.Printf("authcore: session cache purge failed: %v", err)
	}
}

func (m *Manager) terminateForReuse(ctx context.Context, sessionID string, now time.Time) {
	if err := m.records.Terminate(ctx, sessionID, StateInvalidated, "refresh_reuse", now); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("authcore: reuse termination failed: %v", err)
	}
	if err := m.cache.Delete(ctx, sessionID); err != nil {
		log.Printf("authcore: session cache purge failed: %v", err)
	}
}

func identityFromClaims(claims *token.Claims) *Identity {
	return &Identity{
		UserID:      claims.Subject,
		SessionID:   claims.SessionID,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		MFAVerified: claims.MFAVerified,
	}
}
