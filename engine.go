package authcore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/authcore-dev/authcore/internal"
	"github.com/authcore-dev/authcore/internal/audit"
	"github.com/authcore-dev/authcore/mfa"
	"github.com/authcore-dev/authcore/password"
	"github.com/authcore-dev/authcore/ratelimit"
	"github.com/authcore-dev/authcore/rbac"
	"github.com/authcore-dev/authcore/session"
)

// Engine is the authentication front door. It composes the rate
// limiter, password hasher, MFA authenticator, RBAC assembler, and
// session manager behind a small set of operations, and is safe for
// concurrent use once built.
type Engine struct {
	users      UserDirectory
	roles      *rbac.Assembler
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	hasher     *password.Argon2
	mfa        *mfa.Authenticator
	challenges *mfaChallengeStore
	audit      *auditDispatcher
	metrics    *Metrics

	// dummyHash absorbs a verify for unknown users so the miss is not
	// cheaper than a wrong password.
	dummyHash string
	now       func() time.Time
}

// Close flushes the audit pipeline. Call it on shutdown.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were shed under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// Login verifies a password and opens a session. When the account has
// MFA enabled the result instead carries a challenge ID and no tokens;
// the login completes via ConfirmLoginMFA or ConfirmLoginBackupCode.
//
// Unknown identifiers and wrong passwords are indistinguishable, and a
// rate-limited identifier answers the same whether or not it exists.
func (e *Engine) Login(ctx context.Context, username, passwd string, rememberMe bool) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if username == "" || passwd == "" {
		return nil, ErrInvalidCredentials
	}

	ip := clientIP(ctx)
	identifiers := loginIdentifiers(username, ip)

	for _, identifier := range identifiers {
		decision, err := e.limiter.Check(ctx, ratelimit.ActionLogin, identifier)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		e.noteFailOpen(decision, nil)
		if !decision.Allowed() {
			e.metrics.Inc(MetricLoginRateLimited)
			e.emitAudit(ctx, audit.KindLoginRateLimited, "", ip, false, nil)
			return nil, &RateLimitedError{Sentinel: ErrLoginRateLimited, RetryAfter: decision.RetryAfter}
		}
	}

	user, err := e.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn a hash verify so the timing matches a real account,
			// then charge the attempt like any other failure.
			_, _ = e.hasher.Verify(passwd, e.dummyHash)
			return nil, e.chargeLoginFailure(ctx, identifiers, "", ip)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	ok, err := e.hasher.Verify(passwd, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: stored credential unreadable: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return nil, e.chargeLoginFailure(ctx, identifiers, user.ID, ip)
	}

	if user.Disabled {
		e.emitAudit(ctx, audit.KindLoginDisabledAccount, user.ID, ip, false, nil)
		return nil, ErrAccountDisabled
	}

	for _, identifier := range identifiers {
		e.noteFailOpen(e.limiter.RecordSuccess(ctx, ratelimit.ActionLogin, identifier))
	}

	ipHash := internal.HashBinding(ip)
	deviceHash := internal.HashBinding(deviceIdentifier(ctx))

	if e.mfa != nil {
		enabled, err := e.mfa.Enabled(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if enabled {
			challengeID, err := e.challenges.create(ctx, mfaChallenge{
				UserID:     user.ID,
				RememberMe: rememberMe,
				IPHash:     ipHash[:],
				DeviceHash: deviceHash[:],
				CreatedAt:  e.now().Unix(),
			})
			if err != nil {
				return nil, err
			}
			e.metrics.Inc(MetricMFARequired)
			e.emitAudit(ctx, audit.KindLoginMFARequired, user.ID, ip, true, nil)
			return &LoginResult{UserID: user.ID, MFARequired: true, ChallengeID: challengeID}, nil
		}
	}

	return e.finishLogin(ctx, user.ID, ip, ipHash, deviceHash, rememberMe, false)
}

// finishLogin assembles the authorization snapshot and opens the
// session. Shared by the direct path and the MFA confirmation path.
func (e *Engine) finishLogin(ctx context.Context, userID, ip string, ipHash, deviceHash [32]byte, rememberMe, mfaVerified bool) (*LoginResult, error) {
	snapshot, err := e.roles.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	sess, pair, err := e.sessions.Create(ctx, session.CreateParams{
		UserID:      userID,
		Role:        snapshot.PrimaryRole,
		Permissions: snapshot.Permissions,
		IPHash:      ipHash,
		DeviceHash:  deviceHash,
		MFAVerified: mfaVerified,
		RememberMe:  rememberMe,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.metrics.Inc(MetricSessionCreated)
	e.emitAudit(ctx, audit.KindLoginSuccess, userID, ip, true, map[string]string{
		"session_id": sess.SessionID,
	})

	return &LoginResult{
		UserID:       userID,
		SessionID:    sess.SessionID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

func (e *Engine) chargeLoginFailure(ctx context.Context, identifiers []string, userID, ip string) error {
	var worst ratelimit.Decision
	for _, identifier := range identifiers {
		decision, err := e.limiter.RecordFailure(ctx, ratelimit.ActionLogin, identifier)
		if err != nil {
			continue
		}
		e.noteFailOpen(decision, nil)
		if decision.Verdict == ratelimit.VerdictBlocked {
			worst = decision
		}
	}

	e.metrics.Inc(MetricLoginFailure)
	e.emitAudit(ctx, audit.KindLoginFailure, userID, ip, false, nil)

	// A lockout engaged by this very attempt still answers like any
	// other throttle: retry hint only, no hint whether the account
	// exists.
	if worst.Verdict == ratelimit.VerdictBlocked {
		e.metrics.Inc(MetricLoginRateLimited)
		return &RateLimitedError{Sentinel: ErrLoginRateLimited, RetryAfter: worst.RetryAfter}
	}
	return ErrInvalidCredentials
}

// Validate checks an access token end to end: signature, expiry,
// schema, and the liveness of its backing session.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*session.Identity, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()

	identity, err := e.sessions.Validate(ctx, accessToken)
	e.metrics.Observe(MetricValidateLatency, time.Since(start))
	if err != nil {
		e.metrics.Inc(MetricValidateFailure)
		if errors.Is(err, session.ErrStoreUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	e.metrics.Inc(MetricValidateSuccess)
	return identity, nil
}

// Refresh rotates a token pair. Reuse of a superseded refresh token
// terminates the session and surfaces ErrRefreshReuse.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*session.TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	identifier := refreshIdentifier(refreshToken)
	decision, err := e.limiter.Check(ctx, ratelimit.ActionTokenRefresh, identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.noteFailOpen(decision, nil)
	if !decision.Allowed() {
		return nil, &RateLimitedError{Sentinel: ErrRefreshRateLimited, RetryAfter: decision.RetryAfter}
	}

	sess, pair, err := e.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		e.noteFailOpen(e.limiter.RecordFailure(ctx, ratelimit.ActionTokenRefresh, identifier))

		switch {
		case errors.Is(err, session.ErrRefreshReuse):
			e.metrics.Inc(MetricRefreshReuseDetected)
			e.emitAudit(ctx, audit.KindRefreshReuse, "", clientIP(ctx), false, nil)
			return nil, fmt.Errorf("%w: %v", ErrRefreshReuse, err)
		case errors.Is(err, session.ErrStoreUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, audit.KindRefreshSuccess, sess.UserID, clientIP(ctx), true, map[string]string{
		"session_id": sess.SessionID,
	})
	return pair, nil
}

// Logout terminates the session behind an access token. The token must
// still verify; a logout with a dead token is a no-op error.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	identity, err := e.sessions.Validate(ctx, accessToken)
	if err != nil {
		if errors.Is(err, session.ErrStoreUnavailable) {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if err := e.sessions.Invalidate(ctx, identity.SessionID, "logout"); err != nil {
		if errors.Is(err, session.ErrStoreUnavailable) {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	e.metrics.Inc(MetricLogout)
	e.emitAudit(ctx, audit.KindLogout, identity.UserID, clientIP(ctx), true, map[string]string{
		"session_id": identity.SessionID,
	})
	return nil
}

// LogoutAll terminates every session of a user, for password changes
// and account compromise response. Returns the number of sessions
// terminated.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	n, err := e.sessions.InvalidateAll(ctx, userID, "logout_all")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.metrics.Inc(MetricLogoutAll)
	e.emitAudit(ctx, audit.KindLogoutAll, userID, clientIP(ctx), true, map[string]string{
		"sessions": fmt.Sprintf("%d", n),
	})
	return n, nil
}

// ActiveSessions lists a user's live sessions.
func (e *Engine) ActiveSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	sessions, err := e.sessions.ActiveSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return sessions, nil
}

// LockoutInfo exposes the lockout state for an identifier, for support
// tooling. Never expose it on an unauthenticated surface.
func (e *Engine) LockoutInfo(ctx context.Context, username string) (ratelimit.LockoutState, error) {
	if e == nil {
		return ratelimit.LockoutState{}, ErrEngineNotReady
	}
	state, err := e.limiter.LockoutInfo(ctx, ratelimit.ActionLogin, userIdentifier(username))
	if err != nil {
		return ratelimit.LockoutState{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return state, nil
}

// ClearLockout resets rate limit state for an identifier, for support
// tooling after identity verification out of band.
func (e *Engine) ClearLockout(ctx context.Context, username string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.limiter.Clear(ctx, ratelimit.ActionLogin, userIdentifier(username)); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// noteFailOpen counts limiter decisions taken while the counter store
// was unreachable, so an outage window shows up on the metrics surface
// and not only in the log.
func (e *Engine) noteFailOpen(decision ratelimit.Decision, err error) {
	if err == nil && decision.FailedOpen {
		e.metrics.Inc(MetricLimiterFailOpen)
	}
}

func (e *Engine) emitAudit(ctx context.Context, kind audit.Kind, userID, ip string, success bool, metadata map[string]string) {
	if e.audit == nil {
		return
	}
	e.audit.Emit(ctx, audit.Event{
		Timestamp: e.now(),
		EventType: kind,
		UserID:    userID,
		IP:        ip,
		Success:   success,
		Metadata:  metadata,
	})
}

func userIdentifier(username string) string {
	return "user:" + strings.ToLower(strings.TrimSpace(username))
}

func loginIdentifiers(username, ip string) []string {
	identifiers := []string{userIdentifier(username)}
	if ip != "" {
		identifiers = append(identifiers, "ip:"+ip)
	}
	return identifiers
}

// refreshIdentifier throttles refresh per presented token rather than
// per user, since the user is unknown until the token verifies. Two
// distinct tokens never share a budget; minting distinct valid tokens
// requires the signing key, so per-token granularity still bounds
// brute-forcing of any one stolen token.
func refreshIdentifier(refreshToken string) string {
	hash := internal.HashToken(refreshToken)
	return "rt:" + base64.RawURLEncoding.EncodeToString(hash[:12])
}

// newDummyHash produces the hash used to equalize unknown-user timing.
func newDummyHash(hasher *password.Argon2) string {
	filler, err := internal.NewCSRFSecret()
	if err != nil {
		filler = "authcore-filler-credential"
	}
	hash, err := hasher.Hash(filler)
	if err != nil {
		log.Printf("authcore: dummy hash generation failed: %v", err)
		return ""
	}
	return hash
}
