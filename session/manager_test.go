package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/authcore-dev/authcore/token"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memoryRecords is an in-memory Records implementation for tests. Set
// failWith to simulate a durable store outage.
type memoryRecords struct {
	mu       sync.Mutex
	sessions map[string]*Session
	failWith error
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{sessions: make(map[string]*Session)}
}

func (r *memoryRecords) Insert(_ context.Context, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	cp := *sess
	r.sessions[sess.SessionID] = &cp
	return nil
}

func (r *memoryRecords) Get(_ context.Context, sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (r *memoryRecords) UpdateActivity(_ context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.LastActivityAt = at
	return nil
}

func (r *memoryRecords) RotateRefresh(_ context.Context, sessionID string, current, next [32]byte, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.RefreshTokenHash != current {
		return ErrRefreshMismatch
	}
	sess.RefreshTokenHash = next
	sess.LastActivityAt = at
	return nil
}

func (r *memoryRecords) Terminate(_ context.Context, sessionID string, state State, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.State != StateActive {
		return nil
	}
	sess.State = state
	sess.RevokeReason = reason
	sess.LastActivityAt = at
	return nil
}

func (r *memoryRecords) TerminateAllForUser(_ context.Context, userID string, state State, reason string, at time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	var touched []string
	for _, sess := range r.sessions {
		if sess.UserID != userID || sess.State != StateActive {
			continue
		}
		sess.State = state
		sess.RevokeReason = reason
		sess.LastActivityAt = at
		touched = append(touched, sess.SessionID)
	}
	return touched, nil
}

func (r *memoryRecords) ListActiveForUser(_ context.Context, userID string) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	var out []*Session
	for _, sess := range r.sessions {
		if sess.UserID == userID && sess.State == StateActive {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryRecords) stateOf(t *testing.T, sessionID string) (State, string) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		t.Fatalf("no record for session %q", sessionID)
	}
	return sess.State, sess.RevokeReason
}

func newTestTokens(t *testing.T) *token.Manager {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	tokens, err := token.NewManager(token.Config{
		SigningMethod: token.MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "authcore-test",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new token manager failed: %v", err)
	}
	return tokens
}

func newTestManager(t *testing.T) (*Manager, *memoryRecords, *miniredis.Miniredis, *fakeClock) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	records := newMemoryRecords()
	clock := &fakeClock{t: time.Now()}

	mgr, err := NewManager(records, client, newTestTokens(t), Config{
		TTL:                   2 * time.Hour,
		RememberMeTTL:         48 * time.Hour,
		IdleTimeout:           30 * time.Minute,
		RememberMeIdleTimeout: 2 * time.Hour,
		ActivityFlushInterval: time.Minute,
		Now:                   clock.Now,
	})
	if err != nil {
		t.Fatalf("new session manager failed: %v", err)
	}
	return mgr, records, mr, clock
}

func createSession(t *testing.T, mgr *Manager, userID string, rememberMe bool) (*Session, *TokenPair) {
	t.Helper()
	sess, pair, err := mgr.Create(context.Background(), CreateParams{
		UserID:      userID,
		Role:        "admin",
		Permissions: []string{"users:read", "users:write"},
		MFAVerified: true,
		RememberMe:  rememberMe,
	})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	return sess, pair
}

func TestCreateAndValidate(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, pair := createSession(t, mgr, "user-1", false)
	if sess.SessionID == "" {
		t.Fatal("expected non-empty session ID")
	}

	identity, err := mgr.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Fatalf("UserID = %q, want user-1", identity.UserID)
	}
	if identity.SessionID != sess.SessionID {
		t.Fatalf("SessionID = %q, want %q", identity.SessionID, sess.SessionID)
	}
	if identity.Role != "admin" {
		t.Fatalf("Role = %q, want admin", identity.Role)
	}
	if !identity.MFAVerified {
		t.Fatal("expected MFAVerified identity")
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	if _, err := mgr.Validate(context.Background(), "not.a.token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestRefreshPreservesSessionID(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, pair := createSession(t, mgr, "user-1", false)

	refreshed, newPair, err := mgr.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.SessionID != sess.SessionID {
		t.Fatalf("SessionID = %q, want %q", refreshed.SessionID, sess.SessionID)
	}
	if newPair.RefreshToken == pair.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}

	identity, err := mgr.Validate(ctx, newPair.AccessToken)
	if err != nil {
		t.Fatalf("validate after refresh failed: %v", err)
	}
	if identity.SessionID != sess.SessionID {
		t.Fatalf("SessionID = %q, want %q", identity.SessionID, sess.SessionID)
	}
}

func TestRefreshReuseTerminatesSession(t *testing.T) {
	mgr, records, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, pair := createSession(t, mgr, "user-1", false)

	_, newPair, err := mgr.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// Replaying the superseded token kills the whole session.
	if _, _, err := mgr.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("err = %v, want ErrRefreshReuse", err)
	}

	state, reason := records.stateOf(t, sess.SessionID)
	if state != StateInvalidated {
		t.Fatalf("state = %v, want invalidated", state)
	}
	if reason != "refresh_reuse" {
		t.Fatalf("reason = %q, want refresh_reuse", reason)
	}

	// The legitimately rotated token is dead too.
	if _, _, err := mgr.Refresh(ctx, newPair.RefreshToken); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
	if _, err := mgr.Validate(ctx, newPair.AccessToken); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestInvalidateKillsValidToken(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, pair := createSession(t, mgr, "user-1", false)

	if _, err := mgr.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if err := mgr.Invalidate(ctx, sess.SessionID, "logout"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	// The token has not expired, but its session is gone.
	if _, err := mgr.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
	if _, _, err := mgr.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrNotActive) {
		t.Fatalf("refresh err = %v, want ErrNotActive", err)
	}
}

func TestInvalidateAllTerminatesEverySession(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, first := createSession(t, mgr, "user-1", false)
	_, second := createSession(t, mgr, "user-1", false)
	_, other := createSession(t, mgr, "user-2", false)

	n, err := mgr.InvalidateAll(ctx, "user-1", "logout_all")
	if err != nil {
		t.Fatalf("invalidate all failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("terminated %d sessions, want 2", n)
	}

	for i, pair := range []*TokenPair{first, second} {
		if _, err := mgr.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrNotActive) {
			t.Fatalf("session %d: err = %v, want ErrNotActive", i, err)
		}
	}
	if _, err := mgr.Validate(ctx, other.AccessToken); err != nil {
		t.Fatalf("other user's session should survive: %v", err)
	}
}

func TestIdleTimeoutExpiresOnRead(t *testing.T) {
	mgr, records, _, clock := newTestManager(t)
	ctx := context.Background()

	sess, pair := createSession(t, mgr, "user-1", false)

	clock.Advance(31 * time.Minute)

	if _, err := mgr.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}

	state, reason := records.stateOf(t, sess.SessionID)
	if state != StateExpired {
		t.Fatalf("state = %v, want expired", state)
	}
	if reason != "idle_timeout" {
		t.Fatalf("reason = %q, want idle_timeout", reason)
	}
}

func TestActivityKeepsSessionAlive(t *testing.T) {
	mgr, _, _, clock := newTestManager(t)
	ctx := context.Background()

	_, pair := createSession(t, mgr, "user-1", false)

	// Regular validations inside the idle window keep pushing it out.
	for i := 0; i < 4; i++ {
		clock.Advance(20 * time.Minute)
		if _, err := mgr.Validate(ctx, pair.AccessToken); err != nil {
			t.Fatalf("validate %d failed: %v", i, err)
		}
	}
}

func TestAbsoluteExpiryWinsOverActivity(t *testing.T) {
	mgr, records, _, clock := newTestManager(t)
	ctx := context.Background()

	sess, pair := createSession(t, mgr, "user-1", false)

	// Stay active, but run past the 2h absolute lifetime.
	for i := 0; i < 7; i++ {
		clock.Advance(20 * time.Minute)
		if _, err := mgr.Validate(ctx, pair.AccessToken); err != nil {
			break
		}
	}

	if _, err := mgr.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
	state, reason := records.stateOf(t, sess.SessionID)
	if state != StateExpired {
		t.Fatalf("state = %v, want expired", state)
	}
	if reason != "expired" {
		t.Fatalf("reason = %q, want expired", reason)
	}
}

func TestRememberMeExtendsIdleWindow(t *testing.T) {
	mgr, _, _, clock := newTestManager(t)
	ctx := context.Background()

	_, pair := createSession(t, mgr, "user-1", true)

	// Past the normal 30m idle limit, inside the remember-me one.
	clock.Advance(90 * time.Minute)

	if _, err := mgr.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("remember-me session should survive: %v", err)
	}

	clock.Advance(3 * time.Hour)
	if _, err := mgr.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestCacheMissFallsThroughToDurable(t *testing.T) {
	mgr, _, mr, _ := newTestManager(t)
	ctx := context.Background()

	sess, pair := createSession(t, mgr, "user-1", false)

	mr.FlushAll()

	if _, err := mgr.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("validate after cache flush failed: %v", err)
	}
	// The durable read repopulated the cache.
	if !mr.Exists("asv:" + sess.SessionID) {
		t.Fatal("expected cache entry to be repopulated")
	}
}

func TestCacheOutageFallsThroughToDurable(t *testing.T) {
	mgr, _, mr, _ := newTestManager(t)
	ctx := context.Background()

	_, pair := createSession(t, mgr, "user-1", false)

	mr.Close()

	if _, err := mgr.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("validate with cache down failed: %v", err)
	}
}

func TestFailClosedWhenStoresUnavailable(t *testing.T) {
	mgr, records, mr, _ := newTestManager(t)
	ctx := context.Background()

	_, pair := createSession(t, mgr, "user-1", false)

	mr.Close()
	records.failWith = errors.New("connection refused")

	// A cryptographically valid token carries no authority when
	// liveness cannot be established.
	if _, err := mgr.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if _, _, err := mgr.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("refresh err = %v, want ErrStoreUnavailable", err)
	}
}

func TestInvalidateUnknownSession(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	if err := mgr.Invalidate(context.Background(), "no-such-session", "logout"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestActiveSessionsListing(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	first, _ := createSession(t, mgr, "user-1", false)
	createSession(t, mgr, "user-2", false)

	sessions, err := mgr.ActiveSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].SessionID != first.SessionID {
		t.Fatalf("SessionID = %q, want %q", sessions[0].SessionID, first.SessionID)
	}
}
