package session

import "time"

// State is the session lifecycle state. ACTIVE is the only state a
// session can transition out of; INVALIDATED and EXPIRED are terminal.
type State uint8

const (
	StateActive State = iota
	StateInvalidated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInvalidated:
		return "invalidated"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is the durable server-side record backing a token pair. The
// access token carries a snapshot of the authorization fields; the
// record is the authority on liveness.
type Session struct {
	SessionID   string
	UserID      string
	Role        string
	Permissions []string

	// IPHash and DeviceHash bind the session to its creation context.
	// Zero hashes mean the attribute was absent at login.
	IPHash     [32]byte
	DeviceHash [32]byte

	MFAVerified bool
	RememberMe  bool

	// RefreshTokenHash is the SHA-256 of the current refresh token's
	// rotation ID. Exactly one refresh token is live per session; a
	// presented token hashing to anything else is a reuse.
	RefreshTokenHash [32]byte

	State State
	// RevokeReason records why a terminal state was entered
	// ("logout", "logout_all", "refresh_reuse", "idle_timeout", ...).
	RevokeReason string

	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// Alive reports whether the record is in the ACTIVE state. It does not
// evaluate expiry; the manager does that against its clock.
func (s *Session) Alive() bool {
	return s != nil && s.State == StateActive
}

// TokenPair is the credential set handed to a client.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Identity is the authenticated principal produced by validation,
// taken from the verified token claims once the backing session
// checked out.
type Identity struct {
	UserID      string
	SessionID   string
	Role        string
	Permissions []string
	MFAVerified bool
}
