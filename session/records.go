package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by record stores for unknown session IDs.
var ErrNotFound = errors.New("session record not found")

// ErrRefreshMismatch is returned by RotateRefresh when the stored hash
// is not the expected one. The caller treats it as token reuse.
var ErrRefreshMismatch = errors.New("refresh hash mismatch")

// Records is the durable session store. It is the source of truth for
// session liveness; the Redis cache in front of it only accelerates
// validation.
//
// RotateRefresh must be a compare-and-swap: the update applies only if
// the stored refresh hash equals current, in one atomic statement.
type Records interface {
	Insert(ctx context.Context, sess *Session) error

	// Get returns the record, or ErrNotFound. Terminal records are
	// returned as stored; callers decide what liveness means.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// UpdateActivity advances the idle-expiry watermark.
	UpdateActivity(ctx context.Context, sessionID string, at time.Time) error

	// RotateRefresh atomically swaps the refresh hash from current to
	// next, stamping activity. Returns ErrRefreshMismatch when the
	// stored hash differs and ErrNotFound for unknown sessions.
	RotateRefresh(ctx context.Context, sessionID string, current, next [32]byte, at time.Time) error

	// Terminate moves an active record into a terminal state with a
	// reason. Terminating an already-terminal record is a no-op.
	Terminate(ctx context.Context, sessionID string, state State, reason string, at time.Time) error

	// TerminateAllForUser terminates every active session of a user
	// and returns the IDs it touched, so cache entries can be purged.
	TerminateAllForUser(ctx context.Context, userID string, state State, reason string, at time.Time) ([]string, error)

	// ListActiveForUser returns the user's active session records.
	ListActiveForUser(ctx context.Context, userID string) ([]*Session, error)
}
